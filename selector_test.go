package linkplan

import (
	"fmt"
	"testing"

	"github.com/seolift/linkplan/models"
)

func TestFlatSelectorScoring(t *testing.T) {
	scope := models.Scope{Type: models.SiloFlat, ProjectID: "proj-1"}
	source := flatPage("src", "boots", "hiking", "gear", "trail")

	strong := flatPage("strong", "boots", "hiking", "gear", "trail")
	weak := flatPage("weak", "boots", "hiking")
	priority := flatPage("prio", "boots", "hiking")
	priority.Priority = true

	g := BuildGraph(scope, []models.Page{source, strong, weak, priority}, DefaultConfig())
	state := NewRunState()
	sel := NewTargetSelector(models.SiloFlat, DefaultConfig())

	got := sel.SelectTargets(source, g, state)
	if len(got) != 3 {
		t.Fatalf("candidates = %d, want 3", len(got))
	}
	// strong shares 4 labels (score 4), prio shares 2 with +2 boost (score 4,
	// id tiebreak puts prio first), weak shares 2 (score 2).
	if got[0].Target.ID != "prio" || got[1].Target.ID != "strong" || got[2].Target.ID != "weak" {
		t.Errorf("order = [%s %s %s], want [prio strong weak]",
			got[0].Target.ID, got[1].Target.ID, got[2].Target.ID)
	}
	for _, c := range got {
		if c.Mandatory {
			t.Errorf("flat candidate %s marked mandatory", c.Target.ID)
		}
	}
}

func TestFlatSelectorBudgetCap(t *testing.T) {
	scope := models.Scope{Type: models.SiloFlat, ProjectID: "proj-1"}
	pages := []models.Page{flatPage("src", "a", "b")}
	for i := 0; i < 8; i++ {
		pages = append(pages, flatPage(fmt.Sprintf("t%d", i), "a", "b"))
	}

	cfg := DefaultConfig()
	g := BuildGraph(scope, pages, cfg)
	got := NewTargetSelector(models.SiloFlat, cfg).SelectTargets(pages[0], g, NewRunState())

	if len(got) != cfg.BudgetMax {
		t.Errorf("candidates = %d, want budget max %d", len(got), cfg.BudgetMax)
	}
}

func TestFlatSelectorDiversityPenalty(t *testing.T) {
	scope := models.Scope{Type: models.SiloFlat, ProjectID: "proj-1"}
	source := flatPage("src", "a", "b")
	hot := flatPage("hot", "a", "b", "c")
	cold := flatPage("cold", "a", "b")
	g := BuildGraph(scope, []models.Page{source, hot, cold}, DefaultConfig())

	state := NewRunState()
	state.Inbound["hot"] = 5 // heavily linked already this run

	got := NewTargetSelector(models.SiloFlat, DefaultConfig()).SelectTargets(source, g, state)
	if len(got) == 0 {
		t.Fatal("expected candidates")
	}
	if got[0].Target.ID != "cold" {
		t.Errorf("first pick = %s, want cold (hot is penalized for inbound)", got[0].Target.ID)
	}
}

func TestFlatSelectorRecordsInbound(t *testing.T) {
	scope := models.Scope{Type: models.SiloFlat, ProjectID: "proj-1"}
	source := flatPage("src", "a", "b")
	target := flatPage("tgt", "a", "b")
	g := BuildGraph(scope, []models.Page{source, target}, DefaultConfig())

	state := NewRunState()
	NewTargetSelector(models.SiloFlat, DefaultConfig()).SelectTargets(source, g, state)
	if state.Inbound["tgt"] != 1 {
		t.Errorf("Inbound[tgt] = %d, want 1", state.Inbound["tgt"])
	}
}

func TestFlatSelectorNoCandidates(t *testing.T) {
	scope := models.Scope{Type: models.SiloFlat, ProjectID: "proj-1"}
	source := flatPage("src", "a", "b")
	unrelated := flatPage("other", "x", "y")
	g := BuildGraph(scope, []models.Page{source, unrelated}, DefaultConfig())

	got := NewTargetSelector(models.SiloFlat, DefaultConfig()).SelectTargets(source, g, NewRunState())
	if len(got) != 0 {
		t.Errorf("candidates = %d, want 0 for unrelated pages", len(got))
	}
}

// Eight-page hierarchical silo: every child links to the parent first, and
// sibling links spread round-robin instead of piling onto one page.
func TestHierarchicalSelectorScenario(t *testing.T) {
	scope := models.Scope{Type: models.SiloHierarchical, ProjectID: "proj-1", ClusterID: "cluster-1"}
	pages := []models.Page{hierPage("parent", models.RoleParent)}
	for i := 1; i <= 7; i++ {
		pages = append(pages, hierPage(fmt.Sprintf("child-%d", i), models.RoleChild))
	}

	cfg := DefaultConfig()
	g := BuildGraph(scope, pages, cfg)
	sel := NewTargetSelector(models.SiloHierarchical, cfg)
	state := NewRunState()

	parentInbound := 0
	siblingInbound := map[string]int{}

	for _, p := range g.Pages {
		cands := sel.SelectTargets(p, g, state)
		if p.Role == models.RoleParent {
			if len(cands) != 0 {
				t.Errorf("sink parent selected %d targets, want 0", len(cands))
			}
			continue
		}

		if len(cands) != cfg.BudgetMax {
			t.Errorf("%s: candidates = %d, want %d", p.ID, len(cands), cfg.BudgetMax)
		}
		if !cands[0].Mandatory || cands[0].Target.ID != "parent" {
			t.Errorf("%s: first candidate = %s (mandatory=%v), want mandatory parent",
				p.ID, cands[0].Target.ID, cands[0].Mandatory)
		}
		parentInbound++

		seen := map[string]bool{}
		for _, c := range cands[1:] {
			if c.Mandatory {
				t.Errorf("%s: sibling edge to %s marked mandatory", p.ID, c.Target.ID)
			}
			if c.Target.ID == p.ID {
				t.Errorf("%s: self-link selected", p.ID)
			}
			if seen[c.Target.ID] {
				t.Errorf("%s: duplicate target %s", p.ID, c.Target.ID)
			}
			seen[c.Target.ID] = true
			siblingInbound[c.Target.ID]++
		}
	}

	if parentInbound != 7 {
		t.Errorf("parent inbound = %d, want 7", parentInbound)
	}

	// 7 children each place 4 sibling links = 28 spread over 7 children.
	// Self-exclusion keeps the greedy round-robin from being perfectly even,
	// but no page should soak up links while another starves.
	min, max := -1, 0
	for i := 1; i <= 7; i++ {
		n := siblingInbound[fmt.Sprintf("child-%d", i)]
		if min == -1 || n < min {
			min = n
		}
		if n > max {
			max = n
		}
	}
	if max-min > 2 {
		t.Errorf("sibling inbound spread min=%d max=%d, want spread <= 2", min, max)
	}
}

func TestHierarchicalSelectorSmallSilo(t *testing.T) {
	scope := models.Scope{Type: models.SiloHierarchical, ProjectID: "proj-1", ClusterID: "cluster-1"}
	g := BuildGraph(scope, []models.Page{
		hierPage("parent", models.RoleParent),
		hierPage("child-1", models.RoleChild),
		hierPage("child-2", models.RoleChild),
	}, DefaultConfig())

	sel := NewTargetSelector(models.SiloHierarchical, DefaultConfig())
	cands := sel.SelectTargets(*g.PageByID("child-1"), g, NewRunState())

	// Parent plus the single sibling; fewer pages than budget is fine here,
	// the validator reports the budget breach.
	if len(cands) != 2 {
		t.Fatalf("candidates = %d, want 2", len(cands))
	}
	if cands[0].Target.ID != "parent" || cands[1].Target.ID != "child-2" {
		t.Errorf("targets = [%s %s], want [parent child-2]", cands[0].Target.ID, cands[1].Target.ID)
	}
}

func TestHierarchicalParentBudgeted(t *testing.T) {
	scope := models.Scope{Type: models.SiloHierarchical, ProjectID: "proj-1", ClusterID: "cluster-1"}
	prio := hierPage("child-3", models.RoleChild)
	prio.Priority = true
	g := BuildGraph(scope, []models.Page{
		hierPage("parent", models.RoleParent),
		hierPage("child-1", models.RoleChild),
		hierPage("child-2", models.RoleChild),
		prio,
	}, DefaultConfig())

	cfg := DefaultConfig()
	cfg.ParentPolicy = ParentBudgeted
	sel := NewTargetSelector(models.SiloHierarchical, cfg)

	cands := sel.SelectTargets(*g.Parent, g, NewRunState())
	if len(cands) != 3 {
		t.Fatalf("candidates = %d, want 3", len(cands))
	}
	if cands[0].Target.ID != "child-3" {
		t.Errorf("first pick = %s, want priority child-3", cands[0].Target.ID)
	}
}
