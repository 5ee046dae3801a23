package linkplan

import (
	"sort"

	"github.com/seolift/linkplan/models"
)

// Candidate is one planned link target for a source page, in placement
// order. The mandatory flag is set only for the hierarchical child-to-parent
// edge.
type Candidate struct {
	Target    models.Page
	Mandatory bool
}

// TargetSelector ranks and picks link targets for one source page. The two
// strategies (flat label-overlap, hierarchical parent/child) share this
// interface and the outer orchestration; nothing else.
type TargetSelector interface {
	SelectTargets(source models.Page, g *Graph, state *RunState) []Candidate
}

// NewTargetSelector returns the strategy for the silo type.
func NewTargetSelector(siloType models.SiloType, cfg Config) TargetSelector {
	if siloType == models.SiloHierarchical {
		return &hierarchicalSelector{cfg: cfg}
	}
	return &flatSelector{cfg: cfg}
}

// flatSelector ranks related pages by shared-label score with a priority
// boost and an inbound-count diversity penalty, preventing any single page
// from absorbing the whole silo's link budget.
type flatSelector struct {
	cfg Config
}

func (s *flatSelector) SelectTargets(source models.Page, g *Graph, state *RunState) []Candidate {
	related := g.Relatedness[source.ID]
	if len(related) == 0 {
		return nil
	}

	type scored struct {
		page  models.Page
		score int
	}

	candidates := make([]scored, 0, len(related))
	for targetID, shared := range related {
		target := g.PageByID(targetID)
		if target == nil || target.ID == source.ID {
			continue
		}
		score := shared - state.Inbound[targetID]
		if target.Priority {
			score += 2
		}
		candidates = append(candidates, scored{page: *target, score: score})
	}

	// Stable order: score descending, then page id ascending so identical
	// inputs always produce the same plan.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].page.ID < candidates[j].page.ID
	})

	budget := s.cfg.BudgetMax
	if budget > len(candidates) {
		budget = len(candidates)
	}

	out := make([]Candidate, 0, budget)
	for _, c := range candidates[:budget] {
		out = append(out, Candidate{Target: c.page})
		state.Inbound[c.page.ID]++
	}
	return out
}

// hierarchicalSelector implements the parent/child strategy: every child's
// first, mandatory target is the parent; remaining slots go to siblings
// round-robin by current inbound count. Parent outbound behavior follows
// the configured policy.
type hierarchicalSelector struct {
	cfg Config
}

func (s *hierarchicalSelector) SelectTargets(source models.Page, g *Graph, state *RunState) []Candidate {
	if g.Parent == nil {
		return nil
	}

	if source.Role == models.RoleParent {
		return s.selectForParent(g, state)
	}

	out := []Candidate{{Target: *g.Parent, Mandatory: true}}
	state.Inbound[g.Parent.ID]++

	remaining := s.cfg.BudgetMax - 1
	if remaining <= 0 {
		return out
	}

	siblings := make([]models.Page, 0, len(g.Children))
	for _, c := range g.Children {
		if c.ID != source.ID {
			siblings = append(siblings, c)
		}
	}

	// Round-robin: always pick the sibling with the fewest inbound links,
	// ties broken by page id.
	for i := 0; i < remaining && len(siblings) > 0; i++ {
		sort.Slice(siblings, func(a, b int) bool {
			ia, ib := state.Inbound[siblings[a].ID], state.Inbound[siblings[b].ID]
			if ia != ib {
				return ia < ib
			}
			return siblings[a].ID < siblings[b].ID
		})
		pick := siblings[0]
		siblings = siblings[1:]
		out = append(out, Candidate{Target: pick})
		state.Inbound[pick.ID]++
	}
	return out
}

func (s *hierarchicalSelector) selectForParent(g *Graph, state *RunState) []Candidate {
	if s.cfg.ParentPolicy != ParentBudgeted {
		// Sink policy: the parent receives links but initiates none.
		return nil
	}

	children := make([]models.Page, len(g.Children))
	copy(children, g.Children)
	sort.Slice(children, func(i, j int) bool {
		if children[i].Priority != children[j].Priority {
			return children[i].Priority
		}
		return children[i].ID < children[j].ID
	})

	budget := s.cfg.BudgetMax
	if budget > len(children) {
		budget = len(children)
	}

	out := make([]Candidate, 0, budget)
	for _, c := range children[:budget] {
		out = append(out, Candidate{Target: c})
		state.Inbound[c.ID]++
	}
	return out
}
