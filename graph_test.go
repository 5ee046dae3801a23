package linkplan

import (
	"testing"

	"github.com/seolift/linkplan/models"
)

func flatPage(id string, labels ...string) models.Page {
	return models.Page{
		ID:              id,
		ProjectID:       "proj-1",
		Labels:          labels,
		Approved:        true,
		ContentComplete: true,
	}
}

func TestBuildGraphFlatRelatedness(t *testing.T) {
	scope := models.Scope{Type: models.SiloFlat, ProjectID: "proj-1"}
	pages := []models.Page{
		flatPage("a", "boots", "hiking", "gear"),
		flatPage("b", "boots", "hiking"),
		flatPage("c", "boots", "cooking"),
	}

	g := BuildGraph(scope, pages, DefaultConfig())
	if g.Empty() {
		t.Fatal("expected non-empty graph")
	}

	// a and b share two labels and qualify both ways.
	if got := g.Relatedness["a"]["b"]; got != 2 {
		t.Errorf("relatedness a->b = %d, want 2", got)
	}
	if got := g.Relatedness["b"]["a"]; got != 2 {
		t.Errorf("relatedness b->a = %d, want 2", got)
	}

	// a and c share only one label, under the MinSharedLabels floor.
	if _, ok := g.Relatedness["a"]["c"]; ok {
		t.Error("a->c should not be a candidate pair")
	}
}

func TestBuildGraphFoldsLabels(t *testing.T) {
	scope := models.Scope{Type: models.SiloFlat, ProjectID: "proj-1"}
	pages := []models.Page{
		flatPage("a", "Hiking Boots", "Trail Gear"),
		flatPage("b", "hiking  boots!", "trail gear"),
	}

	g := BuildGraph(scope, pages, DefaultConfig())
	if got := g.Relatedness["a"]["b"]; got != 2 {
		t.Errorf("relatedness a->b = %d, want 2 (labels should fold)", got)
	}
}

func TestBuildGraphFiltersUnreadyPages(t *testing.T) {
	scope := models.Scope{Type: models.SiloFlat, ProjectID: "proj-1"}
	unapproved := flatPage("b", "boots", "hiking")
	unapproved.Approved = false
	incomplete := flatPage("c", "boots", "hiking")
	incomplete.ContentComplete = false

	g := BuildGraph(scope, []models.Page{
		flatPage("a", "boots", "hiking"),
		unapproved,
		incomplete,
	}, DefaultConfig())

	if !g.Empty() {
		t.Errorf("expected empty graph with 1 qualifying page, got %d pages", len(g.Pages))
	}
}

func TestBuildGraphPagesSortedByID(t *testing.T) {
	scope := models.Scope{Type: models.SiloFlat, ProjectID: "proj-1"}
	g := BuildGraph(scope, []models.Page{
		flatPage("c", "x", "y"),
		flatPage("a", "x", "y"),
		flatPage("b", "x", "y"),
	}, DefaultConfig())

	want := []string{"a", "b", "c"}
	for i, p := range g.Pages {
		if p.ID != want[i] {
			t.Errorf("Pages[%d].ID = %s, want %s", i, p.ID, want[i])
		}
	}
}

func hierPage(id string, role models.PageRole) models.Page {
	return models.Page{
		ID:              id,
		ProjectID:       "proj-1",
		ClusterID:       "cluster-1",
		Role:            role,
		Approved:        true,
		ContentComplete: true,
	}
}

func TestBuildGraphHierarchical(t *testing.T) {
	scope := models.Scope{Type: models.SiloHierarchical, ProjectID: "proj-1", ClusterID: "cluster-1"}
	g := BuildGraph(scope, []models.Page{
		hierPage("parent", models.RoleParent),
		hierPage("child-1", models.RoleChild),
		hierPage("child-2", models.RoleChild),
	}, DefaultConfig())

	if g.Empty() {
		t.Fatal("expected non-empty graph")
	}
	if g.Parent == nil || g.Parent.ID != "parent" {
		t.Fatalf("Parent = %v, want parent", g.Parent)
	}
	if len(g.Children) != 2 {
		t.Errorf("Children = %d, want 2", len(g.Children))
	}
	if len(g.Relatedness) != 0 {
		t.Error("hierarchical graph should carry no pairwise scores")
	}
}

func TestBuildGraphHierarchicalMissingParent(t *testing.T) {
	scope := models.Scope{Type: models.SiloHierarchical, ProjectID: "proj-1", ClusterID: "cluster-1"}
	g := BuildGraph(scope, []models.Page{
		hierPage("child-1", models.RoleChild),
		hierPage("child-2", models.RoleChild),
	}, DefaultConfig())

	if !g.Empty() {
		t.Error("expected empty graph for hierarchical silo without a parent")
	}
}

func TestBuildGraphHierarchicalNoChildren(t *testing.T) {
	scope := models.Scope{Type: models.SiloHierarchical, ProjectID: "proj-1", ClusterID: "cluster-1"}
	g := BuildGraph(scope, []models.Page{
		hierPage("parent", models.RoleParent),
		hierPage("other", models.RoleNone),
	}, DefaultConfig())

	if !g.Empty() {
		t.Error("expected empty graph for hierarchical silo without children")
	}
}
