package linkplan

import (
	"sort"

	"github.com/seolift/linkplan/models"
	"github.com/seolift/linkplan/textnorm"
)

// Graph is the candidate node set and relatedness structure for one silo.
// Flat silos carry pairwise shared-label scores; hierarchical silos carry a
// parent and its children with no pairwise scoring.
type Graph struct {
	Scope models.Scope
	Pages []models.Page // sorted by page id for deterministic iteration

	// Relatedness holds shared-label counts for flat silos, keyed by
	// source page id. Pairs under the threshold are absent.
	Relatedness map[string]map[string]int

	// Parent and Children are set for hierarchical silos.
	Parent   *models.Page
	Children []models.Page
}

// Empty reports whether the graph has too few qualifying pages to plan.
func (g *Graph) Empty() bool {
	return len(g.Pages) < 2
}

// PageByID returns the graph's page with the given id, or nil.
func (g *Graph) PageByID(id string) *models.Page {
	for i := range g.Pages {
		if g.Pages[i].ID == id {
			return &g.Pages[i]
		}
	}
	return nil
}

// BuildGraph assembles the candidate graph from a silo's approved,
// content-complete pages. Fewer than two qualifying pages yields an empty
// graph, not an error: the caller reports the silo as unplannable.
func BuildGraph(scope models.Scope, pages []models.Page, cfg Config) *Graph {
	g := &Graph{Scope: scope, Relatedness: map[string]map[string]int{}}

	for _, p := range pages {
		if !p.Approved || !p.ContentComplete {
			continue
		}
		g.Pages = append(g.Pages, p)
	}
	sort.Slice(g.Pages, func(i, j int) bool { return g.Pages[i].ID < g.Pages[j].ID })

	if g.Empty() {
		return g
	}

	switch scope.Type {
	case models.SiloHierarchical:
		for i := range g.Pages {
			switch g.Pages[i].Role {
			case models.RoleParent:
				if g.Parent == nil {
					g.Parent = &g.Pages[i]
				}
			case models.RoleChild:
				g.Children = append(g.Children, g.Pages[i])
			}
		}
		// A hierarchical silo without a parent or without children cannot
		// form its mandatory edges; treat it as unplannable.
		if g.Parent == nil || len(g.Children) == 0 {
			g.Pages = nil
		}

	default:
		minShared := cfg.MinSharedLabels
		if minShared < 1 {
			minShared = 1
		}
		for i := range g.Pages {
			for j := range g.Pages {
				if i == j {
					continue
				}
				shared := sharedLabelCount(g.Pages[i].Labels, g.Pages[j].Labels)
				if shared < minShared {
					continue
				}
				m := g.Relatedness[g.Pages[i].ID]
				if m == nil {
					m = map[string]int{}
					g.Relatedness[g.Pages[i].ID] = m
				}
				m[g.Pages[j].ID] = shared
			}
		}
	}

	return g
}

// sharedLabelCount counts distinct labels present in both sets. Labels are
// folded so that surface variants ("Hiking Boots" / "hiking boots") match.
func sharedLabelCount(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, l := range a {
		set[textnorm.Fold(l)] = struct{}{}
	}
	count := 0
	seen := make(map[string]struct{}, len(b))
	for _, l := range b {
		n := textnorm.Fold(l)
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		if _, ok := set[n]; ok {
			count++
		}
	}
	return count
}
