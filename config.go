// Package linkplan plans and injects internal links between generated
// collection pages within one silo: it builds a relatedness graph, selects
// link targets per page, assigns diversity-constrained anchor text, rewrites
// page HTML to add the links, and validates the finished plan. Re-planning
// is destructive: the prior link set is snapshotted, stripped, and rebuilt.
package linkplan

// ParentLinkPolicy controls whether the parent page of a hierarchical silo
// initiates outbound links to its children or acts purely as a link sink.
type ParentLinkPolicy string

const (
	// ParentSink: the parent receives a link from every child but links out
	// to none of them.
	ParentSink ParentLinkPolicy = "sink"
	// ParentBudgeted: the parent spends its own budget on child links,
	// preferring priority pages.
	ParentBudgeted ParentLinkPolicy = "budgeted"
)

// Config contains planning configuration.
type Config struct {
	// MinSharedLabels is the relatedness floor for flat silos: page pairs
	// sharing fewer labels are not link candidates.
	MinSharedLabels int

	// BudgetMin and BudgetMax bound outbound links per page.
	BudgetMin int
	BudgetMax int

	// Anchor distribution targets across a silo's edges. Must sum to 1.
	ExactRatio   float64
	PartialRatio float64
	NaturalRatio float64

	// MaxAnchorSharePerTarget caps how much of a target's inbound edge set
	// one anchor text may occupy before the validator warns (0..1).
	MaxAnchorSharePerTarget float64

	// MaxLinksPerParagraph and MinWordsBetweenLinks are the density rules.
	MaxLinksPerParagraph int
	MinWordsBetweenLinks int

	// ParentPolicy decides parent outbound behavior in hierarchical silos.
	ParentPolicy ParentLinkPolicy

	// RandSeed seeds anchor selection randomness. Zero means seeded from
	// the clock; tests pin it for reproducible picks.
	RandSeed int64
}

// DefaultConfig returns default planning configuration.
func DefaultConfig() Config {
	return Config{
		MinSharedLabels:         2,
		BudgetMin:               3,
		BudgetMax:               5,
		ExactRatio:              0.10,
		PartialRatio:            0.55,
		NaturalRatio:            0.35,
		MaxAnchorSharePerTarget: 0.40,
		MaxLinksPerParagraph:    2,
		MinWordsBetweenLinks:    50,
		ParentPolicy:            ParentSink,
	}
}
