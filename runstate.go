package linkplan

import "github.com/seolift/linkplan/models"

// RunState is the shared, mutable state of one planning run: inbound-link
// counts feeding the flat selector's diversity penalty, the global anchor
// type counters, per-target anchor usage, and the cached natural phrase
// pools. It is owned by the orchestrator and passed explicitly through the
// sequential pipeline so the algorithms stay testable without a running job.
type RunState struct {
	// Inbound counts links accumulated per target page so far this run.
	Inbound map[string]int

	// TypeCounts tracks how many anchors of each type have been assigned.
	TypeCounts map[models.AnchorType]int

	// AnchorUse counts per-target anchor text usage, keyed by target page
	// id, then by folded anchor text.
	AnchorUse map[string]map[string]int

	// NaturalPools caches the generative natural-phrase candidates fetched
	// once per target page for the whole run.
	NaturalPools map[string][]string
}

// NewRunState returns an empty run state.
func NewRunState() *RunState {
	return &RunState{
		Inbound:      map[string]int{},
		TypeCounts:   map[models.AnchorType]int{},
		AnchorUse:    map[string]map[string]int{},
		NaturalPools: map[string][]string{},
	}
}

// TotalAnchors returns the number of anchors assigned so far.
func (s *RunState) TotalAnchors() int {
	total := 0
	for _, n := range s.TypeCounts {
		total += n
	}
	return total
}

// RecordAnchor updates the global distribution counters and the per-target
// usage tally for one assigned anchor.
func (s *RunState) RecordAnchor(targetPageID, foldedAnchor string, t models.AnchorType) {
	s.TypeCounts[t]++
	m := s.AnchorUse[targetPageID]
	if m == nil {
		m = map[string]int{}
		s.AnchorUse[targetPageID] = m
	}
	m[foldedAnchor]++
}
