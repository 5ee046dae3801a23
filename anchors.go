package linkplan

import (
	"math/rand"
	"sort"
	"time"

	"github.com/seolift/linkplan/models"
	"github.com/seolift/linkplan/textnorm"
)

// AnchorSelector assigns anchor text to planned edges while holding the
// silo-wide type distribution near its targets and penalizing anchor reuse
// against the same target page.
type AnchorSelector struct {
	cfg Config
	rng *rand.Rand
}

// NewAnchorSelector creates an anchor selector. A zero RandSeed seeds from
// the clock; tests pin the seed for reproducible picks.
func NewAnchorSelector(cfg Config) *AnchorSelector {
	seed := cfg.RandSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &AnchorSelector{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Pick chooses anchor text and type for one edge into target. The type is
// the one currently furthest below its distribution target among types with
// candidates left; within a type, anchors not yet used for this target are
// preferred, with random choice among equally-eligible candidates so
// phrasing does not repeat literally. Picks are recorded in state.
func (a *AnchorSelector) Pick(state *RunState, target models.Page) (string, models.AnchorType) {
	pools := map[models.AnchorType][]string{
		models.AnchorExact:   exactPool(target),
		models.AnchorPartial: target.KeywordVariations,
		models.AnchorNatural: state.NaturalPools[target.ID],
	}

	for _, t := range a.typesByDeficit(state) {
		if len(pools[t]) == 0 {
			continue
		}
		text := a.pickFromPool(state, target.ID, pools[t])
		state.RecordAnchor(target.ID, textnorm.Fold(text), t)
		return text, t
	}

	// Every pool empty: fall back to the primary keyword so the edge is
	// still placeable.
	text := target.PrimaryKeyword
	if text == "" {
		text = target.Title
	}
	state.RecordAnchor(target.ID, textnorm.Fold(text), models.AnchorExact)
	return text, models.AnchorExact
}

func exactPool(target models.Page) []string {
	if target.PrimaryKeyword == "" {
		return nil
	}
	return []string{target.PrimaryKeyword}
}

// typesByDeficit orders anchor types by how far below their target share
// they currently are, largest deficit first.
func (a *AnchorSelector) typesByDeficit(state *RunState) []models.AnchorType {
	total := state.TotalAnchors()
	ratios := map[models.AnchorType]float64{
		models.AnchorExact:   a.cfg.ExactRatio,
		models.AnchorPartial: a.cfg.PartialRatio,
		models.AnchorNatural: a.cfg.NaturalRatio,
	}

	types := []models.AnchorType{models.AnchorPartial, models.AnchorNatural, models.AnchorExact}
	deficit := func(t models.AnchorType) float64 {
		share := 0.0
		if total > 0 {
			share = float64(state.TypeCounts[t]) / float64(total)
		}
		return ratios[t] - share
	}

	sort.SliceStable(types, func(i, j int) bool {
		return deficit(types[i]) > deficit(types[j])
	})
	return types
}

// pickFromPool prefers anchors unused for this target; among the least-used
// candidates it picks uniformly at random.
func (a *AnchorSelector) pickFromPool(state *RunState, targetPageID string, pool []string) string {
	usage := state.AnchorUse[targetPageID]

	minUse := -1
	for _, text := range pool {
		u := usage[textnorm.Fold(text)]
		if minUse == -1 || u < minUse {
			minUse = u
		}
	}

	eligible := make([]string, 0, len(pool))
	for _, text := range pool {
		if usage[textnorm.Fold(text)] == minUse {
			eligible = append(eligible, text)
		}
	}

	return eligible[a.rng.Intn(len(eligible))]
}
