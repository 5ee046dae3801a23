package linkplan

import (
	"math"
	"testing"

	"github.com/seolift/linkplan/models"
	"github.com/seolift/linkplan/textnorm"
)

func anchorTarget(id string) models.Page {
	return models.Page{
		ID:             id,
		PrimaryKeyword: "hiking boots",
		KeywordVariations: []string{
			"best hiking boots",
			"waterproof hiking boots",
			"hiking boot guide",
		},
	}
}

func seededConfig() Config {
	cfg := DefaultConfig()
	cfg.RandSeed = 42
	return cfg
}

func TestAnchorDistributionConvergence(t *testing.T) {
	cfg := seededConfig()
	sel := NewAnchorSelector(cfg)
	state := NewRunState()

	target := anchorTarget("tgt")
	state.NaturalPools["tgt"] = []string{
		"footwear for the trail",
		"gear that lasts",
		"what to wear out there",
	}

	const picks = 100
	for i := 0; i < picks; i++ {
		sel.Pick(state, target)
	}

	total := state.TotalAnchors()
	if total != picks {
		t.Fatalf("TotalAnchors = %d, want %d", total, picks)
	}

	wantShare := map[models.AnchorType]float64{
		models.AnchorExact:   cfg.ExactRatio,
		models.AnchorPartial: cfg.PartialRatio,
		models.AnchorNatural: cfg.NaturalRatio,
	}
	for typ, want := range wantShare {
		got := float64(state.TypeCounts[typ]) / float64(total)
		if math.Abs(got-want) > 0.10 {
			t.Errorf("%s share = %.2f, want %.2f +/- 0.10", typ, got, want)
		}
	}
}

func TestAnchorPickPrefersDeficitType(t *testing.T) {
	sel := NewAnchorSelector(seededConfig())
	state := NewRunState()
	target := anchorTarget("tgt")
	state.NaturalPools["tgt"] = []string{"trail-ready footwear"}

	// Partial carries the largest target share, so the first pick is partial.
	_, typ := sel.Pick(state, target)
	if typ != models.AnchorPartial {
		t.Errorf("first pick type = %s, want partial", typ)
	}
}

func TestAnchorPickAvoidsReuse(t *testing.T) {
	cfg := seededConfig()
	sel := NewAnchorSelector(cfg)
	state := NewRunState()
	target := anchorTarget("tgt")

	// No natural pool: picks alternate between partial variations and the
	// exact keyword. Within the partial pool, every variation should be used
	// once before any repeats.
	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		text, typ := sel.Pick(state, target)
		if typ == models.AnchorPartial {
			seen[textnorm.Fold(text)]++
		}
	}

	for anchor, n := range seen {
		if n > 2 {
			t.Errorf("anchor %q used %d times before pool exhaustion", anchor, n)
		}
	}
	if len(seen) < 3 {
		t.Errorf("only %d distinct partial anchors used, want all 3 variations", len(seen))
	}
}

func TestAnchorPickFallsBackToKeyword(t *testing.T) {
	sel := NewAnchorSelector(seededConfig())
	state := NewRunState()
	target := models.Page{ID: "bare", PrimaryKeyword: "camp stoves"}

	// Remove the partial and natural pools entirely.
	target.KeywordVariations = nil

	text, typ := sel.Pick(state, target)
	if text != "camp stoves" || typ != models.AnchorExact {
		t.Errorf("pick = (%q, %s), want (camp stoves, exact)", text, typ)
	}
}

func TestAnchorPickTitleWhenNoKeyword(t *testing.T) {
	sel := NewAnchorSelector(seededConfig())
	state := NewRunState()
	target := models.Page{ID: "bare", Title: "Camping Essentials"}

	text, typ := sel.Pick(state, target)
	if text != "Camping Essentials" || typ != models.AnchorExact {
		t.Errorf("pick = (%q, %s), want title fallback as exact", text, typ)
	}
}

func TestAnchorPickDeterministicWithSeed(t *testing.T) {
	run := func() []string {
		sel := NewAnchorSelector(seededConfig())
		state := NewRunState()
		target := anchorTarget("tgt")
		state.NaturalPools["tgt"] = []string{"phrase one", "phrase two"}

		out := make([]string, 0, 10)
		for i := 0; i < 10; i++ {
			text, _ := sel.Pick(state, target)
			out = append(out, text)
		}
		return out
	}

	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("pick %d differs between identically-seeded runs: %q vs %q", i, a[i], b[i])
		}
	}
}
