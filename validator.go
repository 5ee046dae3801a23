package linkplan

import (
	"fmt"
	"math"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/seolift/linkplan/models"
	"github.com/seolift/linkplan/textnorm"
)

// Validator checks a completed plan against the structural rules and
// annotates each page with a pass/warn/fail status. It never blocks
// injection; it runs after the plan is fully placed.
type Validator struct {
	cfg Config
}

// NewValidator creates a validator.
func NewValidator(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Validate reports per-page outcomes for the silo. bodies maps page id to
// the post-injection body HTML; excluded marks pages that had no qualifying
// candidates at selection time. A silo-integrity violation returns
// ErrSiloIntegrity because it indicates a selector defect, not bad content.
func (v *Validator) Validate(g *Graph, links []models.Link, bodies map[string]string, excluded map[string]bool) ([]models.PageReport, error) {
	inSilo := make(map[string]bool, len(g.Pages))
	for _, p := range g.Pages {
		inSilo[p.ID] = true
	}

	outbound := map[string][]models.Link{}
	inbound := map[string][]models.Link{}
	for _, l := range links {
		if l.Status == models.StatusRemoved {
			continue
		}
		if !inSilo[l.SourcePageID] || !inSilo[l.TargetPageID] {
			return nil, fmt.Errorf("link %s (%s -> %s): %w",
				l.ID, l.SourcePageID, l.TargetPageID, ErrSiloIntegrity)
		}
		if l.SourcePageID == l.TargetPageID {
			return nil, fmt.Errorf("link %s is a self-link on page %s: %w",
				l.ID, l.SourcePageID, ErrSiloIntegrity)
		}
		outbound[l.SourcePageID] = append(outbound[l.SourcePageID], l)
		inbound[l.TargetPageID] = append(inbound[l.TargetPageID], l)
	}

	diversityWarn := v.anchorDiversityWarnings(inbound)

	reports := make([]models.PageReport, 0, len(g.Pages))
	for _, p := range g.Pages {
		report := models.PageReport{
			PageID:   p.ID,
			Outbound: len(outbound[p.ID]),
			Inbound:  len(inbound[p.ID]),
		}

		if excluded[p.ID] {
			report.Status = models.ValidationExcluded
			report.Failures = append(report.Failures, "no qualifying link candidates")
			reports = append(reports, report)
			continue
		}

		v.checkBudget(&report, p, len(outbound[p.ID]))
		v.checkMandatory(&report, p, g, outbound[p.ID])
		v.checkDensity(&report, bodies[p.ID])
		if w, ok := diversityWarn[p.ID]; ok {
			report.Warnings = append(report.Warnings, w)
		}

		switch {
		case len(report.Failures) > 0:
			report.Status = models.ValidationFailed
		case len(report.Warnings) > 0:
			report.Status = models.ValidationWarnings
		default:
			report.Status = models.ValidationPassed
		}
		reports = append(reports, report)
	}

	return reports, nil
}

// checkBudget enforces the hard outbound range. The parent of a sink-policy
// hierarchical silo legitimately has zero outbound links.
func (v *Validator) checkBudget(report *models.PageReport, p models.Page, outbound int) {
	if p.Role == models.RoleParent && v.cfg.ParentPolicy == ParentSink {
		return
	}
	if outbound < v.cfg.BudgetMin || outbound > v.cfg.BudgetMax {
		report.Failures = append(report.Failures,
			fmt.Sprintf("outbound link count %d outside budget [%d, %d]",
				outbound, v.cfg.BudgetMin, v.cfg.BudgetMax))
	}
}

// checkMandatory requires exactly one mandatory edge from a hierarchical
// child to its parent.
func (v *Validator) checkMandatory(report *models.PageReport, p models.Page, g *Graph, out []models.Link) {
	if p.Role != models.RoleChild || g.Parent == nil {
		return
	}
	mandatory := 0
	for _, l := range out {
		if l.Mandatory && l.TargetPageID == g.Parent.ID {
			mandatory++
		}
	}
	if mandatory != 1 {
		report.Failures = append(report.Failures,
			fmt.Sprintf("expected exactly 1 mandatory link to parent, found %d", mandatory))
	}
}

// checkDensity flags soft rule breaches: more than the allowed links per
// paragraph, or consecutive links closer than the word minimum.
func (v *Validator) checkDensity(report *models.PageReport, body string) {
	if body == "" {
		return
	}
	maxPerParagraph, minGap, total, err := analyzeDensity(body)
	if err != nil {
		report.Warnings = append(report.Warnings, "body could not be parsed for density analysis")
		return
	}
	if maxPerParagraph > v.cfg.MaxLinksPerParagraph {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("paragraph contains %d links (max %d)", maxPerParagraph, v.cfg.MaxLinksPerParagraph))
	}
	if total > 1 && minGap < v.cfg.MinWordsBetweenLinks {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("links only %d words apart (min %d)", minGap, v.cfg.MinWordsBetweenLinks))
	}
}

// anchorDiversityWarnings flags target pages where one anchor text occupies
// more than the configured share of inbound edges. Targets with fewer than
// three inbound links are skipped; a ratio over a pair is noise.
func (v *Validator) anchorDiversityWarnings(inbound map[string][]models.Link) map[string]string {
	warnings := map[string]string{}
	for pageID, links := range inbound {
		if len(links) < 3 {
			continue
		}
		counts := map[string]int{}
		for _, l := range links {
			counts[textnorm.Fold(l.AnchorText)]++
		}
		for anchor, n := range counts {
			share := float64(n) / float64(len(links))
			if share > v.cfg.MaxAnchorSharePerTarget {
				warnings[pageID] = fmt.Sprintf(
					"anchor %q used for %.0f%% of inbound links (max %.0f%%)",
					anchor, share*100, v.cfg.MaxAnchorSharePerTarget*100)
				break
			}
		}
	}
	return warnings
}

// analyzeDensity walks a body and returns the densest paragraph's link
// count, the smallest word gap between consecutive links in running text,
// and the total link count.
func analyzeDensity(body string) (maxPerParagraph, minGap, total int, err error) {
	nodes, err := parseFragment(body)
	if err != nil {
		return 0, 0, 0, err
	}
	root := wrapNodes(nodes)

	for _, p := range paragraphs(root) {
		if n := countLinks(p); n > maxPerParagraph {
			maxPerParagraph = n
		}
	}

	minGap = math.MaxInt
	wordsSinceLink := -1
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			total++
			if wordsSinceLink >= 0 && wordsSinceLink < minGap {
				minGap = wordsSinceLink
			}
			wordsSinceLink = 0
			return
		}
		if n.Type == html.TextNode && wordsSinceLink >= 0 {
			wordsSinceLink += wordCount(n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(root)

	if minGap == math.MaxInt {
		minGap = 0
	}
	return maxPerParagraph, minGap, total, nil
}

func wordCount(s string) int {
	count := 0
	inWord := false
	for _, r := range s {
		isSpace := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if !isSpace && !inWord {
			count++
		}
		inWord = !isSpace
	}
	return count
}
