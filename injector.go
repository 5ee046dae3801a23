package linkplan

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/seolift/linkplan/models"
	"github.com/seolift/linkplan/textnorm"
)

// linkIDAttr marks injected anchors so edits and unwraps can find the tag
// belonging to a link row without diffing bodies.
const linkIDAttr = "data-ilp"

// Rewriter is the generative fallback used when no matching anchor text
// exists in a body. It takes one paragraph and returns it rewritten to
// contain the link.
type Rewriter interface {
	RewriteParagraph(ctx context.Context, targetURL, anchorText, paragraphHTML string) (string, error)
}

// Injector mutates page bodies to add, retext, and unwrap links.
type Injector struct {
	cfg      Config
	rewriter Rewriter
}

// NewInjector creates an injector. rewriter may be nil, in which case the
// generative fallback tier is unavailable and unmatched anchors fail
// placement.
func NewInjector(cfg Config, rewriter Rewriter) *Injector {
	return &Injector{cfg: cfg, rewriter: rewriter}
}

// InjectResult is the outcome of placing one link.
type InjectResult struct {
	Body     string // mutated body HTML
	Position int    // ordinal position of the new anchor among the body's links
	Method   models.PlacementMethod
}

// Inject places one link into body. The rule-based tier wraps the first
// qualifying occurrence of the anchor text (or a folded surface variant);
// when none exists, the fallback tier rewrites one paragraph through the
// generative service. A failed fallback returns an error and the body is
// left unmodified.
func (inj *Injector) Inject(ctx context.Context, body, anchorText, targetURL, linkID string) (InjectResult, error) {
	nodes, err := parseFragment(body)
	if err != nil {
		return InjectResult{}, fmt.Errorf("failed to parse body: %w", err)
	}
	root := wrapNodes(nodes)

	if inj.injectRuleBased(root, anchorText, targetURL, linkID) {
		out, err := renderChildren(root)
		if err != nil {
			return InjectResult{}, err
		}
		return InjectResult{
			Body:     out,
			Position: linkPosition(root, linkID),
			Method:   models.MethodRuleBased,
		}, nil
	}

	if inj.rewriter == nil {
		return InjectResult{}, fmt.Errorf("no matching text for anchor %q and no fallback rewriter configured", anchorText)
	}

	if err := inj.injectFallback(ctx, root, anchorText, targetURL, linkID); err != nil {
		return InjectResult{}, err
	}

	out, err := renderChildren(root)
	if err != nil {
		return InjectResult{}, err
	}
	return InjectResult{
		Body:     out,
		Position: linkPosition(root, linkID),
		Method:   models.MethodGenerativeFallback,
	}, nil
}

// injectRuleBased scans paragraphs in document order for the first eligible
// occurrence of the anchor text and wraps it. Returns false when no
// qualifying occurrence exists.
func (inj *Injector) injectRuleBased(root *html.Node, anchorText, targetURL, linkID string) bool {
	for _, p := range paragraphs(root) {
		if countLinks(p) >= inj.cfg.MaxLinksPerParagraph {
			continue
		}
		if inj.wrapInParagraph(p, anchorText, targetURL, linkID) {
			return true
		}
	}
	return false
}

// wrapInParagraph tries to wrap the anchor inside one paragraph, honoring
// the words-between-links spacing against links already in the paragraph.
func (inj *Injector) wrapInParagraph(p *html.Node, anchorText, targetURL, linkID string) bool {
	var done bool
	wordsSinceLink := -1 // -1: no link seen yet in this paragraph

	var f func(*html.Node)
	f = func(n *html.Node) {
		if done {
			return
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.A:
				wordsSinceLink = 0
				return // never nest inside an existing link
			case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
				atom.Script, atom.Style, atom.Code, atom.Pre, atom.Blockquote:
				return
			}
		}
		if n.Type == html.TextNode {
			offset := 0
			for {
				start, end, ok := findFoldedMatch(n.Data[offset:], anchorText)
				if !ok {
					break
				}
				start += offset
				end += offset
				// Enforce spacing from the previous link in running text.
				lead := len(strings.Fields(n.Data[:start]))
				if wordsSinceLink >= 0 && wordsSinceLink+lead < inj.cfg.MinWordsBetweenLinks {
					// Too close; keep scanning past this occurrence.
					offset = end
					continue
				}
				wrapTextRange(n, start, end, targetURL, linkID)
				done = true
				return
			}
			if wordsSinceLink >= 0 {
				wordsSinceLink += len(strings.Fields(n.Data))
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(p)
	return done
}

// injectFallback rewrites one paragraph with available capacity through the
// generative service and splices the result back into the tree.
func (inj *Injector) injectFallback(ctx context.Context, root *html.Node, anchorText, targetURL, linkID string) error {
	target := inj.fallbackParagraph(root)
	if target == nil {
		return fmt.Errorf("no paragraph with linking capacity for anchor %q", anchorText)
	}

	paragraphHTML, err := renderNode(target)
	if err != nil {
		return err
	}

	rewritten, err := inj.rewriter.RewriteParagraph(ctx, targetURL, anchorText, paragraphHTML)
	if err != nil {
		return fmt.Errorf("generative rewrite failed: %w", err)
	}

	newNodes, err := parseFragment(rewritten)
	if err != nil {
		return fmt.Errorf("failed to parse rewritten paragraph: %w", err)
	}
	replacement := wrapNodes(newNodes)

	// The service is asked to emit the <a> itself; tag it, or wrap the
	// anchor text ourselves when it returned plain prose.
	if !tagRewrittenLink(replacement, anchorText, targetURL, linkID) {
		found := false
		for _, p := range paragraphs(replacement) {
			if inj.wrapInParagraph(p, anchorText, targetURL, linkID) {
				found = true
				break
			}
		}
		if !found && !wrapAnywhere(replacement, anchorText, targetURL, linkID) {
			return fmt.Errorf("rewritten paragraph lacks anchor text %q", anchorText)
		}
	}

	// Splice replacement children in front of the old paragraph, then drop it.
	parent := target.Parent
	for c := replacement.FirstChild; c != nil; {
		next := c.NextSibling
		replacement.RemoveChild(c)
		parent.InsertBefore(c, target)
		c = next
	}
	parent.RemoveChild(target)
	return nil
}

// fallbackParagraph picks the paragraph to rewrite: the first link-free
// paragraph with enough prose, else the first one under capacity.
func (inj *Injector) fallbackParagraph(root *html.Node) *html.Node {
	const minWords = 15
	var underCapacity *html.Node

	for _, p := range paragraphs(root) {
		links := countLinks(p)
		if links == 0 && len(strings.Fields(nodeText(p))) >= minWords {
			return p
		}
		if underCapacity == nil && links < inj.cfg.MaxLinksPerParagraph {
			underCapacity = p
		}
	}
	return underCapacity
}

// StripLinks unwraps every <a> element in body to plain text. Used before a
// destructive re-plan and shared by the manual delete path. Empty anchors
// are removed outright so no dangling elements remain.
func StripLinks(body string) (string, error) {
	nodes, err := parseFragment(body)
	if err != nil {
		return "", fmt.Errorf("failed to parse body: %w", err)
	}
	root := wrapNodes(nodes)

	for {
		a := findFirst(root, func(n *html.Node) bool {
			return n.Type == html.ElementNode && n.DataAtom == atom.A
		})
		if a == nil {
			break
		}
		unwrapNode(a)
	}

	return renderChildren(root)
}

// RetextLink replaces the inner text of the anchor tag belonging to linkID,
// leaving href and position untouched.
func RetextLink(body, linkID, newText string) (string, error) {
	nodes, err := parseFragment(body)
	if err != nil {
		return "", fmt.Errorf("failed to parse body: %w", err)
	}
	root := wrapNodes(nodes)

	a := findLinkByID(root, linkID)
	if a == nil {
		return "", fmt.Errorf("link tag %s: %w", linkID, ErrNotFound)
	}

	for a.FirstChild != nil {
		a.RemoveChild(a.FirstChild)
	}
	a.AppendChild(&html.Node{Type: html.TextNode, Data: newText})

	return renderChildren(root)
}

// UnwrapLink removes the anchor tag belonging to linkID, keeping its text.
func UnwrapLink(body, linkID string) (string, error) {
	nodes, err := parseFragment(body)
	if err != nil {
		return "", fmt.Errorf("failed to parse body: %w", err)
	}
	root := wrapNodes(nodes)

	a := findLinkByID(root, linkID)
	if a == nil {
		return "", fmt.Errorf("link tag %s: %w", linkID, ErrNotFound)
	}
	unwrapNode(a)

	return renderChildren(root)
}

// --- tree helpers ---

// parseFragment parses body-level HTML without forcing a full document.
func parseFragment(body string) ([]*html.Node, error) {
	ctx := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	return html.ParseFragment(strings.NewReader(body), ctx)
}

// wrapNodes parents fragment roots under a synthetic body node so tree
// mutation helpers have a stable ancestor.
func wrapNodes(nodes []*html.Node) *html.Node {
	root := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	for _, n := range nodes {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
		root.AppendChild(n)
	}
	return root
}

// renderChildren renders the children of root back to an HTML string.
func renderChildren(root *html.Node) (string, error) {
	var buf strings.Builder
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return "", fmt.Errorf("failed to render body: %w", err)
		}
	}
	return buf.String(), nil
}

func renderNode(n *html.Node) (string, error) {
	var buf strings.Builder
	if err := html.Render(&buf, n); err != nil {
		return "", fmt.Errorf("failed to render node: %w", err)
	}
	return buf.String(), nil
}

// paragraphs returns the body's paragraph-level containers in document
// order. Bottom content is paragraph/list based, so <p> and <li> are the
// injection surfaces.
func paragraphs(root *html.Node) []*html.Node {
	var out []*html.Node
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.DataAtom == atom.P || n.DataAtom == atom.Li) {
			out = append(out, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(root)
	return out
}

func countLinks(n *html.Node) int {
	count := 0
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			count++
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)
	return count
}

func nodeText(n *html.Node) string {
	var buf strings.Builder
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
			buf.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)
	return strings.TrimSpace(buf.String())
}

func findFirst(root *html.Node, match func(*html.Node) bool) *html.Node {
	var found *html.Node
	var f func(*html.Node)
	f = func(n *html.Node) {
		if found != nil {
			return
		}
		if match(n) {
			found = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(root)
	return found
}

func findLinkByID(root *html.Node, linkID string) *html.Node {
	return findFirst(root, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.DataAtom != atom.A {
			return false
		}
		for _, attr := range n.Attr {
			if attr.Key == linkIDAttr && attr.Val == linkID {
				return true
			}
		}
		return false
	})
}

// unwrapNode replaces an element with its children; childless elements are
// removed so no empty tags remain.
func unwrapNode(n *html.Node) {
	parent := n.Parent
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		parent.InsertBefore(c, n)
		c = next
	}
	parent.RemoveChild(n)
}

// wrapTextRange splits a text node around [start,end) and wraps the middle
// in an anchor element.
func wrapTextRange(n *html.Node, start, end int, targetURL, linkID string) {
	parent := n.Parent
	before := n.Data[:start]
	matched := n.Data[start:end]
	after := n.Data[end:]

	a := &html.Node{
		Type:     html.ElementNode,
		Data:     "a",
		DataAtom: atom.A,
		Attr: []html.Attribute{
			{Key: "href", Val: targetURL},
			{Key: linkIDAttr, Val: linkID},
		},
	}
	a.AppendChild(&html.Node{Type: html.TextNode, Data: matched})

	if before != "" {
		parent.InsertBefore(&html.Node{Type: html.TextNode, Data: before}, n)
	}
	parent.InsertBefore(a, n)
	if after != "" {
		parent.InsertBefore(&html.Node{Type: html.TextNode, Data: after}, n)
	}
	parent.RemoveChild(n)
}

// findFoldedMatch locates the first word-aligned substring of raw whose
// folded form equals the folded anchor. Returns byte offsets into raw.
func findFoldedMatch(raw, anchor string) (int, int, bool) {
	want := textnorm.Fold(anchor)
	if want == "" {
		return 0, 0, false
	}
	wantWords := len(strings.Fields(want))

	type span struct{ start, end int }
	var words []span
	inWord := false
	start := 0
	for i, r := range raw {
		isSpace := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if !isSpace && !inWord {
			inWord = true
			start = i
		}
		if isSpace && inWord {
			inWord = false
			words = append(words, span{start, i})
		}
	}
	if inWord {
		words = append(words, span{start, len(raw)})
	}

	for i := 0; i+wantWords <= len(words); i++ {
		s, e := words[i].start, words[i+wantWords-1].end
		if textnorm.Fold(raw[s:e]) == want {
			// Trim trailing punctuation the fold ignored, so the wrapped
			// text reads cleanly.
			for e > s && isTrailingPunct(raw[e-1]) {
				e--
			}
			return s, e, true
		}
	}
	return 0, 0, false
}

func isTrailingPunct(b byte) bool {
	switch b {
	case '.', ',', ';', ':', '!', '?', ')', ']', '"', '\'':
		return true
	}
	return false
}

// tagRewrittenLink finds the anchor element the rewrite service emitted and
// stamps it with the canonical href and link id marker.
func tagRewrittenLink(root *html.Node, anchorText, targetURL, linkID string) bool {
	want := textnorm.Fold(anchorText)
	a := findFirst(root, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.DataAtom == atom.A && textnorm.Fold(nodeText(n)) == want
	})
	if a == nil {
		return false
	}

	attrs := a.Attr[:0]
	for _, attr := range a.Attr {
		if attr.Key != "href" && attr.Key != linkIDAttr {
			attrs = append(attrs, attr)
		}
	}
	a.Attr = append(attrs,
		html.Attribute{Key: "href", Val: targetURL},
		html.Attribute{Key: linkIDAttr, Val: linkID},
	)
	return true
}

// wrapAnywhere wraps the first folded occurrence of the anchor in any text
// node under root, ignoring paragraph structure. Last resort for rewritten
// fragments that lost their paragraph wrapper.
func wrapAnywhere(root *html.Node, anchorText, targetURL, linkID string) bool {
	var done bool
	var f func(*html.Node)
	f = func(n *html.Node) {
		if done {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			return
		}
		if n.Type == html.TextNode {
			if s, e, ok := findFoldedMatch(n.Data, anchorText); ok {
				wrapTextRange(n, s, e, targetURL, linkID)
				done = true
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(root)
	return done
}

// LinkPositions walks body once and returns the ordinal position of every
// tagged anchor, keyed by link id, in document order. Callers that place
// several links into one body use it to refresh ordinals that earlier
// placements computed before the body reached its final shape.
func LinkPositions(body string) (map[string]int, error) {
	nodes, err := parseFragment(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse body: %w", err)
	}
	root := wrapNodes(nodes)

	positions := map[string]int{}
	pos := 0
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			for _, attr := range n.Attr {
				if attr.Key == linkIDAttr {
					positions[attr.Val] = pos
				}
			}
			pos++
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(root)
	return positions, nil
}

// linkPosition returns the ordinal index of linkID among the body's anchors
// in document order, used as the link's position marker.
func linkPosition(root *html.Node, linkID string) int {
	pos := 0
	idx := -1
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			for _, attr := range n.Attr {
				if attr.Key == linkIDAttr && attr.Val == linkID {
					idx = pos
				}
			}
			pos++
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(root)
	if idx < 0 {
		return pos
	}
	return idx
}
