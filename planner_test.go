package linkplan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seolift/linkplan/models"
)

// memStore is an in-memory Store for planner tests. An optional gate channel
// blocks SaveSnapshot until closed, holding the pipeline in a known state.
type memStore struct {
	mu        sync.Mutex
	pages     []models.Page
	links     []models.Link
	snapshots []*models.PlanSnapshot
	runs      []models.PlanRun
	deletes   int
	gate      chan struct{}
}

func (s *memStore) ListSiloPages(_ context.Context, _ models.Scope) ([]models.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Page, len(s.pages))
	copy(out, s.pages)
	return out, nil
}

func (s *memStore) ListLinks(_ context.Context, _ models.Scope) ([]models.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Link, len(s.links))
	copy(out, s.links)
	return out, nil
}

func (s *memStore) SaveSnapshot(_ context.Context, snap *models.PlanSnapshot) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *memStore) UpdatePageBody(_ context.Context, pageID, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pages {
		if s.pages[i].ID == pageID {
			s.pages[i].Body = body
			return nil
		}
	}
	return fmt.Errorf("page %s: %w", pageID, ErrNotFound)
}

func (s *memStore) DeleteLinks(_ context.Context, _ models.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links = nil
	s.deletes++
	return nil
}

func (s *memStore) SavePageResult(_ context.Context, pageID, body string, links []models.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pages {
		if s.pages[i].ID == pageID {
			s.pages[i].Body = body
			s.links = append(s.links, links...)
			return nil
		}
	}
	return fmt.Errorf("page %s: %w", pageID, ErrNotFound)
}

func (s *memStore) MarkLinksVerified(_ context.Context, _ models.Scope, sourcePageIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	verified := map[string]bool{}
	for _, id := range sourcePageIDs {
		verified[id] = true
	}
	for i := range s.links {
		if verified[s.links[i].SourcePageID] && s.links[i].Status == models.StatusPlanned {
			s.links[i].Status = models.StatusVerified
		}
	}
	return nil
}

func (s *memStore) SavePlanRun(_ context.Context, run *models.PlanRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, *run)
	return nil
}

func (s *memStore) LatestPlanRun(_ context.Context, _ models.Scope) (*models.PlanRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.runs) == 0 {
		return nil, nil
	}
	run := s.runs[len(s.runs)-1]
	return &run, nil
}

func (s *memStore) pageBody(t *testing.T, pageID string) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pages {
		if p.ID == pageID {
			return p.Body
		}
	}
	t.Fatalf("page %s not in store", pageID)
	return ""
}

func (s *memStore) outbound(pageID string) []models.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Link
	for _, l := range s.links {
		if l.SourcePageID == pageID {
			out = append(out, l)
		}
	}
	return out
}

// failRewriter fails every fallback call; tests use it to assert the
// rule-based tier handled everything, or to force unplaced edges.
type failRewriter struct {
	mu    sync.Mutex
	calls int
}

func (r *failRewriter) RewriteParagraph(context.Context, string, string, string) (string, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return "", errors.New("rewrite service unavailable")
}

func (r *failRewriter) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// paragraph pads a sentence mentioning each phrase so the rule-based tier
// always finds a plain-text occurrence.
func paragraph(phrase string) string {
	return fmt.Sprintf("<p>Readers comparing options this season often start with %s before committing to anything else.</p>", phrase)
}

// plannerPage builds a flat silo page whose body mentions every target
// keyword, one paragraph each.
func plannerPage(id, keyword string, mentions ...string) models.Page {
	var body strings.Builder
	for _, m := range mentions {
		body.WriteString(paragraph(m))
	}
	return models.Page{
		ID:              id,
		ProjectID:       "proj-1",
		URL:             "/pages/" + id,
		Title:           "Best " + keyword,
		Body:            body.String(),
		Labels:          []string{"hiking", "gear"},
		PrimaryKeyword:  keyword,
		Approved:        true,
		ContentComplete: true,
	}
}

func flatScope() models.Scope {
	return models.Scope{Type: models.SiloFlat, ProjectID: "proj-1"}
}

// fullFlatStore seeds four mutually related pages. Each page's body mentions
// the other three keywords, plus one leftover injected link on p1 that a
// re-plan must strip.
func fullFlatStore() *memStore {
	kw := map[string]string{
		"p1": "alpine tents",
		"p2": "trail snacks",
		"p3": "river kayaks",
		"p4": "desert packs",
	}
	store := &memStore{}
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		var mentions []string
		for _, other := range []string{"p1", "p2", "p3", "p4"} {
			if other != id {
				mentions = append(mentions, kw[other])
			}
		}
		store.pages = append(store.pages, plannerPage(id, kw[id], mentions...))
	}

	store.pages[0].Body += `<p>See also <a href="/pages/p2" data-ilp="old-1">an older pick</a> from last season.</p>`
	store.links = append(store.links, models.Link{
		ID:           "old-1",
		ProjectID:    "proj-1",
		SourcePageID: "p1",
		TargetPageID: "p2",
		AnchorText:   "an older pick",
		Status:       models.StatusVerified,
	})
	return store
}

func waitTerminal(t *testing.T, p *Planner, scope models.Scope) models.PlanRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := p.Status(context.Background(), scope)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if run.State.Terminal() {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run did not reach a terminal state")
	return models.PlanRun{}
}

func TestPlannerFullFlatRun(t *testing.T) {
	store := fullFlatStore()
	rewriter := &failRewriter{}
	p := NewPlanner(DefaultConfig(), store, rewriter, nil, nil)
	scope := flatScope()

	initial, err := p.Plan(context.Background(), scope)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if initial.ID == "" {
		t.Error("initial status has no run id")
	}
	if initial.TotalPages != 4 {
		t.Errorf("TotalPages = %d, want 4", initial.TotalPages)
	}

	final := waitTerminal(t, p, scope)
	if final.State != models.StateComplete {
		t.Fatalf("final state = %s, error = %q, want complete", final.State, final.Error)
	}
	if final.PagesProcessed != 4 {
		t.Errorf("PagesProcessed = %d, want 4", final.PagesProcessed)
	}
	if final.TotalLinks != 12 {
		t.Errorf("TotalLinks = %d, want 12", final.TotalLinks)
	}
	if final.Unplaced != 0 {
		t.Errorf("Unplaced = %d, want 0", final.Unplaced)
	}

	// Every placement should have come from the rule-based tier.
	if n := rewriter.callCount(); n != 0 {
		t.Errorf("fallback rewriter called %d times, want 0", n)
	}

	store.mu.Lock()
	snapCount, deletes, runCount := len(store.snapshots), store.deletes, len(store.runs)
	var persistedReports int
	if runCount > 0 {
		persistedReports = len(store.runs[0].Reports)
	}
	store.mu.Unlock()
	if snapCount != 1 {
		t.Fatalf("snapshots = %d, want 1", snapCount)
	}
	if deletes != 1 {
		t.Errorf("DeleteLinks calls = %d, want 1", deletes)
	}
	if runCount != 1 {
		t.Errorf("persisted runs = %d, want 1", runCount)
	}
	if persistedReports != 4 {
		t.Errorf("persisted run reports = %d, want 4", persistedReports)
	}

	// The snapshot must hold the pre-strip state: the old link row and the
	// body still carrying the old anchor tag.
	snap := store.snapshots[0]
	if len(snap.Links) != 1 || snap.Links[0].ID != "old-1" {
		t.Errorf("snapshot links = %+v, want the prior link set", snap.Links)
	}
	if !strings.Contains(snap.PageBodies["p1"], `data-ilp="old-1"`) {
		t.Error("snapshot body for p1 lost the pre-strip anchor")
	}

	// The re-plan is destructive: no trace of the old link remains.
	if strings.Contains(store.pageBody(t, "p1"), "old-1") {
		t.Error("old link tag survived the re-plan")
	}

	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		out := store.outbound(id)
		if len(out) != 3 {
			t.Errorf("page %s outbound = %d, want 3", id, len(out))
			continue
		}
		body := store.pageBody(t, id)
		for _, l := range out {
			if l.Status != models.StatusVerified {
				t.Errorf("link %s -> %s status = %s, want verified", l.SourcePageID, l.TargetPageID, l.Status)
			}
			if l.Method != models.MethodRuleBased {
				t.Errorf("link %s -> %s method = %s, want rule_based", l.SourcePageID, l.TargetPageID, l.Method)
			}
			if !strings.Contains(body, fmt.Sprintf(`data-ilp=%q`, l.ID)) {
				t.Errorf("body of %s is missing the tag for link %s", id, l.ID)
			}
		}
	}
}

func TestPlannerPositionsFollowBodyOrder(t *testing.T) {
	// p1's body mentions p2's keyword before p3's, but p3's priority boost
	// makes it the first edge placed. Persisted ordinals must still follow
	// document order, with no duplicates.
	kw := map[string]string{
		"p1": "alpine tents",
		"p2": "trail snacks",
		"p3": "river kayaks",
	}
	store := &memStore{}
	store.pages = append(store.pages,
		plannerPage("p1", kw["p1"], kw["p2"], kw["p3"]),
		plannerPage("p2", kw["p2"], kw["p1"], kw["p3"]),
		plannerPage("p3", kw["p3"], kw["p1"], kw["p2"]),
	)
	store.pages[2].Priority = true

	p := NewPlanner(DefaultConfig(), store, &failRewriter{}, nil, nil)
	scope := flatScope()
	if _, err := p.Plan(context.Background(), scope); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	final := waitTerminal(t, p, scope)
	if final.State != models.StateComplete {
		t.Fatalf("final state = %s, error = %q, want complete", final.State, final.Error)
	}

	for _, id := range []string{"p1", "p2", "p3"} {
		out := store.outbound(id)
		if len(out) != 2 {
			t.Fatalf("page %s outbound = %d, want 2", id, len(out))
		}
		want, err := LinkPositions(store.pageBody(t, id))
		if err != nil {
			t.Fatalf("LinkPositions failed for %s: %v", id, err)
		}
		seen := map[int]bool{}
		for _, l := range out {
			if l.Position != want[l.ID] {
				t.Errorf("page %s link to %s position = %d, want %d (document order)",
					id, l.TargetPageID, l.Position, want[l.ID])
			}
			if seen[l.Position] {
				t.Errorf("page %s has duplicate position %d", id, l.Position)
			}
			seen[l.Position] = true
		}
	}
}

func TestPlannerHierarchicalRun(t *testing.T) {
	scope := models.Scope{Type: models.SiloHierarchical, ProjectID: "proj-1", ClusterID: "cluster-1"}
	kw := map[string]string{
		"parent":  "camping gear",
		"child-1": "camp stoves",
		"child-2": "sleeping bags",
		"child-3": "head lamps",
	}
	ids := []string{"parent", "child-1", "child-2", "child-3"}

	store := &memStore{}
	for _, id := range ids {
		var mentions []string
		for _, other := range ids {
			if other != id {
				mentions = append(mentions, kw[other])
			}
		}
		page := plannerPage(id, kw[id], mentions...)
		page.ClusterID = "cluster-1"
		page.Labels = nil
		if id == "parent" {
			page.Role = models.RoleParent
		} else {
			page.Role = models.RoleChild
		}
		store.pages = append(store.pages, page)
	}

	p := NewPlanner(DefaultConfig(), store, &failRewriter{}, nil, nil)
	if _, err := p.Plan(context.Background(), scope); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	final := waitTerminal(t, p, scope)
	if final.State != models.StateComplete {
		t.Fatalf("final state = %s, error = %q, want complete", final.State, final.Error)
	}

	// Sink policy: the parent initiates nothing.
	if out := store.outbound("parent"); len(out) != 0 {
		t.Errorf("parent outbound = %d, want 0", len(out))
	}

	for _, id := range []string{"child-1", "child-2", "child-3"} {
		out := store.outbound(id)
		if len(out) != 3 {
			t.Errorf("%s outbound = %d, want 3 (parent + 2 siblings)", id, len(out))
			continue
		}
		mandatory := 0
		for _, l := range out {
			if l.Mandatory {
				mandatory++
				if l.TargetPageID != "parent" {
					t.Errorf("%s mandatory link targets %s, want parent", id, l.TargetPageID)
				}
			}
		}
		if mandatory != 1 {
			t.Errorf("%s mandatory links = %d, want 1", id, mandatory)
		}
	}

	for _, r := range p.Reports(scope) {
		if r.Status == models.ValidationFailed {
			t.Errorf("page %s failed validation: %v", r.PageID, r.Failures)
		}
	}
}

func TestPlannerPrerequisite(t *testing.T) {
	p := NewPlanner(DefaultConfig(), &memStore{}, &failRewriter{}, nil, nil)
	_, err := p.Plan(context.Background(), flatScope())
	if !errors.Is(err, ErrPrerequisite) {
		t.Errorf("err = %v, want ErrPrerequisite", err)
	}
}

func TestPlannerRejectsConcurrentRun(t *testing.T) {
	store := fullFlatStore()
	store.gate = make(chan struct{})
	p := NewPlanner(DefaultConfig(), store, &failRewriter{}, nil, nil)
	scope := flatScope()

	if _, err := p.Plan(context.Background(), scope); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if _, err := p.Plan(context.Background(), scope); !errors.Is(err, ErrPlanActive) {
		t.Errorf("second Plan err = %v, want ErrPlanActive", err)
	}

	close(store.gate)
	final := waitTerminal(t, p, scope)
	if final.State != models.StateComplete {
		t.Fatalf("final state = %s, want complete", final.State)
	}

	// A terminal run no longer blocks a new trigger.
	store.gate = nil
	if _, err := p.Plan(context.Background(), scope); err != nil {
		t.Errorf("re-plan after completion failed: %v", err)
	}
	second := waitTerminal(t, p, scope)

	// Unchanged inputs plan the same number of links.
	if second.TotalLinks != final.TotalLinks {
		t.Errorf("re-plan links = %d, first run = %d, want equal for identical inputs",
			second.TotalLinks, final.TotalLinks)
	}

	// Every tag left in the bodies belongs to a current row; nothing from the
	// first run survives.
	store.mu.Lock()
	current := map[string]bool{}
	for _, l := range store.links {
		current[l.ID] = true
	}
	pages := make([]models.Page, len(store.pages))
	copy(pages, store.pages)
	store.mu.Unlock()

	tags := 0
	for _, pg := range pages {
		positions, err := LinkPositions(pg.Body)
		if err != nil {
			t.Fatalf("LinkPositions failed for %s: %v", pg.ID, err)
		}
		for id := range positions {
			if !current[id] {
				t.Errorf("page %s carries a tag for stale link %s", pg.ID, id)
			}
		}
		tags += len(positions)
	}
	if tags != second.TotalLinks {
		t.Errorf("tags in bodies = %d, want %d", tags, second.TotalLinks)
	}
}

func TestPlannerCancel(t *testing.T) {
	store := fullFlatStore()
	store.gate = make(chan struct{})
	p := NewPlanner(DefaultConfig(), store, &failRewriter{}, nil, nil)
	scope := flatScope()

	if _, err := p.Plan(context.Background(), scope); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if !p.Cancel(scope) {
		t.Fatal("Cancel returned false for an active run")
	}

	close(store.gate)
	final := waitTerminal(t, p, scope)
	if final.State != models.StateFailed {
		t.Errorf("final state = %s, want failed", final.State)
	}
	if !strings.Contains(final.Error, "cancelled") {
		t.Errorf("error = %q, want cancellation message", final.Error)
	}
	if p.Cancel(scope) {
		t.Error("Cancel returned true for a terminal run")
	}
}

func TestPlannerCancelUnknownScope(t *testing.T) {
	p := NewPlanner(DefaultConfig(), &memStore{}, &failRewriter{}, nil, nil)
	if p.Cancel(flatScope()) {
		t.Error("Cancel returned true with no run")
	}
}

func TestPlannerUnplacedEdges(t *testing.T) {
	store := fullFlatStore()
	// Drop every mention of p4's keyword from p1 so that edge has no
	// rule-based match and the failing rewriter leaves it unplaced.
	store.pages[0].Body = strings.ReplaceAll(store.pages[0].Body, "desert packs", "dry sacks")

	rewriter := &failRewriter{}
	p := NewPlanner(DefaultConfig(), store, rewriter, nil, nil)
	scope := flatScope()

	if _, err := p.Plan(context.Background(), scope); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	final := waitTerminal(t, p, scope)
	if final.State != models.StateComplete {
		t.Fatalf("final state = %s, error = %q, want complete", final.State, final.Error)
	}
	if final.Unplaced != 1 {
		t.Fatalf("Unplaced = %d, want 1", final.Unplaced)
	}
	if rewriter.callCount() == 0 {
		t.Error("fallback tier was never attempted for the unmatched edge")
	}

	unplaced := p.Unplaced(scope)
	if len(unplaced) != 1 {
		t.Fatalf("Unplaced() = %d entries, want 1", len(unplaced))
	}
	if unplaced[0].SourcePageID != "p1" || unplaced[0].TargetPageID != "p4" {
		t.Errorf("unplaced edge = %s -> %s, want p1 -> p4", unplaced[0].SourcePageID, unplaced[0].TargetPageID)
	}
	if unplaced[0].Reason == "" {
		t.Error("unplaced edge has no reason")
	}

	// p1 ends under budget and must fail validation.
	for _, r := range p.Reports(scope) {
		if r.PageID == "p1" && r.Status != models.ValidationFailed {
			t.Errorf("p1 validation = %s, want failed", r.Status)
		}
	}
	for _, l := range store.outbound("p1") {
		if l.Status != models.StatusPlanned {
			t.Errorf("p1 link %s status = %s, want planned (page failed validation)", l.ID, l.Status)
		}
	}
}

func TestPlannerStatusIdleWithoutRuns(t *testing.T) {
	p := NewPlanner(DefaultConfig(), &memStore{}, &failRewriter{}, nil, nil)
	run, err := p.Status(context.Background(), flatScope())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if run.State != models.StateIdle {
		t.Errorf("state = %s, want idle", run.State)
	}
}

func TestPlannerStatusFallsBackToPersisted(t *testing.T) {
	store := &memStore{}
	store.runs = append(store.runs, models.PlanRun{
		ID:    "persisted-run",
		Scope: flatScope(),
		State: models.StateComplete,
	})
	p := NewPlanner(DefaultConfig(), store, &failRewriter{}, nil, nil)

	run, err := p.Status(context.Background(), flatScope())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if run.ID != "persisted-run" || run.State != models.StateComplete {
		t.Errorf("run = %+v, want the persisted record", run)
	}
}
