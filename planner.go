package linkplan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/seolift/linkplan/metrics"
	"github.com/seolift/linkplan/models"
)

// Store is the persistence surface the planner needs. The db package
// implements it; planner tests use an in-memory fake.
type Store interface {
	ListSiloPages(ctx context.Context, scope models.Scope) ([]models.Page, error)
	ListLinks(ctx context.Context, scope models.Scope) ([]models.Link, error)
	SaveSnapshot(ctx context.Context, snap *models.PlanSnapshot) error
	UpdatePageBody(ctx context.Context, pageID, body string) error
	DeleteLinks(ctx context.Context, scope models.Scope) error
	// SavePageResult persists one page's mutated body together with its
	// outbound link rows in a single transaction.
	SavePageResult(ctx context.Context, pageID, body string, links []models.Link) error
	MarkLinksVerified(ctx context.Context, scope models.Scope, sourcePageIDs []string) error
	SavePlanRun(ctx context.Context, run *models.PlanRun) error
	LatestPlanRun(ctx context.Context, scope models.Scope) (*models.PlanRun, error)
}

// NaturalPhraser supplies naturally-phrased anchor alternatives for a
// target page, asked once per target per run.
type NaturalPhraser interface {
	NaturalAnchors(ctx context.Context, keyword, title string) ([]string, error)
}

// Archiver mirrors plan snapshots to external storage. Optional.
type Archiver interface {
	ArchiveSnapshot(ctx context.Context, snap *models.PlanSnapshot) (string, error)
}

// Planner runs the link-planning pipeline as a background job, one run per
// scope at a time. Re-planning is destructive: snapshot, strip, delete,
// then rebuild.
type Planner struct {
	cfg      Config
	store    Store
	rewriter Rewriter
	phraser  NaturalPhraser
	archiver Archiver

	mu     sync.Mutex
	active map[string]*Run
}

// NewPlanner creates a planner. rewriter and phraser are usually the same
// rewrite client; archiver may be nil.
func NewPlanner(cfg Config, store Store, rewriter Rewriter, phraser NaturalPhraser, archiver Archiver) *Planner {
	return &Planner{
		cfg:      cfg,
		store:    store,
		rewriter: rewriter,
		phraser:  phraser,
		archiver: archiver,
		active:   map[string]*Run{},
	}
}

// Run is the live state of one planning job. Progress reads take the lock
// briefly and never block the pipeline.
type Run struct {
	id    string
	scope models.Scope

	mu             sync.Mutex
	state          models.PlanState
	pagesProcessed int
	totalPages     int
	totalLinks     int
	unplaced       []models.UnplacedEdge
	reports        []models.PageReport
	errMsg         string
	startedAt      time.Time
	finishedAt     *time.Time

	cancel context.CancelFunc
}

func (r *Run) setState(s models.PlanState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Run) addProcessed() {
	r.mu.Lock()
	r.pagesProcessed++
	r.mu.Unlock()
}

// Status returns a point-in-time copy of the run's progress.
func (r *Run) Status() models.PlanRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return models.PlanRun{
		ID:             r.id,
		Scope:          r.scope,
		State:          r.state,
		PagesProcessed: r.pagesProcessed,
		TotalPages:     r.totalPages,
		TotalLinks:     r.totalLinks,
		Unplaced:       len(r.unplaced),
		Error:          r.errMsg,
		StartedAt:      r.startedAt,
		FinishedAt:     r.finishedAt,
	}
}

// Plan triggers a planning run for the scope. It fails synchronously with
// ErrPrerequisite when the silo cannot be planned and with ErrPlanActive
// when a run is already executing; otherwise the pipeline proceeds in the
// background and the initial status is returned.
func (p *Planner) Plan(ctx context.Context, scope models.Scope) (models.PlanRun, error) {
	pages, err := p.store.ListSiloPages(ctx, scope)
	if err != nil {
		return models.PlanRun{}, fmt.Errorf("failed to list silo pages: %w", err)
	}
	g := BuildGraph(scope, pages, p.cfg)
	if g.Empty() {
		return models.PlanRun{}, ErrPrerequisite
	}

	p.mu.Lock()
	if existing, ok := p.active[scope.Key()]; ok {
		st := existing.Status()
		if !st.State.Terminal() {
			p.mu.Unlock()
			return models.PlanRun{}, ErrPlanActive
		}
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	run := &Run{
		id:         uuid.New().String(),
		scope:      scope,
		state:      models.StateSnapshotting,
		totalPages: len(g.Pages),
		startedAt:  time.Now().UTC(),
		cancel:     cancel,
	}
	p.active[scope.Key()] = run
	p.mu.Unlock()

	metrics.PlansStarted.Inc()
	go p.execute(jobCtx, run, g)

	return run.Status(), nil
}

// Status returns the live run for the scope, falling back to the most
// recently persisted run when nothing is executing.
func (p *Planner) Status(ctx context.Context, scope models.Scope) (models.PlanRun, error) {
	p.mu.Lock()
	run, ok := p.active[scope.Key()]
	p.mu.Unlock()
	if ok {
		return run.Status(), nil
	}

	persisted, err := p.store.LatestPlanRun(ctx, scope)
	if err != nil {
		return models.PlanRun{}, err
	}
	if persisted == nil {
		return models.PlanRun{Scope: scope, State: models.StateIdle}, nil
	}
	return *persisted, nil
}

// Cancel requests cooperative cancellation of the scope's active run. The
// pipeline halts between page steps; already-persisted links stay in place
// and callers re-plan to reach a consistent state.
func (p *Planner) Cancel(scope models.Scope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	run, ok := p.active[scope.Key()]
	if !ok || run.Status().State.Terminal() {
		return false
	}
	run.cancel()
	return true
}

// execute drives the state machine to completion.
func (p *Planner) execute(ctx context.Context, run *Run, g *Graph) {
	start := time.Now()
	logger := slog.With("run_id", run.id, "scope", run.scope.Key())
	logger.Info("planning run started", "pages", len(g.Pages))

	if err := p.pipeline(ctx, run, g); err != nil {
		run.mu.Lock()
		run.state = models.StateFailed
		run.errMsg = err.Error()
		now := time.Now().UTC()
		run.finishedAt = &now
		run.mu.Unlock()
		metrics.PlansFailed.Inc()
		logger.Error("planning run failed", "error", err)
	} else {
		run.mu.Lock()
		run.state = models.StateComplete
		now := time.Now().UTC()
		run.finishedAt = &now
		totalLinks, unplaced := run.totalLinks, len(run.unplaced)
		run.mu.Unlock()
		metrics.PlansCompleted.Inc()
		logger.Info("planning run complete",
			"links", totalLinks,
			"unplaced", unplaced,
			"duration", time.Since(start),
		)
	}
	metrics.PlanDuration.Observe(time.Since(start).Seconds())

	p.persistRun(run)
}

func (p *Planner) persistRun(run *Run) {
	final := run.Status()
	run.mu.Lock()
	final.Unplaced = len(run.unplaced)
	final.Reports = append([]models.PageReport(nil), run.reports...)
	run.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.store.SavePlanRun(ctx, &final); err != nil {
		slog.Error("failed to persist plan run", "run_id", run.id, "error", err)
	}
}

func (p *Planner) pipeline(ctx context.Context, run *Run, g *Graph) error {
	// Snapshot the silo's current result before touching anything.
	run.setState(models.StateSnapshotting)
	if err := p.snapshot(ctx, run.scope, g); err != nil {
		return err
	}

	// Strip prior injected links down to plain text.
	run.setState(models.StateStripping)
	for i := range g.Pages {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled during strip: %w", err)
		}
		stripped, err := StripLinks(g.Pages[i].Body)
		if err != nil {
			return fmt.Errorf("failed to strip page %s: %w", g.Pages[i].ID, err)
		}
		if stripped != g.Pages[i].Body {
			if err := p.store.UpdatePageBody(ctx, g.Pages[i].ID, stripped); err != nil {
				return fmt.Errorf("failed to persist stripped body for page %s: %w", g.Pages[i].ID, err)
			}
			g.Pages[i].Body = stripped
		}
	}

	// Drop prior edge records.
	run.setState(models.StateDeleting)
	if err := p.store.DeleteLinks(ctx, run.scope); err != nil {
		return fmt.Errorf("failed to delete prior links: %w", err)
	}

	// The graph was built for the prerequisite check; rebuild on the
	// stripped bodies so relatedness sees final content.
	run.setState(models.StateBuildingGraph)
	g = BuildGraph(run.scope, g.Pages, p.cfg)
	if g.Empty() {
		return ErrPrerequisite
	}

	state := NewRunState()
	p.prefetchNaturalPools(ctx, g, state)

	// Select targets and assign anchors, sequentially per page: the
	// inbound counts and anchor counters each decision reads must reflect
	// every earlier decision.
	run.setState(models.StateSelectingTargets)
	selector := NewTargetSelector(run.scope.Type, p.cfg)
	anchors := NewAnchorSelector(p.cfg)

	type plannedEdge struct {
		link   models.Link
		target models.Page
	}
	planned := map[string][]plannedEdge{} // source page id -> edges in placement order
	excluded := map[string]bool{}

	for _, page := range g.Pages {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled during selection: %w", err)
		}
		candidates := selector.SelectTargets(page, g, state)
		if len(candidates) == 0 {
			if !(page.Role == models.RoleParent && p.cfg.ParentPolicy == ParentSink) {
				excluded[page.ID] = true
			}
			continue
		}
		for _, cand := range candidates {
			anchorText, anchorType := anchors.Pick(state, cand.Target)
			planned[page.ID] = append(planned[page.ID], plannedEdge{
				target: cand.Target,
				link: models.Link{
					ID:           uuid.New().String(),
					ProjectID:    run.scope.ProjectID,
					ClusterID:    run.scope.ClusterID,
					SourcePageID: page.ID,
					TargetPageID: cand.Target.ID,
					AnchorText:   anchorText,
					AnchorType:   anchorType,
					Mandatory:    cand.Mandatory,
					Status:       models.StatusPlanned,
				},
			})
		}
	}

	// Inject edges page by page, persisting each page's body and link rows
	// incrementally so cancellation leaves consistent partial state.
	run.setState(models.StateInjecting)
	injector := NewInjector(p.cfg, p.rewriter)
	bodies := map[string]string{}
	var allLinks []models.Link

	for i := range g.Pages {
		page := &g.Pages[i]
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled during injection: %w", err)
		}

		body := page.Body
		var placed []models.Link
		for _, edge := range planned[page.ID] {
			result, err := injector.Inject(ctx, body, edge.link.AnchorText, edge.target.URL, edge.link.ID)
			if err != nil {
				run.mu.Lock()
				run.unplaced = append(run.unplaced, models.UnplacedEdge{
					SourcePageID: edge.link.SourcePageID,
					TargetPageID: edge.link.TargetPageID,
					AnchorText:   edge.link.AnchorText,
					Reason:       err.Error(),
				})
				run.mu.Unlock()
				metrics.PlacementFailures.Inc()
				slog.Warn("edge left unplaced",
					"source", edge.link.SourcePageID,
					"target", edge.link.TargetPageID,
					"anchor", edge.link.AnchorText,
					"error", err,
				)
				continue
			}
			body = result.Body
			l := edge.link
			l.Position = result.Position
			l.Method = result.Method
			placed = append(placed, l)
			if result.Method == models.MethodGenerativeFallback {
				metrics.FallbackInjections.Inc()
			}
		}

		// Each ordinal was computed when its own edge went in; a later edge
		// can land earlier in the body, so refresh them from the final body.
		if len(placed) > 1 {
			positions, err := LinkPositions(body)
			if err != nil {
				return fmt.Errorf("failed to order links for page %s: %w", page.ID, err)
			}
			for i := range placed {
				if pos, ok := positions[placed[i].ID]; ok {
					placed[i].Position = pos
				}
			}
		}

		if len(placed) > 0 || body != page.Body {
			if err := p.store.SavePageResult(ctx, page.ID, body, placed); err != nil {
				return fmt.Errorf("failed to persist page %s: %w", page.ID, err)
			}
		}
		page.Body = body
		bodies[page.ID] = body
		allLinks = append(allLinks, placed...)

		run.addProcessed()
		run.mu.Lock()
		run.totalLinks = len(allLinks)
		run.mu.Unlock()
	}
	metrics.LinksPlanned.Add(float64(len(allLinks)))

	// Validate the finished plan; a silo-integrity violation is a bug
	// upstream and aborts the run.
	run.setState(models.StateValidating)
	reports, err := NewValidator(p.cfg).Validate(g, allLinks, bodies, excluded)
	if err != nil {
		return err
	}
	run.mu.Lock()
	run.reports = reports
	run.mu.Unlock()

	var verifiedPages []string
	for _, r := range reports {
		if r.Status == models.ValidationPassed || r.Status == models.ValidationWarnings {
			verifiedPages = append(verifiedPages, r.PageID)
		}
	}
	sort.Strings(verifiedPages)
	if len(verifiedPages) > 0 {
		if err := p.store.MarkLinksVerified(ctx, run.scope, verifiedPages); err != nil {
			return fmt.Errorf("failed to mark links verified: %w", err)
		}
	}

	return nil
}

// snapshot captures the silo's link set and pre-strip bodies, archives the
// record when an archiver is configured, and persists it.
func (p *Planner) snapshot(ctx context.Context, scope models.Scope, g *Graph) error {
	links, err := p.store.ListLinks(ctx, scope)
	if err != nil {
		return fmt.Errorf("failed to snapshot links: %w", err)
	}

	bodies := make(map[string]string, len(g.Pages))
	for _, page := range g.Pages {
		bodies[page.ID] = page.Body
	}

	snap := &models.PlanSnapshot{
		ID:         uuid.New().String(),
		Scope:      scope,
		Links:      links,
		PageBodies: bodies,
		CreatedAt:  time.Now().UTC(),
	}

	if p.archiver != nil {
		path, err := p.archiver.ArchiveSnapshot(ctx, snap)
		if err != nil {
			// Archive mirroring is best effort; the DB row is the record.
			slog.Warn("snapshot archive failed", "snapshot_id", snap.ID, "error", err)
		} else {
			snap.ArchivePath = path
		}
	}

	if err := p.store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// prefetchNaturalPools asks the generative service for each page's natural
// anchor alternatives up front with bounded concurrency. Failures degrade
// that page's pool to empty; the anchor selector then leans on the keyword
// pools instead.
func (p *Planner) prefetchNaturalPools(ctx context.Context, g *Graph, state *RunState) {
	if p.phraser == nil {
		return
	}

	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(3)

	for _, page := range g.Pages {
		page := page
		if page.PrimaryKeyword == "" {
			continue
		}
		eg.Go(func() error {
			phrases, err := p.phraser.NaturalAnchors(egCtx, page.PrimaryKeyword, page.Title)
			if err != nil {
				slog.Warn("natural anchor fetch failed", "page_id", page.ID, "error", err)
				return nil
			}
			mu.Lock()
			state.NaturalPools[page.ID] = phrases
			mu.Unlock()
			return nil
		})
	}

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("natural anchor prefetch incomplete", "error", err)
	}
}

// Reports returns the validation reports of the scope's live run, if any.
func (p *Planner) Reports(scope models.Scope) []models.PageReport {
	p.mu.Lock()
	run, ok := p.active[scope.Key()]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	out := make([]models.PageReport, len(run.reports))
	copy(out, run.reports)
	return out
}

// Unplaced returns the unplaced edges of the scope's live run, if any.
func (p *Planner) Unplaced(scope models.Scope) []models.UnplacedEdge {
	p.mu.Lock()
	run, ok := p.active[scope.Key()]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	out := make([]models.UnplacedEdge, len(run.unplaced))
	copy(out, run.unplaced)
	return out
}
