package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/seolift/linkplan"
	"github.com/seolift/linkplan/models"
	"github.com/seolift/linkplan/textnorm"
)

func validateScope(s models.Scope) error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Type, validation.Required,
			validation.In(models.SiloFlat, models.SiloHierarchical)),
		validation.Field(&s.ProjectID, validation.Required),
		validation.Field(&s.ClusterID,
			validation.Required.When(s.Type == models.SiloHierarchical).
				Error("cluster_id is required for hierarchical scope")),
	)
}

// PlanRequest triggers a planning run for one silo.
type PlanRequest struct {
	Scope     string `json:"scope"`
	ProjectID string `json:"project_id"`
	ClusterID string `json:"cluster_id,omitempty"`
}

func (r PlanRequest) toScope() models.Scope {
	return models.Scope{
		Type:      models.SiloType(r.Scope),
		ProjectID: r.ProjectID,
		ClusterID: r.ClusterID,
	}
}

// handlePlan triggers a destructive re-plan of the scope.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	scope := req.toScope()
	if err := validateScope(scope); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := s.planner.Plan(r.Context(), scope)
	if err != nil {
		switch {
		case errors.Is(err, linkplan.ErrPrerequisite):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, linkplan.ErrPlanActive):
			respondError(w, http.StatusConflict, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "failed to start planning run")
		}
		return
	}

	respondJSON(w, http.StatusAccepted, planStatusBody(run, nil))
}

// handlePlanStatus reports the scope's live run, or its last persisted run
// when nothing is executing.
func (s *Server) handlePlanStatus(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromQuery(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := s.planner.Status(r.Context(), scope)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read plan status")
		return
	}

	respondJSON(w, http.StatusOK, planStatusBody(run, s.planner.Unplaced(scope)))
}

// handlePlanCancel requests cooperative cancellation of the active run.
func (s *Server) handlePlanCancel(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromQuery(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.planner.Cancel(scope) {
		respondError(w, http.StatusNotFound, "no active planning run for this scope")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"cancelling": true})
}

// handlePlanRuns lists the scope's run history.
func (s *Server) handlePlanRuns(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromQuery(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	runs, err := s.store.ListPlanRuns(r.Context(), scope, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// handleSnapshots lists the scope's pre-plan snapshots, newest first. Bodies
// stay out of the listing; they can be large and live in the archive.
func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromQuery(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	snaps, err := s.store.ListSnapshots(r.Context(), scope, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}

	summaries := make([]map[string]any, 0, len(snaps))
	for _, snap := range snaps {
		summaries = append(summaries, map[string]any{
			"id":           snap.ID,
			"scope":        snap.Scope,
			"link_count":   len(snap.Links),
			"page_count":   len(snap.PageBodies),
			"archive_path": snap.ArchivePath,
			"created_at":   snap.CreatedAt,
		})
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"snapshots": summaries,
		"count":     len(summaries),
	})
}

// handleGetSnapshot returns one full snapshot, bodies included. The archived
// copy is preferred when one exists; the database row is the fallback, so
// retrieval still works when the archive is unreachable.
func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, err := s.store.GetSnapshot(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}
	if snap == nil {
		respondError(w, http.StatusNotFound, "snapshot not found")
		return
	}

	if s.archive != nil && snap.ArchivePath != "" {
		archived, err := s.archive.ReadSnapshot(r.Context(), snap.ArchivePath)
		if err != nil {
			slog.Warn("failed to read archived snapshot, serving database copy",
				"snapshot_id", id, "path", snap.ArchivePath, "error", err)
		} else {
			respondJSON(w, http.StatusOK, archived)
			return
		}
	}
	respondJSON(w, http.StatusOK, snap)
}

// handleDeleteSnapshot prunes a snapshot record and its archived copy.
func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, err := s.store.GetSnapshot(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}
	if snap == nil {
		respondError(w, http.StatusNotFound, "snapshot not found")
		return
	}

	if s.archive != nil && snap.ArchivePath != "" {
		if err := s.archive.DeleteSnapshot(r.Context(), snap.ArchivePath); err != nil {
			slog.Warn("failed to delete archived snapshot copy",
				"snapshot_id", id, "path", snap.ArchivePath, "error", err)
		}
	}

	if err := s.store.DeleteSnapshot(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete snapshot")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpsertPageRequest feeds one page record in from the content system.
type UpsertPageRequest struct {
	ID                string   `json:"id"`
	ProjectID         string   `json:"project_id"`
	ClusterID         string   `json:"cluster_id,omitempty"`
	URL               string   `json:"url"`
	Title             string   `json:"title"`
	Body              string   `json:"body"`
	Labels            []string `json:"labels,omitempty"`
	Role              string   `json:"role,omitempty"`
	PrimaryKeyword    string   `json:"primary_keyword"`
	KeywordVariations []string `json:"keyword_variations,omitempty"`
	Priority          bool     `json:"priority"`
	Approved          bool     `json:"approved"`
	ContentComplete   bool     `json:"content_complete"`
}

func (r UpsertPageRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ID, validation.Required),
		validation.Field(&r.ProjectID, validation.Required),
		validation.Field(&r.URL, validation.Required),
		validation.Field(&r.Title, validation.Required),
		validation.Field(&r.Role, validation.In("", string(models.RoleParent), string(models.RoleChild))),
		validation.Field(&r.ClusterID,
			validation.Required.When(r.Role != "").
				Error("cluster_id is required for pages with a hierarchical role")),
	)
}

// handleUpsertPage inserts or replaces a page record. The planner only reads
// pages; this is how the owning content system pushes them in.
func (s *Server) handleUpsertPage(w http.ResponseWriter, r *http.Request) {
	var req UpsertPageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	page := models.Page{
		ID:                req.ID,
		ProjectID:         req.ProjectID,
		ClusterID:         req.ClusterID,
		URL:               req.URL,
		Title:             req.Title,
		Body:              req.Body,
		Labels:            req.Labels,
		Role:              models.PageRole(req.Role),
		PrimaryKeyword:    req.PrimaryKeyword,
		KeywordVariations: req.KeywordVariations,
		Priority:          req.Priority,
		Approved:          req.Approved,
		ContentComplete:   req.ContentComplete,
	}
	if err := s.store.UpsertPage(r.Context(), &page); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to persist page")
		return
	}

	respondJSON(w, http.StatusOK, page)
}

func planStatusBody(run models.PlanRun, unplaced []models.UnplacedEdge) map[string]any {
	status := "running"
	switch {
	case run.State == models.StateIdle:
		status = "idle"
	case run.State.Terminal():
		status = string(run.State)
	}

	body := map[string]any{
		"status":          status,
		"current_step":    run.State,
		"scope":           run.Scope,
		"pages_processed": run.PagesProcessed,
		"total_pages":     run.TotalPages,
		"total_links":     run.TotalLinks,
		"unplaced":        run.Unplaced,
	}
	if run.ID != "" {
		body["run_id"] = run.ID
	}
	if run.Error != "" {
		body["error"] = run.Error
	}
	if len(unplaced) > 0 {
		body["unplaced_edges"] = unplaced
	}
	return body
}

// pageSummary is one row of the scope-wide stats listing.
type pageSummary struct {
	PageID   string `json:"page_id"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Role     string `json:"role,omitempty"`
	Outbound int    `json:"outbound"`
	Inbound  int    `json:"inbound"`
}

// handleStats aggregates the scope's current link set.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromQuery(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	pages, err := s.store.ListSiloPages(r.Context(), scope)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}
	links, err := s.store.ListLinks(r.Context(), scope)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}

	outbound := map[string]int{}
	inbound := map[string]int{}
	byType := map[string]int{}
	byMethod := map[string]int{}
	for _, l := range links {
		outbound[l.SourcePageID]++
		inbound[l.TargetPageID]++
		byType[string(l.AnchorType)]++
		byMethod[string(l.Method)]++
	}

	summaries := make([]pageSummary, 0, len(pages))
	for _, p := range pages {
		summaries = append(summaries, pageSummary{
			PageID:   p.ID,
			URL:      p.URL,
			Title:    p.Title,
			Role:     string(p.Role),
			Outbound: outbound[p.ID],
			Inbound:  inbound[p.ID],
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].PageID < summaries[j].PageID })

	avgPerPage := 0.0
	if len(pages) > 0 {
		avgPerPage = float64(len(links)) / float64(len(pages))
	}

	body := map[string]any{
		"scope":              scope,
		"total_pages":        len(pages),
		"total_links":        len(links),
		"avg_links_per_page": avgPerPage,
		"by_anchor_type":     byType,
		"by_method":          byMethod,
		"pages":              summaries,
	}

	if scope.Type == models.SiloHierarchical {
		body["tree"] = buildTree(summaries, pages)
	}

	// Reports come from the live run when one exists; otherwise the last
	// persisted run carries them, so a restart does not lose validation state.
	reports := s.planner.Reports(scope)
	if len(reports) == 0 {
		if last, err := s.store.LatestPlanRun(r.Context(), scope); err == nil && last != nil {
			reports = last.Reports
		}
	}
	if len(reports) > 0 {
		passed, warned, failed := 0, 0, 0
		for _, rep := range reports {
			switch rep.Status {
			case models.ValidationPassed:
				passed++
			case models.ValidationWarnings:
				warned++
			case models.ValidationFailed:
				failed++
			}
		}
		body["validation"] = map[string]any{
			"passed":    passed,
			"warnings":  warned,
			"failed":    failed,
			"pass_rate": float64(passed+warned) / float64(len(reports)),
			"reports":   reports,
		}
	}

	respondJSON(w, http.StatusOK, body)
}

// buildTree shapes a hierarchical silo's summaries as parent plus children.
func buildTree(summaries []pageSummary, pages []models.Page) map[string]any {
	roles := make(map[string]models.PageRole, len(pages))
	for _, p := range pages {
		roles[p.ID] = p.Role
	}

	var parent *pageSummary
	var children []pageSummary
	for i := range summaries {
		switch roles[summaries[i].PageID] {
		case models.RoleParent:
			parent = &summaries[i]
		case models.RoleChild:
			children = append(children, summaries[i])
		}
	}
	return map[string]any{
		"parent":   parent,
		"children": children,
	}
}

// handlePageLinks reports one page's outbound links in body order, inbound
// links, and the anchor diversity of its inbound set.
func (s *Server) handlePageLinks(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "pageID")

	page, err := s.store.GetPage(r.Context(), pageID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}
	if page == nil {
		respondError(w, http.StatusNotFound, "page not found")
		return
	}

	out, err := s.store.ListLinksBySource(r.Context(), pageID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}
	in, err := s.store.ListLinksByTarget(r.Context(), pageID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"page_id":          pageID,
		"outbound":         out,
		"inbound":          in,
		"anchor_diversity": anchorDiversity(in),
	})
}

// anchorDiversity computes each inbound anchor's share of the page's inbound
// set, keyed by the anchor's folded form so surface variants group together.
func anchorDiversity(inbound []models.Link) []map[string]any {
	if len(inbound) == 0 {
		return nil
	}
	counts := map[string]int{}
	display := map[string]string{}
	for _, l := range inbound {
		key := textnorm.Fold(l.AnchorText)
		counts[key]++
		if _, ok := display[key]; !ok {
			display[key] = l.AnchorText
		}
	}

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})

	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]any{
			"anchor_text": display[k],
			"count":       counts[k],
			"share":       float64(counts[k]) / float64(len(inbound)),
		})
	}
	return out
}

// CreateLinkRequest adds one manual link.
type CreateLinkRequest struct {
	SourcePageID string `json:"source_page_id"`
	TargetPageID string `json:"target_page_id"`
	AnchorText   string `json:"anchor_text"`
}

func (r CreateLinkRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.SourcePageID, validation.Required),
		validation.Field(&r.TargetPageID, validation.Required),
		validation.Field(&r.AnchorText, validation.Required, validation.Length(1, 200)),
	)
}

// handleCreateLink places a manual link. Manual placement is rule-based
// only: when the anchor text has no qualifying occurrence in the source
// body, the request fails with 422 rather than rewriting prose.
func (s *Server) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	var req CreateLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SourcePageID == req.TargetPageID {
		respondError(w, http.StatusBadRequest, "a page cannot link to itself")
		return
	}

	source, err := s.store.GetPage(r.Context(), req.SourcePageID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}
	if source == nil {
		respondError(w, http.StatusNotFound, "source page not found")
		return
	}
	target, err := s.store.GetPage(r.Context(), req.TargetPageID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}
	if target == nil {
		respondError(w, http.StatusNotFound, "target page not found")
		return
	}

	if source.ProjectID != target.ProjectID || source.ClusterID != target.ClusterID {
		respondError(w, http.StatusBadRequest, "pages belong to different silos")
		return
	}

	existing, err := s.store.ListLinksBySource(r.Context(), source.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}
	for _, l := range existing {
		if l.TargetPageID == target.ID {
			respondError(w, http.StatusConflict, "a link between these pages already exists")
			return
		}
	}

	// nil rewriter: rule-based tier only.
	injector := linkplan.NewInjector(s.cfg, nil)
	linkID := uuid.New().String()
	result, err := injector.Inject(r.Context(), source.Body, req.AnchorText, target.URL, linkID)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity,
			fmt.Sprintf("anchor text could not be placed: %v", err))
		return
	}

	link := models.Link{
		ID:           linkID,
		ProjectID:    source.ProjectID,
		ClusterID:    source.ClusterID,
		SourcePageID: source.ID,
		TargetPageID: target.ID,
		AnchorText:   req.AnchorText,
		AnchorType:   classifyAnchor(target, req.AnchorText),
		Position:     result.Position,
		Method:       models.MethodManual,
		Status:       models.StatusVerified,
	}

	if err := s.store.SavePageResult(r.Context(), source.ID, result.Body, []models.Link{link}); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to persist link")
		return
	}

	respondJSON(w, http.StatusCreated, link)
}

// classifyAnchor types a manual anchor against the target's keyword pools.
func classifyAnchor(target *models.Page, anchorText string) models.AnchorType {
	if textnorm.EqualFold(anchorText, target.PrimaryKeyword) {
		return models.AnchorExact
	}
	for _, v := range target.KeywordVariations {
		if textnorm.EqualFold(anchorText, v) {
			return models.AnchorPartial
		}
	}
	return models.AnchorNatural
}

// UpdateLinkRequest edits a link's anchor text in place.
type UpdateLinkRequest struct {
	AnchorText string `json:"anchor_text"`
}

func (r UpdateLinkRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.AnchorText, validation.Required, validation.Length(1, 200)),
	)
}

// handleUpdateLink rewrites the existing tag's inner text; target and
// position are untouched.
func (s *Server) handleUpdateLink(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req UpdateLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	link, err := s.store.GetLink(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}
	if link == nil || link.Status == models.StatusRemoved {
		respondError(w, http.StatusNotFound, "link not found")
		return
	}

	page, err := s.store.GetPage(r.Context(), link.SourcePageID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}
	if page == nil {
		respondError(w, http.StatusNotFound, "source page not found")
		return
	}

	newBody, err := linkplan.RetextLink(page.Body, link.ID, req.AnchorText)
	if err != nil {
		if errors.Is(err, linkplan.ErrNotFound) {
			respondError(w, http.StatusNotFound, "link tag not found in page body")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to rewrite page body")
		return
	}

	if err := s.store.UpdatePageBody(r.Context(), page.ID, newBody); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to persist page body")
		return
	}
	if err := s.store.UpdateLinkAnchor(r.Context(), link.ID, req.AnchorText); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to persist link")
		return
	}

	link.AnchorText = req.AnchorText
	respondJSON(w, http.StatusOK, link)
}

// handleDeleteLink removes an optional link: the tag is unwrapped in the
// body and the row soft-deleted. Mandatory child-to-parent links cannot be
// removed individually.
func (s *Server) handleDeleteLink(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	link, err := s.store.GetLink(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}
	if link == nil || link.Status == models.StatusRemoved {
		respondError(w, http.StatusNotFound, "link not found")
		return
	}
	if link.Mandatory {
		respondError(w, http.StatusBadRequest, linkplan.ErrMandatoryLink.Error())
		return
	}

	page, err := s.store.GetPage(r.Context(), link.SourcePageID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}
	if page != nil {
		newBody, err := linkplan.UnwrapLink(page.Body, link.ID)
		switch {
		case err == nil:
			if err := s.store.UpdatePageBody(r.Context(), page.ID, newBody); err != nil {
				respondError(w, http.StatusInternalServerError, "failed to persist page body")
				return
			}
		case errors.Is(err, linkplan.ErrNotFound):
			// Tag already gone from the body; removing the row is enough.
		default:
			respondError(w, http.StatusInternalServerError, "failed to rewrite page body")
			return
		}
	}

	if err := s.store.MarkLinkRemoved(r.Context(), link.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to remove link")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleSuggestions returns the anchor pools for a target page along with
// current usage, so editors can pick underused anchors.
func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "targetPageID")

	page, err := s.store.GetPage(r.Context(), pageID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}
	if page == nil {
		respondError(w, http.StatusNotFound, "page not found")
		return
	}

	inbound, err := s.store.ListLinksByTarget(r.Context(), pageID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"page_id":            pageID,
		"primary_keyword":    page.PrimaryKeyword,
		"keyword_variations": page.KeywordVariations,
		"inbound_total":      len(inbound),
		"usage":              anchorDiversity(inbound),
	})
}
