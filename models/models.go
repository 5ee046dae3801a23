package models

import "time"

// SiloType identifies how a set of pages is bounded for linking purposes.
type SiloType string

const (
	// SiloFlat is a flat content cluster bounded by project.
	SiloFlat SiloType = "flat"
	// SiloHierarchical is a parent/child cluster bounded by cluster id.
	SiloHierarchical SiloType = "hierarchical"
)

// Scope identifies one silo. Flat silos are keyed by project id,
// hierarchical silos additionally by cluster id.
type Scope struct {
	Type      SiloType `json:"type"`
	ProjectID string   `json:"project_id"`
	ClusterID string   `json:"cluster_id,omitempty"`
}

// Key returns a stable string key for the scope, used to serialize
// concurrent planning runs.
func (s Scope) Key() string {
	if s.Type == SiloHierarchical {
		return string(s.Type) + ":" + s.ProjectID + ":" + s.ClusterID
	}
	return string(s.Type) + ":" + s.ProjectID
}

// PageRole marks a page's position in a hierarchical silo.
type PageRole string

const (
	RoleNone   PageRole = ""
	RoleParent PageRole = "parent"
	RoleChild  PageRole = "child"
)

// Page is a generated collection page. Pages are owned by the wider
// content system; the link planner reads them and mutates only Body.
type Page struct {
	ID                string    `json:"id"`
	ProjectID         string    `json:"project_id"`
	ClusterID         string    `json:"cluster_id,omitempty"`
	URL               string    `json:"url"`
	Title             string    `json:"title"`
	Body              string    `json:"body"` // bottom-content HTML, mutated by injection
	Labels            []string  `json:"labels,omitempty"`
	Role              PageRole  `json:"role,omitempty"`
	PrimaryKeyword    string    `json:"primary_keyword"`
	KeywordVariations []string  `json:"keyword_variations,omitempty"`
	Priority          bool      `json:"priority"` // boosts desirability as a link target
	Approved          bool      `json:"approved"`
	ContentComplete   bool      `json:"content_complete"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// AnchorType classifies anchor text by closeness to the target's keyword.
type AnchorType string

const (
	AnchorExact   AnchorType = "exact"
	AnchorPartial AnchorType = "partial"
	AnchorNatural AnchorType = "natural"
)

// PlacementMethod records how a link was physically placed in the body.
type PlacementMethod string

const (
	MethodRuleBased          PlacementMethod = "rule_based"
	MethodGenerativeFallback PlacementMethod = "generative_fallback"
	MethodManual             PlacementMethod = "manual"
)

// LinkStatus is the lifecycle state of a link row.
type LinkStatus string

const (
	StatusPlanned  LinkStatus = "planned"
	StatusVerified LinkStatus = "verified"
	StatusRemoved  LinkStatus = "removed"
)

// Link is a directed edge between two pages in the same silo, unique per
// ordered (source, target) pair while status != removed.
type Link struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"project_id"`
	ClusterID    string          `json:"cluster_id,omitempty"`
	SourcePageID string          `json:"source_page_id"`
	TargetPageID string          `json:"target_page_id"`
	AnchorText   string          `json:"anchor_text"`
	AnchorType   AnchorType      `json:"anchor_type"`
	Position     int             `json:"position"` // ordinal position within the source body
	Mandatory    bool            `json:"mandatory"`
	Method       PlacementMethod `json:"method"`
	Status       LinkStatus      `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// PlanState is a state of the planning orchestrator's state machine.
type PlanState string

const (
	StateIdle             PlanState = "idle"
	StateSnapshotting     PlanState = "snapshotting"
	StateStripping        PlanState = "stripping"
	StateDeleting         PlanState = "deleting"
	StateBuildingGraph    PlanState = "building_graph"
	StateSelectingTargets PlanState = "selecting_targets"
	StateInjecting        PlanState = "injecting"
	StateValidating       PlanState = "validating"
	StateComplete         PlanState = "complete"
	StateFailed           PlanState = "failed"
)

// Terminal reports whether the state machine has stopped.
func (s PlanState) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// PlanRun is the audit record of one planning run. Reports carry the
// per-page validation outcomes so read endpoints can serve them after the
// live run state is gone.
type PlanRun struct {
	ID             string       `json:"id"`
	Scope          Scope        `json:"scope"`
	State          PlanState    `json:"state"`
	PagesProcessed int          `json:"pages_processed"`
	TotalPages     int          `json:"total_pages"`
	TotalLinks     int          `json:"total_links"`
	Unplaced       int          `json:"unplaced"`
	Reports        []PageReport `json:"reports,omitempty"`
	Error          string       `json:"error,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
	FinishedAt     *time.Time   `json:"finished_at,omitempty"`
}

// PlanSnapshot is the immutable record captured before a destructive
// re-plan: the silo's full link set plus the pre-strip page bodies.
// Snapshots exist for audit and rollback visibility and are never
// replayed automatically.
type PlanSnapshot struct {
	ID          string            `json:"id"`
	Scope       Scope             `json:"scope"`
	Links       []Link            `json:"links"`
	PageBodies  map[string]string `json:"page_bodies"` // page id -> body HTML
	ArchivePath string            `json:"archive_path,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ValidationStatus is the aggregate verdict for one page after validation.
type ValidationStatus string

const (
	ValidationPassed   ValidationStatus = "passed"
	ValidationWarnings ValidationStatus = "warnings"
	ValidationFailed   ValidationStatus = "failed"
	ValidationExcluded ValidationStatus = "excluded" // no qualifying candidates
)

// PageReport is the per-page validation outcome.
type PageReport struct {
	PageID   string           `json:"page_id"`
	Outbound int              `json:"outbound"`
	Inbound  int              `json:"inbound"`
	Status   ValidationStatus `json:"status"`
	Warnings []string         `json:"warnings,omitempty"`
	Failures []string         `json:"failures,omitempty"`
}

// UnplacedEdge reports an edge whose anchor could not be placed by either
// injection tier. It is surfaced in run metadata, never silently dropped.
type UnplacedEdge struct {
	SourcePageID string `json:"source_page_id"`
	TargetPageID string `json:"target_page_id"`
	AnchorText   string `json:"anchor_text"`
	Reason       string `json:"reason"`
}

// RewriteRequest is the payload sent to the generative rewrite service.
type RewriteRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

// RewriteResponse is the generative rewrite service's reply.
type RewriteResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
}
