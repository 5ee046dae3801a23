// Package db is the PostgreSQL store for pages, links, plan snapshots, and
// plan run records.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/seolift/linkplan/models"
)

// DB wraps the database connection and provides data access methods
type DB struct {
	conn *sql.DB
}

// Config contains database configuration
type Config struct {
	DSN string // PostgreSQL connection string
}

// New creates a new database connection
func New(config Config) (*DB, error) {
	conn, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn}

	if err := Migrate(conn); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// DB returns the underlying database connection for metrics collection
func (db *DB) DB() *sql.DB {
	return db.conn
}

// Ping checks database connectivity for health reporting.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// --- pages ---

// UpsertPage inserts or replaces a page record. Pages are fed in by the
// wider content system.
func (db *DB) UpsertPage(ctx context.Context, p *models.Page) error {
	labelsJSON, err := json.Marshal(p.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}
	variationsJSON, err := json.Marshal(p.KeywordVariations)
	if err != nil {
		return fmt.Errorf("failed to marshal keyword variations: %w", err)
	}

	query := `
		INSERT INTO linkplan_pages
			(id, project_id, cluster_id, url, title, body, labels, role,
			 primary_keyword, keyword_variations, priority, approved,
			 content_complete, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			title = excluded.title,
			body = excluded.body,
			labels = excluded.labels,
			role = excluded.role,
			primary_keyword = excluded.primary_keyword,
			keyword_variations = excluded.keyword_variations,
			priority = excluded.priority,
			approved = excluded.approved,
			content_complete = excluded.content_complete,
			updated_at = NOW()
	`

	_, err = db.conn.ExecContext(ctx, query,
		p.ID, p.ProjectID, p.ClusterID, p.URL, p.Title, p.Body,
		string(labelsJSON), string(p.Role), p.PrimaryKeyword,
		string(variationsJSON), p.Priority, p.Approved, p.ContentComplete,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert page: %w", err)
	}
	return nil
}

const pageColumns = `id, project_id, cluster_id, url, title, body, labels, role,
	primary_keyword, keyword_variations, priority, approved, content_complete,
	created_at, updated_at`

func scanPage(row interface{ Scan(...any) error }) (*models.Page, error) {
	var (
		p              models.Page
		labelsJSON     string
		variationsJSON string
		role           string
	)
	err := row.Scan(
		&p.ID, &p.ProjectID, &p.ClusterID, &p.URL, &p.Title, &p.Body,
		&labelsJSON, &role, &p.PrimaryKeyword, &variationsJSON,
		&p.Priority, &p.Approved, &p.ContentComplete,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Role = models.PageRole(role)
	if err := json.Unmarshal([]byte(labelsJSON), &p.Labels); err != nil {
		return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
	}
	if err := json.Unmarshal([]byte(variationsJSON), &p.KeywordVariations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal keyword variations: %w", err)
	}
	return &p, nil
}

// GetPage retrieves a page by id, returning nil when absent.
func (db *DB) GetPage(ctx context.Context, id string) (*models.Page, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+pageColumns+" FROM linkplan_pages WHERE id = $1", id)
	p, err := scanPage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query page: %w", err)
	}
	return p, nil
}

// ListSiloPages returns every page in the scope, ordered by id.
func (db *DB) ListSiloPages(ctx context.Context, scope models.Scope) ([]models.Page, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+pageColumns+" FROM linkplan_pages WHERE project_id = $1 AND cluster_id = $2 ORDER BY id",
		scope.ProjectID, scope.ClusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pages: %w", err)
	}
	defer rows.Close()

	var pages []models.Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan page: %w", err)
		}
		pages = append(pages, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pages: %w", err)
	}
	return pages, nil
}

// UpdatePageBody persists a mutated body.
func (db *DB) UpdatePageBody(ctx context.Context, pageID, body string) error {
	result, err := db.conn.ExecContext(ctx,
		"UPDATE linkplan_pages SET body = $1, updated_at = NOW() WHERE id = $2",
		body, pageID)
	if err != nil {
		return fmt.Errorf("failed to update page body: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("no page found with id: %s", pageID)
	}
	return nil
}

// --- links ---

const linkColumns = `id, project_id, cluster_id, source_page_id, target_page_id,
	anchor_text, anchor_type, position, mandatory, method, status,
	created_at, updated_at`

func scanLink(row interface{ Scan(...any) error }) (*models.Link, error) {
	var (
		l          models.Link
		anchorType string
		method     string
		status     string
	)
	err := row.Scan(
		&l.ID, &l.ProjectID, &l.ClusterID, &l.SourcePageID, &l.TargetPageID,
		&l.AnchorText, &anchorType, &l.Position, &l.Mandatory,
		&method, &status, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.AnchorType = models.AnchorType(anchorType)
	l.Method = models.PlacementMethod(method)
	l.Status = models.LinkStatus(status)
	return &l, nil
}

func (db *DB) queryLinks(ctx context.Context, query string, args ...any) ([]models.Link, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	var links []models.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		links = append(links, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating links: %w", err)
	}
	return links, nil
}

// ListLinks returns the scope's active (non-removed) links ordered by
// source page and position.
func (db *DB) ListLinks(ctx context.Context, scope models.Scope) ([]models.Link, error) {
	return db.queryLinks(ctx,
		"SELECT "+linkColumns+` FROM linkplan_links
		 WHERE project_id = $1 AND cluster_id = $2 AND status <> 'removed'
		 ORDER BY source_page_id, position`,
		scope.ProjectID, scope.ClusterID)
}

// ListLinksBySource returns a page's active outbound links in body order.
func (db *DB) ListLinksBySource(ctx context.Context, pageID string) ([]models.Link, error) {
	return db.queryLinks(ctx,
		"SELECT "+linkColumns+` FROM linkplan_links
		 WHERE source_page_id = $1 AND status <> 'removed'
		 ORDER BY position`,
		pageID)
}

// ListLinksByTarget returns a page's active inbound links.
func (db *DB) ListLinksByTarget(ctx context.Context, pageID string) ([]models.Link, error) {
	return db.queryLinks(ctx,
		"SELECT "+linkColumns+` FROM linkplan_links
		 WHERE target_page_id = $1 AND status <> 'removed'
		 ORDER BY source_page_id`,
		pageID)
}

// GetLink retrieves a link by id, returning nil when absent.
func (db *DB) GetLink(ctx context.Context, id string) (*models.Link, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+linkColumns+" FROM linkplan_links WHERE id = $1", id)
	l, err := scanLink(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query link: %w", err)
	}
	return l, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertLink(ctx context.Context, ex execer, l *models.Link) error {
	query := `
		INSERT INTO linkplan_links
			(id, project_id, cluster_id, source_page_id, target_page_id,
			 anchor_text, anchor_type, position, mandatory, method, status,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	`
	_, err := ex.ExecContext(ctx, query,
		l.ID, l.ProjectID, l.ClusterID, l.SourcePageID, l.TargetPageID,
		l.AnchorText, string(l.AnchorType), l.Position, l.Mandatory,
		string(l.Method), string(l.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to insert link %s: %w", l.ID, err)
	}
	return nil
}

// UpdateLinkAnchor changes a link's anchor text.
func (db *DB) UpdateLinkAnchor(ctx context.Context, id, anchorText string) error {
	result, err := db.conn.ExecContext(ctx,
		"UPDATE linkplan_links SET anchor_text = $1, updated_at = NOW() WHERE id = $2",
		anchorText, id)
	if err != nil {
		return fmt.Errorf("failed to update link anchor: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("no link found with id: %s", id)
	}
	return nil
}

// MarkLinkRemoved soft-deletes one link so the (source, target) pair frees
// up while the row stays for audit.
func (db *DB) MarkLinkRemoved(ctx context.Context, id string) error {
	result, err := db.conn.ExecContext(ctx,
		"UPDATE linkplan_links SET status = 'removed', updated_at = NOW() WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to mark link removed: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("no link found with id: %s", id)
	}
	return nil
}

// DeleteLinks hard-deletes every link row in the scope. Only the planner's
// destructive re-plan uses this.
func (db *DB) DeleteLinks(ctx context.Context, scope models.Scope) error {
	_, err := db.conn.ExecContext(ctx,
		"DELETE FROM linkplan_links WHERE project_id = $1 AND cluster_id = $2",
		scope.ProjectID, scope.ClusterID)
	if err != nil {
		return fmt.Errorf("failed to delete links: %w", err)
	}
	return nil
}

// SavePageResult persists one page's mutated body and its new outbound
// link rows atomically.
func (db *DB) SavePageResult(ctx context.Context, pageID, body string, links []models.Link) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE linkplan_pages SET body = $1, updated_at = NOW() WHERE id = $2",
		body, pageID); err != nil {
		return fmt.Errorf("failed to update page body: %w", err)
	}

	for i := range links {
		if err := insertLink(ctx, tx, &links[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// MarkLinksVerified promotes the scope's planned links to verified for the
// given source pages.
func (db *DB) MarkLinksVerified(ctx context.Context, scope models.Scope, sourcePageIDs []string) error {
	if len(sourcePageIDs) == 0 {
		return nil
	}
	_, err := db.conn.ExecContext(ctx,
		`UPDATE linkplan_links SET status = 'verified', updated_at = NOW()
		 WHERE project_id = $1 AND cluster_id = $2 AND status = 'planned'
		   AND source_page_id = ANY($3)`,
		scope.ProjectID, scope.ClusterID, pq.Array(sourcePageIDs))
	if err != nil {
		return fmt.Errorf("failed to mark links verified: %w", err)
	}
	return nil
}

// --- snapshots ---

// SaveSnapshot persists an immutable plan snapshot.
func (db *DB) SaveSnapshot(ctx context.Context, snap *models.PlanSnapshot) error {
	linksJSON, err := json.Marshal(snap.Links)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot links: %w", err)
	}
	bodiesJSON, err := json.Marshal(snap.PageBodies)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot bodies: %w", err)
	}

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO linkplan_plan_snapshots
			(id, scope_type, project_id, cluster_id, links, page_bodies, archive_path, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		snap.ID, string(snap.Scope.Type), snap.Scope.ProjectID, snap.Scope.ClusterID,
		string(linksJSON), string(bodiesJSON), snap.ArchivePath, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns the scope's snapshots, newest first.
func (db *DB) ListSnapshots(ctx context.Context, scope models.Scope, limit int) ([]models.PlanSnapshot, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, scope_type, project_id, cluster_id, links, page_bodies, archive_path, created_at
		 FROM linkplan_plan_snapshots
		 WHERE project_id = $1 AND cluster_id = $2
		 ORDER BY created_at DESC LIMIT $3`,
		scope.ProjectID, scope.ClusterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []models.PlanSnapshot
	for rows.Next() {
		var (
			snap       models.PlanSnapshot
			scopeType  string
			linksJSON  string
			bodiesJSON string
		)
		if err := rows.Scan(&snap.ID, &scopeType, &snap.Scope.ProjectID,
			&snap.Scope.ClusterID, &linksJSON, &bodiesJSON,
			&snap.ArchivePath, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.Scope.Type = models.SiloType(scopeType)
		if err := json.Unmarshal([]byte(linksJSON), &snap.Links); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot links: %w", err)
		}
		if err := json.Unmarshal([]byte(bodiesJSON), &snap.PageBodies); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot bodies: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return snaps, nil
}

// GetSnapshot retrieves one snapshot by id, returning nil when absent.
func (db *DB) GetSnapshot(ctx context.Context, id string) (*models.PlanSnapshot, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, scope_type, project_id, cluster_id, links, page_bodies, archive_path, created_at
		 FROM linkplan_plan_snapshots WHERE id = $1`, id)

	var (
		snap       models.PlanSnapshot
		scopeType  string
		linksJSON  string
		bodiesJSON string
	)
	err := row.Scan(&snap.ID, &scopeType, &snap.Scope.ProjectID, &snap.Scope.ClusterID,
		&linksJSON, &bodiesJSON, &snap.ArchivePath, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	snap.Scope.Type = models.SiloType(scopeType)
	if err := json.Unmarshal([]byte(linksJSON), &snap.Links); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot links: %w", err)
	}
	if err := json.Unmarshal([]byte(bodiesJSON), &snap.PageBodies); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot bodies: %w", err)
	}
	return &snap, nil
}

// DeleteSnapshot removes a snapshot record.
func (db *DB) DeleteSnapshot(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx,
		"DELETE FROM linkplan_plan_snapshots WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// --- plan runs ---

// SavePlanRun inserts or updates the audit record of a planning run,
// including its per-page validation reports.
func (db *DB) SavePlanRun(ctx context.Context, run *models.PlanRun) error {
	var finished sql.NullTime
	if run.FinishedAt != nil {
		finished = sql.NullTime{Time: *run.FinishedAt, Valid: true}
	}
	reports := run.Reports
	if reports == nil {
		reports = []models.PageReport{}
	}
	reportsJSON, err := json.Marshal(reports)
	if err != nil {
		return fmt.Errorf("failed to marshal run reports: %w", err)
	}

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO linkplan_plan_runs
			(id, scope_type, project_id, cluster_id, state, pages_processed,
			 total_pages, total_links, unplaced, reports, error, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			pages_processed = excluded.pages_processed,
			total_pages = excluded.total_pages,
			total_links = excluded.total_links,
			unplaced = excluded.unplaced,
			reports = excluded.reports,
			error = excluded.error,
			finished_at = excluded.finished_at`,
		run.ID, string(run.Scope.Type), run.Scope.ProjectID, run.Scope.ClusterID,
		string(run.State), run.PagesProcessed, run.TotalPages, run.TotalLinks,
		run.Unplaced, string(reportsJSON), run.Error, run.StartedAt, finished)
	if err != nil {
		return fmt.Errorf("failed to save plan run: %w", err)
	}
	return nil
}

const planRunColumns = `id, scope_type, project_id, cluster_id, state, pages_processed,
	total_pages, total_links, unplaced, reports, error, started_at, finished_at`

func scanPlanRun(row interface{ Scan(...any) error }) (*models.PlanRun, error) {
	var (
		run         models.PlanRun
		scopeType   string
		state       string
		reportsJSON string
		finished    sql.NullTime
	)
	err := row.Scan(&run.ID, &scopeType, &run.Scope.ProjectID, &run.Scope.ClusterID,
		&state, &run.PagesProcessed, &run.TotalPages, &run.TotalLinks,
		&run.Unplaced, &reportsJSON, &run.Error, &run.StartedAt, &finished)
	if err != nil {
		return nil, err
	}
	run.Scope.Type = models.SiloType(scopeType)
	run.State = models.PlanState(state)
	if err := json.Unmarshal([]byte(reportsJSON), &run.Reports); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run reports: %w", err)
	}
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	return &run, nil
}

// ListPlanRuns returns the scope's run history, newest first.
func (db *DB) ListPlanRuns(ctx context.Context, scope models.Scope, limit int) ([]models.PlanRun, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+planRunColumns+` FROM linkplan_plan_runs
		 WHERE project_id = $1 AND cluster_id = $2
		 ORDER BY started_at DESC LIMIT $3`,
		scope.ProjectID, scope.ClusterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query plan runs: %w", err)
	}
	defer rows.Close()

	var runs []models.PlanRun
	for rows.Next() {
		run, err := scanPlanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plan runs: %w", err)
	}
	return runs, nil
}

// LatestPlanRun returns the scope's most recent run record, nil when the
// scope has never been planned.
func (db *DB) LatestPlanRun(ctx context.Context, scope models.Scope) (*models.PlanRun, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+planRunColumns+` FROM linkplan_plan_runs
		 WHERE project_id = $1 AND cluster_id = $2
		 ORDER BY started_at DESC LIMIT 1`,
		scope.ProjectID, scope.ClusterID)

	run, err := scanPlanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query plan run: %w", err)
	}
	return run, nil
}
