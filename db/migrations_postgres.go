package db

// PostgreSQL migrations for the link planner.

var postgresMigrations = []Migration{
	{
		Version: 1,
		Name:    "create_pages_table",
		Up: `
			CREATE TABLE IF NOT EXISTS linkplan_pages (
				id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL,
				cluster_id TEXT NOT NULL DEFAULT '',
				url TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				body TEXT NOT NULL DEFAULT '',
				labels TEXT NOT NULL DEFAULT '[]',
				role TEXT NOT NULL DEFAULT '',
				primary_keyword TEXT NOT NULL DEFAULT '',
				keyword_variations TEXT NOT NULL DEFAULT '[]',
				priority BOOLEAN NOT NULL DEFAULT FALSE,
				approved BOOLEAN NOT NULL DEFAULT FALSE,
				content_complete BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ DEFAULT NOW(),
				updated_at TIMESTAMPTZ DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_linkplan_pages_project ON linkplan_pages(project_id, cluster_id);
		`,
		Down: `
			DROP INDEX IF EXISTS idx_linkplan_pages_project;
			DROP TABLE IF EXISTS linkplan_pages;
		`,
	},
	{
		Version: 2,
		Name:    "create_links_table",
		Up: `
			CREATE TABLE IF NOT EXISTS linkplan_links (
				id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL,
				cluster_id TEXT NOT NULL DEFAULT '',
				source_page_id TEXT NOT NULL REFERENCES linkplan_pages(id) ON DELETE CASCADE,
				target_page_id TEXT NOT NULL REFERENCES linkplan_pages(id) ON DELETE CASCADE,
				anchor_text TEXT NOT NULL,
				anchor_type TEXT NOT NULL,
				position INTEGER NOT NULL DEFAULT 0,
				mandatory BOOLEAN NOT NULL DEFAULT FALSE,
				method TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'planned',
				created_at TIMESTAMPTZ DEFAULT NOW(),
				updated_at TIMESTAMPTZ DEFAULT NOW(),
				CHECK (source_page_id <> target_page_id)
			);
			CREATE INDEX IF NOT EXISTS idx_linkplan_links_scope ON linkplan_links(project_id, cluster_id);
			CREATE INDEX IF NOT EXISTS idx_linkplan_links_source ON linkplan_links(source_page_id);
			CREATE INDEX IF NOT EXISTS idx_linkplan_links_target ON linkplan_links(target_page_id);
			CREATE UNIQUE INDEX IF NOT EXISTS idx_linkplan_links_pair
				ON linkplan_links(source_page_id, target_page_id)
				WHERE status <> 'removed';
		`,
		Down: `
			DROP INDEX IF EXISTS idx_linkplan_links_pair;
			DROP INDEX IF EXISTS idx_linkplan_links_target;
			DROP INDEX IF EXISTS idx_linkplan_links_source;
			DROP INDEX IF EXISTS idx_linkplan_links_scope;
			DROP TABLE IF EXISTS linkplan_links;
		`,
	},
	{
		Version: 3,
		Name:    "create_plan_snapshots_table",
		Up: `
			CREATE TABLE IF NOT EXISTS linkplan_plan_snapshots (
				id TEXT PRIMARY KEY,
				scope_type TEXT NOT NULL,
				project_id TEXT NOT NULL,
				cluster_id TEXT NOT NULL DEFAULT '',
				links TEXT NOT NULL DEFAULT '[]',
				page_bodies TEXT NOT NULL DEFAULT '{}',
				archive_path TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_linkplan_snapshots_scope
				ON linkplan_plan_snapshots(project_id, cluster_id, created_at);
		`,
		Down: `
			DROP INDEX IF EXISTS idx_linkplan_snapshots_scope;
			DROP TABLE IF EXISTS linkplan_plan_snapshots;
		`,
	},
	{
		Version: 4,
		Name:    "create_plan_runs_table",
		Up: `
			CREATE TABLE IF NOT EXISTS linkplan_plan_runs (
				id TEXT PRIMARY KEY,
				scope_type TEXT NOT NULL,
				project_id TEXT NOT NULL,
				cluster_id TEXT NOT NULL DEFAULT '',
				state TEXT NOT NULL,
				pages_processed INTEGER NOT NULL DEFAULT 0,
				total_pages INTEGER NOT NULL DEFAULT 0,
				total_links INTEGER NOT NULL DEFAULT 0,
				unplaced INTEGER NOT NULL DEFAULT 0,
				error TEXT NOT NULL DEFAULT '',
				started_at TIMESTAMPTZ NOT NULL,
				finished_at TIMESTAMPTZ
			);
			CREATE INDEX IF NOT EXISTS idx_linkplan_runs_scope
				ON linkplan_plan_runs(project_id, cluster_id, started_at);
		`,
		Down: `
			DROP INDEX IF EXISTS idx_linkplan_runs_scope;
			DROP TABLE IF EXISTS linkplan_plan_runs;
		`,
	},
	{
		Version: 5,
		Name:    "add_plan_run_reports",
		Up: `
			ALTER TABLE linkplan_plan_runs
				ADD COLUMN IF NOT EXISTS reports TEXT NOT NULL DEFAULT '[]';
		`,
		Down: `
			ALTER TABLE linkplan_plan_runs DROP COLUMN IF EXISTS reports;
		`,
	},
}
