package cache

import "context"

// fixedSchema is the schema owned by the cache itself. Dynamic
// cache_records_* tables are created by the registry as upstream tables are
// first seen. All timestamps are TEXT, ISO-8601 UTC with Z suffix.
var fixedSchema = []string{
	`CREATE TABLE IF NOT EXISTS cache_table_registry (
		table_id       TEXT PRIMARY KEY,
		sql_table_name TEXT NOT NULL UNIQUE,
		table_name     TEXT NOT NULL,
		structure      TEXT NOT NULL,
		field_mapping  TEXT NOT NULL,
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cache_ttl_config (
		table_id       TEXT PRIMARY KEY,
		ttl_seconds    INTEGER NOT NULL,
		mutation_level TEXT,
		notes          TEXT,
		updated_at     TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cache_stats (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		category  TEXT,
		operation TEXT,
		key       TEXT,
		timestamp TEXT,
		metadata  TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS cache_performance (
		table_id         TEXT PRIMARY KEY,
		hit_count        INTEGER NOT NULL DEFAULT 0,
		miss_count       INTEGER NOT NULL DEFAULT 0,
		last_access_time TEXT,
		record_count     INTEGER NOT NULL DEFAULT 0,
		cache_size_bytes INTEGER NOT NULL DEFAULT 0,
		updated_at       TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS api_call_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		user_hash   TEXT,
		session_id  TEXT,
		method      TEXT,
		endpoint    TEXT,
		solution_id TEXT,
		table_id    TEXT,
		timestamp   TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_call_log_session ON api_call_log (session_id)`,
	`CREATE TABLE IF NOT EXISTS api_stats_summary (
		user_hash   TEXT PRIMARY KEY,
		total_calls INTEGER NOT NULL DEFAULT 0,
		first_call  TEXT,
		last_call   TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS cached_solutions (
		id            TEXT PRIMARY KEY,
		name          TEXT,
		logo_color    TEXT,
		hidden        INTEGER NOT NULL DEFAULT 0,
		solution_json TEXT,
		cached_at     TEXT NOT NULL,
		expires_at    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cached_solutions_expires ON cached_solutions (expires_at)`,
	`CREATE TABLE IF NOT EXISTS cached_tables (
		id          TEXT PRIMARY KEY,
		solution_id TEXT,
		name        TEXT,
		structure   TEXT,
		table_json  TEXT,
		cached_at   TEXT NOT NULL,
		expires_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cached_tables_solution ON cached_tables (solution_id)`,
	`CREATE INDEX IF NOT EXISTS idx_cached_tables_expires ON cached_tables (expires_at)`,
	`CREATE TABLE IF NOT EXISTS cached_members (
		id           TEXT PRIMARY KEY,
		email        TEXT,
		full_name    TEXT,
		role         TEXT,
		deleted_date TEXT,
		member_json  TEXT,
		cached_at    TEXT NOT NULL,
		expires_at   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cached_members_expires ON cached_members (expires_at)`,
	`CREATE TABLE IF NOT EXISTS cached_teams (
		id         TEXT PRIMARY KEY,
		name       TEXT,
		member_ids TEXT,
		team_json  TEXT,
		cached_at  TEXT NOT NULL,
		expires_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cached_deleted_records (
		id          TEXT PRIMARY KEY,
		table_id    TEXT,
		solution_id TEXT,
		title       TEXT,
		deleted_on  TEXT,
		deleted_by  TEXT,
		record_json TEXT,
		cached_at   TEXT NOT NULL,
		expires_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cached_deleted_records_table ON cached_deleted_records (table_id)`,
	`CREATE TABLE IF NOT EXISTS cached_views (
		id         TEXT PRIMARY KEY,
		table_id   TEXT,
		name       TEXT,
		view_type  TEXT,
		view_json  TEXT,
		cached_at  TEXT NOT NULL,
		expires_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cached_views_table ON cached_views (table_id)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range fixedSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
