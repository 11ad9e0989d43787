package store

import (
	"context"
	"fmt"
)

// migrations holds one DDL statement per entry, executed in order. All
// statements are idempotent and portable across Postgres and SQLite:
// TEXT columns only, timestamps stored as fixed-width RFC3339 strings,
// booleans as 0/1 integers, JSON payloads as TEXT.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		concept_slug TEXT NOT NULL,
		status TEXT NOT NULL,
		risk_tier TEXT NOT NULL,
		authority TEXT NOT NULL,
		source_hierarchy INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL DEFAULT '',
		value TEXT NOT NULL DEFAULT '',
		value_type TEXT NOT NULL DEFAULT '',
		applies_when TEXT NOT NULL DEFAULT '',
		effective_from TEXT NOT NULL,
		effective_until TEXT,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		approved_by TEXT NOT NULL DEFAULT '',
		approved_at TEXT,
		revoked_at TEXT,
		revoked_reason TEXT NOT NULL DEFAULT '',
		graph_status TEXT NOT NULL DEFAULT 'PENDING',
		exceptions TEXT NOT NULL DEFAULT '[]',
		notes TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rules_concept ON rules (concept_slug, status)`,
	`CREATE INDEX IF NOT EXISTS idx_rules_status ON rules (status)`,
	`CREATE INDEX IF NOT EXISTS idx_rules_graph ON rules (graph_status, updated_at)`,

	`CREATE TABLE IF NOT EXISTS source_pointers (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		evidence_id TEXT NOT NULL,
		exact_quote TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		match_type TEXT NOT NULL DEFAULT '',
		match_start INTEGER NOT NULL DEFAULT -1,
		match_end INTEGER NOT NULL DEFAULT -1,
		validated_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pointers_rule ON source_pointers (rule_id)`,

	`CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		conflict_type TEXT NOT NULL,
		status TEXT NOT NULL,
		concept_slug TEXT NOT NULL,
		rule_a_id TEXT NOT NULL DEFAULT '',
		rule_b_id TEXT NOT NULL DEFAULT '',
		pointer_ids TEXT NOT NULL DEFAULT '[]',
		summary TEXT NOT NULL DEFAULT '',
		resolution TEXT,
		requires_human_review INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_conflicts_rule_a ON conflicts (rule_a_id)`,
	`CREATE INDEX IF NOT EXISTS idx_conflicts_rule_b ON conflicts (rule_b_id)`,

	`CREATE TABLE IF NOT EXISTS conflict_resolutions (
		id TEXT PRIMARY KEY,
		conflict_id TEXT NOT NULL,
		concept_slug TEXT NOT NULL,
		conflict_type TEXT NOT NULL,
		strategy TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL,
		verdict TEXT NOT NULL,
		winner_id TEXT NOT NULL DEFAULT '',
		loser_id TEXT NOT NULL DEFAULT '',
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		recommendation_only INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_resolutions_concept ON conflict_resolutions (concept_slug, conflict_type, created_at)`,

	`CREATE TABLE IF NOT EXISTS releases (
		id TEXT PRIMARY KEY,
		version TEXT NOT NULL UNIQUE,
		release_type TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		signature TEXT NOT NULL DEFAULT '',
		counters TEXT NOT NULL DEFAULT '{}',
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_releases_created ON releases (created_at)`,

	`CREATE TABLE IF NOT EXISTS release_rules (
		release_id TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		PRIMARY KEY (release_id, rule_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_release_rules_rule ON release_rules (rule_id)`,

	`CREATE TABLE IF NOT EXISTS graph_edges (
		id TEXT PRIMARY KEY,
		from_rule_id TEXT NOT NULL,
		to_rule_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_edges_unique ON graph_edges (from_rule_id, to_rule_id, kind)`,
	`CREATE INDEX IF NOT EXISTS idx_edges_to ON graph_edges (to_rule_id)`,

	`CREATE TABLE IF NOT EXISTS evidence (
		id TEXT PRIMARY KEY,
		body TEXT NOT NULL,
		stored_at TEXT NOT NULL
	)`,
}

// Migrate creates the schema. Safe to run on every startup.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := db.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
