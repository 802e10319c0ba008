// Package migrations contains the individual schema migrations applied by
// the sqlite store. Each function is idempotent: it checks before altering.
package migrations

import (
	"database/sql"
	"fmt"
	"strings"
)

// columnExists reports whether the table already carries the column.
func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("failed to scan column info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// addColumnIfMissing appends a column with the given definition.
func addColumnIfMissing(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	return nil
}

// MigrateQualityScoreColumns adds the per-phase gate scores to features
// created by stores that predate quality gates.
func MigrateQualityScoreColumns(db *sql.DB) error {
	for _, col := range []string{"specify_score", "plan_score", "implement_score"} {
		if err := addColumnIfMissing(db, "specflow_features", col, "REAL NOT NULL DEFAULT 0"); err != nil {
			return err
		}
	}
	return nil
}

// MigrateFeatureRefColumns adds PR/commit/source-issue refs to features.
func MigrateFeatureRefColumns(db *sql.DB) error {
	cols := map[string]string{
		"pr_number":        "INTEGER NOT NULL DEFAULT 0",
		"pr_url":           "TEXT NOT NULL DEFAULT ''",
		"commit_sha":       "TEXT NOT NULL DEFAULT ''",
		"source_issue_ref": "TEXT NOT NULL DEFAULT ''",
	}
	for col, def := range cols {
		if err := addColumnIfMissing(db, "specflow_features", col, def); err != nil {
			return err
		}
	}
	return nil
}

// MigrateItemSourceIndex backfills the source index on work_items for
// review-cycle guard scans.
func MigrateItemSourceIndex(db *sql.DB) error {
	_, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_items_source ON work_items(source)")
	if err != nil {
		return fmt.Errorf("failed to create items source index: %w", err)
	}
	return nil
}

// MigrateEventsOpenType rebuilds the events table without the legacy
// event_type CHECK enum. Stores created by this codebase never carry the
// constraint; legacy stores imported from the original deployment do, and
// the closed enum forced auxiliary events through heartbeat_received.
func MigrateEventsOpenType(db *sql.DB) error {
	var ddl string
	err := db.QueryRow(
		"SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'events'",
	).Scan(&ddl)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read events DDL: %w", err)
	}
	// Only legacy stores carry a CHECK over event_type.
	if !containsEventTypeCheck(ddl) {
		return nil
	}

	stmts := []string{
		`CREATE TABLE events_new (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			event_type TEXT NOT NULL,
			actor_id TEXT NOT NULL DEFAULT '',
			target_id TEXT NOT NULL DEFAULT '',
			target_type TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}'
		)`,
		`INSERT INTO events_new (id, timestamp, event_type, actor_id, target_id, target_type, summary, metadata)
			SELECT id, timestamp, event_type, actor_id, target_id, target_type, summary, metadata FROM events`,
		`DROP TABLE events`,
		`ALTER TABLE events_new RENAME TO events`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_actor ON events(actor_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_target ON events(target_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to rebuild events table: %w", err)
		}
	}
	// The FTS shadow must be rebuilt after the content table swap.
	if _, err := db.Exec(`INSERT INTO events_fts(events_fts) VALUES ('rebuild')`); err != nil {
		return fmt.Errorf("failed to rebuild events FTS index: %w", err)
	}
	return nil
}

// containsEventTypeCheck detects the legacy CHECK enum over event_type.
func containsEventTypeCheck(ddl string) bool {
	upper := strings.ToUpper(ddl)
	check := strings.Index(upper, "CHECK")
	return check >= 0 && strings.Contains(upper[check:], "EVENT_TYPE")
}
