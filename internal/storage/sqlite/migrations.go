// Package sqlite - database migrations
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/paiworks/ivy/internal/storage/sqlite/migrations"
)

// Migration represents a single database migration.
type Migration struct {
	Name string
	Func func(*sql.DB) error
}

// migrationsList is the ordered list of migrations run during open. Every
// migration is idempotent; the list only grows.
var migrationsList = []Migration{
	{"quality_score_columns", migrations.MigrateQualityScoreColumns},
	{"feature_refs_columns", migrations.MigrateFeatureRefColumns},
	{"items_source_index", migrations.MigrateItemSourceIndex},
	{"events_open_type", migrations.MigrateEventsOpenType},
}

// RunMigrations executes all registered migrations in order. An EXCLUSIVE
// transaction serializes migrations across processes so two handles opening
// the same store cannot race on check-then-alter operations.
func RunMigrations(db *sql.DB) error {
	_, err := db.Exec("PRAGMA foreign_keys = OFF")
	if err != nil {
		return fmt.Errorf("failed to disable foreign keys for migrations: %w", err)
	}
	defer func() { _, _ = db.Exec("PRAGMA foreign_keys = ON") }()

	if _, err := db.Exec("BEGIN EXCLUSIVE"); err != nil {
		return fmt.Errorf("failed to acquire exclusive lock for migrations: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = db.Exec("ROLLBACK")
		}
	}()

	for _, migration := range migrationsList {
		if err := migration.Func(db); err != nil {
			return fmt.Errorf("migration %s failed: %w", migration.Name, err)
		}
	}

	if _, err := db.Exec("COMMIT"); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}
	committed = true

	return nil
}
