// Package sqlite wraps the embedded-SQL connections used by both the
// analytical tier and the hot-tier shard router (spec §3, §4.E). Both
// tiers are modernc.org/sqlite databases; this wrapper is shared so
// migrations, pragmas, and error classification stay in one place.
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/weaverproto/weaver-core/internal/migrations"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite database connection.
type DB struct {
	*sql.DB
}

// New opens a SQLite database connection at dataSourceName (a file path
// or ":memory:") with foreign keys enabled.
func New(dataSourceName string) (*DB, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return &DB{db}, nil
}

// RunMigrations applies the embedded analytical-tier schema. It is
// idempotent: every statement in the schema file is a CREATE ... IF NOT
// EXISTS, so re-running it against an already-migrated database is a
// no-op.
func (db *DB) RunMigrations() error {
	data, err := migrations.FS.ReadFile(migrations.InitialSchemaFile)
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	if _, err := db.Exec(string(data)); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RunShardMigrations applies the embedded hot-tier shard schema (spec
// §4.E). Like RunMigrations, it is idempotent.
func (db *DB) RunShardMigrations() error {
	data, err := migrations.FS.ReadFile(migrations.ShardSchemaFile)
	if err != nil {
		return fmt.Errorf("failed to read shard migrations: %w", err)
	}

	if _, err := db.Exec(string(data)); err != nil {
		return fmt.Errorf("failed to run shard migrations: %w", err)
	}

	return nil
}
