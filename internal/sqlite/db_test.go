package sqlite

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// NewTestDB creates a new in-memory SQLite database for testing.
func NewTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(":memory:")
	require.NoError(t, err, "failed to create test database")

	err = db.RunMigrations()
	require.NoError(t, err, "failed to run migrations")

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func TestMigrations(t *testing.T) {
	db := NewTestDB(t)

	tables := []string{
		"raw_record_events",
		"raw_identity_events",
		"raw_account_events",
		"dead_letter_events",
		"account_revision_state",
		"cursors",
		"profiles",
		"cross_app_profiles",
		"merged_profiles",
		"notebooks",
		"entries",
		"notebook_entries",
		"drafts",
		"edit_nodes",
		"collab_invites",
		"collab_accepts",
		"collab_sessions",
		"handle_mappings",
		"edit_heads",
		"collaborators",
		"permissions",
		"contributors",
		"engagement_deltas",
		"engagement_counts",
		"engagement_subjects",
	}

	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err, "failed to query table %s", table)
		require.Equal(t, 1, count, "table %s not found", table)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	db := NewTestDB(t)
	require.NoError(t, db.RunMigrations())
}

func TestForeignKeys(t *testing.T) {
	db := NewTestDB(t)

	var enabled int
	err := db.QueryRow("PRAGMA foreign_keys").Scan(&enabled)
	require.NoError(t, err)
	require.Equal(t, 1, enabled, "foreign keys not enabled")
}
