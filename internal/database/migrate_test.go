//go:build integration

package database_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saturnino-fabrica-de-software/commusage/internal/database"
	"github.com/saturnino-fabrica-de-software/commusage/internal/database/dbtest"
)

func TestMigratorIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	pg := dbtest.Start(t)
	ctx := context.Background()

	db, err := database.OpenSQL(ctx, pg.DSN)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	t.Run("Version returns current version", func(t *testing.T) {
		migrator, err := database.NewMigrator(db, dbtest.DatabaseName)
		require.NoError(t, err)
		defer func() { _ = migrator.Close() }()

		version, dirty, err := migrator.Version()
		require.NoError(t, err)
		assert.False(t, dirty, "migration should not be dirty")
		assert.Equal(t, uint(1), version, "should be at version 1")
	})

	t.Run("Up is idempotent", func(t *testing.T) {
		migrator, err := database.NewMigrator(db, dbtest.DatabaseName)
		require.NoError(t, err)
		defer func() { _ = migrator.Close() }()

		assert.NoError(t, migrator.Up())
	})

	t.Run("ledger table has correct columns", func(t *testing.T) {
		columns := getTableColumns(t, db, "communication_usage_ledger")
		expectedColumns := []string{
			"id", "ts_utc", "org_id", "thread_id", "message_id", "direction",
			"practitioner_email", "patient_email", "units", "base_units", "char_count",
			"attachments_count", "attachments_size_bytes", "type", "priority",
			"app", "source", "rule_version", "cap_applied", "calc_json",
			"created_at", "updated_at",
		}
		for _, col := range expectedColumns {
			assert.Contains(t, columns, col, "ledger should have column %s", col)
		}
	})

	t.Run("indexes are created", func(t *testing.T) {
		indexes := getTableIndexes(t, db, "communication_usage_ledger")
		assert.Contains(t, indexes, "uq_usage_ledger_message")
		assert.Contains(t, indexes, "idx_usage_ledger_pair_ts")
		assert.Contains(t, indexes, "idx_usage_ledger_ts")
	})

	t.Run("units outside 1..50 are rejected", func(t *testing.T) {
		_, err := db.Exec(`
			INSERT INTO communication_usage_ledger (
				id, ts_utc, thread_id, message_id, direction, practitioner_email,
				patient_email, units, base_units, rule_version, calc_json
			) VALUES (gen_random_uuid(), NOW(), 't', 'm', 'practitioner_to_patient', 'p@x.io', 'q@x.io', 51, 1, 1, '{}')
		`)
		assert.Error(t, err)
	})

	t.Run("Down then Up round trips", func(t *testing.T) {
		migrator, err := database.NewMigrator(db, dbtest.DatabaseName)
		require.NoError(t, err)
		defer func() { _ = migrator.Close() }()

		require.NoError(t, migrator.Down())
		assert.NotContains(t, tables(t, db), "communication_usage_ledger")

		require.NoError(t, migrator.Up())
		assert.Contains(t, tables(t, db), "communication_usage_ledger")
	})
}

func tables(t *testing.T, db *sql.DB) []string {
	t.Helper()

	rows, err := db.Query(`
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public'
	`)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}

	return names
}

func getTableColumns(t *testing.T, db *sql.DB, tableName string) []string {
	t.Helper()

	rows, err := db.Query(`
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = 'public'
		AND table_name = $1
		ORDER BY ordinal_position
	`, tableName)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()

	var columns []string
	for rows.Next() {
		var col string
		require.NoError(t, rows.Scan(&col))
		columns = append(columns, col)
	}

	return columns
}

func getTableIndexes(t *testing.T, db *sql.DB, tableName string) []string {
	t.Helper()

	rows, err := db.Query(`
		SELECT indexname
		FROM pg_indexes
		WHERE schemaname = 'public'
		AND tablename = $1
	`, tableName)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()

	var indexes []string
	for rows.Next() {
		var idx string
		require.NoError(t, rows.Scan(&idx))
		indexes = append(indexes, idx)
	}

	return indexes
}
