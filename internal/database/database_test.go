package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLiteAppliesSchema(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "crawl.db")
	db, err := OpenSQLite(path)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"queue_items", "articles", "spiders"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, table)
		require.Equal(t, table, name)
	}
	require.Equal(t, 1, db.Stats().MaxOpenConnections)
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := OpenSQLite("  ")
	require.Error(t, err)
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := OpenPostgres(context.Background(), PostgresConfig{})
	require.EqualError(t, err, "database.dsn is required")
}

func TestEnsurePostgresSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS queue_items").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, EnsurePostgresSchema(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}
