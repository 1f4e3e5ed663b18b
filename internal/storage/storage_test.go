package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMigratesToLatest(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	db, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	v, err := db.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = db.ExecContext(ctx, `INSERT INTO records(kind, name, record_id, data, updated_at_ns) VALUES('postType','post','10','{}',1);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// reopening keeps data and applies nothing twice
	db, err = Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate(ctx))

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records;`).Scan(&n))
	assert.Equal(t, 1, n)
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations;`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.EqualError(t, err, "sqlite path is required")
}

func TestOpenAppliesCacheSettings(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "cache.db"), MaxConns: 3, PageCacheKB: 2048})
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, 3, db.Config().MaxConns)
	assert.Equal(t, DefaultBusyTimeout, db.Config().BusyTimeout)

	// hold two connections so both get checked
	c1, err := db.Conn(ctx)
	require.NoError(t, err)
	defer c1.Close()
	c2, err := db.Conn(ctx)
	require.NoError(t, err)
	defer c2.Close()

	for _, c := range []*sql.Conn{c1, c2} {
		var cacheSize, tempStore, busy int
		var journal string
		require.NoError(t, c.QueryRowContext(ctx, `PRAGMA cache_size;`).Scan(&cacheSize))
		require.NoError(t, c.QueryRowContext(ctx, `PRAGMA temp_store;`).Scan(&tempStore))
		require.NoError(t, c.QueryRowContext(ctx, `PRAGMA busy_timeout;`).Scan(&busy))
		require.NoError(t, c.QueryRowContext(ctx, `PRAGMA journal_mode;`).Scan(&journal))
		assert.Equal(t, -2048, cacheSize)
		assert.Equal(t, 2, tempStore, "MEMORY")
		assert.Equal(t, int(DefaultBusyTimeout.Milliseconds()), busy)
		assert.Equal(t, "wal", journal)
	}
}

func TestMemoryKeepsOneDatabase(t *testing.T) {
	ctx := context.Background()
	db, err := Memory(ctx)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, 1, db.Config().MaxConns)

	_, err = db.ExecContext(ctx, `INSERT INTO edits(kind, name, record_id, data, updated_at_ns) VALUES('postType','post','10','{}',1);`)
	require.NoError(t, err)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM edits;`).Scan(&n))
	assert.Equal(t, 1, n)
	v, err := db.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}
