package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

const (
	DefaultBusyTimeout = 5 * time.Second
	DefaultMaxConns    = 4
	DefaultPageCacheKB = 8 << 10

	// MemoryPath opens a private in-memory database.
	MemoryPath = ":memory:"

	driverName = "recordsync_sqlite3"
)

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{ConnectHook: connectHook})
}

// DB is the agent's local SQLite database. It persists the record cache
// across restarts.
type DB struct {
	*sql.DB
	cfg Config
}

// Config sizes the record cache database. Zero values take the defaults.
type Config struct {
	Path        string
	BusyTimeout time.Duration // how long a writer waits for the file lock
	MaxConns    int           // readers run in parallel under WAL; writes still serialize
	PageCacheKB int           // page cache per connection
}

func (c Config) withDefaults() Config {
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = DefaultBusyTimeout
	}
	if c.MaxConns <= 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.PageCacheKB <= 0 {
		c.PageCacheKB = DefaultPageCacheKB
	}
	if c.inMemory() {
		// every connection would see its own empty database
		c.MaxConns = 1
	}
	return c
}

func (c Config) inMemory() bool { return c.Path == MemoryPath }

// dsn carries the settings go-sqlite3 applies on every new connection.
// Writers take the lock at BEGIN so two upserts never deadlock upgrading a
// read lock.
func (c Config) dsn() string {
	q := url.Values{}
	q.Set("_busy_timeout", strconv.FormatInt(c.BusyTimeout.Milliseconds(), 10))
	q.Set("_txlock", "immediate")
	q.Set("_synchronous", "NORMAL")
	q.Set("_cache_size", strconv.Itoa(-c.PageCacheKB)) // negative means KiB
	if !c.inMemory() {
		q.Set("_journal_mode", "WAL")
	}
	return "file:" + c.Path + "?" + q.Encode()
}

// connectHook applies what go-sqlite3 has no DSN key for: temp tables and
// sort spills stay off disk.
func connectHook(conn *sqlite3.SQLiteConn) error {
	if _, err := conn.Exec("PRAGMA temp_store=MEMORY;", nil); err != nil {
		return fmt.Errorf("apply temp_store: %w", err)
	}
	return nil
}

// Open opens (creating if needed) the cache database at cfg.Path and brings
// its schema up to date.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	cfg = cfg.withDefaults()

	db, err := sql.Open(driverName, cfg.dsn())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxConns)
	if cfg.inMemory() {
		// closing the only connection would drop the database
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}

	d := &DB{DB: db, cfg: cfg}
	if err := d.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", cfg.Path, err)
	}
	return d, nil
}

// Memory opens a private in-memory database, mostly for tests.
func Memory(ctx context.Context) (*DB, error) {
	return Open(ctx, Config{Path: MemoryPath})
}

// Config returns the settings the database was opened with.
func (d *DB) Config() Config { return d.cfg }
