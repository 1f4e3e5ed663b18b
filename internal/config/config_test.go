package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recordsync/internal/storage"
)

const sample = `
[server]
addr = ":9090"

[remote]
url = "https://example.org/wp-json"
timeout = "3s"
rate_limit = 20.0

[cache]
backend = "sqlite"
path = "/var/lib/recordsync/cache.db"
busy_timeout = "2s"
max_conns = 8

[batch]
window = "25ms"
max_size = 10

[locks]
stale_after = "1m"

[[entities]]
kind = "postType"
name = "post"
base_url = "/wp/v2/posts"

[[entities]]
kind = "root"
name = "postType"
base_url = "/wp/v2/types"
key = "slug"

[[entities]]
kind = "root"
name = "media"
base_url = "/wp/v2/media"
supports_batching = true
unknown_field = 1
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recordsync.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	t.Setenv("RECORDSYNC_ADDR", "")
	t.Setenv("RECORDSYNC_REMOTE", "")
	t.Setenv("RECORDSYNC_DB", "")

	c, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, ":9090", c.Server.Addr)
	assert.Equal(t, 5*time.Second, c.Server.ShutdownTimeout.Duration, "default kept")
	assert.Equal(t, "https://example.org/wp-json", c.Remote.URL)
	assert.Equal(t, 3*time.Second, c.Remote.Timeout.Duration)
	assert.Equal(t, 1, c.Remote.RateBurst)
	assert.Equal(t, "sqlite", c.Cache.Backend)
	assert.Equal(t, storage.Config{
		Path:        "/var/lib/recordsync/cache.db",
		BusyTimeout: 2 * time.Second,
		MaxConns:    8,
		PageCacheKB: storage.DefaultPageCacheKB,
	}, c.Cache.Storage())
	assert.Equal(t, 25*time.Millisecond, c.Batch.Window.Duration)
	assert.Equal(t, 10, c.Batch.MaxSize)
	assert.Equal(t, time.Minute, c.Locks.StaleAfter.Duration)
	assert.Equal(t, time.Second, c.Locks.MonitorInterval.Duration)

	ents := c.EntityConfigs()
	require.Len(t, ents, 3)
	assert.Equal(t, "slug", ents[1].Key)
	assert.True(t, ents[2].SupportsBatching)

	require.Len(t, c.WarningMsgs, 1)
	assert.Contains(t, c.WarningMsgs[0], "unknown_field")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RECORDSYNC_ADDR", ":7000")
	t.Setenv("RECORDSYNC_REMOTE", "http://remote:1")
	t.Setenv("RECORDSYNC_DB", "/tmp/x.db")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7000", c.Server.Addr)
	assert.Equal(t, "http://remote:1", c.Remote.URL)
	assert.Equal(t, "sqlite", c.Cache.Backend)
	assert.Equal(t, "/tmp/x.db", c.Cache.Path)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Config)
		err    string
	}{
		"backend": {func(c *Config) { c.Cache.Backend = "redis" }, `unknown cache backend "redis"`},
		"sqlite path": {func(c *Config) { c.Cache.Backend, c.Cache.Path = "sqlite", "" }, "cache.path required for sqlite backend"},
		"sqlite conns": {func(c *Config) { c.Cache.Backend, c.Cache.MaxConns = "sqlite", -1 }, "cache.max_conns and cache.page_cache_kb must be >= 0"},
		"batch size": {func(c *Config) { c.Batch.MaxSize = -1 }, "batch.max_size must be >= 0"},
		"entity name": {func(c *Config) { c.Entities = []Entity{{Kind: "root", BaseURL: "/x"}} }, "entities[0]: kind and name required"},
		"entity url": {func(c *Config) { c.Entities = []Entity{{Kind: "root", Name: "media"}} }, "entities[0]: base_url required"},
		"duplicate": {func(c *Config) {
			c.Entities = []Entity{
				{Kind: "root", Name: "media", BaseURL: "/a"},
				{Kind: "root", Name: "media", BaseURL: "/b"},
			}
		}, "entities[1]: duplicate entity root/media"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			tc.mutate(&c)
			assert.EqualError(t, c.Validate(), tc.err)
		})
	}
}

func TestLoadBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "[batch]\nwindow = \"soon\"\n"))
	require.Error(t, err)
}
