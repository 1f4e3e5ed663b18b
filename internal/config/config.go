package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"recordsync/internal/entity"
	"recordsync/internal/storage"
)

// Duration is a time.Duration written as a string ("250ms", "30s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Server struct {
	Addr            string   `toml:"addr"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type Remote struct {
	URL       string   `toml:"url"`
	Timeout   Duration `toml:"timeout"`
	RateLimit float64  `toml:"rate_limit"` // requests per second, 0 = unlimited
	RateBurst int      `toml:"rate_burst"`
}

type Cache struct {
	Backend       string `toml:"backend"` // memory | sqlite
	MemoryRecords int    `toml:"memory_records"`

	// sqlite only
	Path        string   `toml:"path"`
	BusyTimeout Duration `toml:"busy_timeout"`
	MaxConns    int      `toml:"max_conns"`
	PageCacheKB int      `toml:"page_cache_kb"`
}

// Storage returns the database settings of the sqlite backend.
func (c Cache) Storage() storage.Config {
	return storage.Config{
		Path:        c.Path,
		BusyTimeout: c.BusyTimeout.Duration,
		MaxConns:    c.MaxConns,
		PageCacheKB: c.PageCacheKB,
	}
}

type Batch struct {
	Window  Duration `toml:"window"`
	MaxSize int      `toml:"max_size"` // 0 = ask the remote
}

type Locks struct {
	MonitorInterval Duration `toml:"monitor_interval"`
	StaleAfter      Duration `toml:"stale_after"`
}

type Entity struct {
	Kind             string `toml:"kind"`
	Name             string `toml:"name"`
	BaseURL          string `toml:"base_url"`
	Key              string `toml:"key"`
	SupportsBatching bool   `toml:"supports_batching"`
	BatchQueue       string `toml:"batch_queue"`
}

type Config struct {
	Server   Server   `toml:"server"`
	Remote   Remote   `toml:"remote"`
	Cache    Cache    `toml:"cache"`
	Batch    Batch    `toml:"batch"`
	Locks    Locks    `toml:"locks"`
	Entities []Entity `toml:"entities"`

	// WarningMsgs collects non-fatal problems found while loading.
	WarningMsgs []string `toml:"-"`
}

// Default returns a configuration that runs against a local remote with an
// in-memory cache.
func Default() Config {
	return Config{
		Server: Server{Addr: ":8080", ShutdownTimeout: Duration{5 * time.Second}},
		Remote: Remote{URL: "http://127.0.0.1:8888/wp-json", Timeout: Duration{10 * time.Second}},
		Cache: Cache{
			Backend:     "memory",
			Path:        "./recordsync.db",
			BusyTimeout: Duration{storage.DefaultBusyTimeout},
			MaxConns:    storage.DefaultMaxConns,
			PageCacheKB: storage.DefaultPageCacheKB,
		},
		Batch:  Batch{Window: Duration{10 * time.Millisecond}},
		Locks:  Locks{MonitorInterval: Duration{time.Second}, StaleAfter: Duration{30 * time.Second}},
	}
}

// Load reads path over the defaults (an empty path keeps them), applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &c)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			c.WarningMsgs = append(c.WarningMsgs, "config contains undefined items: "+strings.Join(keys, ", "))
		}
	}
	c.applyEnv(os.Getenv)
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("RECORDSYNC_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := getenv("RECORDSYNC_REMOTE"); v != "" {
		c.Remote.URL = v
	}
	if v := getenv("RECORDSYNC_DB"); v != "" {
		c.Cache.Backend = "sqlite"
		c.Cache.Path = v
	}
}

// Validate fills unset values with defaults and rejects invalid ones.
func (c *Config) Validate() error {
	def := Default()
	adjustString(&c.Server.Addr, def.Server.Addr)
	adjustDuration(&c.Server.ShutdownTimeout, def.Server.ShutdownTimeout)
	adjustDuration(&c.Remote.Timeout, def.Remote.Timeout)
	adjustString(&c.Cache.Backend, def.Cache.Backend)
	adjustDuration(&c.Cache.BusyTimeout, def.Cache.BusyTimeout)
	adjustDuration(&c.Locks.MonitorInterval, def.Locks.MonitorInterval)
	adjustDuration(&c.Locks.StaleAfter, def.Locks.StaleAfter)

	if c.Remote.URL == "" {
		return fmt.Errorf("remote.url required")
	}
	if c.Remote.RateLimit < 0 || c.Remote.RateBurst < 0 {
		return fmt.Errorf("remote.rate_limit and remote.rate_burst must be >= 0")
	}
	if c.Remote.RateLimit > 0 && c.Remote.RateBurst == 0 {
		c.Remote.RateBurst = 1
	}
	switch c.Cache.Backend {
	case "memory":
	case "sqlite":
		if c.Cache.Path == "" {
			return fmt.Errorf("cache.path required for sqlite backend")
		}
		if c.Cache.MaxConns < 0 || c.Cache.PageCacheKB < 0 {
			return fmt.Errorf("cache.max_conns and cache.page_cache_kb must be >= 0")
		}
		adjustInt(&c.Cache.MaxConns, def.Cache.MaxConns)
		adjustInt(&c.Cache.PageCacheKB, def.Cache.PageCacheKB)
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Batch.Window.Duration < 0 {
		return fmt.Errorf("batch.window must be >= 0")
	}
	if c.Batch.MaxSize < 0 {
		return fmt.Errorf("batch.max_size must be >= 0")
	}

	seen := make(map[string]bool)
	for i, e := range c.Entities {
		if e.Kind == "" || e.Name == "" {
			return fmt.Errorf("entities[%d]: kind and name required", i)
		}
		if e.BaseURL == "" {
			return fmt.Errorf("entities[%d]: base_url required", i)
		}
		id := e.Kind + "/" + e.Name
		if seen[id] {
			return fmt.Errorf("entities[%d]: duplicate entity %s", i, id)
		}
		seen[id] = true
	}
	return nil
}

// EntityConfigs converts the [[entities]] tables.
func (c *Config) EntityConfigs() []entity.Config {
	out := make([]entity.Config, len(c.Entities))
	for i, e := range c.Entities {
		out[i] = entity.Config{
			Kind:             e.Kind,
			Name:             e.Name,
			BaseURL:          e.BaseURL,
			Key:              e.Key,
			SupportsBatching: e.SupportsBatching,
			BatchQueue:       e.BatchQueue,
		}
	}
	return out
}

func adjustString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func adjustInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func adjustDuration(v *Duration, def Duration) {
	if v.Duration <= 0 {
		*v = def
	}
}
