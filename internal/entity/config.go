package entity

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

const (
	DefaultKey        = "id"
	DefaultBatchQueue = "entity-save"
)

// Config describes one resource type: where its records live remotely and
// which field identifies them.
type Config struct {
	Kind             string
	Name             string
	BaseURL          string
	Key              string // defaults to "id"
	SupportsBatching bool
	BatchQueue       string // defaults to "entity-save"
}

func (c Config) KeyField() string {
	if c.Key == "" {
		return DefaultKey
	}
	return c.Key
}

func (c Config) Queue() string {
	if c.BatchQueue == "" {
		return DefaultBatchQueue
	}
	return c.BatchQueue
}

func (c Config) itemPath(id string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + url.PathEscape(id)
}

type configKey struct{ kind, name string }

// Configs is the set of loaded resource configurations.
type Configs struct {
	mu sync.RWMutex
	m  map[configKey]Config
}

func NewConfigs() *Configs {
	return &Configs{m: make(map[configKey]Config)}
}

// Load adds or replaces configurations. Nothing is loaded if any entry is
// invalid.
func (c *Configs) Load(cfgs ...Config) error {
	for _, cfg := range cfgs {
		if cfg.Kind == "" || cfg.Name == "" {
			return fmt.Errorf("kind and name required")
		}
		if cfg.BaseURL == "" {
			return fmt.Errorf("base_url required for %s/%s", cfg.Kind, cfg.Name)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cfg := range cfgs {
		c.m[configKey{cfg.Kind, cfg.Name}] = cfg
	}
	return nil
}

func (c *Configs) Get(kind, name string) (Config, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.m[configKey{kind, name}]
	return cfg, ok
}

// All returns every loaded configuration ordered by kind, then name.
func (c *Configs) All() []Config {
	c.mu.RLock()
	out := make([]Config, 0, len(c.m))
	for _, cfg := range c.m {
		out = append(out, cfg)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}
