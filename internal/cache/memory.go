package cache

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"recordsync/internal/entity"
)

// DefaultMemoryRecords bounds the persisted records kept by Memory.
const DefaultMemoryRecords = 10000

type key struct{ kind, name, id string }

// Memory keeps persisted records in an LRU, since they can be fetched
// again, and edits in a plain map, since unsaved work must never be evicted.
type Memory struct {
	mu      sync.RWMutex
	records *lru.Cache[key, entity.Record]
	edits   map[key]entity.Record
}

func NewMemory(size int) (*Memory, error) {
	if size <= 0 {
		size = DefaultMemoryRecords
	}
	records, err := lru.New[key, entity.Record](size)
	if err != nil {
		return nil, fmt.Errorf("record cache: %w", err)
	}
	return &Memory{records: records, edits: make(map[key]entity.Record)}, nil
}

func (m *Memory) GetRecord(kind, name, id string) (entity.Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records.Get(key{kind, name, id})
	return clone(r), ok, nil
}

func (m *Memory) SetRecord(kind, name, id string, rec entity.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records.Add(key{kind, name, id}, clone(rec))
	return nil
}

func (m *Memory) RemoveRecord(kind, name, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records.Remove(key{kind, name, id})
	return nil
}

func (m *Memory) GetEdits(kind, name, id string) (entity.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clone(m.edits[key{kind, name, id}]), nil
}

func (m *Memory) SetEdits(kind, name, id string, edits entity.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(edits) == 0 {
		delete(m.edits, key{kind, name, id})
		return nil
	}
	m.edits[key{kind, name, id}] = clone(edits)
	return nil
}

func (m *Memory) ClearEdits(kind, name, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.edits, key{kind, name, id})
	return nil
}

// Len returns the number of records and of edit overlays held.
func (m *Memory) Len() (records, edits int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records.Len(), len(m.edits)
}

// clone copies the top level of r. Nested values are shared; callers treat
// them as read-only.
func clone(r entity.Record) entity.Record {
	if r == nil {
		return nil
	}
	out := make(entity.Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

var _ entity.Cache = (*Memory)(nil)
