package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"recordsync/internal/locks"
	"recordsync/pkg/restclient"
)

// Record is one persisted resource as decoded from JSON.
type Record map[string]any

// Cache stores persisted records and their unsaved edits. Maps passed in or
// returned are copies; callers may keep them.
type Cache interface {
	GetRecord(kind, name, id string) (Record, bool, error)
	SetRecord(kind, name, id string, rec Record) error
	RemoveRecord(kind, name, id string) error
	GetEdits(kind, name, id string) (Record, error)
	SetEdits(kind, name, id string, edits Record) error
	ClearEdits(kind, name, id string) error
}

type Transport interface {
	Do(ctx context.Context, r restclient.Request) (json.RawMessage, error)
}

// Enqueuer is satisfied by *batch.Processor.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, item any, ctxKey ...string) (any, error)
}

// Locker is satisfied by *locks.Table.
type Locker interface {
	Acquire(ctx context.Context, key locks.Key) (locks.Token, error)
	Release(tok locks.Token) error
}

// idString renders a key value the way it appears in paths and cache keys.
// JSON numbers decode as float64, so integral floats print without a
// fraction.
func idString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		if id == float64(int64(id)) {
			return strconv.FormatInt(int64(id), 10)
		}
		return strconv.FormatFloat(id, 'f', -1, 64)
	case json.Number:
		return id.String()
	default:
		return fmt.Sprint(id)
	}
}

func copyRecord(r Record) Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// mergeRecord returns base overlaid with over.
func mergeRecord(base, over Record) Record {
	out := make(Record, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func decodeRecord(body json.RawMessage) (Record, error) {
	if len(body) == 0 {
		return Record{}, nil
	}
	var r Record
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if r == nil {
		r = Record{}
	}
	return r, nil
}
