package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"recordsync/internal/entity"
	"recordsync/internal/storage"
)

// SQLite keeps records and edits as JSON in the local database so they
// survive restarts.
type SQLite struct {
	db      *storage.DB
	timeout time.Duration
	now     func() time.Time
}

func NewSQLite(db *storage.DB) *SQLite {
	return &SQLite{db: db, timeout: 5 * time.Second, now: time.Now}
}

func (s *SQLite) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *SQLite) get(table, kind, name, id string) (entity.Record, bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM `+table+` WHERE kind = ? AND name = ? AND record_id = ?;`,
		kind, name, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s %s/%s/%s: %w", table, kind, name, id, err)
	}
	var r entity.Record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, false, fmt.Errorf("decode %s %s/%s/%s: %w", table, kind, name, id, err)
	}
	return r, true, nil
}

func (s *SQLite) put(table, kind, name, id string, r entity.Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode %s %s/%s/%s: %w", table, kind, name, id, err)
	}
	ctx, cancel := s.ctx()
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
INSERT INTO `+table+`(kind, name, record_id, data, updated_at_ns) VALUES(?, ?, ?, ?, ?)
ON CONFLICT(kind, name, record_id) DO UPDATE SET data = excluded.data, updated_at_ns = excluded.updated_at_ns;
`, kind, name, id, string(b), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("write %s %s/%s/%s: %w", table, kind, name, id, err)
	}
	return nil
}

func (s *SQLite) del(table, kind, name, id string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE kind = ? AND name = ? AND record_id = ?;`,
		kind, name, id); err != nil {
		return fmt.Errorf("delete %s %s/%s/%s: %w", table, kind, name, id, err)
	}
	return nil
}

func (s *SQLite) GetRecord(kind, name, id string) (entity.Record, bool, error) {
	return s.get("records", kind, name, id)
}

func (s *SQLite) SetRecord(kind, name, id string, rec entity.Record) error {
	return s.put("records", kind, name, id, rec)
}

func (s *SQLite) RemoveRecord(kind, name, id string) error {
	return s.del("records", kind, name, id)
}

func (s *SQLite) GetEdits(kind, name, id string) (entity.Record, error) {
	r, _, err := s.get("edits", kind, name, id)
	return r, err
}

func (s *SQLite) SetEdits(kind, name, id string, edits entity.Record) error {
	if len(edits) == 0 {
		return s.del("edits", kind, name, id)
	}
	return s.put("edits", kind, name, id, edits)
}

func (s *SQLite) ClearEdits(kind, name, id string) error {
	return s.del("edits", kind, name, id)
}

var _ entity.Cache = (*SQLite)(nil)
