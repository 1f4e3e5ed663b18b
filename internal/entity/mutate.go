package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"recordsync/internal/locks"
	"recordsync/pkg/restclient"
)

// mutation is one locked remote write.
type mutation struct {
	op   string // save | delete
	cfg  Config
	id   string
	lock locks.Key
	req  restclient.Request
}

// lockKey names the record's lock. A record without an id yet gets a leaf of
// its own, so creates never conflict with writes to other records.
func (c *Coordinator) lockKey(cfg Config, id string) (locks.Key, error) {
	if id == "" {
		id = "new:" + uuid.NewString()
	}
	return locks.NewKey("entities", "records", cfg.Kind, cfg.Name, id)
}

// Save writes record to the remote: POST to the collection when it has no
// key value, PUT to the item otherwise. On success the response is merged
// into the stored record, saved edit fields are cleared and the stored
// record is returned. On failure the edits are kept.
func (c *Coordinator) Save(ctx context.Context, kind, name string, record Record) (Record, error) {
	cfg, err := c.config(kind, name)
	if err != nil {
		return nil, err
	}
	id := idString(record[cfg.KeyField()])
	lock, err := c.lockKey(cfg, id)
	if err != nil {
		return nil, err
	}

	payload := copyRecord(record)
	req := restclient.Request{Method: http.MethodPost, Path: cfg.BaseURL, Data: payload}
	if id != "" {
		req.Method, req.Path = http.MethodPut, cfg.itemPath(id)
	}

	var persisted Record
	err = c.run(ctx, mutation{op: "save", cfg: cfg, id: id, lock: lock, req: req}, func(body json.RawMessage) error {
		resp, err := decodeRecord(body)
		if err != nil {
			return err
		}
		savedID := idString(resp[cfg.KeyField()])
		if savedID == "" {
			savedID = id
		}
		if savedID == "" {
			return fmt.Errorf("save response for %s/%s carries no %q", kind, name, cfg.KeyField())
		}

		stored, _, err := c.cache.GetRecord(kind, name, savedID)
		if err != nil {
			return err
		}
		persisted = mergeRecord(stored, resp)
		if err := c.cache.SetRecord(kind, name, savedID, persisted); err != nil {
			return err
		}
		return c.clearSavedEdits(kind, name, savedID, payload)
	})
	if err != nil {
		return nil, err
	}
	return copyRecord(persisted), nil
}

// SaveEdited saves only the edited fields of a stored record, plus its key.
// Without edits it returns the stored record and sends nothing.
func (c *Coordinator) SaveEdited(ctx context.Context, kind, name, id string) (Record, error) {
	cfg, err := c.config(kind, name)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("id required")
	}

	edits, err := c.cache.GetEdits(kind, name, id)
	if err != nil {
		return nil, err
	}
	persisted, found, err := c.cache.GetRecord(kind, name, id)
	if err != nil {
		return nil, err
	}
	if len(edits) == 0 {
		return persisted, nil
	}

	payload := copyRecord(edits)
	if v, ok := persisted[cfg.KeyField()]; found && ok {
		payload[cfg.KeyField()] = v
	} else {
		payload[cfg.KeyField()] = id
	}
	return c.Save(ctx, kind, name, payload)
}

// Delete removes the record remotely, then locally together with its edits.
// query is passed through, e.g. force=true. On failure the record stays.
func (c *Coordinator) Delete(ctx context.Context, kind, name, id string, query url.Values) error {
	cfg, err := c.config(kind, name)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("id required")
	}
	lock, err := c.lockKey(cfg, id)
	if err != nil {
		return err
	}

	req := restclient.Request{Method: http.MethodDelete, Path: cfg.itemPath(id), Query: query}
	return c.run(ctx, mutation{op: "delete", cfg: cfg, id: id, lock: lock, req: req}, func(json.RawMessage) error {
		if err := c.cache.RemoveRecord(kind, name, id); err != nil {
			return err
		}
		c.editMu.Lock()
		err := c.cache.ClearEdits(kind, name, id)
		c.editMu.Unlock()
		if err != nil {
			return err
		}
		c.notify(Event{Type: EventRemoveItems, Kind: kind, Name: name, Keys: []string{id}})
		return nil
	})
}

// run holds the mutation's lock for the whole request and result handling.
// The lock is released exactly once on every path out, panics included.
// Once the lock is held the request is no longer cancelled with ctx.
func (c *Coordinator) run(ctx context.Context, m mutation, apply func(json.RawMessage) error) (err error) {
	start := time.Now()
	phase := PhaseIdle
	setPhase := func(p Phase) {
		phase = p
		if c.onPhase != nil {
			c.onPhase(m.op, p)
		}
	}

	ctx, span := c.tracer.Start(ctx, "entity."+m.op, trace.WithAttributes(
		attribute.String("kind", m.cfg.Kind),
		attribute.String("name", m.cfg.Name),
		attribute.String("record_id", m.id),
		attribute.String("http.method", m.req.Method),
		attribute.String("path", m.req.Path),
	))
	defer span.End()

	defer func() {
		result := "success"
		if err != nil {
			result = "fail"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		c.incResult(m.op, result)
		c.observeLatency(m.op, start)

		if c.logger == nil {
			return
		}
		fields := map[string]interface{}{
			"op":         m.op,
			"kind":       m.cfg.Kind,
			"name":       m.cfg.Name,
			"record_id":  m.id,
			"method":     m.req.Method,
			"path":       m.req.Path,
			"phase":      phase.String(),
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if err != nil {
			fields["error"] = err.Error()
			c.logger.Error(fields)
		} else {
			c.logger.Info(fields)
		}
	}()

	setPhase(PhaseLockPending)
	tok, err := c.locks.Acquire(ctx, m.lock)
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", m.lock, err)
	}
	setPhase(PhaseLockHeld)
	defer func() {
		if rerr := c.locks.Release(tok); rerr != nil && err == nil {
			err = rerr
		}
		setPhase(PhaseLockReleased)
		setPhase(PhaseDone)
	}()

	startType, finishType := EventSaveStart, EventSaveFinish
	if m.op == "delete" {
		startType, finishType = EventDeleteStart, EventDeleteFinish
	}
	c.notify(Event{Type: startType, Kind: m.cfg.Kind, Name: m.cfg.Name, RecordID: m.id})

	setPhase(PhaseRequestInFlight)
	body, err := c.send(context.WithoutCancel(ctx), m)
	if err == nil {
		setPhase(PhaseApplyingResult)
		err = applyResult(apply, body)
	}
	if err != nil {
		setPhase(PhaseFailed)
	}
	c.notify(Event{Type: finishType, Kind: m.cfg.Kind, Name: m.cfg.Name, RecordID: m.id, Err: err})
	return err
}

// send issues the request directly or, for batching resource types, through
// the batch queue. Both paths yield the raw response body.
func (c *Coordinator) send(ctx context.Context, m mutation) (json.RawMessage, error) {
	if m.op == "save" && m.cfg.SupportsBatching && c.queue != nil {
		v, err := c.queue.Enqueue(ctx, m.cfg.Queue(), m.req)
		if err != nil {
			return nil, err
		}
		body, _ := v.(json.RawMessage)
		return body, nil
	}
	if c.transport == nil {
		return nil, fmt.Errorf("no transport configured")
	}
	return c.transport.Do(ctx, m.req)
}

func applyResult(apply func(json.RawMessage) error, body json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("applying result: panic: %v", r)
		}
	}()
	return apply(body)
}
