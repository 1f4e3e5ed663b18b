package entity

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"recordsync/internal/obs"
)

// Phase is a step of one save or delete.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLockPending
	PhaseLockHeld
	PhaseRequestInFlight
	PhaseApplyingResult
	PhaseFailed
	PhaseLockReleased
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseLockPending:
		return "LOCK_PENDING"
	case PhaseLockHeld:
		return "LOCK_HELD"
	case PhaseRequestInFlight:
		return "REQUEST_IN_FLIGHT"
	case PhaseApplyingResult:
		return "APPLYING_RESULT"
	case PhaseFailed:
		return "FAILED"
	case PhaseLockReleased:
		return "LOCK_RELEASED"
	case PhaseDone:
		return "DONE"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Coordinator runs edits, saves and deletes of records. Saves and deletes
// hold the record's lock for their whole lifecycle.
type Coordinator struct {
	configs   *Configs
	cache     Cache
	locks     Locker
	transport Transport
	queue     Enqueuer
	notifier  Notifier
	logger    *obs.Logger
	metrics   *obs.Metrics
	tracer    trace.Tracer
	onPhase   func(op string, p Phase)

	// editMu serializes read-modify-write of edit overlays.
	editMu sync.Mutex
}

type Option func(*Coordinator)

// WithEnqueuer routes saves of batching resource types through e.
func WithEnqueuer(e Enqueuer) Option { return func(c *Coordinator) { c.queue = e } }

func WithNotifier(n Notifier) Option { return func(c *Coordinator) { c.notifier = n } }

func WithLogger(l *obs.Logger) Option { return func(c *Coordinator) { c.logger = l } }

func WithMetrics(m *obs.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// WithPhaseHook is called on every phase transition of a save or delete.
func WithPhaseHook(fn func(op string, p Phase)) Option {
	return func(c *Coordinator) { c.onPhase = fn }
}

func NewCoordinator(configs *Configs, cache Cache, locker Locker, transport Transport, opts ...Option) *Coordinator {
	c := &Coordinator{
		configs:   configs,
		cache:     cache,
		locks:     locker,
		transport: transport,
		tracer:    otel.Tracer("recordsync/internal/entity"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Coordinator) Configs() *Configs { return c.configs }

func (c *Coordinator) config(kind, name string) (Config, error) {
	cfg, ok := c.configs.Get(kind, name)
	if !ok {
		return Config{}, &ConfigNotLoadedError{Kind: kind, Name: name}
	}
	return cfg, nil
}

func (c *Coordinator) notify(e Event) {
	if c.notifier == nil {
		return
	}
	e.At = time.Now()
	c.notifier.Notify(e)
}

func (c *Coordinator) observeLatency(op string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.OpLatencyMS.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
}

func (c *Coordinator) incResult(op, result string) {
	if c.metrics == nil {
		return
	}
	c.metrics.MutationTotal.WithLabelValues(op, result).Inc()
}

// checkEditable rejects edit overlays that no save or delete could reach.
func (c *Coordinator) checkEditable(kind, name, id string) error {
	if _, err := c.config(kind, name); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("id required")
	}
	return nil
}

// Receive stores records fetched from the remote as persisted state.
func (c *Coordinator) Receive(kind, name string, records ...Record) error {
	cfg, err := c.config(kind, name)
	if err != nil {
		return err
	}
	key := cfg.KeyField()
	for _, r := range records {
		id := idString(r[key])
		if id == "" {
			return fmt.Errorf("record without %q received for %s/%s", key, kind, name)
		}
		if err := c.cache.SetRecord(kind, name, id, copyRecord(r)); err != nil {
			return err
		}
	}
	return nil
}

// Edit merges changes into the record's unsaved edits. A field edited back
// to its persisted value is no longer an edit. Nothing is locked or sent.
func (c *Coordinator) Edit(kind, name, id string, changes Record) error {
	if err := c.checkEditable(kind, name, id); err != nil {
		return err
	}

	c.editMu.Lock()
	defer c.editMu.Unlock()

	persisted, _, err := c.cache.GetRecord(kind, name, id)
	if err != nil {
		return err
	}
	edits, err := c.cache.GetEdits(kind, name, id)
	if err != nil {
		return err
	}
	if edits == nil {
		edits = Record{}
	}
	for field, v := range changes {
		if old, ok := persisted[field]; ok && reflect.DeepEqual(old, v) {
			delete(edits, field)
			continue
		}
		edits[field] = v
	}
	if len(edits) == 0 {
		return c.cache.ClearEdits(kind, name, id)
	}
	return c.cache.SetEdits(kind, name, id, edits)
}

func (c *Coordinator) DiscardEdits(kind, name, id string) error {
	if err := c.checkEditable(kind, name, id); err != nil {
		return err
	}
	c.editMu.Lock()
	defer c.editMu.Unlock()
	return c.cache.ClearEdits(kind, name, id)
}

func (c *Coordinator) Edits(kind, name, id string) (Record, error) {
	if err := c.checkEditable(kind, name, id); err != nil {
		return nil, err
	}
	return c.cache.GetEdits(kind, name, id)
}

func (c *Coordinator) HasEdits(kind, name, id string) (bool, error) {
	edits, err := c.Edits(kind, name, id)
	return len(edits) > 0, err
}

// Record returns the persisted record.
func (c *Coordinator) Record(kind, name, id string) (Record, bool, error) {
	if _, err := c.config(kind, name); err != nil {
		return nil, false, err
	}
	return c.cache.GetRecord(kind, name, id)
}

// EditedRecord returns the persisted record overlaid with its edits. ok is
// false when there is neither.
func (c *Coordinator) EditedRecord(kind, name, id string) (Record, bool, error) {
	persisted, found, err := c.Record(kind, name, id)
	if err != nil {
		return nil, false, err
	}
	edits, err := c.cache.GetEdits(kind, name, id)
	if err != nil {
		return nil, false, err
	}
	if !found && len(edits) == 0 {
		return nil, false, nil
	}
	return mergeRecord(persisted, edits), true, nil
}

// clearSavedEdits drops edit fields whose value was part of a successful
// save. Fields edited again while the save was in flight are kept.
func (c *Coordinator) clearSavedEdits(kind, name, id string, saved Record) error {
	c.editMu.Lock()
	defer c.editMu.Unlock()

	edits, err := c.cache.GetEdits(kind, name, id)
	if err != nil || len(edits) == 0 {
		return err
	}
	for field, v := range saved {
		if ev, ok := edits[field]; ok && reflect.DeepEqual(ev, v) {
			delete(edits, field)
		}
	}
	if len(edits) == 0 {
		return c.cache.ClearEdits(kind, name, id)
	}
	return c.cache.SetEdits(kind, name, id, edits)
}
