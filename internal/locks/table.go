package locks

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"

	"recordsync/internal/obs"
)

type heldLock struct {
	enc   string
	token Token
}

type waiter struct {
	key      Key
	ch       chan Token // buffered(1); written once, under the table mutex
	enqueued time.Time
}

// Table grants exclusive locks on resource keys. Conflicting requests are
// served strictly in arrival order; non-conflicting keys never wait on each
// other.
//
// mu guards every field below it and is only held for state transitions,
// never while a caller waits for a grant.
type Table struct {
	logger  *obs.Logger
	metrics *obs.Metrics
	now     func() time.Time

	mu      sync.Mutex
	held    *btree.BTreeG[*heldLock] // ordered by encoded key
	byID    map[string]*heldLock
	waiters []*waiter // arrival order
	fence   int64
}

type Option func(*Table)

func WithLogger(l *obs.Logger) Option { return func(t *Table) { t.logger = l } }

func WithMetrics(m *obs.Metrics) Option { return func(t *Table) { t.metrics = m } }

// WithClock injects the time source used for token timestamps and wait latency.
func WithClock(now func() time.Time) Option { return func(t *Table) { t.now = now } }

func NewTable(opts ...Option) *Table {
	t := &Table{
		now: time.Now,
		held: btree.NewG[*heldLock](16, func(a, b *heldLock) bool {
			return a.enc < b.enc
		}),
		byID: make(map[string]*heldLock),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Acquire blocks until key is held exclusively by the caller. It fails only
// for a malformed key or when ctx ends while the request is still queued.
func (t *Table) Acquire(ctx context.Context, key Key) (Token, error) {
	if err := key.validate(); err != nil {
		t.incResult("acquire", "invalid")
		return Token{}, err
	}
	start := t.now()

	var (
		logQueued bool
		logToken  Token
		logErr    error
	)
	defer func() {
		if t.logger == nil {
			return
		}
		fields := map[string]interface{}{
			"op":      "lock_acquire",
			"key":     key.String(),
			"queued":  logQueued,
			"token":   logToken.ID,
			"fence":   logToken.Fence,
			"wait_ms": t.now().Sub(start).Milliseconds(),
		}
		if logErr != nil {
			fields["error"] = logErr.Error()
			t.logger.Error(fields)
		} else {
			t.logger.Info(fields)
		}
	}()

	t.mu.Lock()
	if !t.blockedLocked(key, len(t.waiters)) {
		tok := t.grantLocked(key)
		t.setGaugesLocked()
		t.mu.Unlock()
		logToken = tok
		t.incResult("acquire", "immediate")
		return tok, nil
	}
	w := &waiter{key: key.clone(), ch: make(chan Token, 1), enqueued: start}
	t.waiters = append(t.waiters, w)
	t.setGaugesLocked()
	t.mu.Unlock()

	logQueued = true
	t.incResult("acquire", "queued")

	select {
	case tok := <-w.ch:
		logToken = tok
		return tok, nil
	case <-ctx.Done():
	}

	t.mu.Lock()
	removed := t.removeWaiterLocked(w)
	if removed {
		// w may have been the only thing holding later waiters back.
		t.grantWaitersLocked()
	}
	t.setGaugesLocked()
	t.mu.Unlock()

	if !removed {
		// Granted between ctx.Done and re-locking: hand it straight back.
		tok := <-w.ch
		if err := t.Release(tok); err != nil && t.logger != nil {
			t.logger.Error(map[string]interface{}{
				"op":    "lock_release",
				"key":   key.String(),
				"token": tok.ID,
				"cause": "acquire_cancelled",
				"error": err.Error(),
			})
		}
	}
	logErr = ctx.Err()
	t.incResult("acquire", "cancelled")
	return Token{}, ctx.Err()
}

// Release frees the lock held by tok and grants every queued request that
// no longer conflicts with a held lock or an earlier queued request.
func (t *Table) Release(tok Token) error {
	t.mu.Lock()
	h, ok := t.byID[tok.ID]
	if !ok {
		t.mu.Unlock()
		t.incResult("release", "invalid")
		return &InvalidTokenError{TokenID: tok.ID, Key: tok.Key}
	}
	delete(t.byID, tok.ID)
	t.held.Delete(h)
	granted := t.grantWaitersLocked()
	t.setGaugesLocked()
	t.mu.Unlock()

	t.incResult("release", "ok")
	if t.logger != nil {
		t.logger.Info(map[string]interface{}{
			"op":      "lock_release",
			"key":     h.token.Key.String(),
			"token":   h.token.ID,
			"held_ms": t.now().Sub(h.token.Acquired).Milliseconds(),
			"granted": granted,
		})
	}
	return nil
}

// Snapshot copies the current table state.
func (t *Table) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var s Snapshot
	t.held.Ascend(func(h *heldLock) bool {
		s.Held = append(s.Held, HeldLock{Token: h.token, HeldFor: now.Sub(h.token.Acquired)})
		return true
	})
	for _, w := range t.waiters {
		s.Waiting = append(s.Waiting, Waiter{Key: w.key.clone(), Waiting: now.Sub(w.enqueued)})
	}
	return s
}

// Len returns the number of held locks and queued requests.
func (t *Table) Len() (held, waiting int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.held.Len(), len(t.waiters)
}

// blockedLocked reports whether key conflicts with a held lock or with any of
// the first upto queued waiters.
func (t *Table) blockedLocked(key Key, upto int) bool {
	if t.conflictsHeldLocked(key) {
		return true
	}
	for _, w := range t.waiters[:upto] {
		if w.key.Conflicts(key) {
			return true
		}
	}
	return false
}

func (t *Table) conflictsHeldLocked(key Key) bool {
	// ancestors, and the key itself
	for i := 1; i <= len(key); i++ {
		if _, ok := t.held.Get(&heldLock{enc: key[:i].encode()}); ok {
			return true
		}
	}
	// descendants sort contiguously right after the key's own encoding
	enc := key.encode()
	found := false
	t.held.AscendGreaterOrEqual(&heldLock{enc: enc}, func(h *heldLock) bool {
		found = strings.HasPrefix(h.enc, enc)
		return false
	})
	return found
}

func (t *Table) grantLocked(key Key) Token {
	t.fence++
	tok := Token{
		ID:       uuid.NewString(),
		Key:      key.clone(),
		Fence:    t.fence,
		Acquired: t.now(),
	}
	h := &heldLock{enc: key.encode(), token: tok}
	t.held.ReplaceOrInsert(h)
	t.byID[tok.ID] = h
	return tok
}

// grantWaitersLocked walks the queue front to back. A waiter is granted only
// if it conflicts with nothing held and with no earlier waiter left queued,
// which keeps overlapping requests FIFO.
func (t *Table) grantWaitersLocked() int {
	granted := 0
	remaining := t.waiters[:0]
	for _, w := range t.waiters {
		blocked := t.conflictsHeldLocked(w.key)
		for _, r := range remaining {
			if blocked {
				break
			}
			blocked = r.key.Conflicts(w.key)
		}
		if blocked {
			remaining = append(remaining, w)
			continue
		}
		tok := t.grantLocked(w.key)
		w.ch <- tok
		granted++
		if t.metrics != nil {
			t.metrics.LockWaitMS.Observe(float64(t.now().Sub(w.enqueued).Milliseconds()))
		}
	}
	for i := len(remaining); i < len(t.waiters); i++ {
		t.waiters[i] = nil
	}
	t.waiters = remaining
	return granted
}

func (t *Table) removeWaiterLocked(w *waiter) bool {
	for i, cur := range t.waiters {
		if cur == w {
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (t *Table) setGaugesLocked() {
	if t.metrics == nil {
		return
	}
	t.metrics.LocksHeld.Set(float64(t.held.Len()))
	t.metrics.LocksWaiting.Set(float64(len(t.waiters)))
}

func (t *Table) incResult(op, result string) {
	if t.metrics == nil {
		return
	}
	switch op {
	case "acquire":
		t.metrics.LockAcquireTotal.WithLabelValues(result).Inc()
	case "release":
		t.metrics.LockReleaseTotal.WithLabelValues(result).Inc()
	}
}
