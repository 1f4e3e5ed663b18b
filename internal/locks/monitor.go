package locks

import (
	"context"
	"time"

	"recordsync/internal/obs"
)

type Monitor struct {
	table      *Table
	logger     *obs.Logger
	metrics    *obs.Metrics
	interval   time.Duration
	staleAfter time.Duration

	reported map[string]bool // token IDs already counted as stale
}

// NewMonitor creates a periodic sweeper that:
// 1) publishes held/waiting gauges
// 2) reports locks held longer than staleAfter (once per token)
//
// It never releases anything: a long-held lock means a remote call is slow,
// and only the coordinator that owns the token may release it.
func NewMonitor(table *Table, logger *obs.Logger, metrics *obs.Metrics, interval, staleAfter time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	return &Monitor{
		table:      table,
		logger:     logger,
		metrics:    metrics,
		interval:   interval,
		staleAfter: staleAfter,
		reported:   make(map[string]bool),
	}
}

func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()

	// Run once immediately
	m.sweepOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweepOnce()
		}
	}
}

// sweepOnce returns the locks newly found past the stale threshold.
func (m *Monitor) sweepOnce() []HeldLock {
	start := time.Now()
	snap := m.table.Snapshot()

	if m.metrics != nil {
		m.metrics.LocksHeld.Set(float64(len(snap.Held)))
		m.metrics.LocksWaiting.Set(float64(len(snap.Waiting)))
	}

	live := make(map[string]bool, len(snap.Held))
	var stale []HeldLock
	for _, h := range snap.Held {
		live[h.Token.ID] = true
		if h.HeldFor < m.staleAfter || m.reported[h.Token.ID] {
			continue
		}
		m.reported[h.Token.ID] = true
		stale = append(stale, h)
	}
	// forget released tokens
	for id := range m.reported {
		if !live[id] {
			delete(m.reported, id)
		}
	}

	if len(stale) > 0 && m.metrics != nil {
		m.metrics.LocksStaleTotal.Add(float64(len(stale)))
	}

	if m.logger != nil {
		for _, h := range stale {
			m.logger.Warn(map[string]interface{}{
				"op":      "lock_sweep",
				"key":     h.Token.Key.String(),
				"token":   h.Token.ID,
				"held_ms": h.HeldFor.Milliseconds(),
				"waiting": len(snap.Waiting),
			})
		}
		if len(stale) > 0 {
			m.logger.Info(map[string]interface{}{
				"op":         "lock_sweep",
				"held":       len(snap.Held),
				"waiting":    len(snap.Waiting),
				"stale":      len(stale),
				"latency_ms": time.Since(start).Milliseconds(),
			})
		}
	}
	return stale
}
