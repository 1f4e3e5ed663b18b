package batch

import (
	"sync"
	"time"
)

// Deferrer schedules a flush for the end of the current turn. Everything
// enqueued before the scheduled function runs lands in the same batch.
type Deferrer interface {
	Defer(fn func())
}

// WindowDeferrer runs fn on its own goroutine once Window has elapsed. The
// window is the turn: callers enqueueing within it share a batch.
type WindowDeferrer struct {
	Window time.Duration
}

func (d WindowDeferrer) Defer(fn func()) {
	time.AfterFunc(d.Window, fn)
}

// ManualDeferrer holds scheduled flushes until Drain is called, so the
// caller decides exactly where a turn ends.
type ManualDeferrer struct {
	mu  sync.Mutex
	fns []func()
}

func (d *ManualDeferrer) Defer(fn func()) {
	d.mu.Lock()
	d.fns = append(d.fns, fn)
	d.mu.Unlock()
}

// Drain runs scheduled functions on the calling goroutine, including any
// scheduled while draining, and returns how many ran.
func (d *ManualDeferrer) Drain() int {
	ran := 0
	for {
		d.mu.Lock()
		fns := d.fns
		d.fns = nil
		d.mu.Unlock()
		if len(fns) == 0 {
			return ran
		}
		for _, fn := range fns {
			fn()
			ran++
		}
	}
}

func (d *ManualDeferrer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fns)
}
