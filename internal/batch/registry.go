package batch

import "sync"

// aggregation is the unflushed set of items for one (queue, context).
type aggregation struct {
	queue   string
	context string
	items   []any
	futures []*Future
}

type pendingKey struct {
	queue   string
	context string
}

// registry holds at most one aggregation per (queue, context). Items join the
// current one until a flush takes it; the next join then starts a fresh one.
type registry struct {
	mu      sync.Mutex
	pending map[pendingKey]*aggregation
}

func newRegistry() *registry {
	return &registry{pending: make(map[pendingKey]*aggregation)}
}

// join appends item and returns its future. created is true when the item
// started a new aggregation, which the caller must schedule for flushing.
func (r *registry) join(queue, context string, item any) (f *Future, agg *aggregation, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := pendingKey{queue: queue, context: context}
	agg, ok := r.pending[k]
	if !ok {
		agg = &aggregation{queue: queue, context: context}
		r.pending[k] = agg
		created = true
	}
	f = newFuture()
	agg.items = append(agg.items, item)
	agg.futures = append(agg.futures, f)
	return f, agg, created
}

// take removes and returns the current aggregation for (queue, context). When
// want is non-nil it is only removed if it is still the current one.
func (r *registry) take(queue, context string, want *aggregation) *aggregation {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := pendingKey{queue: queue, context: context}
	agg, ok := r.pending[k]
	if !ok || (want != nil && agg != want) {
		return nil
	}
	delete(r.pending, k)
	return agg
}

// count returns the number of unflushed items for queue across contexts.
func (r *registry) count(queue string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for k, agg := range r.pending {
		if k.queue == queue {
			n += len(agg.items)
		}
	}
	return n
}
