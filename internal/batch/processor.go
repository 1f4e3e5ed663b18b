package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"recordsync/internal/obs"
)

// DefaultContext is the aggregation context used when a caller names none.
const DefaultContext = "default"

// Outcome is the result for one item of a batch, matched to its caller by
// position.
type Outcome struct {
	Value any
	Err   error
}

// HandlerFunc processes one chunk. It returns one Outcome per item in input
// order; a non-nil error means the call itself failed and no outcome is used.
type HandlerFunc func(ctx context.Context, items []any) ([]Outcome, error)

// SingleFunc is the per-item path used when a chunk cannot be batched.
type SingleFunc func(ctx context.Context, item any) (any, error)

// SizeFunc returns the maximum chunk size. Zero or less means unlimited.
type SizeFunc func(ctx context.Context) int

// FallbackFunc is the processor-wide per-item path, used for queues without
// their own SingleFunc and for unregistered queues.
type FallbackFunc func(ctx context.Context, queue string, item any) (any, error)

type registration struct {
	handler HandlerFunc
	single  SingleFunc
	size    SizeFunc
}

type RegisterOption func(*registration)

func WithSingle(fn SingleFunc) RegisterOption { return func(r *registration) { r.single = fn } }

func WithBatchSize(fn SizeFunc) RegisterOption { return func(r *registration) { r.size = fn } }

// Processor collects items per (queue, context) and hands each collection
// to the queue's handler in one call once the current turn ends.
type Processor struct {
	pending  *registry
	deferrer Deferrer
	fallback FallbackFunc
	base     context.Context
	logger   *obs.Logger
	metrics  *obs.Metrics
	tracer   trace.Tracer

	mu     sync.RWMutex
	queues map[string]*registration
}

type Option func(*Processor)

func WithDeferrer(d Deferrer) Option { return func(p *Processor) { p.deferrer = d } }

func WithFallback(fn FallbackFunc) Option { return func(p *Processor) { p.fallback = fn } }

// WithBaseContext sets the context handlers run under. Flushes are detached
// from any single caller, so this is the only context they see.
func WithBaseContext(ctx context.Context) Option { return func(p *Processor) { p.base = ctx } }

func WithLogger(l *obs.Logger) Option { return func(p *Processor) { p.logger = l } }

func WithMetrics(m *obs.Metrics) Option { return func(p *Processor) { p.metrics = m } }

func New(opts ...Option) *Processor {
	p := &Processor{
		pending:  newRegistry(),
		deferrer: WindowDeferrer{},
		base:     context.Background(),
		tracer:   otel.Tracer("recordsync/internal/batch"),
		queues:   make(map[string]*registration),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Register installs the handler for queue, replacing any previous one.
func (p *Processor) Register(queue string, handler HandlerFunc, opts ...RegisterOption) {
	r := &registration{handler: handler}
	for _, o := range opts {
		o(r)
	}
	p.mu.Lock()
	p.queues[queue] = r
	p.mu.Unlock()
}

func (p *Processor) registration(queue string) *registration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.queues[queue]
}

// Add contributes item to the pending aggregation for (queue, ctxKey) without
// blocking. An empty ctxKey means DefaultContext.
func (p *Processor) Add(queue string, item any, ctxKey string) *Future {
	if ctxKey == "" {
		ctxKey = DefaultContext
	}
	f, agg, created := p.pending.join(queue, ctxKey, item)
	if created {
		p.deferrer.Defer(func() {
			if a := p.pending.take(agg.queue, agg.context, agg); a != nil {
				p.run(a)
			}
		})
	}
	return f
}

// Enqueue adds item and waits for its result. Every item gets exactly one
// result or error, even when the handler fails.
func (p *Processor) Enqueue(ctx context.Context, queue string, item any, ctxKey ...string) (any, error) {
	key := ""
	if len(ctxKey) > 0 {
		key = ctxKey[0]
	}
	return p.Add(queue, item, key).Wait(ctx)
}

// Flush processes the current aggregation for (queue, ctxKey) now, on the
// calling goroutine. It is a no-op when nothing is pending.
func (p *Processor) Flush(queue, ctxKey string) {
	if ctxKey == "" {
		ctxKey = DefaultContext
	}
	if a := p.pending.take(queue, ctxKey, nil); a != nil {
		p.run(a)
	}
}

// Pending returns the number of unflushed items for queue.
func (p *Processor) Pending(queue string) int {
	return p.pending.count(queue)
}

// run processes an aggregation that has already been removed from the
// registry; new items for the same queue start a new aggregation meanwhile.
func (p *Processor) run(agg *aggregation) {
	start := time.Now()
	ctx, span := p.tracer.Start(p.base, "batch.flush", trace.WithAttributes(
		attribute.String("queue", agg.queue),
		attribute.String("context", agg.context),
		attribute.Int("items", len(agg.items)),
	))
	defer span.End()

	var (
		logChunks    int
		logFallbacks int
	)
	defer func() {
		// Nothing may stay pending, whatever happened above.
		for _, f := range agg.futures {
			f.resolve(nil, &ProcessorError{Queue: agg.queue, Err: fmt.Errorf("item left unresolved")})
		}
		if p.metrics != nil {
			p.metrics.BatchFlushTotal.WithLabelValues(agg.queue).Inc()
			p.metrics.OpLatencyMS.WithLabelValues("flush").Observe(float64(time.Since(start).Milliseconds()))
		}
		if p.logger != nil {
			p.logger.Info(map[string]interface{}{
				"op":         "batch_flush",
				"queue":      agg.queue,
				"context":    agg.context,
				"items":      len(agg.items),
				"chunks":     logChunks,
				"fallbacks":  logFallbacks,
				"latency_ms": time.Since(start).Milliseconds(),
			})
		}
	}()

	reg := p.registration(agg.queue)
	if reg == nil {
		logFallbacks++
		p.incFallback(agg.queue, "unregistered")
		span.SetStatus(codes.Error, ErrQueueNotRegistered.Error())
		p.resolveEach(ctx, agg.queue, nil, agg.items, agg.futures, ErrQueueNotRegistered)
		return
	}

	size := 0
	if reg.size != nil {
		size = reg.size(ctx)
	}
	for _, c := range chunks(len(agg.items), size) {
		items, futures := agg.items[c.lo:c.hi], agg.futures[c.lo:c.hi]
		logChunks++
		if p.metrics != nil {
			p.metrics.BatchChunkSize.WithLabelValues(agg.queue).Observe(float64(len(items)))
		}

		outcomes, err := invoke(ctx, reg.handler, items)
		if err == nil && len(outcomes) != len(items) {
			err = fmt.Errorf("handler returned %d outcomes for %d items", len(outcomes), len(items))
		}
		if err != nil {
			logFallbacks++
			p.incFallback(agg.queue, "handler_error")
			span.RecordError(err)
			p.resolveEach(ctx, agg.queue, reg, items, futures, err)
			continue
		}
		for i, o := range outcomes {
			futures[i].resolve(o.Value, o.Err)
		}
	}
}

// resolveEach settles every item through the per-item path: the queue's own
// SingleFunc, else the processor fallback, else a ProcessorError carrying cause.
func (p *Processor) resolveEach(ctx context.Context, queue string, reg *registration, items []any, futures []*Future, cause error) {
	var single SingleFunc
	switch {
	case reg != nil && reg.single != nil:
		single = reg.single
	case p.fallback != nil:
		single = func(ctx context.Context, item any) (any, error) {
			return p.fallback(ctx, queue, item)
		}
	}

	for i, item := range items {
		if single == nil {
			futures[i].resolve(nil, &ProcessorError{Queue: queue, Err: cause})
			continue
		}
		v, err := invokeSingle(ctx, single, item)
		futures[i].resolve(v, err)
	}
}

func (p *Processor) incFallback(queue, reason string) {
	if p.metrics == nil {
		return
	}
	p.metrics.BatchFallbackTotal.WithLabelValues(queue, reason).Inc()
}

func invoke(ctx context.Context, h HandlerFunc, items []any) (out []Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &panicError{value: r}
		}
	}()
	return h(ctx, items)
}

func invokeSingle(ctx context.Context, fn SingleFunc, item any) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, &panicError{value: r}
		}
	}()
	return fn(ctx, item)
}

type chunkRange struct{ lo, hi int }

// chunks splits n items into consecutive ranges of at most size items.
func chunks(n, size int) []chunkRange {
	if n == 0 {
		return nil
	}
	if size <= 0 || size >= n {
		return []chunkRange{{0, n}}
	}
	out := make([]chunkRange, 0, (n+size-1)/size)
	for lo := 0; lo < n; lo += size {
		hi := lo + size
		if hi > n {
			hi = n
		}
		out = append(out, chunkRange{lo, hi})
	}
	return out
}
