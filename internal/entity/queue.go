package entity

import (
	"context"
	"fmt"

	"recordsync/internal/batch"
	"recordsync/pkg/restclient"
)

// BatchTransport is a Transport that can also send several requests in one
// call. *restclient.Client satisfies it.
type BatchTransport interface {
	Transport
	Batch(ctx context.Context, reqs []restclient.Request) ([]restclient.Response, error)
}

// RegisterSaveQueue installs the handler for batched saves on queue. Each
// flush chunk becomes one Batch call; when that call fails every request is
// sent on its own with Do. size bounds the chunk length.
func RegisterSaveQueue(proc *batch.Processor, queue string, t BatchTransport, size batch.SizeFunc) {
	handler := func(ctx context.Context, items []any) ([]batch.Outcome, error) {
		reqs := make([]restclient.Request, len(items))
		for i, it := range items {
			r, ok := it.(restclient.Request)
			if !ok {
				return nil, fmt.Errorf("queue %s: unexpected item %T", queue, it)
			}
			reqs[i] = r
		}

		resps, err := t.Batch(ctx, reqs)
		if err != nil {
			return nil, err
		}
		out := make([]batch.Outcome, len(resps))
		for i, r := range resps {
			out[i] = batch.Outcome{Value: r.Body, Err: r.Err}
		}
		return out, nil
	}

	single := func(ctx context.Context, item any) (any, error) {
		r, ok := item.(restclient.Request)
		if !ok {
			return nil, fmt.Errorf("queue %s: unexpected item %T", queue, item)
		}
		body, err := t.Do(ctx, r)
		if err != nil {
			return nil, err
		}
		return body, nil
	}

	opts := []batch.RegisterOption{batch.WithSingle(single)}
	if size != nil {
		opts = append(opts, batch.WithBatchSize(size))
	}
	proc.Register(queue, handler, opts...)
}

// SaveQueues returns the distinct batch queues of the batching configs.
func SaveQueues(cfgs []Config) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range cfgs {
		if !c.SupportsBatching || seen[c.Queue()] {
			continue
		}
		seen[c.Queue()] = true
		out = append(out, c.Queue())
	}
	return out
}

var _ BatchTransport = (*restclient.Client)(nil)
