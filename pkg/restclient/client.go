package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// BatchPath is the remote batch endpoint.
const BatchPath = "/batch/v1"

// DefaultMaxBatchSize is used until the server reports its own limit.
const DefaultMaxBatchSize = 25

type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter

	sizeGroup singleflight.Group
	sizeMu    sync.Mutex
	maxBatch  int // 0 until discovered
}

type Option func(*Client)

// WithRateLimit caps outgoing calls at r per second with the given burst.
// A batch call counts once.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(r, burst) }
}

func New(baseURL string, hc *http.Client, opts ...Option) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	c := &Client{baseURL: baseURL, http: hc}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Do sends one request and returns the raw body of a 2xx response. Other
// statuses yield *StatusError. Nothing is retried.
func (c *Client) Do(ctx context.Context, r Request) (json.RawMessage, error) {
	if r.Method == "" {
		r.Method = http.MethodGet
	}
	if r.Path == "" {
		return nil, fmt.Errorf("request path required")
	}

	code, body, err := c.doJSON(ctx, r.Method, r.URL(), r.Data)
	if err != nil {
		return nil, err
	}
	if code < 200 || code > 299 {
		return nil, statusError(r.Method, r.Path, code, body)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	return json.RawMessage(body), nil
}

// Batch sends all requests in one call to the batch endpoint. The returned
// slice has one Response per request, in order. A non-nil error means the
// batch call itself failed and no request can be assumed to have run.
func (c *Client) Batch(ctx context.Context, reqs []Request) ([]Response, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	in := batchReq{Validation: "require-all-validate", Requests: make([]batchReqEntry, len(reqs))}
	for i, r := range reqs {
		if r.Method == "" {
			r.Method = http.MethodPost
		}
		in.Requests[i] = batchReqEntry{Method: r.Method, Path: r.URL(), Body: r.Data}
	}

	code, body, err := c.doJSON(ctx, http.MethodPost, BatchPath, in)
	if err != nil {
		return nil, err
	}
	// A failed validation pass answers 207 with per-request errors, so only
	// statuses outside 2xx fail the whole call.
	if code < 200 || code > 299 {
		return nil, statusError(http.MethodPost, BatchPath, code, body)
	}

	var out batchResp
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &TransportError{Method: http.MethodPost, Path: BatchPath, Err: fmt.Errorf("decode batch response: %w", err)}
	}
	if len(out.Responses) != len(reqs) {
		return nil, &TransportError{
			Method: http.MethodPost,
			Path:   BatchPath,
			Err:    fmt.Errorf("batch returned %d responses for %d requests", len(out.Responses), len(reqs)),
		}
	}

	res := make([]Response, len(reqs))
	for i, e := range out.Responses {
		method, path := in.Requests[i].Method, reqs[i].Path
		if e == nil || e.Status == 0 {
			// With "require-all-validate" nothing runs once one request fails
			// validation; the others come back empty.
			nr := notRunError(method, path, out.Failed)
			res[i] = Response{Status: nr.Code, Err: nr}
			continue
		}
		res[i] = Response{Status: e.Status, Body: e.Body}
		if e.Status < 200 || e.Status > 299 {
			res[i].Err = statusError(method, path, e.Status, e.Body)
		}
	}
	return res, nil
}

func notRunError(method, path, failed string) *StatusError {
	if failed == "validation" {
		return &StatusError{
			Method:  method,
			Path:    path,
			Code:    http.StatusFailedDependency,
			ErrCode: "batch_not_run",
			Message: "not run: batch failed validation",
		}
	}
	return &StatusError{
		Method:  method,
		Path:    path,
		Code:    http.StatusBadGateway,
		ErrCode: "batch_no_response",
		Message: "batch returned no response for this request",
	}
}

// MaxBatchSize returns the number of requests the batch endpoint accepts per
// call. The first successful lookup is cached; concurrent lookups share one
// request. Until a lookup succeeds DefaultMaxBatchSize is returned.
func (c *Client) MaxBatchSize(ctx context.Context) int {
	c.sizeMu.Lock()
	n := c.maxBatch
	c.sizeMu.Unlock()
	if n > 0 {
		return n
	}

	v, err, _ := c.sizeGroup.Do("max-batch-size", func() (any, error) {
		code, body, err := c.doJSON(ctx, http.MethodOptions, BatchPath, nil)
		if err != nil {
			return 0, err
		}
		if code != http.StatusOK {
			return 0, statusError(http.MethodOptions, BatchPath, code, body)
		}
		var out batchOptionsResp
		if err := json.Unmarshal(body, &out); err != nil {
			return 0, err
		}
		if len(out.Endpoints) == 0 || out.Endpoints[0].Args.Requests.MaxItems <= 0 {
			return 0, fmt.Errorf("batch endpoint reported no maxItems")
		}
		limit := out.Endpoints[0].Args.Requests.MaxItems
		c.sizeMu.Lock()
		c.maxBatch = limit
		c.sizeMu.Unlock()
		return limit, nil
	})
	if err != nil {
		return DefaultMaxBatchSize
	}
	return v.(int)
}

// doJSON sends req as JSON (no body when req is nil) and returns the status
// code and the raw response body.
func (c *Client) doJSON(ctx context.Context, method, path string, req any) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, &TransportError{Method: method, Path: path, Err: err}
		}
	}

	var rd io.Reader
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return 0, nil, err
		}
		rd = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if rd != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	rsp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, &TransportError{Method: method, Path: path, Err: err}
	}
	defer rsp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(rsp.Body, 8<<20))
	if err != nil {
		return 0, nil, &TransportError{Method: method, Path: path, Err: err}
	}
	return rsp.StatusCode, body, nil
}

func statusError(method, path string, code int, body []byte) *StatusError {
	e := &StatusError{Method: method, Path: path, Code: code, Body: strings.TrimSpace(string(body))}
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil { // tolerate non-JSON error bodies
		e.ErrCode, e.Message = eb.Code, eb.Message
	}
	return e
}
