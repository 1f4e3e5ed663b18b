package restclient

import (
	"encoding/json"
	"net/url"
)

// Request is one call against the remote API. Path is relative to the
// client's base URL, e.g. "/wp/v2/posts/10".
type Request struct {
	Method string
	Path   string
	Data   any
	Query  url.Values
}

// URL returns Path with Query encoded.
func (r Request) URL() string {
	if len(r.Query) == 0 {
		return r.Path
	}
	return r.Path + "?" + r.Query.Encode()
}

// Response is the outcome of one request inside a batch call. Err is set for
// non-2xx statuses.
type Response struct {
	Status int
	Body   json.RawMessage
	Err    error
}

// ---- Wire format of the batch endpoint ----

type batchReq struct {
	Validation string          `json:"validation,omitempty"`
	Requests   []batchReqEntry `json:"requests"`
}

type batchReqEntry struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Body   any    `json:"body,omitempty"`
}

type batchResp struct {
	Failed    string            `json:"failed,omitempty"` // "validation" when nothing ran
	Responses []*batchRespEntry `json:"responses"`
}

type batchRespEntry struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

type batchOptionsResp struct {
	Endpoints []struct {
		Args struct {
			Requests struct {
				MaxItems int `json:"maxItems"`
			} `json:"requests"`
		} `json:"args"`
	} `json:"endpoints"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
