package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"recordsync/internal/entity"
	"recordsync/internal/locks"
	"recordsync/pkg/restclient"
)

// LockInspector is satisfied by *locks.Table.
type LockInspector interface {
	Snapshot() locks.Snapshot
}

type Server struct {
	coord  *entity.Coordinator
	locks  LockInspector
	status *entity.Status
	router *mux.Router
}

type contextKey string

const requestIDKey contextKey = "req_id"

// RequestID returns the request ID attached by the server, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// NewServer serves the coordinator over HTTP. status may be nil.
func NewServer(coord *entity.Coordinator, lockTable LockInspector, status *entity.Status) *Server {
	s := &Server{coord: coord, locks: lockTable, status: status, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return withRequestID(s.router)
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	s.router.HandleFunc("/v1/locks", s.handleLocks).Methods(http.MethodGet)

	const item = "/v1/records/{kind}/{name}/{id}"
	s.router.HandleFunc("/v1/records/{kind}/{name}", s.handleSave).Methods(http.MethodPost)
	s.router.HandleFunc(item, s.handleGet).Methods(http.MethodGet)
	s.router.HandleFunc(item, s.handleDelete).Methods(http.MethodDelete)
	s.router.HandleFunc(item+"/edits", s.handleGetEdits).Methods(http.MethodGet)
	s.router.HandleFunc(item+"/edits", s.handleEdit).Methods(http.MethodPatch)
	s.router.HandleFunc(item+"/edits", s.handleDiscard).Methods(http.MethodDelete)
	s.router.HandleFunc(item+"/save", s.handleSaveEdited).Methods(http.MethodPost)
	s.router.HandleFunc(item+"/status", s.handleStatus).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusNotFound, "invalid path")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// --- Handlers ---

type heldResp struct {
	Key    string `json:"key"`
	Token  string `json:"token"`
	Fence  int64  `json:"fence"`
	HeldMS int64  `json:"held_ms"`
}

type waiterResp struct {
	Key       string `json:"key"`
	WaitingMS int64  `json:"waiting_ms"`
}

type locksResp struct {
	Held    []heldResp   `json:"held"`
	Waiting []waiterResp `json:"waiting"`
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	snap := s.locks.Snapshot()
	out := locksResp{Held: []heldResp{}, Waiting: []waiterResp{}}
	for _, h := range snap.Held {
		out.Held = append(out.Held, heldResp{
			Key:    h.Token.Key.String(),
			Token:  h.Token.ID,
			Fence:  h.Token.Fence,
			HeldMS: h.HeldFor.Milliseconds(),
		})
	}
	for _, wt := range snap.Waiting {
		out.Waiting = append(out.Waiting, waiterResp{Key: wt.Key.String(), WaitingMS: wt.Waiting.Milliseconds()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	var (
		rec   entity.Record
		found bool
		err   error
	)
	if r.URL.Query().Get("edited") == "1" {
		rec, found, err = s.coord.EditedRecord(v["kind"], v["name"], v["id"])
	} else {
		rec, found, err = s.coord.Record(v["kind"], v["name"], v["id"])
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	if !found {
		writeErr(w, http.StatusNotFound, "record not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	var rec entity.Record
	if err := readJSON(r, &rec); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if rec == nil {
		writeErr(w, http.StatusBadRequest, "record required")
		return
	}

	out, err := s.coord.Save(r.Context(), v["kind"], v["name"], rec)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSaveEdited(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	out, err := s.coord.SaveEdited(r.Context(), v["kind"], v["name"], v["id"])
	if err != nil {
		writeFailure(w, err)
		return
	}
	if out == nil {
		out = entity.Record{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	if err := s.coord.Delete(r.Context(), v["kind"], v["name"], v["id"], r.URL.Query()); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type editsResp struct {
	Edits entity.Record `json:"edits"`
}

func (s *Server) handleGetEdits(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	edits, err := s.coord.Edits(v["kind"], v["name"], v["id"])
	if err != nil {
		writeFailure(w, err)
		return
	}
	if edits == nil {
		edits = entity.Record{}
	}
	writeJSON(w, http.StatusOK, editsResp{Edits: edits})
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	var changes entity.Record
	if err := readJSON(r, &changes); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.coord.Edit(v["kind"], v["name"], v["id"], changes); err != nil {
		writeFailure(w, err)
		return
	}
	s.handleGetEdits(w, r)
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	if err := s.coord.DiscardEdits(v["kind"], v["name"], v["id"]); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	if _, ok := s.coord.Configs().Get(v["kind"], v["name"]); !ok {
		writeFailure(w, &entity.ConfigNotLoadedError{Kind: v["kind"], Name: v["name"]})
		return
	}
	var out entity.RecordStatus
	if s.status != nil {
		out = s.status.Record(v["kind"], v["name"], v["id"])
	}
	writeJSON(w, http.StatusOK, out)
}

// --- helpers ---

// statusFor maps coordinator failures to HTTP statuses. Remote rejections
// keep the remote's status; other remote failures are a bad gateway.
func statusFor(err error) int {
	var se *restclient.StatusError
	switch {
	case errors.Is(err, entity.ErrConfigNotLoaded):
		return http.StatusNotFound
	case errors.Is(err, locks.ErrKeyInvalid):
		return http.StatusBadRequest
	case errors.As(err, &se):
		if se.Code < 100 || se.Code > 599 {
			return http.StatusBadGateway
		}
		return se.Code
	case errors.Is(err, restclient.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeFailure(w http.ResponseWriter, err error) {
	writeErr(w, statusFor(err), err.Error())
}

func readJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("missing body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 8<<20))
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
