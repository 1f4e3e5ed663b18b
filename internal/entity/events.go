package entity

import (
	"sync"
	"time"
)

type EventType string

const (
	EventSaveStart    EventType = "save-start"
	EventSaveFinish   EventType = "save-finish"
	EventDeleteStart  EventType = "delete-start"
	EventDeleteFinish EventType = "delete-finish"
	EventRemoveItems  EventType = "remove-items"
)

// Event is a lifecycle notification for one record. Err is set on a failed
// finish; Keys is set for remove-items.
type Event struct {
	Type     EventType
	Kind     string
	Name     string
	RecordID string
	Err      error
	Keys     []string
	At       time.Time
}

type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

// Notifiers fans one event out to every member in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(e Event) {
	for _, n := range ns {
		if n != nil {
			n.Notify(e)
		}
	}
}

const defaultRecentEvents = 100

type recordKey struct{ kind, name, id string }

// RecordStatus is the observed state of one record.
type RecordStatus struct {
	Saving          bool   `json:"saving"`
	Deleting        bool   `json:"deleting"`
	LastSaveError   string `json:"last_save_error,omitempty"`
	LastDeleteError string `json:"last_delete_error,omitempty"`
}

// Status follows events to answer whether a record is being saved or
// deleted and how its last attempt ended.
type Status struct {
	mu        sync.Mutex
	saving    map[recordKey]int
	deleting  map[recordKey]int
	saveErr   map[recordKey]error
	deleteErr map[recordKey]error
	recent    []Event
	limit     int
}

// NewStatus keeps at most limit recent events; limit <= 0 means 100.
func NewStatus(limit int) *Status {
	if limit <= 0 {
		limit = defaultRecentEvents
	}
	return &Status{
		saving:    make(map[recordKey]int),
		deleting:  make(map[recordKey]int),
		saveErr:   make(map[recordKey]error),
		deleteErr: make(map[recordKey]error),
		limit:     limit,
	}
}

func (s *Status) Notify(e Event) {
	k := recordKey{e.Kind, e.Name, e.RecordID}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.Type {
	case EventSaveStart:
		s.saving[k]++
	case EventSaveFinish:
		decr(s.saving, k)
		if e.Err != nil {
			s.saveErr[k] = e.Err
		} else {
			delete(s.saveErr, k)
		}
	case EventDeleteStart:
		s.deleting[k]++
	case EventDeleteFinish:
		decr(s.deleting, k)
		if e.Err != nil {
			s.deleteErr[k] = e.Err
		} else {
			delete(s.deleteErr, k)
		}
	}

	s.recent = append(s.recent, e)
	if n := len(s.recent) - s.limit; n > 0 {
		s.recent = append(s.recent[:0:0], s.recent[n:]...)
	}
}

func decr(m map[recordKey]int, k recordKey) {
	if m[k] <= 1 {
		delete(m, k)
		return
	}
	m[k]--
}

func (s *Status) IsSaving(kind, name, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saving[recordKey{kind, name, id}] > 0
}

func (s *Status) IsDeleting(kind, name, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleting[recordKey{kind, name, id}] > 0
}

func (s *Status) LastSaveError(kind, name, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveErr[recordKey{kind, name, id}]
}

func (s *Status) LastDeleteError(kind, name, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteErr[recordKey{kind, name, id}]
}

func (s *Status) Record(kind, name, id string) RecordStatus {
	k := recordKey{kind, name, id}

	s.mu.Lock()
	defer s.mu.Unlock()

	rs := RecordStatus{Saving: s.saving[k] > 0, Deleting: s.deleting[k] > 0}
	if err := s.saveErr[k]; err != nil {
		rs.LastSaveError = err.Error()
	}
	if err := s.deleteErr[k]; err != nil {
		rs.LastDeleteError = err.Error()
	}
	return rs
}

// Recent returns the retained events, oldest first.
func (s *Status) Recent() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.recent...)
}
