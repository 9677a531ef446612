package bulk

import (
	"sort"
	"sync"
	"time"
)

type Scope string

const (
	ScopeStudent  Scope = "student"
	ScopeOperator Scope = "operator"
	ScopeCohort   Scope = "cohort"
	ScopeAll      Scope = "all"
)

type Method string

const (
	MethodBiometric Method = "biometric"
	MethodPassword  Method = "password"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusConfirming Status = "awaiting_confirmation"
	StatusRunning    Status = "running"
	StatusDone       Status = "done"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
)

// Finished reports whether no more progress will happen.
func (s Status) Finished() bool {
	return s == StatusDone || s == StatusPartial || s == StatusFailed
}

type SlotStatus string

const (
	SlotPending SlotStatus = "pending"
	SlotErased  SlotStatus = "erased"
	SlotFailed  SlotStatus = "failed"
)

// SlotResult is the outcome for one reader slot of a ticket.
type SlotResult struct {
	SensorID int        `json:"sensor_id"`
	Status   SlotStatus `json:"status"`
	Reason   string     `json:"reason,omitempty"`
}

// Ticket tracks one bulk deletion from initiation to its last slot.
type Ticket struct {
	ID          string       `json:"id"`
	Scope       Scope        `json:"scope"`
	Target      string       `json:"target,omitempty"`
	Method      Method       `json:"method"`
	RequestedBy int64        `json:"requested_by"`
	Status      Status       `json:"status"`
	Reason      string       `json:"reason,omitempty"`
	ClearAll    bool         `json:"clear_all"`
	Slots       []SlotResult `json:"slots"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func (t *Ticket) sensorIDs() []int {
	ids := make([]int, 0, len(t.Slots))
	for _, s := range t.Slots {
		ids = append(ids, s.SensorID)
	}
	return ids
}

func (t *Ticket) slot(sensorID int) *SlotResult {
	for i := range t.Slots {
		if t.Slots[i].SensorID == sensorID {
			return &t.Slots[i]
		}
	}
	return nil
}

func (t Ticket) clone() Ticket {
	t.Slots = append([]SlotResult(nil), t.Slots...)
	return t
}

// Tickets is an in-memory ticket store. Finished tickets are kept for
// retention and then pruned.
type Tickets struct {
	mu        sync.Mutex
	byID      map[string]*Ticket
	retention time.Duration
}

func NewTickets(retention time.Duration) *Tickets {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Tickets{byID: map[string]*Ticket{}, retention: retention}
}

func (s *Tickets) put(t Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(time.Now())
	cp := t.clone()
	s.byID[t.ID] = &cp
}

// Get returns a copy of the ticket.
func (s *Tickets) Get(id string) (Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return Ticket{}, false
	}
	return t.clone(), true
}

// List returns every ticket, newest first.
func (s *Tickets) List() []Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Ticket, 0, len(s.byID))
	for _, t := range s.byID {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// update applies fn under the store lock and returns the result.
func (s *Tickets) update(id string, fn func(t *Ticket)) (Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return Ticket{}, false
	}
	fn(t)
	t.UpdatedAt = time.Now().UTC()
	return t.clone(), true
}

func (s *Tickets) pruneLocked(now time.Time) {
	for id, t := range s.byID {
		if t.Status.Finished() && now.Sub(t.UpdatedAt) > s.retention {
			delete(s.byID, id)
		}
	}
}
