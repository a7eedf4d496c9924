package calls

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-callcenter/pkg/core"
)

// Registry owns every live Session keyed by call identifier. Its lock guards
// only the map; per-call state is guarded by each Session.
type Registry struct {
	mu    sync.RWMutex
	calls map[string]*Session
	max   int

	now   func() time.Time
	newID func() string
}

// NewRegistry returns a registry admitting at most maxConcurrent live calls.
// maxConcurrent <= 0 means unbounded.
func NewRegistry(maxConcurrent int) *Registry {
	return &Registry{
		calls: make(map[string]*Session),
		max:   maxConcurrent,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Create admits a new ringing call. It fails with a capacity error when the
// concurrency ceiling is reached.
func (r *Registry) Create(direction Direction, number, from string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.max > 0 && len(r.calls) >= r.max {
		return nil, core.NewCapacityError(fmt.Sprintf("maximum of %d concurrent calls reached", r.max))
	}

	id := r.newID()
	for _, exists := r.calls[id]; exists; _, exists = r.calls[id] {
		id = r.newID()
	}
	s := &Session{
		id:        id,
		direction: direction,
		number:    number,
		from:      from,
		status:    StatusRinging,
		createdAt: r.now(),
	}
	r.calls[id] = s
	return s, nil
}

// HasCapacity reports whether Create would currently admit a call.
func (r *Registry) HasCapacity() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.max <= 0 || len(r.calls) < r.max
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.calls[id]
	return s, ok
}

// Lookup is Get returning a not_found_error for unknown identifiers.
func (r *Registry) Lookup(id string) (*Session, error) {
	s, ok := r.Get(id)
	if !ok {
		return nil, core.NewNotFoundError("call not found").WithCall(id)
	}
	return s, nil
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// List returns snapshots of all live calls ordered by creation time.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.calls))
	for _, s := range r.calls {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// MarkOngoing moves a ringing call to ongoing.
func (r *Registry) MarkOngoing(id string) (Snapshot, error) {
	s, err := r.Lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRinging {
		return s.snapshotLocked(), core.NewInvalidStateError(fmt.Sprintf("call is %s, not ringing", s.status)).WithCall(id)
	}
	s.status = StatusOngoing
	s.answeredAt = r.now()
	return s.snapshotLocked(), nil
}

// Terminate moves the call to a terminal status and removes it from the
// registry. Only the first caller for a given id observes ok=true; later calls
// are no-ops. Any negotiation abort function is invoked once.
func (r *Registry) Terminate(id string, status Status, reason string) (snap Snapshot, ok bool) {
	if !status.Terminal() {
		status = StatusCompleted
	}

	r.mu.Lock()
	s, exists := r.calls[id]
	if exists {
		delete(r.calls, id)
	}
	r.mu.Unlock()
	if !exists {
		return Snapshot{}, false
	}

	s.mu.Lock()
	s.status = status
	s.reason = reason
	s.endedAt = r.now()
	abort := s.abort
	s.abort = nil
	snap = s.snapshotLocked()
	s.mu.Unlock()

	if abort != nil {
		abort()
	}
	return snap, true
}
