// Package calls holds the live call-session registry.
package calls

import (
	"sync"
	"time"
)

// Direction is who initiated the call.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Status is a call's position in the ringing -> ongoing -> terminal state machine.
type Status string

const (
	StatusRinging   Status = "ringing"
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a sink state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Session is one live call. Fields are guarded by the session's own mutex so
// that unrelated calls never contend on a shared lock.
type Session struct {
	id        string
	direction Direction
	number    string
	from      string

	mu         sync.Mutex
	status     Status
	reason     string
	createdAt  time.Time
	answeredAt time.Time
	endedAt    time.Time
	dialog     any
	abort      func()
}

// Snapshot is an immutable copy of a session's state.
type Snapshot struct {
	ID         string    `json:"id"`
	Direction  Direction `json:"direction"`
	Number     string    `json:"number"`
	From       string    `json:"from,omitempty"`
	Status     Status    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	AnsweredAt time.Time `json:"answered_at,omitzero"`
	EndedAt    time.Time `json:"ended_at,omitzero"`
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Direction() Direction { return s.direction }
func (s *Session) Number() string       { return s.number }
func (s *Session) From() string         { return s.from }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Dialog returns the opaque signaling handle, or nil before negotiation.
func (s *Session) Dialog() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialog
}

// SetDialog attaches the signaling handle. Only the signaling adapter calls it.
func (s *Session) SetDialog(d any) {
	s.mu.Lock()
	s.dialog = d
	s.mu.Unlock()
}

// SetAbort installs a function that cancels in-flight negotiation for the call.
func (s *Session) SetAbort(fn func()) {
	s.mu.Lock()
	s.abort = fn
	s.mu.Unlock()
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:         s.id,
		Direction:  s.direction,
		Number:     s.number,
		From:       s.from,
		Status:     s.status,
		Reason:     s.reason,
		CreatedAt:  s.createdAt,
		AnsweredAt: s.answeredAt,
		EndedAt:    s.endedAt,
	}
}
