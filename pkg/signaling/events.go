package signaling

import "github.com/vango-go/vai-callcenter/pkg/core/calls"

// EventKind is the closed set of lifecycle notifications the adapter emits.
type EventKind string

const (
	EventIncomingCall EventKind = "incoming-call"
	EventCallAnswered EventKind = "call-answered"
	EventCallEnded    EventKind = "call-ended"
	EventCallFailed   EventKind = "call-failed"
)

// Event is one call lifecycle transition.
type Event struct {
	Kind   EventKind
	Call   calls.Snapshot
	Reason string
	Err    error
}
