package signaling

import "context"

// Trunk is the SIP transport the adapter drives. The production
// implementation is SIPTrunk; tests substitute fakes.
type Trunk interface {
	// Connect binds the transport and verifies reachability of the upstream
	// trunk. It must honor ctx cancellation.
	Connect(ctx context.Context) error
	// Dial places an outbound call and returns once the remote party answers.
	Dial(ctx context.Context, number, from string) (Dialog, error)
	// OnInvite installs the handler for inbound calls.
	OnInvite(func(IncomingInvite))
	Close() error
}

// Dialog is an established signaling session. It is owned by the adapter;
// other components reach it only through adapter operations.
type Dialog interface {
	Hangup(ctx context.Context) error
	SendDTMF(ctx context.Context, digits string) error
	// Done is closed when the dialog terminates for any reason.
	Done() <-chan struct{}
}

// IncomingInvite is an inbound call awaiting a final response.
type IncomingInvite interface {
	From() string
	To() string
	Answer(ctx context.Context) (Dialog, error)
	Reject(code int, reason string) error
}
