// Package signaling owns call establishment and teardown over SIP and turns
// protocol activity into call-registry transitions and lifecycle events.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vango-go/vai-callcenter/pkg/core"
	"github.com/vango-go/vai-callcenter/pkg/core/calls"
	"github.com/vango-go/vai-callcenter/pkg/core/events"
)

// Config tunes adapter timeouts.
type Config struct {
	FromNumber string

	ConnectTimeout  time.Duration
	DialTimeout     time.Duration
	HangupTimeout   time.Duration
	MaxCallDuration time.Duration

	// Background reconnect backoff. ConnectAttempts <= 0 retries until the
	// adapter context ends.
	RetryBase       time.Duration
	RetryMax        time.Duration
	ConnectAttempts int

	// OnTerminate runs synchronously whenever a call reaches a terminal
	// state, before the lifecycle event is published and before Hangup
	// returns. It must not block.
	OnTerminate func(callID string)
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 60 * time.Second
	}
	if c.HangupTimeout <= 0 {
		c.HangupTimeout = 5 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	return c
}

// Adapter is the signaling front end for the call registry.
type Adapter struct {
	trunk    Trunk
	registry *calls.Registry
	cfg      Config
	logger   *slog.Logger
	bus      *events.Bus[Event]

	connected atomic.Bool
	draining  atomic.Bool

	// hangingUp holds calls with a local BYE in flight.
	hangingUp sync.Map

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an adapter around trunk. Start must be called before calls can
// be placed or received.
func New(trunk Trunk, registry *calls.Registry, cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		trunk:    trunk,
		registry: registry,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		bus:      events.NewBus[Event](),
		baseCtx:  ctx,
		stop:     cancel,
	}
}

// Subscribe registers fn for lifecycle events.
func (a *Adapter) Subscribe(fn func(Event)) (unsubscribe func()) {
	return a.bus.Subscribe(fn)
}

// Registry exposes the registry the adapter mutates.
func (a *Adapter) Registry() *calls.Registry { return a.registry }

// Call returns the current state of a live call.
func (a *Adapter) Call(callID string) (calls.Snapshot, bool) {
	s, ok := a.registry.Get(callID)
	if !ok {
		return calls.Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Calls lists live calls.
func (a *Adapter) Calls() []calls.Snapshot { return a.registry.List() }

// Connected reports whether the trunk transport is up. While false the
// adapter runs in degraded mode and PlaceCall fails fast.
func (a *Adapter) Connected() bool { return a.connected.Load() }

// SetDraining refuses new outbound and inbound calls while true.
func (a *Adapter) SetDraining(v bool) { a.draining.Store(v) }

// Start installs the inbound handler and connects the trunk in the
// background. It never blocks on the network.
func (a *Adapter) Start(ctx context.Context) {
	a.trunk.OnInvite(a.HandleInvite)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.connectLoop(ctx)
	}()
}

func (a *Adapter) connectLoop(ctx context.Context) {
	ctx, cancel := mergeCancel(ctx, a.baseCtx)
	defer cancel()

	b := retry.NewExponential(a.cfg.RetryBase)
	b = retry.WithCappedDuration(a.cfg.RetryMax, b)
	if a.cfg.ConnectAttempts > 0 {
		b = retry.WithMaxRetries(uint64(a.cfg.ConnectAttempts-1), b)
	}

	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		cctx, ccancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
		defer ccancel()
		if err := a.trunk.Connect(cctx); err != nil {
			a.logger.Warn("sip trunk connect failed, telephony degraded",
				"attempt", attempt,
				"error", err,
			)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			a.logger.Error("sip trunk unavailable, giving up", "attempts", attempt, "error", err)
		}
		return
	}
	a.connected.Store(true)
	a.logger.Info("sip trunk connected", "attempts", attempt)
}

// PlaceCall registers a ringing outbound call and negotiates it in the
// background. The returned snapshot is in the ringing state.
func (a *Adapter) PlaceCall(ctx context.Context, number, from string) (calls.Snapshot, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return calls.Snapshot{}, core.NewInvalidRequestError("phone number is required").WithOp("place_call")
	}
	if a.draining.Load() {
		return calls.Snapshot{}, core.NewCapacityError("server is draining").WithOp("place_call")
	}
	if !a.connected.Load() {
		return calls.Snapshot{}, core.NewSignalingError("telephony unavailable", nil).WithOp("place_call")
	}
	if err := ctx.Err(); err != nil {
		return calls.Snapshot{}, err
	}
	if from == "" {
		from = a.cfg.FromNumber
	}

	s, err := a.registry.Create(calls.Outbound, number, from)
	if err != nil {
		return calls.Snapshot{}, err
	}

	dialCtx, cancel := context.WithTimeout(a.baseCtx, a.cfg.DialTimeout)
	s.SetAbort(cancel)
	snap := s.Snapshot()

	a.logger.Info("placing call", "call_id", snap.ID, "number", number)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()
		a.negotiateOutbound(dialCtx, s)
	}()
	return snap, nil
}

func (a *Adapter) negotiateOutbound(ctx context.Context, s *calls.Session) {
	dlg, err := a.trunk.Dial(ctx, s.Number(), s.From())
	if err != nil {
		a.fail(s.ID(), "negotiation failed", err)
		return
	}
	a.establish(s, dlg)
}

// HandleInvite processes an inbound call. The incoming-call event is emitted
// before the answer is attempted.
func (a *Adapter) HandleInvite(inv IncomingInvite) {
	if a.draining.Load() {
		_ = inv.Reject(503, "Service Unavailable")
		return
	}
	s, err := a.registry.Create(calls.Inbound, inv.From(), inv.To())
	if err != nil {
		a.logger.Warn("rejecting inbound call", "from", inv.From(), "error", err)
		_ = inv.Reject(486, "Busy Here")
		return
	}

	ctx, cancel := context.WithTimeout(a.baseCtx, a.cfg.DialTimeout)
	defer cancel()
	s.SetAbort(cancel)

	a.logger.Info("incoming call", "call_id", s.ID(), "from", inv.From())
	a.bus.Publish(Event{Kind: EventIncomingCall, Call: s.Snapshot()})

	dlg, err := inv.Answer(ctx)
	if err != nil {
		a.fail(s.ID(), "answer failed", err)
		return
	}
	a.establish(s, dlg)
}

// establish binds dlg to the call and marks it ongoing. If the call was torn
// down while negotiation was in flight the fresh dialog is released.
func (a *Adapter) establish(s *calls.Session, dlg Dialog) {
	s.SetDialog(dlg)
	s.SetAbort(nil)
	snap, err := a.registry.MarkOngoing(s.ID())
	if err != nil {
		a.logger.Info("call ended during negotiation, releasing dialog", "call_id", s.ID())
		ctx, cancel := context.WithTimeout(a.baseCtx, a.cfg.HangupTimeout)
		defer cancel()
		_ = dlg.Hangup(ctx)
		return
	}
	a.logger.Info("call answered", "call_id", snap.ID, "direction", snap.Direction)
	a.bus.Publish(Event{Kind: EventCallAnswered, Call: snap})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.watch(s.ID(), dlg)
	}()
}

// watch converges remote teardown and the hard call timeout onto the shared
// terminal handler.
func (a *Adapter) watch(callID string, dlg Dialog) {
	var timeout <-chan time.Time
	if a.cfg.MaxCallDuration > 0 {
		t := time.NewTimer(a.cfg.MaxCallDuration)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-dlg.Done():
		if _, local := a.hangingUp.Load(callID); local {
			return
		}
		a.finish(callID, calls.StatusCompleted, "remote-hangup")
	case <-timeout:
		a.logger.Warn("call exceeded maximum duration", "call_id", callID, "max", a.cfg.MaxCallDuration)
		if err := a.Hangup(a.baseCtx, callID); err != nil && !core.IsNotFound(err) {
			a.logger.Warn("timeout hangup failed", "call_id", callID, "error", err)
		}
	case <-a.baseCtx.Done():
	}
}

// Hangup tears down the dialog if one exists and completes the call. It is
// safe to race with remote teardown; only one call-ended event is emitted.
func (a *Adapter) Hangup(ctx context.Context, callID string) error {
	s, err := a.registry.Lookup(callID)
	if err != nil {
		return err
	}
	a.hangingUp.Store(callID, struct{}{})
	defer a.hangingUp.Delete(callID)
	if dlg, ok := s.Dialog().(Dialog); ok && dlg != nil {
		hctx, cancel := context.WithTimeout(ctx, a.cfg.HangupTimeout)
		if err := dlg.Hangup(hctx); err != nil {
			a.logger.Warn("sip bye failed", "call_id", callID, "error", err)
		}
		cancel()
	}
	a.finish(callID, calls.StatusCompleted, "hangup")
	return nil
}

// SendDigits sends DTMF on an ongoing call.
func (a *Adapter) SendDigits(ctx context.Context, callID, digits string) error {
	s, err := a.registry.Lookup(callID)
	if err != nil {
		return err
	}
	if st := s.Status(); st != calls.StatusOngoing {
		return core.NewInvalidStateError(fmt.Sprintf("call is %s, not ongoing", st)).WithCall(callID).WithOp("send_dtmf")
	}
	if err := validateDigits(digits); err != nil {
		return err
	}
	dlg, ok := s.Dialog().(Dialog)
	if !ok || dlg == nil {
		return core.NewInvalidStateError("call has no dialog").WithCall(callID).WithOp("send_dtmf")
	}
	if err := dlg.SendDTMF(ctx, digits); err != nil {
		return core.NewSignalingError("send dtmf", err).WithCall(callID).WithOp("send_dtmf")
	}
	return nil
}

func validateDigits(digits string) error {
	if digits == "" {
		return core.NewInvalidRequestError("digits are required")
	}
	for _, r := range digits {
		switch {
		case r >= '0' && r <= '9', r == '*', r == '#', r >= 'A' && r <= 'D':
		default:
			return core.NewInvalidRequestError(fmt.Sprintf("invalid dtmf digit %q", r))
		}
	}
	return nil
}

func (a *Adapter) fail(callID, reason string, err error) {
	snap, ok := a.registry.Terminate(callID, calls.StatusFailed, reason)
	a.terminated(callID)
	if !ok {
		return
	}
	a.logger.Warn("call failed", "call_id", callID, "reason", reason, "error", err)
	a.bus.Publish(Event{Kind: EventCallFailed, Call: snap, Reason: reason, Err: core.NewSignalingError(reason, err).WithCall(callID)})
}

func (a *Adapter) finish(callID string, status calls.Status, reason string) {
	snap, ok := a.registry.Terminate(callID, status, reason)
	a.terminated(callID)
	if !ok {
		return
	}
	a.logger.Info("call ended", "call_id", callID, "reason", reason)
	a.bus.Publish(Event{Kind: EventCallEnded, Call: snap, Reason: reason})
}

// terminated runs the terminal hook. It also runs for a call another path
// already terminated, so every caller of finish returns after the hook.
func (a *Adapter) terminated(callID string) {
	if a.cfg.OnTerminate != nil {
		a.cfg.OnTerminate(callID)
	}
}

// Close hangs up every live call, stops background work and closes the trunk.
func (a *Adapter) Close(ctx context.Context) error {
	for _, snap := range a.registry.List() {
		if err := a.Hangup(ctx, snap.ID); err != nil && !core.IsNotFound(err) {
			a.logger.Warn("hangup on shutdown failed", "call_id", snap.ID, "error", err)
		}
	}
	a.stop()
	err := a.trunk.Close()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	a.bus.Close()
	return err
}

// mergeCancel returns a context canceled when either parent is done.
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
