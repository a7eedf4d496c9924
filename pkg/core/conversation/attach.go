package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/vai-callcenter/pkg/core/calls"
	"github.com/vango-go/vai-callcenter/pkg/signaling"
	"github.com/vango-go/vai-callcenter/pkg/store"
)

// CallEvents is the signaling event source an Attacher follows.
type CallEvents interface {
	Subscribe(fn func(signaling.Event)) (unsubscribe func())
}

// AttachConfig configures an Attacher.
type AttachConfig struct {
	// InboundAgentID, when set, handles every answered inbound call.
	InboundAgentID string
	// StartTimeout bounds session setup after a call is answered.
	StartTimeout time.Duration
}

// Attacher starts AI sessions when assigned calls are answered and ends
// them when calls terminate.
type Attacher struct {
	orch   *Orchestrator
	cfg    AttachConfig
	logger *slog.Logger
	unsub  func()

	mu       sync.Mutex
	assigned map[string]string
	// answered holds live calls that had no agent when answered.
	answered map[string]calls.Snapshot
	closed   bool
	wg       sync.WaitGroup
}

// NewAttacher subscribes to calls. Close detaches it.
func NewAttacher(orch *Orchestrator, callEvents CallEvents, cfg AttachConfig, logger *slog.Logger) *Attacher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	a := &Attacher{
		orch:     orch,
		cfg:      cfg,
		logger:   logger,
		assigned: make(map[string]string),
		answered: make(map[string]calls.Snapshot),
	}
	a.unsub = callEvents.Subscribe(a.onCallEvent)
	return a
}

// Assign hands callID to agentID once the call is answered, or right away
// if it already is.
func (a *Attacher) Assign(callID, agentID string) {
	a.mu.Lock()
	a.assigned[callID] = agentID
	call, live := a.answered[callID]
	delete(a.answered, callID)
	a.mu.Unlock()
	if live {
		a.spawn(func() { a.start(call, agentID) })
	}
}

// Assigned returns the agent assigned to callID.
func (a *Attacher) Assigned(callID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.assigned[callID]
	return id, ok
}

func (a *Attacher) onCallEvent(ev signaling.Event) {
	callID := ev.Call.ID
	switch ev.Kind {
	case signaling.EventIncomingCall:
		if a.cfg.InboundAgentID == "" {
			return
		}
		a.Assign(callID, a.cfg.InboundAgentID)

	case signaling.EventCallAnswered:
		a.mu.Lock()
		agentID, ok := a.assigned[callID]
		if !ok {
			a.answered[callID] = ev.Call
		}
		a.mu.Unlock()
		if !ok {
			return
		}
		a.spawn(func() {
			if ev.Call.Direction == calls.Inbound {
				a.ensureConversation(ev.Call, agentID)
			}
			a.start(ev.Call, agentID)
		})

	case signaling.EventCallEnded, signaling.EventCallFailed:
		a.mu.Lock()
		delete(a.assigned, callID)
		delete(a.answered, callID)
		a.mu.Unlock()
		a.orch.Terminate(callID)
	}
}

// spawn keeps bus callbacks non-blocking.
func (a *Attacher) spawn(fn func()) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

func (a *Attacher) ensureConversation(call calls.Snapshot, agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.StartTimeout)
	defer cancel()

	convs := a.orch.stores.Conversations
	if _, err := convs.FindByCallID(ctx, call.ID); err == nil {
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		a.logger.Warn("lookup conversation", "call_id", call.ID, "error", err)
		return
	}
	err := convs.CreateConversation(ctx, &store.Conversation{
		CallID:    call.ID,
		AgentID:   agentID,
		Direction: string(call.Direction),
		Status:    store.ConversationActive,
	})
	if err != nil {
		a.logger.Warn("create conversation", "call_id", call.ID, "error", err)
	}
}

func (a *Attacher) start(call calls.Snapshot, agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.StartTimeout)
	defer cancel()

	agent, err := a.orch.stores.Agents.GetAgent(ctx, agentID)
	if err == nil {
		if agent.LiveStream {
			err = a.orch.StartStream(ctx, call.ID, agentID, call.Direction)
		} else {
			_, err = a.orch.StartSession(ctx, call.ID, agentID, call.Direction)
		}
	}
	if _, ok := a.Assigned(call.ID); !ok {
		// The call ended while the session was starting.
		if err == nil {
			_ = a.orch.EndSession(ctx, call.ID)
		}
		return
	}
	if err == nil {
		return
	}

	a.logger.Warn("attach ai session", "call_id", call.ID, "agent_id", agentID, "error", err)
	failed := store.ConversationFailed
	if uerr := a.orch.stores.Conversations.UpdateConversation(ctx, call.ID, store.ConversationUpdate{Status: &failed}); uerr != nil && !errors.Is(uerr, store.ErrNotFound) {
		a.logger.Warn("mark conversation failed", "call_id", call.ID, "error", uerr)
	}
}

// Close stops following calls and waits for pending work.
func (a *Attacher) Close() {
	a.unsub()
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.wg.Wait()
}
