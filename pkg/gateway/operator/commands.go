package operator

import (
	"context"
	"errors"
	"strings"

	"github.com/vango-go/vai-callcenter/pkg/core"
	"github.com/vango-go/vai-callcenter/pkg/core/calls"
	"github.com/vango-go/vai-callcenter/pkg/store"
)

func (g *Gateway) handle(c *client, msg ClientMessage) {
	if msg.Type == TypeRegister {
		g.register(c, msg)
		return
	}

	s := g.sessionFor(c)
	if s == nil {
		c.send(errorNotification(msg.Type, msg.CallID, "operator is not registered"))
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, g.cfg.CommandTimeout)
	defer cancel()

	switch msg.Type {
	case TypeStartCall:
		g.startCall(ctx, s, msg)
	case TypeAcceptCall:
		g.acceptCall(ctx, s, msg)
	case TypeEndCall:
		g.endCall(ctx, s, msg)
	case TypeAudioStream:
		g.audioStream(s, msg)
	case TypeSendDTMF:
		g.sendDTMF(ctx, s, msg)
	default:
		s.notify(errorNotification(msg.Type, msg.CallID, "unknown command"))
	}
}

func (g *Gateway) register(c *client, msg ClientMessage) {
	id := c.principal.OperatorID
	name := strings.TrimSpace(msg.Name)
	if name == "" {
		name = c.principal.Name
	}

	g.mu.Lock()
	if existing, ok := g.sessions[id]; ok {
		g.mu.Unlock()
		reason := "operator is already connected"
		if existing.client == c {
			reason = "operator is already registered"
		}
		c.send(errorNotification(TypeRegister, "", reason))
		return
	}
	s := &Session{id: id, name: name, client: c}
	g.sessions[id] = s
	g.mu.Unlock()

	g.logger.Info("operator registered", "operator_id", id, "name", name)
	s.notify(Notification{Type: TypeRegistered, OperatorID: id})
}

func (g *Gateway) startCall(ctx context.Context, s *Session, msg ClientMessage) {
	if g.deps.Lifecycle.IsDraining() {
		s.notify(errorNotification(TypeStartCall, "", "gateway is draining"))
		return
	}
	number := strings.TrimSpace(msg.PhoneNumber)
	if number == "" {
		s.notify(errorNotification(TypeStartCall, "", "phoneNumber is required"))
		return
	}
	if cur := s.CurrentCall(); cur != "" {
		s.notify(errorNotification(TypeStartCall, cur, "operator is already on a call"))
		return
	}

	snap, err := g.deps.Signaling.PlaceCall(ctx, number, "")
	if err != nil {
		g.logger.Warn("start-call failed", "operator_id", s.id, "number", number, "error", err)
		s.notify(errorNotification(TypeStartCall, "", errMessage(err)))
		return
	}
	if err := g.claim(s, snap.ID); err != nil {
		g.abandon(snap.ID)
		s.notify(errorNotification(TypeStartCall, snap.ID, errMessage(err)))
		return
	}
	if _, live := g.deps.Signaling.Call(snap.ID); !live {
		// Negotiation finished before the claim; its event found no owner.
		s.detach(snap.ID)
		s.notify(Notification{Type: TypeCallFailed, CallID: snap.ID, Reason: "ended during setup"})
		return
	}

	conv := &store.Conversation{
		CallID:     snap.ID,
		AgentID:    msg.AgentID,
		LeadID:     msg.LeadID,
		OperatorID: s.id,
		Direction:  string(calls.Outbound),
		Status:     store.ConversationActive,
	}
	if err := g.deps.Conversations.CreateConversation(ctx, conv); err != nil {
		g.logger.Error("create conversation failed", "operator_id", s.id, "call_id", snap.ID, "error", err)
		s.detach(snap.ID)
		g.abandon(snap.ID)
		s.notify(errorNotification(TypeStartCall, snap.ID, "could not create conversation record"))
		return
	}

	g.logger.Info("operator call started", "operator_id", s.id, "call_id", snap.ID, "conversation_id", conv.ID)
	s.notify(Notification{Type: TypeCallStarted, CallID: snap.ID, ConversationID: conv.ID, Number: number})
}

// abandon hangs up a call that could not be set up.
func (g *Gateway) abandon(callID string) {
	ctx, cancel := context.WithTimeout(g.baseCtx, g.cfg.CommandTimeout)
	defer cancel()
	if err := g.deps.Signaling.Hangup(ctx, callID); err != nil && !core.IsNotFound(err) {
		g.logger.Warn("abandon call failed", "call_id", callID, "error", err)
	}
}

// acceptCall picks up an inbound call; the first operator to accept wins.
func (g *Gateway) acceptCall(ctx context.Context, s *Session, msg ClientMessage) {
	callID := strings.TrimSpace(msg.CallID)
	snap, ok := g.deps.Signaling.Call(callID)
	if !ok {
		s.notify(errorNotification(TypeAcceptCall, callID, "call not found"))
		return
	}
	if snap.Direction != calls.Inbound {
		s.notify(errorNotification(TypeAcceptCall, callID, "only inbound calls can be accepted"))
		return
	}
	if err := g.claim(s, callID); err != nil {
		s.notify(errorNotification(TypeAcceptCall, callID, errMessage(err)))
		return
	}

	conv, err := g.deps.Conversations.FindByCallID(ctx, callID)
	if errors.Is(err, store.ErrNotFound) {
		conv = &store.Conversation{
			CallID:     callID,
			OperatorID: s.id,
			Direction:  string(calls.Inbound),
			Status:     store.ConversationActive,
		}
		err = g.deps.Conversations.CreateConversation(ctx, conv)
	}
	if err != nil {
		g.logger.Error("conversation for accepted call failed", "operator_id", s.id, "call_id", callID, "error", err)
		s.detach(callID)
		s.notify(errorNotification(TypeAcceptCall, callID, "could not load conversation record"))
		return
	}

	g.logger.Info("operator accepted call", "operator_id", s.id, "call_id", callID)
	s.notify(Notification{Type: TypeCallAccepted, CallID: callID, ConversationID: conv.ID, From: snap.Number})
}

func (g *Gateway) endCall(ctx context.Context, s *Session, msg ClientMessage) {
	callID := callOrCurrent(s, msg)
	if callID == "" {
		s.notify(errorNotification(TypeEndCall, "", "no call to end"))
		return
	}
	s.stopRecording(callID)
	if err := g.deps.Signaling.Hangup(ctx, callID); err != nil {
		s.notify(errorNotification(TypeEndCall, callID, errMessage(err)))
	}
}

// audioStream buffers chunks for the recording call and feeds an active
// live stream. Chunks for anything else are dropped silently.
func (g *Gateway) audioStream(s *Session, msg ClientMessage) {
	callID := callOrCurrent(s, msg)
	if !s.appendAudio(callID, msg.Chunk) {
		g.logger.Debug("audio chunk dropped", "operator_id", s.id, "call_id", callID)
		return
	}
	if g.deps.AI != nil {
		g.deps.AI.StreamAudio(callID, msg.Chunk)
	}
}

func (g *Gateway) sendDTMF(ctx context.Context, s *Session, msg ClientMessage) {
	callID := callOrCurrent(s, msg)
	if callID == "" {
		s.notify(errorNotification(TypeSendDTMF, "", "no call for dtmf"))
		return
	}
	if err := g.deps.Signaling.SendDigits(ctx, callID, msg.Digits); err != nil {
		s.notify(errorNotification(TypeSendDTMF, callID, errMessage(err)))
		return
	}
	s.notify(Notification{Type: TypeDTMFSent, CallID: callID, Digits: msg.Digits})
}

func callOrCurrent(s *Session, msg ClientMessage) string {
	if id := strings.TrimSpace(msg.CallID); id != "" {
		return id
	}
	return s.CurrentCall()
}
