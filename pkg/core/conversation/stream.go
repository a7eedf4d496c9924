package conversation

import (
	"context"
	"fmt"

	"github.com/vango-go/vai-callcenter/pkg/core"
	"github.com/vango-go/vai-callcenter/pkg/core/calls"
	"github.com/vango-go/vai-callcenter/pkg/core/livestream"
	"github.com/vango-go/vai-callcenter/pkg/store"
)

// StartStream starts an AI session driven by a duplex live stream instead
// of turn-by-turn generation. The greeting goes into the stream's
// instruction; audio flows in through StreamAudio and out as audio-ready
// events. A session ended while the stream dials is not revived.
func (o *Orchestrator) StartStream(ctx context.Context, callID, agentID string, direction calls.Direction) error {
	s, err := o.newSession(ctx, callID, agentID, direction)
	if err != nil {
		return err
	}
	defer s.turnMu.Unlock()
	s.markLive()

	tools := o.streamTools(callID, s.agent)
	decls := make([]livestream.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, t.Declaration)
	}

	greeting := o.greeting(s.agent, direction)
	cfg := o.cfg.Live
	cfg.Language = o.language(s.agent)
	cfg.Temperature = s.agent.Temperature
	cfg.Tools = tools
	if s.agent.Voice.Voice != "" {
		cfg.Voice = s.agent.Voice.Voice
	}
	cfg.Instruction = livestream.BuildInstruction(livestream.InstructionParams{
		Prompt:       o.systemPrompt(ctx, s.agent),
		Language:     cfg.Language,
		Greeting:     greeting,
		Outbound:     direction == calls.Outbound,
		SpeakingRate: s.agent.Voice.Speed,
		Pitch:        s.agent.Voice.Pitch,
		Tools:        decls,
	})

	stream := o.newStream(cfg)
	unsubscribe := stream.Subscribe(func(ev livestream.Event) { o.onStreamEvent(s, ev) })
	if !s.attach(stream, unsubscribe) {
		unsubscribe()
		stream.Close()
		return errEndedWhileStarting(callID)
	}

	connectCtx, cancel := mergeCancel(ctx, s.ctx)
	err = stream.Connect(connectCtx)
	cancel()
	if !s.active.Load() {
		// EndSession may have closed the stream before Connect finished.
		stream.Close()
		return errEndedWhileStarting(callID)
	}
	if err != nil {
		o.discard(s)
		return fmt.Errorf("connect live stream: %w", withCall(err, callID))
	}

	s.appendTurn(core.RoleAssistant, greeting)
	if !s.active.Load() {
		return errEndedWhileStarting(callID)
	}

	o.logger.Info("live stream session started", "call_id", callID, "agent_id", agentID, "direction", direction)
	o.bus.Publish(Event{Kind: EventTurn, CallID: callID, Role: core.RoleAssistant, Text: greeting})
	return nil
}

// StreamAudio forwards caller audio to the call's live stream. Audio is
// dropped until the stream has acknowledged setup and after the session
// ends.
func (o *Orchestrator) StreamAudio(callID string, chunk []byte) bool {
	s := o.lookup(callID)
	if s == nil || !s.active.Load() || !s.streamReady.Load() {
		return false
	}
	stream := s.currentStream()
	if stream == nil {
		return false
	}
	return stream.SendAudio(chunk)
}

// HasStream reports whether callID has an active session driven by a live
// stream.
func (o *Orchestrator) HasStream(callID string) bool {
	s := o.lookup(callID)
	return s != nil && s.active.Load() && s.isLive()
}

func (s *session) markLive() {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	s.live = true
}

func (s *session) isLive() bool {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	return s.live
}

// attach binds stream to the session unless the session already ended.
func (s *session) attach(stream Stream, unsubscribe func()) bool {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if !s.active.Load() {
		return false
	}
	s.stream = stream
	s.unsubscribe = unsubscribe
	return true
}

func (s *session) currentStream() Stream {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	return s.stream
}

// detach hands the stream to the caller exactly once.
func (s *session) detach() (Stream, func()) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	stream, unsubscribe := s.stream, s.unsubscribe
	s.stream, s.unsubscribe = nil, nil
	return stream, unsubscribe
}

// onStreamEvent runs on the stream's event goroutine; it must not close the
// stream synchronously.
func (o *Orchestrator) onStreamEvent(s *session, ev livestream.Event) {
	switch ev.Kind {
	case livestream.EventReady:
		if s.active.Load() {
			s.streamReady.Store(true)
		}
	case livestream.EventCallerTurn:
		if ev.Text == "" || !s.active.Load() {
			return
		}
		s.appendTurn(core.RoleUser, ev.Text)
		o.bus.Publish(Event{Kind: EventTurn, CallID: s.callID, Role: core.RoleUser, Text: ev.Text})
	case livestream.EventTranscriptDelta:
		o.bus.Publish(Event{Kind: EventTranscriptDelta, CallID: s.callID, Role: core.RoleAssistant, Text: ev.Text})
	case livestream.EventAudio:
		o.bus.Publish(Event{Kind: EventAudioReady, CallID: s.callID, Audio: ev.Audio, MIMEType: ev.MIMEType})
	case livestream.EventInterrupted:
		o.bus.Publish(Event{Kind: EventInterrupted, CallID: s.callID})
	case livestream.EventTurnComplete:
		if ev.Text == "" || !s.active.Load() {
			return
		}
		s.appendTurn(core.RoleAssistant, ev.Text)
		o.bus.Publish(Event{Kind: EventTurn, CallID: s.callID, Role: core.RoleAssistant, Text: ev.Text})
	case livestream.EventClosed:
		s.streamReady.Store(false)
		if !s.active.Load() {
			return
		}
		o.logger.Warn("live stream closed", "call_id", s.callID, "error", ev.Err)
		o.bus.Publish(Event{Kind: EventStreamClosed, CallID: s.callID, Text: errText(ev.Err)})
		go func() { _ = o.EndSession(context.Background(), s.callID) }()
	}
}

func (o *Orchestrator) stopStream(s *session) {
	s.streamReady.Store(false)
	stream, unsubscribe := s.detach()
	if stream == nil {
		return
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	stream.Close()
}

func (o *Orchestrator) streamTools(callID string, agent store.Agent) []livestream.Tool {
	var tools []livestream.Tool
	if o.stores.Appointments != nil {
		tools = append(tools, livestream.ScheduleAppointmentTool(callID, appointmentBook{o.stores.Appointments}))
	}
	if agent.KnowledgeBaseID != "" && o.stores.Knowledge != nil {
		tools = append(tools, livestream.SearchKnowledgeBaseTool(agent.KnowledgeBaseID, o.stores.Knowledge))
	}
	return tools
}

// appointmentBook adapts the appointment store to the stream tool.
type appointmentBook struct{ store store.Appointments }

func (b appointmentBook) BookAppointment(ctx context.Context, a livestream.Appointment) error {
	return b.store.BookAppointment(ctx, store.Appointment{
		ID:     a.ID,
		CallID: a.CallID,
		Date:   a.Date,
		Time:   a.Time,
		Name:   a.Name,
		Phone:  a.Phone,
		At:     a.At,
	})
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
