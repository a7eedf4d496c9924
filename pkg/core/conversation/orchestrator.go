// Package conversation drives AI conversations on calls: per-call turn
// history, greetings, prompt assembly, generation and synthesis, and the
// duplex live-stream alternative.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-callcenter/pkg/core"
	"github.com/vango-go/vai-callcenter/pkg/core/calls"
	"github.com/vango-go/vai-callcenter/pkg/core/events"
	"github.com/vango-go/vai-callcenter/pkg/core/livestream"
	"github.com/vango-go/vai-callcenter/pkg/core/voice/tts"
	"github.com/vango-go/vai-callcenter/pkg/store"
)

// DefaultGreeting is used when an agent has no greeting for the call direction.
const DefaultGreeting = "Hello! How can I help you today?"

// endedRetention bounds how long a terminated call id is remembered.
const endedRetention = time.Hour

// Engine is the part of the conversational engine client the orchestrator uses.
type Engine interface {
	Generate(ctx context.Context, req *core.GenerateRequest) (*core.GenerateResponse, error)
	Synthesize(ctx context.Context, text string, opts tts.SynthesizeOptions) (*tts.Synthesis, error)
}

// Stream is one duplex live stream. *livestream.Bridge implements it.
type Stream interface {
	Subscribe(fn func(livestream.Event)) (unsubscribe func())
	Connect(ctx context.Context) error
	SendAudio(chunk []byte) bool
	Close()
}

// StreamFactory opens a Stream for one call.
type StreamFactory func(cfg livestream.Config) Stream

// Stores are the collaborators the orchestrator reads and writes.
type Stores struct {
	Agents        store.Agents
	Conversations store.Conversations
	Knowledge     store.Knowledge
	Appointments  store.Appointments
}

// Config configures an Orchestrator.
type Config struct {
	DefaultGreeting string
	DefaultModel    string
	DefaultLanguage string
	// AudioFormat and SampleRate select the synthesized audio shape.
	AudioFormat string
	SampleRate  int
	// Live is the template for live streams; per-agent fields are filled in.
	Live livestream.Config
}

// Orchestrator is safe for concurrent use. Different calls proceed in
// parallel; turns within one call are serialized.
type Orchestrator struct {
	cfg       Config
	stores    Stores
	engine    Engine
	newStream StreamFactory
	logger    *slog.Logger
	bus       *events.Bus[Event]
	flushes   sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*session
	// ended holds calls whose telephony side has terminated.
	ended map[string]time.Time
}

type session struct {
	callID    string
	agent     store.Agent
	direction calls.Direction
	ctx       context.Context
	cancel    context.CancelFunc
	active    atomic.Bool

	// turnMu serializes generation turns.
	turnMu sync.Mutex

	histMu  sync.Mutex
	history []core.Message

	streamMu    sync.Mutex
	stream      Stream
	unsubscribe func()
	live        bool
	streamReady atomic.Bool
}

// New creates an Orchestrator. A nil newStream dials livestream bridges.
func New(cfg Config, stores Stores, engine Engine, newStream StreamFactory, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultGreeting == "" {
		cfg.DefaultGreeting = DefaultGreeting
	}
	if cfg.AudioFormat == "" {
		cfg.AudioFormat = "mulaw"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if newStream == nil {
		newStream = func(c livestream.Config) Stream { return livestream.New(c, logger) }
	}
	return &Orchestrator{
		cfg:       cfg,
		stores:    stores,
		engine:    engine,
		newStream: newStream,
		logger:    logger,
		bus:       events.NewBus[Event](),
		sessions:  make(map[string]*session),
		ended:     make(map[string]time.Time),
	}
}

// Subscribe registers fn for orchestrator events.
func (o *Orchestrator) Subscribe(fn func(Event)) (unsubscribe func()) {
	return o.bus.Subscribe(fn)
}

// StartSession binds agentID to callID, records the greeting as the first
// assistant turn and publishes its audio. It returns the greeting text.
// A session ended while the greeting is synthesized is not revived.
func (o *Orchestrator) StartSession(ctx context.Context, callID, agentID string, direction calls.Direction) (string, error) {
	s, err := o.newSession(ctx, callID, agentID, direction)
	if err != nil {
		return "", err
	}
	defer s.turnMu.Unlock()

	greeting := o.greeting(s.agent, direction)
	synthCtx, cancel := mergeCancel(ctx, s.ctx)
	audio, err := o.engine.Synthesize(synthCtx, greeting, o.voiceOptions(s.agent))
	cancel()
	if !s.active.Load() {
		return "", errEndedWhileStarting(callID)
	}
	if err != nil {
		o.discard(s)
		return "", fmt.Errorf("synthesize greeting: %w", err)
	}

	s.appendTurn(core.RoleAssistant, greeting)
	if !s.active.Load() {
		return "", errEndedWhileStarting(callID)
	}

	o.logger.Info("ai session started", "call_id", callID, "agent_id", agentID, "direction", direction)
	o.bus.Publish(Event{Kind: EventTurn, CallID: callID, Role: core.RoleAssistant, Text: greeting})
	o.publishAudio(callID, audio)
	return greeting, nil
}

// newSession validates the request and reserves the call's slot. The
// returned session holds turnMu until the caller finishes starting it, so
// turns wait for the greeting. EndSession and Terminate can already see it.
func (o *Orchestrator) newSession(ctx context.Context, callID, agentID string, direction calls.Direction) (*session, error) {
	if callID == "" || agentID == "" {
		return nil, core.NewInvalidRequestError("call id and agent id are required")
	}
	if err := o.admit(callID); err != nil {
		return nil, err
	}

	agent, err := o.stores.Agents.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, core.NewNotFoundError(fmt.Sprintf("agent %s not found", agentID)).WithCall(callID)
	}
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if _, err := o.stores.Conversations.FindByCallID(ctx, callID); errors.Is(err, store.ErrNotFound) {
		return nil, core.NewNotFoundError("conversation record not found").WithCall(callID)
	} else if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		callID:    callID,
		agent:     *agent,
		direction: direction,
		ctx:       sctx,
		cancel:    cancel,
	}
	s.active.Store(true)
	s.turnMu.Lock()

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.admitLocked(callID); err != nil {
		s.turnMu.Unlock()
		cancel()
		return nil, err
	}
	o.sessions[callID] = s
	return s, nil
}

func (o *Orchestrator) admit(callID string) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.admitLocked(callID)
}

func (o *Orchestrator) admitLocked(callID string) error {
	if _, ended := o.ended[callID]; ended {
		return core.NewInvalidStateError("call has ended").WithCall(callID)
	}
	if _, exists := o.sessions[callID]; exists {
		return core.NewInvalidStateError("ai session already active").WithCall(callID)
	}
	return nil
}

// discard drops a session that failed to start.
func (o *Orchestrator) discard(s *session) {
	o.mu.Lock()
	if o.sessions[s.callID] == s {
		delete(o.sessions, s.callID)
	}
	o.mu.Unlock()
	s.active.Store(false)
	s.cancel()
	o.stopStream(s)
}

func errEndedWhileStarting(callID string) error {
	return core.NewInvalidStateError("ai session ended while starting").WithCall(callID)
}

func (o *Orchestrator) lookup(callID string) *session {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sessions[callID]
}

// Active reports whether callID has an active AI session.
func (o *Orchestrator) Active(callID string) bool {
	s := o.lookup(callID)
	return s != nil && s.active.Load()
}

// ProcessUserMessage appends the caller's text, generates the assistant
// reply, appends it and publishes its audio. Failures return an error and
// add no assistant turn.
func (o *Orchestrator) ProcessUserMessage(ctx context.Context, callID, text string) (string, error) {
	s := o.lookup(callID)
	if s == nil || !s.active.Load() {
		return "", core.NewInvalidStateError("no active ai session").WithCall(callID)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", core.NewInvalidRequestError("message text is empty").WithCall(callID)
	}
	if s.isLive() {
		return "", core.NewInvalidStateError("call is driven by a live stream").WithCall(callID)
	}

	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	if !s.active.Load() {
		return "", core.NewInvalidStateError("ai session ended").WithCall(callID)
	}
	if s.isLive() {
		return "", core.NewInvalidStateError("call is driven by a live stream").WithCall(callID)
	}

	s.appendTurn(core.RoleUser, text)
	o.bus.Publish(Event{Kind: EventTurn, CallID: callID, Role: core.RoleUser, Text: text})

	turnCtx, cancel := mergeCancel(ctx, s.ctx)
	defer cancel()

	resp, err := o.engine.Generate(turnCtx, &core.GenerateRequest{
		Model:       o.model(s.agent),
		System:      o.systemPrompt(turnCtx, s.agent),
		Messages:    s.snapshot(),
		Temperature: s.agent.Temperature,
		MaxTokens:   s.agent.MaxTokens,
	})
	if err != nil {
		o.logger.Warn("ai turn failed", "call_id", callID, "error", err)
		return "", withCall(err, callID)
	}
	if !s.active.Load() {
		return "", core.NewInvalidStateError("ai session ended").WithCall(callID)
	}

	reply := resp.Text
	s.appendTurn(core.RoleAssistant, reply)
	o.bus.Publish(Event{Kind: EventTurn, CallID: callID, Role: core.RoleAssistant, Text: reply})

	audio, err := o.engine.Synthesize(turnCtx, reply, o.voiceOptions(s.agent))
	if err != nil {
		o.logger.Warn("reply synthesis failed", "call_id", callID, "error", err)
	} else {
		o.publishAudio(callID, audio)
	}
	return reply, nil
}

// History returns a copy of the turn history.
func (o *Orchestrator) History(callID string) ([]core.Message, bool) {
	s := o.lookup(callID)
	if s == nil {
		return nil, false
	}
	return s.snapshot(), true
}

// EndSession marks the session inactive, closes its live stream, and flushes
// the transcript to the conversation record. A session still starting is
// ended too and its start fails. Unknown or already ended calls are a no-op.
func (o *Orchestrator) EndSession(ctx context.Context, callID string) error {
	o.mu.Lock()
	s := o.sessions[callID]
	delete(o.sessions, callID)
	o.mu.Unlock()
	if s == nil {
		return nil
	}

	s.deactivate()
	o.stopStream(s)

	transcript := formatTranscript(s.snapshot())
	err := o.stores.Conversations.UpdateConversation(ctx, callID, store.ConversationUpdate{Transcript: &transcript})
	if err != nil {
		o.logger.Warn("transcript flush failed", "call_id", callID, "error", err)
		return fmt.Errorf("flush transcript: %w", err)
	}
	o.logger.Info("ai session ended", "call_id", callID, "turns", strings.Count(transcript, "\n")+1)
	return nil
}

// Terminate records that callID's telephony side has ended. Its session,
// if any, stops accepting turns and audio before Terminate returns; the
// stream close and transcript flush finish in the background. No session
// can start for the call afterwards. Terminate does not block on I/O.
func (o *Orchestrator) Terminate(callID string) {
	now := time.Now()
	o.mu.Lock()
	for id, at := range o.ended {
		if now.Sub(at) > endedRetention {
			delete(o.ended, id)
		}
	}
	o.ended[callID] = now
	s := o.sessions[callID]
	o.mu.Unlock()
	if s == nil {
		return
	}

	s.deactivate()
	o.flushes.Add(1)
	go func() {
		defer o.flushes.Done()
		if err := o.EndSession(context.Background(), callID); err != nil {
			o.logger.Warn("ai session teardown failed", "call_id", callID, "error", err)
		}
	}()
}

// Shutdown ends every session and stops event delivery.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.RLock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.RUnlock()
	for _, id := range ids {
		_ = o.EndSession(ctx, id)
	}

	done := make(chan struct{})
	go func() {
		o.flushes.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	o.bus.Close()
}

// deactivate stops the session accepting work. It does not block.
func (s *session) deactivate() {
	s.active.Store(false)
	s.streamReady.Store(false)
	s.cancel()
}

func (s *session) appendTurn(role, text string) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.history = append(s.history, core.Message{Role: role, Content: text})
}

func (s *session) snapshot() []core.Message {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	return append([]core.Message(nil), s.history...)
}

func formatTranscript(history []core.Message) string {
	lines := make([]string, 0, len(history))
	for _, m := range history {
		lines = append(lines, m.Role+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

func (o *Orchestrator) greeting(agent store.Agent, direction calls.Direction) string {
	g := agent.InboundGreeting
	if direction == calls.Outbound {
		g = agent.OutboundGreeting
	}
	if strings.TrimSpace(g) == "" {
		return o.cfg.DefaultGreeting
	}
	return g
}

func (o *Orchestrator) model(agent store.Agent) string {
	if agent.Model != "" {
		return agent.Model
	}
	return o.cfg.DefaultModel
}

func (o *Orchestrator) language(agent store.Agent) string {
	if agent.Language != "" {
		return agent.Language
	}
	return o.cfg.DefaultLanguage
}

// systemPrompt is the agent prompt plus, when the agent has a knowledge
// base, its content. A knowledge lookup failure leaves the block out.
func (o *Orchestrator) systemPrompt(ctx context.Context, agent store.Agent) string {
	prompt := strings.TrimSpace(agent.Prompt)
	if agent.KnowledgeBaseID == "" || o.stores.Knowledge == nil {
		return prompt
	}
	kb, err := o.stores.Knowledge.KnowledgeContext(ctx, agent.KnowledgeBaseID)
	if err != nil {
		o.logger.Warn("knowledge context unavailable", "knowledge_base_id", agent.KnowledgeBaseID, "error", err)
		return prompt
	}
	if strings.TrimSpace(kb) == "" {
		return prompt
	}
	return prompt + "\n\nUse the following company information when answering. " +
		"If the answer is not in it, say you will check and follow up.\n<knowledge>\n" + kb + "\n</knowledge>"
}

func (o *Orchestrator) voiceOptions(agent store.Agent) tts.SynthesizeOptions {
	return tts.SynthesizeOptions{
		Voice:      agent.Voice.Voice,
		Speed:      agent.Voice.Speed,
		Pitch:      agent.Voice.Pitch,
		Language:   o.language(agent),
		Format:     o.cfg.AudioFormat,
		SampleRate: o.cfg.SampleRate,
	}
}

func (o *Orchestrator) publishAudio(callID string, audio *tts.Synthesis) {
	o.bus.Publish(Event{Kind: EventAudioReady, CallID: callID, Audio: audio.Audio, Format: audio.Format})
}

func withCall(err error, callID string) error {
	var ce *core.Error
	if errors.As(err, &ce) && ce.CallID == "" {
		return ce.WithCall(callID)
	}
	return err
}

func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
