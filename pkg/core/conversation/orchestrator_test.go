package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/vango-go/vai-callcenter/pkg/core"
	"github.com/vango-go/vai-callcenter/pkg/core/calls"
	"github.com/vango-go/vai-callcenter/pkg/core/engine"
	"github.com/vango-go/vai-callcenter/pkg/core/voice"
	"github.com/vango-go/vai-callcenter/pkg/core/voice/tts"
	"github.com/vango-go/vai-callcenter/pkg/store"
	"github.com/vango-go/vai-callcenter/pkg/store/memory"
)

type fakeEngine struct {
	mu        sync.Mutex
	replies   []string
	genErr    error
	synthErr  error
	requests  []*core.GenerateRequest
	synthesis []string
	// synthGate, when set, holds Synthesize until closed or ctx ends.
	synthGate chan struct{}
}

func (f *fakeEngine) Generate(ctx context.Context, req *core.GenerateRequest) (*core.GenerateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.genErr != nil {
		return nil, f.genErr
	}
	text := "ok"
	if len(f.replies) > 0 {
		text, f.replies = f.replies[0], f.replies[1:]
	}
	return &core.GenerateResponse{Text: text, Model: req.Model}, nil
}

func (f *fakeEngine) Synthesize(ctx context.Context, text string, opts tts.SynthesizeOptions) (*tts.Synthesis, error) {
	if f.synthGate != nil {
		select {
		case <-f.synthGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synthesis = append(f.synthesis, text)
	if f.synthErr != nil {
		return nil, f.synthErr
	}
	return &tts.Synthesis{Audio: []byte("audio:" + text), Format: opts.Format}, nil
}

func (f *fakeEngine) lastRequest() *core.GenerateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store  *memory.Store
	engine *fakeEngine
	orch   *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	st.PutAgent(store.Agent{
		ID:               "agent-1",
		Prompt:           "You are a dental clinic receptionist.",
		Language:         "en",
		InboundGreeting:  "Hi, thanks for calling.",
		OutboundGreeting: "Hello, this is the clinic.",
	})
	eng := &fakeEngine{}
	o := New(Config{DefaultModel: "openai/gpt-4o-mini"}, storesOf(st), eng, nil, quietLogger())
	t.Cleanup(func() { o.Shutdown(context.Background()) })
	return &fixture{store: st, engine: eng, orch: o}
}

func storesOf(st *memory.Store) Stores {
	return Stores{Agents: st, Conversations: st, Knowledge: st, Appointments: st}
}

func (f *fixture) conversation(t *testing.T, callID string) {
	t.Helper()
	err := f.store.CreateConversation(context.Background(), &store.Conversation{
		CallID:    callID,
		AgentID:   "agent-1",
		Direction: string(calls.Inbound),
		Status:    store.ConversationActive,
	})
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
}

func collect(o *Orchestrator) func() []Event {
	var mu sync.Mutex
	var got []Event
	o.Subscribe(func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	return func() []Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]Event(nil), got...)
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartSession_GreetsByDirection(t *testing.T) {
	f := newFixture(t)
	f.conversation(t, "call-in")
	f.conversation(t, "call-out")

	in, err := f.orch.StartSession(context.Background(), "call-in", "agent-1", calls.Inbound)
	if err != nil {
		t.Fatalf("StartSession(inbound) error = %v", err)
	}
	out, err := f.orch.StartSession(context.Background(), "call-out", "agent-1", calls.Outbound)
	if err != nil {
		t.Fatalf("StartSession(outbound) error = %v", err)
	}
	if in != "Hi, thanks for calling." || out != "Hello, this is the clinic." {
		t.Fatalf("greetings = %q / %q", in, out)
	}

	hist, ok := f.orch.History("call-in")
	if !ok {
		t.Fatal("History() missing session")
	}
	want := []core.Message{{Role: core.RoleAssistant, Content: "Hi, thanks for calling."}}
	if diff := cmp.Diff(want, hist); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestStartSession_DefaultGreetingAndAudio(t *testing.T) {
	f := newFixture(t)
	f.store.PutAgent(store.Agent{ID: "bare", Prompt: "p"})
	f.conversation(t, "c1")
	events := collect(f.orch)

	greeting, err := f.orch.StartSession(context.Background(), "c1", "bare", calls.Inbound)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if greeting != DefaultGreeting {
		t.Fatalf("greeting = %q, want default", greeting)
	}
	eventually(t, func() bool { return len(events()) == 2 })
	got := events()
	if got[0].Kind != EventTurn || got[1].Kind != EventAudioReady {
		t.Fatalf("events = %+v", got)
	}
	if string(got[1].Audio) != "audio:"+DefaultGreeting || got[1].Format != "mulaw" {
		t.Fatalf("audio event = %+v", got[1])
	}
}

func TestStartSession_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.StartSession(ctx, "c1", "agent-1", calls.Inbound)
	if !core.IsType(err, core.ErrNotFound) {
		t.Fatalf("missing conversation err = %v, want not found", err)
	}

	f.conversation(t, "c1")
	_, err = f.orch.StartSession(ctx, "c1", "nobody", calls.Inbound)
	if !core.IsType(err, core.ErrNotFound) {
		t.Fatalf("missing agent err = %v, want not found", err)
	}

	if _, err := f.orch.StartSession(ctx, "c1", "agent-1", calls.Inbound); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	_, err = f.orch.StartSession(ctx, "c1", "agent-1", calls.Inbound)
	if !core.IsType(err, core.ErrInvalidState) {
		t.Fatalf("second start err = %v, want invalid state", err)
	}
}

func TestStartSession_SynthesisFailureLeavesNoSession(t *testing.T) {
	f := newFixture(t)
	f.conversation(t, "c1")
	f.engine.synthErr = errors.New("tts down")

	if _, err := f.orch.StartSession(context.Background(), "c1", "agent-1", calls.Inbound); err == nil {
		t.Fatal("expected error")
	}
	if f.orch.Active("c1") {
		t.Fatal("session should not be active")
	}
}

func TestProcessUserMessage_AppendsTurnsInOrder(t *testing.T) {
	f := newFixture(t)
	f.conversation(t, "c1")
	f.engine.replies = []string{"How can I help?", "Bye"}
	ctx := context.Background()

	if _, err := f.orch.StartSession(ctx, "c1", "agent-1", calls.Inbound); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	reply, err := f.orch.ProcessUserMessage(ctx, "c1", "Hello")
	if err != nil {
		t.Fatalf("ProcessUserMessage() error = %v", err)
	}
	if reply != "How can I help?" {
		t.Fatalf("reply = %q", reply)
	}
	if _, err := f.orch.ProcessUserMessage(ctx, "c1", "That's all"); err != nil {
		t.Fatalf("ProcessUserMessage() error = %v", err)
	}

	want := []core.Message{
		{Role: core.RoleAssistant, Content: "Hi, thanks for calling."},
		{Role: core.RoleUser, Content: "Hello"},
		{Role: core.RoleAssistant, Content: "How can I help?"},
		{Role: core.RoleUser, Content: "That's all"},
		{Role: core.RoleAssistant, Content: "Bye"},
	}
	hist, _ := f.orch.History("c1")
	if diff := cmp.Diff(want, hist); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}

	req := f.engine.lastRequest()
	if req.Model != "openai/gpt-4o-mini" || len(req.Messages) != 4 {
		t.Fatalf("request = %+v", req)
	}
	if req.System != "You are a dental clinic receptionist." {
		t.Fatalf("system = %q", req.System)
	}
}

func TestProcessUserMessage_IncludesKnowledge(t *testing.T) {
	f := newFixture(t)
	f.store.PutAgent(store.Agent{ID: "kb-agent", Prompt: "Answer questions.", KnowledgeBaseID: "kb-1"})
	f.store.AddKnowledge("kb-1", "Opening hours are 9 to 18.")
	f.conversation(t, "c1")
	ctx := context.Background()

	if _, err := f.orch.StartSession(ctx, "c1", "kb-agent", calls.Inbound); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if _, err := f.orch.ProcessUserMessage(ctx, "c1", "When are you open?"); err != nil {
		t.Fatalf("ProcessUserMessage() error = %v", err)
	}
	sys := f.engine.lastRequest().System
	if !strings.HasPrefix(sys, "Answer questions.") || !strings.Contains(sys, "Opening hours are 9 to 18.") {
		t.Fatalf("system = %q", sys)
	}
}

func TestProcessUserMessage_NoSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.ProcessUserMessage(context.Background(), "ghost", "Hello")
	if !core.IsType(err, core.ErrInvalidState) {
		t.Fatalf("err = %v, want invalid state", err)
	}
}

func TestProcessUserMessage_GenerationFailureAddsNoAssistantTurn(t *testing.T) {
	f := newFixture(t)
	f.conversation(t, "c1")
	ctx := context.Background()
	if _, err := f.orch.StartSession(ctx, "c1", "agent-1", calls.Inbound); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	f.engine.genErr = core.NewProviderError("openai", errors.New("boom"))

	if _, err := f.orch.ProcessUserMessage(ctx, "c1", "Hello"); err == nil {
		t.Fatal("expected error")
	}
	hist, _ := f.orch.History("c1")
	if len(hist) != 2 || hist[1].Role != core.RoleUser {
		t.Fatalf("history = %+v", hist)
	}
}

func TestProcessUserMessage_SynthesisFailureStillReturnsText(t *testing.T) {
	f := newFixture(t)
	f.conversation(t, "c1")
	f.engine.replies = []string{"Sure."}
	ctx := context.Background()
	if _, err := f.orch.StartSession(ctx, "c1", "agent-1", calls.Inbound); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	f.engine.synthErr = errors.New("tts down")

	reply, err := f.orch.ProcessUserMessage(ctx, "c1", "Hello")
	if err != nil || reply != "Sure." {
		t.Fatalf("reply = %q err = %v", reply, err)
	}
}

func TestEndSession_FlushesTranscriptOnce(t *testing.T) {
	f := newFixture(t)
	f.conversation(t, "c1")
	f.engine.replies = []string{"Bye"}
	ctx := context.Background()

	if _, err := f.orch.StartSession(ctx, "c1", "agent-1", calls.Inbound); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if _, err := f.orch.ProcessUserMessage(ctx, "c1", "Hello"); err != nil {
		t.Fatalf("ProcessUserMessage() error = %v", err)
	}
	if err := f.orch.EndSession(ctx, "c1"); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	conv, _ := f.store.FindByCallID(ctx, "c1")
	want := "assistant: Hi, thanks for calling.\nuser: Hello\nassistant: Bye"
	if conv.Transcript != want {
		t.Fatalf("transcript = %q, want %q", conv.Transcript, want)
	}

	if err := f.orch.EndSession(ctx, "c1"); err != nil {
		t.Fatalf("second EndSession() error = %v", err)
	}
	conv, _ = f.store.FindByCallID(ctx, "c1")
	if conv.Transcript != want {
		t.Fatalf("transcript changed to %q", conv.Transcript)
	}
	if f.orch.Active("c1") {
		t.Fatal("session still active")
	}
	if _, err := f.orch.ProcessUserMessage(ctx, "c1", "Hello?"); !core.IsType(err, core.ErrInvalidState) {
		t.Fatalf("err = %v, want invalid state", err)
	}
}

func TestStartSession_EndedDuringGreetingIsNotRevived(t *testing.T) {
	f := newFixture(t)
	f.conversation(t, "c1")
	f.engine.synthGate = make(chan struct{})
	events := collect(f.orch)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := f.orch.StartSession(ctx, "c1", "agent-1", calls.Inbound)
		errCh <- err
	}()
	eventually(t, func() bool { return f.orch.Active("c1") })

	if err := f.orch.EndSession(ctx, "c1"); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	close(f.engine.synthGate)

	if err := <-errCh; !core.IsType(err, core.ErrInvalidState) {
		t.Fatalf("StartSession() err = %v, want invalid state", err)
	}
	if f.orch.Active("c1") {
		t.Fatal("session active after the call ended")
	}
	if _, ok := f.orch.History("c1"); ok {
		t.Fatal("session still registered")
	}
	time.Sleep(20 * time.Millisecond)
	if got := events(); len(got) != 0 {
		t.Fatalf("events after ended start = %+v", got)
	}

	// A fresh start on the still-live call works.
	f.engine.synthGate = nil
	if _, err := f.orch.StartSession(ctx, "c1", "agent-1", calls.Inbound); err != nil {
		t.Fatalf("restart error = %v", err)
	}
}

func TestStartSession_ConcurrentStartIsRejected(t *testing.T) {
	f := newFixture(t)
	f.conversation(t, "c1")
	f.engine.synthGate = make(chan struct{})
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := f.orch.StartSession(ctx, "c1", "agent-1", calls.Inbound)
		errCh <- err
	}()
	eventually(t, func() bool { return f.orch.Active("c1") })

	if _, err := f.orch.StartSession(ctx, "c1", "agent-1", calls.Inbound); !core.IsType(err, core.ErrInvalidState) {
		t.Fatalf("second StartSession() err = %v, want invalid state", err)
	}
	close(f.engine.synthGate)
	if err := <-errCh; err != nil {
		t.Fatalf("first StartSession() error = %v", err)
	}
}

func TestTerminate_RejectsWorkBeforeReturning(t *testing.T) {
	f := newFixture(t)
	f.conversation(t, "c1")
	ctx := context.Background()
	if _, err := f.orch.StartSession(ctx, "c1", "agent-1", calls.Inbound); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	f.orch.Terminate("c1")
	if f.orch.Active("c1") {
		t.Fatal("session active after Terminate returned")
	}
	if _, err := f.orch.ProcessUserMessage(ctx, "c1", "Hello?"); !core.IsType(err, core.ErrInvalidState) {
		t.Fatalf("ProcessUserMessage() err = %v, want invalid state", err)
	}
	eventually(t, func() bool {
		conv, _ := f.store.FindByCallID(ctx, "c1")
		return conv.Transcript == "assistant: Hi, thanks for calling."
	})

	if _, err := f.orch.StartSession(ctx, "c1", "agent-1", calls.Inbound); !core.IsType(err, core.ErrInvalidState) {
		t.Fatalf("StartSession() after Terminate err = %v, want invalid state", err)
	}
	// Unknown calls are remembered too.
	f.orch.Terminate("c2")
	f.conversation(t, "c2")
	if _, err := f.orch.StartSession(ctx, "c2", "agent-1", calls.Inbound); !core.IsType(err, core.ErrInvalidState) {
		t.Fatalf("StartSession() for terminated call err = %v, want invalid state", err)
	}
}

type blockingGenerator struct{ name string }

func (g blockingGenerator) Name() string { return g.name }

func (g blockingGenerator) Generate(ctx context.Context, req *core.GenerateRequest) (*core.GenerateResponse, error) {
	<-ctx.Done()
	return nil, core.NewProviderError(g.name, ctx.Err())
}

type staticGenerator struct{ name, text string }

func (g staticGenerator) Name() string { return g.name }

func (g staticGenerator) Generate(ctx context.Context, req *core.GenerateRequest) (*core.GenerateResponse, error) {
	return &core.GenerateResponse{Text: g.text, Model: req.Model, Provider: g.name}, nil
}

type staticVoice struct{}

func (staticVoice) Name() string { return "static" }

func (staticVoice) Synthesize(ctx context.Context, text string, opts tts.SynthesizeOptions) (*tts.Synthesis, error) {
	return &tts.Synthesis{Audio: []byte(text), Format: opts.Format}, nil
}

func TestProcessUserMessage_FallbackProducesSingleAssistantTurn(t *testing.T) {
	st := memory.New()
	st.PutAgent(store.Agent{ID: "agent-1", Prompt: "p", InboundGreeting: "Hi"})
	eng := engine.New(engine.Config{
		Generators:     []core.Provider{blockingGenerator{name: "openai"}, staticGenerator{name: "groq", text: "From fallback"}},
		AttemptTimeout: 50 * time.Millisecond,
		Voice:          voice.NewPipelineWithProviders(nil, []tts.Provider{staticVoice{}}),
		Logger:         quietLogger(),
	})
	o := New(Config{}, storesOf(st), eng, nil, quietLogger())
	defer o.Shutdown(context.Background())
	ctx := context.Background()
	if err := st.CreateConversation(ctx, &store.Conversation{CallID: "c1", Direction: "inbound"}); err != nil {
		t.Fatal(err)
	}

	if _, err := o.StartSession(ctx, "c1", "agent-1", calls.Inbound); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	reply, err := o.ProcessUserMessage(ctx, "c1", "Hello")
	if err != nil {
		t.Fatalf("ProcessUserMessage() error = %v", err)
	}
	if reply != "From fallback" {
		t.Fatalf("reply = %q", reply)
	}
	hist, _ := o.History("c1")
	var assistant int
	for _, m := range hist[1:] {
		if m.Role == core.RoleAssistant {
			assistant++
		}
	}
	if assistant != 1 {
		t.Fatalf("history = %+v, want one assistant reply", hist)
	}
}
