package operator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-callcenter/pkg/core"
	"github.com/vango-go/vai-callcenter/pkg/core/calls"
	"github.com/vango-go/vai-callcenter/pkg/core/conversation"
	"github.com/vango-go/vai-callcenter/pkg/core/engine"
	"github.com/vango-go/vai-callcenter/pkg/core/events"
	"github.com/vango-go/vai-callcenter/pkg/core/voice/stt"
	"github.com/vango-go/vai-callcenter/pkg/gateway/auth"
	"github.com/vango-go/vai-callcenter/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-callcenter/pkg/objectstore"
	"github.com/vango-go/vai-callcenter/pkg/signaling"
	"github.com/vango-go/vai-callcenter/pkg/store"
	"github.com/vango-go/vai-callcenter/pkg/store/memory"
)

const testSecret = "operator-secret-0123456789"

type fakeSignaling struct {
	bus *events.Bus[signaling.Event]

	mu       sync.Mutex
	next     int
	calls    map[string]calls.Snapshot
	placed   []string
	hangups  []string
	digits   []string
	placeErr error
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{bus: events.NewBus[signaling.Event](), calls: make(map[string]calls.Snapshot)}
}

func (f *fakeSignaling) PlaceCall(_ context.Context, number, _ string) (calls.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return calls.Snapshot{}, f.placeErr
	}
	f.next++
	snap := calls.Snapshot{ID: fmt.Sprintf("call-%d", f.next), Direction: calls.Outbound, Number: number, Status: calls.StatusRinging}
	f.calls[snap.ID] = snap
	f.placed = append(f.placed, number)
	return snap, nil
}

func (f *fakeSignaling) Hangup(_ context.Context, callID string) error {
	f.mu.Lock()
	snap, ok := f.calls[callID]
	if !ok {
		f.mu.Unlock()
		return core.NewNotFoundError("call not found").WithCall(callID)
	}
	delete(f.calls, callID)
	f.hangups = append(f.hangups, callID)
	f.mu.Unlock()
	snap.Status = calls.StatusCompleted
	f.bus.Publish(signaling.Event{Kind: signaling.EventCallEnded, Call: snap, Reason: "hangup"})
	return nil
}

func (f *fakeSignaling) SendDigits(_ context.Context, callID, digits string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.calls[callID]
	if !ok {
		return core.NewNotFoundError("call not found").WithCall(callID)
	}
	if snap.Status != calls.StatusOngoing {
		return core.NewInvalidStateError("call is ringing, not ongoing").WithCall(callID)
	}
	f.digits = append(f.digits, digits)
	return nil
}

func (f *fakeSignaling) Call(callID string) (calls.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.calls[callID]
	return snap, ok
}

func (f *fakeSignaling) Subscribe(fn func(signaling.Event)) func() { return f.bus.Subscribe(fn) }

func (f *fakeSignaling) setStatus(callID string, st calls.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := f.calls[callID]
	snap.Status = st
	f.calls[callID] = snap
}

func (f *fakeSignaling) addInbound(callID, from string) calls.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := calls.Snapshot{ID: callID, Direction: calls.Inbound, Number: from, From: "+77270000000", Status: calls.StatusRinging}
	f.calls[callID] = snap
	return snap
}

func (f *fakeSignaling) hangupList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hangups...)
}

func (f *fakeSignaling) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

type fakeAnalyzer struct {
	transcribeErr error
}

func (a *fakeAnalyzer) Transcribe(_ context.Context, audio []byte, _ stt.TranscribeOptions) (string, error) {
	if a.transcribeErr != nil {
		return "", a.transcribeErr
	}
	return fmt.Sprintf("transcript of %d bytes", len(audio)), nil
}

func (a *fakeAnalyzer) Analyze(_ context.Context, transcript, _ string) (*engine.Analysis, error) {
	return &engine.Analysis{Summary: "summary: " + transcript, Sentiment: "positive"}, nil
}

type fakeAI struct {
	bus *events.Bus[conversation.Event]

	mu     sync.Mutex
	chunks map[string]int
}

func (a *fakeAI) StreamAudio(callID string, _ []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chunks[callID]++
	return true
}

func (a *fakeAI) Subscribe(fn func(conversation.Event)) func() { return a.bus.Subscribe(fn) }

func (a *fakeAI) streamed(callID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chunks[callID]
}

type harness struct {
	gw       *Gateway
	srv      *httptest.Server
	sig      *fakeSignaling
	ai       *fakeAI
	store    *memory.Store
	uploads  *objectstore.Memory
	analyzer *fakeAnalyzer
	tokens   *auth.Tokens
	lc       *lifecycle.Lifecycle
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tokens, err := auth.NewTokens(testSecret, "")
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		sig:      newFakeSignaling(),
		ai:       &fakeAI{bus: events.NewBus[conversation.Event](), chunks: make(map[string]int)},
		store:    memory.New(),
		uploads:  objectstore.NewMemory(),
		analyzer: &fakeAnalyzer{},
		tokens:   tokens,
		lc:       &lifecycle.Lifecycle{},
	}
	h.gw, err = New(Config{PingInterval: time.Second}, Deps{
		Signaling:     h.sig,
		Conversations: h.store,
		Uploader:      h.uploads,
		Analyzer:      h.analyzer,
		AI:            h.ai,
		Tokens:        tokens,
		Lifecycle:     h.lc,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.srv = httptest.NewServer(h.gw)
	t.Cleanup(func() {
		h.srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.gw.Close(ctx)
	})
	return h
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (h *harness) connect(t *testing.T, operatorID string) *testClient {
	t.Helper()
	token, err := h.tokens.Issue(operatorID, "Op "+operatorID, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (h *harness) register(t *testing.T, operatorID string) *testClient {
	t.Helper()
	c := h.connect(t, operatorID)
	c.send(ClientMessage{Type: TypeRegister})
	c.expect(TypeRegistered)
	return c
}

func (c *testClient) send(msg ClientMessage) {
	c.t.Helper()
	if err := c.conn.WriteJSON(msg); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) next() Notification {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var n Notification
	if err := c.conn.ReadJSON(&n); err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return n
}

func (c *testClient) expect(typ string) Notification {
	c.t.Helper()
	n := c.next()
	if n.Type != typ {
		c.t.Fatalf("notification = %+v, want type %q", n, typ)
	}
	return n
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

func TestHandshake_RequiresValidToken(t *testing.T) {
	h := newHarness(t)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: err = %v resp = %v", err, resp)
	}
	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=forged", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: err = %v resp = %v", err, resp)
	}
}

func TestHandshake_RefusedWhileDraining(t *testing.T) {
	h := newHarness(t)
	h.lc.SetDraining(true)
	token, _ := h.tokens.Issue("op-1", "", time.Hour)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/?token=" + token
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("err = %v resp = %v", err, resp)
	}
}

func TestStartCall_WithoutRegisterFails(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, "op-1")

	c.send(ClientMessage{Type: TypeStartCall, PhoneNumber: "+77011111111"})
	n := c.expect(TypeError)
	if n.Op != TypeStartCall || !strings.Contains(n.Message, "not registered") {
		t.Fatalf("error = %+v", n)
	}
	if got := h.sig.placedCount(); got != 0 {
		t.Fatalf("placed %d calls, want 0", got)
	}
}

func TestRegister_DuplicateRejected(t *testing.T) {
	h := newHarness(t)
	c := h.register(t, "op-1")

	c.send(ClientMessage{Type: TypeRegister})
	if n := c.expect(TypeError); !strings.Contains(n.Message, "already registered") {
		t.Fatalf("error = %+v", n)
	}

	other := h.connect(t, "op-1")
	other.send(ClientMessage{Type: TypeRegister})
	if n := other.expect(TypeError); !strings.Contains(n.Message, "already connected") {
		t.Fatalf("error = %+v", n)
	}
	if ops := h.gw.Operators(); len(ops) != 1 || ops[0] != "op-1" {
		t.Fatalf("operators = %v", ops)
	}
}

func TestStartCall_CreatesOutboundConversation(t *testing.T) {
	h := newHarness(t)
	c := h.register(t, "op-1")

	c.send(ClientMessage{Type: TypeStartCall, PhoneNumber: "+77011111111", LeadID: "lead-7"})
	n := c.expect(TypeCallStarted)
	if n.CallID != "call-1" || n.ConversationID == "" {
		t.Fatalf("call-started = %+v", n)
	}

	conv, err := h.store.FindByCallID(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("FindByCallID() error = %v", err)
	}
	if conv.Direction != "outbound" || conv.OperatorID != "op-1" || conv.LeadID != "lead-7" || conv.ID != n.ConversationID {
		t.Fatalf("conversation = %+v", conv)
	}
	s, _ := h.gw.Session("op-1")
	if s.CurrentCall() != "call-1" || !s.Recording() {
		t.Fatalf("session call = %q recording = %v", s.CurrentCall(), s.Recording())
	}

	c.send(ClientMessage{Type: TypeStartCall, PhoneNumber: "+77012222222"})
	if n := c.expect(TypeError); n.CallID != "call-1" {
		t.Fatalf("second start-call = %+v", n)
	}
}

func TestStartCall_SignalingFailureReported(t *testing.T) {
	h := newHarness(t)
	h.sig.placeErr = core.NewSignalingError("telephony unavailable", nil)
	c := h.register(t, "op-1")

	c.send(ClientMessage{Type: TypeStartCall, PhoneNumber: "+77011111111"})
	if n := c.expect(TypeError); n.Message != "telephony unavailable" {
		t.Fatalf("error = %+v", n)
	}
}

func TestCallLifecycle_RecordsAndPostProcesses(t *testing.T) {
	h := newHarness(t)
	c := h.register(t, "op-1")

	c.send(ClientMessage{Type: TypeStartCall, PhoneNumber: "+77011111111"})
	c.expect(TypeCallStarted)

	c.send(ClientMessage{Type: TypeAudioStream, CallID: "call-1", Chunk: []byte("abc")})
	c.send(ClientMessage{Type: TypeAudioStream, CallID: "call-1", Chunk: []byte("def")})
	c.send(ClientMessage{Type: TypeEndCall, CallID: "call-1"})

	ended := c.expect(TypeCallEnded)
	if ended.CallID != "call-1" || ended.Reason != "hangup" {
		t.Fatalf("call-ended = %+v", ended)
	}
	processed := c.expect(TypeCallProcessed)
	if processed.RecordingURL != "memory://recordings/call-1.ulaw" {
		t.Fatalf("recording url = %q", processed.RecordingURL)
	}
	if processed.Transcript != "transcript of 6 bytes" || processed.Analysis == nil || processed.Analysis.Sentiment != "positive" {
		t.Fatalf("call-processed = %+v", processed)
	}

	data, contentType, ok := h.uploads.Get("recordings/call-1.ulaw")
	if !ok || string(data) != "abcdef" || contentType != "audio/basic" {
		t.Fatalf("upload = %q %q %v", data, contentType, ok)
	}
	conv, _ := h.store.FindByCallID(context.Background(), "call-1")
	if conv.Status != store.ConversationCompleted || conv.Transcript != "transcript of 6 bytes" || conv.Analysis == nil {
		t.Fatalf("conversation = %+v", conv)
	}
	if got := h.ai.streamed("call-1"); got != 2 {
		t.Fatalf("streamed chunks = %d, want 2", got)
	}
	s, _ := h.gw.Session("op-1")
	if s.CurrentCall() != "" || s.Recording() {
		t.Fatal("session still bound to the call")
	}
}

func TestPostProcessFailure_NotifiesStage(t *testing.T) {
	h := newHarness(t)
	h.analyzer.transcribeErr = core.NewProviderError("stt", errors.New("unavailable"))
	c := h.register(t, "op-1")

	c.send(ClientMessage{Type: TypeStartCall, PhoneNumber: "+77011111111"})
	c.expect(TypeCallStarted)
	c.send(ClientMessage{Type: TypeAudioStream, Chunk: []byte("abc")})
	c.send(ClientMessage{Type: TypeEndCall})

	c.expect(TypeCallEnded)
	n := c.expect(TypeCallProcessingFailed)
	if n.Stage != StageTranscribe || n.CallID != "call-1" {
		t.Fatalf("call-processing-failed = %+v", n)
	}
	conv, _ := h.store.FindByCallID(context.Background(), "call-1")
	if conv.RecordingURL == "" {
		t.Fatal("recording url not kept after failure")
	}
}

func TestAudioStream_DroppedWhenNotRecording(t *testing.T) {
	h := newHarness(t)
	c := h.register(t, "op-1")

	c.send(ClientMessage{Type: TypeAudioStream, CallID: "call-9", Chunk: []byte("x")})
	c.send(ClientMessage{Type: TypeSendDTMF, CallID: "call-9", Digits: "1"})
	if n := c.expect(TypeError); n.Op != TypeSendDTMF {
		t.Fatalf("first notification = %+v, want the dtmf error", n)
	}
	s, _ := h.gw.Session("op-1")
	if s.DroppedChunks() != 1 {
		t.Fatalf("dropped = %d", s.DroppedChunks())
	}
	if h.ai.streamed("call-9") != 0 {
		t.Fatal("dropped chunk forwarded to ai")
	}
}

func TestSendDTMF(t *testing.T) {
	h := newHarness(t)
	c := h.register(t, "op-1")
	c.send(ClientMessage{Type: TypeStartCall, PhoneNumber: "+77011111111"})
	c.expect(TypeCallStarted)

	c.send(ClientMessage{Type: TypeSendDTMF, Digits: "12#"})
	if n := c.expect(TypeError); !strings.Contains(n.Message, "not ongoing") {
		t.Fatalf("ringing dtmf = %+v", n)
	}

	h.sig.setStatus("call-1", calls.StatusOngoing)
	c.send(ClientMessage{Type: TypeSendDTMF, Digits: "12#"})
	if n := c.expect(TypeDTMFSent); n.CallID != "call-1" || n.Digits != "12#" {
		t.Fatalf("dtmf-sent = %+v", n)
	}
}

func TestIncomingCall_BroadcastAndFirstAcceptWins(t *testing.T) {
	h := newHarness(t)
	a := h.register(t, "op-a")
	b := h.register(t, "op-b")

	snap := h.sig.addInbound("in-1", "+77011234567")
	h.sig.bus.Publish(signaling.Event{Kind: signaling.EventIncomingCall, Call: snap})

	for _, c := range []*testClient{a, b} {
		if n := c.expect(TypeIncomingCall); n.CallID != "in-1" || n.From != "+77011234567" {
			t.Fatalf("incoming-call = %+v", n)
		}
	}

	a.send(ClientMessage{Type: TypeAcceptCall, CallID: "in-1"})
	if n := a.expect(TypeCallAccepted); n.ConversationID == "" {
		t.Fatalf("call-accepted = %+v", n)
	}
	b.send(ClientMessage{Type: TypeAcceptCall, CallID: "in-1"})
	if n := b.expect(TypeError); !strings.Contains(n.Message, "another operator") {
		t.Fatalf("second accept = %+v", n)
	}

	h.sig.bus.Publish(signaling.Event{Kind: signaling.EventCallAnswered, Call: snap})
	a.expect(TypeCallAnswered)
}

func TestDisconnect_HangsUpCurrentCall(t *testing.T) {
	h := newHarness(t)
	c := h.register(t, "op-1")
	c.send(ClientMessage{Type: TypeStartCall, PhoneNumber: "+77011111111"})
	c.expect(TypeCallStarted)

	c.conn.Close()
	eventually(t, func() bool {
		hs := h.sig.hangupList()
		return len(hs) == 1 && hs[0] == "call-1"
	})
	eventually(t, func() bool { return len(h.gw.Operators()) == 0 })
}

func TestAIEvents_RelayedToOwner(t *testing.T) {
	h := newHarness(t)
	owner := h.register(t, "op-1")
	other := h.register(t, "op-2")
	owner.send(ClientMessage{Type: TypeStartCall, PhoneNumber: "+77011111111"})
	owner.expect(TypeCallStarted)

	h.ai.bus.Publish(conversation.Event{Kind: conversation.EventTranscriptDelta, CallID: "call-1", Text: "Hel"})
	h.ai.bus.Publish(conversation.Event{Kind: conversation.EventAudioReady, CallID: "call-1", Audio: []byte{1, 2}, Format: "mulaw"})
	h.ai.bus.Publish(conversation.Event{Kind: conversation.EventInterrupted, CallID: "call-1"})

	if n := owner.expect(TypeTranscriptDelta); n.Text != "Hel" {
		t.Fatalf("transcript-delta = %+v", n)
	}
	if n := owner.expect(TypeAudioReady); len(n.Audio) != 2 || n.Format != "mulaw" {
		t.Fatalf("audio-ready = %+v", n)
	}
	owner.expect(TypeInterrupted)

	other.send(ClientMessage{Type: TypeEndCall})
	if n := other.expect(TypeError); n.Op != TypeEndCall {
		t.Fatalf("other operator got %+v before its own error", n)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Fatal("expected error")
	}
}
