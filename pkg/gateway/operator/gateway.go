// Package operator is the WebSocket gateway for human operators: it tracks
// registered operator sessions, relays call lifecycle and AI events to them,
// executes their call commands, and post-processes recorded calls.
package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-callcenter/pkg/core"
	"github.com/vango-go/vai-callcenter/pkg/core/calls"
	"github.com/vango-go/vai-callcenter/pkg/core/conversation"
	"github.com/vango-go/vai-callcenter/pkg/core/engine"
	"github.com/vango-go/vai-callcenter/pkg/core/voice/stt"
	"github.com/vango-go/vai-callcenter/pkg/gateway/apierror"
	"github.com/vango-go/vai-callcenter/pkg/gateway/auth"
	"github.com/vango-go/vai-callcenter/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-callcenter/pkg/objectstore"
	"github.com/vango-go/vai-callcenter/pkg/signaling"
	"github.com/vango-go/vai-callcenter/pkg/store"
)

// Signaling is the part of the signaling adapter the gateway drives.
type Signaling interface {
	PlaceCall(ctx context.Context, number, from string) (calls.Snapshot, error)
	Hangup(ctx context.Context, callID string) error
	SendDigits(ctx context.Context, callID, digits string) error
	Call(callID string) (calls.Snapshot, bool)
	Subscribe(fn func(signaling.Event)) (unsubscribe func())
}

// AI is the part of the conversation orchestrator the gateway uses.
type AI interface {
	StreamAudio(callID string, chunk []byte) bool
	Subscribe(fn func(conversation.Event)) (unsubscribe func())
}

// Analyzer transcribes and reviews finished recordings.
type Analyzer interface {
	Transcribe(ctx context.Context, audio []byte, opts stt.TranscribeOptions) (string, error)
	Analyze(ctx context.Context, transcript, language string) (*engine.Analysis, error)
}

// Config tunes the gateway.
type Config struct {
	PingInterval       time.Duration
	WriteTimeout       time.Duration
	CommandTimeout     time.Duration
	PostProcessTimeout time.Duration
	MaxMessageBytes    int64
	OutboxSize         int

	// AllowedOrigins restricts browser origins; empty allows any.
	AllowedOrigins []string

	// Recording shape, used for upload naming and transcription.
	AudioFormat string
	SampleRate  int
	Language    string
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 15 * time.Second
	}
	if c.PostProcessTimeout <= 0 {
		c.PostProcessTimeout = 2 * time.Minute
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = 256
	}
	if c.AudioFormat == "" {
		c.AudioFormat = "mulaw"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 8000
	}
	return c
}

// Deps are the gateway's collaborators. AI and Lifecycle are optional.
type Deps struct {
	Signaling     Signaling
	Conversations store.Conversations
	Uploader      objectstore.Uploader
	Analyzer      Analyzer
	AI            AI
	Tokens        *auth.Tokens
	Lifecycle     *lifecycle.Lifecycle
	Logger        *slog.Logger
}

// Gateway is an http.Handler for operator WebSocket connections.
type Gateway struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	unsubs  []func()

	mu       sync.RWMutex
	sessions map[string]*Session
	clients  map[*client]struct{}
	closed   bool

	// stopped refuses new post-processing once connections have drained.
	stopped bool
	conns   sync.WaitGroup
	jobs    sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Gateway, error) {
	switch {
	case deps.Signaling == nil:
		return nil, errors.New("operator gateway: signaling is required")
	case deps.Conversations == nil:
		return nil, errors.New("operator gateway: conversation store is required")
	case deps.Uploader == nil:
		return nil, errors.New("operator gateway: uploader is required")
	case deps.Analyzer == nil:
		return nil, errors.New("operator gateway: analyzer is required")
	case deps.Tokens == nil:
		return nil, errors.New("operator gateway: token verifier is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:      cfg.withDefaults(),
		deps:     deps,
		logger:   logger,
		baseCtx:  ctx,
		stop:     cancel,
		sessions: make(map[string]*Session),
		clients:  make(map[*client]struct{}),
	}
	g.unsubs = append(g.unsubs, deps.Signaling.Subscribe(g.onCallEvent))
	if deps.AI != nil {
		g.unsubs = append(g.unsubs, deps.AI.Subscribe(g.onAIEvent))
	}
	return g, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierror.WriteError(w, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}
	if g.deps.Lifecycle.IsDraining() {
		apierror.WriteError(w, &core.Error{Type: core.ErrCapacity, Message: "gateway is draining", Code: "draining"}, http.StatusServiceUnavailable)
		return
	}
	token, ok := auth.HandshakeToken(r)
	if !ok {
		apierror.WriteError(w, core.NewAuthenticationError("missing operator token"), http.StatusUnauthorized)
		return
	}
	principal, err := g.deps.Tokens.Verify(token)
	if err != nil {
		apierror.WriteError(w, core.NewAuthenticationError("invalid operator token"), http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: g.originAllowed}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newClient(ws, principal, g.cfg.OutboxSize, g.logger)
	if !g.track(c) {
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(g.cfg.WriteTimeout))
		_ = ws.Close()
		return
	}
	defer g.untrack(c)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writeLoop(g.cfg.PingInterval, g.cfg.WriteTimeout, g.deps.Lifecycle.Drained())
	}()

	g.logger.Info("operator connected", "operator_id", principal.OperatorID)
	g.readLoop(c)
	c.close()
	<-done
	g.disconnect(c)
}

func (g *Gateway) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(g.cfg.AllowedOrigins, origin)
}

func (g *Gateway) track(c *client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.clients[c] = struct{}{}
	g.conns.Add(1)
	return true
}

func (g *Gateway) untrack(c *client) {
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
	g.conns.Done()
}

func (g *Gateway) readLoop(c *client) {
	c.ws.SetReadLimit(g.cfg.MaxMessageBytes)
	pongWait := 2 * g.cfg.PingInterval
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage {
			c.send(errorNotification("", "", "binary frames are not supported"))
			continue
		}
		msg, err := DecodeClientMessage(data)
		if err != nil {
			c.send(errorNotification("", "", err.Error()))
			continue
		}
		g.handle(c, msg)
	}
}

// Operators returns the registered operator identifiers, sorted.
func (g *Gateway) Operators() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.sessions))
	for id := range g.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Session returns the registered session for operatorID.
func (g *Gateway) Session(operatorID string) (*Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[operatorID]
	return s, ok
}

// sessionFor resolves a session by transport connection.
func (g *Gateway) sessionFor(c *client) *Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, s := range g.sessions {
		if s.client == c {
			return s
		}
	}
	return nil
}

// ownerOf returns the operator whose current call is callID.
func (g *Gateway) ownerOf(callID string) *Session {
	if callID == "" {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, s := range g.sessions {
		if s.CurrentCall() == callID {
			return s
		}
	}
	return nil
}

// claim makes callID s's current call unless s is busy or another operator
// already owns it.
func (g *Gateway) claim(s *Session, callID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur := s.CurrentCall(); cur != "" {
		return core.NewInvalidStateError(fmt.Sprintf("operator is already on call %s", cur))
	}
	for _, other := range g.sessions {
		if other != s && other.CurrentCall() == callID {
			return core.NewInvalidStateError("call is handled by another operator").WithCall(callID)
		}
	}
	s.beginCall(callID)
	return nil
}

func (g *Gateway) broadcast(n Notification) {
	g.mu.RLock()
	targets := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		targets = append(targets, s)
	}
	g.mu.RUnlock()
	for _, s := range targets {
		s.notify(n)
	}
}

// disconnect removes the connection's session and hangs up its call.
func (g *Gateway) disconnect(c *client) {
	g.mu.Lock()
	var s *Session
	for id, candidate := range g.sessions {
		if candidate.client == c {
			s = candidate
			delete(g.sessions, id)
			break
		}
	}
	g.mu.Unlock()
	if s == nil {
		g.logger.Info("operator disconnected before registering", "operator_id", c.principal.OperatorID)
		return
	}

	callID := s.CurrentCall()
	g.logger.Info("operator disconnected", "operator_id", s.id, "call_id", callID)
	if callID == "" {
		return
	}
	chunks, _ := s.detach(callID)
	ctx, cancel := context.WithTimeout(g.baseCtx, g.cfg.CommandTimeout)
	defer cancel()
	if err := g.deps.Signaling.Hangup(ctx, callID); err != nil && !core.IsNotFound(err) {
		g.logger.Warn("hangup on operator disconnect failed", "operator_id", s.id, "call_id", callID, "error", err)
	}
	g.startPostProcess(s, callID, chunks)
}

// Close stops event relays, disconnects every operator and waits for
// in-flight post-processing until ctx ends.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	clients := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, unsub := range g.unsubs {
		unsub()
	}
	for _, c := range clients {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		g.conns.Wait()
		g.mu.Lock()
		g.stopped = true
		g.mu.Unlock()
		g.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		g.stop()
		return nil
	case <-ctx.Done():
		g.stop()
		return ctx.Err()
	}
}

func errMessage(err error) string {
	var ce *core.Error
	if errors.As(err, &ce) && ce != nil {
		return ce.Message
	}
	return err.Error()
}
