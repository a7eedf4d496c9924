// Package livestream bridges a call to a duplex conversational-audio engine
// over a WebSocket: setup, realtime audio input, streamed transcript and
// audio output, and tool calls.
package livestream

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/vango-go/vai-callcenter/pkg/core"
	"github.com/vango-go/vai-callcenter/pkg/core/events"
)

// GeminiLiveURL is the Gemini Live bidirectional endpoint.
const GeminiLiveURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

// EventKind identifies a bridge event.
type EventKind string

const (
	EventReady           EventKind = "ready"
	EventTranscriptDelta EventKind = "transcript-delta"
	// EventCallerTurn carries the caller's transcribed utterance. It is
	// emitted before the reply it prompted.
	EventCallerTurn   EventKind = "caller-turn"
	EventTurnComplete EventKind = "turn-complete"
	EventAudio        EventKind = "audio"
	EventInterrupted  EventKind = "interrupted"
	// EventClosed reports a transport failure. A local Disconnect does not emit it.
	EventClosed EventKind = "closed"
)

// Event is emitted to subscribers in arrival order.
type Event struct {
	Kind     EventKind
	Text     string
	Audio    []byte
	MIMEType string
	Err      error
}

// Config describes one stream.
type Config struct {
	URL    string
	APIKey string
	Header http.Header

	Model       string
	Voice       string
	Language    string
	Instruction string
	Temperature *float64
	Tools       []Tool

	// InputMIMEType labels realtime audio chunks, e.g. "audio/pcm;rate=8000".
	InputMIMEType string

	DialTimeout  time.Duration
	DialAttempts uint64
	WriteTimeout time.Duration
	PingInterval time.Duration
	ToolTimeout  time.Duration
	QueueSize    int
}

func (c *Config) withDefaults() {
	if c.InputMIMEType == "" {
		c.InputMIMEType = "audio/pcm;rate=16000"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.DialAttempts == 0 {
		c.DialAttempts = 3
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
}

// Bridge owns at most one live connection at a time.
type Bridge struct {
	cfg      Config
	logger   *slog.Logger
	handlers map[string]ToolHandler
	bus      *events.Bus[Event]
	dropped  atomic.Int64

	mu     sync.Mutex
	cur    *connection
	closed bool
	wg     sync.WaitGroup
}

type connection struct {
	ws       *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	priority chan []byte
	normal   chan []byte
	ready    chan struct{}

	readyOnce  sync.Once
	closeOnce  sync.Once
	transcript strings.Builder
	input      strings.Builder
}

// New creates a bridge. Nothing is dialed until Connect.
func New(cfg Config, logger *slog.Logger) *Bridge {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	handlers := make(map[string]ToolHandler, len(cfg.Tools))
	for _, t := range cfg.Tools {
		handlers[t.Declaration.Name] = t.Handler
	}
	return &Bridge{
		cfg:      cfg,
		logger:   logger,
		handlers: handlers,
		bus:      events.NewBus[Event](),
	}
}

// Subscribe registers fn for bridge events.
func (b *Bridge) Subscribe(fn func(Event)) (unsubscribe func()) {
	return b.bus.Subscribe(fn)
}

// Connect dials the engine and sends setup once the transport is open.
// It returns before the remote side acknowledges setup; see WaitReady.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return core.NewInvalidStateError("live stream closed")
	}
	if b.cur != nil {
		b.mu.Unlock()
		return core.NewInvalidStateError("live stream already connected")
	}
	b.mu.Unlock()

	setup, err := encodeSetup(b.setup())
	if err != nil {
		return fmt.Errorf("encode setup: %w", err)
	}

	ws, err := b.dial(ctx)
	if err != nil {
		return core.NewProviderError("livestream", err)
	}

	_ = ws.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, setup); err != nil {
		_ = ws.Close()
		return core.NewProviderError("livestream", fmt.Errorf("send setup: %w", err))
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &connection{
		ws:       ws,
		ctx:      connCtx,
		cancel:   cancel,
		priority: make(chan []byte, 16),
		normal:   make(chan []byte, b.cfg.QueueSize),
		ready:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed || b.cur != nil {
		closed := b.closed
		b.mu.Unlock()
		cancel()
		_ = ws.Close()
		if closed {
			return core.NewInvalidStateError("live stream closed")
		}
		return core.NewInvalidStateError("live stream already connected")
	}
	b.cur = c
	b.mu.Unlock()

	b.wg.Add(2)
	go b.writeLoop(c)
	go b.readLoop(c)
	return nil
}

func (b *Bridge) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := b.targetURL()
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: b.cfg.DialTimeout}

	backoff := retry.NewExponential(200 * time.Millisecond)
	backoff = retry.WithCappedDuration(2*time.Second, backoff)
	backoff = retry.WithMaxRetries(b.cfg.DialAttempts-1, backoff)

	var ws *websocket.Conn
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		dialCtx, cancel := context.WithTimeout(ctx, b.cfg.DialTimeout)
		defer cancel()
		conn, resp, err := dialer.DialContext(dialCtx, target, b.cfg.Header)
		if err != nil {
			// A handshake rejected with a client error will not improve on retry.
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return fmt.Errorf("dial: status %d: %w", resp.StatusCode, err)
			}
			b.logger.Warn("live stream dial failed", "error", err)
			return retry.RetryableError(fmt.Errorf("dial: %w", err))
		}
		ws = conn
		return nil
	})
	return ws, err
}

func (b *Bridge) targetURL() (string, error) {
	u, err := url.Parse(b.cfg.URL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid live stream url %q", b.cfg.URL)
	}
	if b.cfg.APIKey != "" {
		q := u.Query()
		q.Set("key", b.cfg.APIKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (b *Bridge) setup() *Setup {
	model := b.cfg.Model
	if model != "" && !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	s := &Setup{
		Model: model,
		GenerationConfig: &GenerationConfig{
			Temperature:        b.cfg.Temperature,
			ResponseModalities: []string{"AUDIO"},
		},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}
	if b.cfg.Voice != "" || b.cfg.Language != "" {
		s.GenerationConfig.SpeechConfig = &SpeechConfig{
			VoiceConfig:  VoiceConfig{PrebuiltVoiceConfig: PrebuiltVoice{VoiceName: b.cfg.Voice}},
			LanguageCode: b.cfg.Language,
		}
	}
	if b.cfg.Instruction != "" {
		s.SystemInstruction = &Content{Parts: []Part{{Text: b.cfg.Instruction}}}
	}
	if len(b.cfg.Tools) > 0 {
		decls := make([]FunctionDeclaration, 0, len(b.cfg.Tools))
		for _, t := range b.cfg.Tools {
			decls = append(decls, t.Declaration)
		}
		s.Tools = []ToolSet{{FunctionDeclarations: decls}}
	}
	return s
}

// Connected reports whether the transport is open.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur != nil
}

// WaitReady blocks until the remote side acknowledges setup.
func (b *Bridge) WaitReady(ctx context.Context) error {
	b.mu.Lock()
	c := b.cur
	b.mu.Unlock()
	if c == nil {
		return core.NewInvalidStateError("live stream not connected")
	}
	select {
	case <-c.ready:
		return nil
	case <-c.ctx.Done():
		return core.NewInvalidStateError("live stream closed before ready")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendAudio queues one raw audio chunk. Chunks are written in call order.
// It reports false and drops the chunk when the transport is not open.
func (b *Bridge) SendAudio(chunk []byte) bool {
	if len(chunk) == 0 {
		return false
	}
	frame, err := encodeAudio(b.cfg.InputMIMEType, base64.StdEncoding.EncodeToString(chunk))
	if err != nil {
		return false
	}
	return b.send(frame, false)
}

// Dropped returns how many outbound messages were discarded because the
// transport was not open.
func (b *Bridge) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bridge) send(frame []byte, priority bool) bool {
	b.mu.Lock()
	c := b.cur
	b.mu.Unlock()
	if c == nil {
		b.drop("not connected")
		return false
	}
	return b.sendTo(c, frame, priority)
}

func (b *Bridge) sendTo(c *connection, frame []byte, priority bool) bool {
	queue := c.normal
	if priority {
		queue = c.priority
	}
	select {
	case <-c.ctx.Done():
		b.drop("connection closed")
		return false
	default:
	}
	select {
	case queue <- frame:
		return true
	case <-c.ctx.Done():
		b.drop("connection closed")
		return false
	}
}

func (b *Bridge) drop(reason string) {
	n := b.dropped.Add(1)
	b.logger.Warn("live stream message dropped", "reason", reason, "dropped", n)
}

// Disconnect closes the transport and clears local state. It is idempotent.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	c := b.cur
	b.cur = nil
	b.mu.Unlock()
	if c != nil {
		c.close(b.cfg.WriteTimeout)
	}
	b.wg.Wait()
}

// Close disconnects and stops event delivery. A Connect in flight or
// later fails.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Disconnect()
	b.bus.Close()
}

func (c *connection) close(writeTimeout time.Duration) bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.cancel()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		_ = c.ws.Close()
	})
	return first
}

func (b *Bridge) fail(c *connection, err error) {
	if !c.close(b.cfg.WriteTimeout) {
		return
	}
	b.mu.Lock()
	if b.cur == c {
		b.cur = nil
	}
	b.mu.Unlock()
	b.logger.Warn("live stream transport failed", "error", err)
	b.bus.Publish(Event{Kind: EventClosed, Err: err})
}

func (b *Bridge) writeLoop(c *connection) {
	defer b.wg.Done()

	ping := time.NewTicker(b.cfg.PingInterval)
	defer ping.Stop()

	write := func(frame []byte) bool {
		_ = c.ws.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			b.fail(c, fmt.Errorf("write: %w", err))
			return false
		}
		return true
	}

	for {
		// Tool responses go ahead of queued audio.
		select {
		case frame := <-c.priority:
			if !write(frame) {
				return
			}
			continue
		default:
		}

		select {
		case <-c.ctx.Done():
			return
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(b.cfg.WriteTimeout)); err != nil {
				b.fail(c, fmt.Errorf("ping: %w", err))
				return
			}
		case frame := <-c.priority:
			if !write(frame) {
				return
			}
		case frame := <-c.normal:
			if !write(frame) {
				return
			}
		}
	}
}

func (b *Bridge) readLoop(c *connection) {
	defer b.wg.Done()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			b.fail(c, fmt.Errorf("read: %w", err))
			return
		}
		msg, err := DecodeServerMessage(data)
		if err != nil {
			b.logger.Warn("live stream frame ignored", "error", err)
			continue
		}
		b.handle(c, msg)
	}
}

func (b *Bridge) handle(c *connection, msg *ServerMessage) {
	if msg.SetupComplete != nil {
		c.readyOnce.Do(func() { close(c.ready) })
		b.bus.Publish(Event{Kind: EventReady})
	}

	if sc := msg.ServerContent; sc != nil {
		if sc.InputTranscription != nil {
			c.input.WriteString(sc.InputTranscription.Text)
		}
		if sc.ModelTurn != nil || sc.OutputTranscription != nil || sc.TurnComplete {
			b.flushInput(c)
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part.Text != "" {
					b.appendTranscript(c, part.Text)
				}
				if part.InlineData != nil {
					audio, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
					if err != nil {
						b.logger.Warn("live stream audio not base64", "error", err)
						continue
					}
					b.bus.Publish(Event{Kind: EventAudio, Audio: audio, MIMEType: part.InlineData.MIMEType})
				}
			}
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			b.appendTranscript(c, sc.OutputTranscription.Text)
		}
		if sc.Interrupted {
			b.bus.Publish(Event{Kind: EventInterrupted})
		}
		if sc.TurnComplete {
			text := strings.TrimSpace(c.transcript.String())
			c.transcript.Reset()
			b.bus.Publish(Event{Kind: EventTurnComplete, Text: text})
		}
	}

	if tc := msg.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			b.wg.Add(1)
			go b.dispatch(c, fc)
		}
	}

	if cancel := msg.ToolCallCancellation; cancel != nil {
		b.logger.Debug("live stream tool calls cancelled", "ids", cancel.IDs)
	}
	if msg.GoAway != nil {
		b.logger.Warn("live stream server going away", "time_left", msg.GoAway.TimeLeft)
	}
}

// flushInput emits the caller utterance gathered since the last one.
func (b *Bridge) flushInput(c *connection) {
	text := strings.TrimSpace(c.input.String())
	c.input.Reset()
	if text != "" {
		b.bus.Publish(Event{Kind: EventCallerTurn, Text: text})
	}
}

func (b *Bridge) appendTranscript(c *connection, text string) {
	c.transcript.WriteString(text)
	b.bus.Publish(Event{Kind: EventTranscriptDelta, Text: text})
}

// dispatch always answers the call, with an error body when the handler
// is missing or fails.
func (b *Bridge) dispatch(c *connection, fc FunctionCall) {
	defer b.wg.Done()

	response := b.runTool(c.ctx, fc)
	frame, err := encodeToolResponse(FunctionResponse{ID: fc.ID, Name: fc.Name, Response: response})
	if err != nil {
		frame, _ = encodeToolResponse(FunctionResponse{
			ID:       fc.ID,
			Name:     fc.Name,
			Response: map[string]any{"error": "response not encodable"},
		})
	}
	b.sendTo(c, frame, true)
}

func (b *Bridge) runTool(ctx context.Context, fc FunctionCall) (out map[string]any) {
	handler, ok := b.handlers[fc.Name]
	if !ok {
		b.logger.Warn("live stream unknown tool", "tool", fc.Name)
		return map[string]any{"error": fmt.Sprintf("unknown function %q", fc.Name)}
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("live stream tool panicked", "tool", fc.Name, "panic", r)
			out = map[string]any{"error": "tool failed"}
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, b.cfg.ToolTimeout)
	defer cancel()

	result, err := handler(ctx, fc.Args)
	if err != nil {
		b.logger.Warn("live stream tool failed", "tool", fc.Name, "error", err)
		return map[string]any{"error": err.Error()}
	}
	if result == nil {
		result = map[string]any{}
	}
	return result
}
