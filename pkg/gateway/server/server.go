package server

import (
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-callcenter/pkg/gateway/auth"
	"github.com/vango-go/vai-callcenter/pkg/gateway/config"
	"github.com/vango-go/vai-callcenter/pkg/gateway/handlers"
	"github.com/vango-go/vai-callcenter/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-callcenter/pkg/gateway/mw"
	"github.com/vango-go/vai-callcenter/pkg/store"
)

// Deps are the components the HTTP surface routes to. Nil optional members
// disable their routes.
type Deps struct {
	Calls         handlers.CallControl
	Telephony     handlers.Telephony
	AI            handlers.Conversations
	Assigner      handlers.Assigner
	Conversations store.Conversations
	Agents        store.Agents
	// CallEvents and AIEvents feed the event stream.
	CallEvents    handlers.CallEvents
	AIEvents      handlers.AIEvents
	// Operators serves the operator WebSocket.
	Operators     http.Handler
	Tokens        *auth.Tokens
	Lifecycle     *lifecycle.Lifecycle
	Providers     []string
}

type Server struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger
	mux    *http.ServeMux
}

func New(cfg config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{
		Lifecycle: s.deps.Lifecycle,
		Telephony: s.deps.Telephony,
		Providers: s.deps.Providers,
	})

	if s.deps.Calls != nil {
		calls := handlers.CallsHandler{
			Calls:         s.deps.Calls,
			Conversations: s.deps.Conversations,
			Agents:        s.deps.Agents,
			Assigner:      s.deps.Assigner,
			Lifecycle:     s.deps.Lifecycle,
			Logger:        s.logger,
		}
		s.mux.HandleFunc("POST /v1/calls", calls.Place)
		s.mux.HandleFunc("GET /v1/calls", calls.List)
		s.mux.HandleFunc("GET /v1/calls/{id}", calls.Get)
		s.mux.HandleFunc("DELETE /v1/calls/{id}", calls.Hangup)
		s.mux.HandleFunc("POST /v1/calls/{id}/dtmf", calls.DTMF)

		if s.deps.AI != nil {
			ai := handlers.AIHandler{Calls: s.deps.Calls, AI: s.deps.AI}
			s.mux.HandleFunc("POST /v1/calls/{id}/ai", ai.Start)
			s.mux.HandleFunc("GET /v1/calls/{id}/ai", ai.History)
			s.mux.HandleFunc("DELETE /v1/calls/{id}/ai", ai.End)
			s.mux.HandleFunc("POST /v1/calls/{id}/ai/messages", ai.Message)
		}
	}

	if s.deps.CallEvents != nil || s.deps.AIEvents != nil {
		s.mux.Handle("GET /v1/events", handlers.EventsHandler{
			Calls:     s.deps.CallEvents,
			AI:        s.deps.AIEvents,
			Lifecycle: s.deps.Lifecycle,
			KeepAlive: s.cfg.WSPingInterval,
		})
	}
	if s.deps.Operators != nil {
		s.mux.Handle("GET /v1/operators/ws", s.deps.Operators)
	}
	if s.deps.Tokens != nil {
		s.mux.Handle("POST /v1/operators/tokens", handlers.TokensHandler{Tokens: s.deps.Tokens})
	}

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.MaxBody(s.cfg.MaxBodyBytes, h)
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg.AllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
