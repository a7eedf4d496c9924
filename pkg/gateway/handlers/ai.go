package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/vango-go/vai-callcenter/pkg/core"
	"github.com/vango-go/vai-callcenter/pkg/core/calls"
)

// Conversations is the AI orchestrator surface the REST API drives.
type Conversations interface {
	StartSession(ctx context.Context, callID, agentID string, direction calls.Direction) (string, error)
	StartStream(ctx context.Context, callID, agentID string, direction calls.Direction) error
	ProcessUserMessage(ctx context.Context, callID, text string) (string, error)
	History(callID string) ([]core.Message, bool)
	Active(callID string) bool
	EndSession(ctx context.Context, callID string) error
}

// AIHandler serves /v1/calls/{id}/ai.
type AIHandler struct {
	Calls CallControl
	AI    Conversations
}

type startAIRequest struct {
	AgentID string `json:"agentId"`
	// Mode is "turns" (default) or "live".
	Mode string `json:"mode,omitempty"`
}

type startAIResponse struct {
	CallID   string `json:"callId"`
	Mode     string `json:"mode"`
	Greeting string `json:"greeting,omitempty"`
}

// Start binds an agent to a live call.
func (h AIHandler) Start(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	var req startAIRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		writeErr(w, r, core.NewInvalidRequestError("agentId is required"))
		return
	}
	snap, ok := h.Calls.Call(callID)
	if !ok {
		writeErr(w, r, core.NewNotFoundError("call not found").WithCall(callID))
		return
	}

	resp := startAIResponse{CallID: callID, Mode: req.Mode}
	switch req.Mode {
	case "", "turns":
		resp.Mode = "turns"
		greeting, err := h.AI.StartSession(r.Context(), callID, req.AgentID, snap.Direction)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		resp.Greeting = greeting
	case "live":
		if err := h.AI.StartStream(r.Context(), callID, req.AgentID, snap.Direction); err != nil {
			writeErr(w, r, err)
			return
		}
	default:
		writeErr(w, r, core.NewInvalidRequestError(`mode must be "turns" or "live"`))
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

type messageRequest struct {
	Text string `json:"text"`
}

// Message runs one caller turn.
func (h AIHandler) Message(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	reply, err := h.AI.ProcessUserMessage(r.Context(), callID, req.Text)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"callId": callID, "reply": reply})
}

// History returns the turn history of the call's AI session.
func (h AIHandler) History(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	history, ok := h.AI.History(callID)
	if !ok {
		writeErr(w, r, core.NewNotFoundError("no ai session").WithCall(callID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"callId":   callID,
		"active":   h.AI.Active(callID),
		"messages": history,
	})
}

// End ends the AI session. Ending an unknown session is not an error.
func (h AIHandler) End(w http.ResponseWriter, r *http.Request) {
	if err := h.AI.EndSession(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
