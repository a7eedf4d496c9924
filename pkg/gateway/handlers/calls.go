package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/vai-callcenter/pkg/core"
	"github.com/vango-go/vai-callcenter/pkg/core/calls"
	"github.com/vango-go/vai-callcenter/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-callcenter/pkg/store"
)

// CallControl is the signaling surface the REST API drives.
type CallControl interface {
	PlaceCall(ctx context.Context, number, from string) (calls.Snapshot, error)
	Hangup(ctx context.Context, callID string) error
	SendDigits(ctx context.Context, callID, digits string) error
	Call(callID string) (calls.Snapshot, bool)
	Calls() []calls.Snapshot
}

// Assigner hands an answered call to an AI agent.
type Assigner interface {
	Assign(callID, agentID string)
}

// CallsHandler serves /v1/calls.
type CallsHandler struct {
	Calls         CallControl
	Conversations store.Conversations
	Agents        store.Agents
	Assigner      Assigner
	Lifecycle     *lifecycle.Lifecycle
	Logger        *slog.Logger
}

type placeCallRequest struct {
	Number  string `json:"number"`
	From    string `json:"from,omitempty"`
	AgentID string `json:"agentId,omitempty"`
	LeadID  string `json:"leadId,omitempty"`
}

type callResponse struct {
	Call         *calls.Snapshot     `json:"call,omitempty"`
	Conversation *store.Conversation `json:"conversation,omitempty"`
}

// Place starts an outbound call. With agentId the AI agent takes the call
// once it is answered.
func (h CallsHandler) Place(w http.ResponseWriter, r *http.Request) {
	var req placeCallRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	req.Number = strings.TrimSpace(req.Number)
	if req.Number == "" {
		writeErr(w, r, core.NewInvalidRequestError("number is required"))
		return
	}
	if h.Lifecycle.IsDraining() {
		writeErr(w, r, core.NewCapacityError("server is draining"))
		return
	}
	if req.AgentID != "" {
		if h.Assigner == nil {
			writeErr(w, r, core.NewInvalidRequestError("ai agents are not enabled"))
			return
		}
		if _, err := h.Agents.GetAgent(r.Context(), req.AgentID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				err = core.NewNotFoundError("agent " + req.AgentID + " not found")
			}
			writeErr(w, r, err)
			return
		}
	}

	snap, err := h.Calls.PlaceCall(r.Context(), req.Number, req.From)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	conv := &store.Conversation{
		CallID:    snap.ID,
		AgentID:   req.AgentID,
		LeadID:    req.LeadID,
		Direction: string(calls.Outbound),
		Status:    store.ConversationActive,
	}
	if err := h.Conversations.CreateConversation(r.Context(), conv); err != nil {
		h.abandon(snap.ID)
		writeErr(w, r, err)
		return
	}
	if req.AgentID != "" {
		h.Assigner.Assign(snap.ID, req.AgentID)
	}
	writeJSON(w, http.StatusCreated, callResponse{Call: &snap, Conversation: conv})
}

func (h CallsHandler) abandon(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Calls.Hangup(ctx, callID); err != nil && !core.IsNotFound(err) && h.Logger != nil {
		h.Logger.Warn("abandon call", "call_id", callID, "error", err)
	}
}

// List returns live calls.
func (h CallsHandler) List(w http.ResponseWriter, r *http.Request) {
	list := h.Calls.Calls()
	if list == nil {
		list = []calls.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": list})
}

// Get returns a live call and its conversation record. Ended calls are
// served from the record alone.
func (h CallsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var resp callResponse
	if snap, ok := h.Calls.Call(id); ok {
		resp.Call = &snap
	}
	conv, err := h.Conversations.FindByCallID(r.Context(), id)
	switch {
	case err == nil:
		resp.Conversation = conv
	case !errors.Is(err, store.ErrNotFound):
		writeErr(w, r, err)
		return
	}
	if resp.Call == nil && resp.Conversation == nil {
		writeErr(w, r, core.NewNotFoundError("call not found").WithCall(id))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Hangup ends a call.
func (h CallsHandler) Hangup(w http.ResponseWriter, r *http.Request) {
	if err := h.Calls.Hangup(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type dtmfRequest struct {
	Digits string `json:"digits"`
}

// DTMF sends digits on an ongoing call.
func (h CallsHandler) DTMF(w http.ResponseWriter, r *http.Request) {
	var req dtmfRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := h.Calls.SendDigits(r.Context(), r.PathValue("id"), req.Digits); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
