package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/vango-go/vai-callcenter/pkg/core"
	"github.com/vango-go/vai-callcenter/pkg/core/calls"
	"github.com/vango-go/vai-callcenter/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-callcenter/pkg/store"
	"github.com/vango-go/vai-callcenter/pkg/store/memory"
)

type fakeCalls struct {
	mu       sync.Mutex
	calls    map[string]calls.Snapshot
	placeErr error
	hungUp   []string
	digits   map[string]string
}

func newFakeCalls() *fakeCalls {
	return &fakeCalls{calls: make(map[string]calls.Snapshot), digits: make(map[string]string)}
}

func (f *fakeCalls) PlaceCall(ctx context.Context, number, from string) (calls.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return calls.Snapshot{}, f.placeErr
	}
	snap := calls.Snapshot{ID: "call-1", Direction: calls.Outbound, Number: number, From: from, Status: calls.StatusRinging}
	f.calls[snap.ID] = snap
	return snap, nil
}

func (f *fakeCalls) Hangup(ctx context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.calls[callID]; !ok {
		return core.NewNotFoundError("call not found").WithCall(callID)
	}
	delete(f.calls, callID)
	f.hungUp = append(f.hungUp, callID)
	return nil
}

func (f *fakeCalls) SendDigits(ctx context.Context, callID, digits string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.calls[callID]
	if !ok {
		return core.NewNotFoundError("call not found").WithCall(callID)
	}
	if snap.Status != calls.StatusOngoing {
		return core.NewInvalidStateError("call is not ongoing").WithCall(callID)
	}
	f.digits[callID] += digits
	return nil
}

func (f *fakeCalls) Call(callID string) (calls.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.calls[callID]
	return s, ok
}

func (f *fakeCalls) Calls() []calls.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]calls.Snapshot, 0, len(f.calls))
	for _, s := range f.calls {
		out = append(out, s)
	}
	return out
}

type fakeAssigner struct {
	assigned map[string]string
}

func (f *fakeAssigner) Assign(callID, agentID string) { f.assigned[callID] = agentID }

type failingConversations struct{ store.Conversations }

func (failingConversations) CreateConversation(context.Context, *store.Conversation) error {
	return core.NewProviderError("postgres", context.DeadlineExceeded)
}

func newCallsHandler() (CallsHandler, *fakeCalls, *memory.Store, *fakeAssigner) {
	st := memory.New()
	st.PutAgent(store.Agent{ID: "agent-1", Prompt: "p"})
	fc := newFakeCalls()
	as := &fakeAssigner{assigned: make(map[string]string)}
	return CallsHandler{Calls: fc, Conversations: st, Agents: st, Assigner: as, Lifecycle: &lifecycle.Lifecycle{}}, fc, st, as
}

func do(h http.HandlerFunc, method, target, body string, pathID string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if pathID != "" {
		req.SetPathValue("id", pathID)
	}
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) core.ErrorType {
	t.Helper()
	var env struct {
		Error core.Error `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal error body %q: %v", rr.Body.String(), err)
	}
	return env.Error.Type
}

func TestPlace_CreatesOutboundConversationAndAssignsAgent(t *testing.T) {
	h, _, st, as := newCallsHandler()

	rr := do(h.Place, http.MethodPost, "/v1/calls", `{"number":"+15550100","agentId":"agent-1","leadId":"lead-7"}`, "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var resp callResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Call == nil || resp.Call.Status != calls.StatusRinging || resp.Conversation == nil || resp.Conversation.ID == "" {
		t.Fatalf("resp = %+v", resp)
	}
	conv, err := st.FindByCallID(context.Background(), "call-1")
	if err != nil || conv.LeadID != "lead-7" || conv.Direction != "outbound" || conv.AgentID != "agent-1" {
		t.Fatalf("conversation = %+v err = %v", conv, err)
	}
	if as.assigned["call-1"] != "agent-1" {
		t.Fatalf("assigned = %v", as.assigned)
	}
}

func TestPlace_Validation(t *testing.T) {
	h, fc, _, _ := newCallsHandler()

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"missing number", `{}`, http.StatusBadRequest},
		{"unknown field", `{"number":"1","extra":true}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
		{"unknown agent", `{"number":"1","agentId":"nobody"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(h.Place, http.MethodPost, "/v1/calls", tt.body, "")
			if rr.Code != tt.status {
				t.Fatalf("status=%d want %d body=%s", rr.Code, tt.status, rr.Body.String())
			}
		})
	}
	if len(fc.Calls()) != 0 {
		t.Fatalf("calls placed on invalid requests")
	}
}

func TestPlace_RefusedWhileDraining(t *testing.T) {
	h, _, _, _ := newCallsHandler()
	h.Lifecycle.SetDraining(true)

	rr := do(h.Place, http.MethodPost, "/v1/calls", `{"number":"+15550100"}`, "")
	if rr.Code != http.StatusServiceUnavailable || errorType(t, rr) != core.ErrCapacity {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestPlace_SignalingErrorIsBadGateway(t *testing.T) {
	h, fc, _, _ := newCallsHandler()
	fc.placeErr = core.NewSignalingError("telephony unavailable", nil)

	rr := do(h.Place, http.MethodPost, "/v1/calls", `{"number":"+15550100"}`, "")
	if rr.Code != http.StatusBadGateway || errorType(t, rr) != core.ErrSignaling {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestPlace_ConversationFailureHangsUp(t *testing.T) {
	h, fc, st, _ := newCallsHandler()
	h.Conversations = failingConversations{st}

	rr := do(h.Place, http.MethodPost, "/v1/calls", `{"number":"+15550100"}`, "")
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if len(fc.hungUp) != 1 || fc.hungUp[0] != "call-1" {
		t.Fatalf("hungUp = %v", fc.hungUp)
	}
}

func TestGet_LiveAndEndedCalls(t *testing.T) {
	h, _, _, _ := newCallsHandler()
	if rr := do(h.Place, http.MethodPost, "/v1/calls", `{"number":"+15550100"}`, ""); rr.Code != http.StatusCreated {
		t.Fatalf("place status=%d", rr.Code)
	}

	rr := do(h.Get, http.MethodGet, "/v1/calls/call-1", "", "call-1")
	var resp callResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if rr.Code != http.StatusOK || resp.Call == nil || resp.Conversation == nil {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}

	if rr := do(h.Hangup, http.MethodDelete, "/v1/calls/call-1", "", "call-1"); rr.Code != http.StatusNoContent {
		t.Fatalf("hangup status=%d", rr.Code)
	}
	rr = do(h.Get, http.MethodGet, "/v1/calls/call-1", "", "call-1")
	resp = callResponse{}
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if rr.Code != http.StatusOK || resp.Call != nil || resp.Conversation == nil {
		t.Fatalf("ended call: status=%d body=%s", rr.Code, rr.Body.String())
	}

	if rr := do(h.Get, http.MethodGet, "/v1/calls/nope", "", "nope"); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown call status=%d", rr.Code)
	}
	if rr := do(h.Hangup, http.MethodDelete, "/v1/calls/nope", "", "nope"); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown hangup status=%d", rr.Code)
	}
}

func TestList_ReturnsEmptyArray(t *testing.T) {
	h, _, _, _ := newCallsHandler()
	rr := do(h.List, http.MethodGet, "/v1/calls", "", "")
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != `{"calls":[]}` {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestDTMF_RequiresOngoingCall(t *testing.T) {
	h, fc, _, _ := newCallsHandler()
	do(h.Place, http.MethodPost, "/v1/calls", `{"number":"+15550100"}`, "")

	rr := do(h.DTMF, http.MethodPost, "/v1/calls/call-1/dtmf", `{"digits":"12#"}`, "call-1")
	if rr.Code != http.StatusConflict {
		t.Fatalf("ringing status=%d body=%s", rr.Code, rr.Body.String())
	}

	fc.mu.Lock()
	snap := fc.calls["call-1"]
	snap.Status = calls.StatusOngoing
	fc.calls["call-1"] = snap
	fc.mu.Unlock()

	rr = do(h.DTMF, http.MethodPost, "/v1/calls/call-1/dtmf", `{"digits":"12#"}`, "call-1")
	if rr.Code != http.StatusNoContent || fc.digits["call-1"] != "12#" {
		t.Fatalf("status=%d digits=%q", rr.Code, fc.digits["call-1"])
	}
}
