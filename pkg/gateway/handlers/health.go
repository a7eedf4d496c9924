package handlers

import (
	"net/http"

	"github.com/vango-go/vai-callcenter/pkg/core/calls"
	"github.com/vango-go/vai-callcenter/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Telephony reports trunk connectivity.
type Telephony interface {
	Connected() bool
	Calls() []calls.Snapshot
}

// ReadyHandler reports readiness. A disconnected trunk is degraded but still
// ready: operators stay connected and calls resume once the trunk is back.
type ReadyHandler struct {
	Lifecycle *lifecycle.Lifecycle
	Telephony Telephony
	// Providers lists generation providers in fallback order.
	Providers []string
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool     `json:"ok"`
		Draining    bool     `json:"draining"`
		Telephony   string   `json:"telephony"`
		ActiveCalls int      `json:"active_calls"`
		Providers   []string `json:"providers"`
		Issues      []string `json:"issues,omitempty"`
	}

	resp := readyResp{
		Telephony: "connected",
		Providers: h.Providers,
	}
	if resp.Providers == nil {
		resp.Providers = []string{}
	}
	status := http.StatusOK

	if h.Lifecycle.IsDraining() {
		resp.Draining = true
		resp.Issues = append(resp.Issues, "draining")
		status = http.StatusServiceUnavailable
	}
	if h.Telephony == nil {
		resp.Telephony = "unconfigured"
		resp.Issues = append(resp.Issues, "no telephony adapter")
		status = http.StatusServiceUnavailable
	} else {
		resp.ActiveCalls = len(h.Telephony.Calls())
		if !h.Telephony.Connected() {
			resp.Telephony = "degraded"
			resp.Issues = append(resp.Issues, "sip trunk disconnected")
		}
	}
	if len(h.Providers) == 0 {
		resp.Issues = append(resp.Issues, "no generation providers configured")
		status = http.StatusServiceUnavailable
	}

	resp.OK = status == http.StatusOK
	writeJSON(w, status, resp)
}
