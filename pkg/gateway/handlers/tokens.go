package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/vai-callcenter/pkg/core"
	"github.com/vango-go/vai-callcenter/pkg/gateway/auth"
)

const (
	defaultTokenTTL = 12 * time.Hour
	maxTokenTTL     = 7 * 24 * time.Hour
)

// TokensHandler issues operator WebSocket tokens to API-key holders.
type TokensHandler struct {
	Tokens *auth.Tokens
}

type issueTokenRequest struct {
	OperatorID string `json:"operatorId"`
	Name       string `json:"name,omitempty"`
	TTLSeconds int    `json:"ttlSeconds,omitempty"`
}

type issueTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h TokensHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	req.OperatorID = strings.TrimSpace(req.OperatorID)
	if req.OperatorID == "" {
		writeErr(w, r, core.NewInvalidRequestError("operatorId is required"))
		return
	}
	ttl := defaultTokenTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	if ttl > maxTokenTTL {
		writeErr(w, r, core.NewInvalidRequestError("ttlSeconds exceeds 7 days"))
		return
	}

	expires := time.Now().Add(ttl)
	token, err := h.Tokens.Issue(req.OperatorID, req.Name, ttl)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issueTokenResponse{Token: token, ExpiresAt: expires.UTC().Truncate(time.Second)})
}
