package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vango-go/vai-callcenter/pkg/core"
	"github.com/vango-go/vai-callcenter/pkg/core/providers/openai"
	"github.com/vango-go/vai-callcenter/pkg/store"
)

type Envelope struct {
	Error *core.Error `json:"error"`
}

func FromError(err error, requestID string) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return &core.Error{
			Type:      core.ErrProvider,
			Message:   "request timeout",
			Code:      "timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &core.Error{
			Type:      core.ErrInternal,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	// Already canonical.
	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		out := *coreErr
		out.RequestID = requestID
		status := statusFromType(coreErr.Type)
		if coreErr.Type == core.ErrProvider && coreErr.Code == "timeout" {
			status = http.StatusGatewayTimeout
		}
		return &out, status
	}

	if errors.Is(err, store.ErrNotFound) {
		return &core.Error{
			Type:      core.ErrNotFound,
			Message:   err.Error(),
			RequestID: requestID,
		}, http.StatusNotFound
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr != nil {
		return &core.Error{
			Type:      core.ErrProvider,
			Message:   apiErr.Message,
			Code:      apiErr.Code,
			RequestID: requestID,
		}, http.StatusBadGateway
	}

	// Unknown errors: treat as internal API error (do not leak details by default).
	return &core.Error{
		Type:      core.ErrInternal,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func statusFromType(t core.ErrorType) int {
	switch t {
	case core.ErrInvalidRequest:
		return http.StatusBadRequest
	case core.ErrAuthentication:
		return http.StatusUnauthorized
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrInvalidState:
		return http.StatusConflict
	case core.ErrCapacity:
		return http.StatusServiceUnavailable
	case core.ErrProvider, core.ErrSignaling:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Write maps err and writes the JSON envelope.
func Write(w http.ResponseWriter, err error, requestID string) {
	ce, status := FromError(err, requestID)
	WriteError(w, ce, status)
}

// WriteError writes ce with status.
func WriteError(w http.ResponseWriter, ce *core.Error, status int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: ce})
}
