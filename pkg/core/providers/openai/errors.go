package openai

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// APIError is an error response from a chat completions endpoint.
type APIError struct {
	Status  int
	Type    string
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("status %d: %s: %s (code: %s)", e.Status, e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("status %d: %s: %s", e.Status, e.Type, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type openaiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code,omitempty"`
	} `json:"error"`
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var oe openaiError
	if err := json.Unmarshal(body, &oe); err != nil || oe.Error.Message == "" {
		return &APIError{Status: resp.StatusCode, Type: "api_error", Message: string(body)}
	}

	apiErr := &APIError{
		Status:  resp.StatusCode,
		Type:    oe.Error.Type,
		Message: oe.Error.Message,
	}
	if oe.Error.Code != nil {
		apiErr.Code = fmt.Sprint(oe.Error.Code)
	}
	if apiErr.Type == "" {
		apiErr.Type = "api_error"
	}
	return apiErr
}
