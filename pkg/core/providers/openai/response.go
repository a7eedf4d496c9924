package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/vai-callcenter/pkg/core"
)

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

func (p *Provider) parseResponse(body []byte) (*core.GenerateResponse, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	choice := resp.Choices[0]
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return nil, fmt.Errorf("empty completion (finish_reason %q)", choice.FinishReason)
	}
	// A length cutoff is a partial answer.
	if choice.FinishReason == "length" {
		return nil, fmt.Errorf("completion truncated at token limit")
	}

	return &core.GenerateResponse{
		Text:     text,
		Model:    resp.Model,
		Provider: p.name,
	}, nil
}
