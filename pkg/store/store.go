// Package store defines the records the call orchestrator reads and writes,
// and the collaborator interfaces that persist them.
package store

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// VoiceSettings controls speech synthesis for an agent.
type VoiceSettings struct {
	Voice string  `json:"voice,omitempty"`
	Speed float64 `json:"speed,omitempty"`
	Pitch float64 `json:"pitch,omitempty"`
}

// Agent is an AI agent configuration.
type Agent struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Prompt           string        `json:"prompt"`
	Language         string        `json:"language,omitempty"`
	Model            string        `json:"model,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
	MaxTokens        int           `json:"maxTokens,omitempty"`
	Voice            VoiceSettings `json:"voice"`
	InboundGreeting  string        `json:"inboundGreeting,omitempty"`
	OutboundGreeting string        `json:"outboundGreeting,omitempty"`
	KnowledgeBaseID  string        `json:"knowledgeBaseId,omitempty"`
	// LiveStream selects the duplex streaming engine instead of turn-by-turn generation.
	LiveStream bool `json:"liveStream,omitempty"`
}

// Conversation statuses.
const (
	ConversationActive    = "active"
	ConversationCompleted = "completed"
	ConversationFailed    = "failed"
)

// Analysis is the post-call review stored on a conversation.
type Analysis struct {
	Summary   string   `json:"summary"`
	Sentiment string   `json:"sentiment,omitempty"`
	Outcome   string   `json:"outcome,omitempty"`
	NextSteps []string `json:"nextSteps,omitempty"`
}

// Conversation is the durable record of one call.
type Conversation struct {
	ID           string    `json:"id"`
	CallID       string    `json:"callId"`
	AgentID      string    `json:"agentId,omitempty"`
	LeadID       string    `json:"leadId,omitempty"`
	OperatorID   string    `json:"operatorId,omitempty"`
	Direction    string    `json:"direction"`
	Status       string    `json:"status"`
	Transcript   string    `json:"transcript,omitempty"`
	RecordingURL string    `json:"recordingUrl,omitempty"`
	Analysis     *Analysis `json:"analysis,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ConversationUpdate sets the non-nil fields.
type ConversationUpdate struct {
	Status       *string
	Transcript   *string
	RecordingURL *string
	Analysis     *Analysis
}

// Appointment is a booking made during a call.
type Appointment struct {
	ID        string    `json:"id"`
	CallID    string    `json:"callId"`
	Date      string    `json:"date"`
	Time      string    `json:"time"`
	Name      string    `json:"name,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	At        time.Time `json:"at"`
	CreatedAt time.Time `json:"createdAt"`
}

type Agents interface {
	GetAgent(ctx context.Context, id string) (*Agent, error)
}

type Conversations interface {
	// CreateConversation assigns ID and timestamps when unset.
	CreateConversation(ctx context.Context, c *Conversation) error
	FindByCallID(ctx context.Context, callID string) (*Conversation, error)
	UpdateConversation(ctx context.Context, callID string, u ConversationUpdate) error
}

type Knowledge interface {
	// KnowledgeContext returns the text injected into prompts for a knowledge base.
	KnowledgeContext(ctx context.Context, knowledgeBaseID string) (string, error)
	SearchKnowledge(ctx context.Context, knowledgeBaseID, query string, limit int) ([]string, error)
}

type Appointments interface {
	BookAppointment(ctx context.Context, a Appointment) error
}

// Store is everything the orchestrator and gateway persist through.
type Store interface {
	Agents
	Conversations
	Knowledge
	Appointments
	Close() error
}

// MaxKnowledgeContext bounds the knowledge text injected into a prompt, in bytes.
const MaxKnowledgeContext = 8000

// TruncateKnowledge cuts text to at most MaxKnowledgeContext bytes without
// splitting a UTF-8 sequence.
func TruncateKnowledge(text string) string {
	if len(text) <= MaxKnowledgeContext {
		return text
	}
	n := MaxKnowledgeContext
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}
