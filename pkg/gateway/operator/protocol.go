package operator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/vai-callcenter/pkg/store"
)

// Commands sent by operator clients.
const (
	TypeRegister    = "register"
	TypeStartCall   = "start-call"
	TypeAcceptCall  = "accept-call"
	TypeEndCall     = "end-call"
	TypeAudioStream = "audio-stream"
	TypeSendDTMF    = "send-dtmf"
)

// Notifications sent to operator clients.
const (
	TypeRegistered           = "registered"
	TypeCallStarted          = "call-started"
	TypeCallAccepted         = "call-accepted"
	TypeIncomingCall         = "incoming-call"
	TypeCallAnswered         = "call-answered"
	TypeCallEnded            = "call-ended"
	TypeCallFailed           = "call-failed"
	TypeCallProcessed        = "call-processed"
	TypeCallProcessingFailed = "call-processing-failed"
	TypeDTMFSent             = "dtmf-sent"
	TypeTranscriptDelta      = "transcript-delta"
	TypeAudioReady           = "audio-ready"
	TypeInterrupted          = "interrupted"
	TypeAITurn               = "ai-turn"
	TypeAIStreamClosed       = "ai-stream-closed"
	TypeError                = "error"
)

// Post-processing stages reported in call-processing-failed.
const (
	StageRecording  = "recording"
	StageUpload     = "upload"
	StageTranscribe = "transcribe"
	StageAnalyze    = "analyze"
	StageUpdate     = "update"
)

// ClientMessage is one command frame. Audio chunks are base64 in JSON.
type ClientMessage struct {
	Type        string `json:"type"`
	Name        string `json:"name,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	LeadID      string `json:"leadId,omitempty"`
	AgentID     string `json:"agentId,omitempty"`
	CallID      string `json:"callId,omitempty"`
	Chunk       []byte `json:"chunk,omitempty"`
	Digits      string `json:"digits,omitempty"`
}

// Notification is one server frame; Type selects which fields are set.
type Notification struct {
	Type           string          `json:"type"`
	OperatorID     string          `json:"operatorId,omitempty"`
	CallID         string          `json:"callId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	From           string          `json:"from,omitempty"`
	Number         string          `json:"number,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Digits         string          `json:"digits,omitempty"`
	Op             string          `json:"op,omitempty"`
	Stage          string          `json:"stage,omitempty"`
	Message        string          `json:"message,omitempty"`
	RecordingURL   string          `json:"recordingUrl,omitempty"`
	Transcript     string          `json:"transcript,omitempty"`
	Analysis       *store.Analysis `json:"analysis,omitempty"`
	Role           string          `json:"role,omitempty"`
	Text           string          `json:"text,omitempty"`
	Audio          []byte          `json:"audio,omitempty"`
	Format         string          `json:"format,omitempty"`
	MIMEType       string          `json:"mimeType,omitempty"`
}

func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("decode command: %w", err)
	}
	msg.Type = strings.TrimSpace(msg.Type)
	if msg.Type == "" {
		return ClientMessage{}, fmt.Errorf("command type is required")
	}
	return msg, nil
}

func errorNotification(op, callID, message string) Notification {
	return Notification{Type: TypeError, Op: op, CallID: callID, Message: message}
}
