package conversation

// EventKind identifies an orchestrator event.
type EventKind string

const (
	// EventAudioReady carries synthesized or streamed audio to play into the call.
	EventAudioReady EventKind = "audio-ready"
	// EventTranscriptDelta carries partial assistant text from a live stream.
	EventTranscriptDelta EventKind = "transcript-delta"
	// EventInterrupted asks the media path to stop in-flight playback.
	EventInterrupted EventKind = "interrupted"
	// EventTurn reports a turn appended to the history.
	EventTurn EventKind = "turn"
	// EventStreamClosed reports that a call's live stream failed.
	EventStreamClosed EventKind = "stream-closed"
)

// Event is published in order per call.
type Event struct {
	Kind     EventKind `json:"kind"`
	CallID   string    `json:"callId"`
	Role     string    `json:"role,omitempty"`
	Text     string    `json:"text,omitempty"`
	Audio    []byte    `json:"audio,omitempty"`
	Format   string    `json:"format,omitempty"`
	MIMEType string    `json:"mimeType,omitempty"`
}
