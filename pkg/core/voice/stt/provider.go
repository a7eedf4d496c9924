// Package stt provides speech-to-text functionality.
package stt

import (
	"context"
	"io"
)

// Provider is the interface for speech-to-text services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Transcribe converts audio to text.
	Transcribe(ctx context.Context, audio io.Reader, opts TranscribeOptions) (*Transcript, error)
}

// TranscribeOptions configures transcription.
type TranscribeOptions struct {
	Model      string // Provider-specific model
	Language   string // ISO language code
	Format     string // Audio format hint (wav, mp3, webm, pcm_s16le, etc.)
	SampleRate int    // Audio sample rate in Hz
	Timestamps bool   // Include word-level timestamps
}

// Transcript is the result of transcription.
type Transcript struct {
	Text     string  // Full transcribed text
	Language string  // Detected or specified language
	Duration float64 // Audio duration in seconds
	Words    []Word  // Word-level details (if timestamps requested)
}

// Word represents a single transcribed word with timing.
type Word struct {
	Word  string  // The word
	Start float64 // Start time in seconds
	End   float64 // End time in seconds
}
