// Package tts provides text-to-speech functionality.
package tts

import "context"

// Provider is the interface for text-to-speech services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Synthesize converts text to audio.
	Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error)
}

// SynthesizeOptions configures synthesis.
type SynthesizeOptions struct {
	Voice      string  // Voice identifier
	Speed      float64 // Speaking rate multiplier (1.0 = normal)
	Pitch      float64 // Semitone offset; providers without pitch control ignore it
	Volume     float64 // Volume multiplier (0.5-2.0, default 1.0)
	Emotion    string  // Emotion hint (neutral, happy, sad, angry, etc.)
	Language   string  // Language code
	Format     string  // Output format: "wav", "mp3", "pcm" or "mulaw"
	SampleRate int     // Sample rate: 8000, 16000, 22050, 24000, 44100, 48000
}

// Synthesis is the result of synthesis.
type Synthesis struct {
	Audio    []byte  // Audio data
	Format   string  // Audio format
	Duration float64 // Duration in seconds (if available)
}

func getFormat(format string) string {
	switch format {
	case "mp3", "pcm", "raw", "wav", "mulaw":
		return format
	default:
		return "wav"
	}
}
