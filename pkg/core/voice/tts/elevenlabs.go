package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const elevenLabsBaseURL = "https://api.elevenlabs.io"

type ElevenLabsProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewElevenLabs(apiKey string) *ElevenLabsProvider {
	return NewElevenLabsWithClient(apiKey, &http.Client{})
}

func NewElevenLabsWithClient(apiKey string, client *http.Client) *ElevenLabsProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &ElevenLabsProvider{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    elevenLabsBaseURL,
		model:      "eleven_flash_v2_5",
		httpClient: client,
	}
}

func (e *ElevenLabsProvider) WithBaseURL(base string) *ElevenLabsProvider {
	if base = strings.TrimRight(strings.TrimSpace(base), "/"); base != "" {
		e.baseURL = base
	}
	return e
}

func (e *ElevenLabsProvider) Name() string {
	return "elevenlabs"
}

type elevenLabsRequest struct {
	Text          string                   `json:"text"`
	ModelID       string                   `json:"model_id"`
	LanguageCode  string                   `json:"language_code,omitempty"`
	VoiceSettings *elevenLabsVoiceSettings `json:"voice_settings,omitempty"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

func (e *ElevenLabsProvider) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error) {
	if e.apiKey == "" {
		return nil, fmt.Errorf("elevenlabs api key is required")
	}
	voiceID := strings.TrimSpace(opts.Voice)
	if voiceID == "" {
		return nil, fmt.Errorf("voice id is required")
	}

	reqBody := elevenLabsRequest{
		Text:         text,
		ModelID:      e.model,
		LanguageCode: baseLanguage(opts.Language),
	}
	if opts.Speed != 0 {
		reqBody.VoiceSettings = &elevenLabsVoiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
			Speed:           clamp(opts.Speed, 0.7, 1.2),
		}
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		e.baseURL, url.PathEscape(voiceID), url.QueryEscape(elevenLabsOutputFormat(opts)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("elevenlabs error %d: %s", resp.StatusCode, string(errBody))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	format := getFormat(opts.Format)
	if format == "wav" {
		// ElevenLabs has no wav container; raw pcm is returned instead.
		format = "pcm"
	}
	return &Synthesis{Audio: audio, Format: format}, nil
}

func elevenLabsOutputFormat(opts SynthesizeOptions) string {
	rate := opts.SampleRate
	switch opts.Format {
	case "mp3":
		if rate != 22050 {
			rate = 44100
		}
		return fmt.Sprintf("mp3_%d_128", rate)
	case "mulaw":
		return "ulaw_8000"
	default:
		switch rate {
		case 8000, 16000, 22050, 24000, 44100:
		default:
			rate = 24000
		}
		return fmt.Sprintf("pcm_%d", rate)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
