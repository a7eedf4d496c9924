package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	// REST API keys.
	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// AuthSecret signs operator tokens (HS256).
	AuthSecret     string
	TokenIssuer    string
	MaxBodyBytes   int64
	AllowedOrigins []string

	MaxConcurrentCalls int
	MaxCallDuration    time.Duration

	// SIP trunk.
	SIPListenAddr     string
	SIPTransport      string
	SIPPublicHost     string
	SIPPublicPort     int
	SIPTrunkAddr      string
	SIPUsername       string
	SIPPassword       string
	SIPFromNumber     string
	SIPRTPPort        int
	SIPConnectTimeout time.Duration
	SIPDialTimeout    time.Duration

	// Duplex live stream.
	LiveURL   string
	LiveModel string
	LiveVoice string

	// Generation providers, tried in GenerationProviders order.
	GenerationProviders []string
	ModelMap            string
	GeminiAPIKey        string
	GeminiModel         string
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	OpenAIModel         string
	GroqAPIKey          string
	GroqModel           string

	// Speech.
	TTSProvider      string
	CartesiaAPIKey   string
	ElevenLabsAPIKey string
	DefaultLanguage  string
	AudioFormat      string
	SampleRate       int

	ProviderTimeout    time.Duration
	PostProcessTimeout time.Duration

	DatabaseURL string

	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3Prefix        string
	S3PublicBaseURL string
	S3PresignTTL    time.Duration

	// InboundAgentID attaches an AI agent to answered inbound calls.
	InboundAgentID string

	WSPingInterval time.Duration
	WSWriteTimeout time.Duration

	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VAI_CALL_ADDR", ":8080"),
		AuthMode:            AuthMode(envOr("VAI_CALL_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:             make(map[string]struct{}),
		AuthSecret:          strings.TrimSpace(os.Getenv("VAI_CALL_AUTH_SECRET")),
		TokenIssuer:         envOr("VAI_CALL_TOKEN_ISSUER", ""),
		MaxBodyBytes:        envInt64Or("VAI_CALL_MAX_BODY_BYTES", 1<<20),
		AllowedOrigins:      splitCSV(os.Getenv("VAI_CALL_ALLOWED_ORIGINS")),
		MaxConcurrentCalls:  envIntOr("VAI_CALL_MAX_CONCURRENT_CALLS", 50),
		MaxCallDuration:     envDurationOr("VAI_CALL_MAX_CALL_DURATION", time.Hour),
		SIPListenAddr:       envOr("VAI_CALL_SIP_LISTEN_ADDR", "0.0.0.0:5060"),
		SIPTransport:        strings.ToLower(envOr("VAI_CALL_SIP_TRANSPORT", "udp")),
		SIPPublicHost:       envOr("VAI_CALL_SIP_PUBLIC_HOST", ""),
		SIPPublicPort:       envIntOr("VAI_CALL_SIP_PUBLIC_PORT", 5060),
		SIPTrunkAddr:        envOr("VAI_CALL_SIP_TRUNK_ADDR", ""),
		SIPUsername:         envOr("VAI_CALL_SIP_USERNAME", ""),
		SIPPassword:         strings.TrimSpace(os.Getenv("VAI_CALL_SIP_PASSWORD")),
		SIPFromNumber:       envOr("VAI_CALL_SIP_FROM_NUMBER", ""),
		SIPRTPPort:          envIntOr("VAI_CALL_SIP_RTP_PORT", 10000),
		SIPConnectTimeout:   envDurationOr("VAI_CALL_SIP_CONNECT_TIMEOUT", 5*time.Second),
		SIPDialTimeout:      envDurationOr("VAI_CALL_SIP_DIAL_TIMEOUT", 60*time.Second),
		LiveURL:             envOr("VAI_CALL_LIVE_URL", ""),
		LiveModel:           envOr("VAI_CALL_LIVE_MODEL", "gemini-2.0-flash-live-001"),
		LiveVoice:           envOr("VAI_CALL_LIVE_VOICE", ""),
		GenerationProviders: splitCSV(envOr("VAI_CALL_GENERATION_PROVIDERS", "gemini,openai")),
		ModelMap:            envOr("VAI_CALL_MODEL_MAP", ""),
		GeminiAPIKey:        strings.TrimSpace(os.Getenv("VAI_CALL_GEMINI_API_KEY")),
		GeminiModel:         envOr("VAI_CALL_GEMINI_MODEL", "gemini-2.0-flash"),
		OpenAIAPIKey:        strings.TrimSpace(os.Getenv("VAI_CALL_OPENAI_API_KEY")),
		OpenAIBaseURL:       envOr("VAI_CALL_OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:         envOr("VAI_CALL_OPENAI_MODEL", "gpt-4o-mini"),
		GroqAPIKey:          strings.TrimSpace(os.Getenv("VAI_CALL_GROQ_API_KEY")),
		GroqModel:           envOr("VAI_CALL_GROQ_MODEL", "llama-3.3-70b-versatile"),
		TTSProvider:         strings.ToLower(envOr("VAI_CALL_TTS_PROVIDER", "cartesia")),
		CartesiaAPIKey:      strings.TrimSpace(os.Getenv("VAI_CALL_CARTESIA_API_KEY")),
		ElevenLabsAPIKey:    strings.TrimSpace(os.Getenv("VAI_CALL_ELEVENLABS_API_KEY")),
		DefaultLanguage:     envOr("VAI_CALL_DEFAULT_LANGUAGE", "en-US"),
		AudioFormat:         envOr("VAI_CALL_AUDIO_FORMAT", "mulaw"),
		SampleRate:          envIntOr("VAI_CALL_SAMPLE_RATE", 8000),
		ProviderTimeout:     envDurationOr("VAI_CALL_PROVIDER_TIMEOUT", 20*time.Second),
		PostProcessTimeout:  envDurationOr("VAI_CALL_POSTPROCESS_TIMEOUT", 2*time.Minute),
		DatabaseURL:         strings.TrimSpace(os.Getenv("VAI_CALL_DATABASE_URL")),
		S3Bucket:            envOr("VAI_CALL_S3_BUCKET", ""),
		S3Region:            envOr("VAI_CALL_S3_REGION", ""),
		S3Endpoint:          envOr("VAI_CALL_S3_ENDPOINT", ""),
		S3Prefix:            envOr("VAI_CALL_S3_PREFIX", ""),
		S3PublicBaseURL:     envOr("VAI_CALL_S3_PUBLIC_BASE_URL", ""),
		S3PresignTTL:        envDurationOr("VAI_CALL_S3_PRESIGN_TTL", 7*24*time.Hour),
		InboundAgentID:      envOr("VAI_CALL_INBOUND_AGENT_ID", ""),
		WSPingInterval:      envDurationOr("VAI_CALL_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:      envDurationOr("VAI_CALL_WS_WRITE_TIMEOUT", 5*time.Second),
		ReadHeaderTimeout:   envDurationOr("VAI_CALL_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:         envDurationOr("VAI_CALL_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod: envDurationOr("VAI_CALL_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VAI_CALL_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("VAI_CALL_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("VAI_CALL_API_KEYS must be set when VAI_CALL_AUTH_MODE=required")
	}
	if len(cfg.AuthSecret) < 16 {
		return Config{}, fmt.Errorf("VAI_CALL_AUTH_SECRET must be at least 16 bytes")
	}

	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_MAX_BODY_BYTES must be > 0")
	}
	if cfg.MaxConcurrentCalls < 0 {
		return Config{}, fmt.Errorf("VAI_CALL_MAX_CONCURRENT_CALLS must be >= 0")
	}
	if cfg.MaxCallDuration < 0 {
		return Config{}, fmt.Errorf("VAI_CALL_MAX_CALL_DURATION must be >= 0")
	}

	switch cfg.SIPTransport {
	case "udp", "tcp":
	default:
		return Config{}, fmt.Errorf("VAI_CALL_SIP_TRANSPORT must be udp or tcp")
	}
	if cfg.SIPTrunkAddr == "" {
		return Config{}, fmt.Errorf("VAI_CALL_SIP_TRUNK_ADDR must be set")
	}
	if cfg.SIPRTPPort <= 0 || cfg.SIPRTPPort > 65535 {
		return Config{}, fmt.Errorf("VAI_CALL_SIP_RTP_PORT must be a valid port")
	}
	if cfg.SIPConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_SIP_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.SIPDialTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_SIP_DIAL_TIMEOUT must be > 0")
	}

	if len(cfg.GenerationProviders) == 0 {
		return Config{}, fmt.Errorf("VAI_CALL_GENERATION_PROVIDERS must name at least one provider")
	}
	for _, p := range cfg.GenerationProviders {
		switch p {
		case "gemini", "openai", "groq":
		default:
			return Config{}, fmt.Errorf("VAI_CALL_GENERATION_PROVIDERS: unknown provider %q", p)
		}
	}
	switch cfg.TTSProvider {
	case "cartesia", "elevenlabs":
	default:
		return Config{}, fmt.Errorf("VAI_CALL_TTS_PROVIDER must be cartesia or elevenlabs")
	}
	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_SAMPLE_RATE must be > 0")
	}

	if cfg.ProviderTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_PROVIDER_TIMEOUT must be > 0")
	}
	if cfg.PostProcessTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_POSTPROCESS_TIMEOUT must be > 0")
	}
	if cfg.S3PresignTTL <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_S3_PRESIGN_TTL must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

// HasGenerationKey reports whether a generation provider has credentials.
func (c Config) HasGenerationKey(provider string) bool {
	switch provider {
	case "gemini":
		return c.GeminiAPIKey != ""
	case "openai":
		return c.OpenAIAPIKey != ""
	case "groq":
		return c.GroqAPIKey != ""
	}
	return false
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
