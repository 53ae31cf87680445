package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config aggregates every tunable of the voice pipeline service.
type Config struct {
	Server     ServerConfig
	AI         AIConfig
	Transcribe TranscribeConfig
	Persist    PersistConfig
	Session    SessionConfig
	Metrics    MetricsConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	transcribe, err := loadTranscribeConfig()
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	metrics, err := loadMetricsConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:     server,
		AI:         ai,
		Transcribe: transcribe,
		Persist:    loadPersistConfig(),
		Session:    session,
		Metrics:    metrics,
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Accept ":8080" or "127.0.0.1:8080" as-is.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AIConfig describes the streaming generation model.
type AIConfig struct {
	APIKey       string
	AccessKey    string
	SecretKey    string
	Model        string
	BaseURL      string
	Region       string
	Temperature  *float64
	TopP         *float64
	MaxTokens    *int
	HistoryLimit int
}

// Enabled reports whether the required credentials are present.
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel builds a model instance from the configuration.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("generation credentials missing: provide ARK_API_KEY + ARK_MODEL or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	historyLimit := 10
	if override, err := parseOptionalIntEnv("AI_HISTORY_LIMIT"); err != nil {
		return AIConfig{}, err
	} else if override != nil && *override > 0 {
		historyLimit = *override
	}

	return AIConfig{
		APIKey:       strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:    strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:    strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:        strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:      getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:       getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:  temperature,
		TopP:         topP,
		MaxTokens:    maxTokens,
		HistoryLimit: historyLimit,
	}, nil
}

// TranscribeConfig describes the speech-to-text collaborator.
type TranscribeConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	Language       string
	TimeoutSeconds int
}

// Enabled reports whether a transcription endpoint is configured.
func (c TranscribeConfig) Enabled() bool {
	return c.BaseURL != "" && c.APIKey != ""
}

func loadTranscribeConfig() (TranscribeConfig, error) {
	timeout := 30
	if override, err := parseOptionalIntEnv("TRANSCRIBE_TIMEOUT"); err != nil {
		return TranscribeConfig{}, err
	} else if override != nil && *override > 0 {
		timeout = *override
	}

	return TranscribeConfig{
		BaseURL:        strings.TrimSpace(os.Getenv("TRANSCRIBE_BASE_URL")),
		APIKey:         strings.TrimSpace(os.Getenv("TRANSCRIBE_API_KEY")),
		Model:          getEnvOrDefault("TRANSCRIBE_MODEL", "whisper-1"),
		Language:       getEnvOrDefault("TRANSCRIBE_LANGUAGE", "en"),
		TimeoutSeconds: timeout,
	}, nil
}

// PersistConfig describes the hosted auth/database backend.
type PersistConfig struct {
	BaseURL        string
	ServiceKey     string
	TimeoutSeconds int
}

func loadPersistConfig() PersistConfig {
	timeout := 10
	if raw := strings.TrimSpace(os.Getenv("PERSIST_TIMEOUT")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			timeout = v
		}
	}

	return PersistConfig{
		BaseURL:        strings.TrimSpace(os.Getenv("PERSIST_BASE_URL")),
		ServiceKey:     strings.TrimSpace(os.Getenv("PERSIST_SERVICE_KEY")),
		TimeoutSeconds: timeout,
	}
}

// SessionConfig tunes session lifecycle and turn execution.
type SessionConfig struct {
	IdleThreshold time.Duration
	SweepInterval time.Duration
	TurnTimeout   time.Duration
	MaxAudioBytes int
	TurnsPerMin   int
}

func loadSessionConfig() (SessionConfig, error) {
	cfg := SessionConfig{
		IdleThreshold: time.Hour,
		SweepInterval: time.Hour,
		TurnTimeout:   45 * time.Second,
		MaxAudioBytes: 10 << 20,
		TurnsPerMin:   20,
	}

	if override, err := parseOptionalIntEnv("SESSION_IDLE_MINUTES"); err != nil {
		return SessionConfig{}, err
	} else if override != nil && *override > 0 {
		cfg.IdleThreshold = time.Duration(*override) * time.Minute
	}

	if override, err := parseOptionalIntEnv("SESSION_SWEEP_MINUTES"); err != nil {
		return SessionConfig{}, err
	} else if override != nil && *override > 0 {
		cfg.SweepInterval = time.Duration(*override) * time.Minute
	}

	if override, err := parseOptionalIntEnv("TURN_TIMEOUT_SECONDS"); err != nil {
		return SessionConfig{}, err
	} else if override != nil && *override > 0 {
		cfg.TurnTimeout = time.Duration(*override) * time.Second
	}

	if override, err := parseOptionalIntEnv("MAX_AUDIO_BYTES"); err != nil {
		return SessionConfig{}, err
	} else if override != nil && *override > 0 {
		cfg.MaxAudioBytes = *override
	}

	if override, err := parseOptionalIntEnv("TURNS_PER_MINUTE"); err != nil {
		return SessionConfig{}, err
	} else if override != nil && *override > 0 {
		cfg.TurnsPerMin = *override
	}

	return cfg, nil
}

// MetricsConfig controls the optional OTLP metric exporter.
type MetricsConfig struct {
	Enabled  bool
	Endpoint string
	Insecure bool
}

func loadMetricsConfig() (MetricsConfig, error) {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_METRICS_ENDPOINT"))

	insecureVal, err := parseBoolEnv("OTEL_METRICS_INSECURE", true)
	if err != nil {
		return MetricsConfig{}, err
	}

	return MetricsConfig{
		Enabled:  endpoint != "",
		Endpoint: endpoint,
		Insecure: insecureVal,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
