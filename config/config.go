// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Config holds all application configuration.
type Config struct {
	Production bool
	Port       string
	Debug      bool

	Postgres   PostgresConfig
	Providers  ProviderConfig
	Retrieval  RetrievalConfig
	Session    SessionConfig
	Curriculum CurriculumConfig
	Telegram   TelegramConfig
	Humanize   HumanizeConfig

	TagBatchSize int
	IndexDelay   time.Duration
}

// PostgresConfig is empty-hosted when sessions should stay in memory.
type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// Enabled reports whether a database is configured.
func (p PostgresConfig) Enabled() bool {
	return p.Host != ""
}

type ProviderConfig struct {
	Generation           string
	Embedding            string
	GeminiKey            string
	GeminiModel          string
	GeminiEmbeddingModel string
	OpenAIKey            string
	OpenAIBaseURL        string
	OpenAIChatModel      string
	OpenAIEmbeddingModel string
	Timeout              time.Duration
	MaxWorkers           int
	EmbedMaxInputChars   int
}

type RetrievalConfig struct {
	Threshold float64
	Limit     int
}

type SessionConfig struct {
	RetryCeiling int
	ForcePenalty float64
	SuccessAward float64
}

type CurriculumConfig struct {
	Path  string
	Watch bool
}

type TelegramConfig struct {
	Token string
	Debug bool
}

type HumanizeConfig struct {
	Enabled bool
	Rate    float64
	Seed    uint64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Production: getEnv("PRODUCTION", "") != "",
		Port:       getEnv("PORT", "80"),
		Debug:      getEnvBool("DEBUG", false),
		Postgres: PostgresConfig{
			Host:     getEnv("POSTGRES_DB_HOST", ""),
			Port:     getEnv("POSTGRES_DB_PORT", "5432"),
			User:     getEnv("POSTGRES_DB_USER", ""),
			Password: getEnv("POSTGRES_DB_PASS", ""),
			Name:     getEnv("POSTGRES_DB_NAME", ""),
			SSLMode:  getEnv("POSTGRES_DB_SSLMODE", "disable"),
		},
		Providers: ProviderConfig{
			Generation:           strings.ToLower(getEnv("GENERATION_PROVIDER", ProviderGemini)),
			Embedding:            strings.ToLower(getEnv("EMBEDDING_PROVIDER", ProviderOpenAI)),
			GeminiKey:            getEnv("GEMINI_SECRET_KEY", ""),
			GeminiModel:          getEnv("GEMINI_MODEL", ""),
			GeminiEmbeddingModel: getEnv("GEMINI_EMBEDDING_MODEL", ""),
			OpenAIKey:            getEnv("OPENAI_SECRET_KEY", ""),
			OpenAIBaseURL:        getEnv("OPENAI_BASE_URL", ""),
			OpenAIChatModel:      getEnv("OPENAI_CHAT_MODEL", ""),
			OpenAIEmbeddingModel: getEnv("OPENAI_EMBEDDING_MODEL", ""),
			Timeout:              getEnvDuration("PROVIDER_TIMEOUT", 30*time.Second),
			MaxWorkers:           getEnvInt("PROVIDER_MAX_WORKERS", 10),
			EmbedMaxInputChars:   getEnvInt("EMBED_MAX_INPUT_CHARS", 8000),
		},
		Retrieval: RetrievalConfig{
			Threshold: getEnvFloat("RETRIEVAL_THRESHOLD", 0.65),
			Limit:     getEnvInt("RETRIEVAL_LIMIT", 5),
		},
		Session: SessionConfig{
			RetryCeiling: getEnvInt("SESSION_RETRY_CEILING", 3),
			ForcePenalty: getEnvFloat("SESSION_FORCE_PENALTY", 5),
			SuccessAward: getEnvFloat("SESSION_SUCCESS_AWARD", 10),
		},
		Curriculum: CurriculumConfig{
			Path:  getEnv("CURRICULUM_PATH", ""),
			Watch: getEnvBool("CURRICULUM_WATCH", false),
		},
		Telegram: TelegramConfig{
			Token: getEnv("TELEGRAM_BOT_TOKEN", ""),
			Debug: getEnvBool("TELEGRAM_DEBUG", false),
		},
		Humanize: HumanizeConfig{
			Enabled: getEnvBool("HUMANIZE_ENABLED", false),
			Rate:    getEnvFloat("HUMANIZE_RATE", 0.3),
			Seed:    uint64(getEnvInt("HUMANIZE_SEED", 0)),
		},
		TagBatchSize: getEnvInt("TAG_BATCH_SIZE", 100),
		IndexDelay:   getEnvDuration("INDEX_DELAY", 200*time.Millisecond),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges and provider names.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Providers.Generation {
	case ProviderGemini, ProviderOpenAI:
	default:
		return fmt.Errorf("GENERATION_PROVIDER must be %q or %q, got %q", ProviderGemini, ProviderOpenAI, c.Providers.Generation)
	}
	switch c.Providers.Embedding {
	case ProviderGemini, ProviderOpenAI:
	default:
		return fmt.Errorf("EMBEDDING_PROVIDER must be %q or %q, got %q", ProviderGemini, ProviderOpenAI, c.Providers.Embedding)
	}
	if c.Providers.Timeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be > 0")
	}
	if c.Providers.MaxWorkers <= 0 {
		return fmt.Errorf("PROVIDER_MAX_WORKERS must be > 0")
	}
	if c.Providers.EmbedMaxInputChars <= 0 {
		return fmt.Errorf("EMBED_MAX_INPUT_CHARS must be > 0")
	}
	if c.Retrieval.Threshold < 0 || c.Retrieval.Threshold > 1 {
		return fmt.Errorf("RETRIEVAL_THRESHOLD must be within [0, 1]")
	}
	if c.Retrieval.Limit <= 0 {
		return fmt.Errorf("RETRIEVAL_LIMIT must be > 0")
	}
	if c.Session.RetryCeiling <= 0 {
		return fmt.Errorf("SESSION_RETRY_CEILING must be > 0")
	}
	if c.Session.ForcePenalty < 0 || c.Session.SuccessAward < 0 {
		return fmt.Errorf("SESSION_FORCE_PENALTY and SESSION_SUCCESS_AWARD cannot be negative")
	}
	if c.Humanize.Rate < 0 || c.Humanize.Rate > 1 {
		return fmt.Errorf("HUMANIZE_RATE must be within [0, 1]")
	}
	if c.TagBatchSize <= 0 {
		return fmt.Errorf("TAG_BATCH_SIZE must be > 0")
	}
	if c.IndexDelay < 0 {
		return fmt.Errorf("INDEX_DELAY cannot be negative")
	}
	if c.Postgres.Enabled() && c.Postgres.Name == "" {
		return fmt.Errorf("POSTGRES_DB_NAME cannot be empty when POSTGRES_DB_HOST is set")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
