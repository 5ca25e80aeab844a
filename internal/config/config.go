// Package config provides configuration management for seqfunc.
// Settings load from environment variables with the SEQFUNC_ prefix, with
// sensible defaults for every option; an optional YAML file (SEQFUNC_CONFIG
// or an explicit path) overrides the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the seqfunc knowledge base.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Engine    EngineConfig    `yaml:"engine"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StorageConfig contains database configuration.
type StorageConfig struct {
	// Backend selects the storage engine: sqlite or postgres (default: sqlite).
	Backend string `yaml:"backend"`

	// DSN is the database path (sqlite) or connection string (postgres).
	DSN string `yaml:"dsn"`

	// VectorDimension sizes the pgvector column on the postgres backend.
	VectorDimension int `yaml:"vector_dimension"`
}

// EmbeddingConfig contains embedding provider configuration.
type EmbeddingConfig struct {
	// Provider selects the embedding backend: ollama or openai (default: ollama).
	Provider string `yaml:"provider"`

	OllamaURL   string `yaml:"ollama_url"`   // default: http://localhost:11434
	OllamaModel string `yaml:"ollama_model"` // default: nomic-embed-text

	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIModel   string `yaml:"openai_model"` // default: text-embedding-3-small
	OpenAIBaseURL string `yaml:"openai_base_url"`

	// Timeout is the per-request timeout for embedding calls.
	Timeout time.Duration `yaml:"timeout"`

	// RequestsPerSecond caps the embedding request rate; 0 means unlimited.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// EngineConfig contains reconciliation and query parameters.
type EngineConfig struct {
	// SimilarityThreshold is the cosine threshold for corroboration.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// BackfillInterval is how often pending embeddings are retried.
	BackfillInterval time.Duration `yaml:"backfill_interval"`

	// SearchK is the default query result count.
	SearchK int `yaml:"search_k"`
}

// LoggingConfig contains logger configuration.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`

	// Development switches zap to its human-readable development encoder.
	Development bool `yaml:"development"`
}

// Load builds the configuration from environment variables, then overlays the
// YAML file at path if given (or at $SEQFUNC_CONFIG when path is empty and
// that variable is set).
func Load(path string) (*Config, error) {
	cfg := fromEnv()

	if path == "" {
		path = os.Getenv("SEQFUNC_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for structural validity.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid storage backend %q (want sqlite or postgres)", c.Storage.Backend)
	}
	switch c.Embedding.Provider {
	case "ollama":
	case "openai":
		if c.Embedding.OpenAIAPIKey == "" {
			return fmt.Errorf("openai provider requires an api key")
		}
	default:
		return fmt.Errorf("invalid embedding provider %q (want ollama or openai)", c.Embedding.Provider)
	}
	if c.Engine.SimilarityThreshold <= 0 || c.Engine.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be in (0,1], got %g", c.Engine.SimilarityThreshold)
	}
	return nil
}

func fromEnv() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:         getEnv("SEQFUNC_STORAGE_BACKEND", "sqlite"),
			DSN:             getEnv("SEQFUNC_STORAGE_DSN", "./seqfunc.db"),
			VectorDimension: getEnvInt("SEQFUNC_VECTOR_DIMENSION", 768),
		},
		Embedding: EmbeddingConfig{
			Provider:          getEnv("SEQFUNC_EMBEDDING_PROVIDER", "ollama"),
			OllamaURL:         getEnv("SEQFUNC_OLLAMA_URL", "http://localhost:11434"),
			OllamaModel:       getEnv("SEQFUNC_OLLAMA_MODEL", "nomic-embed-text"),
			OpenAIAPIKey:      getEnv("SEQFUNC_OPENAI_API_KEY", ""),
			OpenAIModel:       getEnv("SEQFUNC_OPENAI_MODEL", "text-embedding-3-small"),
			OpenAIBaseURL:     getEnv("SEQFUNC_OPENAI_BASE_URL", ""),
			Timeout:           getEnvDuration("SEQFUNC_EMBEDDING_TIMEOUT", 10*time.Second),
			RequestsPerSecond: getEnvFloat("SEQFUNC_EMBEDDING_RPS", 0),
		},
		Engine: EngineConfig{
			SimilarityThreshold: getEnvFloat("SEQFUNC_SIMILARITY_THRESHOLD", 0.9),
			BackfillInterval:    getEnvDuration("SEQFUNC_BACKFILL_INTERVAL", time.Minute),
			SearchK:             getEnvInt("SEQFUNC_SEARCH_K", 10),
		},
		Logging: LoggingConfig{
			Level:       getEnv("SEQFUNC_LOG_LEVEL", "info"),
			Development: getEnvBool("SEQFUNC_LOG_DEVELOPMENT", false),
		},
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
