package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config contains the complete configuration for a relational memory
// client: storage backend, embedding provider, optional LLM classifier,
// governance thresholds and worker intervals.
type Config struct {
	// Storage selects and configures the persistence backend.
	Storage StorageConfig `json:"storage"`

	// Embedder configures the embedding provider.
	Embedder EmbedderConfig `json:"embedder"`

	// LLM configures the optional classifier/arbitrator provider.
	// An empty provider disables LLM paths; rule-based fallbacks apply.
	LLM LLMConfig `json:"llm,omitempty"`

	// Governance tunes scoring, promotion and conflict handling.
	Governance GovernanceConfig `json:"governance"`

	// Workers tunes the background maintenance cycles.
	Workers WorkerConfig `json:"workers"`
}

// StorageConfig selects the persistence backend.
//
// Supported providers: sqlite, postgres, mysql, memory.
type StorageConfig struct {
	// Provider is the backend name.
	Provider string `json:"provider"`

	// DBPath is the database file path (sqlite).
	DBPath string `json:"db_path,omitempty"`

	// Host, Port, User, Password, DBName configure server backends.
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	DBName   string `json:"db_name,omitempty"`

	// SSLMode configures postgres TLS. Defaults to "disable".
	SSLMode string `json:"ssl_mode,omitempty"`
}

// EmbedderConfig configures the embedding provider.
//
// Supported providers: openai. An empty provider disables embedding;
// retrieval then degrades to lexical ranking.
type EmbedderConfig struct {
	// Provider is the embedding provider name.
	Provider string `json:"provider"`

	// APIKey authenticates against the provider.
	APIKey string `json:"api_key"`

	// Model is the embedding model name.
	Model string `json:"model,omitempty"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `json:"base_url,omitempty"`

	// Dimensions is the vector width every stored memory must match.
	Dimensions int `json:"dimensions,omitempty"`

	// CacheSize bounds the embedding cache entry count. Zero uses the
	// default; negative disables caching.
	CacheSize int64 `json:"cache_size,omitempty"`
}

// LLMConfig configures the optional classifier provider.
//
// Supported providers: openai, anthropic, ollama.
type LLMConfig struct {
	// Provider is the LLM provider name. Empty disables LLM paths.
	Provider string `json:"provider,omitempty"`

	// APIKey authenticates against the provider.
	APIKey string `json:"api_key,omitempty"`

	// Model is the model name.
	Model string `json:"model,omitempty"`

	// BaseURL overrides the provider endpoint (openai, ollama).
	BaseURL string `json:"base_url,omitempty"`
}

// GovernanceConfig tunes scoring, promotion and conflict handling.
type GovernanceConfig struct {
	// PromotionThreshold is the validated count required for promotion.
	PromotionThreshold int `json:"promotion_threshold,omitempty"`

	// PromotionScoreFloor is the minimum score for promotion.
	PromotionScoreFloor float64 `json:"promotion_score_floor,omitempty"`

	// TopicThreshold is the similarity above which two memories are
	// considered same-topic for contradiction checks.
	TopicThreshold float64 `json:"topic_threshold,omitempty"`
}

// WorkerConfig tunes the background maintenance cycles.
type WorkerConfig struct {
	// DecayInterval is the period of the score decay job.
	DecayInterval time.Duration `json:"decay_interval,omitempty"`

	// PromotionInterval is the period of the promotion sweep.
	PromotionInterval time.Duration `json:"promotion_interval,omitempty"`

	// ArbitrationInterval is the period of the conflict dispatch job.
	ArbitrationInterval time.Duration `json:"arbitration_interval,omitempty"`

	// ArchiveInterval is the period of the archive sweep.
	ArchiveInterval time.Duration `json:"archive_interval,omitempty"`
}

// LoadConfigFromEnv loads configuration from RELMEM_-prefixed
// environment variables, reading a .env file first if one is found in
// the working directory or up to five levels above it.
func LoadConfigFromEnv() (*Config, error) {
	if envPath, found := FindEnvFile(); found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	provider := getEnvOrDefault("RELMEM_STORAGE_PROVIDER", "sqlite")
	port, _ := strconv.Atoi(os.Getenv("RELMEM_STORAGE_PORT"))
	dims, _ := strconv.Atoi(getEnvOrDefault("RELMEM_EMBEDDING_DIMENSIONS", "1536"))

	config := &Config{
		Storage: StorageConfig{
			Provider: provider,
			DBPath:   getEnvOrDefault("RELMEM_SQLITE_PATH", "./relmem.db"),
			Host:     getEnvOrDefault("RELMEM_STORAGE_HOST", "localhost"),
			Port:     port,
			User:     os.Getenv("RELMEM_STORAGE_USER"),
			Password: os.Getenv("RELMEM_STORAGE_PASSWORD"),
			DBName:   getEnvOrDefault("RELMEM_STORAGE_DBNAME", "relmem"),
			SSLMode:  getEnvOrDefault("RELMEM_STORAGE_SSLMODE", "disable"),
		},
		Embedder: EmbedderConfig{
			Provider:   getEnvOrDefault("RELMEM_EMBEDDING_PROVIDER", "openai"),
			APIKey:     os.Getenv("RELMEM_EMBEDDING_API_KEY"),
			Model:      os.Getenv("RELMEM_EMBEDDING_MODEL"),
			BaseURL:    os.Getenv("RELMEM_EMBEDDING_BASE_URL"),
			Dimensions: dims,
		},
		LLM: LLMConfig{
			Provider: os.Getenv("RELMEM_LLM_PROVIDER"),
			APIKey:   os.Getenv("RELMEM_LLM_API_KEY"),
			Model:    os.Getenv("RELMEM_LLM_MODEL"),
			BaseURL:  os.Getenv("RELMEM_LLM_BASE_URL"),
		},
	}

	if v := os.Getenv("RELMEM_PROMOTION_THRESHOLD"); v != "" {
		config.Governance.PromotionThreshold, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("RELMEM_PROMOTION_SCORE_FLOOR"); v != "" {
		config.Governance.PromotionScoreFloor, _ = strconv.ParseFloat(v, 64)
	}
	if v := os.Getenv("RELMEM_DECAY_INTERVAL"); v != "" {
		config.Workers.DecayInterval, _ = time.ParseDuration(v)
	}

	return config, nil
}

// LoadConfigFromJSON loads configuration from a JSON file.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapErr("LoadConfigFromJSON", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, wrapErr("LoadConfigFromJSON", err)
	}
	return &config, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Storage.Provider {
	case "sqlite", "postgres", "mysql", "memory":
	case "":
		return wrapErr("Validate", fmt.Errorf("%w: storage provider is required", ErrInvalidConfig))
	default:
		return wrapErr("Validate", fmt.Errorf("%w: unknown storage provider %q", ErrInvalidConfig, c.Storage.Provider))
	}

	if c.Embedder.Provider != "" && c.Embedder.Dimensions <= 0 {
		return wrapErr("Validate", fmt.Errorf("%w: embedding dimensions must be positive", ErrInvalidConfig))
	}
	return nil
}

// getEnvOrDefault gets an environment variable or returns the default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// FindEnvFile searches for a .env or .env.example file, checking the
// current directory and up to five levels above it.
func FindEnvFile() (string, bool) {
	if _, err := os.Stat(".env"); err == nil {
		return ".env", true
	}
	if _, err := os.Stat(".env.example"); err == nil {
		return ".env.example", true
	}

	dir, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		envExamplePath := filepath.Join(dir, ".env.example")

		if _, err := os.Stat(envPath); err == nil {
			return envPath, true
		}
		if _, err := os.Stat(envExamplePath); err == nil {
			return envExamplePath, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}
