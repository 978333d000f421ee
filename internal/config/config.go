package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the analysis server and worker.
type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Cache    CacheConfig
	Dispatch DispatchConfig
	AI       AIConfig
}

type ServerConfig struct {
	Port              int
	Env               string
	RequestsPerMinute int
}

type StoreConfig struct {
	// Backend is one of remote, postgres, memory.
	Backend   string
	URL       string
	APIKey    string
	TenantID  string
	Namespace string
	Timeout   time.Duration
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL    string
	Stream string
	Group  string
}

type CacheConfig struct {
	// Backend is one of memory, redis, off.
	Backend     string
	MaxEntries  int
	QueryTTL    time.Duration
	MetadataTTL time.Duration
	NeverTables []string
}

type DispatchConfig struct {
	// Mode is one of poll, queue, off.
	Mode       string
	BatchSize  int
	IdleDelay  time.Duration
	ErrorDelay time.Duration
	JobTimeout time.Duration
	// ClaimIdle is how long a queue delivery may stay unacknowledged before another consumer takes it.
	ClaimIdle time.Duration
}

type AIConfig struct {
	Provider          string
	InferenceTimeout  time.Duration
	CostPer1KTokens   float64
	ClassifyMaxTokens int
	ExtractMaxTokens  int
	// ClassifierModel and CategoryModels override the provider model per
	// stage. Empty means the provider default.
	ClassifierModel   string
	CategoryModels    map[string]string
	PromptsDir        string
	Anthropic         AnthropicConfig
	Gemini            GeminiConfig
	OpenAI            OpenAIConfig
}

type AnthropicConfig struct {
	APIKey string
	Model  string
}

type GeminiConfig struct {
	APIKey string
	Model  string
}

// OpenAIConfig also covers OpenAI-compatible servers such as Groq, Ollama and vLLM.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

var validProviders = map[string]bool{
	"anthropic": true,
	"gemini":    true,
	"openai":    true,
	"mock":      true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:              envInt("PORT", 8080),
			Env:               envString("APP_ENV", "development"),
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Store: StoreConfig{
			Backend:   envString("STORE_BACKEND", "remote"),
			URL:       os.Getenv("DATA_API_URL"),
			APIKey:    os.Getenv("DATA_API_KEY"),
			TenantID:  os.Getenv("TENANT_ID"),
			Namespace: envString("DATA_NAMESPACE", "default"),
			Timeout:   envDuration("DATA_API_TIMEOUT", 20*time.Second),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL:    os.Getenv("REDIS_URL"),
			Stream: envString("REDIS_STREAM", "analysis:jobs"),
			Group:  envString("REDIS_CONSUMER_GROUP", "analysis-workers"),
		},
		Cache: CacheConfig{
			Backend:     envString("CACHE_BACKEND", "memory"),
			MaxEntries:  envInt("CACHE_MAX_ENTRIES", 100),
			QueryTTL:    envDuration("CACHE_QUERY_TTL", 5*time.Second),
			MetadataTTL: envDuration("CACHE_METADATA_TTL", 30*time.Second),
			NeverTables: envList("CACHE_NEVER_TABLES"),
		},
		Dispatch: DispatchConfig{
			Mode:       envString("DISPATCH_MODE", "poll"),
			BatchSize:  envInt("DISPATCH_BATCH_SIZE", 10),
			IdleDelay:  envDuration("DISPATCH_IDLE_DELAY", 5*time.Second),
			ErrorDelay: envDuration("DISPATCH_ERROR_DELAY", 10*time.Second),
			JobTimeout: envDurationSecs("JOB_TIMEOUT_SECS", 600*time.Second),
			ClaimIdle:  envDuration("DISPATCH_CLAIM_IDLE", 5*time.Minute),
		},
		AI: AIConfig{
			Provider:          os.Getenv("AI_PROVIDER"),
			InferenceTimeout:  envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 60*time.Second),
			CostPer1KTokens:   envFloat("AI_COST_PER_1K_TOKENS", 0.002),
			ClassifyMaxTokens: envInt("AI_CLASSIFY_MAX_TOKENS", 50),
			ExtractMaxTokens:  envInt("AI_EXTRACT_MAX_TOKENS", 500),
			ClassifierModel:   os.Getenv("AI_CLASSIFIER_MODEL"),
			PromptsDir:        os.Getenv("PROMPTS_DIR"),
			CategoryModels: map[string]string{
				"food":    os.Getenv("AI_FOOD_MODEL"),
				"receipt": os.Getenv("AI_RECEIPT_MODEL"),
				"workout": os.Getenv("AI_WORKOUT_MODEL"),
			},
			Anthropic: AnthropicConfig{
				APIKey: os.Getenv("ANTHROPIC_API_KEY"),
				Model:  envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
			},
			Gemini: GeminiConfig{
				APIKey: os.Getenv("GEMINI_API_KEY"),
				Model:  envString("GEMINI_MODEL", "gemini-2.5-flash"),
			},
			OpenAI: OpenAIConfig{
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o-mini"),
			},
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "remote":
		if c.Store.URL == "" {
			return fmt.Errorf("DATA_API_URL is required when STORE_BACKEND is remote")
		}
		if !strings.HasPrefix(c.Store.URL, "http://") && !strings.HasPrefix(c.Store.URL, "https://") {
			return fmt.Errorf("DATA_API_URL must start with http:// or https://, got %q", c.Store.URL)
		}
		if c.Store.TenantID == "" {
			return fmt.Errorf("TENANT_ID is required when STORE_BACKEND is remote")
		}
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("STORE_BACKEND must be one of remote, postgres, memory; got %q", c.Store.Backend)
	}

	switch c.Cache.Backend {
	case "memory", "off":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required when CACHE_BACKEND is redis")
		}
	default:
		return fmt.Errorf("CACHE_BACKEND must be one of memory, redis, off; got %q", c.Cache.Backend)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("CACHE_MAX_ENTRIES must be positive, got %d", c.Cache.MaxEntries)
	}

	switch c.Dispatch.Mode {
	case "poll", "off":
	case "queue":
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required when DISPATCH_MODE is queue")
		}
	default:
		return fmt.Errorf("DISPATCH_MODE must be one of poll, queue, off; got %q", c.Dispatch.Mode)
	}
	if c.Dispatch.BatchSize <= 0 {
		return fmt.Errorf("DISPATCH_BATCH_SIZE must be positive, got %d", c.Dispatch.BatchSize)
	}
	if c.Dispatch.JobTimeout <= 0 {
		return fmt.Errorf("JOB_TIMEOUT_SECS must be positive")
	}

	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER is required")
	}
	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of anthropic, gemini, openai, mock; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "anthropic" && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic")
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" && strings.Contains(c.AI.OpenAI.BaseURL, "api.openai.com") {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if c.AI.Provider == "gemini" && c.AI.Gemini.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required when AI_PROVIDER is gemini")
	}
	if c.AI.CostPer1KTokens < 0 {
		return fmt.Errorf("AI_COST_PER_1K_TOKENS must not be negative")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

// envList splits a comma-separated value, dropping empty entries.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
