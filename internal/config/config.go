// Package config loads and validates all environment variables at startup.
// Every other package receives typed values. Nothing reads os.Getenv directly.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreS3       = "s3"
)

// AI providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderDeepSeek  = "deepseek"
	ProviderGemini    = "gemini"
)

// Config is the fully-parsed application configuration.
type Config struct {
	// ── Server ────────────────────────────────────────────────────────────────
	Port     string // default "8080"
	Env      string // "development" | "staging" | "production"
	LogLevel string // "debug" | "info" | "warn" | "error"; empty picks by Env
	BaseURL  string // dashboard URL used in notification links

	// ── Generation ────────────────────────────────────────────────────────────
	AnthropicAPIKey string
	AnthropicModel  string // default "claude-opus-4-6"

	DeepSeekAPIKey string
	DeepSeekModel  string // default "deepseek-chat"

	GeminiAPIKey string
	GeminiModel  string // default "gemini-2.5-flash"

	// AIPrimary picks the primary provider. The next configured provider in
	// anthropic, gemini, deepseek order becomes the fallback. Default: the
	// first configured provider in that order.
	AIPrimary string
	MaxTokens int // default 16000

	// ── Store ─────────────────────────────────────────────────────────────────
	StoreBackend   string // memory | postgres | sqlite | s3; default memory
	DBDriver       string // postgres (lib/pq) | pgx; default postgres
	DatabaseURL    string
	SQLitePath     string // default "early-warning.db"
	S3Endpoint     string
	S3Region       string // default "us-east-1"
	S3AccessKey    string
	S3SecretKey    string
	S3Bucket       string // default "early-warning-runs"
	S3UseSSL       bool
	StoreCacheSize int // 0 disables the read cache; default 256

	// ── Runs ──────────────────────────────────────────────────────────────────
	MaxConcurrentRuns int           // 0 means unbounded
	StageTimeout      time.Duration // 0 disables the per-stage deadline
	StreamRetention   time.Duration // default 30m
	SweepInterval     time.Duration // default 1m

	// ── Auth ──────────────────────────────────────────────────────────────────
	DeletePasswordHash string // Argon2id "salt$hash"
	AdminJWTSecret     string

	// ── Notify (Resend) ───────────────────────────────────────────────────────
	ResendAPIKey  string
	EmailFromAddr string
	EmailFromName string
	NotifyTo      []string

	// ── Telemetry ─────────────────────────────────────────────────────────────
	OTLPEndpoint string
	OTLPInsecure bool

	// ── Prompts ───────────────────────────────────────────────────────────────
	PromptsFile string // optional YAML stage instruction overrides
}

// Load reads all environment variables and returns a validated Config.
// A .env file in the working directory is loaded first when present.
// Real environment variables always take precedence over .env values.
func Load() (*Config, error) {
	_ = godotenv.Load(".env") // absent file is fine

	c := &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: strings.ToLower(os.Getenv("LOG_LEVEL")),
		BaseURL:  getEnv("BASE_URL", "http://localhost:3000"),

		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  getEnv("ANTHROPIC_MODEL", "claude-opus-4-6"),
		DeepSeekAPIKey:  os.Getenv("DEEPSEEK_API_KEY"),
		DeepSeekModel:   getEnv("DEEPSEEK_MODEL", "deepseek-chat"),
		GeminiAPIKey:    os.Getenv("GEMINI_API_KEY"),
		GeminiModel:     getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		AIPrimary:       strings.ToLower(os.Getenv("AI_PRIMARY")),
		MaxTokens:       getEnvAsInt("MAX_TOKENS", 16000),

		StoreBackend:   strings.ToLower(getEnv("STORE_BACKEND", StoreMemory)),
		DBDriver:       strings.ToLower(getEnv("DB_DRIVER", "postgres")),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		SQLitePath:     getEnv("SQLITE_PATH", "early-warning.db"),
		S3Endpoint:     os.Getenv("S3_ENDPOINT"),
		S3Region:       getEnv("S3_REGION", "us-east-1"),
		S3AccessKey:    os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:    os.Getenv("S3_SECRET_KEY"),
		S3Bucket:       getEnv("S3_BUCKET", "early-warning-runs"),
		S3UseSSL:       getEnvAsBool("S3_USE_SSL", true),
		StoreCacheSize: getEnvAsInt("STORE_CACHE_SIZE", 256),

		MaxConcurrentRuns: getEnvAsInt("MAX_CONCURRENT_RUNS", 0),
		StageTimeout:      getEnvAsDuration("STAGE_TIMEOUT", 0),
		StreamRetention:   getEnvAsDuration("STREAM_RETENTION", 30*time.Minute),
		SweepInterval:     getEnvAsDuration("SWEEP_INTERVAL", time.Minute),

		DeletePasswordHash: os.Getenv("DELETE_PASSWORD_HASH"),
		AdminJWTSecret:     os.Getenv("ADMIN_JWT_SECRET"),

		ResendAPIKey:  os.Getenv("RESEND_API_KEY"),
		EmailFromAddr: getEnv("EMAIL_FROM_ADDR", "alerts@earlywarning.local"),
		EmailFromName: getEnv("EMAIL_FROM_NAME", "Early Warning Analyst"),
		NotifyTo:      getEnvAsList("NOTIFY_TO"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure: getEnvAsBool("OTEL_INSECURE", false),

		PromptsFile: os.Getenv("PROMPTS_FILE"),
	}

	if c.AIPrimary == "" {
		c.AIPrimary = c.firstProvider()
	}

	return c, c.validate()
}

// LoadAdminSecret reads ADMIN_JWT_SECRET alone, for tooling that needs none
// of the server settings.
func LoadAdminSecret() (string, error) {
	_ = godotenv.Load(".env")
	secret := os.Getenv("ADMIN_JWT_SECRET")
	if secret == "" {
		return "", errors.New("missing required env var: ADMIN_JWT_SECRET")
	}
	return secret, nil
}

// IsProduction reports whether Env is "production".
func (c *Config) IsProduction() bool { return c.Env == "production" }

// NotifyEnabled reports whether completion emails can be sent.
func (c *Config) NotifyEnabled() bool {
	return c.ResendAPIKey != "" && len(c.NotifyTo) > 0
}

// HasProvider reports whether the named AI provider has an API key.
func (c *Config) HasProvider(name string) bool {
	switch name {
	case ProviderAnthropic:
		return c.AnthropicAPIKey != ""
	case ProviderDeepSeek:
		return c.DeepSeekAPIKey != ""
	case ProviderGemini:
		return c.GeminiAPIKey != ""
	}
	return false
}

// FallbackProvider returns the provider used when AIPrimary fails, or "".
func (c *Config) FallbackProvider() string {
	for _, p := range providerOrder {
		if p != c.AIPrimary && c.HasProvider(p) {
			return p
		}
	}
	return ""
}

var providerOrder = []string{ProviderAnthropic, ProviderGemini, ProviderDeepSeek}

func (c *Config) firstProvider() string {
	for _, p := range providerOrder {
		if c.HasProvider(p) {
			return p
		}
	}
	return ""
}

func (c *Config) validate() error {
	var errs []error

	// At least one AI provider must be configured.
	if c.firstProvider() == "" {
		errs = append(errs, errors.New("at least one of ANTHROPIC_API_KEY, GEMINI_API_KEY or DEEPSEEK_API_KEY must be set"))
	} else if !c.HasProvider(c.AIPrimary) {
		errs = append(errs, fmt.Errorf("AI_PRIMARY %q is not a configured provider", c.AIPrimary))
	}

	if c.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("MAX_TOKENS must be positive, got %d", c.MaxTokens))
	}

	switch c.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("missing required env var: DATABASE_URL (STORE_BACKEND=postgres)"))
		}
		if c.DBDriver != "postgres" && c.DBDriver != "pgx" {
			errs = append(errs, fmt.Errorf("DB_DRIVER must be postgres or pgx, got %q", c.DBDriver))
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("missing required env var: SQLITE_PATH (STORE_BACKEND=sqlite)"))
		}
	case StoreS3:
		required := map[string]string{
			"S3_ENDPOINT":   c.S3Endpoint,
			"S3_ACCESS_KEY": c.S3AccessKey,
			"S3_SECRET_KEY": c.S3SecretKey,
		}
		for name, val := range required {
			if val == "" {
				errs = append(errs, fmt.Errorf("missing required env var: %s (STORE_BACKEND=s3)", name))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be one of memory, postgres, sqlite, s3; got %q", c.StoreBackend))
	}

	if c.StoreCacheSize < 0 {
		errs = append(errs, fmt.Errorf("STORE_CACHE_SIZE must not be negative, got %d", c.StoreCacheSize))
	}
	if c.MaxConcurrentRuns < 0 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_RUNS must not be negative, got %d", c.MaxConcurrentRuns))
	}
	if c.StreamRetention <= 0 {
		errs = append(errs, errors.New("STREAM_RETENTION must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}

	if c.ResendAPIKey != "" && len(c.NotifyTo) == 0 {
		errs = append(errs, errors.New("NOTIFY_TO must be set when RESEND_API_KEY is set"))
	}

	return errors.Join(errs...)
}

// ─── HELPERS ─────────────────────────────────────────────────────────────────

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	// A plain integer is seconds.
	if value, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(value) * time.Second
	}
	// Fall back to Go duration syntax: "30s", "5m", "1h", etc.
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma-separated value, dropping blanks.
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
