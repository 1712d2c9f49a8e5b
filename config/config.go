package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache / queues
	RedisAddr string

	// Model provider
	GeminiAPIKey    string
	GeminiModel     string        // default: gemini-2.0-flash
	UpstreamTimeout time.Duration // default: 60s

	// Pricing (EUR per million tokens)
	PriceInputPer1M  float64 // default: 0.10
	PriceOutputPer1M float64 // default: 0.40

	// Budget policy
	SoftLimitRatio     float64 // default: 0.80
	BudgetMarginTarget float64 // default: 0.50
	MaxOutputTokens    int     // absolute per-response ceiling, default: 8192
	SoftLimitTokenCap  int     // ceiling under soft limit, default: 1024
	MinOutputTokens    int     // unconditional floor, default: 256

	// Plans (EUR)
	PAYGHourlyRate       float64 // default: 10
	StarterMonthlyPrice  float64 // default: 100
	StarterIncludedHours int     // default: 15

	// Billing provider (metered usage)
	StripeAPIKey         string
	StripeMeterEventName string // default: solvia_usage_minutes

	// Token estimation: "heuristic" or "tiktoken"
	Tokenizer        string
	TiktokenEncoding string // default: cl100k_base

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate limiting
	DefaultRateLimitRPM int64 // chat requests per minute per user, default: 60

	// Background sweeps
	SessionMaxActive time.Duration // ACTIVE sessions older than this get closed, default: 6h
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		GeminiAPIKey:         os.Getenv("GOOGLE_AI_STUDIO_KEY"),
		GeminiModel:          getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		StripeAPIKey:         os.Getenv("STRIPE_SECRET_KEY"),
		StripeMeterEventName: getEnv("STRIPE_METER_EVENT_NAME", "solvia_usage_minutes"),
		Tokenizer:            getEnv("TOKENIZER", "heuristic"),
		TiktokenEncoding:     getEnv("TIKTOKEN_ENCODING", "cl100k_base"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.PriceInputPer1M, err = getEnvFloat("AI_PRICE_INPUT_PER_1M", 0.10); err != nil {
		return nil, err
	}
	if cfg.PriceOutputPer1M, err = getEnvFloat("AI_PRICE_OUTPUT_PER_1M", 0.40); err != nil {
		return nil, err
	}
	if cfg.SoftLimitRatio, err = getEnvFloat("SOFT_LIMIT_RATIO", 0.80); err != nil {
		return nil, err
	}
	if cfg.BudgetMarginTarget, err = getEnvFloat("BUDGET_MARGIN_TARGET", 0.50); err != nil {
		return nil, err
	}
	if cfg.PAYGHourlyRate, err = getEnvFloat("PAYG_HOURLY_RATE_EUR", 10); err != nil {
		return nil, err
	}
	if cfg.StarterMonthlyPrice, err = getEnvFloat("STARTER_MONTHLY_PRICE_EUR", 100); err != nil {
		return nil, err
	}
	if cfg.MaxOutputTokens, err = getEnvInt("MAX_OUTPUT_TOKENS", 8192); err != nil {
		return nil, err
	}
	if cfg.SoftLimitTokenCap, err = getEnvInt("SOFT_LIMIT_TOKEN_CAP", 1024); err != nil {
		return nil, err
	}
	if cfg.MinOutputTokens, err = getEnvInt("MIN_OUTPUT_TOKENS", 256); err != nil {
		return nil, err
	}
	if cfg.StarterIncludedHours, err = getEnvInt("STARTER_INCLUDED_HOURS", 15); err != nil {
		return nil, err
	}
	if cfg.UpstreamTimeout, err = getEnvDuration("UPSTREAM_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.SessionMaxActive, err = getEnvDuration("SESSION_MAX_ACTIVE", 6*time.Hour); err != nil {
		return nil, err
	}

	rpmStr := getEnv("DEFAULT_RATE_LIMIT_RPM", "60")
	rpm, err := strconv.ParseInt(rpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_RPM: %w", err)
	}
	cfg.DefaultRateLimitRPM = rpm

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.Tokenizer != "heuristic" && cfg.Tokenizer != "tiktoken" {
		return nil, fmt.Errorf("TOKENIZER must be \"heuristic\" or \"tiktoken\", got %q", cfg.Tokenizer)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
