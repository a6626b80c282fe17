package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Storage. If PostgresDSN is set the gateway uses Postgres for the
	// tenant directory and usage ledger; otherwise it falls back to the
	// JSON snapshot file at DataFile.
	PostgresDSN string
	DataFile    string // default: data.json

	// Cache / rate limiting (optional; disabled when RedisAddr is empty)
	RedisAddr string

	// Upstream provider
	OpenRouterAPIKey  string
	OpenRouterBaseURL string // default: https://openrouter.ai/api/v1
	UpstreamTimeoutS  int    // seconds, default: 60

	// Admin
	AdminPassword string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		DataFile:             getEnv("DATA_FILE", "data.json"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenRouterAPIKey:     os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterBaseURL:    getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		AdminPassword:        os.Getenv("ADMIN_PASSWORD"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	timeoutStr := getEnv("UPSTREAM_TIMEOUT_SECONDS", "60")
	timeout, err := strconv.Atoi(timeoutStr)
	if err != nil || timeout <= 0 {
		return nil, fmt.Errorf("invalid UPSTREAM_TIMEOUT_SECONDS: %q", timeoutStr)
	}
	cfg.UpstreamTimeoutS = timeout

	tpmStr := getEnv("DEFAULT_RATE_LIMIT_TPM", "100000")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	// Validation
	if cfg.OpenRouterAPIKey == "" {
		return nil, fmt.Errorf("OPENROUTER_API_KEY is required")
	}
	if cfg.AdminPassword == "" {
		return nil, fmt.Errorf("ADMIN_PASSWORD is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
