package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port string

	PGURL string
	Redis string

	AsynqConcurrency int // worker concurrency (default 8)

	// fal.ai queue API
	FalKey      string
	FalQueueURL string // default https://queue.fal.run

	// Auth provider (session JWTs issued upstream)
	AuthJWTSecret string // legacy HS256; used only if AuthURL not set
	AuthURL       string // e.g. https://auth.imahe.app — for JWKS verification

	// Billing provider (customer state, usage events, checkout/portal)
	BillingURL   string
	BillingToken string

	// S3/R2 compatible mirror for generated images (Cloudflare R2, MinIO, AWS S3)
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
	S3PublicURL string // e.g. https://media.imahe.app for public read URLs

	// CORS: comma-separated origins. Empty = allow "*"
	CORSOrigins string
}

func Load() *Config {
	return &Config{
		Port:             getEnv("PORT", "8080"),
		PGURL:            getEnv("DATABASE_URL", "postgres://localhost/imahe?sslmode=disable"),
		Redis:            getEnv("REDIS_URL", "redis://localhost:6379"),
		AsynqConcurrency: getEnvInt("ASYNQ_CONCURRENCY", 8),
		FalKey:           strings.TrimSpace(trimQuotes(getEnv("FAL_KEY", ""))),
		FalQueueURL:      strings.TrimSuffix(getEnv("FAL_QUEUE_URL", "https://queue.fal.run"), "/"),
		AuthJWTSecret:    getEnv("AUTH_JWT_SECRET", ""),
		AuthURL:          strings.TrimSuffix(strings.TrimSpace(trimQuotes(getEnv("AUTH_URL", ""))), "/"),
		BillingURL:       strings.TrimSuffix(strings.TrimSpace(trimQuotes(getEnv("BILLING_URL", ""))), "/"),
		BillingToken:     strings.TrimSpace(trimQuotes(getEnv("BILLING_TOKEN", ""))),
		S3Endpoint:       s3Endpoint(),
		S3Region:         getEnv("S3_REGION", "auto"),
		S3Bucket:         getEnv("S3_BUCKET", "imahe"),
		S3AccessKey:      getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:      getEnv("S3_SECRET_KEY", ""),
		S3UseSSL:         getEnvBool("S3_USE_SSL", true),
		S3PublicURL:      strings.TrimSuffix(getEnv("S3_PUBLIC_URL", ""), "/"),
		CORSOrigins:      strings.TrimSpace(getEnv("CORS_ORIGINS", "http://localhost:3000,http://127.0.0.1:3000")),
	}
}

func getEnv(k, defaultV string) string {
	if v := os.Getenv(k); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultV
}

// s3Endpoint returns S3_ENDPOINT with scheme stripped for the AWS SDK.
func s3Endpoint() string {
	raw := getEnv("S3_ENDPOINT", "")
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "https://")
	raw = strings.TrimPrefix(raw, "http://")
	return raw
}

func trimQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}

func getEnvInt(k string, defaultV int) int {
	if v := os.Getenv(k); v != "" {
		n, _ := strconv.Atoi(v)
		return n
	}
	return defaultV
}

func getEnvBool(k string, defaultV bool) bool {
	if v := os.Getenv(k); v != "" {
		return v == "1" || v == "true" || v == "yes"
	}
	return defaultV
}
