// Package config loads process settings from the environment and the scoring policy from YAML.
package config

import (
	"os"
	"strings"
	"time"
)

// Config holds the infrastructure settings of the service.
type Config struct {
	HTTPAddr             string
	DatabaseDSN          string
	RedisAddr            string
	FeatureExtractorAddr string
	JWTSecret            string
	JWTAudience          string
	PolicyFile           string
	LogLevel             string
	OCRLanguages         []string
	OCRTimeout           time.Duration
	FeatureTimeout       time.Duration
}

// Load reads the configuration from environment variables, falling back to defaults.
func Load() Config {
	return Config{
		HTTPAddr:             GetEnv("HTTP_ADDR", ":8080"),
		DatabaseDSN:          GetEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=docverify port=5432 sslmode=disable"),
		RedisAddr:            GetEnv("REDIS_ADDR", "redis:6379"),
		FeatureExtractorAddr: os.Getenv("FEATURE_EXTRACTOR_ADDR"),
		JWTSecret:            GetEnv("JWT_SECRET", "dev-secret"),
		JWTAudience:          os.Getenv("JWT_AUDIENCE"),
		PolicyFile:           os.Getenv("DOCVERIFY_POLICY_FILE"),
		LogLevel:             GetEnv("LOG_LEVEL", "info"),
		OCRLanguages:         strings.Split(GetEnv("OCR_LANGUAGES", "eng+hin"), "+"),
		OCRTimeout:           getDuration("OCR_TIMEOUT", 20*time.Second),
		FeatureTimeout:       getDuration("FEATURE_TIMEOUT", 10*time.Second),
	}
}

// GetEnv returns the value of key or fallback when it is unset or empty.
func GetEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
