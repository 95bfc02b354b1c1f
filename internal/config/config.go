// Package config provides configuration loading and validation.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port      string
	Env       string
	LogLevel  string
	LogFormat string

	// CORS
	AllowedOrigins []string

	// Rate Limiting
	RateLimitRPM   int
	RateLimitBurst int

	// Paths
	CacheDir string // downloaded/derived artifacts
	DataDir  string // sqlite history database
	SaveDir  string // optional override for manually selected downloads

	// Download limits
	ProxyURL           string
	MaxDurationMinutes int
	MaxSizeMB          int64
	RequestTimeout     time.Duration

	// Interactive pipeline
	SelectionTimeout time.Duration
	PushInterval     time.Duration // 0 disables proactive progress pushes
	DeleteAfterSend  bool
	CookiesFile      string

	// Cache cleanup
	CleanupInterval time.Duration
	CacheMaxAge     time.Duration

	// Optional S3-compatible artifact archive
	ArchiveEndpoint  string
	ArchiveRegion    string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchiveBucket    string
	ArchiveMaxAge    time.Duration
}

// Load loads configuration from environment variables, honouring a .env
// file when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		Env:       getEnv("ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:3000"), ","),

		RateLimitRPM:   getEnvInt("RATE_LIMIT_RPM", 30),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 10),

		CacheDir: getEnv("CACHE_DIR", "./cache"),
		DataDir:  getEnv("DATA_DIR", "./data"),
		SaveDir:  getEnv("SAVE_DIR", ""),

		ProxyURL:           getEnv("PROXY_URL", ""),
		MaxDurationMinutes: getEnvInt("MAX_DURATION_MINUTES", 30),
		MaxSizeMB:          getEnvInt64("MAX_SIZE_MB", 200),
		RequestTimeout:     time.Duration(getEnvInt("REQUEST_TIMEOUT", 600)) * time.Second,

		SelectionTimeout: time.Duration(getEnvInt("SELECTION_TIMEOUT", 20)) * time.Second,
		PushInterval:     time.Duration(getEnvInt("PROGRESS_PUSH_INTERVAL", 0)) * time.Second,
		DeleteAfterSend:  getEnvBool("DELETE_AFTER_SEND", true),
		CookiesFile:      getEnv("COOKIES_FILE", ""),

		CleanupInterval: time.Duration(getEnvInt("CLEANUP_INTERVAL", 30)) * time.Minute,
		CacheMaxAge:     time.Duration(getEnvInt("CACHE_MAX_AGE", 120)) * time.Minute,

		ArchiveEndpoint:  getEnv("ARCHIVE_ENDPOINT", ""),
		ArchiveRegion:    getEnv("ARCHIVE_REGION", "auto"),
		ArchiveAccessKey: getEnv("ARCHIVE_ACCESS_KEY_ID", ""),
		ArchiveSecretKey: getEnv("ARCHIVE_SECRET_ACCESS_KEY", ""),
		ArchiveBucket:    getEnv("ARCHIVE_BUCKET", ""),
		ArchiveMaxAge:    time.Duration(getEnvInt("ARCHIVE_MAX_AGE", 0)) * time.Minute,
	}

	return cfg, nil
}

// MaxDuration returns the duration limit for extractor-backed downloads.
func (c *Config) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationMinutes) * time.Minute
}

// MaxBytes returns the byte limit for streamed downloads.
func (c *Config) MaxBytes() int64 {
	return c.MaxSizeMB * 1024 * 1024
}

// ArchiveEnabled reports whether the optional artifact archive is configured.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveEndpoint != "" && c.ArchiveAccessKey != "" &&
		c.ArchiveSecretKey != "" && c.ArchiveBucket != ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
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
