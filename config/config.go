package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// This function will Load the ENVIORNMENT VARIABLES from .env if GO_ENV variable is not set
func LoadENV() error {
	goEnv := os.Getenv("GO_ENV")

	if goEnv == "" || goEnv == "development" {
		err := godotenv.Load()
		if err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	return nil
}

type EnviornmentVariable struct {
	// All variables
	GO_ENV       string
	DB_DRIVER    string // postgres | sqlite
	DB_PATH      string // sqlite file, only used when DB_DRIVER=sqlite
	DB_USER_NAME string
	DB_PASSWORD  string
	DB_NAME      string
	DB_HOST      string
	DB_PORT      string
	DB_SSL_MODE  string
	PORT         int
	// JWT Configuration
	JWT_SECRET string
	JWT_ISSUER string
	// Redis Configuration
	REDIS_URL string
	// CORS
	ALLOWED_ORIGINS string
	// Upstream completion provider
	UPSTREAM_BASE_URL string
	UPSTREAM_API_KEY  string
	UPSTREAM_MODEL    string
	// Streaming
	STREAM_IDLE_TIMEOUT       time.Duration
	STREAM_KEEPALIVE_INTERVAL time.Duration
	STREAM_BUFFER_SIZE        int
	// Quota
	DEFAULT_QUOTA_LIMIT int
	TIER_LIMITS         map[string]int
	// Persistence retries
	FINALIZE_MAX_RETRIES int
	// Background jobs
	CRON_ENABLED       bool
	ARCHIVE_IDLE_AFTER time.Duration // 0 disables idle archiving
	// Graceful shutdown
	SHUTDOWN_TIMEOUT time.Duration
	// Transcript archive (S3 compatible)
	ARCHIVE_ACCESS_KEY string
	ARCHIVE_SECRET_KEY string
	ARCHIVE_BUCKET     string
	ARCHIVE_REGION     string
	ARCHIVE_ENDPOINT   string
}

func Get() (*EnviornmentVariable, error) {

	port, err := strconv.Atoi(os.Getenv("PORT"))
	if err != nil {
		port = 8080
	}

	tierLimits, err := ParseTierLimits(getEnv("TIER_LIMITS", "free:50,pro:1000,enterprise:-1"))
	if err != nil {
		return nil, err
	}

	envVariables := &EnviornmentVariable{
		GO_ENV:       os.Getenv("GO_ENV"),
		DB_DRIVER:    getEnv("DB_DRIVER", "postgres"),
		DB_PATH:      getEnv("DB_PATH", "chat-relay.db"),
		DB_USER_NAME: os.Getenv("DB_USER_NAME"),
		DB_PASSWORD:  os.Getenv("DB_PASSWORD"),
		DB_NAME:      os.Getenv("DB_NAME"),
		DB_HOST:      getEnv("DB_HOST", "localhost"),
		DB_PORT:      getEnv("DB_PORT", "5432"),
		DB_SSL_MODE:  getEnv("DB_SSL_MODE", "disable"),
		PORT:         port,
		// JWT
		JWT_SECRET: os.Getenv("JWT_SECRET"),
		JWT_ISSUER: getEnv("JWT_ISSUER", "chat-relay"),
		// Redis
		REDIS_URL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
		// CORS
		ALLOWED_ORIGINS: getEnv("ALLOWED_ORIGINS", "http://localhost:3000"),
		// Upstream
		UPSTREAM_BASE_URL: getEnv("UPSTREAM_BASE_URL", "http://localhost:11434/v1"),
		UPSTREAM_API_KEY:  os.Getenv("UPSTREAM_API_KEY"),
		UPSTREAM_MODEL:    getEnv("UPSTREAM_MODEL", "llama3.1:8b"),
		// Streaming
		STREAM_IDLE_TIMEOUT:       getEnvAsDuration("STREAM_IDLE_TIMEOUT", 60*time.Second),
		STREAM_KEEPALIVE_INTERVAL: getEnvAsDuration("STREAM_KEEPALIVE_INTERVAL", 15*time.Second),
		STREAM_BUFFER_SIZE:        getEnvAsInt("STREAM_BUFFER_SIZE", 32),
		// Quota
		DEFAULT_QUOTA_LIMIT: getEnvAsInt("DEFAULT_QUOTA_LIMIT", 50),
		TIER_LIMITS:         tierLimits,
		// Persistence
		FINALIZE_MAX_RETRIES: getEnvAsInt("FINALIZE_MAX_RETRIES", 5),
		// Cron (default to enabled)
		CRON_ENABLED:       os.Getenv("CRON_ENABLED") != "false",
		ARCHIVE_IDLE_AFTER: getEnvAsDuration("ARCHIVE_IDLE_AFTER", 0),
		SHUTDOWN_TIMEOUT:   getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		// Archive
		ARCHIVE_ACCESS_KEY: os.Getenv("ARCHIVE_ACCESS_KEY"),
		ARCHIVE_SECRET_KEY: os.Getenv("ARCHIVE_SECRET_KEY"),
		ARCHIVE_BUCKET:     os.Getenv("ARCHIVE_BUCKET"),
		ARCHIVE_REGION:     getEnv("ARCHIVE_REGION", "us-east-1"),
		ARCHIVE_ENDPOINT:   os.Getenv("ARCHIVE_ENDPOINT"),
	}

	return envVariables, nil
}

// IsProduction reports whether GO_ENV is production
func (e *EnviornmentVariable) IsProduction() bool {
	return e.GO_ENV == "production"
}

// ArchiveEnabled reports whether transcript archiving has a bucket configured
func (e *EnviornmentVariable) ArchiveEnabled() bool {
	return e.ARCHIVE_BUCKET != "" && e.ARCHIVE_ACCESS_KEY != "" && e.ARCHIVE_SECRET_KEY != ""
}

// ParseTierLimits parses "tier:limit" pairs separated by commas, e.g. "free:50,pro:-1".
func ParseTierLimits(raw string) (map[string]int, error) {
	limits := make(map[string]int)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("invalid TIER_LIMITS entry %q", pair)
		}
		limit, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid limit for tier %q: %w", name, err)
		}
		limits[strings.TrimSpace(name)] = limit
	}
	return limits, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
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
	if value, err := time.ParseDuration(os.Getenv(key)); err == nil && value > 0 {
		return value
	}
	return defaultValue
}
