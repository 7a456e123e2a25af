package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const developmentSecret = "sofvo-development-secret"

// Config holds all configuration for the application.
type Config struct {
	Port        string `yaml:"port"`
	Env         string `yaml:"env"`
	LogLevel    string `yaml:"log_level"`
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
	RedisURL    string `yaml:"redis_url"`

	// Auth
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`

	// Streaming and notifications
	StreamHeartbeat       time.Duration `yaml:"stream_heartbeat"`
	NotificationRetention time.Duration `yaml:"notification_retention"`
	RetentionCron         string        `yaml:"retention_cron"`

	// CORS
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Rate limiting
	RateLimitWhitelist []string `yaml:"rate_limit_whitelist"` // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     `yaml:"auto_block_enabled"`   // Enable auto-blocking after repeated violations
}

func defaults() *Config {
	return &Config{
		Port:                  "8080",
		Env:                   "development",
		LogLevel:              "info",
		TokenTTL:              24 * time.Hour,
		StreamHeartbeat:       25 * time.Second,
		NotificationRetention: 30 * 24 * time.Hour,
		RetentionCron:         "0 3 * * *",
		AllowedOrigins:        []string{"*"},
	}
}

// Load reads configuration from an optional YAML file and environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := defaults()
	if path := os.Getenv("SOFVO_CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			panic(err.Error())
		}
	}
	applyEnv(cfg)

	if cfg.JWTSecret == "" && cfg.Env != "production" {
		cfg.JWTSecret = developmentSecret
	}

	// In production, require database, redis and a signing secret
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
		if cfg.JWTSecret == "" {
			panic("JWT_SECRET is required in production")
		}
	}

	return cfg
}

// loadFile merges a YAML file over the defaults.
func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides cfg with any variables set in the environment.
func applyEnv(cfg *Config) {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.Env = getEnv("ENV", cfg.Env)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.SQLitePath = getEnv("SQLITE_PATH", cfg.SQLitePath)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.TokenTTL = getDuration("TOKEN_TTL", cfg.TokenTTL)
	cfg.StreamHeartbeat = getDuration("STREAM_HEARTBEAT", cfg.StreamHeartbeat)
	cfg.NotificationRetention = getDuration("NOTIFICATION_RETENTION", cfg.NotificationRetention)
	cfg.RetentionCron = getEnv("RETENTION_CRON", cfg.RetentionCron)

	if v := os.Getenv("AUTO_BLOCK_ENABLED"); v != "" {
		cfg.AutoBlockEnabled = v == "true"
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	// Parse whitelist (comma-separated IPs or CIDRs)
	if v := os.Getenv("RATE_LIMIT_WHITELIST"); v != "" {
		cfg.RateLimitWhitelist = splitList(v)
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
