package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL"`

	// Fast cache
	RedisURL string `env:"REDIS_URL"`

	// Discord
	DiscordClientID     string        `env:"DISCORD_CLIENT_ID"`
	DiscordClientSecret string        `env:"DISCORD_CLIENT_SECRET"`
	DiscordAPIBaseURL   string        `env:"DISCORD_API_BASE_URL" validate:"url"`
	DiscordHTTPTimeout  time.Duration `env:"DISCORD_HTTP_TIMEOUT" validate:"gt=0"`

	// Cache TTL
	TokenCacheTTL      time.Duration `env:"TOKEN_CACHE_TTL" validate:"gt=0"`
	MessageSnapshotTTL time.Duration `env:"MESSAGE_SNAPSHOT_TTL" validate:"gt=0"`

	// Worker
	WorkerConcurrency         int           `env:"WORKER_CONCURRENCY" validate:"gte=1,lte=100"`
	WorkerPollInterval        time.Duration `env:"WORKER_POLL_INTERVAL" validate:"gt=0"`
	JobLockTimeout            time.Duration `env:"JOB_LOCK_TIMEOUT" validate:"gt=0"`
	ScheduleReconcileInterval time.Duration `env:"SCHEDULE_RECONCILE_INTERVAL" validate:"gt=0"`

	// Retention
	MessageRetentionDays int `env:"MESSAGE_RETENTION_DAYS" validate:"gte=1"`
	JobRetentionDays     int `env:"JOB_RETENTION_DAYS" validate:"gte=1"`

	// Rate Limit (req/min)
	RateLimitGeneral int `env:"RATE_LIMIT_GENERAL" validate:"gte=1"`
	RateLimitWebhook int `env:"RATE_LIMIT_WEBHOOK" validate:"gte=1"`

	// Logging
	LogLevel string `env:"LOG_LEVEL"`

	// Server
	ServerPort string `env:"SERVER_PORT" validate:"numeric"`
	// MetricsPort はワーカープロセスが/metricsと/healthを公開するポート
	MetricsPort string `env:"METRICS_PORT" validate:"numeric"`

	// CORS。カンマ区切りで複数オリジンを指定できる
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合と、値が範囲外の場合はエラーを返す。
// 数値や期間として解釈できない値はデフォルトにフォールバックする。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}

	cfg.DiscordClientID = os.Getenv("DISCORD_CLIENT_ID")
	if cfg.DiscordClientID == "" {
		missing = append(missing, "DISCORD_CLIENT_ID")
	}

	cfg.DiscordClientSecret = os.Getenv("DISCORD_CLIENT_SECRET")
	if cfg.DiscordClientSecret == "" {
		missing = append(missing, "DISCORD_CLIENT_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DiscordAPIBaseURL = strings.TrimRight(getEnvString("DISCORD_API_BASE_URL", "https://discord.com/api/v10"), "/")
	cfg.DiscordHTTPTimeout = getEnvDuration("DISCORD_HTTP_TIMEOUT", 15*time.Second)
	cfg.TokenCacheTTL = getEnvDuration("TOKEN_CACHE_TTL", 24*time.Hour)
	cfg.MessageSnapshotTTL = getEnvDuration("MESSAGE_SNAPSHOT_TTL", time.Hour)
	cfg.WorkerConcurrency = getEnvInt("WORKER_CONCURRENCY", 10)
	cfg.WorkerPollInterval = getEnvDuration("WORKER_POLL_INTERVAL", time.Second)
	cfg.JobLockTimeout = getEnvDuration("JOB_LOCK_TIMEOUT", 5*time.Minute)
	cfg.ScheduleReconcileInterval = getEnvDuration("SCHEDULE_RECONCILE_INTERVAL", 10*time.Minute)
	cfg.MessageRetentionDays = getEnvInt("MESSAGE_RETENTION_DAYS", 90)
	cfg.JobRetentionDays = getEnvInt("JOB_RETENTION_DAYS", 7)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitWebhook = getEnvInt("RATE_LIMIT_WEBHOOK", 600)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var configValidator = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("env")
	})
	return v
}()

// validateConfig はvalidateタグの制約を検査し、違反した環境変数名をまとめて返す。
func validateConfig(cfg *Config) error {
	err := configValidator.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("failed to validate configuration: %w", err)
	}
	invalid := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		invalid = append(invalid, fmt.Sprintf("%s=%v (%s)", fe.Field(), fe.Value(), describeRule(fe)))
	}
	return fmt.Errorf("invalid environment variables: %s", strings.Join(invalid, ", "))
}

func describeRule(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
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

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
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
