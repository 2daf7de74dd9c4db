package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Sync
	SyncBatchWidth   int
	SyncLegTimeout   time.Duration
	SyncRateLimit    float64 // コネクタAPI呼び出しのレート（req/sec）
	SyncRateBurst    int
	SyncTimezone     string // スケジュールのIANAタイムゾーン

	// Aggregator
	AggregatorBaseURL string
	AggregatorAPIKey  string
	AggregatorTimeout time.Duration

	// Rate Limit (HTTP)
	RateLimitGeneral int

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.AggregatorBaseURL = os.Getenv("AGGREGATOR_BASE_URL")
	if cfg.AggregatorBaseURL == "" {
		missing = append(missing, "AGGREGATOR_BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SyncBatchWidth = getEnvInt("SYNC_BATCH_WIDTH", 5)
	cfg.SyncLegTimeout = getEnvDuration("SYNC_LEG_TIMEOUT", 2*time.Minute)
	cfg.SyncRateLimit = getEnvFloat("SYNC_RATE_LIMIT", 5.0)
	cfg.SyncRateBurst = getEnvInt("SYNC_RATE_BURST", 5)
	cfg.SyncTimezone = getEnvString("SYNC_TIMEZONE", "Asia/Tokyo")
	cfg.AggregatorAPIKey = getEnvString("AGGREGATOR_API_KEY", "")
	cfg.AggregatorTimeout = getEnvDuration("AGGREGATOR_TIMEOUT", 30*time.Second)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	return cfg, nil
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

func getEnvFloat(key string, defaultVal float64) float64 {
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
