package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Discord
	DiscordToken string

	// Gemini
	GeminiAPIKey  string
	GeminiModel   string
	GeminiBaseURL string
	AITimeout     time.Duration

	// Timezone
	DefaultTimezone string
	DefaultLocation *time.Location

	// Notification
	NotificationRetryAttempts int
	NotificationRetryDelay    time.Duration
	NotificationMaxConcurrent int
	NotificationCatchUp       time.Duration
	NotifySendTimeout         time.Duration
	SchedulerSyncInterval     time.Duration

	// Upstream rate limit (requests/minute)
	JMAAPIRateLimit    int
	GeminiAPIRateLimit int

	// JMA
	JMABaseURL            string
	JMAFeedURL            string
	AreaCatalogPath       string
	WeatherRequestTimeout time.Duration
	WeatherRetryCeiling   time.Duration
	WeatherCacheTTL       time.Duration
	BulletinPollInterval  time.Duration

	// Logging
	LogLevel         string
	LogRetentionDays int

	// Server
	ServerPort       string
	AdminAPIToken    string
	RateLimitGeneral int
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに .env があれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.DiscordToken = os.Getenv("DISCORD_TOKEN")
	if cfg.DiscordToken == "" {
		missing = append(missing, "DISCORD_TOKEN")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	cfg.GeminiModel = getEnvString("GEMINI_MODEL", "gemini-1.5-flash")
	cfg.GeminiBaseURL = getEnvString("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com")
	cfg.AITimeout = getEnvDuration("AI_TIMEOUT", 10*time.Second)

	cfg.DefaultTimezone = getEnvString("DEFAULT_TIMEZONE", "Asia/Tokyo")
	loc, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_TIMEZONE %q: %w", cfg.DefaultTimezone, err)
	}
	cfg.DefaultLocation = loc

	cfg.NotificationRetryAttempts = getEnvInt("NOTIFICATION_RETRY_ATTEMPTS", 3)
	if cfg.NotificationRetryAttempts < 1 {
		cfg.NotificationRetryAttempts = 1
	}
	cfg.NotificationRetryDelay = getEnvDuration("NOTIFICATION_RETRY_DELAY", 300*time.Second)
	cfg.NotificationMaxConcurrent = getEnvInt("NOTIFICATION_MAX_CONCURRENT", 10)
	cfg.NotificationCatchUp = getEnvDuration("NOTIFICATION_CATCHUP_WINDOW", time.Hour)
	cfg.NotifySendTimeout = getEnvDuration("NOTIFY_SEND_TIMEOUT", 10*time.Second)
	cfg.SchedulerSyncInterval = getEnvDuration("SCHEDULER_SYNC_INTERVAL", 5*time.Minute)

	cfg.JMAAPIRateLimit = getEnvInt("JMA_API_RATE_LIMIT", 60)
	cfg.GeminiAPIRateLimit = getEnvInt("GEMINI_API_RATE_LIMIT", 60)

	cfg.JMABaseURL = strings.TrimRight(getEnvString("JMA_BASE_URL", "https://www.jma.go.jp/bosai"), "/")
	cfg.JMAFeedURL = getEnvString("JMA_FEED_URL", "https://www.data.jma.go.jp/developer/xml/feed/extra.xml")
	cfg.AreaCatalogPath = os.Getenv("AREA_CATALOG_PATH")
	cfg.WeatherRequestTimeout = getEnvDuration("WEATHER_REQUEST_TIMEOUT", 10*time.Second)
	cfg.WeatherRetryCeiling = getEnvDuration("WEATHER_RETRY_CEILING", 15*time.Second)
	cfg.WeatherCacheTTL = getEnvDuration("WEATHER_CACHE_TTL", 5*time.Minute)
	cfg.BulletinPollInterval = getEnvDuration("BULLETIN_POLL_INTERVAL", 2*time.Minute)

	cfg.LogLevel = getEnvString("LOG_LEVEL", "INFO")
	cfg.LogRetentionDays = getEnvInt("LOG_RETENTION_DAYS", 90)

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.AdminAPIToken = os.Getenv("ADMIN_API_TOKEN")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)

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

// getEnvDuration は "90s" のようなGoの期間表記に加え、整数のみの値を秒として解釈する。
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
