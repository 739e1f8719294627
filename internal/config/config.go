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

	// Portal
	PortalBaseURL  string
	PortalUsername string
	PortalPassword string

	// Browser
	BrowserHeadless   bool
	BrowserSlowMo     time.Duration
	BrowserInstall    bool
	ElementTimeout    time.Duration
	NavigationTimeout time.Duration
	OperationTimeout  time.Duration

	// Session
	LoginMaxAttempts    int
	LoginAttemptDelay   time.Duration
	ReportScrapeRetries int
	ReportScrapeDelay   time.Duration

	// CAPTCHA
	CaptchaServiceURL string
	CaptchaTimeout    time.Duration

	// Scoring
	ScoringServiceURL  string
	ScoringTimeout     time.Duration
	ScoringConcurrency int

	// Billing
	BillingServiceURL       string
	CreditReconcileSchedule string

	// Events
	NATSURL string

	// Auto-fetch
	AutoFetchInterval time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort        string
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
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

	cfg.PortalBaseURL = strings.TrimRight(os.Getenv("PORTAL_BASE_URL"), "/")
	if cfg.PortalBaseURL == "" {
		missing = append(missing, "PORTAL_BASE_URL")
	}

	cfg.CaptchaServiceURL = os.Getenv("CAPTCHA_SERVICE_URL")
	if cfg.CaptchaServiceURL == "" {
		missing = append(missing, "CAPTCHA_SERVICE_URL")
	}

	cfg.ScoringServiceURL = os.Getenv("SCORING_SERVICE_URL")
	if cfg.ScoringServiceURL == "" {
		missing = append(missing, "SCORING_SERVICE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.PortalUsername = getEnvString("PORTAL_USERNAME", "")
	cfg.PortalPassword = getEnvString("PORTAL_PASSWORD", "")
	cfg.BrowserHeadless = getEnvBool("BROWSER_HEADLESS", true)
	cfg.BrowserSlowMo = getEnvDuration("BROWSER_SLOW_MO", 0)
	cfg.BrowserInstall = getEnvBool("BROWSER_INSTALL", true)
	cfg.ElementTimeout = getEnvDuration("ELEMENT_TIMEOUT", 10*time.Second)
	cfg.NavigationTimeout = getEnvDuration("NAVIGATION_TIMEOUT", 15*time.Second)
	cfg.OperationTimeout = getEnvDuration("OPERATION_TIMEOUT", 30*time.Second)
	cfg.LoginMaxAttempts = getEnvInt("LOGIN_MAX_ATTEMPTS", 5)
	cfg.LoginAttemptDelay = getEnvDuration("LOGIN_ATTEMPT_DELAY", 2*time.Second)
	cfg.ReportScrapeRetries = getEnvInt("REPORT_SCRAPE_RETRIES", 2)
	cfg.ReportScrapeDelay = getEnvDuration("REPORT_SCRAPE_DELAY", 500*time.Millisecond)
	cfg.CaptchaTimeout = getEnvDuration("CAPTCHA_TIMEOUT", 15*time.Second)
	cfg.ScoringTimeout = getEnvDuration("SCORING_TIMEOUT", 30*time.Second)
	cfg.ScoringConcurrency = getEnvInt("SCORING_CONCURRENCY", 3)
	cfg.BillingServiceURL = getEnvString("BILLING_SERVICE_URL", "")
	cfg.CreditReconcileSchedule = getEnvString("CREDIT_RECONCILE_SCHEDULE", "@every 5m")
	cfg.NATSURL = getEnvString("NATS_URL", "")
	cfg.AutoFetchInterval = getEnvDuration("AUTO_FETCH_INTERVAL", 3*time.Second)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

// LoginURL はポータルのログイン画面のURLを返す。
func (c *Config) LoginURL() string {
	return c.PortalBaseURL + "/login.jsp"
}

// HomeURL はポータルのトップ画面のURLを返す。
func (c *Config) HomeURL() string {
	return c.PortalBaseURL + "/"
}

// SearchURL は処方箋検索画面のURLを返す。
func (c *Config) SearchURL() string {
	return c.PortalBaseURL + "/receteSorgu.jsp"
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

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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
