// Package config reads runtime settings from the environment, after
// loading a .env file when one is present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     string
	Env      string // production, development, sandbox
	SiteName string

	LogLevel string
	LogFile  string

	DBDriver    string // mongo or sql
	MongoURI    string
	MongoDB     string
	DatabaseDSN string

	RedisAddr     string
	RedisPassword string

	JWTSecret         string
	AdminPassword     string
	AdminPasswordHash string
	CronSecret        string
	CronSchedule      string

	DefaultProcessor  string
	BanquestSourceKey string
	BanquestPin       string
	BanquestBaseURL   string
	SquareAccessToken string
	SquareLocationID  string
	SquareBaseURL     string
	GatewayTimeout    time.Duration

	SMTPHost   string
	SMTPPort   string
	SMTPUser   string
	SMTPPass   string
	MailFrom   string
	AdminEmail string

	SheetsSpreadsheetID   string
	SheetsCredentialsFile string

	TicketSigningKey string
	PublicBaseURL    string
	CORSOrigins      []string
	UploadDir        string
	// Location decides which calendar day a billing run belongs to.
	Location           *time.Location
	RateLimitPerMinute int
	TrustProxyHops     int
}

// Load reads configuration. A missing .env file is not an error.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Port:     normalizePort(env("PORT", "8080")),
		Env:      strings.ToLower(env("APP_ENV", "development")),
		SiteName: env("SITE_NAME", "Haven Community"),

		LogLevel: env("LOG_LEVEL", "info"),
		LogFile:  env("LOG_FILE", ""),

		DBDriver:    strings.ToLower(env("DB_DRIVER", "mongo")),
		MongoURI:    env("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:     env("MONGO_DB", "haven"),
		DatabaseDSN: env("DATABASE_DSN", ""),

		RedisAddr:     env("REDIS_ADDR", ""),
		RedisPassword: env("REDIS_PASSWORD", ""),

		JWTSecret:         env("JWT_SECRET", ""),
		AdminPassword:     env("ADMIN_PASSWORD", ""),
		AdminPasswordHash: env("ADMIN_PASSWORD_HASH", ""),
		CronSecret:        env("CRON_SECRET", ""),
		CronSchedule:      env("CRON_SCHEDULE", ""),

		DefaultProcessor:  strings.ToLower(env("DEFAULT_PROCESSOR", "banquest")),
		BanquestSourceKey: env("BANQUEST_SOURCE_KEY", ""),
		BanquestPin:       env("BANQUEST_PIN", ""),
		BanquestBaseURL:   env("BANQUEST_BASE_URL", ""),
		SquareAccessToken: env("SQUARE_ACCESS_TOKEN", ""),
		SquareLocationID:  env("SQUARE_LOCATION_ID", ""),
		SquareBaseURL:     env("SQUARE_BASE_URL", ""),

		SMTPHost:   env("SMTP_HOST", ""),
		SMTPPort:   env("SMTP_PORT", "587"),
		SMTPUser:   env("SMTP_USER", ""),
		SMTPPass:   env("SMTP_PASS", ""),
		MailFrom:   env("MAIL_FROM", ""),
		AdminEmail: env("ADMIN_EMAIL", ""),

		SheetsSpreadsheetID:   env("SHEETS_SPREADSHEET_ID", ""),
		SheetsCredentialsFile: env("SHEETS_CREDENTIALS_FILE", ""),

		TicketSigningKey: env("TICKET_SIGNING_KEY", ""),
		PublicBaseURL:    strings.TrimRight(env("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		CORSOrigins:      splitList(env("CORS_ORIGINS", "*")),
		UploadDir:        env("UPLOAD_DIR", "static/uploads"),

		RateLimitPerMinute: EnvInt("RATE_LIMIT_PER_MINUTE", 20),
		TrustProxyHops:     EnvInt("TRUST_PROXY_HOPS", 0),
	}

	loc, err := time.LoadLocation(env("TIMEZONE", "UTC"))
	if err != nil {
		return cfg, fmt.Errorf("config: TIMEZONE: %w", err)
	}
	cfg.Location = loc

	timeout, err := time.ParseDuration(env("GATEWAY_TIMEOUT", "30s"))
	if err != nil || timeout <= 0 {
		return cfg, fmt.Errorf("config: GATEWAY_TIMEOUT must be a positive duration")
	}
	cfg.GatewayTimeout = timeout

	switch cfg.DBDriver {
	case "mongo":
	case "sql":
		if cfg.DatabaseDSN == "" {
			return cfg, fmt.Errorf("config: DATABASE_DSN is required when DB_DRIVER=sql")
		}
	default:
		return cfg, fmt.Errorf("config: unsupported DB_DRIVER %q", cfg.DBDriver)
	}
	if cfg.JWTSecret == "" {
		return cfg, fmt.Errorf("config: JWT_SECRET is required")
	}
	if cfg.TicketSigningKey == "" {
		cfg.TicketSigningKey = cfg.JWTSecret
	}
	return cfg, nil
}

func (c Config) Production() bool { return c.Env == "production" }
func (c Config) Sandbox() bool    { return c.Env == "sandbox" }

func env(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

// EnvInt reads an integer setting, falling back on absence or parse failure.
func EnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(env(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func normalizePort(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] != ':' {
		return ":" + port
	}
	return port
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
