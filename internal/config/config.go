package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MemoryDatabaseURL selects the in-process store instead of Postgres.
const MemoryDatabaseURL = "memory://"

// Config holds runtime configuration sourced from env vars.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	JWTIssuer   string
	JWTTTL      time.Duration
	CORSOrigins []string
	LogLevel    string
	TrustProxy  bool

	OTP     OTPConfig
	Google  GoogleConfig
	SMTP    SMTPConfig
	Request RequestLimitConfig
}

// OTPConfig tunes code lifetime and the issuance policy. A DailyLimit or IPLimit of 0 turns that
// tier off.
type OTPConfig struct {
	TTL        time.Duration
	Cooldown   time.Duration
	DailyLimit int
	IPLimit    int
	IPWindow   time.Duration
}

// GoogleConfig configures ID token verification.
type GoogleConfig struct {
	ClientID string
	CertsURL string
}

// SMTPConfig configures outgoing mail. An empty Host disables delivery.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// RequestLimitConfig throttles every request per client address.
type RequestLimitConfig struct {
	PerMinute int
}

// Load reads configuration from the environment and performs minimal validation.
func Load() (Config, error) {
	cfg := Config{
		Port:        fallback(os.Getenv("PORT"), "8080"),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:    fallback(os.Getenv("REDIS_URL"), "redis://localhost:6379/0"),
		JWTSecret:   strings.TrimSpace(os.Getenv("JWT_SECRET")),
		JWTIssuer:   fallback(os.Getenv("JWT_ISSUER"), "venue-auth"),
		JWTTTL:      minutes("JWT_TTL_MINUTES", 24*60),
		CORSOrigins: parseCSV(fallback(os.Getenv("CORS_ALLOWED_ORIGINS"), "*")),
		LogLevel:    fallback(os.Getenv("LOG_LEVEL"), "info"),
		TrustProxy:  boolean("TRUST_PROXY"),
		OTP: OTPConfig{
			TTL:        seconds("OTP_TTL_SECONDS", 600),
			Cooldown:   seconds("OTP_COOLDOWN_SECONDS", 60),
			DailyLimit: integer("OTP_DAILY_LIMIT", 3),
			IPLimit:    integer("OTP_IP_LIMIT", 5),
			IPWindow:   seconds("OTP_IP_WINDOW_SECONDS", 600),
		},
		Google: GoogleConfig{
			ClientID: strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_ID")),
			CertsURL: fallback(os.Getenv("GOOGLE_CERTS_URL"), "https://www.googleapis.com/oauth2/v3/certs"),
		},
		SMTP: SMTPConfig{
			Host:     strings.TrimSpace(os.Getenv("SMTP_HOST")),
			Port:     integer("SMTP_PORT", 587),
			Username: strings.TrimSpace(os.Getenv("SMTP_USER")),
			Password: os.Getenv("SMTP_PASS"),
			From:     strings.TrimSpace(os.Getenv("EMAIL_FROM")),
		},
		Request: RequestLimitConfig{
			PerMinute: integer("REQUEST_LIMIT_PER_MINUTE", 100),
		},
	}

	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, errors.New("JWT_SECRET is required")
	}
	if cfg.SMTP.Host != "" && cfg.SMTP.From == "" {
		return Config{}, errors.New("EMAIL_FROM is required when SMTP_HOST is set")
	}

	return cfg, nil
}

// HTTPAddress returns the host:port pair for the HTTP server to bind to.
func (c Config) HTTPAddress() string {
	return fmt.Sprintf(":%s", c.Port)
}

// UseMemoryStore reports whether DATABASE_URL selects the in-process store.
func (c Config) UseMemoryStore() bool {
	return c.DatabaseURL == MemoryDatabaseURL
}

func fallback(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return strings.TrimSpace(value)
}

func integer(key string, def int) int {
	if n, err := strconv.Atoi(fallback(os.Getenv(key), "")); err == nil && n >= 0 {
		return n
	}
	return def
}

func seconds(key string, def int) time.Duration {
	if n := integer(key, def); n > 0 {
		return time.Duration(n) * time.Second
	}
	return time.Duration(def) * time.Second
}

func minutes(key string, def int) time.Duration {
	if n := integer(key, def); n > 0 {
		return time.Duration(n) * time.Minute
	}
	return time.Duration(def) * time.Minute
}

func boolean(key string) bool {
	v, err := strconv.ParseBool(fallback(os.Getenv(key), "false"))
	return err == nil && v
}

func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
