package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const defaultDailyMailLimit = 2000

// Config holds all application configurations
type Config struct {
	Port        string
	DBDriver    string
	DatabaseURL string
	Timezone    string
	Location    *time.Location
	LogLevel    string
	LogFormat   string

	// SMTP relay, host:port
	MailHub          string
	AuthUser         string
	AuthPass         string
	FromEmail        string
	FromLineOverride string
	SkipTLSVerify    bool
	DailyMailLimit   int
}

// New returns a viper instance reading the environment (and a .env file, when
// present) with the application defaults applied. It does not log, since it runs
// before the logger is configured.
func New() *viper.Viper {
	// a missing .env is normal; the environment alone is enough
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_DRIVER", "sqlite3")
	v.SetDefault("DATABASE_URL", "followups.db")
	v.SetDefault("TIMEZONE", "Local")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("DAILY_MAIL_LIMIT", defaultDailyMailLimit)
	return v
}

// LoadConfig reads configuration from the environment
func LoadConfig() (*Config, error) {
	return FromViper(New())
}

func yes(v *viper.Viper, key string) bool {
	switch strings.ToLower(strings.TrimSpace(v.GetString(key))) {
	case "yes", "true", "1", "on":
		return true
	}
	return false
}

// FromViper builds a Config from v and validates it.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:             v.GetString("PORT"),
		DBDriver:         strings.ToLower(v.GetString("DB_DRIVER")),
		DatabaseURL:      v.GetString("DATABASE_URL"),
		Timezone:         v.GetString("TIMEZONE"),
		LogLevel:         v.GetString("LOG_LEVEL"),
		LogFormat:        strings.ToLower(v.GetString("LOG_FORMAT")),
		MailHub:          v.GetString("MAILHUB"),
		AuthUser:         v.GetString("AUTHUSER"),
		AuthPass:         v.GetString("AUTHPASS"),
		FromEmail:        v.GetString("FROM_EMAIL"),
		FromLineOverride: v.GetString("FROMLINEOVERRIDE"),
		SkipTLSVerify:    yes(v, "SKIP_TLS_VERIFY"),
		DailyMailLimit:   v.GetInt("DAILY_MAIL_LIMIT"),
	}

	if cfg.DailyMailLimit <= 0 {
		logrus.Warnf("[CONFIG] DAILY_MAIL_LIMIT not set or invalid, defaulting to %d", defaultDailyMailLimit)
		cfg.DailyMailLimit = defaultDailyMailLimit
	}

	switch cfg.DBDriver {
	case "sqlite3", "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q (use sqlite3 or postgres)", cfg.DBDriver)
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return cfg, nil
}

// MailConfigured reports whether an SMTP relay was configured.
func (c *Config) MailConfigured() bool {
	return c.MailHub != ""
}

// Sender returns the From address: FROM_EMAIL, or the SMTP user.
func (c *Config) Sender() string {
	if c.FromEmail != "" {
		return c.FromEmail
	}
	return c.AuthUser
}

// ConfigureLogger applies the log level and format to log.
func (c *Config) ConfigureLogger(log *logrus.Logger) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if c.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
