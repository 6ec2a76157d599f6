package config

import (
	"errors"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Config holds the application configuration. It is built once at process
// start and passed in explicitly; there is no package-level connection.
type Config struct {
	Environment   string
	DatabaseURL   string
	BackupDir     string
	ReportDir     string
	AuditLogPath  string
	OverrideKey   string
	AllowlistPath string
	HTTPAddr      string
}

// Load reads configuration from a .env file (if present) and the
// environment.
func Load() (*Config, error) {
	// Missing .env is fine, system env still applies.
	_ = godotenv.Load()

	cfg := &Config{
		Environment:   getenv("APP_ENV", "development"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		BackupDir:     getenv("BACKUP_DIR", "backups"),
		ReportDir:     getenv("REPORT_DIR", "reports"),
		AuditLogPath:  getenv("AUDIT_LOG_PATH", "audit.log"),
		OverrideKey:   os.Getenv("OVERRIDE_KEY"),
		AllowlistPath: os.Getenv("DUPLICATE_ALLOWLIST_PATH"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var missing []string

	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.Environment == "production" && c.OverrideKey == "" {
		missing = append(missing, "OVERRIDE_KEY")
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}
	return nil
}

// InitDB opens the record store connection described by the configuration.
func InitDB(cfg *Config) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
}

// NewLogger builds a zap logger appropriate for the environment.
func NewLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
