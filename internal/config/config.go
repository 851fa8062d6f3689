package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config keeps runtime settings for the planner.
type Config struct {
	LogLevel string `env:"LOG_LEVEL" env-default:"INFO"`

	// TelegramToken enables the bot when set.
	TelegramToken  string `env:"TELEGRAM_TOKEN"`
	DatabaseDriver string `env:"DATABASE_DRIVER" env-default:"sqlite"`
	DatabaseURL    string `env:"DATABASE_URL" env-default:"daily_planner.db"`
	// HTTPAddress is empty when the HTTP API is disabled.
	HTTPAddress    string        `env:"HTTP_ADDRESS" env-default:":8080"`
	ReportInterval time.Duration `env:"REPORT_INTERVAL" env-default:"5h"`

	Generation Generation
}

// Generation tunes the recurring task generator.
type Generation struct {
	Schedule       string        `env:"GENERATION_SCHEDULE" env-default:"0 */15 * * * *"`
	HorizonDays    int           `env:"GENERATION_HORIZON_DAYS" env-default:"14"`
	LockTTL        time.Duration `env:"GENERATION_LOCK_TTL" env-default:"30s"`
	Workers        int           `env:"GENERATION_WORKERS" env-default:"4"`
	MaxPerTemplate int           `env:"GENERATION_MAX_PER_TEMPLATE" env-default:"366"`
}

// Load reads an optional .env file, then environment variables with sane defaults.
func Load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("read env file: %w", err)
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read env: %w", err)
	}
	cfg.TelegramToken = strings.TrimSpace(cfg.TelegramToken)
	cfg.DatabaseDriver = strings.ToLower(strings.TrimSpace(cfg.DatabaseDriver))
	cfg.LogLevel = strings.ToUpper(strings.TrimSpace(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be sqlite, postgres or mysql, got %q", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.ReportInterval < 0 {
		return fmt.Errorf("REPORT_INTERVAL must not be negative")
	}
	g := c.Generation
	if g.HorizonDays < 0 {
		return fmt.Errorf("GENERATION_HORIZON_DAYS must not be negative, got %d", g.HorizonDays)
	}
	if g.LockTTL <= 0 {
		return fmt.Errorf("GENERATION_LOCK_TTL must be positive, got %s", g.LockTTL)
	}
	if g.Workers < 1 {
		return fmt.Errorf("GENERATION_WORKERS must be at least 1, got %d", g.Workers)
	}
	if g.MaxPerTemplate < 1 {
		return fmt.Errorf("GENERATION_MAX_PER_TEMPLATE must be at least 1, got %d", g.MaxPerTemplate)
	}
	return nil
}
