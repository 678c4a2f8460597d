package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the eventdesk client.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Remote API
	APIBaseURL  string        `env:"EVENTDESK_API_URL" envDefault:"http://localhost:3000"`
	HTTPTimeout time.Duration `env:"EVENTDESK_HTTP_TIMEOUT" envDefault:"30s"`
	MaxRetries  int           `env:"EVENTDESK_HTTP_MAX_RETRIES" envDefault:"3"`

	// Collection view defaults, matching the web UI.
	PageSize       int           `env:"EVENTDESK_PAGE_SIZE" envDefault:"6"`
	FilterDebounce time.Duration `env:"EVENTDESK_FILTER_DEBOUNCE" envDefault:"1s"`

	// TokenFile is where the access token is persisted between runs. Empty
	// means the default location under the user config dir.
	TokenFile string `env:"EVENTDESK_TOKEN_FILE"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.PageSize < 1 {
		return nil, fmt.Errorf("invalid page size: %d", cfg.PageSize)
	}
	if cfg.FilterDebounce <= 0 {
		return nil, fmt.Errorf("invalid filter debounce: %s", cfg.FilterDebounce)
	}
	if cfg.TokenFile == "" {
		path, err := defaultTokenFile()
		if err != nil {
			return nil, err
		}
		cfg.TokenFile = path
	}
	return cfg, nil
}

// defaultTokenFile resolves the well-known token location.
func defaultTokenFile() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "eventdesk", "token"), nil
}
