package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for a tradable SDK instance.
type Config struct {
	App     App     `yaml:"app"`
	Polling Polling `yaml:"polling"`
	Expiry  Expiry  `yaml:"expiry"`
	Storage Storage `yaml:"storage"`
	Logging Logging `yaml:"logging"`
	Gateway Gateway `yaml:"gateway"`
}

// App identifies the application against the OAuth service.
type App struct {
	ID          string `yaml:"id"`
	OAuthHost   string `yaml:"oauth_host"`
	RedirectURL string `yaml:"redirect_url"`
}

// Polling controls the account snapshot poll loop.
type Polling struct {
	IntervalMillis int64 `yaml:"interval_millis"`
}

// Expiry tunes the token-expiry monitor.
type Expiry struct {
	CheckIntervalMinutes int `yaml:"check_interval_minutes"`
	WarnThresholdMinutes int `yaml:"warn_threshold_minutes"`
}

// Storage holds paths for data persistence.
type Storage struct {
	StatePath  string `yaml:"state_path"`
	JournalDir string `yaml:"journal_dir"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Gateway tunes the REST layer.
type Gateway struct {
	RateLimitPerMin int `yaml:"rate_limit_per_min"`
	TimeoutSeconds  int `yaml:"timeout_seconds"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		App: App{
			OAuthHost: "api.tradable.com",
		},
		Polling: Polling{IntervalMillis: 700},
		Expiry: Expiry{
			CheckIntervalMinutes: 5,
			WarnThresholdMinutes: 30,
		},
		Storage: Storage{
			StatePath:  "data/state.db",
			JournalDir: "data/journal",
		},
		Logging: Logging{Level: "info", Format: "json"},
		Gateway: Gateway{TimeoutSeconds: 30},
	}
}

// Load reads the YAML configuration file at the given path, parses it over
// the defaults, and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.App.ID == "" {
		return fmt.Errorf("config: app.id is required")
	}
	if c.Polling.IntervalMillis <= 0 {
		return fmt.Errorf("config: polling.interval_millis must be positive, got %d", c.Polling.IntervalMillis)
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRADABLE_APP_ID"); v != "" {
		cfg.App.ID = v
	}
	if v := os.Getenv("TRADABLE_OAUTH_HOST"); v != "" {
		cfg.App.OAuthHost = v
	}
	if v := os.Getenv("TRADABLE_REDIRECT_URL"); v != "" {
		cfg.App.RedirectURL = v
	}

	if v := os.Getenv("STATE_PATH"); v != "" {
		cfg.Storage.StatePath = v
	}
	if v := os.Getenv("JOURNAL_DIR"); v != "" {
		cfg.Storage.JournalDir = v
	}

	if v := os.Getenv("POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Polling.IntervalMillis = n
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
