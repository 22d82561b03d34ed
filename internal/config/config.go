package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for limitboard.
type Config struct {
	Storage  Storage  `yaml:"storage"`
	Snapshot Snapshot `yaml:"snapshot"`
	Server   Server   `yaml:"server"`
	Upstream Upstream `yaml:"upstream"`
	Coalesce Coalesce `yaml:"coalesce"`
	Refresh  Refresh  `yaml:"refresh"`
	Logging  Logging  `yaml:"logging"`
}

// Storage selects and configures the key-value backend that persists the
// company record store.
type Storage struct {
	Backend    string `yaml:"backend"` // "file", "sqlite", "redis" or "memory"
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	RedisAddr  string `yaml:"redis_addr"`
	RedisDB    int    `yaml:"redis_db"`
	Key        string `yaml:"key"` // key the whole record mapping lives under
}

// Snapshot locates the company-cache.json seed. A non-empty URL (the app's
// static asset) wins over the bundled Path.
type Snapshot struct {
	Path string `yaml:"path"`
	URL  string `yaml:"url"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Upstream holds credentials and limits for the market-data REST API.
type Upstream struct {
	BaseURL       string  `yaml:"base_url"`
	License       string  `yaml:"license"`
	QPS           float64 `yaml:"qps"`
	Burst         int     `yaml:"burst"`
	TimeoutSec    int     `yaml:"timeout_sec"`
	MaxAttempts   int     `yaml:"max_attempts"`
	RetryDelayMS  int     `yaml:"retry_delay_ms"`
	ProfileWorker int     `yaml:"profile_workers"`
}

// Coalesce tunes the outbound request coalescer.
type Coalesce struct {
	ThrottleMS int `yaml:"throttle_ms"`
}

// Refresh schedules background pool refreshes. An empty Cron disables them.
type Refresh struct {
	Cron          string `yaml:"cron"`
	FillProfiles  bool   `yaml:"fill_profiles"`
	PurgeInterval string `yaml:"purge_interval"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns the configuration used when no file overrides a field.
func Default() *Config {
	return &Config{
		Storage: Storage{
			Backend: "file",
			DataDir: "data",
			Key:     "COMPANY_CACHE_V1",
		},
		Snapshot: Snapshot{
			Path: "public/company-cache.json",
		},
		Server: Server{
			Host: "0.0.0.0",
			Port: 8082,
		},
		Upstream: Upstream{
			BaseURL:       "https://api.biyingapi.com",
			QPS:           10,
			Burst:         1,
			TimeoutSec:    15,
			MaxAttempts:   3,
			RetryDelayMS:  2000,
			ProfileWorker: 4,
		},
		Coalesce: Coalesce{
			ThrottleMS: 5000,
		},
		Refresh: Refresh{
			PurgeInterval: "@every 1m",
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML configuration file at the given path on top of
// Default(), and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default() plus env
// overrides when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		cfg = Default()
		applyEnvOverrides(cfg)
		return cfg, nil
	}
	return cfg, err
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Storage.RedisAddr = v
	}

	if v := os.Getenv("COMPANY_CACHE_PATH"); v != "" {
		cfg.Snapshot.Path = v
	}
	if v := os.Getenv("COMPANY_CACHE_URL"); v != "" {
		cfg.Snapshot.URL = v
	}

	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}

	if v := os.Getenv("BIYING_API_BASE"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("BIYING_LICENSE"); v != "" {
		cfg.Upstream.License = v
	}

	if v := os.Getenv("THROTTLE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Coalesce.ThrottleMS = n
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
