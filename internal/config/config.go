// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type HTTPConfig struct {
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // memory | postgres | sqlite
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type RateConfig struct {
	Limit  int           `yaml:"limit"` // 0 disables
	Window time.Duration `yaml:"window"`
}

type ChatConfig struct {
	HistoryLimit            int           `yaml:"history_limit"`
	ReconcileWindow         time.Duration `yaml:"reconcile_window"`
	BundledAvatars          int           `yaml:"bundled_avatars"`
	Workers                 int           `yaml:"workers"`
	ProfileFetchConcurrency int           `yaml:"profile_fetch_concurrency"`
	ProfileFetchTimeout     time.Duration `yaml:"profile_fetch_timeout"`
	AppendTimeout           time.Duration `yaml:"append_timeout"`
	SendRate                RateConfig    `yaml:"send_rate"`
}

type AuthConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

type Config struct {
	Log      LogConfig      `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Chat     ChatConfig     `yaml:"chat"`
	Auth     AuthConfig     `yaml:"auth"`

	Runtime RuntimeConfig `yaml:"-"`
}

const envPrefix = "GROUPCHAT_"

// LoadConfig reads the YAML file at path, applies .env / GROUPCHAT_* overrides,
// fills defaults and validates the result.
func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, err
	}

	// .env is optional; real environment variables win over it.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	applyEnv(cfg)

	cfg.Runtime.Dev = dev
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML and fills defaults without validating.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.HTTP.Port <= 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.RequestTimeout <= 0 {
		cfg.HTTP.RequestTimeout = 10 * time.Second
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL)

	if cfg.Chat.HistoryLimit <= 0 {
		cfg.Chat.HistoryLimit = 50
	}
	if cfg.Chat.ReconcileWindow <= 0 {
		cfg.Chat.ReconcileWindow = 5 * time.Second
	}
	if cfg.Chat.BundledAvatars <= 0 {
		cfg.Chat.BundledAvatars = 10
	}
	if cfg.Chat.Workers <= 0 {
		cfg.Chat.Workers = 8
	}
	if cfg.Chat.ProfileFetchConcurrency <= 0 {
		cfg.Chat.ProfileFetchConcurrency = 8
	}
	if cfg.Chat.ProfileFetchTimeout <= 0 {
		cfg.Chat.ProfileFetchTimeout = 5 * time.Second
	}
	if cfg.Chat.AppendTimeout <= 0 {
		cfg.Chat.AppendTimeout = 10 * time.Second
	}
	if cfg.Chat.SendRate.Limit > 0 && cfg.Chat.SendRate.Window <= 0 {
		cfg.Chat.SendRate.Window = time.Minute
	}
	if cfg.Auth.TTL <= 0 {
		cfg.Auth.TTL = 24 * time.Hour
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envPrefix + "DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv(envPrefix + "DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = strings.ToLower(v)
	}
	if v := os.Getenv(envPrefix + "REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv(envPrefix + "REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv(envPrefix + "AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate performs minimal validation.
func (cfg *Config) Validate() error {
	switch cfg.Database.Driver {
	case "memory":
	case "postgres", "sqlite":
		if cfg.Database.URL == "" {
			return fmt.Errorf("database.url is required for driver %q", cfg.Database.Driver)
		}
	default:
		return fmt.Errorf("unknown database.driver %q", cfg.Database.Driver)
	}
	if cfg.Auth.Secret == "" && !cfg.Runtime.Dev {
		return errors.New("auth.secret is required")
	}
	if cfg.Chat.SendRate.Limit > 0 && cfg.Redis.URL == "" {
		return errors.New("chat.send_rate requires redis.url")
	}
	return nil
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}
