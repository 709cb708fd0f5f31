package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// State store drivers.
const (
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

const (
	defaultPort         = 8000
	defaultMaxBodyBytes = 8 << 20
	defaultStatePath    = "config.json"
	defaultTimeout      = 60 * time.Second
	defaultLoginTimeout = 2 * time.Minute
)

// Environment variables that override the file.
const (
	EnvPort         = "CHATBRIDGE_PORT"
	EnvStatePath    = "CHATBRIDGE_STATE_PATH"
	EnvStateDSN     = "CHATBRIDGE_STATE_DSN"
	EnvOpenAIAPIKey = "CHATBRIDGE_OPENAI_API_KEY"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	State    StateConfig    `yaml:"state"`
	Retry    RetryConfig    `yaml:"retry"`
	Backends BackendsConfig `yaml:"backends"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port         int      `yaml:"port"`
	CORSOrigins  []string `yaml:"cors_origins"`
	MaxBodyBytes int64    `yaml:"max_body_bytes"`
}

// StateConfig selects where backend settings are persisted.
type StateConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// RetryConfig bounds upstream retries.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	Jitter          float64       `yaml:"jitter"`
}

// BackendsConfig catalogues the upstream backends.
type BackendsConfig struct {
	USTC   USTCConfig   `yaml:"ustc"`
	OpenAI OpenAIConfig `yaml:"openai"`
}

// USTCConfig configures the campus chat backend.
type USTCConfig struct {
	Enabled      bool          `yaml:"enabled"`
	BaseURL      string        `yaml:"base_url"`
	LoginCommand string        `yaml:"login_command"`
	LoginTimeout time.Duration `yaml:"login_timeout"`
	// Timeout bounds the wait for upstream response headers.
	Timeout time.Duration `yaml:"timeout"`
}

// OpenAIConfig configures the OpenAI-compatible backend.
type OpenAIConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Headers Headers       `yaml:"headers"`
	Models  []ModelConfig `yaml:"models"`
	Timeout time.Duration `yaml:"timeout"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// ModelConfig describes a model exposed by the OpenAI-compatible backend.
type ModelConfig struct {
	Key         string `yaml:"key"`
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	AllowsTools bool   `yaml:"allows_tools"`
}

// Default returns the configuration used when no file is given: the campus
// backend only, settings persisted to config.json.
func Default() Config {
	cfg := Config{
		Backends: BackendsConfig{USTC: USTCConfig{Enabled: true}},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads YAML configuration from disk, applies environment overrides and
// validates the result. A .env file next to the working directory is loaded
// first when present.
func Load(path string) (Config, error) {
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	cfg.applyDefaults()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDefault is Load for the built-in defaults.
func LoadDefault() (Config, error) {
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.State.Driver == "" {
		c.State.Driver = DriverFile
	}
	if c.State.Driver == DriverFile && c.State.Path == "" {
		c.State.Path = defaultStatePath
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 4
	}
	if c.Retry.InitialInterval == 0 {
		c.Retry.InitialInterval = 500 * time.Millisecond
	}
	if c.Retry.MaxInterval == 0 {
		c.Retry.MaxInterval = 5 * time.Second
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2
	}
	if c.Retry.Jitter == 0 {
		c.Retry.Jitter = 0.5
	}

	if c.Backends.USTC.Timeout == 0 {
		c.Backends.USTC.Timeout = defaultTimeout
	}
	if c.Backends.USTC.LoginTimeout == 0 {
		c.Backends.USTC.LoginTimeout = defaultLoginTimeout
	}
	if c.Backends.OpenAI.Timeout == 0 {
		c.Backends.OpenAI.Timeout = defaultTimeout
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer, got %q", EnvPort, v)
		}
		c.Server.Port = port
	}
	if v, ok := lookup(EnvStatePath); ok && v != "" {
		c.State.Path = v
	}
	if v, ok := lookup(EnvStateDSN); ok && v != "" {
		c.State.DSN = v
	}
	if v, ok := lookup(EnvOpenAIAPIKey); ok && v != "" {
		c.Backends.OpenAI.APIKey = v
	}
	return nil
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must not be negative, got %d", c.Server.MaxBodyBytes)
	}

	switch c.State.Driver {
	case DriverFile:
		if strings.TrimSpace(c.State.Path) == "" {
			return errors.New("state.path must be provided for the file driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.State.DSN) == "" {
			return errors.New("state.dsn must be provided for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("state.driver %q must be one of %q, %q or %q", c.State.Driver, DriverFile, DriverPostgres, DriverMemory)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		return errors.New("retry.max_interval must not be shorter than retry.initial_interval")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %g", c.Retry.Multiplier)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be within [0, 1], got %g", c.Retry.Jitter)
	}

	if !c.Backends.USTC.Enabled && !c.Backends.OpenAI.Enabled {
		return errors.New("at least one backend must be enabled")
	}
	if c.Backends.OpenAI.Enabled {
		if err := validateOpenAI(c.Backends.OpenAI); err != nil {
			return err
		}
	}

	return nil
}

func validateOpenAI(cfg OpenAIConfig) error {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return errors.New("backends.openai: base_url must be provided")
	}
	if len(cfg.Models) == 0 {
		return errors.New("backends.openai: at least one model must be configured")
	}

	seen := make(map[string]struct{}, len(cfg.Models))
	for _, model := range cfg.Models {
		if strings.TrimSpace(model.Key) == "" || strings.TrimSpace(model.ID) == "" {
			return errors.New("backends.openai: model key and id must not be empty")
		}
		if _, dup := seen[model.Key]; dup {
			return fmt.Errorf("backends.openai: duplicate model key %q", model.Key)
		}
		seen[model.Key] = struct{}{}
	}

	for headerKey := range cfg.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("backends.openai: header %q is not a valid canonical HTTP header", headerKey)
		}
	}

	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
