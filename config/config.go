// Package config loads the lodestard configuration: a YAML file with
// ${VAR} expansion, LODESTAR_* environment overrides on top, then defaults
// for whatever remains unset. Validate enforces the required fields for the
// process mode; Load leaves that to the caller so partial configurations can
// be assembled in tests.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Process modes. A lodestard process hosts the HTTP control plane, the
// worker pool, or both.
const (
	ModeAll    = "all"
	ModeServer = "server"
	ModeWorker = "worker"
)

type (
	// Config is the root lodestard configuration.
	Config struct {
		// InstanceID identifies this process in the run registry and on
		// broker jobs. Empty lets the process derive one at startup.
		InstanceID string `yaml:"instance_id"`
		// Mode selects which components the process hosts.
		Mode string `yaml:"mode"`
		// Debug enables the debug log level and mounts the pprof and
		// log-toggle handlers.
		Debug bool `yaml:"debug"`

		Server   ServerConfig   `yaml:"server"`
		Worker   WorkerConfig   `yaml:"worker"`
		Redis    RedisConfig    `yaml:"redis"`
		Postgres PostgresConfig `yaml:"postgres"`
		Mongo    MongoConfig    `yaml:"mongo"`
		Sandbox  SandboxConfig  `yaml:"sandbox"`
		Model    ModelConfig    `yaml:"model"`
		Naming   NamingConfig   `yaml:"naming"`
	}

	// ServerConfig configures the HTTP control plane.
	ServerConfig struct {
		Addr        string        `yaml:"addr"`
		TokenSecret string        `yaml:"token_secret"`
		TokenTTL    time.Duration `yaml:"token_ttl"`
	}

	// WorkerConfig configures the run worker pool.
	WorkerConfig struct {
		Concurrency int `yaml:"concurrency"`
	}

	// RedisConfig locates the registry, response log and broker backend.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// PostgresConfig locates the relational store.
	PostgresConfig struct {
		URL string `yaml:"url"`
	}

	// MongoConfig locates the task store.
	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// SandboxConfig configures the Docker sandbox provider.
	SandboxConfig struct {
		// Image overrides the sandbox container image.
		Image string `yaml:"image"`
	}

	// ModelConfig configures model resolution and the provider clients.
	ModelConfig struct {
		// DefaultModel is resolved when a run requests no model.
		DefaultModel string `yaml:"default_model"`
		// DefaultProvider prefixes unaliased bare model names.
		DefaultProvider string `yaml:"default_provider"`
		// ServerModel with LocalBaseURL overrides every requested model
		// with a locally served one.
		ServerModel  string `yaml:"server_model"`
		LocalBaseURL string `yaml:"local_base_url"`
		// Aliases extends the built-in short-name table.
		Aliases map[string]string `yaml:"aliases"`
		// Timeout bounds each completion call.
		Timeout time.Duration `yaml:"timeout"`

		OpenAI    ProviderConfig  `yaml:"openai"`
		Anthropic ProviderConfig  `yaml:"anthropic"`
		Bedrock   BedrockConfig   `yaml:"bedrock"`
		RateLimit RateLimitConfig `yaml:"rate_limit"`
	}

	// ProviderConfig holds one provider's credentials.
	ProviderConfig struct {
		APIKey string `yaml:"api_key"`
		// BaseURL points the OpenAI client at a compatible local endpoint.
		BaseURL string `yaml:"base_url"`
	}

	// BedrockConfig configures the AWS Bedrock provider.
	BedrockConfig struct {
		Region string `yaml:"region"`
		// Model is the Bedrock model identifier used when a run resolves to
		// the bedrock provider without an explicit model.
		Model string `yaml:"model"`
	}

	// RateLimitConfig configures the adaptive model-call rate limiter.
	RateLimitConfig struct {
		Enabled    bool    `yaml:"enabled"`
		InitialTPM float64 `yaml:"initial_tpm"`
		MaxTPM     float64 `yaml:"max_tpm"`
	}

	// NamingConfig configures the detached project-naming task.
	NamingConfig struct {
		Disabled bool          `yaml:"disabled"`
		Timeout  time.Duration `yaml:"timeout"`
	}
)

// Load reads the configuration file at path, expands ${VAR} references,
// applies LODESTAR_* environment overrides and fills defaults. An empty path
// skips the file and builds the configuration from environment and defaults
// alone. Load does not validate; call Validate once the process mode is
// settled.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = ModeAll
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.TokenTTL <= 0 {
		cfg.Server.TokenTTL = time.Hour
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Mongo.Database == "" {
		cfg.Mongo.Database = "lodestar"
	}
	if cfg.Model.DefaultModel == "" {
		cfg.Model.DefaultModel = "sonnet"
	}
	if cfg.Model.Timeout <= 0 {
		cfg.Model.Timeout = 120 * time.Second
	}
	if cfg.Model.RateLimit.InitialTPM <= 0 {
		cfg.Model.RateLimit.InitialTPM = 60000
	}
	if cfg.Naming.Timeout <= 0 {
		cfg.Naming.Timeout = 30 * time.Second
	}
}

// applyEnv copies LODESTAR_* variables over the file values.
func applyEnv(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setString("LODESTAR_INSTANCE_ID", &cfg.InstanceID)
	setString("LODESTAR_MODE", &cfg.Mode)
	setString("LODESTAR_HTTP_ADDR", &cfg.Server.Addr)
	setString("LODESTAR_TOKEN_SECRET", &cfg.Server.TokenSecret)
	setString("LODESTAR_REDIS_ADDR", &cfg.Redis.Addr)
	setString("LODESTAR_REDIS_PASSWORD", &cfg.Redis.Password)
	setString("LODESTAR_POSTGRES_URL", &cfg.Postgres.URL)
	setString("LODESTAR_MONGO_URI", &cfg.Mongo.URI)
	setString("LODESTAR_MONGO_DATABASE", &cfg.Mongo.Database)
	setString("LODESTAR_SANDBOX_IMAGE", &cfg.Sandbox.Image)
	setString("LODESTAR_DEFAULT_MODEL", &cfg.Model.DefaultModel)
	setString("LODESTAR_DEFAULT_PROVIDER", &cfg.Model.DefaultProvider)
	setString("LODESTAR_SERVER_MODEL", &cfg.Model.ServerModel)
	setString("LODESTAR_LOCAL_BASE_URL", &cfg.Model.LocalBaseURL)
	setString("LODESTAR_OPENAI_API_KEY", &cfg.Model.OpenAI.APIKey)
	setString("LODESTAR_OPENAI_BASE_URL", &cfg.Model.OpenAI.BaseURL)
	setString("LODESTAR_ANTHROPIC_API_KEY", &cfg.Model.Anthropic.APIKey)
	setString("LODESTAR_BEDROCK_REGION", &cfg.Model.Bedrock.Region)
	setString("LODESTAR_BEDROCK_MODEL", &cfg.Model.Bedrock.Model)

	if v, ok := os.LookupEnv("LODESTAR_DEBUG"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LODESTAR_DEBUG must be a boolean: %q", v)
		}
		cfg.Debug = b
	}
	if v, ok := os.LookupEnv("LODESTAR_REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LODESTAR_REDIS_DB must be an integer: %q", v)
		}
		cfg.Redis.DB = n
	}
	if v, ok := os.LookupEnv("LODESTAR_WORKER_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LODESTAR_WORKER_CONCURRENCY must be an integer: %q", v)
		}
		cfg.Worker.Concurrency = n
	}
	return nil
}

// ServerEnabled reports whether the process hosts the HTTP control plane.
func (c *Config) ServerEnabled() bool { return c.Mode == ModeServer || c.Mode == ModeAll }

// WorkerEnabled reports whether the process hosts the worker pool.
func (c *Config) WorkerEnabled() bool { return c.Mode == ModeWorker || c.Mode == ModeAll }

// HasProvider reports whether at least one model provider is configured.
func (c *Config) HasProvider() bool {
	return c.Model.OpenAI.APIKey != "" ||
		c.Model.Anthropic.APIKey != "" ||
		c.Model.Bedrock.Region != "" ||
		c.Model.LocalBaseURL != ""
}

// Validate checks the fields the configured mode requires.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeServer, ModeWorker:
	default:
		return fmt.Errorf("mode must be %q, %q or %q, got %q", ModeAll, ModeServer, ModeWorker, c.Mode)
	}
	if c.Redis.Addr == "" {
		return errors.New("redis addr is required")
	}
	if c.Postgres.URL == "" {
		return errors.New("postgres url is required")
	}
	if c.ServerEnabled() && c.Server.TokenSecret == "" {
		return errors.New("server token_secret is required")
	}
	if c.WorkerEnabled() {
		if c.Mongo.URI == "" {
			return errors.New("mongo uri is required in worker mode")
		}
		if !c.HasProvider() {
			return errors.New("at least one model provider must be configured in worker mode")
		}
	}
	if c.Worker.Concurrency <= 0 {
		return errors.New("worker concurrency must be positive")
	}
	if (c.Model.ServerModel == "") != (c.Model.LocalBaseURL == "") {
		return errors.New("model server_model and local_base_url must be set together")
	}
	return nil
}
