// Package config loads engine configuration from a YAML file with
// environment variable overrides for deployment-sensitive values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/facturalink/sri-engine/internal/model"
	"github.com/facturalink/sri-engine/internal/observability/logger"
	"github.com/facturalink/sri-engine/internal/sri"
)

// Config is the full engine configuration.
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Log         logger.Config    `yaml:"log"`
	Environment string           `yaml:"environment"` // "test" or "production"
	Endpoints   sri.Endpoints    `yaml:"endpoints"`   // optional override for tests
	TenantsFile string           `yaml:"tenants_file"`
	Credentials CredentialConfig `yaml:"credentials"`
	Storage     StorageConfig    `yaml:"storage"`
	Submission  SubmissionConfig `yaml:"submission"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Scheduler   SchedulerConfig  `yaml:"scheduler"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CredentialConfig configures the credential directory and cache.
type CredentialConfig struct {
	Dir      string        `yaml:"dir"`
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`
}

// StorageConfig selects the DocumentRecord store.
type StorageConfig struct {
	// Driver is "memory" or "postgres".
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

// SubmissionConfig configures the reception client.
type SubmissionConfig struct {
	MaxAttempts int               `yaml:"max_attempts"`
	Backoff     sri.BackoffPolicy `yaml:"backoff"`
	ReceiptTTL  time.Duration     `yaml:"receipt_ttl"`
	HTTPTimeout time.Duration     `yaml:"http_timeout"`
}

// PipelineConfig configures the state machine's retry policies.
type PipelineConfig struct {
	SignAttempts   int               `yaml:"sign_attempts"`
	SubmitAttempts int               `yaml:"submit_attempts"`
	PollBackoff    sri.BackoffPolicy `yaml:"poll_backoff"`
	MaxPollWait    time.Duration     `yaml:"max_poll_wait"`
}

// SchedulerConfig paces the background resume loop.
type SchedulerConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log:         logger.Config{Env: "dev", Level: "info", Service: "sri-engine"},
		Environment: "test",
		TenantsFile: "tenants.yaml",
		Credentials: CredentialConfig{Dir: "credentials", Capacity: 64},
		Storage:     StorageConfig{Driver: "memory"},
		Submission: SubmissionConfig{
			MaxAttempts: 7,
			Backoff:     sri.DefaultSubmitBackoff,
			ReceiptTTL:  24 * time.Hour,
			HTTPTimeout: 90 * time.Second,
		},
		Pipeline: PipelineConfig{
			SignAttempts:   3,
			SubmitAttempts: 5,
			PollBackoff:    sri.DefaultPollBackoff,
			MaxPollWait:    10 * time.Minute,
		},
		Scheduler: SchedulerConfig{Interval: 5 * time.Second, BatchSize: 50},
	}
}

// Load reads cfg from path (optional) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets deployments override file values without editing it.
func (c *Config) applyEnv() {
	if v := os.Getenv("SRI_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("SRI_ENVIRONMENT"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("SRI_STORAGE_DSN"); v != "" {
		c.Storage.DSN = v
		c.Storage.Driver = "postgres"
	}
	if v := os.Getenv("SRI_CREDENTIALS_DIR"); v != "" {
		c.Credentials.Dir = v
	}
	if v := os.Getenv("SRI_TENANTS_FILE"); v != "" {
		c.TenantsFile = v
	}
	if v := os.Getenv("SRI_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("SRI_LOG_ENV"); v != "" {
		c.Log.Env = v
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Environment {
	case "test", "production":
	default:
		return fmt.Errorf("environment must be \"test\" or \"production\", got %q", c.Environment)
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Credentials.Capacity < 0 {
		return fmt.Errorf("credentials.capacity must not be negative")
	}
	return nil
}

// ModelEnvironment maps the configured environment to its model value.
func (c *Config) ModelEnvironment() model.Environment {
	if c.Environment == "production" {
		return model.EnvProduction
	}
	return model.EnvTest
}

// ResolvedEndpoints returns the configured endpoint override, or the
// official endpoints for the environment when none is set.
func (c *Config) ResolvedEndpoints() sri.Endpoints {
	if c.Endpoints.Reception != "" && c.Endpoints.Authorization != "" {
		return c.Endpoints
	}
	return sri.EndpointsFor(c.ModelEnvironment())
}
