// Package config loads application configuration from environment variables
// (prefix LICENSEGATE_) with an optional YAML file overlay, validating the
// result before the application starts.
package config

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

const envPrefix = "LICENSEGATE"

// Config is the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Store     StoreConfig     `yaml:"store" envconfig:"STORE"`
	Signing   SigningConfig   `yaml:"signing" envconfig:"SIGNING"`
	Webhook   WebhookConfig   `yaml:"webhook" envconfig:"WEBHOOK"`
	Admin     AdminConfig     `yaml:"admin" envconfig:"ADMIN"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// StoreConfig locates the license database.
type StoreConfig struct {
	Path string `yaml:"path" envconfig:"PATH" default:"licensegate.db"`
}

// SigningConfig carries the activation signing key. One of Key (inline PEM)
// or KeyFile must be set; a server without signing material is misconfigured
// and refuses to start rather than degrade to unsigned activations.
type SigningConfig struct {
	Key     string `yaml:"key" envconfig:"KEY"`
	KeyFile string `yaml:"key_file" envconfig:"KEY_FILE"`
}

// PEM returns the private key material from whichever source is configured.
func (c SigningConfig) PEM() ([]byte, error) {
	switch {
	case c.Key != "":
		return []byte(c.Key), nil
	case c.KeyFile != "":
		data, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("config: reading signing key file: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("config: no signing key configured")
	}
}

// WebhookConfig holds the shared secret used to authenticate payment
// provider events.
type WebhookConfig struct {
	Secret string `yaml:"secret" envconfig:"SECRET"`
}

// AdminConfig holds the API key gating administrative routes. Any richer
// credential mechanism in front of it (SSO, VPN) is an external concern.
type AdminConfig struct {
	APIKey string `yaml:"api_key" envconfig:"API_KEY"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output string `yaml:"output" envconfig:"OUTPUT" default:"stdout"`
	File   string `yaml:"file" envconfig:"FILE" default:"logs/licensegate.log"`
}

// RateLimitConfig throttles the public activation endpoint per client IP.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"10"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"20"`
}

// TelemetryConfig controls metrics exposure.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	ServiceName string `yaml:"service_name" envconfig:"SERVICE_NAME" default:"licensegate"`
}

// Load builds the configuration: defaults, then the YAML file (if present),
// then environment variables on top.
func Load() (*Config, error) {
	return LoadFrom(configFilePath())
}

// LoadFrom is Load with an explicit file path, for tests.
func LoadFrom(path string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("config: loading from environment: %w", err)
	}

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config: parsing %s: %w", path, err)
			}
			// Environment wins over the file.
			if err := overlayEnv(&cfg); err != nil {
				return nil, fmt.Errorf("config: reapplying environment: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// overlayEnv re-applies environment variables on top of cfg. A plain second
// envconfig.Process would also re-apply every default tag for variables that
// are unset, wiping values the YAML file just provided, so any field whose
// variable is absent from the environment keeps its current value.
func overlayEnv(cfg *Config) error {
	prev := *cfg
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return err
	}
	keepWhereEnvUnset(reflect.ValueOf(cfg).Elem(), reflect.ValueOf(&prev).Elem(), envPrefix)
	return nil
}

// keepWhereEnvUnset walks the envconfig tag tree, restoring prev's value for
// every leaf field whose environment variable is not set. Key derivation
// mirrors envconfig: PREFIX_OUTERTAG_INNERTAG.
func keepWhereEnvUnset(dst, prev reflect.Value, prefix string) {
	t := dst.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("envconfig")
		if tag == "" {
			continue
		}
		key := prefix + "_" + tag
		if dst.Field(i).Kind() == reflect.Struct {
			keepWhereEnvUnset(dst.Field(i), prev.Field(i), key)
			continue
		}
		if _, ok := os.LookupEnv(key); !ok {
			dst.Field(i).Set(prev.Field(i))
		}
	}
}

func configFilePath() string {
	if p := os.Getenv("LICENSEGATE_CONFIG"); p != "" {
		return p
	}
	return "licensegate.yaml"
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: invalid log format %q", c.Logging.Format)
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("config: rate limit rps must be positive, got %v", c.RateLimit.RPS)
	}
	return nil
}
