// Package config provides configuration management for sandbox-mcp.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the service.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// AuthConfig holds the inbound tool-surface credential.
type AuthConfig struct {
	// Token guards the MCP endpoint. Empty disables auth (local dev).
	Token string `mapstructure:"token"`
}

// ProxyConfig holds the authenticating reverse proxy configuration.
type ProxyConfig struct {
	// JWTSecret signs and verifies proxy access tokens.
	JWTSecret string `mapstructure:"jwtSecret"`

	// DefaultTokenTTL is the lifetime granted to tokens minted for new runs.
	DefaultTokenTTL string `mapstructure:"defaultTokenTtl"`

	// PublicURL is the externally reachable base URL of this server, written
	// into sandbox configuration so in-sandbox tools can call back through
	// the proxy.
	PublicURL string `mapstructure:"publicUrl"`

	// ServicesFile optionally points at a YAML file with extra upstream
	// service registrations merged over the built-in set.
	ServicesFile string `mapstructure:"servicesFile"`

	AnthropicAPIKey string `mapstructure:"anthropicApiKey"`
	GitHubToken     string `mapstructure:"githubToken"`
}

// StorageConfig holds object store configuration.
type StorageConfig struct {
	// Driver selects the backend: memory, sqlite or postgres.
	Driver string `mapstructure:"driver"`

	// Bucket namespaces all object keys. Spec'd via SESSIONS_BUCKET.
	Bucket string `mapstructure:"bucket"`

	// Path is the sqlite database file (":memory:" for tests).
	Path string `mapstructure:"path"`

	// DSN is the postgres connection string when driver=postgres.
	DSN string `mapstructure:"dsn"`
}

// SandboxConfig holds sandbox runtime configuration.
type SandboxConfig struct {
	// Runtime selects the backend: docker or sprites.
	Runtime string `mapstructure:"runtime"`

	// Image is the container image used for docker sandboxes.
	Image string `mapstructure:"image"`

	// Network is the docker network sandboxes are attached to.
	Network string `mapstructure:"network"`

	// WorkspaceRoot is the directory inside the sandbox where repositories
	// are cloned.
	WorkspaceRoot string `mapstructure:"workspaceRoot"`

	// SpritesToken authenticates against the sprites API when runtime=sprites.
	SpritesToken string `mapstructure:"spritesToken"`
}

// AgentConfig holds the in-sandbox coding agent configuration.
type AgentConfig struct {
	// Port is where the agent server listens inside the sandbox.
	Port int `mapstructure:"port"`

	// Model is the default model id passed to the agent.
	Model string `mapstructure:"model"`

	// HealthTimeout bounds the wait for the agent server to come up, seconds.
	HealthTimeout int `mapstructure:"healthTimeout"`
}

// WorkflowConfig holds durable task execution configuration.
type WorkflowConfig struct {
	// SweeperEnabled turns on the stranded-run sweeper.
	SweeperEnabled bool `mapstructure:"sweeperEnabled"`

	// SweeperGracePeriod is how long a run may sit in "started" before the
	// sweeper fails it, in seconds.
	SweeperGracePeriod int `mapstructure:"sweeperGracePeriod"`

	// SweeperInterval is how often the sweeper scans, in seconds.
	SweeperInterval int `mapstructure:"sweeperInterval"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HealthTimeoutDuration returns the agent health wait as a time.Duration.
func (a *AgentConfig) HealthTimeoutDuration() time.Duration {
	return time.Duration(a.HealthTimeout) * time.Second
}

// SweeperGrace returns the stranded-run grace period as a time.Duration.
func (w *WorkflowConfig) SweeperGrace() time.Duration {
	return time.Duration(w.SweeperGracePeriod) * time.Second
}

// SweeperIntervalDuration returns the sweeper scan interval as a time.Duration.
func (w *WorkflowConfig) SweeperIntervalDuration() time.Duration {
	return time.Duration(w.SweeperInterval) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Auth defaults - empty token disables inbound auth
	v.SetDefault("auth.token", "")

	// Proxy defaults
	v.SetDefault("proxy.jwtSecret", "")
	v.SetDefault("proxy.defaultTokenTtl", "2h")
	v.SetDefault("proxy.publicUrl", "http://localhost:8080")
	v.SetDefault("proxy.servicesFile", "")
	v.SetDefault("proxy.anthropicApiKey", "")
	v.SetDefault("proxy.githubToken", "")

	// Storage defaults
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.bucket", "sandbox-sessions")
	v.SetDefault("storage.path", "sandbox-mcp.db")
	v.SetDefault("storage.dsn", "")

	// Sandbox defaults
	v.SetDefault("sandbox.runtime", "docker")
	v.SetDefault("sandbox.image", "ghcr.io/sandboxmcp/sandbox:latest")
	v.SetDefault("sandbox.network", "bridge")
	v.SetDefault("sandbox.workspaceRoot", "/workspace")
	v.SetDefault("sandbox.spritesToken", "")

	// Agent defaults
	v.SetDefault("agent.port", 4096)
	v.SetDefault("agent.model", "claude-sonnet-4-5")
	v.SetDefault("agent.healthTimeout", 60)

	// Workflow defaults - sweeper is opt-in
	v.SetDefault("workflow.sweeperEnabled", false)
	v.SetDefault("workflow.sweeperGracePeriod", 3600)
	v.SetDefault("workflow.sweeperInterval", 300)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SANDBOXMCP_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/sandbox-mcp/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("SANDBOXMCP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Well-known env var names bound explicitly. AutomaticEnv does not
	// handle camelCase keys, and these names are the deployment contract.
	_ = v.BindEnv("auth.token", "AUTH_TOKEN", "SANDBOXMCP_AUTH_TOKEN")
	_ = v.BindEnv("proxy.jwtSecret", "PROXY_JWT_SECRET", "SANDBOXMCP_PROXY_JWT_SECRET")
	_ = v.BindEnv("proxy.anthropicApiKey", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("proxy.githubToken", "GITHUB_TOKEN")
	_ = v.BindEnv("proxy.publicUrl", "PROXY_PUBLIC_URL", "SANDBOXMCP_PROXY_PUBLIC_URL")
	_ = v.BindEnv("storage.bucket", "SESSIONS_BUCKET", "SANDBOXMCP_STORAGE_BUCKET")
	_ = v.BindEnv("storage.driver", "SANDBOXMCP_STORAGE_DRIVER")
	_ = v.BindEnv("sandbox.runtime", "SANDBOXMCP_SANDBOX_RUNTIME")
	_ = v.BindEnv("sandbox.spritesToken", "SPRITES_TOKEN", "SANDBOXMCP_SANDBOX_SPRITES_TOKEN")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sandbox-mcp/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, "storage.driver must be one of: memory, sqlite, postgres")
	}
	if cfg.Storage.Driver == "postgres" && cfg.Storage.DSN == "" {
		errs = append(errs, "storage.dsn is required when storage.driver is postgres")
	}
	if cfg.Storage.Bucket == "" {
		errs = append(errs, "storage.bucket is required")
	}

	switch cfg.Sandbox.Runtime {
	case "docker", "sprites":
	default:
		errs = append(errs, "sandbox.runtime must be one of: docker, sprites")
	}
	if cfg.Sandbox.Runtime == "sprites" && cfg.Sandbox.SpritesToken == "" {
		errs = append(errs, "sandbox.spritesToken is required when sandbox.runtime is sprites")
	}

	if cfg.Agent.Port <= 0 || cfg.Agent.Port > 65535 {
		errs = append(errs, "agent.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	if cfg.Logging.Format != "" {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[strings.ToLower(cfg.Logging.Format)] {
			errs = append(errs, "logging.format must be one of: json, text")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
