// Package config loads and validates the xatu-mcp gateway configuration.
//
// Configuration is read once at startup from a YAML file (plus environment
// overrides) and handed to components as read-only structs; nothing in the
// process re-reads configuration after construction.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sandbox backend names accepted by the sandbox.backend key.
const (
	SandboxBackendDocker = "docker"
	SandboxBackendGVisor = "gvisor"
)

// MinSecretKeyLength is the minimum length in bytes for the token signing key.
const MinSecretKeyLength = 32

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// BaseURL is the canonical base URL of the gateway. It is used as the
	// token audience and issuer base, so it must match what clients see.
	BaseURL string `mapstructure:"base_url"`
}

// TokensConfig holds JWT signing settings.
type TokensConfig struct {
	SecretKey       string `mapstructure:"secret_key"`
	Issuer          string `mapstructure:"issuer"`
	AccessTokenTTL  int    `mapstructure:"access_token_ttl"`
	RefreshTokenTTL int    `mapstructure:"refresh_token_ttl"`
}

// AccessTTL returns the access token TTL as a duration.
func (c *TokensConfig) AccessTTL() time.Duration {
	return time.Duration(c.AccessTokenTTL) * time.Second
}

// RefreshTTL returns the refresh token TTL as a duration.
func (c *TokensConfig) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTL) * time.Second
}

// GitHubConfig holds the upstream GitHub OAuth app credentials.
type GitHubConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

// AuthConfig holds authentication and authorization settings.
type AuthConfig struct {
	Enabled     bool         `mapstructure:"enabled"`
	AllowedOrgs []string     `mapstructure:"allowed_orgs"`
	Tokens      TokensConfig `mapstructure:"tokens"`
	GitHub      GitHubConfig `mapstructure:"github"`
}

// SandboxConfig holds the code execution sandbox settings.
type SandboxConfig struct {
	Backend     string  `mapstructure:"backend"`
	Image       string  `mapstructure:"image"`
	Timeout     int     `mapstructure:"timeout"`
	MemoryLimit string  `mapstructure:"memory_limit"`
	CPULimit    float64 `mapstructure:"cpu_limit"`
	Network     string  `mapstructure:"network"`
}

// ClickHouseCluster describes one downstream ClickHouse cluster whose
// credentials are marshalled into the sandbox environment.
type ClickHouseCluster struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Protocol string `mapstructure:"protocol"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// ClickHouseConfig groups the known ClickHouse clusters.
type ClickHouseConfig struct {
	Xatu             *ClickHouseCluster `mapstructure:"xatu"`
	XatuExperimental *ClickHouseCluster `mapstructure:"xatu_experimental"`
	XatuCBT          *ClickHouseCluster `mapstructure:"xatu_cbt"`
}

// PrometheusConfig holds the downstream Prometheus locator.
type PrometheusConfig struct {
	URL string `mapstructure:"url"`
}

// LokiConfig holds the downstream Loki locator.
type LokiConfig struct {
	URL string `mapstructure:"url"`
}

// StorageConfig holds the S3-compatible object storage credentials used by
// sandboxed code to export artifacts.
type StorageConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKey       string `mapstructure:"access_key"`
	SecretKey       string `mapstructure:"secret_key"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	PublicURLPrefix string `mapstructure:"public_url_prefix"`
}

// Config is the root gateway configuration.
type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Auth       AuthConfig        `mapstructure:"auth"`
	Sandbox    SandboxConfig     `mapstructure:"sandbox"`
	ClickHouse ClickHouseConfig  `mapstructure:"clickhouse"`
	Prometheus *PrometheusConfig `mapstructure:"prometheus"`
	Loki       *LokiConfig       `mapstructure:"loki"`
	Storage    *StorageConfig    `mapstructure:"storage"`
}

// CanonicalBaseURL returns the base URL with any trailing slash stripped.
// Audience comparison is byte-exact after this canonicalization.
func (c *Config) CanonicalBaseURL() string {
	return strings.TrimRight(c.Server.BaseURL, "/")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://127.0.0.1:8080")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.tokens.issuer", "xatu-mcp")
	v.SetDefault("auth.tokens.access_token_ttl", 3600)
	v.SetDefault("auth.tokens.refresh_token_ttl", 2592000)

	v.SetDefault("sandbox.backend", SandboxBackendDocker)
	v.SetDefault("sandbox.image", "ethpandaops/xatu-mcp-sandbox:latest")
	v.SetDefault("sandbox.timeout", 60)
	v.SetDefault("sandbox.memory_limit", "512m")
	v.SetDefault("sandbox.cpu_limit", 1.0)
	v.SetDefault("sandbox.network", "xatu-mcp")
}

// Load reads the configuration from the given file path. An empty path falls
// back to the CONFIG_PATH env var and then to config.yaml in the working
// directory. A missing file is not an error; defaults and env vars apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("XATU_MCP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = v.GetString("config_path")
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			// Config file is optional; only a malformed file is fatal.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks invariants the process refuses to start without.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	if c.Auth.Enabled {
		if c.Auth.Tokens.SecretKey == "" {
			return fmt.Errorf(
				"auth.tokens.secret_key is required when auth is enabled; " +
					"generate one with: openssl rand -base64 32")
		}
		if len(c.Auth.Tokens.SecretKey) < MinSecretKeyLength {
			return fmt.Errorf("auth.tokens.secret_key must be at least %d bytes", MinSecretKeyLength)
		}
	}

	switch c.Sandbox.Backend {
	case SandboxBackendDocker, SandboxBackendGVisor:
	default:
		return fmt.Errorf("unknown sandbox backend %q (supported: %s, %s)",
			c.Sandbox.Backend, SandboxBackendDocker, SandboxBackendGVisor)
	}

	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive")
	}

	return nil
}
