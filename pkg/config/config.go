package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is read when no --config flag is given.
const DefaultConfigPath = "config.yaml"

// Config holds all configuration for ekaya-gitsync.
// Configuration can come from a YAML file or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, tokens, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// LogLevel overrides the environment's default level (debug, info, warn, error).
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:""`

	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Hosting  HostingConfig  `yaml:"hosting"`
	Storage  StorageConfig  `yaml:"storage"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	Queue    QueueConfig    `yaml:"queue"`
}

// AuthConfig holds settings for authenticating tracker event deliveries.
type AuthConfig struct {
	// EnableVerification controls whether event tokens are validated.
	// Set to false for local development without a signing tracker.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// EventIssuer is the expected "iss" claim of event tokens.
	EventIssuer string `yaml:"event_issuer" env:"AUTH_EVENT_ISSUER" env-default:"tracker"`

	// EventSigningKey is the HS256 shared secret (env only).
	EventSigningKey string `yaml:"-" env:"EVENT_SIGNING_KEY"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"gitsync"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_gitsync"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"10"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// HostingConfig holds the code-hosting service API settings.
type HostingConfig struct {
	URL   string `yaml:"url" env:"HOSTING_API_URL" env-default:"http://gitlab_app"`
	Token string `yaml:"-" env:"HOSTING_API_TOKEN"` // Secret - not in YAML

	// Timeout applies to every hosting API call.
	Timeout time.Duration `yaml:"timeout" env:"HOSTING_API_TIMEOUT" env-default:"30s"`

	RequestsPerSecond float64 `yaml:"requests_per_second" env:"HOSTING_API_RPS" env-default:"10"`
	Burst             int     `yaml:"burst" env:"HOSTING_API_BURST" env-default:"20"`

	// ExternalIdentityProvider scopes external-identity user lookups.
	ExternalIdentityProvider string `yaml:"external_identity_provider" env:"HOSTING_EXTERNAL_PROVIDER" env-default:"openid_connect"`
}

// StorageConfig describes where repositories live on disk.
type StorageConfig struct {
	// HostingRoot is the hosting service's repository storage root
	// (the directory containing "@hashed").
	HostingRoot string `yaml:"hosting_root" env:"HOSTING_STORAGE_ROOT" env-default:"/var/opt/gitlab/git-data/repositories/repositories"`

	// TrackerRoot is the same storage as mounted on the tracker side.
	// Defaults to HostingRoot when empty (shared volume at the same path).
	TrackerRoot string `yaml:"tracker_root" env:"TRACKER_STORAGE_ROOT" env-default:""`
}

// TrackerConfig holds tracker callback and link settings.
type TrackerConfig struct {
	// URL is the tracker base URL reachable from this service.
	URL string `yaml:"url" env:"TRACKER_URL" env-default:"http://redmine:3000"`

	// ExternalURL is the tracker URL users see, used in badges and integrations.
	ExternalURL string `yaml:"external_url" env:"TRACKER_EXTERNAL_URL" env-default:"http://localhost:8087"`

	// WSKey is the repository-management web service key (env only).
	WSKey string `yaml:"-" env:"TRACKER_WS_KEY"`

	BadgeName string `yaml:"badge_name" env:"TRACKER_BADGE_NAME" env-default:"Redmine Project"`

	// ConfigureIntegration enables the hosting project's tracker integration after linking.
	ConfigureIntegration bool `yaml:"configure_integration" env:"TRACKER_CONFIGURE_INTEGRATION" env-default:"true"`
}

// QueueConfig controls background task execution.
type QueueConfig struct {
	Workers int `yaml:"workers" env:"QUEUE_WORKERS" env-default:"4"`

	// MembershipAttempts is the total number of attempts for membership tasks.
	MembershipAttempts int           `yaml:"membership_attempts" env:"QUEUE_MEMBERSHIP_ATTEMPTS" env-default:"3"`
	InitialBackoff     time.Duration `yaml:"initial_backoff" env:"QUEUE_INITIAL_BACKOFF" env-default:"5s"`
	MaxBackoff         time.Duration `yaml:"max_backoff" env:"QUEUE_MAX_BACKOFF" env-default:"60s"`

	// CallTimeout bounds each persistence call made from a task.
	CallTimeout time.Duration `yaml:"call_timeout" env:"QUEUE_CALL_TIMEOUT" env-default:"30s"`
}

// Load reads configuration from path with environment variable overrides.
// A missing file is not an error: defaults and environment variables are used.
// The version parameter is injected at build time and set on the returned Config.
func Load(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if cfg.Storage.TrackerRoot == "" {
		cfg.Storage.TrackerRoot = cfg.Storage.HostingRoot
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Defaults returns the configuration formed by defaults and the environment alone.
// It is not validated, so it can be written out before secrets are set.
func Defaults() (*Config, error) {
	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return cfg, nil
}

// WriteFile writes cfg to path as YAML. Env-only secrets are never written.
// An existing file is left alone unless overwrite is set.
func WriteFile(path string, cfg *Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// validate checks values cleanenv cannot express as defaults.
func (c *Config) validate() error {
	if _, err := url.ParseRequestURI(c.Hosting.URL); err != nil {
		return fmt.Errorf("hosting.url: %w", err)
	}
	if c.Hosting.Timeout <= 0 {
		return fmt.Errorf("hosting.timeout must be positive")
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be at least 1")
	}
	if c.Queue.MembershipAttempts < 1 {
		return fmt.Errorf("queue.membership_attempts must be at least 1")
	}
	if c.Auth.EnableVerification && c.Auth.EventSigningKey == "" {
		return fmt.Errorf("EVENT_SIGNING_KEY is required when auth.enable_verification is true")
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection URL.
func (c *DatabaseConfig) ConnectionString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", ResolveHostForDocker(c.Host), c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}
