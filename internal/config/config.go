// ABOUTME: Configuration loading and parsing for the dispatcher, orchestrator, and worker binaries.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/coven-gateway/internal/clusternet"
)

// Config is the complete configuration shared by cmd/dispatcher,
// cmd/orchestrator, and cmd/worker; each binary reads only the
// sections it needs.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Queue       QueueConfig       `yaml:"queue"`
	Worker      WorkerConfig      `yaml:"worker"`
	Frontends   FrontendsConfig   `yaml:"frontends"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tailnet     clusternet.Config `yaml:"tailnet"`
}

// ServerConfig holds the HTTP ingress listener address and its bearer
// token secret. AuthSecret is optional: when empty, the ingress
// endpoint accepts unauthenticated requests (suitable behind a
// trusted sidecar or the tailnet).
type ServerConfig struct {
	HTTPAddr   string `yaml:"http_addr"`
	AuthSecret string `yaml:"auth_secret"`
}

// StoreConfig points at the local SQLite bookkeeping database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// RateLimitConfig configures the Dispatcher's per-user fixed window.
type RateLimitConfig struct {
	MaxJobs   int    `yaml:"max_jobs"`
	WindowRaw string `yaml:"window"`
	Window    time.Duration `yaml:"-"`
}

// ClusterConfig configures the Orchestrator's Deployment Reconciler.
type ClusterConfig struct {
	Namespace           string        `yaml:"namespace"`
	WorkerImage         string        `yaml:"worker_image"`
	RecoveryIntervalRaw string        `yaml:"recovery_interval"`
	RecoveryInterval    time.Duration `yaml:"-"`
	IdleTimeoutRaw      string        `yaml:"idle_timeout"`
	IdleTimeout         time.Duration `yaml:"-"`
}

// CredentialsConfig configures the per-user PostgreSQL role issuer.
type CredentialsConfig struct {
	AdminDSN       string `yaml:"admin_dsn"`
	SecretKeyPrefix string `yaml:"secret_key_prefix"`
}

// QueueConfig configures the Orchestrator's worker pool against the
// ingress queue.
type QueueConfig struct {
	TeamSize        int    `yaml:"team_size"`
	TeamConcurrency int    `yaml:"team_concurrency"`
	PollIntervalRaw string `yaml:"poll_interval"`
	PollInterval    time.Duration `yaml:"-"`
}

// WorkerConfig configures cmd/worker's lifecycle defaults.
type WorkerConfig struct {
	WorkspacePath          string `yaml:"workspace_path"`
	ExitOnIdleMinutes      int    `yaml:"exit_on_idle_minutes"`
	AutoPushIntervalRaw    string `yaml:"auto_push_interval"`
	AutoPushInterval       time.Duration `yaml:"-"`
}

// FrontendsConfig holds per-platform connection settings consumed by
// the Dispatcher's chat clients.
type FrontendsConfig struct {
	Slack  SlackConfig  `yaml:"slack"`
	Matrix MatrixConfig `yaml:"matrix"`
}

// SlackConfig holds Slack integration configuration.
type SlackConfig struct {
	Enabled         bool     `yaml:"enabled"`
	AppToken        string   `yaml:"app_token"`
	BotToken        string   `yaml:"bot_token"`
	AllowedChannels []string `yaml:"allowed_channels"`
}

// MatrixConfig holds Matrix integration configuration.
type MatrixConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Homeserver   string   `yaml:"homeserver"`
	UserID       string   `yaml:"user_id"`
	AccessToken  string   `yaml:"access_token"`
	AllowedUsers []string `yaml:"allowed_users"`
	AllowedRooms []string `yaml:"allowed_rooms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from path and returns a parsed
// Config. Environment variables in the form ${VAR_NAME} are expanded
// before parsing; raw duration strings are parsed after.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	return &cfg, nil
}

// Validate checks that fields required for the binary to start are
// present.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Cluster.Namespace == "" {
		return fmt.Errorf("cluster.namespace is required")
	}
	if c.Cluster.WorkerImage == "" {
		return fmt.Errorf("cluster.worker_image is required")
	}
	if c.Credentials.AdminDSN == "" {
		return fmt.Errorf("credentials.admin_dsn is required")
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable value, or the empty string if unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func parseDurations(cfg *Config) error {
	parses := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"rate_limit.window", cfg.RateLimit.WindowRaw, &cfg.RateLimit.Window},
		{"cluster.recovery_interval", cfg.Cluster.RecoveryIntervalRaw, &cfg.Cluster.RecoveryInterval},
		{"cluster.idle_timeout", cfg.Cluster.IdleTimeoutRaw, &cfg.Cluster.IdleTimeout},
		{"queue.poll_interval", cfg.Queue.PollIntervalRaw, &cfg.Queue.PollInterval},
		{"worker.auto_push_interval", cfg.Worker.AutoPushIntervalRaw, &cfg.Worker.AutoPushInterval},
	}
	for _, p := range parses {
		if p.raw == "" {
			continue
		}
		d, err := time.ParseDuration(p.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", p.name, p.raw, err)
		}
		*p.dst = d
	}
	return nil
}
