// ABOUTME: Configuration loading for the standalone chat bridge.
// ABOUTME: Loads TOML config from an XDG path with ${VAR} environment expansion.

package main

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Matrix     MatrixConfig     `toml:"matrix"`
	Dispatcher DispatcherConfig `toml:"dispatcher"`
	Bridge     BridgeConfig     `toml:"bridge"`
	Logging    LoggingConfig    `toml:"logging"`
}

type MatrixConfig struct {
	Homeserver  string `toml:"homeserver"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	RecoveryKey string `toml:"recovery_key"`
}

// DispatcherConfig points the bridge at the Dispatcher's ingress HTTP
// endpoint; unlike fold-gateway's send/SSE round trip, replies are
// delivered later and separately by the worker's Response Egress, so
// this is fire-and-forget.
type DispatcherConfig struct {
	URL       string `toml:"url"`
	AuthToken string `toml:"auth_token"`
}

type BridgeConfig struct {
	AllowedRooms []string `toml:"allowed_rooms"`
	AllowedUsers []string `toml:"allowed_users"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if _, err := url.Parse(c.Matrix.Homeserver); err != nil {
		return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
	}
	if c.Matrix.Username == "" {
		return fmt.Errorf("matrix.username is required")
	}
	if c.Matrix.Password == "" {
		return fmt.Errorf("matrix.password is required")
	}
	if c.Dispatcher.URL == "" {
		return fmt.Errorf("dispatcher.url is required")
	}
	return nil
}
