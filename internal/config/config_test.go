// ABOUTME: Tests for configuration loading and parsing.
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and validation.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const validConfig = `
server:
  http_addr: "0.0.0.0:8080"

store:
  path: "./test.db"

rate_limit:
  max_jobs: 10
  window: "1h"

cluster:
  namespace: "coven-workers"
  worker_image: "registry.example.com/coven-worker:latest"
  recovery_interval: "2m"
  idle_timeout: "5m"

credentials:
  admin_dsn: "postgres://admin@localhost/coven"
  secret_key_prefix: "coven-creds-"

queue:
  team_size: 1
  team_concurrency: 4
  poll_interval: "500ms"

worker:
  workspace_path: "/workspace"
  exit_on_idle_minutes: 10
  auto_push_interval: "30s"

frontends:
  slack:
    enabled: true
    app_token: "xapp-test"
    bot_token: "xoxb-test"
    allowed_channels:
      - "general"
      - "random"
  matrix:
    enabled: false

logging:
  level: "debug"
  format: "json"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:8080", cfg.Server.HTTPAddr)
	require.Equal(t, "./test.db", cfg.Store.Path)
	require.Equal(t, 10, cfg.RateLimit.MaxJobs)
	require.Equal(t, time.Hour, cfg.RateLimit.Window)
	require.Equal(t, "coven-workers", cfg.Cluster.Namespace)
	require.Equal(t, 2*time.Minute, cfg.Cluster.RecoveryInterval)
	require.Equal(t, 5*time.Minute, cfg.Cluster.IdleTimeout)
	require.Equal(t, 500*time.Millisecond, cfg.Queue.PollInterval)
	require.Equal(t, 30*time.Second, cfg.Worker.AutoPushInterval)
	require.True(t, cfg.Frontends.Slack.Enabled)
	require.Equal(t, "xapp-test", cfg.Frontends.Slack.AppToken)
	require.Len(t, cfg.Frontends.Slack.AllowedChannels, 2)
	require.False(t, cfg.Frontends.Matrix.Enabled)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadEnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_ADMIN_DSN", "postgres://admin@db/coven")
	path := writeConfig(t, `
credentials:
  admin_dsn: "${TEST_ADMIN_DSN}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "postgres://admin@db/coven", cfg.Credentials.AdminDSN)
}

func TestLoadEnvVarExpansionUnsetVarIsEmpty(t *testing.T) {
	os.Unsetenv("COVEN_TEST_UNSET_VAR")
	path := writeConfig(t, `
credentials:
  admin_dsn: "${COVEN_TEST_UNSET_VAR}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Empty(t, cfg.Credentials.AdminDSN)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	require.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "server:\n  http_addr \"missing colon\"\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadInvalidDuration(t *testing.T) {
	path := writeConfig(t, `
cluster:
  idle_timeout: "not-a-duration"
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "cluster.idle_timeout")
}

func TestValidateRequiresCoreFields(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "missing store path",
			cfg:     Config{Cluster: ClusterConfig{Namespace: "ns", WorkerImage: "img"}, Credentials: CredentialsConfig{AdminDSN: "dsn"}},
			wantErr: "store.path is required",
		},
		{
			name:    "missing cluster namespace",
			cfg:     Config{Store: StoreConfig{Path: "./x.db"}, Cluster: ClusterConfig{WorkerImage: "img"}, Credentials: CredentialsConfig{AdminDSN: "dsn"}},
			wantErr: "cluster.namespace is required",
		},
		{
			name:    "missing worker image",
			cfg:     Config{Store: StoreConfig{Path: "./x.db"}, Cluster: ClusterConfig{Namespace: "ns"}, Credentials: CredentialsConfig{AdminDSN: "dsn"}},
			wantErr: "cluster.worker_image is required",
		},
		{
			name:    "missing admin dsn",
			cfg:     Config{Store: StoreConfig{Path: "./x.db"}, Cluster: ClusterConfig{Namespace: "ns", WorkerImage: "img"}},
			wantErr: "credentials.admin_dsn is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidatePasses(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"single env var", "${FOO}", "bar"},
		{"surrounding text", "prefix-${FOO}-suffix", "prefix-bar-suffix"},
		{"multiple env vars", "${FOO}/${BAZ}", "bar/qux"},
		{"no env vars", "no-vars-here", "no-vars-here"},
		{"unset env var", "${UNSET_VAR}", ""},
		{"empty string", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, expandEnvVars(tt.input))
		})
	}
}
