package clusternet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveStateDirUsesConfigured(t *testing.T) {
	dir, err := resolveStateDir("/tmp/explicit-state", "worker")
	require.NoError(t, err)
	require.Equal(t, "/tmp/explicit-state", dir)
}

func TestResolveStateDirDefaultsUnderHomeDirPerHostname(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	dir, err := resolveStateDir("", "worker-abc123")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".local", "share", "coven", "tailscale", "worker-abc123"), dir)
}

func TestResolveAuthKeyPrefersConfiguredOverEnv(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "from-env")
	key, err := resolveAuthKey("from-config")
	require.NoError(t, err)
	require.Equal(t, "from-config", key)
}

func TestResolveAuthKeyFallsBackToEnv(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "from-env")
	key, err := resolveAuthKey("")
	require.NoError(t, err)
	require.Equal(t, "from-env", key)
}

func TestResolveAuthKeyErrorsWhenUnset(t *testing.T) {
	os.Unsetenv("TS_AUTHKEY")
	_, err := resolveAuthKey("")
	require.Error(t, err)
}
