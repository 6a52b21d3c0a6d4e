package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useTempPaths(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TELEGRAF_CONFIG_PATH_IN", filepath.Join(dir, "in.conf"))
	t.Setenv("TELEGRAF_CONFIG_PATH_OUT", filepath.Join(dir, "out.conf"))
}

func TestLoadDefaults(t *testing.T) {
	useTempPaths(t)

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, -1, c.PollingInterval)
	assert.False(t, c.Continuous)
	assert.Equal(t, 10, c.Browse.MaxLevel)
	assert.Equal(t, time.Second, c.Backoff.Min)
	assert.Equal(t, 5*time.Minute, c.Backoff.Max)
	assert.False(t, c.PruneStale)
}

func TestLoadFromSettingsFile(t *testing.T) {
	useTempPaths(t)

	path := filepath.Join(t.TempDir(), "settings.yml")
	settings := `pollingInterval: 30
endpoints:
  - opc.tcp://plant:4840
browse:
  maxLevel: 3
pruneStale: true
`
	require.NoError(t, os.WriteFile(path, []byte(settings), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30, c.PollingInterval)
	assert.True(t, c.Continuous, "positive pollingInterval implies continuous mode")
	assert.Equal(t, []string{"opc.tcp://plant:4840"}, c.Endpoints)
	assert.Equal(t, 3, c.Browse.MaxLevel)
	assert.True(t, c.PruneStale)
	assert.Equal(t, 30*time.Second, c.Interval())
}

func TestEnvironmentOverridesSettingsFile(t *testing.T) {
	useTempPaths(t)

	path := filepath.Join(t.TempDir(), "settings.yml")
	require.NoError(t, os.WriteFile(path, []byte("pollingInterval: 30\n"), 0o644))

	t.Setenv("POLLING_INTERVAL", "60")
	t.Setenv("ENDPOINTS", "opc.tcp://a:4840, opc.tcp://b:4840")
	t.Setenv("PRUNE_STALE", "yes")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 60, c.PollingInterval)
	assert.Equal(t, []string{"opc.tcp://a:4840", "opc.tcp://b:4840"}, c.Endpoints)
	assert.True(t, c.PruneStale)
}

func TestLoadRejectsBadPollingInterval(t *testing.T) {
	useTempPaths(t)
	t.Setenv("POLLING_INTERVAL", "0")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pollingInterval")
}

func TestLoadRejectsNonIntegerPollingInterval(t *testing.T) {
	useTempPaths(t)
	t.Setenv("POLLING_INTERVAL", "soon")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POLLING_INTERVAL")
}

func TestValidateRejectsSamePaths(t *testing.T) {
	c := DefaultConfig
	c.TelegrafConfigIn = "same.conf"
	c.TelegrafConfigOut = "same.conf"
	require.Error(t, c.Validate())
}

func TestValidateRejectsBadEndpointURL(t *testing.T) {
	c := DefaultConfig
	c.Endpoints = []string{"http://plant:4840"}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opc.tcp://host:port")
}

func TestValidateRejectsContinuousWithoutInterval(t *testing.T) {
	c := DefaultConfig
	c.Continuous = true
	require.Error(t, c.Validate())

	t.Setenv("CONTINUOUS_DISCOVERY", "true")
	useTempPaths(t)
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "continuous discovery requires")
}
