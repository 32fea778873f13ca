package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":3000", cfg.Listen)
	assert.Equal(t, "data/bots", cfg.DataDir)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "botfleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":8080"
data_dir: /srv/bots
log:
  level: debug
  file: logs/botfleet.log
supervision:
  stop_grace_ms: 5000
  image_prefix: myfleet
  fail_on_build_error: false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "/srv/bots", cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "logs/botfleet.log", cfg.Log.File)

	sc := cfg.SupervisorConfig()
	assert.Equal(t, 5*time.Second, sc.StopGrace)
	assert.Equal(t, "myfleet", sc.ImagePrefix)
	assert.False(t, sc.FailOnBuildError)
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "botfleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":8080\"\n"), 0o644))

	t.Setenv("BOTFLEET_LISTEN", ":9090")
	t.Setenv("BOTFLEET_LOG_LEVEL", "warn")
	t.Setenv("BOTFLEET_STOP_GRACE_MS", "1500")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 1500*time.Millisecond, cfg.SupervisorConfig().StopGrace)
}

func TestLoadMalformedYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "botfleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unclosed"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestFailOnBuildErrorDefaultsTrue(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.True(t, cfg.SupervisorConfig().FailOnBuildError)
}
