package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg := FromEnv()

	assert.Equal(t, ":7448", cfg.Listen)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, 60*time.Second, cfg.QuiescentPeriod)
	assert.Equal(t, 5, cfg.MaxAttempts)
	require.NoError(t, cfg.Validate())
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("REBASER_LISTEN", ":9000")
	t.Setenv("REBASER_DEBUG", "true")
	t.Setenv("REBASER_QUIESCENT_PERIOD", "5s")
	t.Setenv("REBASER_MAX_ATTEMPTS", "not a number")

	cfg := FromEnv()
	assert.Equal(t, ":9000", cfg.Listen)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 5*time.Second, cfg.QuiescentPeriod)
	assert.Equal(t, 5, cfg.MaxAttempts, "unparsable values fall back to the default")
}

func TestFromEnv_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("REBASER_DATA=/var/lib/rebaser\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("REBASER_DATA") })

	assert.Equal(t, "/var/lib/rebaser", FromEnv().DataDir)
}

func TestLoadFile(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "rebaser.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":8000"
env: production
quiescentPeriod: 2m
maxAttempts: 9
`), 0o644))

	cfg := FromEnv()
	require.NoError(t, cfg.LoadFile(path))
	assert.Equal(t, ":8000", cfg.Listen)
	assert.Equal(t, "production", cfg.Env)
	assert.Equal(t, 2*time.Minute, cfg.QuiescentPeriod)
	assert.Equal(t, 9, cfg.MaxAttempts)
	assert.Equal(t, "./data", cfg.DataDir, "keys missing from the file are kept")

	assert.Error(t, cfg.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg := FromEnv()
	cfg.Listen = ""
	cfg.Env = "staging"
	cfg.MaxAttempts = 0
	cfg.PollInterval = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"listen", "env", "maxAttempts", "pollInterval"} {
		assert.Contains(t, err.Error(), want)
	}
}
