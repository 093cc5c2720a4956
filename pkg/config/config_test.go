package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Store)
	assert.Greater(t, cfg.Repair.Workers, 0)
	assert.Equal(t, filepath.Join(cfg.DataDir, "programs.db"), cfg.ArchivePath())
	assert.Equal(t, filepath.Join(cfg.DataDir, "reports"), cfg.ReportsDir())
}

func TestParse(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`
data_dir: /tmp/boot
store: false
log:
  level: debug
  file: /tmp/boot.log
vm:
  step_limit: 1000
repair:
  workers: 2
  all: true
`))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/boot", cfg.DataDir)
	assert.False(t, cfg.Store)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/tmp/boot.log", cfg.Log.File)
	assert.Equal(t, uint64(1000), cfg.VM.StepLimit)
	assert.Equal(t, 2, cfg.Repair.Workers)
	assert.True(t, cfg.Repair.All)
}

func TestParsePartialKeepsDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader("repair:\n  workers: 3\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Repair.Workers)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, DefaultConfig().DataDir, cfg.DataDir)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse(strings.NewReader("workers: 3\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "loud"
	cfg.Repair.Workers = -1
	cfg.DataDir = ""

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "log.level")
	assert.Contains(t, err.Error(), "repair.workers")
	assert.Contains(t, err.Error(), "data_dir")

	cfg.Store = false
	cfg.Log.Level = "WARN"
	cfg.Repair.Workers = 0
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootcode.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: error\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VM.StepLimit = 77

	data, err := cfg.Marshal()
	require.NoError(t, err)

	parsed, err := Parse(strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Equal(t, cfg, parsed)
}
