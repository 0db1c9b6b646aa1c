package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv(ConfigPathEnvVar, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 15*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, "file", cfg.StoreBackend)
	assert.Equal(t, "data/output", cfg.OutputDir)
	assert.Equal(t, 10*time.Second, cfg.Poller.MinInterval)
	assert.Equal(t, int64(32<<20), cfg.Poller.ChunkSize)
	assert.Empty(t, cfg.Campaigns)
}

const sample = `
port: "9090"
store_backend: badger
poller:
  min_interval: 1s
  max_interval: 5s
campaigns:
  - name: Spring
    start: "2024-05-01"
    end: "2024-05-31"
    view_id: "v1"
    parametrization: params.json
    sources:
      - platform: facebook
        accounts: [act_1, act_2]
      - platform: campaign_manager
        campaigns: [Spring CM]
`

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "etl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	t.Setenv("PORT", "7070")
	t.Setenv("HTTP_TIMEOUT_SECONDS", "3")
	t.Setenv("POLLER_ELAPSED_BUDGET", "2m")
	t.Setenv("OUTPUT_DIR", "/srv/out")
	t.Setenv("UNRELATED_VARIABLE", "x")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port, "env wins over file")
	assert.Equal(t, "badger", cfg.StoreBackend)
	assert.Equal(t, 3*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, "/srv/out", cfg.OutputDir)
	assert.Equal(t, time.Second, cfg.Poller.MinInterval)
	assert.Equal(t, 2*time.Minute, cfg.Poller.ElapsedBudget)
	assert.Equal(t, 3, cfg.Poller.ChunkRetries, "untouched default survives")

	require.Len(t, cfg.Campaigns, 1)
	c, ok := cfg.Campaign("spring")
	require.True(t, ok)
	assert.Equal(t, "2024-05-01", c.Start)
	require.Len(t, c.Sources, 2)
	assert.Equal(t, []string{"act_1", "act_2"}, c.Sources[0].Accounts)
	assert.Equal(t, []string{"Spring CM"}, c.Sources[1].Campaigns)
}

func TestValidate(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.StoreBackend = "s3"
	cfg.DuplicatePolicy = "avg"
	cfg.Campaigns = []Campaign{{Name: "a", Start: "2024-01-01", End: "2024-01-02"}, {Name: "A"}, {}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store_backend")
	assert.Contains(t, err.Error(), "duplicate_policy")
	assert.Contains(t, err.Error(), "duplicate name")
	assert.Contains(t, err.Error(), "name is required")
}

func TestMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
