package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WABLAST_SYSTEM_WORKER_DIR", dir)

	cfg := LoadConfig(filepath.Join(dir, "missing.yml"))

	assert.Equal(t, dir, cfg.System.Workdir)
	assert.Equal(t, "https://web.whatsapp.com/", cfg.Browser.EntryURL)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, 50, cfg.Queue.BatchSize)
	assert.Equal(t, 5, cfg.Bulk.MaxWorkers)
	assert.Equal(t, 30, cfg.Bulk.RatePerMinute)
	assert.DirExists(t, cfg.GetLogDir())
	assert.DirExists(t, cfg.GetDataDir())
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	cfile := filepath.Join(dir, "wablast.yml")
	content := []byte(`
system:
  workdir: ` + dir + `
queue:
  batch_size: 10
  max_retries: 5
bulk:
  max_workers: 2
`)
	require.NoError(t, os.WriteFile(cfile, content, 0o600))

	t.Setenv("WABLAST_BULK_RATE_PER_MINUTE", "120")
	t.Setenv("WABLAST_BROWSER_HEADLESS", "FALSE")
	t.Setenv("WABLAST_QUEUE_MAX_RETRIES", "not-a-number")

	cfg := LoadConfig(cfile)

	assert.Equal(t, 10, cfg.Queue.BatchSize)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, 2, cfg.Bulk.MaxWorkers)
	assert.Equal(t, 120, cfg.Bulk.RatePerMinute)
	assert.False(t, cfg.Browser.Headless)
	// untouched sections keep defaults
	assert.Equal(t, 1280, cfg.Browser.ViewportWidth)
}
