package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealhub/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 10*time.Second, cfg.TickInterval)
	assert.Equal(t, 1, cfg.Workers)
	assert.Equal(t, 500, cfg.CacheCap)
	assert.Equal(t, 50, cfg.KeywordSampleSize)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, "mydealz", cfg.Sources[0].Tag)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TICK_INTERVAL", "30s")
	t.Setenv("WORKERS", "4")
	t.Setenv("CACHE_CAP", "not-a-number")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("LOG_DEVELOPMENT", "true")
	t.Setenv("MYDEALZ_FEED_URL", "http://feeds.local/hot")
	t.Setenv("AMAZON_TAG_UK", "uk-21")

	cfg := Load()
	assert.Equal(t, 30*time.Second, cfg.TickInterval)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 500, cfg.CacheCap)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.True(t, cfg.LogDevelopment)
	assert.Equal(t, "http://feeds.local/hot", cfg.Sources[0].URL)
	assert.Equal(t, map[string]string{"amazon.co.uk": "uk-21"}, cfg.AmazonTags)
}

func TestLoadWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dealhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sources:
  - tag: mydealz
    url: https://www.mydealz.de/rss/new
tenants:
  "123":
    destination_id: "456"
    keyword_allowlist: [laptop, ssd]
    min_quality: 100
`), 0o644))
	t.Setenv("DEALHUB_CONFIG", path)

	cfg, err := LoadWithFile("")
	require.NoError(t, err)
	assert.Equal(t, []domain.Source{{Tag: "mydealz", URL: "https://www.mydealz.de/rss/new"}}, cfg.Sources)
	require.Contains(t, cfg.Tenants, "123")
	patch := cfg.Tenants["123"]
	assert.Equal(t, "456", *patch.DestinationID)
	assert.Equal(t, []string{"laptop", "ssd"}, *patch.KeywordAllowlist)
	assert.Equal(t, 100, *patch.MinQuality)
}

func TestReadFileRejectsIncompleteSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sources:\n  - tag: x\n"), 0o644))
	_, err := ReadFile(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("sources:\n  - tag: x\n    url: ftp://feeds.local/x\n"), 0o644))
	_, err = ReadFile(path)
	assert.ErrorContains(t, err, "unsupported scheme")
}

func TestDefaultSQLitePath(t *testing.T) {
	t.Setenv("SQLITE_PATH", "")
	cfg := Load()
	assert.Equal(t, filepath.Join("dealhub", "deals.db"), filepath.Join(filepath.Base(filepath.Dir(cfg.SQLitePath)), filepath.Base(cfg.SQLitePath)))
}
