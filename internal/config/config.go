package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"dealhub/domain"
	"dealhub/internal/helper"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	TickInterval      time.Duration
	Workers           int
	DeliveryDelay     time.Duration
	FetchTimeout      time.Duration
	FeedCacheTTL      time.Duration
	CacheCap          int
	KeywordSampleSize int

	StoreDriver string
	SQLitePath  string
	PGHost      string
	PGPort      int
	PGUser      string
	PGPassword  string
	PGDatabase  string

	ControlAddr string

	LogLevel       string
	LogDevelopment bool

	DiscordToken   string
	DiscordBaseURL string
	AmazonTags     map[string]string

	Sources []domain.Source
	Tenants map[string]domain.SettingsPatch
}

// File is the optional YAML overlay referenced by DEALHUB_CONFIG.
type File struct {
	Sources []domain.Source                 `yaml:"sources"`
	Tenants map[string]domain.SettingsPatch `yaml:"tenants"`
}

func Load() Config {
	return Config{
		TickInterval:      parseDurationEnv("TICK_INTERVAL", 10*time.Second),
		Workers:           parseIntEnv("WORKERS", 1),
		DeliveryDelay:     parseDurationEnv("DELIVERY_DELAY", time.Second),
		FetchTimeout:      parseDurationEnv("FETCH_TIMEOUT", 20*time.Second),
		FeedCacheTTL:      parseDurationEnv("FEED_CACHE_TTL", time.Minute),
		CacheCap:          parseIntEnv("CACHE_CAP", 500),
		KeywordSampleSize: parseIntEnv("KEYWORD_SAMPLE_SIZE", 50),
		StoreDriver:       getenv("STORE_DRIVER", DriverPostgres),
		SQLitePath:        getenv("SQLITE_PATH", filepath.Join(xdg.DataHome, "dealhub", "deals.db")),
		PGHost:            getenv("POSTGRES_HOST", "localhost"),
		PGPort:            parseIntEnv("POSTGRES_PORT", 5432),
		PGUser:            getenv("POSTGRES_USER", "postgres"),
		PGPassword:        getenv("POSTGRES_PASSWORD", "changeme"),
		PGDatabase:        getenv("POSTGRES_DBNAME", "dealhub"),
		ControlAddr:       getenv("CONTROL_ADDR", "127.0.0.1:8088"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		LogDevelopment:    parseBoolEnv("LOG_DEVELOPMENT", false),
		DiscordToken:      os.Getenv("DISCORD_TOKEN"),
		DiscordBaseURL:    getenv("DISCORD_API_URL", "https://discord.com/api/v10"),
		AmazonTags:        amazonTags(),
		Sources: []domain.Source{
			{Tag: "mydealz", URL: getenv("MYDEALZ_FEED_URL", "https://www.mydealz.de/rss/hot")},
			{Tag: "hotukdeals", URL: getenv("HOTUKDEALS_FEED_URL", "https://www.hotukdeals.com/rss/all")},
		},
	}
}

// LoadWithFile loads the environment config and applies the YAML file at
// path, or the one named by DEALHUB_CONFIG when path is empty.
func LoadWithFile(path string) (Config, error) {
	cfg := Load()
	path = ResolvePath(path)
	if path == "" {
		return cfg, nil
	}
	f, err := ReadFile(path)
	if err != nil {
		return cfg, err
	}
	cfg.Apply(f)
	return cfg, nil
}

// ResolvePath returns path, or DEALHUB_CONFIG when path is empty.
func ResolvePath(path string) string {
	if path != "" {
		return path
	}
	return os.Getenv("DEALHUB_CONFIG")
}

// ReadFile parses a YAML config file.
func ReadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("unmarshal config: %w", err)
	}
	for i, s := range f.Sources {
		if s.Tag == "" || s.URL == "" {
			return File{}, fmt.Errorf("config source #%d: tag and url are required", i+1)
		}
		if err := helper.ValidateFeedURL(s.URL); err != nil {
			return File{}, fmt.Errorf("config source %s: %w", s.Tag, err)
		}
	}
	return f, nil
}

// Apply overlays the file onto the config. A non-empty source list replaces
// the defaults.
func (c *Config) Apply(f File) {
	if len(f.Sources) > 0 {
		c.Sources = f.Sources
	}
	if len(f.Tenants) > 0 {
		c.Tenants = f.Tenants
	}
}

func amazonTags() map[string]string {
	tags := map[string]string{}
	for _, d := range []struct{ env, domain string }{
		{"AMAZON_TAG_DE", "amazon.de"},
		{"AMAZON_TAG_UK", "amazon.co.uk"},
		{"AMAZON_TAG_US", "amazon.com"},
	} {
		if v := os.Getenv(d.env); v != "" {
			tags[d.domain] = v
		}
	}
	return tags
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func parseDurationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
