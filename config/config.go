package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database   DatabaseConfig
	Scheduler  SchedulerConfig
	Fetcher    FetcherConfig
	Enrichment EnrichmentConfig
	DBPath     string
	LogLevel   string
	Categories map[string]*CategoryConfig
}

type DatabaseConfig struct {
	URL string
}

type SchedulerConfig struct {
	Interval time.Duration
	Cron     string
}

type FetcherConfig struct {
	BaseURL           string
	RequestsPerSecond float64
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Timeout           time.Duration
}

type EnrichmentConfig struct {
	Enabled     bool
	BatchSize   int
	Interval    time.Duration
	MaxAttempts int
}

// CategoryConfig is one per-category YAML file under config/categories/.
type CategoryConfig struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	Enabled         bool   `yaml:"enabled"`
	PageSize        int    `yaml:"page_size"`
	SoldOverlapDays int    `yaml:"sold_overlap_days"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		Scheduler: SchedulerConfig{
			Cron: os.Getenv("INGEST_CRON"),
		},
		Fetcher: FetcherConfig{
			BaseURL:           getEnv("BOLIGA_BASE_URL", "https://api.boliga.dk"),
			RequestsPerSecond: getEnvFloat("FETCH_RPS", 1.0),
			MaxAttempts:       getEnvInt("FETCH_MAX_ATTEMPTS", 5),
			BaseDelay:         time.Duration(getEnvInt("FETCH_BASE_DELAY_MS", 1000)) * time.Millisecond,
			MaxDelay:          time.Duration(getEnvInt("FETCH_MAX_DELAY_MS", 60000)) * time.Millisecond,
			Timeout:           time.Duration(getEnvInt("FETCH_TIMEOUT_MS", 30000)) * time.Millisecond,
		},
		Enrichment: EnrichmentConfig{
			Enabled:     os.Getenv("ENRICHMENT_ENABLED") != "false",
			BatchSize:   getEnvInt("ENRICHMENT_BATCH_SIZE", 10),
			Interval:    time.Duration(getEnvInt("ENRICHMENT_INTERVAL_SEC", 300)) * time.Second,
			MaxAttempts: getEnvInt("ENRICHMENT_MAX_ATTEMPTS", 3),
		},
		DBPath:     getEnv("DB_PATH", "boligmarkedet.db"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		Categories: make(map[string]*CategoryConfig),
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if interval := os.Getenv("INGEST_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err == nil {
			cfg.Scheduler.Interval = d
		}
	}

	if err := cfg.loadCategoryConfigs(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultCategories covers a deployment with no YAML files on disk.
func defaultCategories() map[string]*CategoryConfig {
	return map[string]*CategoryConfig{
		"active": {ID: "active", Name: "Active listings", Enabled: true, PageSize: 50},
		"sold":   {ID: "sold", Name: "Sold properties", Enabled: true, PageSize: 50, SoldOverlapDays: 7},
	}
}

func (c *Config) loadCategoryConfigs() error {
	configDir := "config/categories"
	entries, err := os.ReadDir(configDir)
	if err != nil {
		if os.IsNotExist(err) {
			c.Categories = defaultCategories()
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		path := filepath.Join(configDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var cat CategoryConfig
		if err := yaml.Unmarshal(data, &cat); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if cat.ID != "active" && cat.ID != "sold" {
			return fmt.Errorf("%s: unknown category id %q", path, cat.ID)
		}

		c.Categories[cat.ID] = &cat
	}

	if len(c.Categories) == 0 {
		c.Categories = defaultCategories()
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
