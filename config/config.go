package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Feed      *FeedConfig `validate:"required"`
	Database  DatabaseConfig
	Geocode   GeocodeConfig
	Sync      SyncConfig
	Scheduler SchedulerConfig
	Archive   ArchiveConfig
	Server    ServerConfig
	Logging   LoggingConfig
	Feeds     map[string]*FeedConfig
}

type DatabaseConfig struct {
	// URL selects Postgres when set; otherwise the SQLite file at Path is used.
	URL  string
	Path string `validate:"required_without=URL"`
}

// FeedConfig describes one MLS/AMPRE OData feed. Files under config/feeds
// override the built-in defaults field by field.
type FeedConfig struct {
	ID            string            `yaml:"id" default:"ampre" validate:"required"`
	Name          string            `yaml:"name" default:"PropTx AMPRE"`
	BaseURL       string            `yaml:"base_url" default:"https://query.ampre.ca/odata" validate:"required,url"`
	Resource      string            `yaml:"resource" default:"Property"`
	MediaResource string            `yaml:"media_resource" default:"Media"`
	Token         string            `yaml:"-"`
	PageSize      int               `yaml:"page_size" default:"100" validate:"min=1,max=1000"`
	Timeout       time.Duration     `yaml:"timeout" default:"30s"`
	MaxRetries    int               `yaml:"max_retries" default:"3" validate:"min=0,max=10"`
	RetryDelay    time.Duration     `yaml:"retry_delay" default:"1s"`
	Select        []string          `yaml:"select"`
	StatusMap     map[string]string `yaml:"status_map"`
	PhotoSize     string            `yaml:"photo_size" default:"Largest"`

	// SkipPageMedia disables the Media lookup made for every fetched page.
	SkipPageMedia bool `yaml:"skip_page_media"`
}

type GeocodeConfig struct {
	GoogleAPIKey    string
	GoogleURL       string `validate:"required,url"`
	NominatimURL    string `validate:"required,url"`
	NominatimAgent  string `validate:"required"`
	MinInterval     time.Duration
	Timeout         time.Duration
	MaxRetries      int
	FailureCacheTTL time.Duration
	CountryCode     string
}

type SyncConfig struct {
	BatchSize           int `validate:"min=1"`
	FullLimit           int `validate:"min=0"`
	MaxBatches          int `validate:"min=1"`
	IncrementalLookback time.Duration
	LockTTL             time.Duration
	StaleAfter          time.Duration
	MaxErrors           int
	GeocodeInline       bool
	ImageBatchSize      int `validate:"min=1"`
	GeocodeBatchLimit   int `validate:"min=1"`
}

type SchedulerConfig struct {
	FullCron        string
	IncrementalCron string
	ImagesCron      string
	GeocodeCron     string
	CommandPoll     time.Duration
}

type ArchiveConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// Enabled reports whether raw page archiving to S3 is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

type ServerConfig struct {
	Addr string
}

type LoggingConfig struct {
	Level     string `validate:"oneof=trace debug info warn error"`
	Format    string `validate:"oneof=json console"`
	File      string
	MaxSizeMB int `validate:"min=1"`
	Backups   int `validate:"min=0,max=20"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Database: DatabaseConfig{
			URL:  os.Getenv("DATABASE_URL"),
			Path: getEnv("DB_PATH", "mls_sync.db"),
		},
		Geocode: GeocodeConfig{
			GoogleAPIKey:    os.Getenv("GOOGLE_MAPS_API_KEY"),
			GoogleURL:       getEnv("GOOGLE_GEOCODE_URL", "https://maps.googleapis.com/maps/api/geocode/json"),
			NominatimURL:    getEnv("NOMINATIM_URL", "https://nominatim.openstreetmap.org/search"),
			NominatimAgent:  getEnv("NOMINATIM_USER_AGENT", "mls-sync/1.0"),
			MinInterval:     getEnvDuration("GEOCODE_MIN_INTERVAL", 200*time.Millisecond),
			Timeout:         getEnvDuration("GEOCODE_TIMEOUT", 10*time.Second),
			MaxRetries:      getEnvInt("GEOCODE_MAX_RETRIES", 2),
			FailureCacheTTL: getEnvDuration("GEOCODE_FAILURE_TTL", 24*time.Hour),
			CountryCode:     getEnv("GEOCODE_COUNTRY", "ca"),
		},
		Sync: SyncConfig{
			BatchSize:           getEnvInt("SYNC_BATCH_SIZE", 100),
			FullLimit:           getEnvInt("SYNC_FULL_LIMIT", 0),
			MaxBatches:          getEnvInt("SYNC_MAX_BATCHES", 50),
			IncrementalLookback: getEnvDuration("SYNC_INCREMENTAL_LOOKBACK", 24*time.Hour),
			LockTTL:             getEnvDuration("SYNC_LOCK_TTL", 6*time.Hour),
			StaleAfter:          getEnvDuration("SYNC_STALE_AFTER", 24*time.Hour),
			MaxErrors:           getEnvInt("SYNC_MAX_ERRORS", 50),
			GeocodeInline:       getEnvBool("SYNC_GEOCODE_INLINE", false),
			ImageBatchSize:      getEnvInt("IMAGE_BATCH_SIZE", 50),
			GeocodeBatchLimit:   getEnvInt("GEOCODE_BATCH_LIMIT", 200),
		},
		Scheduler: SchedulerConfig{
			FullCron:        getEnv("FULL_SYNC_CRON", "0 */4 * * *"),
			IncrementalCron: getEnv("INCREMENTAL_SYNC_CRON", "0 */2 * * *"),
			ImagesCron:      getEnv("IMAGE_SYNC_CRON", "30 * * * *"),
			GeocodeCron:     getEnv("GEOCODE_CRON", "45 * * * *"),
			CommandPoll:     getEnvDuration("COMMAND_POLL_INTERVAL", 2*time.Second),
		},
		Archive: ArchiveConfig{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
			Prefix:          getEnv("S3_PREFIX", "mls-feed"),
		},
		Server: ServerConfig{
			Addr: os.Getenv("HTTP_ADDR"),
		},
		Logging: LoggingConfig{
			Level:     getEnv("LOG_LEVEL", "info"),
			Format:    getEnv("LOG_FORMAT", "console"),
			File:      getEnv("LOG_FILE", "daemon.log"),
			MaxSizeMB: getEnvInt("LOG_MAX_SIZE_MB", 2),
			Backups:   getEnvInt("LOG_BACKUPS", 1),
		},
		Feeds: make(map[string]*FeedConfig),
	}

	if err := cfg.loadFeedConfigs(getEnv("FEED_CONFIG_DIR", "config/feeds")); err != nil {
		return nil, err
	}

	feedID := getEnv("MLS_FEED", "ampre")
	feed, ok := cfg.Feeds[feedID]
	if !ok {
		feed = &FeedConfig{ID: feedID}
		if err := defaults.Set(feed); err != nil {
			return nil, fmt.Errorf("feed defaults: %w", err)
		}
		cfg.Feeds[feedID] = feed
	}
	feed.applyEnv()
	cfg.Feed = feed

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Feed != nil {
		if err := v.Struct(c.Feed); err != nil {
			return fmt.Errorf("invalid feed %s: %w", c.Feed.ID, err)
		}
	}
	return nil
}

func (c *Config) loadFeedConfigs(configDir string) error {
	entries, err := os.ReadDir(configDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(configDir, entry.Name()))
		if err != nil {
			return err
		}

		feed, err := ParseFeedConfig(data)
		if err != nil {
			return fmt.Errorf("%s: %w", entry.Name(), err)
		}
		c.Feeds[feed.ID] = feed
	}

	return nil
}

// ParseFeedConfig decodes a feed definition and fills unset fields with defaults.
func ParseFeedConfig(data []byte) (*FeedConfig, error) {
	var feed FeedConfig
	if err := yaml.Unmarshal(data, &feed); err != nil {
		return nil, err
	}
	if err := defaults.Set(&feed); err != nil {
		return nil, err
	}
	return &feed, nil
}

// applyEnv lets the environment override secrets and endpoints of a feed file.
func (f *FeedConfig) applyEnv() {
	f.Token = os.Getenv("MLS_API_TOKEN")
	if v := os.Getenv("MLS_API_URL"); v != "" {
		f.BaseURL = strings.TrimRight(v, "/")
	}
	f.PageSize = getEnvInt("MLS_PAGE_SIZE", f.PageSize)
	f.Timeout = getEnvDuration("MLS_TIMEOUT", f.Timeout)
	f.MaxRetries = getEnvInt("MLS_MAX_RETRIES", f.MaxRetries)
	f.RetryDelay = getEnvDuration("MLS_RETRY_DELAY", f.RetryDelay)
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

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
