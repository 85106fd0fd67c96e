package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
	MinLevel      string
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// ExportRatePerMinute limits export requests per client IP.
	ExportRatePerMinute  int
	MaxConcurrentExports int
	SessionTTL           time.Duration
}

// CMSConfig points at the Sanity project holding the portfolio.
type CMSConfig struct {
	ProjectID  string
	Dataset    string
	APIVersion string
	Token      string
	UseCDN     bool
	CacheTTL   time.Duration
	Timeout    time.Duration
}

// ExportConfig tunes the PDF renderer and image fetching.
type ExportConfig struct {
	DPI            int
	JPEGQuality    int
	SourceWidth    int
	SourceQuality  int
	FetchAttempts  int
	RetryDelay     time.Duration
	FetchTimeout   time.Duration
	MarkUnassigned bool
	// ProxyBase is where the exporter reaches the image proxy. Empty means
	// the server's own loopback address.
	ProxyBase string
}

// ProxyConfig restricts the image proxy.
type ProxyConfig struct {
	AllowedHosts []string
	MaxBytes     int64
	Timeout      time.Duration
}

// WorkerConfig defines async export worker behavior.
type WorkerConfig struct {
	Concurrency int
	JobTimeout  time.Duration
	PreviewDPI  int
}

// QueueConfig defines queue connectivity and names.
type QueueConfig struct {
	RedisURL     string
	Stream       string
	Group        string
	PollInterval time.Duration
}

// StorageConfig selects where finished exports are kept.
type StorageConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	PresignTTL      time.Duration
	LocalDir        string
	Retention       time.Duration
}

// Config is the top-level configuration.
type Config struct {
	Environment string
	Logging     LoggingConfig
	Axiom       AxiomConfig
	Server      ServerConfig
	CMS         CMSConfig
	Export      ExportConfig
	Proxy       ProxyConfig
	Worker      WorkerConfig
	Queue       QueueConfig
	Storage     StorageConfig
}

// Load reads an optional .env file (or the given files) into the process
// environment and then builds the config. Variables already set win.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
		return FromEnv(), nil
	}
	if err := godotenv.Load(files...); err != nil {
		return Config{}, fmt.Errorf("load env files: %w", err)
	}
	return FromEnv(), nil
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{Environment: strings.ToLower(getEnv("ENVIRONMENT", "production"))}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/cratere.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_cratere",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
		MinLevel:      getEnv("AXIOM_MIN_LEVEL", "info"),
	}

	cfg.Server = ServerConfig{
		Port:                 getEnv("PORT", "8080"),
		ReadTimeout:          parseDuration(getEnv("HTTP_READ_TIMEOUT", "30s"), 30*time.Second),
		WriteTimeout:         parseDuration(getEnv("HTTP_WRITE_TIMEOUT", "10m"), 10*time.Minute),
		ShutdownTimeout:      parseDuration(getEnv("SHUTDOWN_TIMEOUT", "30s"), 30*time.Second),
		ExportRatePerMinute:  parseInt(getEnv("EXPORT_RATE_PER_MINUTE", "6"), 6),
		MaxConcurrentExports: parseInt(getEnv("EXPORT_MAX_CONCURRENT", "2"), 2),
		SessionTTL:           parseDuration(getEnv("SESSION_TTL", "72h"), 72*time.Hour),
	}

	cfg.CMS = CMSConfig{
		ProjectID:  getEnv("SANITY_PROJECT_ID", "jeo4p1su"),
		Dataset:    getEnv("SANITY_DATASET", "production"),
		APIVersion: getEnv("SANITY_API_VERSION", "2024-01-01"),
		Token:      getEnv("SANITY_TOKEN", ""),
		UseCDN:     parseBool(getEnv("SANITY_USE_CDN", boolStr(cfg.Environment == "production"))),
		CacheTTL:   parseDuration(getEnv("CMS_CACHE_TTL", "5m"), 5*time.Minute),
		Timeout:    parseDuration(getEnv("CMS_TIMEOUT", "15s"), 15*time.Second),
	}

	cfg.Export = ExportConfig{
		DPI:            parseInt(getEnv("EXPORT_DPI", "300"), 300),
		JPEGQuality:    parseInt(getEnv("EXPORT_JPEG_QUALITY", "95"), 95),
		SourceWidth:    parseInt(getEnv("EXPORT_SOURCE_WIDTH", "2000"), 2000),
		SourceQuality:  parseInt(getEnv("EXPORT_SOURCE_QUALITY", "90"), 90),
		FetchAttempts:  parseInt(getEnv("EXPORT_FETCH_ATTEMPTS", "3"), 3),
		RetryDelay:     parseDuration(getEnv("EXPORT_RETRY_DELAY", "1s"), time.Second),
		FetchTimeout:   parseDuration(getEnv("EXPORT_FETCH_TIMEOUT", "60s"), 60*time.Second),
		MarkUnassigned: parseBool(getEnv("EXPORT_MARK_UNASSIGNED", "false")),
		ProxyBase:      getEnv("EXPORT_PROXY_BASE", ""),
	}

	cfg.Proxy = ProxyConfig{
		AllowedHosts: parseList(getEnv("PROXY_ALLOWED_HOSTS", "cdn.sanity.io")),
		MaxBytes:     int64(parseInt(getEnv("PROXY_MAX_BYTES", "67108864"), 64<<20)),
		Timeout:      parseDuration(getEnv("PROXY_TIMEOUT", "30s"), 30*time.Second),
	}

	cfg.Worker = WorkerConfig{
		Concurrency: parseInt(getEnv("WORKER_CONCURRENCY", "2"), 2),
		JobTimeout:  parseDuration(getEnv("JOB_TIMEOUT", "15m"), 15*time.Minute),
		PreviewDPI:  parseInt(getEnv("PREVIEW_DPI", "72"), 72),
	}

	// empty REDIS_URL keeps sessions in memory and disables async exports
	cfg.Queue = QueueConfig{
		RedisURL:     getEnv("REDIS_URL", ""),
		Stream:       getEnv("QUEUE_STREAM", "jobs:exports"),
		Group:        getEnv("QUEUE_GROUP", "workers:exports"),
		PollInterval: parseDuration(getEnv("QUEUE_POLL_INTERVAL", "2s"), 2*time.Second),
	}

	cfg.Storage = StorageConfig{
		Bucket:          getEnv("S3_BUCKET", ""),
		Region:          getEnv("AWS_REGION", "eu-south-1"),
		Endpoint:        getEnv("S3_ENDPOINT", ""),
		AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		Prefix:          getEnv("S3_PREFIX", "exports"),
		PresignTTL:      parseDuration(getEnv("S3_PRESIGN_TTL", "1h"), time.Hour),
		LocalDir:        getEnv("EXPORT_DIR", "exports"),
		Retention:       parseDuration(getEnv("EXPORT_RETENTION", "168h"), 7*24*time.Hour),
	}

	return cfg
}

// AsyncEnabled reports whether the Redis-backed export pipeline is configured.
func (c Config) AsyncEnabled() bool { return c.Queue.RedisURL != "" }

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		return n
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func parseList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
