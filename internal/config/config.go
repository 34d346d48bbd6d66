package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DBPath      string `envconfig:"DB_PATH" default:"streamgrab.db"`
	SpoolDir    string `envconfig:"SPOOL_DIR" default:"spool"`
	DownloadDir string `envconfig:"DOWNLOAD_DIR" required:"true"`
	PromptDir   string `envconfig:"PROMPT_DIR"`

	MaxConcurrentDownloads int   `envconfig:"MAX_CONCURRENT_DOWNLOADS" default:"3"`
	MaxSegments            int   `envconfig:"MAX_SEGMENTS" default:"5000"`
	MaxMergeBytes          int64 `envconfig:"MAX_MERGE_BYTES" default:"2147483648"`

	SegmentConcurrency       int           `envconfig:"SEGMENT_CONCURRENCY" default:"4"`
	SegmentRetries           int           `envconfig:"SEGMENT_RETRIES" default:"3"`
	SegmentRetryDelay        time.Duration `envconfig:"SEGMENT_RETRY_DELAY" default:"500ms"`
	SegmentRequestsPerSecond float64       `envconfig:"SEGMENT_REQUESTS_PER_SECOND" default:"0"`
	BlobReadyAttempts        int           `envconfig:"BLOB_READY_ATTEMPTS" default:"8"`
	RequestTimeout           time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	UserAgent                string        `envconfig:"USER_AGENT" default:"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"`
	Referer                  string        `envconfig:"REFERER"`

	CancelledCleanupDelay time.Duration `envconfig:"CANCELLED_CLEANUP_DELAY" default:"1s"`
	FailedCleanupDelay    time.Duration `envconfig:"FAILED_CLEANUP_DELAY" default:"5s"`
	CompletedCleanupDelay time.Duration `envconfig:"COMPLETED_CLEANUP_DELAY" default:"10s"`
	CancelMarkerGrace     time.Duration `envconfig:"CANCEL_MARKER_GRACE" default:"3s"`

	SpoolRetention  time.Duration `envconfig:"SPOOL_RETENTION" default:"1h"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:9277"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"streamgrab"`
		ServiceVersion string `split_words:"true" default:"dev"`
		OTLPEndpoint   string `envconfig:"OTLP_ENDPOINT"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("MAX_CONCURRENT_DOWNLOADS must be at least 1, got %d", c.MaxConcurrentDownloads)
	}

	if c.SegmentConcurrency < 1 {
		return fmt.Errorf("SEGMENT_CONCURRENCY must be at least 1, got %d", c.SegmentConcurrency)
	}

	if c.SegmentRetries < 0 {
		return fmt.Errorf("SEGMENT_RETRIES must not be negative, got %d", c.SegmentRetries)
	}

	if c.BlobReadyAttempts < 1 {
		return fmt.Errorf("BLOB_READY_ATTEMPTS must be at least 1, got %d", c.BlobReadyAttempts)
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
