package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Queue     QueueConfig     `yaml:"queue" mapstructure:"queue"`
	Notify    NotifyConfig    `yaml:"notify" mapstructure:"notify"`
	Retention RetentionConfig `yaml:"retention" mapstructure:"retention"`
	Inbox     InboxConfig     `yaml:"inbox" mapstructure:"inbox"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Monitor   MonitorConfig   `yaml:"monitor" mapstructure:"monitor"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// StorageConfig configures where files are placed.
type StorageConfig struct {
	Root       string `yaml:"root" mapstructure:"root"`
	StagingDir string `yaml:"staging_dir" mapstructure:"staging_dir"`
}

// PipelineConfig configures per-file processing.
type PipelineConfig struct {
	Concurrency          int `yaml:"concurrency" mapstructure:"concurrency"`
	RetentionWindowDays  int `yaml:"retention_window_days" mapstructure:"retention_window_days"`
	SessionMaxAgeMinutes int `yaml:"session_max_age_minutes" mapstructure:"session_max_age_minutes"`
}

// DuplicateWindow is how far back soft-deleted content still counts for
// duplicate detection. Zero means forever.
func (p PipelineConfig) DuplicateWindow() time.Duration {
	return time.Duration(p.RetentionWindowDays) * 24 * time.Hour
}

// SessionMaxAge is how long an idle import session is kept.
func (p PipelineConfig) SessionMaxAge() time.Duration {
	return time.Duration(p.SessionMaxAgeMinutes) * time.Minute
}

// ExtractConfig configures the document readers.
type ExtractConfig struct {
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
}

// QueueConfig configures the Redis job queue.
type QueueConfig struct {
	RedisAddr   string `yaml:"redis_addr" mapstructure:"redis_addr"`
	Stream      string `yaml:"stream" mapstructure:"stream"`
	Group       string `yaml:"group" mapstructure:"group"`
	MaxAttempts int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	BlockSecs   int    `yaml:"block_secs" mapstructure:"block_secs"`
}

// NotifyConfig configures event delivery.
type NotifyConfig struct {
	WebhookURL  string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// RetentionConfig configures document retention dates.
type RetentionConfig struct {
	Years int    `yaml:"years" mapstructure:"years"`
	Basis string `yaml:"basis" mapstructure:"basis"`
}

// InboxConfig configures the FTP drop folder and URL downloads.
type InboxConfig struct {
	FTPURL      string `yaml:"ftp_url" mapstructure:"ftp_url"`
	Username    string `yaml:"username" mapstructure:"username"`
	Password    string `yaml:"password" mapstructure:"password"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`

	UserAgent      string  `yaml:"user_agent" mapstructure:"user_agent"`
	HTTPRatePerSec float64 `yaml:"http_rate_per_sec" mapstructure:"http_rate_per_sec"`
	HTTPMaxRetries int     `yaml:"http_max_retries" mapstructure:"http_max_retries"`
	MaxDownloadMB  int64   `yaml:"max_download_mb" mapstructure:"max_download_mb"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitorConfig configures the periodic health check run by the server.
type MonitorConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DLQThreshold         int     `yaml:"dlq_threshold" mapstructure:"dlq_threshold"`
	QueueThreshold       int64   `yaml:"queue_threshold" mapstructure:"queue_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("storage.root", "./storage")
	v.SetDefault("storage.staging_dir", "./staging")
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.retention_window_days", 0)
	v.SetDefault("pipeline.session_max_age_minutes", 60)
	v.SetDefault("extract.pdftotext_path", "pdftotext")
	v.SetDefault("queue.redis_addr", "localhost:6379")
	v.SetDefault("queue.stream", "ingest:jobs")
	v.SetDefault("queue.group", "ingest-workers")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.block_secs", 5)
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.rate_per_sec", 5)
	v.SetDefault("notify.timeout_secs", 10)
	v.SetDefault("retention.years", 7)
	v.SetDefault("retention.basis", "issue_date")
	v.SetDefault("inbox.ftp_url", "")
	v.SetDefault("inbox.username", "anonymous")
	v.SetDefault("inbox.password", "anonymous@")
	v.SetDefault("inbox.timeout_secs", 30)
	v.SetDefault("inbox.user_agent", "finance-ingest/1.0")
	v.SetDefault("inbox.http_rate_per_sec", 5.0)
	v.SetDefault("inbox.http_max_retries", 3)
	v.SetDefault("inbox.max_download_mb", 50)
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.check_interval_secs", 300)
	v.SetDefault("monitor.lookback_window_hours", 24)
	v.SetDefault("monitor.failure_rate_threshold", 0.2)
	v.SetDefault("monitor.dlq_threshold", 10)
	v.SetDefault("monitor.queue_threshold", 1000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes are
// ingest, worker, enqueue, serve, migrate and admin.
func (c *Config) Validate(mode string) error {
	var errs []string
	requireDB := func() {
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
		if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
			errs = append(errs, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
		}
	}
	requirePipeline := func() {
		if c.Storage.Root == "" {
			errs = append(errs, "storage.root is required")
		}
		if c.Pipeline.Concurrency < 1 || c.Pipeline.Concurrency > 64 {
			errs = append(errs, "pipeline.concurrency must be between 1 and 64")
		}
		if c.Pipeline.RetentionWindowDays < 0 {
			errs = append(errs, "pipeline.retention_window_days must be >= 0")
		}
		if c.Retention.Years < 1 {
			errs = append(errs, "retention.years must be > 0")
		}
		switch c.Retention.Basis {
		case "issue_date", "created_at", "year_end":
		default:
			errs = append(errs, fmt.Sprintf("retention.basis %q is not one of issue_date, created_at, year_end", c.Retention.Basis))
		}
	}
	requireQueue := func() {
		if c.Queue.RedisAddr == "" {
			errs = append(errs, "queue.redis_addr is required")
		}
		if c.Queue.Stream == "" || c.Queue.Group == "" {
			errs = append(errs, "queue.stream and queue.group are required")
		}
		if c.Queue.MaxAttempts < 1 {
			errs = append(errs, "queue.max_attempts must be > 0")
		}
	}

	switch mode {
	case "ingest":
		requireDB()
		requirePipeline()
	case "worker":
		requireDB()
		requirePipeline()
		requireQueue()
	case "enqueue":
		requireQueue()
		if c.Storage.StagingDir == "" {
			errs = append(errs, "storage.staging_dir is required")
		}
	case "serve":
		requireDB()
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
	case "migrate", "admin":
		requireDB()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
