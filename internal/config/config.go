// Package config loads and validates client configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all client configuration knobs loaded via Viper.
type Config struct {
	Backend  BackendConfig  `mapstructure:"backend"`
	Channel  ChannelConfig  `mapstructure:"channel"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	View     ViewConfig     `mapstructure:"view"`
	Progress ProgressConfig `mapstructure:"progress"`
	History  HistoryConfig  `mapstructure:"history"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Ops      OpsConfig      `mapstructure:"ops"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// BackendConfig locates the conversion service.
type BackendConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	UploadPath     string `mapstructure:"upload_path"`
	ConvertPath    string `mapstructure:"convert_path"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxFileSizeMB  int    `mapstructure:"max_file_size_mb"`
}

// ChannelConfig controls the progress channel's reconnect policy.
type ChannelConfig struct {
	BaseDelayMs        int `mapstructure:"base_delay_ms"`
	MaxDelayMs         int `mapstructure:"max_delay_ms"`
	MaxRetries         int `mapstructure:"max_retries"`
	DialTimeoutSeconds int `mapstructure:"dial_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// Level overrides the preset level (debug, info, warn, error).
	Level string `mapstructure:"level"`
}

// ViewConfig controls terminal rendering.
type ViewConfig struct {
	Color bool `mapstructure:"color"`
}

// ProgressConfig tunes the progress hub and its sinks.
type ProgressConfig struct {
	Enabled       bool                `mapstructure:"enabled"`
	LogEnabled    bool                `mapstructure:"log_enabled"`
	BufferSize    int                 `mapstructure:"buffer_size"`
	Batch         ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs int                 `mapstructure:"sink_timeout_ms"`
}

// ProgressBatchConfig configures hub batching.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// HistoryConfig selects the job history backend.
type HistoryConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// StorageConfig selects where downloaded artifacts are archived.
type StorageConfig struct {
	Backend   string             `mapstructure:"backend"`
	Local     LocalStorageConfig `mapstructure:"local"`
	GCSBucket string             `mapstructure:"gcs_bucket"`
	Prefix    string             `mapstructure:"prefix"`
}

// LocalStorageConfig configures filesystem archiving.
type LocalStorageConfig struct {
	BaseDir   string `mapstructure:"base_dir"`
	Overwrite bool   `mapstructure:"overwrite"`
}

// NotifyConfig selects the completion notifier.
type NotifyConfig struct {
	Backend    string `mapstructure:"backend"`
	ProjectID  string `mapstructure:"project_id"`
	TopicName  string `mapstructure:"topic_name"`
	AMQPURL    string `mapstructure:"amqp_url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

// OpsConfig controls the local operations HTTP surface.
type OpsConfig struct {
	Addr string `mapstructure:"addr"`
	// RateLimitRPS caps requests per second per caller host; 0 disables it.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// TracingConfig toggles OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment. With an empty path it looks for
// an optional mdimg.yaml in the working directory and $HOME/.mdimg.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MDIMG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("mdimg")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.mdimg")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.upload_path", "/api/upload")
	v.SetDefault("backend.convert_path", "/api/convert")
	v.SetDefault("backend.timeout_seconds", 30)
	v.SetDefault("backend.max_file_size_mb", 50)
	v.SetDefault("channel.base_delay_ms", 1000)
	v.SetDefault("channel.max_delay_ms", 0)
	v.SetDefault("channel.max_retries", 5)
	v.SetDefault("channel.dial_timeout_seconds", 10)
	v.SetDefault("logging.development", true)
	v.SetDefault("view.color", true)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 100)
	v.SetDefault("progress.batch.max_wait_ms", 250)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("history.backend", "memory")
	v.SetDefault("history.table", "job_history")
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local.base_dir", "downloads")
	v.SetDefault("storage.local.overwrite", false)
	v.SetDefault("storage.prefix", "converted")
	v.SetDefault("notify.backend", "none")
	v.SetDefault("notify.topic_name", "mdimg-completions")
	v.SetDefault("notify.exchange", "mdimg")
	v.SetDefault("notify.routing_key", "job.completed")
	v.SetDefault("ops.rate_limit_rps", 20)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "mdimg")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("ops.rate_limit_burst", 40)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("backend.base_url must be an absolute http(s) URL")
	}
	if c.Backend.TimeoutSeconds <= 0 {
		return fmt.Errorf("backend.timeout_seconds must be > 0")
	}
	if c.Backend.MaxFileSizeMB <= 0 {
		return fmt.Errorf("backend.max_file_size_mb must be > 0")
	}
	if c.Channel.BaseDelayMs <= 0 {
		return fmt.Errorf("channel.base_delay_ms must be > 0")
	}
	if c.Channel.MaxDelayMs < 0 {
		return fmt.Errorf("channel.max_delay_ms must be >= 0")
	}
	if c.Channel.MaxRetries <= 0 {
		return fmt.Errorf("channel.max_retries must be > 0")
	}
	if c.Channel.DialTimeoutSeconds <= 0 {
		return fmt.Errorf("channel.dial_timeout_seconds must be > 0")
	}
	if c.Ops.RateLimitRPS < 0 || c.Ops.RateLimitBurst < 0 {
		return fmt.Errorf("ops.rate_limit_rps and ops.rate_limit_burst must be >= 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	switch c.History.Backend {
	case "memory":
	case "postgres":
		if c.History.DSN == "" {
			return fmt.Errorf("history.dsn must be set when history.backend is postgres")
		}
	default:
		return fmt.Errorf("history.backend %q is not supported", c.History.Backend)
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if strings.TrimSpace(c.Storage.Local.BaseDir) == "" {
			return fmt.Errorf("storage.local.base_dir must be set when storage.backend is local")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Notify.Backend {
	case "none", "memory":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.TopicName == "" {
			return fmt.Errorf("notify.project_id and notify.topic_name must be set for pubsub")
		}
	case "amqp":
		if c.Notify.AMQPURL == "" {
			return fmt.Errorf("notify.amqp_url must be set for amqp")
		}
	default:
		return fmt.Errorf("notify.backend %q is not supported", c.Notify.Backend)
	}
	return nil
}

// BackendTimeout returns the submit/download timeout.
func (c Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

// MaxFileSize returns the upload size limit in bytes.
func (c Config) MaxFileSize() int64 {
	return int64(c.Backend.MaxFileSizeMB) * 1024 * 1024
}

// BaseDelay returns the first reconnect delay.
func (c Config) BaseDelay() time.Duration {
	return time.Duration(c.Channel.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the reconnect delay cap (0 means uncapped).
func (c Config) MaxDelay() time.Duration {
	return time.Duration(c.Channel.MaxDelayMs) * time.Millisecond
}

// DialTimeout returns the WebSocket handshake timeout.
func (c Config) DialTimeout() time.Duration {
	return time.Duration(c.Channel.DialTimeoutSeconds) * time.Second
}
