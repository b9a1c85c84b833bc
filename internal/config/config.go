// Package config provides configuration management for tsubridge using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultTunerOpenTimeout     = 5 * time.Second
	defaultTunerPollInterval    = 100 * time.Millisecond
	defaultMaxRestarts          = 5
	defaultONAirFreezeTimeout   = 20 * time.Second
	defaultStandbyFreezeTimeout = 5 * time.Second
	defaultStandbyFreezeGrace   = 10 * time.Second
	defaultTerminationGrace     = 3 * time.Second
	defaultMaxAliveTime         = 10 * time.Second
	defaultClientQueueChunks    = 256
	defaultChunkSize            = 48 * 1024
	defaultClientStallTimeout   = 10 * time.Second
	defaultCancelWaitTimeout    = 10 * time.Second
	defaultPreemptWaitAttempts  = 15
	defaultPreemptWaitInterval  = 100 * time.Millisecond
	defaultMetricsListen        = ":9190"
)

// Config holds all configuration for the application.
type Config struct {
	Backend BackendConfig `mapstructure:"backend"`
	Encoder EncoderConfig `mapstructure:"encoder"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// BackendConfig holds tuner backend configuration.
type BackendConfig struct {
	Type     string `mapstructure:"type"`     // edcb, mirakurun
	Endpoint string `mapstructure:"endpoint"` // tcp://host:port (edcb) or http(s)://host:port (mirakurun)
	// HTTPEndpoint is the HTTP streaming endpoint used when AlwaysUseHTTPForTV
	// is set on an edcb backend. Ignored for mirakurun (Endpoint is already HTTP).
	HTTPEndpoint       string        `mapstructure:"http_endpoint"`
	AlwaysUseHTTPForTV bool          `mapstructure:"always_use_http_for_tv"`
	OpenTimeout        time.Duration `mapstructure:"open_timeout"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
}

// EncoderConfig holds encoder subprocess configuration.
type EncoderConfig struct {
	Type string `mapstructure:"type"` // ffmpeg, qsvencc, nvencc, vceencc, rkmppenc
	Path string `mapstructure:"path"` // explicit binary path (empty = look up on PATH)
	// MaxRestarts is the number of automatic restarts allowed per stream
	// before it is taken offline.
	MaxRestarts          int           `mapstructure:"max_restarts"`
	ONAirFreezeTimeout   time.Duration `mapstructure:"onair_freeze_timeout"`
	StandbyFreezeTimeout time.Duration `mapstructure:"standby_freeze_timeout"`
	StandbyFreezeGrace   time.Duration `mapstructure:"standby_freeze_grace"`
	// TerminationGrace is how long to wait after SIGINT before escalating to SIGKILL.
	TerminationGrace time.Duration `mapstructure:"termination_grace"`
}

// StreamConfig holds live stream lifecycle and fan-out configuration.
type StreamConfig struct {
	// MaxAliveTime is how long a stream stays Idling after its last client
	// leaves before shutting down.
	MaxAliveTime time.Duration `mapstructure:"max_alive_time"`
	// ClientQueueChunks is the per-client queue capacity in chunks. A client
	// whose queue fills up is evicted rather than allowed to grow unbounded.
	ClientQueueChunks int `mapstructure:"client_queue_chunks"`
	// ChunkSize is the fan-out chunk size. Supports human-readable values
	// like "48KB" or raw byte counts.
	ChunkSize           ByteSize      `mapstructure:"chunk_size"`
	ClientStallTimeout  time.Duration `mapstructure:"client_stall_timeout"`
	CancelWaitTimeout   time.Duration `mapstructure:"cancel_wait_timeout"`
	PreemptWaitAttempts int           `mapstructure:"preempt_wait_attempts"`
	PreemptWaitInterval time.Duration `mapstructure:"preempt_wait_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds Prometheus metrics exposition configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"` // host:port for the /metrics listener
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with TSUBRIDGE_ and use underscores for nesting.
// Example: TSUBRIDGE_BACKEND_ENDPOINT=tcp://127.0.0.1:4510.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/tsubridge")
		v.AddConfigPath("$HOME/.tsubridge")
	}

	// Environment variable settings
	v.SetEnvPrefix("TSUBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Backend defaults
	v.SetDefault("backend.type", "mirakurun")
	v.SetDefault("backend.endpoint", "http://127.0.0.1:40772")
	v.SetDefault("backend.http_endpoint", "")
	v.SetDefault("backend.always_use_http_for_tv", false)
	v.SetDefault("backend.open_timeout", defaultTunerOpenTimeout)
	v.SetDefault("backend.poll_interval", defaultTunerPollInterval)

	// Encoder defaults
	v.SetDefault("encoder.type", "ffmpeg")
	v.SetDefault("encoder.path", "")
	v.SetDefault("encoder.max_restarts", defaultMaxRestarts)
	v.SetDefault("encoder.onair_freeze_timeout", defaultONAirFreezeTimeout)
	v.SetDefault("encoder.standby_freeze_timeout", defaultStandbyFreezeTimeout)
	v.SetDefault("encoder.standby_freeze_grace", defaultStandbyFreezeGrace)
	v.SetDefault("encoder.termination_grace", defaultTerminationGrace)

	// Stream defaults
	v.SetDefault("stream.max_alive_time", defaultMaxAliveTime)
	v.SetDefault("stream.client_queue_chunks", defaultClientQueueChunks)
	v.SetDefault("stream.chunk_size", defaultChunkSize)
	v.SetDefault("stream.client_stall_timeout", defaultClientStallTimeout)
	v.SetDefault("stream.cancel_wait_timeout", defaultCancelWaitTimeout)
	v.SetDefault("stream.preempt_wait_attempts", defaultPreemptWaitAttempts)
	v.SetDefault("stream.preempt_wait_interval", defaultPreemptWaitInterval)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", defaultMetricsListen)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Backend validation
	validBackends := map[string]bool{"edcb": true, "mirakurun": true}
	if !validBackends[c.Backend.Type] {
		return fmt.Errorf("backend.type must be one of: edcb, mirakurun")
	}
	if c.Backend.Endpoint == "" {
		return fmt.Errorf("backend.endpoint is required")
	}
	u, err := url.Parse(c.Backend.Endpoint)
	if err != nil {
		return fmt.Errorf("backend.endpoint: %w", err)
	}
	switch c.Backend.Type {
	case "edcb":
		if u.Scheme != "tcp" {
			return fmt.Errorf("backend.endpoint must use tcp:// scheme for edcb")
		}
		if c.Backend.AlwaysUseHTTPForTV && c.Backend.HTTPEndpoint == "" {
			return fmt.Errorf("backend.http_endpoint is required when always_use_http_for_tv is set on an edcb backend")
		}
	case "mirakurun":
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("backend.endpoint must use http:// or https:// scheme for mirakurun")
		}
	}
	if c.Backend.OpenTimeout <= 0 {
		return fmt.Errorf("backend.open_timeout must be positive")
	}
	if c.Backend.PollInterval <= 0 {
		return fmt.Errorf("backend.poll_interval must be positive")
	}

	// Encoder validation
	validEncoders := map[string]bool{
		"ffmpeg": true, "qsvencc": true, "nvencc": true, "vceencc": true, "rkmppenc": true,
	}
	if !validEncoders[c.Encoder.Type] {
		return fmt.Errorf("encoder.type must be one of: ffmpeg, qsvencc, nvencc, vceencc, rkmppenc")
	}
	if c.Encoder.MaxRestarts < 0 {
		return fmt.Errorf("encoder.max_restarts must not be negative")
	}
	if c.Encoder.ONAirFreezeTimeout <= 0 || c.Encoder.StandbyFreezeTimeout <= 0 {
		return fmt.Errorf("encoder freeze timeouts must be positive")
	}

	// Stream validation
	if c.Stream.ClientQueueChunks < 1 {
		return fmt.Errorf("stream.client_queue_chunks must be at least 1")
	}
	const tsPacketSize = 188
	if c.Stream.ChunkSize < tsPacketSize {
		return fmt.Errorf("stream.chunk_size must be at least %d bytes (one TS packet)", tsPacketSize)
	}
	if c.Stream.ClientStallTimeout <= 0 {
		return fmt.Errorf("stream.client_stall_timeout must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Metrics validation
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}

	return nil
}

// UseHTTPForTV reports whether live TV should be received over the HTTP
// streaming API rather than the backend's native tuner protocol.
func (c *BackendConfig) UseHTTPForTV() bool {
	return c.Type == "mirakurun" || c.AlwaysUseHTTPForTV
}

// StreamEndpoint returns the HTTP endpoint used for TV streaming when
// UseHTTPForTV is true.
func (c *BackendConfig) StreamEndpoint() string {
	if c.Type == "mirakurun" {
		return c.Endpoint
	}
	return c.HTTPEndpoint
}

// CommandAddress returns the host:port of the edcb command connection.
func (c *BackendConfig) CommandAddress() string {
	return strings.TrimPrefix(c.Endpoint, "tcp://")
}
