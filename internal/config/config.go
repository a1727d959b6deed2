// Package config provides configuration management for fritztv using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort         = 8000
	defaultServerTimeout      = 30 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultMaxParallelStreams = 4
	defaultIdleTimeout        = 10 * time.Second
	defaultSampleInterval     = 5 * time.Second
	defaultPlaylistTimeout    = 15 * time.Second
)

// Transcoding mode values.
const (
	ModeSmooth     = "Smooth"
	ModeLowLatency = "LowLatency"
)

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Fritzbox    FritzboxConfig    `mapstructure:"fritzbox"`
	Transcoding TranscodingConfig `mapstructure:"transcoding"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	MaxParallelStreams int           `mapstructure:"max_parallel_streams"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

// FritzboxConfig holds upstream gateway configuration.
type FritzboxConfig struct {
	PlaylistURLs    []string      `mapstructure:"playlist_urls"`
	RefreshCron     string        `mapstructure:"refresh_cron"`
	PlaylistTimeout time.Duration `mapstructure:"playlist_timeout"`
}

// TranscodingConfig holds transcoder invocation configuration.
type TranscodingConfig struct {
	Mode        string        `mapstructure:"mode"`        // Smooth, LowLatency
	Transport   string        `mapstructure:"transport"`   // udp, tcp
	HWAccel     string        `mapstructure:"hw_accel"`    // cpu, vaapi
	Threads     string        `mapstructure:"threads"`     // integer or "auto"
	FFmpegPath  string        `mapstructure:"ffmpeg_path"` // transcoder binary
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// StorageConfig holds on-disk state configuration.
type StorageConfig struct {
	StateDir string `mapstructure:"state_dir"`
}

// MonitoringConfig holds metrics sampling configuration.
type MonitoringConfig struct {
	SampleInterval      time.Duration `mapstructure:"sample_interval"`
	ConsoleLogBandwidth bool          `mapstructure:"console_log_bandwidth"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `mapstructure:"level"`  // debug, info, warn, error
	Format    string `mapstructure:"format"` // json, text
	AddSource bool   `mapstructure:"add_source"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and
// are prefixed with FRITZTV_, e.g. FRITZTV_SERVER_PORT=8000.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/fritztv")
		v.AddConfigPath("$HOME/.fritztv")
	}

	v.SetEnvPrefix("FRITZTV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No config file is fine; defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.max_parallel_streams", defaultMaxParallelStreams)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	// Streaming responses run indefinitely; no write timeout by default.
	v.SetDefault("server.write_timeout", time.Duration(0))
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	v.SetDefault("fritzbox.playlist_urls", []string{})
	v.SetDefault("fritzbox.refresh_cron", "")
	v.SetDefault("fritzbox.playlist_timeout", defaultPlaylistTimeout)

	v.SetDefault("transcoding.mode", ModeSmooth)
	v.SetDefault("transcoding.transport", "udp")
	v.SetDefault("transcoding.hw_accel", "cpu")
	v.SetDefault("transcoding.threads", "auto")
	v.SetDefault("transcoding.ffmpeg_path", "ffmpeg")
	v.SetDefault("transcoding.idle_timeout", defaultIdleTimeout)

	v.SetDefault("storage.state_dir", "/tmp/fritztv")

	v.SetDefault("monitoring.sample_interval", defaultSampleInterval)
	v.SetDefault("monitoring.console_log_bandwidth", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}
	if c.Server.MaxParallelStreams < 1 {
		return fmt.Errorf("server.max_parallel_streams must be at least 1")
	}

	switch c.Transcoding.Mode {
	case ModeSmooth, ModeLowLatency:
	default:
		return fmt.Errorf("transcoding.mode must be one of: %s, %s", ModeSmooth, ModeLowLatency)
	}

	switch c.Transcoding.Transport {
	case "udp", "tcp":
	default:
		return fmt.Errorf("transcoding.transport must be one of: udp, tcp")
	}

	switch c.Transcoding.HWAccel {
	case "cpu", "vaapi":
	default:
		return fmt.Errorf("transcoding.hw_accel must be one of: cpu, vaapi")
	}

	if _, err := c.Transcoding.ThreadCount(); err != nil {
		return err
	}

	if c.Transcoding.IdleTimeout <= 0 {
		return fmt.Errorf("transcoding.idle_timeout must be positive")
	}

	if c.Storage.StateDir == "" {
		return fmt.Errorf("storage.state_dir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ThreadCount resolves the configured thread setting. "auto" (or empty)
// maps to the machine's CPU count.
func (c *TranscodingConfig) ThreadCount() (int, error) {
	if c.Threads == "" || c.Threads == "auto" {
		return runtime.NumCPU(), nil
	}
	var n int
	if _, err := fmt.Sscanf(c.Threads, "%d", &n); err != nil || n < 1 {
		return 0, fmt.Errorf("transcoding.threads must be a positive integer or %q", "auto")
	}
	return n, nil
}
