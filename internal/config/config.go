// Package config provides configuration management for avatarr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort       = 8080
	defaultServerTimeout    = 30 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultMaxActiveTasks   = 50
	defaultDetectorSlots    = 2
	defaultSegmenterSlots   = 1
	defaultDetectionTimeout = 30 * time.Second
	defaultSegmentTimeout   = 60 * time.Second
	defaultSubmitTimeout    = 30 * time.Second
	defaultPollTimeout      = 5 * time.Minute
	defaultFinalizeTimeout  = 30 * time.Second
	defaultPollInitialDelay = 2 * time.Second
	defaultPollMaxDelay     = 15 * time.Second
	defaultPollMultiplier   = 1.5
	defaultEngineRetries    = 2
	defaultCleanupInterval  = 60 * time.Minute
	defaultPurgeGrace       = 60 * time.Minute
	defaultHeartbeat        = 30 * time.Second
	defaultHistoryDepth     = 256
	defaultSubscriberQueue  = 64
	defaultMaxImageSize     = 10 * 1024 * 1024  // 10MB
	defaultMaxAudioSize     = 50 * 1024 * 1024  // 50MB
	defaultMinFreeBytes     = 5 * 1024 * 1024 * 1024
	defaultDetectorVRAM     = 2 * 1024 * 1024 * 1024
	defaultSegmenterVRAM    = 6 * 1024 * 1024 * 1024
	defaultDeviceVRAM       = 16 * 1024 * 1024 * 1024
	defaultHistoryRetention = 30 * 24 * time.Hour
)

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	GPU         GPUConfig         `mapstructure:"gpu"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Engines     EnginesConfig     `mapstructure:"engines"`
	Progress    ProgressConfig    `mapstructure:"progress"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds the task-history database configuration.
type DatabaseConfig struct {
	// Path is the sqlite database file used for the terminal task archive.
	Path string `mapstructure:"path"`
	// LogLevel controls GORM logging: silent, error, warn, info.
	LogLevel string `mapstructure:"log_level"`
}

// StorageConfig holds tiered artifact storage configuration.
type StorageConfig struct {
	// Root is the base directory holding the tier subdirectories.
	Root string `mapstructure:"root"`
	// TempRetention is the retention for the temp tier.
	TempRetention time.Duration `mapstructure:"temp_retention"`
	// UploadsRetention is the retention for the uploads tier.
	UploadsRetention time.Duration `mapstructure:"uploads_retention"`
	// ProcessedRetention is the retention for the processed tier.
	ProcessedRetention time.Duration `mapstructure:"processed_retention"`
	// VideosRetention is the retention for the videos tier.
	VideosRetention time.Duration `mapstructure:"videos_retention"`
	// MinFreeBytes triggers the aggressive cleanup pass when free disk
	// space drops below this value.
	MinFreeBytes ByteSize `mapstructure:"min_free_bytes"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// GPUConfig holds accelerator slot configuration.
// The sum of per-class peak VRAM must not exceed DeviceVRAM.
type GPUConfig struct {
	DetectorSlots     int      `mapstructure:"detector_slots"`
	DetectorSlotVRAM  ByteSize `mapstructure:"detector_slot_vram"`
	SegmenterSlots    int      `mapstructure:"segmenter_slots"`
	SegmenterSlotVRAM ByteSize `mapstructure:"segmenter_slot_vram"`
	DeviceVRAM        ByteSize `mapstructure:"device_vram"`
}

// PeakVRAM returns the worst-case VRAM consumption with all slots held.
func (c GPUConfig) PeakVRAM() int64 {
	return int64(c.DetectorSlots)*c.DetectorSlotVRAM.Bytes() +
		int64(c.SegmenterSlots)*c.SegmenterSlotVRAM.Bytes()
}

// PipelineConfig holds orchestrator configuration.
type PipelineConfig struct {
	// MaxActiveTasks caps the number of non-terminal tasks; submissions
	// over the cap are rejected.
	MaxActiveTasks int `mapstructure:"max_active_tasks"`

	// Per-stage timeouts.
	DetectionTimeout    time.Duration `mapstructure:"detection_timeout"`
	SegmentationTimeout time.Duration `mapstructure:"segmentation_timeout"`
	SubmitTimeout       time.Duration `mapstructure:"submit_timeout"`
	PollTimeout         time.Duration `mapstructure:"poll_timeout"`
	FinalizeTimeout     time.Duration `mapstructure:"finalize_timeout"`

	// Video engine polling backoff.
	PollInitialDelay time.Duration `mapstructure:"poll_initial_delay"`
	PollMaxDelay     time.Duration `mapstructure:"poll_max_delay"`
	PollMultiplier   float64       `mapstructure:"poll_multiplier"`

	// EngineRetries is the number of in-stage retries for transient
	// engine failures.
	EngineRetries int `mapstructure:"engine_retries"`

	// Input validation limits.
	MaxImageSize ByteSize `mapstructure:"max_image_size"`
	MaxAudioSize ByteSize `mapstructure:"max_audio_size"`
}

// EngineConfig holds the endpoint configuration for one external engine.
type EngineConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// EnginesConfig holds endpoints for all external engines.
type EnginesConfig struct {
	Detector    EngineConfig `mapstructure:"detector"`
	Remover     EngineConfig `mapstructure:"remover"`
	Synthesizer EngineConfig `mapstructure:"synthesizer"`
}

// ProgressConfig holds progress hub configuration.
type ProgressConfig struct {
	// HistoryDepth is the number of recent events retained per task.
	HistoryDepth int `mapstructure:"history_depth"`
	// SubscriberQueue is the per-subscriber event buffer depth.
	SubscriberQueue int `mapstructure:"subscriber_queue"`
	// HeartbeatInterval is the idle interval before a heartbeat event.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// TerminalRetention is how long a terminal task's event state is kept.
	TerminalRetention time.Duration `mapstructure:"terminal_retention"`
}

// MaintenanceConfig holds background maintenance configuration.
type MaintenanceConfig struct {
	// CleanupInterval is the interval between storage cleanup passes.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	// PurgeGrace is the minimum age of a terminal task before the
	// registry purges its record.
	PurgeGrace time.Duration `mapstructure:"purge_grace"`
	// HistoryRetention is how long archived task history rows are kept.
	HistoryRetention time.Duration `mapstructure:"history_retention"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with AVATARR_, using underscores for nesting.
// Example: AVATARR_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/avatarr")
		v.AddConfigPath("$HOME/.avatarr")
	}

	v.SetEnvPrefix("AVATARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - defaults and env vars apply
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.path", "avatarr.db")
	v.SetDefault("database.log_level", "warn")

	// Storage defaults
	v.SetDefault("storage.root", "./data")
	v.SetDefault("storage.temp_retention", time.Hour)
	v.SetDefault("storage.uploads_retention", 7*24*time.Hour)
	v.SetDefault("storage.processed_retention", 3*24*time.Hour)
	v.SetDefault("storage.videos_retention", 30*24*time.Hour)
	v.SetDefault("storage.min_free_bytes", defaultMinFreeBytes)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// GPU defaults: 2 detector slots x 2GB + 1 segmenter slot x 6GB
	// = 10GB peak on a 16GB device.
	v.SetDefault("gpu.detector_slots", defaultDetectorSlots)
	v.SetDefault("gpu.detector_slot_vram", defaultDetectorVRAM)
	v.SetDefault("gpu.segmenter_slots", defaultSegmenterSlots)
	v.SetDefault("gpu.segmenter_slot_vram", defaultSegmenterVRAM)
	v.SetDefault("gpu.device_vram", defaultDeviceVRAM)

	// Pipeline defaults
	v.SetDefault("pipeline.max_active_tasks", defaultMaxActiveTasks)
	v.SetDefault("pipeline.detection_timeout", defaultDetectionTimeout)
	v.SetDefault("pipeline.segmentation_timeout", defaultSegmentTimeout)
	v.SetDefault("pipeline.submit_timeout", defaultSubmitTimeout)
	v.SetDefault("pipeline.poll_timeout", defaultPollTimeout)
	v.SetDefault("pipeline.finalize_timeout", defaultFinalizeTimeout)
	v.SetDefault("pipeline.poll_initial_delay", defaultPollInitialDelay)
	v.SetDefault("pipeline.poll_max_delay", defaultPollMaxDelay)
	v.SetDefault("pipeline.poll_multiplier", defaultPollMultiplier)
	v.SetDefault("pipeline.engine_retries", defaultEngineRetries)
	v.SetDefault("pipeline.max_image_size", defaultMaxImageSize)
	v.SetDefault("pipeline.max_audio_size", defaultMaxAudioSize)

	// Engine defaults
	v.SetDefault("engines.detector.base_url", "http://localhost:9001")
	v.SetDefault("engines.detector.timeout", defaultDetectionTimeout)
	v.SetDefault("engines.remover.base_url", "http://localhost:9002")
	v.SetDefault("engines.remover.timeout", defaultSegmentTimeout)
	v.SetDefault("engines.synthesizer.base_url", "http://localhost:9003")
	v.SetDefault("engines.synthesizer.timeout", defaultSubmitTimeout)

	// Progress defaults
	v.SetDefault("progress.history_depth", defaultHistoryDepth)
	v.SetDefault("progress.subscriber_queue", defaultSubscriberQueue)
	v.SetDefault("progress.heartbeat_interval", defaultHeartbeat)
	v.SetDefault("progress.terminal_retention", defaultPurgeGrace)

	// Maintenance defaults
	v.SetDefault("maintenance.cleanup_interval", defaultCleanupInterval)
	v.SetDefault("maintenance.purge_grace", defaultPurgeGrace)
	v.SetDefault("maintenance.history_retention", defaultHistoryRetention)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.GPU.DetectorSlots < 1 {
		return fmt.Errorf("gpu.detector_slots must be at least 1")
	}
	if c.GPU.SegmenterSlots < 1 {
		return fmt.Errorf("gpu.segmenter_slots must be at least 1")
	}
	if c.GPU.PeakVRAM() > c.GPU.DeviceVRAM.Bytes() {
		return fmt.Errorf("gpu slot classes require %s peak VRAM but device has %s",
			ByteSize(c.GPU.PeakVRAM()), c.GPU.DeviceVRAM)
	}

	if c.Pipeline.MaxActiveTasks < 1 {
		return fmt.Errorf("pipeline.max_active_tasks must be at least 1")
	}
	if c.Pipeline.PollMultiplier < 1.0 {
		return fmt.Errorf("pipeline.poll_multiplier must be >= 1.0")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
