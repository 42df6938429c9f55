// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/ModerRAS/keyforge/api/schemas"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	HAL() HALConfig
	Recognition() RecognitionConfig
	Loop() LoopConfig
	Templates() TemplatesConfig

	// Run setters populated from CLI flags rather than the config file.
	SetRunConfig(rc RunConfig)
	Run() RunConfig
}

// Config holds the entire application configuration. It uses private fields
// to enforce access through the Interface's getter methods.
type Config struct {
	logger      LoggerConfig
	hal         HALConfig
	recognition RecognitionConfig
	loop        LoopConfig
	templates   TemplatesConfig
	// run gets its marching orders from CLI flags, not the config file.
	run RunConfig
}

// rawConfig is the decode target for viper. mapstructure skips unexported
// fields, so decoding goes through this exported shadow and is copied into
// Config afterwards.
type rawConfig struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	HAL         HALConfig         `mapstructure:"hal" yaml:"hal"`
	Recognition RecognitionConfig `mapstructure:"recognition" yaml:"recognition"`
	Loop        LoopConfig        `mapstructure:"loop" yaml:"loop"`
	Templates   TemplatesConfig   `mapstructure:"templates" yaml:"templates"`
}

func (r rawConfig) toConfig() *Config {
	return &Config{
		logger:      r.Logger,
		hal:         r.HAL,
		recognition: r.Recognition,
		loop:        r.Loop,
		templates:   r.Templates,
	}
}

// --- Interface Method Implementations ---

func (c *Config) Logger() LoggerConfig           { return c.logger }
func (c *Config) HAL() HALConfig                 { return c.hal }
func (c *Config) Recognition() RecognitionConfig { return c.recognition }
func (c *Config) Loop() LoopConfig               { return c.loop }
func (c *Config) Templates() TemplatesConfig     { return c.templates }
func (c *Config) Run() RunConfig                 { return c.run }
func (c *Config) SetRunConfig(rc RunConfig)      { c.run = rc }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// HALConfig selects and tunes the platform adapter.
type HALConfig struct {
	// Backend is one of "desktop", "browser", "memory".
	Backend string `mapstructure:"backend" yaml:"backend"`
	// CallTimeout bounds every single HAL call. A call exceeding it fails
	// with HAL_TIMEOUT.
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	// EmergencyStopCombo is the global hotkey that stops a run, e.g.
	// ["ctrl", "shift", "q"]. Empty disables the listener.
	EmergencyStopCombo []string `mapstructure:"emergency_stop_combo" yaml:"emergency_stop_combo"`
	// Browser holds chromedp adapter settings; ignored by other backends.
	Browser BrowserHALConfig `mapstructure:"browser" yaml:"browser"`
}

// BrowserHALConfig tunes the chromedp-backed adapter.
type BrowserHALConfig struct {
	Headless   bool          `mapstructure:"headless" yaml:"headless"`
	URL        string        `mapstructure:"url" yaml:"url"`
	NavTimeout time.Duration `mapstructure:"nav_timeout" yaml:"nav_timeout"`
}

// RecognitionConfig tunes the perception engine.
type RecognitionConfig struct {
	// PartialFloor is the default confidence floor below which a miss is
	// Failed rather than Partial.
	PartialFloor float64 `mapstructure:"partial_floor" yaml:"partial_floor"`
	// DefaultTimeout bounds a single recognition call when the template's
	// own params carry none.
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
}

// LoopConfig is the immutable snapshot handed to the controller at run
// start. The controller never re-reads it mid-run.
type LoopConfig struct {
	ScreenRegion schemas.Rect  `mapstructure:"screen_region" yaml:"screen_region"`
	LoopInterval time.Duration `mapstructure:"loop_interval" yaml:"loop_interval"`
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// PollInterval is the ImageWait polling sub-interval.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// HistorySize is how many tick results the controller retains for
	// inspection after a stop.
	HistorySize int `mapstructure:"history_size" yaml:"history_size"`
	// TelemetryBuffer is the bounded sink depth; overflow drops oldest.
	TelemetryBuffer int `mapstructure:"telemetry_buffer" yaml:"telemetry_buffer"`
}

// TemplatesConfig locates the template library.
type TemplatesConfig struct {
	// Manifest is the path of the templates.yaml library manifest.
	Manifest string `mapstructure:"manifest" yaml:"manifest"`
}

// RunConfig holds settings populated from CLI flags for a specific run.
type RunConfig struct {
	ScriptPath string
	RulesPath  string
	DryRun     bool
}

// NewDefaultConfig creates a configuration struct populated with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return raw.toConfig()
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "keyforge")
	v.SetDefault("logger.log_file", "keyforge.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- HAL --
	v.SetDefault("hal.backend", "desktop")
	v.SetDefault("hal.call_timeout", 250*time.Millisecond)
	v.SetDefault("hal.emergency_stop_combo", []string{"ctrl", "shift", "q"})
	v.SetDefault("hal.browser.headless", true)
	v.SetDefault("hal.browser.nav_timeout", "30s")

	// -- Recognition --
	v.SetDefault("recognition.partial_floor", 0.5)
	v.SetDefault("recognition.default_timeout", "2s")

	// -- Loop --
	v.SetDefault("loop.loop_interval", "100ms")
	v.SetDefault("loop.max_retries", 3)
	v.SetDefault("loop.timeout", "0")
	v.SetDefault("loop.poll_interval", "50ms")
	v.SetDefault("loop.history_size", 64)
	v.SetDefault("loop.telemetry_buffer", 256)

	// -- Templates --
	v.SetDefault("templates.manifest", "templates.yaml")
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg := raw.toConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.hal.Backend {
	case "desktop", "browser", "memory":
	default:
		return fmt.Errorf("hal.backend must be one of desktop, browser, memory; got %q", c.hal.Backend)
	}
	if c.hal.CallTimeout <= 0 {
		return fmt.Errorf("hal.call_timeout must be a positive duration")
	}
	if c.recognition.PartialFloor < 0.0 || c.recognition.PartialFloor > 1.0 {
		return fmt.Errorf("recognition.partial_floor must be between 0.0 and 1.0")
	}
	if c.loop.LoopInterval <= 0 {
		return fmt.Errorf("loop.loop_interval must be a positive duration")
	}
	if c.loop.MaxRetries <= 0 {
		return fmt.Errorf("loop.max_retries must be a positive integer")
	}
	if c.loop.PollInterval <= 0 {
		return fmt.Errorf("loop.poll_interval must be a positive duration")
	}
	if c.loop.HistorySize <= 0 {
		return fmt.Errorf("loop.history_size must be a positive integer")
	}
	return nil
}
