package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound is returned when the requested config file does not exist
var ErrConfigNotFound = errors.New("config file not found")

type RootConfig struct {
	ActiveConfig string             `mapstructure:"active_config" yaml:"active_config"`
	Configs      map[string]*Config `mapstructure:"configs" yaml:"configs"`
}

type Config struct {
	Audio   AudioConfig   `mapstructure:"audio" yaml:"audio"`
	Session SessionConfig `mapstructure:"session" yaml:"session"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

type AudioConfig struct {
	Backend         string        `mapstructure:"backend" yaml:"backend" validate:"required,oneof=auto pipewire alsa ffmpeg"`
	Format          string        `mapstructure:"format" yaml:"format" validate:"required,oneof=wav flac ogg"`
	SampleRate      int           `mapstructure:"sample_rate" yaml:"sample_rate" validate:"gte=8000,lte=192000"`
	Channels        int           `mapstructure:"channels" yaml:"channels" validate:"gte=1,lte=2"`
	CaptureCommand  []string      `mapstructure:"capture_command" yaml:"capture_command,omitempty"`  // argv template, overrides backend
	PlaybackCommand []string      `mapstructure:"playback_command" yaml:"playback_command,omitempty"` // argv template, overrides backend
	StopTimeout     time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout" validate:"gt=0"`
}

type SessionConfig struct {
	Watchdog         time.Duration `mapstructure:"watchdog" yaml:"watchdog" validate:"gt=0"`
	ProgressInterval time.Duration `mapstructure:"progress_interval" yaml:"progress_interval" validate:"gt=0"`
	Strict           bool          `mapstructure:"strict" yaml:"strict"`
}

type StorageConfig struct {
	RecordingsDirectory string `mapstructure:"recordings_directory" yaml:"recordings_directory" validate:"required"`
	Database            string `mapstructure:"database" yaml:"database" validate:"required"`
}

type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" validate:"gte=0"`
}

// Command template placeholders understood by the audio backends
const (
	PlaceholderFile     = "{file}"
	PlaceholderRate     = "{rate}"
	PlaceholderChannels = "{channels}"
)

var validate = validator.New()

// Default returns the built-in configuration used when no config file exists
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Audio: AudioConfig{
			Backend:     "auto",
			Format:      "wav",
			SampleRate:  12000,
			Channels:    1,
			StopTimeout: 5 * time.Second,
		},
		Session: SessionConfig{
			Watchdog:         10 * time.Second,
			ProgressInterval: 100 * time.Millisecond,
		},
		Storage: StorageConfig{
			RecordingsDirectory: filepath.Join(home, "Audio", "Rehearse"),
			Database:            filepath.Join(home, ".local", "share", "rehearse", "rehearse.db"),
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// DefaultPath returns the default config file location
func DefaultPath() string {
	return os.ExpandEnv("$HOME/.config/rehearse.yaml")
}

// LoadWithProfile reads configFile and resolves the requested profile.
// An empty profile selects active_config, then "default".
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selected, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	// Profiles inherit from "default", which inherits from the built-in defaults
	resolved := Default()
	if configName != "default" {
		if defaultProfile, ok := rootConfig.Configs["default"]; ok {
			resolved = mergeConfigs(resolved, defaultProfile)
		}
	}
	resolved = mergeConfigs(resolved, selected)
	resolved.expandPaths()

	if err := resolved.Validate(); err != nil {
		return nil, fmt.Errorf("profile '%s': %w", configName, err)
	}

	return resolved, nil
}

// ValidateConfigurationFormat reads the config file and checks its structure
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	if _, err := os.Stat(configFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, configFile)
		}
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetEnvPrefix("REHEARSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if len(rootConfig.Configs) == 0 {
		return nil, fmt.Errorf("configs section is required and cannot be empty")
	}
	for name, profile := range rootConfig.Configs {
		if profile == nil {
			return nil, fmt.Errorf("config '%s' is empty", name)
		}
		if err := validateCommandTemplate(profile.Audio.CaptureCommand); err != nil {
			return nil, fmt.Errorf("config '%s': audio.capture_command: %w", name, err)
		}
		if err := validateCommandTemplate(profile.Audio.PlaybackCommand); err != nil {
			return nil, fmt.Errorf("config '%s': audio.playback_command: %w", name, err)
		}
	}

	return &rootConfig, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	if !v.IsSet("configs." + newActiveConfig) {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// WriteDefault writes a config file holding a single "default" profile
func WriteDefault(configFile string) error {
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists: %s", configFile)
	}

	root := RootConfig{
		ActiveConfig: "default",
		Configs:      map[string]*Config{"default": Default()},
	}
	out, err := yaml.Marshal(&root)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(configFile, out, 0644)
}

// Validate checks the resolved configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed '%s' (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := validateCommandTemplate(c.Audio.CaptureCommand); err != nil {
		return fmt.Errorf("audio.capture_command: %w", err)
	}
	if err := validateCommandTemplate(c.Audio.PlaybackCommand); err != nil {
		return fmt.Errorf("audio.playback_command: %w", err)
	}

	return nil
}

// mergeConfigs overlays every non-zero field of profile onto base
func mergeConfigs(base, profile *Config) *Config {
	result := *base

	if profile == nil {
		return &result
	}

	if profile.Audio.Backend != "" {
		result.Audio.Backend = profile.Audio.Backend
	}
	if profile.Audio.Format != "" {
		result.Audio.Format = profile.Audio.Format
	}
	if profile.Audio.SampleRate != 0 {
		result.Audio.SampleRate = profile.Audio.SampleRate
	}
	if profile.Audio.Channels != 0 {
		result.Audio.Channels = profile.Audio.Channels
	}
	if len(profile.Audio.CaptureCommand) > 0 {
		result.Audio.CaptureCommand = profile.Audio.CaptureCommand
	}
	if len(profile.Audio.PlaybackCommand) > 0 {
		result.Audio.PlaybackCommand = profile.Audio.PlaybackCommand
	}
	if profile.Audio.StopTimeout != 0 {
		result.Audio.StopTimeout = profile.Audio.StopTimeout
	}

	if profile.Session.Watchdog != 0 {
		result.Session.Watchdog = profile.Session.Watchdog
	}
	if profile.Session.ProgressInterval != 0 {
		result.Session.ProgressInterval = profile.Session.ProgressInterval
	}
	// Strict can only be switched on by a profile
	result.Session.Strict = base.Session.Strict || profile.Session.Strict

	if profile.Storage.RecordingsDirectory != "" {
		result.Storage.RecordingsDirectory = profile.Storage.RecordingsDirectory
	}
	if profile.Storage.Database != "" {
		result.Storage.Database = profile.Storage.Database
	}

	if profile.Log.File != "" {
		result.Log.File = profile.Log.File
	}
	if profile.Log.MaxSizeMB != 0 {
		result.Log.MaxSizeMB = profile.Log.MaxSizeMB
	}
	if profile.Log.MaxBackups != 0 {
		result.Log.MaxBackups = profile.Log.MaxBackups
	}
	if profile.Log.MaxAgeDays != 0 {
		result.Log.MaxAgeDays = profile.Log.MaxAgeDays
	}

	return &result
}

func (c *Config) expandPaths() {
	c.Storage.RecordingsDirectory = expandPath(c.Storage.RecordingsDirectory)
	c.Storage.Database = expandPath(c.Storage.Database)
	if c.Log.File != "" {
		c.Log.File = expandPath(c.Log.File)
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return os.ExpandEnv(path)
}

// validateCommandTemplate checks an argv template; empty means "use the backend default"
func validateCommandTemplate(argv []string) error {
	if len(argv) == 0 {
		return nil
	}
	if strings.TrimSpace(argv[0]) == "" {
		return fmt.Errorf("program name cannot be empty")
	}
	for _, arg := range argv {
		if strings.Contains(arg, PlaceholderFile) {
			return nil
		}
	}
	return fmt.Errorf("template must reference %s", PlaceholderFile)
}
