package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	// Server configuration
	LogLevel         string `mapstructure:"log_level"`
	BindAddress      string `mapstructure:"bind_address"`
	IngestAddress    string `mapstructure:"ingest_address"`
	IngestAutostart  bool   `mapstructure:"ingest_autostart"`
	DataDirectory    string `mapstructure:"data_directory"`
	RequestBodyLimit int64  `mapstructure:"request_body_limit"`

	// Toolchain discovery
	CompilerPath       string   `mapstructure:"compiler_path"`
	BundledCompilerDir string   `mapstructure:"bundled_compiler_dir"`
	CompilerCandidates []string `mapstructure:"compiler_candidates"`

	// Compilation
	DefaultFlags   []string      `mapstructure:"default_flags"`
	FixedFlags     []string      `mapstructure:"fixed_flags"`
	FastLinker     bool          `mapstructure:"fast_linker"`
	PCHEnabled     bool          `mapstructure:"pch_enabled"`
	CompileTimeout time.Duration `mapstructure:"compile_timeout"`

	// Process lifecycle
	StopGracePeriod    time.Duration `mapstructure:"stop_grace_period"`
	MemoryPollInterval time.Duration `mapstructure:"memory_poll_interval"`
	KillWaitTimeout    time.Duration `mapstructure:"kill_wait_timeout"`
	OutputMaxSize      int64         `mapstructure:"output_max_size"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	// A .env file is optional; real environment variables take precedence.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CPRUNNER")
	v.AutomaticEnv()

	// Try to read config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/cprunner/")
	v.AddConfigPath("$HOME/.cprunner/")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	// Defaults are static and always decode.
	_ = v.Unmarshal(&config)
	return &config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "INFO")
	v.SetDefault("bind_address", "127.0.0.1:2000")
	v.SetDefault("ingest_address", "127.0.0.1:27121")
	v.SetDefault("ingest_autostart", true)
	v.SetDefault("data_directory", defaultDataDirectory())
	v.SetDefault("request_body_limit", 32<<20)
	v.SetDefault("compiler_path", "")
	v.SetDefault("bundled_compiler_dir", defaultBundledDir())
	v.SetDefault("compiler_candidates", []string{})
	v.SetDefault("default_flags", []string{"-std=c++17", "-O2"})
	v.SetDefault("fixed_flags", []string{"-fdiagnostics-color=never"})
	v.SetDefault("fast_linker", true)
	v.SetDefault("pch_enabled", true)
	v.SetDefault("compile_timeout", "30s")
	v.SetDefault("stop_grace_period", "100ms")
	v.SetDefault("memory_poll_interval", "50ms")
	v.SetDefault("kill_wait_timeout", "2s")
	v.SetDefault("output_max_size", 64<<20)
}

// validate validates the configuration
func validate(config *Config) error {
	if _, err := logrus.ParseLevel(config.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", config.LogLevel)
	}

	if config.DataDirectory == "" {
		return fmt.Errorf("data_directory must not be empty")
	}

	if config.BindAddress == "" || config.IngestAddress == "" {
		return fmt.Errorf("bind_address and ingest_address must not be empty")
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"compile_timeout", config.CompileTimeout},
		{"memory_poll_interval", config.MemoryPollInterval},
		{"kill_wait_timeout", config.KillWaitTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}

	if config.StopGracePeriod < 0 {
		return fmt.Errorf("stop_grace_period must not be negative")
	}

	if config.OutputMaxSize <= 0 {
		return fmt.Errorf("output_max_size must be positive")
	}

	return nil
}

// defaultDataDirectory places state under the user cache directory
func defaultDataDirectory() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "cprunner")
	}
	return filepath.Join(os.TempDir(), "cprunner")
}

// defaultBundledDir is the compiler shipped next to the application binary
func defaultBundledDir() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Join(filepath.Dir(exe), "toolchain", "bin")
}

// GetBindAddress returns the complete bind address
func (c *Config) GetBindAddress() string {
	if c.BindAddress == "" {
		return "127.0.0.1:2000"
	}
	return c.BindAddress
}

// GetLogLevel returns the parsed log level
func (c *Config) GetLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// CompileLogPath is where the last failed compilation's diagnostics are kept
func (c *Config) CompileLogPath() string {
	return filepath.Join(c.DataDirectory, "compile_error.log")
}

// PCHDirectory is the root of the precompiled header cache
func (c *Config) PCHDirectory() string {
	return filepath.Join(c.DataDirectory, "pch")
}

// ScratchDirectory holds sources of unsaved buffers
func (c *Config) ScratchDirectory() string {
	return filepath.Join(c.DataDirectory, "scratch")
}
