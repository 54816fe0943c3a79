// Package config loads the daemon's settings file.
//
// Settings live in a TOML file in the user directory. Every field has a
// default, so a missing file or a partial one is fine; command-line flags
// override the driver paths after loading.
package config

//go:generate go run ../../cmd/genconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"

	"tools.zach/dev/ozwdaemon/internal/logger"
	"tools.zach/dev/ozwdaemon/internal/paths"
)

// ///////////////////////////////////////////////
// Configuration Types
// ///////////////////////////////////////////////

// Config represents the top-level settings file.
type Config struct {
	// Driver holds the controller driver settings.
	Driver DriverConfig `toml:"driver"`
	// Daemon holds process behaviour settings.
	Daemon DaemonConfig `toml:"daemon"`
	// Log holds logging settings.
	Log LogConfig `toml:"log"`

	// unknown holds keys present in the file that match no setting.
	unknown []string
}

// DriverConfig holds the controller driver settings.
type DriverConfig struct {
	// SerialPort is the controller device. Empty means discover it.
	SerialPort string `toml:"serial_port"`
	// ConfigPath is the directory with the driver's device database.
	ConfigPath string `toml:"config_path"`
	// UserPath is the directory for the driver's runtime data. Empty means
	// the daemon's user directory.
	UserPath string `toml:"user_path"`
	// Discover enables port discovery when SerialPort is empty.
	Discover bool `toml:"discover"`
	// PortPatterns are the glob patterns tried by discovery, in order.
	PortPatterns []string `toml:"port_patterns"`
	// HandshakeTimeoutSeconds bounds the wait for the controller's version
	// response.
	HandshakeTimeoutSeconds int `toml:"handshake_timeout_seconds"`
}

// DaemonConfig holds process behaviour settings.
type DaemonConfig struct {
	// WatchDevice shuts the daemon down when the serial device disappears.
	WatchDevice bool `toml:"watch_device"`
	// UpdateManifestURL is polled once at startup for a newer release.
	// Empty disables the check.
	UpdateManifestURL string `toml:"update_manifest_url,omitempty"`
	// MetricsAddr is the host:port serving Prometheus metrics. Empty
	// disables the endpoint.
	MetricsAddr string `toml:"metrics_addr,omitempty"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error, fail).
	Level string `toml:"level"`
	// MaxSizeMB is the log file size in megabytes before rotation.
	MaxSizeMB int `toml:"max_size_mb"`
	// Stderr also writes log lines to standard error.
	Stderr bool `toml:"stderr"`
}

// ///////////////////////////////////////////////
// Default Configuration
// ///////////////////////////////////////////////

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Driver: DriverConfig{
			ConfigPath:              paths.DefaultConfigDir,
			Discover:                true,
			PortPatterns:            slices.Clone(paths.DefaultPortPatterns),
			HandshakeTimeoutSeconds: 5,
		},
		Daemon: DaemonConfig{
			WatchDevice: true,
		},
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 10,
		},
	}
}

// ExampleConfig returns the Config written to config.default.toml.
func ExampleConfig() *Config {
	return DefaultConfig()
}

// HandshakeTimeout returns the handshake bound as a duration.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Driver.HandshakeTimeoutSeconds) * time.Second
}

// LogLevel returns the parsed log level. Validate guarantees it parses.
func (c *Config) LogLevel() slog.Level {
	level, _ := logger.ParseLevel(c.Log.Level)
	return level
}

// ///////////////////////////////////////////////
// Loading and Writing
// ///////////////////////////////////////////////

// Load reads the settings file at path over the defaults. A missing file
// yields DefaultConfig. Unknown keys are ignored and reported by
// [Config.UnknownKeys].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes TOML settings over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	for _, key := range md.Undecoded() {
		cfg.unknown = append(cfg.unknown, key.String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// UnknownKeys returns the dotted keys Parse found that match no setting, in
// file order. The caller logs them once its logger is set up.
func (c *Config) UnknownKeys() []string {
	return slices.Clone(c.unknown)
}

// WriteDefault writes data to path unless a file already exists there. The
// write is atomic, so an interrupted first run never leaves a truncated
// settings file. It reports whether the file was written.
func WriteDefault(path string, data []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat settings file: %w", err)
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return false, err
	}
	return true, nil
}

// ///////////////////////////////////////////////
// Validation
// ///////////////////////////////////////////////

// Validate checks that all settings are usable.
func (c *Config) Validate() error {
	if _, ok := logger.ParseLevel(c.Log.Level); !ok {
		return fmt.Errorf("invalid log.level %q: must be trace, debug, info, warn, error, or fail", c.Log.Level)
	}
	if c.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("log.max_size_mb must be > 0, got %d", c.Log.MaxSizeMB)
	}
	if c.Driver.HandshakeTimeoutSeconds <= 0 {
		return fmt.Errorf("driver.handshake_timeout_seconds must be > 0, got %d", c.Driver.HandshakeTimeoutSeconds)
	}
	if strings.TrimSpace(c.Driver.ConfigPath) == "" {
		return errors.New("driver.config_path must not be empty")
	}
	if c.Driver.Discover && len(c.Driver.PortPatterns) == 0 {
		return errors.New("driver.port_patterns must not be empty when discovery is enabled")
	}
	for _, p := range c.Driver.PortPatterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid driver.port_patterns entry %q", p)
		}
	}
	if u := c.Daemon.UpdateManifestURL; u != "" {
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("invalid daemon.update_manifest_url %q: must be an http(s) URL", u)
		}
	}
	if a := c.Daemon.MetricsAddr; a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("invalid daemon.metrics_addr %q: %w", a, err)
		}
	}
	return nil
}
