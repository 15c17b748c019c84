// Package config handles persistent user configuration for benchctl.
//
// Configuration is stored as JSON at ~/.config/benchctl/config.json (or the
// platform-equivalent path returned by os.UserConfigDir).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"nathanbeddoewebdev/benchctl/internal/util"
)

const (
	appDir   = "benchctl"
	fileName = "config.json"
)

// Defaults applied when a setting is not configured.
const (
	DefaultLogsDir        = "benchctl-logs"
	DefaultMonitorCommand = "benchctl monitor agent"
	DefaultLogLevel       = "info"
	DefaultHostCacheTTL   = 10 * time.Minute
)

// pathOverride, when non-empty, replaces the default config file path.
// Intended for testing. Use SetPath / ResetPath to manage.
var pathOverride string

// SetPath overrides the config file path. Intended for testing.
func SetPath(p string) { pathOverride = p }

// ResetPath clears the path override, reverting to the default. Intended for testing.
func ResetPath() { pathOverride = "" }

// Config holds user preferences that persist across invocations.
type Config struct {
	LogsDir        string   `json:"logs_dir,omitempty"`
	SSHUser        string   `json:"ssh_user,omitempty"`
	SSHOptions     []string `json:"ssh_options,omitempty"`
	MonitorCommand string   `json:"monitor_command,omitempty"`
	LogLevel       string   `json:"log_level,omitempty"`
	HetznerLookup  bool     `json:"hetzner_lookup,omitempty"`
	HostCacheTTL   string   `json:"host_cache_ttl,omitempty"`

	// Hosts maps aliases used in plans to addresses or "hcloud:<server>".
	Hosts map[string]string `json:"hosts,omitempty"`
}

// Path returns the absolute path to the config file.
// If SetPath has been called, that value is returned instead.
func Path() (string, error) {
	if pathOverride != "" {
		return pathOverride, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: unable to determine config directory: %w", err)
	}
	return filepath.Join(base, appDir, fileName), nil
}

// Load reads the config file from disk and returns the parsed Config.
// If the file does not exist, a zero-value Config is returned (not an error).
func Load() (*Config, error) {
	return loadFrom("")
}

func loadFrom(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = Path()
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	return &cfg, nil
}

// Save writes the config to disk, creating the parent directory if needed.
func (c *Config) Save() error {
	return c.saveTo("")
}

func (c *Config) saveTo(path string) error {
	if path == "" {
		var err error
		path, err = Path()
		if err != nil {
			return err
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: failed to create directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: failed to marshal config: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: failed to write %s: %w", path, err)
	}

	return nil
}

// LoadFrom reads the config from the given path. Intended for testing.
func LoadFrom(path string) (*Config, error) {
	return loadFrom(path)
}

// SaveTo writes the config to the given path. Intended for testing.
func (c *Config) SaveTo(path string) error {
	return c.saveTo(path)
}

// EffectiveLogsDir returns the logs root, falling back to DefaultLogsDir.
func (c *Config) EffectiveLogsDir() string {
	if c.LogsDir != "" {
		return c.LogsDir
	}
	return DefaultLogsDir
}

// EffectiveMonitorCommand returns the agent command, falling back to
// DefaultMonitorCommand.
func (c *Config) EffectiveMonitorCommand() string {
	if c.MonitorCommand != "" {
		return c.MonitorCommand
	}
	return DefaultMonitorCommand
}

// EffectiveLogLevel returns the log level, falling back to DefaultLogLevel.
func (c *Config) EffectiveLogLevel() string {
	if c.LogLevel != "" {
		return c.LogLevel
	}
	return DefaultLogLevel
}

// EffectiveHostCacheTTL returns how long resolved cloud addresses are
// cached. An unparsable value falls back to DefaultHostCacheTTL.
func (c *Config) EffectiveHostCacheTTL() time.Duration {
	if c.HostCacheTTL == "" {
		return DefaultHostCacheTTL
	}
	d, err := time.ParseDuration(c.HostCacheTTL)
	if err != nil || d < 0 {
		return DefaultHostCacheTTL
	}
	return d
}

// SetHost adds or replaces a host alias. An empty address removes it.
func (c *Config) SetHost(alias, address string) {
	alias = util.NormalizeKey(alias)
	if address == "" {
		delete(c.Hosts, alias)
		return
	}
	if c.Hosts == nil {
		c.Hosts = map[string]string{}
	}
	c.Hosts[alias] = address
}
