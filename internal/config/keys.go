package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"nathanbeddoewebdev/benchctl/internal/util"
)

// hostKeyPrefix addresses a single host alias, e.g. "host.node1".
const hostKeyPrefix = "host."

// KeySpec describes a single configuration key.
type KeySpec struct {
	// Name is the CLI-facing key name (e.g. "logs-dir").
	Name string

	// Description is a short human-readable explanation shown in help text.
	Description string

	// Get returns the current value for this key from a loaded Config.
	Get func(cfg *Config) string

	// Set validates value and applies it to the given Config (in memory
	// only; the caller is responsible for calling Save). An empty value
	// clears the key.
	Set func(cfg *Config, value string) error
}

// Keys is the authoritative list of all supported configuration keys.
// To add a new option: add a field to Config and append a KeySpec here.
var Keys = []KeySpec{
	{
		Name:        "logs-dir",
		Description: "Root directory for run logs (default " + DefaultLogsDir + ")",
		Get:         func(cfg *Config) string { return cfg.LogsDir },
		Set:         func(cfg *Config, v string) error { cfg.LogsDir = v; return nil },
	},
	{
		Name:        "ssh-user",
		Description: "User for SSH connections to worker hosts",
		Get:         func(cfg *Config) string { return cfg.SSHUser },
		Set:         func(cfg *Config, v string) error { cfg.SSHUser = v; return nil },
	},
	{
		Name:        "ssh-options",
		Description: "Comma-separated extra ssh -o options, e.g. IdentityFile=~/.ssh/bench",
		Get:         func(cfg *Config) string { return strings.Join(cfg.SSHOptions, ",") },
		Set: func(cfg *Config, v string) error {
			cfg.SSHOptions = nil
			for _, opt := range strings.Split(v, ",") {
				if opt = strings.TrimSpace(opt); opt != "" {
					cfg.SSHOptions = append(cfg.SSHOptions, opt)
				}
			}
			return nil
		},
	},
	{
		Name:        "monitor-command",
		Description: "Command starting the monitor agent on worker hosts (default \"" + DefaultMonitorCommand + "\")",
		Get:         func(cfg *Config) string { return cfg.MonitorCommand },
		Set:         func(cfg *Config, v string) error { cfg.MonitorCommand = v; return nil },
	},
	{
		Name:        "log-level",
		Description: "Log level: debug, info, warn or error (default " + DefaultLogLevel + ")",
		Get:         func(cfg *Config) string { return cfg.LogLevel },
		Set: func(cfg *Config, v string) error {
			v = util.NormalizeKey(v)
			switch v {
			case "", "debug", "info", "warn", "error":
				cfg.LogLevel = v
				return nil
			}
			return fmt.Errorf("invalid log level %q", v)
		},
	},
	{
		Name:        "hetzner-lookup",
		Description: "Resolve hcloud:<server> hosts through the Hetzner Cloud API (true/false)",
		Get: func(cfg *Config) string {
			if !cfg.HetznerLookup {
				return ""
			}
			return "true"
		},
		Set: func(cfg *Config, v string) error {
			if v == "" {
				cfg.HetznerLookup = false
				return nil
			}
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid boolean %q", v)
			}
			cfg.HetznerLookup = b
			return nil
		},
	},
	{
		Name:        "host-cache-ttl",
		Description: "How long resolved cloud host addresses are cached (default " + DefaultHostCacheTTL.String() + ")",
		Get:         func(cfg *Config) string { return cfg.HostCacheTTL },
		Set: func(cfg *Config, v string) error {
			if v != "" {
				if d, err := time.ParseDuration(v); err != nil || d < 0 {
					return fmt.Errorf("invalid duration %q", v)
				}
			}
			cfg.HostCacheTTL = v
			return nil
		},
	},
}

// Lookup returns the KeySpec for the given name, or nil if not found.
// The name is matched case-insensitively after trimming whitespace.
// Names of the form "host.<alias>" address a single host alias; aliases
// must be valid host names.
func Lookup(name string) *KeySpec {
	normalized := util.NormalizeKey(name)
	if alias, ok := strings.CutPrefix(normalized, hostKeyPrefix); ok {
		if util.ValidateHostName(alias) != nil {
			return nil
		}
		return hostKey(alias)
	}
	for i := range Keys {
		if Keys[i].Name == normalized {
			return &Keys[i]
		}
	}
	return nil
}

func hostKey(alias string) *KeySpec {
	return &KeySpec{
		Name:        hostKeyPrefix + alias,
		Description: "Address of host alias " + alias,
		Get:         func(cfg *Config) string { return cfg.Hosts[alias] },
		Set:         func(cfg *Config, v string) error { cfg.SetHost(alias, strings.TrimSpace(v)); return nil },
	}
}

// HostKeys returns a KeySpec for every configured host alias, sorted.
func HostKeys(cfg *Config) []KeySpec {
	aliases := make([]string, 0, len(cfg.Hosts))
	for alias := range cfg.Hosts {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	specs := make([]KeySpec, 0, len(aliases))
	for _, alias := range aliases {
		specs = append(specs, *hostKey(alias))
	}
	return specs
}

// KeyNames returns the names of all registered keys.
func KeyNames() []string {
	names := make([]string, len(Keys))
	for i, k := range Keys {
		names[i] = k.Name
	}
	return names
}

// KeysHelp builds a formatted block listing all available keys and their
// descriptions, suitable for inclusion in Cobra Long help text.
func KeysHelp() string {
	if len(Keys) == 0 {
		return ""
	}

	maxLen := len(hostKeyPrefix + "<alias>")
	for _, k := range Keys {
		if len(k.Name) > maxLen {
			maxLen = len(k.Name)
		}
	}

	var b strings.Builder
	b.WriteString("Available keys:\n")
	for _, k := range Keys {
		fmt.Fprintf(&b, "  %-*s   %s\n", maxLen, k.Name, k.Description)
	}
	fmt.Fprintf(&b, "  %-*s   %s\n", maxLen, hostKeyPrefix+"<alias>", "Host alias address or hcloud:<server>")
	return b.String()
}
