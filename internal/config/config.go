// Package config loads the daemon's own settings (aofd.yaml) using viper
// with a root-key-wrapper + SetDefault + env-override pattern. Project
// workflow definitions
// (project.yaml) and the org chart (org-chart.yaml) are loaded separately
// by LoadProjects / LoadOrgChart since they are distinct files with their
// own lifecycles (reloaded by operators independently of daemon settings).
package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// DaemonConfig is the top-level daemon configuration. Maps to the `aof:`
// root key in aofd.yaml.
type DaemonConfig struct {
	Node           NodeConfig     `mapstructure:"node"`
	DataDir        string         `mapstructure:"data_dir"`
	PollInterval   string         `mapstructure:"poll_interval"`
	CascadeOnBlock bool           `mapstructure:"cascade_on_block"`
	DryRun         bool           `mapstructure:"dry_run"`
	Control        ControlConfig  `mapstructure:"control"`
	Health         HealthConfig   `mapstructure:"health"`
	Metrics        MetricsConfig  `mapstructure:"metrics"`
	Log            LogConfig      `mapstructure:"log"`
	ProjectsFile   string         `mapstructure:"projects_file"`
	OrgChartFile   string         `mapstructure:"org_chart_file"`
}

// NodeConfig identifies this daemon instance.
type NodeConfig struct {
	IP       string            `mapstructure:"ip"`
	Hostname string            `mapstructure:"hostname"`
	Tags     map[string]string `mapstructure:"tags"`
}

// ControlConfig contains local control-plane settings: just the PID file,
// since there is no command socket — CLI task mutation is in-process,
// never network-transparent.
type ControlConfig struct {
	PIDFile string `mapstructure:"pid_file"`
}

// HealthConfig controls the read-only /health HTTP endpoint.
type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// MetricsConfig controls the read-only Prometheus /metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`
	Format  string           `mapstructure:"format"`
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	Console ConsoleOutputConfig `mapstructure:"console"`
	File    FileOutputConfig    `mapstructure:"file"`
	Loki    LokiOutputConfig    `mapstructure:"loki"`
}

// ConsoleOutputConfig configures stdout logging. Console output is also
// the implicit fallback when no output is enabled at all.
type ConsoleOutputConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// FileOutputConfig configures rotating file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures lumberjack-driven log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// LokiOutputConfig configures shipping logs to Grafana Loki.
type LokiOutputConfig struct {
	Enabled       bool              `mapstructure:"enabled"`
	Endpoint      string            `mapstructure:"endpoint"`
	Labels        map[string]string `mapstructure:"labels"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval string            `mapstructure:"flush_interval"`
}

// daemonConfigRoot is the top-level wrapper matching aofd.yaml's `aof:` key.
type daemonConfigRoot struct {
	AOF DaemonConfig `mapstructure:"aof"`
}

// Load reads the daemon config file at path. Env vars override with an
// AOF_ prefix naturally produced by the "." → "_" key replacer (e.g.
// "aof.log.level" → "AOF_LOG_LEVEL").
func Load(path string) (*DaemonConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root daemonConfigRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.AOF

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("aof.data_dir", "/var/lib/aofd")
	v.SetDefault("aof.poll_interval", "5s")
	v.SetDefault("aof.cascade_on_block", false)
	v.SetDefault("aof.dry_run", false)

	v.SetDefault("aof.control.pid_file", "/var/run/aofd.pid")

	v.SetDefault("aof.health.enabled", true)
	v.SetDefault("aof.health.listen", ":8090")

	v.SetDefault("aof.metrics.enabled", true)
	v.SetDefault("aof.metrics.listen", ":9091")
	v.SetDefault("aof.metrics.path", "/metrics")

	v.SetDefault("aof.log.level", "info")
	v.SetDefault("aof.log.format", "json")
	v.SetDefault("aof.log.outputs.console.enabled", true)
	v.SetDefault("aof.log.outputs.file.enabled", false)
	v.SetDefault("aof.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("aof.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("aof.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("aof.log.outputs.file.rotation.compress", true)

	v.SetDefault("aof.projects_file", "project.yaml")
	v.SetDefault("aof.org_chart_file", "org-chart.yaml")
}

// ValidateAndApplyDefaults validates the loaded config and resolves runtime
// values (hostname, node IP).
func (cfg *DaemonConfig) ValidateAndApplyDefaults() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}

	resolvedIP, err := resolveNodeIP(&cfg.Node)
	if err != nil {
		return err
	}
	cfg.Node.IP = resolvedIP

	return nil
}

// resolveNodeIP picks the first non-loopback, non-link-local IPv4 address
// when none is configured explicitly.
func resolveNodeIP(node *NodeConfig) (string, error) {
	if node.IP != "" {
		return node.IP, nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("cannot resolve node IP: failed to list interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			if ip4[0] == 169 && ip4[1] == 254 {
				continue
			}
			return ip4.String(), nil
		}
	}

	return "", fmt.Errorf("cannot resolve node IP: set AOF_NODE_IP or aof.node.ip")
}
