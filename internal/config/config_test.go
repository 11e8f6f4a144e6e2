package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTmpConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "aofd.yaml")
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("write tmp config: %v", err)
	}
	return p
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
aof:
  node:
    ip: "10.0.0.1"
    hostname: "test-host"
    tags:
      env: "test"
  data_dir: "/tmp/aof-data"
  control:
    pid_file: "/tmp/test.pid"
  log:
    level: "debug"
    format: "json"
  metrics:
    enabled: true
    listen: "0.0.0.0:9090"
    path: "/metrics"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Node.IP != "10.0.0.1" {
		t.Errorf("Node.IP = %q, want 10.0.0.1", cfg.Node.IP)
	}
	if cfg.Node.Hostname != "test-host" {
		t.Errorf("Node.Hostname = %q, want test-host", cfg.Node.Hostname)
	}
	if cfg.Node.Tags["env"] != "test" {
		t.Errorf("Node.Tags[env] = %q, want test", cfg.Node.Tags["env"])
	}
	if cfg.DataDir != "/tmp/aof-data" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Control.PIDFile != "/tmp/test.pid" {
		t.Errorf("Control.PIDFile = %q", cfg.Control.PIDFile)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q", cfg.Log.Format)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
	if cfg.Metrics.Listen != "0.0.0.0:9090" {
		t.Errorf("Metrics.Listen = %q", cfg.Metrics.Listen)
	}
}

func TestLoadInvalidLogLevel(t *testing.T) {
	_, err := Load(writeTmpConfig(t, `
aof:
  node:
    ip: "10.0.0.1"
  log:
    level: "invalid"
    format: "json"
`))
	if err == nil {
		t.Fatal("expected error for invalid log level")
	}
	if !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("error = %v, want 'invalid log level'", err)
	}
}

func TestLoadInvalidLogFormat(t *testing.T) {
	_, err := Load(writeTmpConfig(t, `
aof:
  node:
    ip: "10.0.0.1"
  log:
    level: "info"
    format: "invalid"
`))
	if err == nil {
		t.Fatal("expected error for invalid log format")
	}
}

func TestAutoDetectHostname(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
aof:
  node:
    ip: "10.0.0.1"
  log:
    level: "info"
    format: "json"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.Hostname == "" {
		t.Error("expected auto-detected hostname, got empty")
	}
	expected, _ := os.Hostname()
	if cfg.Node.Hostname != expected {
		t.Errorf("Node.Hostname = %q, want %q", cfg.Node.Hostname, expected)
	}
}

func TestNodeIPExplicit(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
aof:
  node:
    ip: "192.168.1.100"
  log:
    level: "info"
    format: "json"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.IP != "192.168.1.100" {
		t.Errorf("Node.IP = %q, want 192.168.1.100", cfg.Node.IP)
	}
}

func TestNodeIPAutoDetect(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
aof:
  log:
    level: "info"
    format: "json"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.IP == "" {
		t.Error("expected auto-detected Node.IP, got empty")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
aof:
  node:
    ip: "10.0.0.1"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DataDir != "/var/lib/aofd" {
		t.Errorf("DataDir = %q, want /var/lib/aofd", cfg.DataDir)
	}
	if cfg.PollInterval != "5s" {
		t.Errorf("PollInterval = %q, want 5s", cfg.PollInterval)
	}
	if cfg.Control.PIDFile != "/var/run/aofd.pid" {
		t.Errorf("Control.PIDFile = %q, want /var/run/aofd.pid", cfg.Control.PIDFile)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want json", cfg.Log.Format)
	}
	if !cfg.Log.Outputs.Console.Enabled {
		t.Error("Log.Outputs.Console.Enabled = false, want true")
	}
	if cfg.Log.Outputs.File.Enabled {
		t.Error("Log.Outputs.File.Enabled = true, want false")
	}
	if cfg.Log.Outputs.File.Rotation.MaxSizeMB != 100 {
		t.Errorf("Rotation.MaxSizeMB = %d, want 100", cfg.Log.Outputs.File.Rotation.MaxSizeMB)
	}
	if !cfg.Health.Enabled {
		t.Error("Health.Enabled = false, want true")
	}
	if cfg.Health.Listen != ":8090" {
		t.Errorf("Health.Listen = %q, want :8090", cfg.Health.Listen)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
	if cfg.Metrics.Listen != ":9091" {
		t.Errorf("Metrics.Listen = %q, want :9091", cfg.Metrics.Listen)
	}
	if cfg.ProjectsFile != "project.yaml" {
		t.Errorf("ProjectsFile = %q, want project.yaml", cfg.ProjectsFile)
	}
	if cfg.OrgChartFile != "org-chart.yaml" {
		t.Errorf("OrgChartFile = %q, want org-chart.yaml", cfg.OrgChartFile)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("AOF_LOG_LEVEL", "debug")

	cfg, err := Load(writeTmpConfig(t, `
aof:
  node:
    ip: "10.0.0.1"
  log:
    level: "info"
    format: "json"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug (from env)", cfg.Log.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadCascadeOnBlockAndDryRun(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
aof:
  node:
    ip: "10.0.0.1"
  cascade_on_block: true
  dry_run: true
  log:
    level: "info"
    format: "json"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.CascadeOnBlock {
		t.Error("CascadeOnBlock = false, want true")
	}
	if !cfg.DryRun {
		t.Error("DryRun = false, want true")
	}
}
