package config

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"firestige.xyz/xpass/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return configPath
}

func TestLoadValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
xpass:
  log:
    level: "debug"
    format: "text"
  metrics:
    enabled: true
    listen: "127.0.0.1:9100"
  dataplane:
    workers: 4
    batch_size: 64
    mtu: 9014
    flow_table_capacity: 1024
    local_prefixes: ["10.0.0.0/24", "192.168.7.9/16"]
    reassembly:
      max_aggregate: 16384
      flush_timeout: 250us
    pacing:
      refill_interval: 16ns
      burst_bytes: 1056
  replay:
    ports: [80, 443]
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("Unexpected log config: %+v", cfg.Log)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Listen != "127.0.0.1:9100" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Unexpected metrics config: %+v", cfg.Metrics)
	}
	dp := cfg.Dataplane
	if dp.Workers != 4 || dp.BatchSize != 64 || dp.MTU != 9014 || dp.FlowTableCapacity != 1024 {
		t.Errorf("Unexpected dataplane config: %+v", dp)
	}
	if dp.Reassembly.MaxAggregate != 16384 || dp.Reassembly.FlushTimeout != 250*time.Microsecond {
		t.Errorf("Unexpected reassembly config: %+v", dp.Reassembly)
	}
	if dp.Pacing.RefillInterval != 16*time.Nanosecond || dp.Pacing.BurstBytes != 1056 {
		t.Errorf("Unexpected pacing config: %+v", dp.Pacing)
	}
	want := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24"), netip.MustParsePrefix("192.168.0.0/16")}
	if got := dp.LocalNets(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Expected local nets %v, got %v", want, got)
	}
	if len(cfg.Replay.Ports) != 2 || cfg.Replay.Ports[1] != 443 {
		t.Errorf("Unexpected replay ports: %v", cfg.Replay.Ports)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}

	dp := cfg.Dataplane
	if dp.Workers != 1 || dp.BatchSize != core.DefaultBatchSize || dp.MTU != 1514 {
		t.Errorf("Unexpected dataplane defaults: %+v", dp)
	}
	if dp.FlowTableCapacity != 65536 {
		t.Errorf("Expected flow table capacity 65536, got %d", dp.FlowTableCapacity)
	}
	if dp.Reassembly.MaxAggregate != 8192 || dp.Reassembly.FlushTimeout != 100*time.Microsecond {
		t.Errorf("Unexpected reassembly defaults: %+v", dp.Reassembly)
	}
	if dp.Pacing.RefillInterval != 8*time.Nanosecond || dp.Pacing.BurstBytes != 528 {
		t.Errorf("Unexpected pacing defaults: %+v", dp.Pacing)
	}
	if cfg.Metrics.Enabled || cfg.Metrics.Listen != ":9092" {
		t.Errorf("Unexpected metrics defaults: %+v", cfg.Metrics)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Unexpected log defaults: %+v", cfg.Log)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("XPASS_DATAPLANE_WORKERS", "3")
	t.Setenv("XPASS_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, "xpass:\n  dataplane:\n    workers: 2\n"))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Dataplane.Workers != 3 {
		t.Errorf("Expected env to override workers to 3, got %d", cfg.Dataplane.Workers)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Expected env log level warn, got %s", cfg.Log.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("Expected error for missing config file")
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]any
	}{
		{"log level", map[string]any{"log": map[string]any{"level": "verbose"}}},
		{"log format", map[string]any{"log": map[string]any{"format": "xml"}}},
		{"zero workers", map[string]any{"dataplane": map[string]any{"workers": 0}}},
		{"batch too large", map[string]any{"dataplane": map[string]any{"batch_size": 4096}}},
		{"mtu too small", map[string]any{"dataplane": map[string]any{"mtu": 60}}},
		{"aggregate below mtu", map[string]any{"dataplane": map[string]any{
			"reassembly": map[string]any{"max_aggregate": 1000}}}},
		{"aggregate too large", map[string]any{"dataplane": map[string]any{
			"reassembly": map[string]any{"max_aggregate": 70000}}}},
		{"negative flush timeout", map[string]any{"dataplane": map[string]any{
			"reassembly": map[string]any{"flush_timeout": "-1us"}}}},
		{"bad prefix", map[string]any{"dataplane": map[string]any{"local_prefixes": []string{"10.0.0.300/8"}}}},
		{"ipv6 prefix", map[string]any{"dataplane": map[string]any{"local_prefixes": []string{"fd00::/8"}}}},
		{"port out of range", map[string]any{"replay": map[string]any{"ports": []int{0}}}},
		{"file log without path", map[string]any{"log": map[string]any{
			"outputs": map[string]any{"file": map[string]any{"enabled": true, "path": ""}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, err := yaml.Marshal(map[string]any{"xpass": tt.set})
			if err != nil {
				t.Fatalf("Failed to marshal config: %v", err)
			}
			_, err = Load(writeConfig(t, string(content)))
			if !errors.Is(err, core.ErrConfigInvalid) {
				t.Errorf("Expected ErrConfigInvalid, got %v", err)
			}
		})
	}
}
