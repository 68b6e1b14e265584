// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/xpass/internal/core"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `xpass:` root key in YAML.
type GlobalConfig struct {
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Dataplane DataplaneConfig `mapstructure:"dataplane"`
	Replay    ReplayConfig    `mapstructure:"replay"`
}

// ─── Dataplane ───

// DataplaneConfig sizes the per-worker pipelines.
type DataplaneConfig struct {
	Workers           int              `mapstructure:"workers"`
	BatchSize         int              `mapstructure:"batch_size"`
	MTU               int              `mapstructure:"mtu"` // Frame size incl. Ethernet header
	FlowTableCapacity int              `mapstructure:"flow_table_capacity"`
	LocalPrefixes     []string         `mapstructure:"local_prefixes"` // CIDRs of the local host
	QueueSize         int              `mapstructure:"queue_size"`     // Batches buffered per worker
	TaskInterval      time.Duration    `mapstructure:"task_interval"`  // Background task period
	Reassembly        ReassemblyConfig `mapstructure:"reassembly"`
	Pacing            PacingConfig     `mapstructure:"pacing"`

	localNets []netip.Prefix
}

// LocalNets returns the parsed local prefixes.
func (d DataplaneConfig) LocalNets() []netip.Prefix { return d.localNets }

// ReassemblyConfig configures inbound aggregation.
type ReassemblyConfig struct {
	MaxAggregate int           `mapstructure:"max_aggregate"`
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
}

// PacingConfig seeds each flow's token bucket.
type PacingConfig struct {
	RefillInterval time.Duration `mapstructure:"refill_interval"` // Per token
	BurstBytes     int           `mapstructure:"burst_bytes"`
}

// ─── Replay ───

// ReplayConfig configures offline replay.
type ReplayConfig struct {
	Ports []int `mapstructure:"ports"` // TCP ports kept by the pre-filter; empty keeps all
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`  // MB
	MaxAgeDays int  `mapstructure:"max_age_days"` // Days
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `xpass: ...`.
type configRoot struct {
	XPass GlobalConfig `mapstructure:"xpass"`
}

// Load loads configuration from file. An empty path yields the defaults
// with environment overrides applied.
// The YAML file uses `xpass:` as root key; env vars use the XPASS_ prefix
// (e.g., XPASS_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `xpass.` key prefix maps to `XPASS_` via the key replacer
	// (e.g., key "xpass.dataplane.workers" → env "XPASS_DATAPLANE_WORKERS").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.XPass

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use "xpass." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("xpass.log.level", "info")
	v.SetDefault("xpass.log.format", "json")
	v.SetDefault("xpass.log.outputs.file.enabled", false)
	v.SetDefault("xpass.log.outputs.file.path", "/var/log/xpass/xpass.log")
	v.SetDefault("xpass.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("xpass.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("xpass.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("xpass.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("xpass.metrics.enabled", false)
	v.SetDefault("xpass.metrics.listen", ":9092")
	v.SetDefault("xpass.metrics.path", "/metrics")

	// Dataplane defaults
	v.SetDefault("xpass.dataplane.workers", 1)
	v.SetDefault("xpass.dataplane.batch_size", core.DefaultBatchSize)
	v.SetDefault("xpass.dataplane.mtu", 1514)
	v.SetDefault("xpass.dataplane.flow_table_capacity", 65536)
	v.SetDefault("xpass.dataplane.local_prefixes", []string{})
	v.SetDefault("xpass.dataplane.queue_size", 1024)
	v.SetDefault("xpass.dataplane.task_interval", 50*time.Microsecond)
	v.SetDefault("xpass.dataplane.reassembly.max_aggregate", 8192)
	v.SetDefault("xpass.dataplane.reassembly.flush_timeout", 100*time.Microsecond)
	v.SetDefault("xpass.dataplane.pacing.refill_interval", 8*time.Nanosecond)
	v.SetDefault("xpass.dataplane.pacing.burst_bytes", (14+20+20+12)*8)

	// Replay defaults
	v.SetDefault("xpass.replay.ports", []int{})
}

// minFrame holds Ethernet, IPv4 and TCP headers plus the control header.
const minFrame = 14 + 20 + 20 + 12

// ValidateAndApplyDefaults validates configuration and resolves derived
// values such as the parsed local prefixes.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return invalid("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return invalid("log.outputs.file.path is required when file output is enabled")
	}

	// ── Dataplane validation ──
	dp := &cfg.Dataplane
	if dp.Workers < 1 {
		return invalid("dataplane.workers must be >= 1, got %d", dp.Workers)
	}
	if dp.BatchSize < 1 || dp.BatchSize > 1024 {
		return invalid("dataplane.batch_size must be in 1..1024, got %d", dp.BatchSize)
	}
	if dp.MTU <= minFrame {
		return invalid("dataplane.mtu must be > %d, got %d", minFrame, dp.MTU)
	}
	if dp.FlowTableCapacity < 1 {
		return invalid("dataplane.flow_table_capacity must be >= 1, got %d", dp.FlowTableCapacity)
	}
	if dp.QueueSize < 1 {
		dp.QueueSize = 1
	}
	if dp.TaskInterval <= 0 {
		return invalid("dataplane.task_interval must be > 0, got %s", dp.TaskInterval)
	}
	if dp.Reassembly.MaxAggregate < dp.MTU || dp.Reassembly.MaxAggregate > 65535 {
		return invalid("dataplane.reassembly.max_aggregate must be in %d..65535, got %d", dp.MTU, dp.Reassembly.MaxAggregate)
	}
	if dp.Reassembly.FlushTimeout <= 0 {
		return invalid("dataplane.reassembly.flush_timeout must be > 0, got %s", dp.Reassembly.FlushTimeout)
	}
	if dp.Pacing.RefillInterval <= 0 {
		return invalid("dataplane.pacing.refill_interval must be > 0, got %s", dp.Pacing.RefillInterval)
	}
	if dp.Pacing.BurstBytes < 1 {
		return invalid("dataplane.pacing.burst_bytes must be >= 1, got %d", dp.Pacing.BurstBytes)
	}

	dp.localNets = dp.localNets[:0]
	for _, s := range dp.LocalPrefixes {
		p, err := netip.ParsePrefix(strings.TrimSpace(s))
		if err != nil {
			return invalid("dataplane.local_prefixes: %v", err)
		}
		if !p.Addr().Is4() {
			return invalid("dataplane.local_prefixes: %s is not IPv4", s)
		}
		dp.localNets = append(dp.localNets, p.Masked())
	}

	// ── Replay validation ──
	for _, port := range cfg.Replay.Ports {
		if port < 1 || port > 65535 {
			return invalid("replay.ports: %d out of range 1..65535", port)
		}
	}

	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), core.ErrConfigInvalid)
}
