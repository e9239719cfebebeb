package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/INLOpen/synclog/hooks"
	"github.com/INLOpen/synclog/hooks/listeners"
	"github.com/INLOpen/synclog/processor"
	"github.com/INLOpen/synclog/snapshot"
	"github.com/INLOpen/synclog/txnlog"
	"gopkg.in/yaml.v3"
)

// LogConfig holds the transaction log settings.
type LogConfig struct {
	Dir               string `yaml:"dir"`
	PreallocSizeBytes int64  `yaml:"prealloc_size_bytes"`
	PadMarginBytes    int64  `yaml:"pad_margin_bytes"`
	PadWarnThreshold  string `yaml:"pad_warn_threshold"`
	WriteBufferBytes  int    `yaml:"write_buffer_bytes"`
	ForceSync         bool   `yaml:"force_sync"` // fsync on every flush
	MaxBatchSize      int    `yaml:"max_batch_size"`
}

// SnapshotConfig holds the snapshot trigger settings.
type SnapshotConfig struct {
	Dir       string `yaml:"dir"`
	SnapCount int64  `yaml:"snap_count"` // 0 disables snapshots
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	PProfEnabled     bool   `yaml:"pprof_enabled"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// BenchConfig drives the synclog-bench load generator.
type BenchConfig struct {
	Producers           int    `yaml:"producers"`
	RequestsPerProducer int    `yaml:"requests_per_producer"`
	PayloadBytes        int    `yaml:"payload_bytes"`
	ReportInterval      string `yaml:"report_interval"`
}

// AlertRule flags flush or pad events whose field leaves [min, max].
// A max of zero leaves the upper bound open.
type AlertRule struct {
	Event string  `yaml:"event"` // "PostBatchFlush" or "PostSegmentPad"
	Field string  `yaml:"field"` // e.g., "sync_duration_ms", "bytes", "duration_ms"
	Min   float64 `yaml:"min"`
	Max   float64 `yaml:"max"`
}

// Config is the top-level configuration struct.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Logging  LoggingConfig  `yaml:"logging"`
	Debug    DebugConfig    `yaml:"debug"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Bench    BenchConfig    `yaml:"bench"`
	Alerts   []AlertRule    `yaml:"alerts"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Dir:               "./data/txnlog",
			PreallocSizeBytes: txnlog.DefaultPreallocSize,
			PadMarginBytes:    txnlog.DefaultPadMargin,
			PadWarnThreshold:  "1s",
			WriteBufferBytes:  txnlog.DefaultWriteBufferSize,
			ForceSync:         true,
			MaxBatchSize:      processor.DefaultMaxBatchSize,
		},
		Snapshot: SnapshotConfig{
			Dir:       "./data/snapshots",
			SnapCount: processor.DefaultSnapCount,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "synclog.log",
		},
		Debug: DebugConfig{
			Enabled:          false,
			ListenAddress:    "127.0.0.1:6060",
			PProfEnabled:     true,
			MetricsEnabled:   true,
			MonitorUIEnabled: true,
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Bench: BenchConfig{
			Producers:           4,
			RequestsPerProducer: 100000,
			PayloadBytes:        128,
			ReportInterval:      "5s",
		},
		Alerts: []AlertRule{
			{Event: string(hooks.EventPostBatchFlush), Field: listeners.FieldSyncDurationMs, Max: 1000},
			{Event: string(hooks.EventPostSegmentPad), Field: listeners.FieldPadDurationMs, Max: 1000},
		},
	}
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// A missing file means defaults.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// Validate rejects settings the log cannot run with.
func (c *Config) Validate() error {
	if c.Log.Dir == "" {
		return fmt.Errorf("invalid config: log.dir must be set")
	}
	if c.Log.PreallocSizeBytes <= 0 {
		return fmt.Errorf("invalid config: log.prealloc_size_bytes must be positive, got %d", c.Log.PreallocSizeBytes)
	}
	if c.Log.PadMarginBytes < 0 || c.Log.PadMarginBytes >= c.Log.PreallocSizeBytes {
		return fmt.Errorf("invalid config: log.pad_margin_bytes %d must be below log.prealloc_size_bytes %d", c.Log.PadMarginBytes, c.Log.PreallocSizeBytes)
	}
	if c.Snapshot.SnapCount < 0 {
		return fmt.Errorf("invalid config: snapshot.snap_count must not be negative, got %d", c.Snapshot.SnapCount)
	}
	for i, a := range c.Alerts {
		switch hooks.EventType(a.Event) {
		case hooks.EventPostBatchFlush, hooks.EventPostSegmentPad:
		default:
			return fmt.Errorf("invalid config: alerts[%d].event %q is not a flush or pad event", i, a.Event)
		}
		if a.Field == "" {
			return fmt.Errorf("invalid config: alerts[%d].field must be set", i)
		}
	}
	return nil
}

// AllocatorOptions builds the txn log allocator options from the log section.
func (c *Config) AllocatorOptions(logger *slog.Logger, hm hooks.HookManager) txnlog.Options {
	return txnlog.Options{
		Dir:              c.Log.Dir,
		PreallocSize:     c.Log.PreallocSizeBytes,
		PadMargin:        c.Log.PadMarginBytes,
		PadWarnThreshold: ParseDuration(c.Log.PadWarnThreshold, txnlog.DefaultPadWarnThreshold, logger),
		WriteBufferSize:  c.Log.WriteBufferBytes,
		Logger:           logger,
		HookManager:      hm,
	}
}

// OutlierRules converts the alerts section for the outlier detection listener.
func (c *Config) OutlierRules() []listeners.OutlierRule {
	rules := make([]listeners.OutlierRule, 0, len(c.Alerts))
	for _, a := range c.Alerts {
		rules = append(rules, listeners.OutlierRule{
			Event:      hooks.EventType(a.Event),
			Field:      a.Field,
			Thresholds: listeners.Thresholds{Min: a.Min, Max: a.Max},
		})
	}
	return rules
}

// ToProcessorOptions builds the sync processor options. The coordinator is
// left nil so the processor creates its own unless the caller sets one.
func (c *Config) ToProcessorOptions(alloc *txnlog.Allocator, sink processor.Sink, snapshotter snapshot.Snapshotter, logger *slog.Logger, hm hooks.HookManager) processor.Options {
	return processor.Options{
		Allocator:    alloc,
		Sink:         sink,
		Snapshotter:  snapshotter,
		SnapCount:    c.Snapshot.SnapCount,
		MaxBatchSize: c.Log.MaxBatchSize,
		ForceSync:    c.Log.ForceSync,
		Logger:       logger,
		HookManager:  hm,
	}
}
