package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/INLOpen/synclog/core"
	"github.com/INLOpen/synclog/hooks"
	"github.com/INLOpen/synclog/hooks/listeners"
	"github.com/INLOpen/synclog/processor"
	"github.com/INLOpen/synclog/txnlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopSink struct{}

func (nopSink) ProcessRequest(*core.Request) {}
func (nopSink) Shutdown()                    {}

func TestLoad_ValidConfig(t *testing.T) {
	yamlContent := `
log:
  dir: "/tmp/test_txnlog"
  prealloc_size_bytes: 8388608 # 8 MiB
  force_sync: false
snapshot:
  snap_count: 5000
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Check overridden values
	assert.Equal(t, "/tmp/test_txnlog", cfg.Log.Dir)
	assert.Equal(t, int64(8388608), cfg.Log.PreallocSizeBytes)
	assert.False(t, cfg.Log.ForceSync)
	assert.Equal(t, int64(5000), cfg.Snapshot.SnapCount)

	// Check a default value that was not overridden
	assert.Equal(t, 1000, cfg.Log.MaxBatchSize)
}

func TestLoad_PartialConfig(t *testing.T) {
	yamlContent := `
bench:
  producers: 16
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Bench.Producers)
	assert.Equal(t, "./data/txnlog", cfg.Log.Dir)
	assert.Equal(t, int64(64*1024*1024), cfg.Log.PreallocSizeBytes)
	assert.True(t, cfg.Log.ForceSync)
	assert.Equal(t, int64(100000), cfg.Snapshot.SnapCount)
}

func TestLoad_EmptyReader(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_InvalidYAML(t *testing.T) {
	yamlContent := `
log:
  dir: "/tmp/test"
  this: is: invalid: yaml
`
	_, err := Load(strings.NewReader(yamlContent))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal config yaml")
}

func TestLoad_InvalidValues(t *testing.T) {
	testCases := map[string]string{
		"EmptyDir":       "log:\n  dir: \"\"\n",
		"ZeroPrealloc":   "log:\n  prealloc_size_bytes: 0\n",
		"MarginTooLarge": "log:\n  prealloc_size_bytes: 4096\n  pad_margin_bytes: 4096\n",
		"NegativeSnap":   "snapshot:\n  snap_count: -1\n",
		"UnknownAlert":   "alerts:\n  - event: PreSnapshot\n    field: duration_ms\n",
		"AlertNoField":   "alerts:\n  - event: PostBatchFlush\n",
	}
	for name, content := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(strings.NewReader(content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}

func TestLoadConfig_FileIntegration(t *testing.T) {
	t.Run("FileExists", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte("log:\n  max_batch_size: 64\n"), 0644))

		cfg, err := LoadConfig(configPath)
		require.NoError(t, err)
		assert.Equal(t, 64, cfg.Log.MaxBatchSize)
	})

	t.Run("FileDoesNotExist", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "non_existent_config.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 1000, cfg.Log.MaxBatchSize)
	})
}

func TestParseDuration(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	defaultDuration := 10 * time.Second

	testCases := []struct {
		name     string
		input    string
		expected time.Duration
	}{
		{"ValidSeconds", "5s", 5 * time.Second},
		{"ValidMilliseconds", "500ms", 500 * time.Millisecond},
		{"EmptyString", "", defaultDuration},
		{"ZeroString", "0", defaultDuration},
		{"InvalidString", "5x", defaultDuration},
		{"JustNumber", "10", defaultDuration},
		{"NilLogger", "5x", defaultDuration}, // Should not panic with nil logger
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var testLogger *slog.Logger
			if tc.name != "NilLogger" {
				testLogger = logger
			}
			assert.Equal(t, tc.expected, ParseDuration(tc.input, defaultDuration, testLogger))
		})
	}
}

func TestConfig_ToOptions(t *testing.T) {
	cfg := Default()
	cfg.Log.Dir = t.TempDir()
	cfg.Log.PadWarnThreshold = "250ms"
	cfg.Log.MaxBatchSize = 10
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	aopts := cfg.AllocatorOptions(logger, nil)
	assert.Equal(t, cfg.Log.Dir, aopts.Dir)
	assert.Equal(t, 250*time.Millisecond, aopts.PadWarnThreshold)

	alloc, err := txnlog.NewAllocator(aopts)
	require.NoError(t, err)
	popts := cfg.ToProcessorOptions(alloc, nopSink{}, nil, logger, nil)
	assert.Equal(t, int64(100000), popts.SnapCount)
	assert.True(t, popts.ForceSync)

	p, err := processor.New(popts)
	require.NoError(t, err)
	p.Shutdown()
	assert.Equal(t, processor.StateStopped, p.State())
}

func TestLoad_Alerts(t *testing.T) {
	yamlContent := `
alerts:
  - event: PostBatchFlush
    field: bytes
    max: 1048576
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)
	require.Len(t, cfg.Alerts, 1, "alerts from the file replace the defaults")

	rules := cfg.OutlierRules()
	require.Len(t, rules, 1)
	assert.Equal(t, hooks.EventPostBatchFlush, rules[0].Event)
	assert.Equal(t, listeners.FieldBytes, rules[0].Field)
	assert.Equal(t, float64(1048576), rules[0].Thresholds.Max)

	assert.Len(t, Default().OutlierRules(), 2)
}
