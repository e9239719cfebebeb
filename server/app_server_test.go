package server

import (
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/synclog/checkpoint"
	"github.com/INLOpen/synclog/config"
	"github.com/INLOpen/synclog/core"
	"github.com/INLOpen/synclog/txnlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

type countingSink struct {
	mu       sync.Mutex
	ids      []uint64
	shutdown bool
}

func (s *countingSink) ProcessRequest(req *core.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, req.TxnID())
}

func (s *countingSink) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Log.Dir = t.TempDir()
	cfg.Log.PreallocSizeBytes = 64 << 10
	cfg.Snapshot.Dir = t.TempDir()
	cfg.Snapshot.SnapCount = 4
	cfg.Debug.Enabled = false
	return cfg
}

func TestAppServer_RunAndStop(t *testing.T) {
	cfg := testConfig(t)
	sink := &countingSink{}
	app, err := NewAppServer(cfg, sink, noop.NewTracerProvider().Tracer("test"), discardLogger())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- app.Start() }()

	for id := uint64(1); id <= 200; id++ {
		require.NoError(t, app.Processor().Enqueue(core.NewTxnRequest(core.TxnHeader{TxnID: id, Type: core.OpCreate}, core.RawRecord("x"))))
	}
	require.Eventually(t, func() bool { return app.Processor().LastLoggedTxnID() == 200 }, 5*time.Second, 5*time.Millisecond)

	app.Stop()
	app.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app server did not stop")
	}

	sink.mu.Lock()
	assert.Len(t, sink.ids, 200)
	assert.True(t, sink.shutdown)
	sink.mu.Unlock()

	// With a snapshot threshold of 4 the log has rolled and markers were written.
	segs, err := txnlog.ListSegments(cfg.Log.Dir)
	require.NoError(t, err)
	assert.Greater(t, len(segs), 1)
	cp, found, err := checkpoint.Read(cfg.Snapshot.Dir)
	require.NoError(t, err)
	require.True(t, found)
	assert.LessOrEqual(t, cp.LastLoggedTxnID, uint64(200))
}

func TestAppServer_InvalidLogDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.Log.PadMarginBytes = cfg.Log.PreallocSizeBytes
	_, err := NewAppServer(cfg, &countingSink{}, nil, discardLogger())
	assert.Error(t, err)
}
