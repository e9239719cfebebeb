package listeners

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/synclog/hooks"
	"github.com/caio/go-tdigest/v4"
)

var (
	syncMetricsOnce sync.Once

	batchFlushes      *expvar.Int
	batchRequests     *expvar.Int
	bytesFlushed      *expvar.Int
	segmentsCreated   *expvar.Int
	segmentsClosed    *expvar.Int
	segmentPads       *expvar.Int
	padFallbacks      *expvar.Int
	snapshotsTotal    *expvar.Int
	snapshotsFailed   *expvar.Int
	syncLatencyDigest *latencyDigest
)

// latencyDigest guards a t-digest of flush latencies in microseconds.
type latencyDigest struct {
	mu sync.Mutex
	td *tdigest.TDigest
}

func newLatencyDigest() (*latencyDigest, error) {
	td, err := tdigest.New()
	if err != nil {
		return nil, fmt.Errorf("tdigest.New failed: %w", err)
	}
	return &latencyDigest{td: td}, nil
}

func (d *latencyDigest) add(micros float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.td.AddWeighted(micros, 1)
}

// quantiles returns p50/p90/p99 and the sample count.
func (d *latencyDigest) quantiles() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.td.Count() == 0 {
		return map[string]interface{}{"count": uint64(0)}
	}
	return map[string]interface{}{
		"count": d.td.Count(),
		"p50":   d.td.Quantile(0.5),
		"p90":   d.td.Quantile(0.9),
		"p99":   d.td.Quantile(0.99),
	}
}

func (d *latencyDigest) reset() error {
	td, err := tdigest.New()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.td = td
	d.mu.Unlock()
	return nil
}

func initSyncMetrics() {
	syncMetricsOnce.Do(func() {
		batchFlushes = expvar.NewInt("synclog_batch_flushes_total")
		batchRequests = expvar.NewInt("synclog_batch_requests_total")
		bytesFlushed = expvar.NewInt("synclog_bytes_flushed_total")
		segmentsCreated = expvar.NewInt("synclog_segments_created_total")
		segmentsClosed = expvar.NewInt("synclog_segments_closed_total")
		segmentPads = expvar.NewInt("synclog_segment_pads_total")
		padFallbacks = expvar.NewInt("synclog_segment_pad_fallbacks_total")
		snapshotsTotal = expvar.NewInt("synclog_snapshots_total")
		snapshotsFailed = expvar.NewInt("synclog_snapshots_failed_total")

		var err error
		syncLatencyDigest, err = newLatencyDigest()
		if err != nil {
			panic(err)
		}
		expvar.Publish("synclog_flush_latency_us", expvar.Func(func() interface{} {
			return syncLatencyDigest.quantiles()
		}))
		expvar.Publish("synclog_avg_batch_size", expvar.Func(func() interface{} {
			flushes := batchFlushes.Value()
			if flushes == 0 {
				return 0.0
			}
			return float64(batchRequests.Value()) / float64(flushes)
		}))
	})
}

// SyncStatsListener publishes sync processor activity as expvar metrics.
type SyncStatsListener struct {
	logger *slog.Logger
}

// NewSyncStatsListener creates the listener, registering its expvars on first use.
func NewSyncStatsListener(logger *slog.Logger) *SyncStatsListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initSyncMetrics()
	return &SyncStatsListener{
		logger: logger.With("component", "SyncStatsListener"),
	}
}

// Register subscribes l to every event it understands.
func (l *SyncStatsListener) Register(hm hooks.HookManager) {
	for _, et := range []hooks.EventType{
		hooks.EventPostBatchFlush,
		hooks.EventPostSegmentCreate,
		hooks.EventPostSegmentClose,
		hooks.EventPostSegmentPad,
		hooks.EventPostSnapshot,
	} {
		hm.Register(et, l)
	}
}

func (l *SyncStatsListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	switch event.Type() {
	case hooks.EventPostBatchFlush:
		p, ok := event.Payload().(hooks.PostBatchFlushPayload)
		if !ok {
			return nil
		}
		batchFlushes.Add(1)
		batchRequests.Add(int64(p.Requests))
		bytesFlushed.Add(p.Bytes)
		if err := syncLatencyDigest.add(float64(p.SyncDuration.Microseconds())); err != nil {
			l.logger.Warn("Failed to record flush latency", "error", err)
		}
	case hooks.EventPostSegmentCreate:
		segmentsCreated.Add(1)
	case hooks.EventPostSegmentClose:
		segmentsClosed.Add(1)
	case hooks.EventPostSegmentPad:
		p, ok := event.Payload().(hooks.PostSegmentPadPayload)
		if !ok {
			return nil
		}
		segmentPads.Add(1)
		if !p.Preallocated {
			padFallbacks.Add(1)
		}
	case hooks.EventPostSnapshot:
		p, ok := event.Payload().(hooks.PostSnapshotPayload)
		if !ok {
			return nil
		}
		snapshotsTotal.Add(1)
		if p.Err != nil {
			snapshotsFailed.Add(1)
		}
	}
	return nil
}

// Priority defines the execution order. Lower numbers run first.
func (l *SyncStatsListener) Priority() int {
	return 100
}

// IsAsync is false: the counters are cheap enough to update inline.
func (l *SyncStatsListener) IsAsync() bool {
	return false
}
