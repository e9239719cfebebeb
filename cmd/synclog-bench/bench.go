package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/synclog/core"
	"golang.org/x/sync/errgroup"
)

// enqueuer is the part of the sync processor the producers use.
type enqueuer interface {
	Enqueue(req *core.Request) error
}

// sequencer hands out transaction ids and enqueues under one lock so the
// log sees ids in increasing order no matter how many producers run.
type sequencer struct {
	mu     sync.Mutex
	nextID uint64
	target enqueuer
}

func (s *sequencer) submit(clientID int64, cxid int32, payload []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	req := core.NewTxnRequest(core.TxnHeader{
		ClientID: clientID,
		CxID:     cxid,
		TxnID:    id,
		Time:     time.Now().UnixMilli(),
		Type:     core.OpSetData,
	}, core.RawRecord(payload))
	if err := s.target.Enqueue(req); err != nil {
		return 0, err
	}
	s.nextID++
	return id, nil
}

// benchSink counts forwarded requests and tracks end-to-end latency.
type benchSink struct {
	forwarded atomic.Int64
	latencyNs atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

func newBenchSink() *benchSink {
	return &benchSink{done: make(chan struct{})}
}

func (s *benchSink) ProcessRequest(req *core.Request) {
	s.forwarded.Add(1)
	if req.Header != nil {
		s.latencyNs.Add(time.Since(time.UnixMilli(req.Header.Time)).Nanoseconds())
	}
}

func (s *benchSink) Shutdown() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *benchSink) avgLatency() time.Duration {
	n := s.forwarded.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(s.latencyNs.Load() / n)
}

type benchParams struct {
	producers   int
	perProducer int
	payload     int
}

// runProducers submits perProducer requests from each of producers goroutines.
func runProducers(ctx context.Context, seq *sequencer, p benchParams) error {
	g, ctx := errgroup.WithContext(ctx)
	payload := make([]byte, p.payload)
	for i := 0; i < p.producers; i++ {
		clientID := int64(i + 1)
		g.Go(func() error {
			for n := 0; n < p.perProducer; n++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if _, err := seq.submit(clientID, int32(n), payload); err != nil {
					return fmt.Errorf("producer %d: %w", clientID, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// reportProgress logs throughput until ctx is done.
func reportProgress(ctx context.Context, interval time.Duration, sink *benchSink, queueLen func() int, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := sink.forwarded.Load()
			logger.Info("Progress",
				"forwarded", cur,
				"rate_per_sec", float64(cur-last)/interval.Seconds(),
				"queue_len", queueLen(),
				"avg_latency", sink.avgLatency(),
			)
			last = cur
		}
	}
}
