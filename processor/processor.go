package processor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/synclog/core"
	"github.com/INLOpen/synclog/hooks"
	"github.com/INLOpen/synclog/snapshot"
	"github.com/INLOpen/synclog/txnlog"
	"github.com/eapache/channels"
)

const (
	// DefaultSnapCount is the number of transactions between snapshots, on average.
	DefaultSnapCount = 100000
	// DefaultMaxBatchSize is the batch size above which the worker flushes
	// without waiting for the queue to drain.
	DefaultMaxBatchSize = 1000
)

// Sink is the next stage of the pipeline. ProcessRequest is called once per
// request, in log order, after its record is durable.
type Sink interface {
	ProcessRequest(req *core.Request)
	Shutdown()
}

// Options configures a SyncProcessor.
type Options struct {
	Allocator *txnlog.Allocator
	Sink      Sink

	// Coordinator decides when to snapshot; a default one is created when nil.
	Coordinator *snapshot.Coordinator
	// Snapshotter is the job started on a snapshot trigger.
	Snapshotter snapshot.Snapshotter
	// SnapCount is the snapshot threshold; zero or less disables snapshots.
	SnapCount int64

	// MaxBatchSize forces a flush once the batch holds more requests than this.
	MaxBatchSize int
	// ForceSync issues an fsync on every flush.
	ForceSync bool

	// OnFatal is called once when the log can no longer be written. The
	// default logs the cause and exits the process with status 1.
	OnFatal func(err error)

	Logger      *slog.Logger
	HookManager hooks.HookManager
}

// SyncProcessor logs requests to the transaction log and forwards them to the
// next stage once they are durable. Requests are logged in batches: the
// worker keeps appending while more requests are immediately available and
// issues a single flush for the whole batch.
type SyncProcessor struct {
	allocator   *txnlog.Allocator
	sink        Sink
	coordinator *snapshot.Coordinator
	snapshotter snapshot.Snapshotter
	snapCount   int64
	maxBatch    int
	forceSync   bool
	onFatal     func(error)
	logger      *slog.Logger
	hooks       hooks.HookManager

	queue *channels.InfiniteChannel

	mu     sync.Mutex
	closed bool

	startOnce    sync.Once
	shutdownOnce sync.Once
	done         chan struct{}

	state           atomic.Int32
	lastLoggedTxnID atomic.Uint64
	snapCounter     atomic.Int64
	fatalErr        atomic.Pointer[core.FatalError]

	// Owned by the worker goroutine.
	batch     []*core.Request
	counter   int64
	// Snapshot triggered in the current batch, started once the batch is durable.
	snapshotPending bool
	snapshotTxnID   uint64
	lastSeen  uint64
	seenAny   bool
	recordBuf []byte
}

// New creates a SyncProcessor. The worker does not run until Start.
func New(opts Options) (*SyncProcessor, error) {
	if opts.Allocator == nil {
		return nil, errors.New("sync processor requires a txn log allocator")
	}
	if opts.Sink == nil {
		return nil, errors.New("sync processor requires a downstream sink")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.Coordinator == nil {
		opts.Coordinator = snapshot.NewCoordinator(snapshot.Options{
			Logger:      opts.Logger,
			HookManager: opts.HookManager,
		})
	}
	if opts.Snapshotter == nil {
		opts.Snapshotter = snapshot.SnapshotterFunc(func(context.Context, uint64) error { return nil })
	}

	logger := opts.Logger.With("component", "SyncProcessor")
	if opts.OnFatal == nil {
		opts.OnFatal = func(err error) {
			logger.Error("Halting: transaction log is no longer writable", "error", err)
			os.Exit(1)
		}
	}

	return &SyncProcessor{
		allocator:   opts.Allocator,
		sink:        opts.Sink,
		coordinator: opts.Coordinator,
		snapshotter: opts.Snapshotter,
		snapCount:   opts.SnapCount,
		maxBatch:    opts.MaxBatchSize,
		forceSync:   opts.ForceSync,
		onFatal:     opts.OnFatal,
		logger:      logger,
		hooks:       opts.HookManager,
		queue:       channels.NewInfiniteChannel(),
		done:        make(chan struct{}),
		batch:       make([]*core.Request, 0, opts.MaxBatchSize+1),
	}, nil
}

// Start launches the worker goroutine. Calling it more than once has no effect.
func (p *SyncProcessor) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("Starting sync processor", "snap_count", p.snapCount, "max_batch_size", p.maxBatch, "force_sync", p.forceSync)
		go p.run()
	})
}

// Enqueue hands req to the worker. It never blocks on I/O.
func (p *SyncProcessor) Enqueue(req *core.Request) error {
	if req == nil || req.IsPoison() {
		return errors.New("cannot enqueue a nil or sentinel request")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return core.ErrProcessorClosed
	}
	p.queue.In() <- req
	return nil
}

// Shutdown queues the sentinel behind all pending requests and waits for the
// worker to log and forward them and stop. It is safe to call repeatedly and
// from several goroutines.
func (p *SyncProcessor) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		if !p.closed {
			p.closed = true
			p.queue.In() <- core.PoisonRequest()
		}
		p.mu.Unlock()

		p.Start()
		<-p.done
		p.queue.Close()
		p.coordinator.Wait()
		p.logger.Info("Sync processor shut down", "last_logged_txn_id", p.LastLoggedTxnID())
	})
}

// State returns the worker's current state.
func (p *SyncProcessor) State() State {
	return State(p.state.Load())
}

// LastLoggedTxnID returns the id of the most recently appended transaction.
func (p *SyncProcessor) LastLoggedTxnID() uint64 {
	return p.lastLoggedTxnID.Load()
}

// SnapCounter returns the number of transactions logged since the last snapshot.
func (p *SyncProcessor) SnapCounter() int64 {
	return p.snapCounter.Load()
}

// QueueLen returns the number of requests waiting for the worker.
func (p *SyncProcessor) QueueLen() int {
	return p.queue.Len()
}

// Err returns the fatal error that stopped the worker, if any.
func (p *SyncProcessor) Err() error {
	if ferr := p.fatalErr.Load(); ferr != nil {
		return ferr
	}
	return nil
}

// Done is closed when the worker has exited.
func (p *SyncProcessor) Done() <-chan struct{} {
	return p.done
}

func (p *SyncProcessor) setState(s State) {
	p.state.Store(int32(s))
}

func (p *SyncProcessor) run() {
	defer close(p.done)
	out := p.queue.Out()

	for {
		var (
			item interface{}
			ok   bool
		)
		if len(p.batch) == 0 {
			p.setState(StateWaitForWork)
			item, ok = <-out
		} else {
			p.setState(StateDrainAvailable)
			select {
			case item, ok = <-out:
			default:
				// Nothing more is immediately available: close the batch.
				if err := p.flush(); err != nil {
					p.fail(err)
					return
				}
				continue
			}
		}

		var req *core.Request
		if ok {
			req, _ = item.(*core.Request)
		}
		if req == nil || req.IsPoison() {
			p.stop()
			return
		}

		if err := p.process(req); err != nil {
			p.fail(err)
			return
		}
		if len(p.batch) > p.maxBatch {
			if err := p.flush(); err != nil {
				p.fail(err)
				return
			}
		}
	}
}

// process logs req if it carries a transaction and adds it to the batch.
func (p *SyncProcessor) process(req *core.Request) error {
	if req.Header == nil {
		if len(p.batch) == 0 {
			// Nothing is waiting on a flush, so it cannot overtake a write.
			p.sink.ProcessRequest(req)
			return nil
		}
		p.batch = append(p.batch, req)
		return nil
	}

	txnID := req.Header.TxnID
	if p.seenAny && txnID <= p.lastSeen {
		p.logger.Warn("Out of order transaction id", "txn_id", txnID, "last_seen_txn_id", p.lastSeen, "type", req.Header.Type)
	}
	p.lastSeen = txnID
	p.seenAny = true

	rec, err := txnlog.AppendTxn(p.recordBuf[:0], req.Header, req.Txn)
	if err != nil {
		return &core.FatalError{Op: "encode", Err: err}
	}
	p.recordBuf = rec
	if err := p.allocator.Append(txnID, p.recordBuf); err != nil {
		return &core.FatalError{Op: "append", Err: err}
	}
	p.lastLoggedTxnID.Store(txnID)
	p.batch = append(p.batch, req)

	p.counter++
	p.snapCounter.Store(p.counter)
	p.maybeSnapshot()
	return nil
}

func (p *SyncProcessor) maybeSnapshot() {
	if p.snapCount <= 0 || !p.coordinator.ShouldSnapshot(p.counter, p.snapCount) {
		return
	}
	p.counter = 0
	p.snapCounter.Store(0)
	// The snapshot may still reference the current segment; new writes go to a fresh one.
	p.allocator.Roll()
	p.snapshotPending = true
	p.snapshotTxnID = p.lastLoggedTxnID.Load()
}

// startPendingSnapshot hands a triggered snapshot to the coordinator. It runs
// after a flush so the snapshot never names a txn that is not yet durable.
func (p *SyncProcessor) startPendingSnapshot() {
	if !p.snapshotPending {
		return
	}
	p.snapshotPending = false
	if _, started := p.coordinator.StartAsync(context.Background(), p.snapshotTxnID, p.snapshotter); !started {
		p.logger.Warn("Snapshot trigger ignored, a snapshot is already running", "last_logged_txn_id", p.snapshotTxnID)
	}
}

// flush makes the batch durable and forwards it.
func (p *SyncProcessor) flush() error {
	if len(p.batch) == 0 {
		return nil
	}
	p.setState(StateFlushing)
	stats, err := p.allocator.Flush(p.forceSync)
	if err != nil {
		return &core.FatalError{Op: "flush", Err: err}
	}
	p.startPendingSnapshot()

	p.setState(StateForwarding)
	n := len(p.batch)
	for i, req := range p.batch {
		p.sink.ProcessRequest(req)
		p.batch[i] = nil
	}
	p.batch = p.batch[:0]

	_ = hooks.Trigger(context.Background(), p.hooks, hooks.NewPostBatchFlushEvent(hooks.PostBatchFlushPayload{
		Requests:     n,
		Streams:      stats.Streams,
		Bytes:        stats.Bytes,
		Synced:       p.forceSync,
		SyncDuration: stats.Duration,
	}))
	return nil
}

// stop drains the final batch, closes the log and shuts the sink down.
func (p *SyncProcessor) stop() {
	p.logger.Info("Sync processor received shutdown sentinel", "pending", len(p.batch))
	if err := p.flush(); err != nil {
		p.fail(err)
		return
	}
	if err := p.allocator.Close(); err != nil {
		p.fail(&core.FatalError{Op: "close", Err: err})
		return
	}
	p.setState(StateStopped)
	p.sink.Shutdown()
	_ = hooks.Trigger(context.Background(), p.hooks, hooks.NewPostShutdownEvent(hooks.PostShutdownPayload{
		LastLoggedTxnID: p.LastLoggedTxnID(),
	}))
}

// fail stops the worker after an unrecoverable I/O error. The pending batch
// is never forwarded.
func (p *SyncProcessor) fail(err error) {
	var ferr *core.FatalError
	if !errors.As(err, &ferr) {
		ferr = &core.FatalError{Op: "io", Err: err}
	}
	p.fatalErr.Store(ferr)

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.setState(StateStopped)
	p.logger.Error("Fatal transaction log error", "op", ferr.Op, "error", ferr.Err, "unforwarded", len(p.batch))
	_ = hooks.Trigger(context.Background(), p.hooks, hooks.NewPostShutdownEvent(hooks.PostShutdownPayload{
		LastLoggedTxnID: p.LastLoggedTxnID(),
		Err:             ferr,
	}))
	p.onFatal(ferr)
}
