package snapshot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/synclog/hooks"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultResultBuffer = 16

// RandSource draws uniformly from [0, n).
type RandSource interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.Intn(n) }

// Options configures a Coordinator.
type Options struct {
	Rand         RandSource
	Tracer       trace.Tracer
	Logger       *slog.Logger
	HookManager  hooks.HookManager
	ResultBuffer int
}

// Result is the outcome of one snapshot task.
type Result struct {
	ID              uint64
	LastLoggedTxnID uint64
	Duration        time.Duration
	Err             error
}

// Task is the handle of a running snapshot.
type Task struct {
	ID     uint64
	done   chan struct{}
	result Result
}

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes and returns its result.
func (t *Task) Wait() Result {
	<-t.done
	return t.result
}

// Coordinator decides when a snapshot should start and makes sure at most
// one runs at a time. Snapshot failures are logged and reported on Results;
// they never reach the caller of StartAsync.
type Coordinator struct {
	rand    RandSource
	tracer  trace.Tracer
	logger  *slog.Logger
	hooks   hooks.HookManager
	results chan Result

	running atomic.Bool
	nextID  atomic.Uint64
	wg      sync.WaitGroup
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(opts Options) *Coordinator {
	if opts.Rand == nil {
		opts.Rand = globalRand{}
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("synclog/snapshot")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.ResultBuffer <= 0 {
		opts.ResultBuffer = defaultResultBuffer
	}
	return &Coordinator{
		rand:    opts.Rand,
		tracer:  opts.Tracer,
		logger:  opts.Logger.With("component", "SnapshotCoordinator"),
		hooks:   opts.HookManager,
		results: make(chan Result, opts.ResultBuffer),
	}
}

// ShouldSnapshot reports whether a snapshot should start after counter
// transactions. It fires once counter exceeds half the threshold, with
// probability 1/(threshold/2) per call, and never while a snapshot runs.
func (c *Coordinator) ShouldSnapshot(counter, threshold int64) bool {
	half := threshold / 2
	if half < 1 {
		half = 1
	}
	if counter <= half {
		return false
	}
	if c.rand.IntN(int(half)) != 0 {
		return false
	}
	return !c.IsRunning()
}

// IsRunning reports whether a snapshot task is in progress.
func (c *Coordinator) IsRunning() bool {
	return c.running.Load()
}

// Results delivers the result of each finished task. Results are dropped
// when nobody reads them and the buffer is full.
func (c *Coordinator) Results() <-chan Result {
	return c.results
}

// StartAsync runs job in its own goroutine. It returns false without starting
// anything when a snapshot is already running.
func (c *Coordinator) StartAsync(ctx context.Context, lastLoggedTxnID uint64, job Snapshotter) (*Task, bool) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, false
	}
	task := &Task{
		ID:   c.nextID.Add(1),
		done: make(chan struct{}),
	}
	c.logger.Info("Starting snapshot", "task_id", task.ID, "last_logged_txn_id", lastLoggedTxnID)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx, task, lastLoggedTxnID, job)
	}()
	return task, true
}

// Wait blocks until no snapshot task is running.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) run(ctx context.Context, task *Task, lastLoggedTxnID uint64, job Snapshotter) {
	ctx, span := c.tracer.Start(ctx, "SnapshotCoordinator.Snapshot")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("snapshot.task_id", int64(task.ID)),
		attribute.Int64("snapshot.last_logged_txn_id", int64(lastLoggedTxnID)),
	)

	start := time.Now()
	err := c.execute(ctx, task.ID, lastLoggedTxnID, job)
	task.result = Result{
		ID:              task.ID,
		LastLoggedTxnID: lastLoggedTxnID,
		Duration:        time.Since(start),
		Err:             err,
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("Snapshot failed", "task_id", task.ID, "duration", task.result.Duration, "error", err)
	} else {
		c.logger.Info("Snapshot finished", "task_id", task.ID, "duration", task.result.Duration)
	}
	_ = hooks.Trigger(context.WithoutCancel(ctx), c.hooks, hooks.NewPostSnapshotEvent(hooks.PostSnapshotPayload{
		TaskID:   task.ID,
		Duration: task.result.Duration,
		Err:      err,
	}))

	c.running.Store(false)
	close(task.done)

	select {
	case c.results <- task.result:
	default:
		c.logger.Debug("Snapshot result dropped, nobody is reading results", "task_id", task.ID)
	}
}

// execute runs the pre-snapshot hooks and the job, turning a panic into an error.
func (c *Coordinator) execute(ctx context.Context, id, lastLoggedTxnID uint64, job Snapshotter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("snapshot task %d panicked: %v", id, r)
			c.logger.Error("Snapshot task panicked", "task_id", id, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	if err := hooks.Trigger(ctx, c.hooks, hooks.NewPreSnapshotEvent(hooks.PreSnapshotPayload{
		TaskID:          id,
		LastLoggedTxnID: lastLoggedTxnID,
	})); err != nil {
		return fmt.Errorf("snapshot cancelled by pre-hook: %w", err)
	}
	return job.TakeSnapshot(ctx, lastLoggedTxnID)
}
