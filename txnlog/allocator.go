package txnlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/INLOpen/synclog/hooks"
	"github.com/INLOpen/synclog/sys"
	"github.com/shirou/gopsutil/v3/disk"
)

const (
	// DefaultPreallocSize is the increment by which segments grow.
	DefaultPreallocSize = 64 * 1024 * 1024
	// DefaultPadMargin is the free space kept ahead of the append position.
	DefaultPadMargin = 4096
	// DefaultPadWarnThreshold is the pad duration above which a warning is logged.
	DefaultPadWarnThreshold = time.Second
	// DefaultWriteBufferSize is the per-segment write buffer.
	DefaultWriteBufferSize = 64 * 1024
)

// Options holds configuration for the Allocator.
type Options struct {
	Dir              string
	PreallocSize     int64
	PadMargin        int64
	PadWarnThreshold time.Duration
	WriteBufferSize  int
	Logger           *slog.Logger
	HookManager      hooks.HookManager
}

// FlushStats summarizes one Flush call.
type FlushStats struct {
	Streams  int
	Bytes    int64
	Closed   int
	Duration time.Duration
}

// Allocator owns the segment currently open for append, decides when a new
// segment starts and keeps segment files padded ahead of the writer.
//
// EnsureSegment, Pad, Append and Roll must be called from a single goroutine.
// Flush and Close may be called from elsewhere; the open-stream list is
// guarded by mu.
type Allocator struct {
	opts   Options
	logger *slog.Logger
	hooks  hooks.HookManager

	current *Segment
	unlock  func() error

	// Highest segment name in the directory. New names always go above it so
	// segment order on disk stays the append order.
	lastNameID uint64
	hasSegment bool

	mu      sync.Mutex
	streams []*Segment // segments with writes not yet closed, oldest first
}

// NewAllocator prepares the log directory and returns an allocator with no
// open segment.
func NewAllocator(opts Options) (*Allocator, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.PreallocSize <= 0 {
		opts.PreallocSize = DefaultPreallocSize
	}
	if opts.PadMargin <= 0 {
		opts.PadMargin = DefaultPadMargin
	}
	if opts.PadMargin >= opts.PreallocSize {
		return nil, fmt.Errorf("pad margin %d must be smaller than preallocation size %d", opts.PadMargin, opts.PreallocSize)
	}
	if opts.PadWarnThreshold <= 0 {
		opts.PadWarnThreshold = DefaultPadWarnThreshold
	}
	if opts.WriteBufferSize <= 0 {
		opts.WriteBufferSize = DefaultWriteBufferSize
	}
	if opts.Dir == "" {
		return nil, errors.New("txn log directory must be specified")
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create txn log directory %s: %w", opts.Dir, err)
	}
	unlock, err := sys.LockDir(opts.Dir, 0)
	if err != nil {
		return nil, err
	}
	existing, err := ListSegments(opts.Dir)
	if err != nil {
		unlock()
		return nil, err
	}

	a := &Allocator{
		opts:   opts,
		logger: opts.Logger.With("component", "TxnLogAllocator"),
		hooks:  opts.HookManager,
		unlock: unlock,
	}
	if n := len(existing); n > 0 {
		a.lastNameID = existing[n-1]
		a.hasSegment = true
	}
	return a, nil
}

// EnsureSegment returns the segment open for append, creating one named
// after txnID when none is open. When txnID does not sort after every
// existing segment name, the new segment takes the next free name instead.
func (a *Allocator) EnsureSegment(txnID uint64) (*Segment, error) {
	if a.current != nil {
		return a.current, nil
	}

	nameID := txnID
	if a.hasSegment && nameID <= a.lastNameID {
		nameID = a.lastNameID + 1
		a.logger.Warn("Txn id does not sort after the newest segment, naming the segment after the next free id",
			"txn_id", txnID, "newest_segment_id", a.lastNameID, "segment_id", nameID)
	}
	seg, err := createSegment(a.opts.Dir, nameID, txnID, a.opts.WriteBufferSize)
	if err != nil {
		return nil, err
	}
	a.lastNameID = nameID
	a.hasSegment = true
	a.mu.Lock()
	a.streams = append(a.streams, seg)
	a.mu.Unlock()
	a.current = seg

	a.logger.Info("Creating new txn log segment", "path", seg.path, "first_txn_id", txnID)
	_ = hooks.Trigger(context.Background(), a.hooks, hooks.NewPostSegmentCreateEvent(hooks.SegmentPayload{
		Path:       seg.path,
		FirstTxnID: txnID,
	}))

	// The header is already buffered; reserve room for it and the margin.
	if _, err := a.Pad(seg, 0); err != nil {
		return nil, err
	}
	return seg, nil
}

// Pad makes sure seg can take a write of n bytes while keeping at least
// PadMargin bytes allocated beyond it. It grows the allocation by whole
// PreallocSize increments and extends the file once per call. The new
// allocated size is returned.
func (a *Allocator) Pad(seg *Segment, n int) (int64, error) {
	need := seg.position + int64(n)
	if need+a.opts.PadMargin < seg.allocated {
		return seg.allocated, nil
	}

	newSize := seg.allocated
	for need+a.opts.PadMargin >= newSize {
		newSize += a.opts.PreallocSize
	}

	start := time.Now()
	preallocated := true
	if err := sys.Preallocate(seg.file, newSize); err != nil {
		if !errors.Is(err, sys.ErrPreallocNotSupported) {
			return seg.allocated, fmt.Errorf("failed to preallocate segment %s to %d bytes: %w", seg.path, newSize, err)
		}
		preallocated = false
	}
	// A zero byte at the new end extends the file in one metadata update.
	if _, err := seg.file.WriteAt([]byte{0}, newSize-1); err != nil {
		return seg.allocated, fmt.Errorf("failed to pad segment %s to %d bytes: %w", seg.path, newSize, err)
	}
	elapsed := time.Since(start)
	seg.allocated = newSize

	if elapsed > a.opts.PadWarnThreshold {
		attrs := []any{"path", seg.path, "allocated_size", newSize, "duration", elapsed, "threshold", a.opts.PadWarnThreshold}
		if usage, err := disk.Usage(a.opts.Dir); err == nil {
			attrs = append(attrs, "disk_used_percent", usage.UsedPercent, "disk_free_bytes", usage.Free)
		}
		a.logger.Warn("Padding txn log segment exceeded its time budget", attrs...)
	} else {
		a.logger.Debug("Padded txn log segment", "path", seg.path, "position", seg.position, "allocated_size", newSize, "duration", elapsed)
	}

	_ = hooks.Trigger(context.Background(), a.hooks, hooks.NewPostSegmentPadEvent(hooks.PostSegmentPadPayload{
		Path:          seg.path,
		Position:      seg.position,
		AllocatedSize: newSize,
		Duration:      elapsed,
		Preallocated:  preallocated,
	}))
	return newSize, nil
}

// Append writes an encoded record for txnID, opening and padding the current
// segment as needed.
func (a *Allocator) Append(txnID uint64, record []byte) error {
	seg, err := a.EnsureSegment(txnID)
	if err != nil {
		return err
	}
	if _, err := a.Pad(seg, len(record)); err != nil {
		return err
	}
	if err := seg.write(record); err != nil {
		return fmt.Errorf("failed to append txn %#x to %s: %w", txnID, seg.path, err)
	}
	return nil
}

// Roll releases the current segment so the next append starts a new one.
// The released segment stays in the open-stream list until the next Flush.
func (a *Allocator) Roll() {
	if a.current == nil {
		return
	}
	a.logger.Info("Rolling txn log segment", "path", a.current.path, "size", a.current.position)
	a.current = nil
}

// Current returns the segment open for append, or nil.
func (a *Allocator) Current() *Segment {
	return a.current
}

// OpenStreams returns the number of segment files currently held open.
func (a *Allocator) OpenStreams() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.streams)
}

// Flush flushes every open stream, syncs each to the device when sync is set,
// then closes all but the most recently opened one. Each stream is flushed
// through its own buffer, so a batch that spans a roll is made durable in
// every segment it touched.
func (a *Allocator) Flush(sync bool) (FlushStats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	stats := FlushStats{Streams: len(a.streams)}
	for _, seg := range a.streams {
		n, err := seg.flush(sync)
		if err != nil {
			return stats, err
		}
		stats.Bytes += n
	}
	stats.Duration = time.Since(start)

	if len(a.streams) > 1 {
		old := a.streams[:len(a.streams)-1]
		for _, seg := range old {
			if err := seg.close(); err != nil {
				return stats, fmt.Errorf("failed to close flushed segment %s: %w", seg.path, err)
			}
			stats.Closed++
			_ = hooks.Trigger(context.Background(), a.hooks, hooks.NewPostSegmentCloseEvent(hooks.SegmentPayload{
				Path:       seg.path,
				FirstTxnID: seg.firstTxnID,
			}))
		}
		a.streams = append(a.streams[:0], a.streams[len(a.streams)-1])
	}
	return stats, nil
}

// Close flushes, syncs and closes every open segment and releases the
// directory lock.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for _, seg := range a.streams {
		if _, err := seg.flush(true); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := seg.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close segment %s: %w", seg.path, err)
		}
	}
	a.streams = nil
	a.current = nil
	if a.unlock != nil {
		if err := a.unlock(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to release txn log directory lock: %w", err)
		}
		a.unlock = nil
	}
	if firstErr != nil {
		a.logger.Error("Error during txn log close.", "error", firstErr)
	} else {
		a.logger.Info("Txn log closed.")
	}
	return firstErr
}
