package txnlog

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/INLOpen/synclog/core"
	"github.com/INLOpen/synclog/hooks"
	"github.com/INLOpen/synclog/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventRecorder collects hook events synchronously.
type eventRecorder struct {
	mu     sync.Mutex
	events []hooks.HookEvent
}

func (r *eventRecorder) OnEvent(_ context.Context, event hooks.HookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) Priority() int { return 0 }
func (r *eventRecorder) IsAsync() bool { return false }

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *eventRecorder) payloads() []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]interface{}, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Payload())
	}
	return out
}

func newTestAllocator(t *testing.T, prealloc, margin int64) (*Allocator, hooks.HookManager) {
	t.Helper()
	hm := hooks.NewHookManager(nil)
	a, err := NewAllocator(Options{
		Dir:          t.TempDir(),
		PreallocSize: prealloc,
		PadMargin:    margin,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		HookManager:  hm,
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, hm
}

// record100 encodes a record of exactly 100 bytes.
func record100(t *testing.T, id uint64) []byte {
	t.Helper()
	rec, err := Encode(testHeader(id), core.RawRecord(make([]byte, 100-recordOverhead)))
	require.NoError(t, err)
	require.Len(t, rec, 100)
	return rec
}

func TestNewAllocator_Validation(t *testing.T) {
	_, err := NewAllocator(Options{})
	assert.Error(t, err, "directory is required")

	_, err = NewAllocator(Options{Dir: t.TempDir(), PreallocSize: 1024, PadMargin: 1024})
	assert.Error(t, err, "margin must be below the increment")

	dir := filepath.Join(t.TempDir(), "nested", "log")
	a, err := NewAllocator(Options{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultPreallocSize), a.opts.PreallocSize)
	assert.Equal(t, int64(DefaultPadMargin), a.opts.PadMargin)
	assert.DirExists(t, dir)

	_, err = NewAllocator(Options{Dir: dir})
	assert.ErrorIs(t, err, sys.ErrDirLocked, "one writer per directory")

	require.NoError(t, a.Close())
	b, err := NewAllocator(Options{Dir: dir})
	require.NoError(t, err, "the directory is free once closed")
	require.NoError(t, b.Close())
}

func TestAllocator_EnsureSegment(t *testing.T) {
	a, hm := newTestAllocator(t, 4096, 256)
	created := &eventRecorder{}
	hm.Register(hooks.EventPostSegmentCreate, created)

	assert.Nil(t, a.Current())
	seg, err := a.EnsureSegment(0x42)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(a.opts.Dir, "log.0000000000000042"), seg.Path())
	assert.Equal(t, int64(4096), seg.AllocatedSize())

	again, err := a.EnsureSegment(0x43)
	require.NoError(t, err)
	assert.Same(t, seg, again, "an open segment is reused")
	assert.Equal(t, 1, created.count())
	assert.Equal(t, 1, a.OpenStreams())
}

func TestAllocator_PadKeepsMargin(t *testing.T) {
	a, _ := newTestAllocator(t, 4096, 256)
	for i := uint64(1); i <= 200; i++ {
		rec := record100(t, i)
		require.NoError(t, a.Append(i, rec))
		seg := a.Current()
		assert.GreaterOrEqual(t, seg.AllocatedSize()-seg.Position(), int64(256), "after txn %d", i)
		assert.Zero(t, seg.AllocatedSize()%4096, "allocation grows in whole increments")
	}
}

func TestAllocator_PadCrossingThreshold(t *testing.T) {
	a, hm := newTestAllocator(t, 4096, 256)
	pads := &eventRecorder{}
	hm.Register(hooks.EventPostSegmentPad, pads)

	_, err := a.EnsureSegment(1)
	require.NoError(t, err)
	require.Equal(t, 1, pads.count(), "segment creation reserves the first increment")

	// Records end at 21+100k; the 39th is the first to reach 3840.
	for i := uint64(1); i <= 38; i++ {
		require.NoError(t, a.Append(i, record100(t, i)))
	}
	assert.Equal(t, 1, pads.count())

	require.NoError(t, a.Append(39, record100(t, 39)))
	assert.Equal(t, 2, pads.count(), "crossing the margin triggers exactly one pad")
	assert.Equal(t, int64(8192), a.Current().AllocatedSize())

	last := pads.payloads()[1].(hooks.PostSegmentPadPayload)
	assert.Equal(t, int64(8192), last.AllocatedSize)

	require.NoError(t, a.Append(40, record100(t, 40)))
	assert.Equal(t, 2, pads.count())

	_, err = a.Flush(true)
	require.NoError(t, err)
	info, err := os.Stat(a.Current().Path())
	require.NoError(t, err)
	assert.Equal(t, int64(8192), info.Size(), "file size reflects the allocation")
}

func TestAllocator_PadLargeWrite(t *testing.T) {
	a, _ := newTestAllocator(t, 4096, 256)
	seg, err := a.EnsureSegment(1)
	require.NoError(t, err)

	size, err := a.Pad(seg, 10000)
	require.NoError(t, err)
	assert.Equal(t, int64(12288), size, "grows by as many increments as needed")
	assert.GreaterOrEqual(t, size-(seg.Position()+10000), int64(256))
}

func TestAllocator_FlushClosesOlderStreams(t *testing.T) {
	a, hm := newTestAllocator(t, 4096, 256)
	closed := &eventRecorder{}
	hm.Register(hooks.EventPostSegmentClose, closed)

	require.NoError(t, a.Append(1, record100(t, 1)))
	first := a.Current()
	a.Roll()
	assert.Nil(t, a.Current())
	require.NoError(t, a.Append(2, record100(t, 2)))
	second := a.Current()
	require.NotSame(t, first, second)
	assert.Equal(t, 2, a.OpenStreams(), "a rolled segment stays open until flushed")

	stats, err := a.Flush(true)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Streams)
	assert.Equal(t, 1, stats.Closed)
	assert.Equal(t, first.Position()+second.Position(), stats.Bytes)
	assert.Equal(t, 1, a.OpenStreams())
	require.Equal(t, 1, closed.count())
	assert.Equal(t, first.Path(), closed.payloads()[0].(hooks.SegmentPayload).Path)

	// Both segments hold their record durably.
	for _, seg := range []*Segment{first, second} {
		entries, err := ReadSegment(seg.Path())
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, seg.FirstTxnID(), entries[0].Header.TxnID)
	}

	ids, err := ListSegments(a.opts.Dir)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, ids)
}

func TestAllocator_RollWithoutSegment(t *testing.T) {
	a, _ := newTestAllocator(t, 4096, 256)
	a.Roll()
	stats, err := a.Flush(false)
	require.NoError(t, err)
	assert.Zero(t, stats.Streams)
}

func TestAllocator_Close(t *testing.T) {
	a, _ := newTestAllocator(t, 4096, 256)
	require.NoError(t, a.Append(7, record100(t, 7)))
	path := a.Current().Path()

	require.NoError(t, a.Close())
	assert.Nil(t, a.Current())
	assert.Zero(t, a.OpenStreams())

	entries, err := ReadSegment(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	id, ok, err := LastTxnID(a.opts.Dir)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(7), id)
}

func TestLastTxnID_Empty(t *testing.T) {
	_, ok, err := LastTxnID(t.TempDir())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllocator_RollToReusedTxnID(t *testing.T) {
	var logs bytes.Buffer
	a, err := NewAllocator(Options{
		Dir:          t.TempDir(),
		PreallocSize: 4096,
		PadMargin:    256,
		Logger:       slog.New(slog.NewTextHandler(&logs, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	require.NoError(t, a.Append(1, record100(t, 1)))
	require.NoError(t, a.Append(2, record100(t, 2)))
	a.Roll()
	require.NoError(t, a.Append(1, record100(t, 1)), "a repeated id after a roll must not fail")

	seg := a.Current()
	assert.Equal(t, filepath.Join(a.opts.Dir, FormatSegmentFileName(2)), seg.Path())
	assert.Equal(t, uint64(1), seg.FirstTxnID())
	assert.Contains(t, logs.String(), "naming the segment after the next free id")

	_, err = a.Flush(true)
	require.NoError(t, err)
	ids, err := ListSegments(a.opts.Dir)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, ids)

	var got []uint64
	for _, id := range ids {
		entries, err := ReadSegment(filepath.Join(a.opts.Dir, FormatSegmentFileName(id)))
		require.NoError(t, err)
		for _, e := range entries {
			got = append(got, e.Header.TxnID)
		}
	}
	assert.Equal(t, []uint64{1, 2, 1}, got, "segment name order is append order")
}

func TestAllocator_NamesAfterExistingSegments(t *testing.T) {
	dir := t.TempDir()
	a, err := NewAllocator(Options{Dir: dir, PreallocSize: 4096, PadMargin: 256})
	require.NoError(t, err)
	require.NoError(t, a.Append(10, record100(t, 10)))
	require.NoError(t, a.Close())

	b, err := NewAllocator(Options{Dir: dir, PreallocSize: 4096, PadMargin: 256})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	require.NoError(t, b.Append(5, record100(t, 5)))
	assert.Equal(t, filepath.Join(dir, FormatSegmentFileName(11)), b.Current().Path())
}

func TestAllocator_PadRecordsPreallocOutcome(t *testing.T) {
	a, hm := newTestAllocator(t, 4096, 256)
	pads := &eventRecorder{}
	hm.Register(hooks.EventPostSegmentPad, pads)

	before := sys.ReadPreallocStats()
	for i := uint64(1); i <= 100; i++ {
		require.NoError(t, a.Append(i, record100(t, i)))
	}
	after := sys.ReadPreallocStats()

	require.Greater(t, pads.count(), 1)
	assert.Equal(t, uint64(pads.count()), after.Attempts()-before.Attempts(), "every pad asks the filesystem once")
	assert.Zero(t, after.Failures-before.Failures)

	var fallbacks int
	for _, p := range pads.payloads() {
		if !p.(hooks.PostSegmentPadPayload).Preallocated {
			fallbacks++
		}
	}
	assert.Equal(t, after.Unsupported-before.Unsupported, uint64(fallbacks))
}
