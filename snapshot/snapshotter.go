package snapshot

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/INLOpen/synclog/checkpoint"
	"github.com/INLOpen/synclog/core"
)

// Snapshotter takes a snapshot of the state covered by the log up to
// lastLoggedTxnID. Its storage format is its own business.
type Snapshotter interface {
	TakeSnapshot(ctx context.Context, lastLoggedTxnID uint64) error
}

// SnapshotterFunc adapts a function to Snapshotter.
type SnapshotterFunc func(ctx context.Context, lastLoggedTxnID uint64) error

func (f SnapshotterFunc) TakeSnapshot(ctx context.Context, lastLoggedTxnID uint64) error {
	return f(ctx, lastLoggedTxnID)
}

// MarkerSnapshotter records the last logged transaction id in a snapshot
// marker. It is the default job when no state machine snapshotter is wired.
type MarkerSnapshotter struct {
	Dir string
}

// NewMarkerSnapshotter returns a MarkerSnapshotter writing into dir.
func NewMarkerSnapshotter(dir string) (*MarkerSnapshotter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory %s: %w", dir, err)
	}
	return &MarkerSnapshotter{Dir: dir}, nil
}

func (m *MarkerSnapshotter) TakeSnapshot(ctx context.Context, lastLoggedTxnID uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return checkpoint.Write(m.Dir, core.Checkpoint{
		LastLoggedTxnID: lastLoggedTxnID,
		CreatedAt:       time.Now().UnixNano(),
	})
}
