package checkpoint

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/INLOpen/synclog/core"
	"github.com/INLOpen/synclog/sys"
)

const (
	// FileName is the snapshot marker inside the snapshot directory.
	FileName = "SNAPSHOT_MARKER"
	// TempFileName is written first and renamed over FileName.
	TempFileName = FileName + ".tmp"
)

// Write atomically replaces the snapshot marker in dir with cp using a
// write-sync-close-rename sequence, so a reader sees either the old marker or
// the new one.
func Write(dir string, cp core.Checkpoint) error {
	tempPath := filepath.Join(dir, TempFileName)
	file, err := sys.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot marker: %w", err)
	}

	if err := binary.Write(file, binary.BigEndian, core.SnapshotMarkerMagicNumber); err != nil {
		file.Close()
		return fmt.Errorf("failed to write snapshot marker magic number: %w", err)
	}
	if err := binary.Write(file, binary.BigEndian, cp); err != nil {
		file.Close()
		return fmt.Errorf("failed to write snapshot marker: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync temp snapshot marker: %w", err)
	}
	// Close before rename; some platforms refuse to rename an open file.
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temp snapshot marker before rename: %w", err)
	}

	finalPath := filepath.Join(dir, FileName)
	if err := sys.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("failed to rename temp snapshot marker to final name: %w", err)
	}
	return nil
}

// Read returns the snapshot marker in dir and whether it exists. A missing
// marker is not an error.
func Read(dir string) (core.Checkpoint, bool, error) {
	path := filepath.Join(dir, FileName)
	file, err := sys.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return core.Checkpoint{}, false, nil
		}
		return core.Checkpoint{}, false, fmt.Errorf("failed to open snapshot marker: %w", err)
	}
	defer file.Close()

	var magic uint32
	if err := binary.Read(file, binary.BigEndian, &magic); err != nil {
		return core.Checkpoint{}, true, fmt.Errorf("failed to read snapshot marker magic number: %w", err)
	}
	if magic != core.SnapshotMarkerMagicNumber {
		return core.Checkpoint{}, true, fmt.Errorf("invalid snapshot marker magic number: got %x, want %x", magic, core.SnapshotMarkerMagicNumber)
	}

	var cp core.Checkpoint
	if err := binary.Read(file, binary.BigEndian, &cp); err != nil {
		return core.Checkpoint{}, true, fmt.Errorf("failed to read snapshot marker: %w", err)
	}
	return cp, true, nil
}
