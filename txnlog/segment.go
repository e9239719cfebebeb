package txnlog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/INLOpen/synclog/core"
	"github.com/INLOpen/synclog/sys"
)

const segmentFilePrefix = "log."

// Segment is one physical log file. Only the sync processor goroutine appends
// to it; the allocator's mutex guards its presence in the open-stream list.
type Segment struct {
	file       sys.FileHandle
	path       string
	firstTxnID uint64
	writer     *bufio.Writer

	position  int64 // bytes appended, buffered ones included
	allocated int64 // bytes reserved on disk
	flushed   int64 // position as of the last Flush
}

// positionalWriter writes at an explicit offset so padding writes past the end
// of the file never move the append position.
type positionalWriter struct {
	file sys.FileHandle
	off  int64
}

func (w *positionalWriter) Write(p []byte) (int, error) {
	n, err := w.file.WriteAt(p, w.off)
	w.off += int64(n)
	return n, err
}

// FormatSegmentFileName names a segment after the first transaction it holds.
func FormatSegmentFileName(firstTxnID uint64) string {
	return fmt.Sprintf("%s%016x", segmentFilePrefix, firstTxnID)
}

// ParseSegmentFileName extracts the first transaction id from a segment file name.
func ParseSegmentFileName(name string) (uint64, error) {
	if !strings.HasPrefix(name, segmentFilePrefix) {
		return 0, fmt.Errorf("file %s is not a txn log segment", name)
	}
	hex := strings.TrimPrefix(name, segmentFilePrefix)
	if len(hex) != 16 {
		return 0, fmt.Errorf("file %s is not a txn log segment", name)
	}
	return strconv.ParseUint(hex, 16, 64)
}

// ListSegments returns the first txn ids of all segments in dir, ascending.
func ListSegments(dir string) ([]uint64, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read txn log directory %s: %w", dir, err)
	}
	ids := make([]uint64, 0, len(files))
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if id, err := ParseSegmentFileName(file.Name()); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// createSegment creates segment nameID whose first record is firstTxnID and
// writes its header. An existing file of the same name is never overwritten.
func createSegment(dir string, nameID, firstTxnID uint64, bufSize int) (*Segment, error) {
	path := filepath.Join(dir, FormatSegmentFileName(nameID))
	file, err := sys.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	seg := &Segment{
		file:       file,
		path:       path,
		firstTxnID: firstTxnID,
	}
	seg.writer = bufio.NewWriterSize(&positionalWriter{file: file}, bufSize)

	header := core.NewSegmentHeader(firstTxnID)
	if err := binary.Write(seg.writer, binary.BigEndian, &header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write segment header to %s: %w", path, err)
	}
	seg.position = core.SegmentHeaderSize
	return seg, nil
}

// write appends p to the segment's buffer.
func (s *Segment) write(p []byte) error {
	if s.file == nil {
		return os.ErrClosed
	}
	n, err := s.writer.Write(p)
	s.position += int64(n)
	return err
}

// flush pushes buffered bytes to the OS and optionally syncs them to the
// device. It returns the number of bytes made durable by this call.
func (s *Segment) flush(sync bool) (int64, error) {
	if s.file == nil {
		return 0, os.ErrClosed
	}
	if err := s.writer.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush segment %s: %w", s.path, err)
	}
	if sync {
		if err := s.file.Sync(); err != nil {
			return 0, fmt.Errorf("failed to sync segment %s: %w", s.path, err)
		}
	}
	n := s.position - s.flushed
	s.flushed = s.position
	return n, nil
}

func (s *Segment) close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Path returns the segment's file path.
func (s *Segment) Path() string { return s.path }

// FirstTxnID returns the id of the first record in the segment. It matches
// the file name unless the allocator had to move the name past an existing one.
func (s *Segment) FirstTxnID() uint64 { return s.firstTxnID }

// Position returns the append offset, buffered bytes included.
func (s *Segment) Position() int64 { return s.position }

// AllocatedSize returns the number of bytes reserved for the segment.
func (s *Segment) AllocatedSize() int64 { return s.allocated }
