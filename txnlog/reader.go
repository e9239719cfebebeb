package txnlog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/INLOpen/synclog/core"
	"github.com/INLOpen/synclog/sys"
)

// Entry is one decoded record.
type Entry struct {
	Header  core.TxnHeader
	Payload []byte
}

// SegmentReader reads records from a single segment file in order.
type SegmentReader struct {
	file   sys.FileHandle
	reader *bufio.Reader
	header core.SegmentHeader
}

// OpenSegmentForRead opens path and validates its segment header.
func OpenSegmentForRead(path string) (*SegmentReader, error) {
	file, err := sys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	r := &SegmentReader{
		file:   file,
		reader: bufio.NewReader(file),
	}
	if err := binary.Read(r.reader, binary.BigEndian, &r.header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read header of segment %s: %w", path, err)
	}
	if r.header.Magic != core.TxnLogMagicNumber {
		file.Close()
		return nil, fmt.Errorf("%w: segment %s has bad magic %#x", core.ErrCorruptRecord, path, r.header.Magic)
	}
	return r, nil
}

// Header returns the segment's file header.
func (r *SegmentReader) Header() core.SegmentHeader {
	return r.header
}

// Next returns the next record, or io.EOF after the last one.
func (r *SegmentReader) Next() (*Entry, error) {
	hdr, payload, err := Decode(r.reader)
	if err != nil {
		return nil, err
	}
	return &Entry{Header: *hdr, Payload: payload}, nil
}

// Close releases the underlying file.
func (r *SegmentReader) Close() error {
	return r.file.Close()
}

// ReadSegment returns every complete record in a segment. A truncated tail is
// not an error: the records before it are returned.
func ReadSegment(path string) ([]Entry, error) {
	r, err := OpenSegmentForRead(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var entries []Entry
	for {
		e, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, core.ErrTruncatedRecord) {
				return entries, nil
			}
			return entries, err
		}
		entries = append(entries, *e)
	}
}

// LastTxnID scans the newest segment in dir and returns the id of its last
// complete record. ok is false when the directory holds no records.
func LastTxnID(dir string) (id uint64, ok bool, err error) {
	ids, err := ListSegments(dir)
	if err != nil {
		return 0, false, err
	}
	for i := len(ids) - 1; i >= 0; i-- {
		entries, err := ReadSegment(filepath.Join(dir, FormatSegmentFileName(ids[i])))
		if err != nil {
			return 0, false, err
		}
		if len(entries) > 0 {
			return entries[len(entries)-1].Header.TxnID, true, nil
		}
	}
	return 0, false, nil
}
