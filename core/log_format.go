package core

import (
	"encoding/binary"
	"time"
)

const (
	// TxnLogMagicNumber identifies a transaction log segment ("ZKLG").
	TxnLogMagicNumber uint32 = 0x5A4B4C47
	// SnapshotMarkerMagicNumber identifies a snapshot marker file.
	SnapshotMarkerMagicNumber uint32 = 0x54504B43
	// TxnLogFormatVersion is the on-disk version of the segment layout.
	TxnLogFormatVersion uint8 = 2

	// RecordEndMarker terminates every encoded record.
	RecordEndMarker byte = 'B'
)

// SegmentHeader starts every log segment file.
type SegmentHeader struct {
	Magic      uint32
	Version    uint8
	CreatedAt  int64 // UnixNano
	FirstTxnID uint64
}

// SegmentHeaderSize is the encoded size of SegmentHeader.
var SegmentHeaderSize = int64(binary.Size(SegmentHeader{}))

// NewSegmentHeader returns the header for a segment whose first transaction is firstTxnID.
func NewSegmentHeader(firstTxnID uint64) SegmentHeader {
	return SegmentHeader{
		Magic:      TxnLogMagicNumber,
		Version:    TxnLogFormatVersion,
		CreatedAt:  time.Now().UnixNano(),
		FirstTxnID: firstTxnID,
	}
}

// Checkpoint is the content of a snapshot marker: the highest transaction id
// known to be logged when the snapshot started.
type Checkpoint struct {
	LastLoggedTxnID uint64
	CreatedAt       int64 // UnixNano
}
