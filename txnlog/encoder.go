package txnlog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/INLOpen/synclog/core"
)

const (
	// txnHeaderSize is ClientID(8) + CxID(4) + TxnID(8) + Time(8) + Type(4).
	txnHeaderSize = 32
	// recordLenSize is the big-endian length prefix in front of every record.
	recordLenSize = 4
	// recordOverhead is everything a record adds around its payload.
	recordOverhead = recordLenSize + txnHeaderSize + 1
	// maxRecordBody bounds the length field so garbage cannot trigger huge reads.
	maxRecordBody = 64 * 1024 * 1024
)

// MaxPayloadSize is the largest transaction body a record can carry.
const MaxPayloadSize = maxRecordBody - txnHeaderSize

// Encode serializes hdr and txn into a self-delimiting record:
//
//	length (uint32 BE) | txn header | payload | RecordEndMarker
//
// length covers header and payload, not the marker. The trailing marker lets a
// reader recognise a record cut short by a crash.
func Encode(hdr *core.TxnHeader, txn core.Record) ([]byte, error) {
	return AppendTxn(nil, hdr, txn)
}

// AppendTxn marshals txn and appends its encoded record to buf. A payload
// larger than MaxPayloadSize is refused with core.ErrRecordTooLarge, since
// Decode could never read it back.
func AppendTxn(buf []byte, hdr *core.TxnHeader, txn core.Record) ([]byte, error) {
	if hdr == nil {
		return buf, errors.New("cannot encode a request without a txn header")
	}
	var payload []byte
	if txn != nil {
		var err error
		payload, err = txn.MarshalBinary()
		if err != nil {
			return buf, fmt.Errorf("failed to serialize txn %#x: %w", hdr.TxnID, err)
		}
	}
	if len(payload) > MaxPayloadSize {
		return buf, fmt.Errorf("%w: txn %#x payload of %d bytes, limit %d", core.ErrRecordTooLarge, hdr.TxnID, len(payload), MaxPayloadSize)
	}
	if buf == nil {
		buf = make([]byte, 0, recordOverhead+len(payload))
	}
	return AppendRecord(buf, hdr, payload), nil
}

// AppendRecord appends the encoded record to buf and returns the extended
// slice. The caller keeps payload within MaxPayloadSize; AppendTxn checks it.
func AppendRecord(buf []byte, hdr *core.TxnHeader, payload []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(txnHeaderSize+len(payload)))
	buf = binary.BigEndian.AppendUint64(buf, uint64(hdr.ClientID))
	buf = binary.BigEndian.AppendUint32(buf, uint32(hdr.CxID))
	buf = binary.BigEndian.AppendUint64(buf, hdr.TxnID)
	buf = binary.BigEndian.AppendUint64(buf, uint64(hdr.Time))
	buf = binary.BigEndian.AppendUint32(buf, uint32(hdr.Type))
	buf = append(buf, payload...)
	return append(buf, core.RecordEndMarker)
}

// Decode reads the next record from r.
//
// It returns io.EOF at a clean end of log, which includes reaching the zeroed
// preallocated tail of a segment. A record cut short yields
// core.ErrTruncatedRecord; a record with the wrong terminator yields
// core.ErrBadRecordMarker.
func Decode(r *bufio.Reader) (*core.TxnHeader, []byte, error) {
	var lenBuf [recordLenSize]byte
	n, err := io.ReadFull(r, lenBuf[:])
	if err != nil {
		if err == io.EOF {
			return nil, nil, io.EOF
		}
		if allZero(lenBuf[:n]) {
			return nil, nil, io.EOF
		}
		return nil, nil, core.ErrTruncatedRecord
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil, io.EOF
	}
	if length < txnHeaderSize || length > maxRecordBody {
		return nil, nil, fmt.Errorf("%w: length %d", core.ErrCorruptRecord, length)
	}

	body := make([]byte, int(length)+1)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, core.ErrTruncatedRecord
	}
	if body[length] != core.RecordEndMarker {
		return nil, nil, core.ErrBadRecordMarker
	}

	hdr := &core.TxnHeader{
		ClientID: int64(binary.BigEndian.Uint64(body[0:8])),
		CxID:     int32(binary.BigEndian.Uint32(body[8:12])),
		TxnID:    binary.BigEndian.Uint64(body[12:20]),
		Time:     int64(binary.BigEndian.Uint64(body[20:28])),
		Type:     core.OpType(int32(binary.BigEndian.Uint32(body[28:32]))),
	}
	return hdr, body[txnHeaderSize:length], nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
