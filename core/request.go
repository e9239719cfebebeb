package core

import (
	"encoding"
	"fmt"
)

// OpType identifies the kind of transaction carried by a request.
type OpType int32

const (
	OpNotification OpType = 0
	OpCreate       OpType = 1
	OpDelete       OpType = 2
	OpSetData      OpType = 5
	OpSetACL       OpType = 7
	OpCheck        OpType = 13
	OpMulti        OpType = 14
	OpCreateSess   OpType = -10
	OpCloseSess    OpType = -11
	OpError        OpType = -1
)

func (o OpType) String() string {
	switch o {
	case OpNotification:
		return "notification"
	case OpCreate:
		return "create"
	case OpDelete:
		return "delete"
	case OpSetData:
		return "setData"
	case OpSetACL:
		return "setACL"
	case OpCheck:
		return "check"
	case OpMulti:
		return "multi"
	case OpCreateSess:
		return "createSession"
	case OpCloseSess:
		return "closeSession"
	case OpError:
		return "error"
	default:
		return fmt.Sprintf("op(%d)", int32(o))
	}
}

// TxnHeader is the fixed-size header logged in front of every transaction.
type TxnHeader struct {
	ClientID int64
	CxID     int32
	TxnID    uint64
	Time     int64 // UnixMilli
	Type     OpType
}

// Record is the opaque transaction body appended after the header.
type Record = encoding.BinaryMarshaler

// RawRecord is a Record whose encoding is the byte slice itself.
type RawRecord []byte

func (r RawRecord) MarshalBinary() ([]byte, error) {
	return []byte(r), nil
}

// Request is a unit of work handed to the sync processor by the upstream stage.
// A request with a nil Header carries no transaction and is forwarded without
// being logged.
type Request struct {
	Header *TxnHeader
	Txn    Record

	poison bool
}

// NewTxnRequest builds a request carrying a transaction.
func NewTxnRequest(hdr TxnHeader, txn Record) *Request {
	return &Request{Header: &hdr, Txn: txn}
}

// PoisonRequest returns the sentinel that stops the processor.
func PoisonRequest() *Request {
	return &Request{poison: true}
}

// IsPoison reports whether r is the shutdown sentinel.
func (r *Request) IsPoison() bool {
	return r != nil && r.poison
}

// TxnID returns the transaction id, or 0 when the request carries no header.
func (r *Request) TxnID() uint64 {
	if r == nil || r.Header == nil {
		return 0
	}
	return r.Header.TxnID
}

func (r *Request) String() string {
	switch {
	case r == nil:
		return "<nil>"
	case r.poison:
		return "request{poison}"
	case r.Header == nil:
		return "request{no-txn}"
	default:
		return fmt.Sprintf("request{txn=%#x type=%s client=%#x cxid=%d}", r.Header.TxnID, r.Header.Type, r.Header.ClientID, r.Header.CxID)
	}
}
