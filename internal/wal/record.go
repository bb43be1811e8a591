// Package wal implements the write-ahead log: an append-only, CRC-checked
// sequence of mutation and transaction-boundary records with strictly
// increasing log sequence numbers. Every row mutation is durably logged
// before it is applied, and a transaction is committed exactly when its
// Commit record is flushed; recovery re-derives all state from the log.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// LSN is a log sequence number. LSN order is the authoritative commit order.
type LSN uint64

// Kind is the type of a WAL record.
type Kind byte

const (
	KindInvalid Kind = iota
	KindBegin
	KindInsert
	KindUpdate
	KindDelete
	KindCommit
	KindAbort
	KindCheckpoint
)

func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "BEGIN"
	case KindInsert:
		return "INSERT"
	case KindUpdate:
		return "UPDATE"
	case KindDelete:
		return "DELETE"
	case KindCommit:
		return "COMMIT"
	case KindAbort:
		return "ABORT"
	case KindCheckpoint:
		return "CHECKPOINT"
	default:
		return "INVALID"
	}
}

var (
	// ErrCorruptRecord marks a record whose checksum or framing is invalid.
	ErrCorruptRecord = errors.New("wal: corrupt record")
	// ErrIO wraps failures of the underlying log file.
	ErrIO = errors.New("wal: io error")
)

// Record is one WAL entry. Mutation records carry the row image(s); boundary
// records (Begin/Commit/Abort/Checkpoint) carry only the transaction id.
type Record struct {
	LSN    LSN
	Kind   Kind
	TxnID  uint64
	Table  string
	Key    string
	Before []byte // row image before the mutation (update/delete)
	After  []byte // row image after the mutation (insert/update)
}

// Record layout (after the 4-byte frame length):
//
//	[0:4]   CRC32 of everything after it
//	[4:12]  LSN
//	[12:20] TxnID
//	[20]    Kind
//	[21:23] table length
//	[23:25] key length
//	[25:29] before length
//	[29:33] after length
//	then table, key, before, after bytes
const headerSize = 33

// Encode serializes the record, checksum included.
func (r *Record) Encode() []byte {
	size := headerSize + len(r.Table) + len(r.Key) + len(r.Before) + len(r.After)
	buf := make([]byte, size)

	binary.BigEndian.PutUint64(buf[4:12], uint64(r.LSN))
	binary.BigEndian.PutUint64(buf[12:20], r.TxnID)
	buf[20] = byte(r.Kind)
	binary.BigEndian.PutUint16(buf[21:23], uint16(len(r.Table)))
	binary.BigEndian.PutUint16(buf[23:25], uint16(len(r.Key)))
	binary.BigEndian.PutUint32(buf[25:29], uint32(len(r.Before)))
	binary.BigEndian.PutUint32(buf[29:33], uint32(len(r.After)))

	off := headerSize
	off += copy(buf[off:], r.Table)
	off += copy(buf[off:], r.Key)
	off += copy(buf[off:], r.Before)
	copy(buf[off:], r.After)

	binary.BigEndian.PutUint32(buf[0:4], crc32.ChecksumIEEE(buf[4:]))
	return buf
}

// Decode deserializes a record and verifies its checksum.
func Decode(data []byte) (*Record, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrCorruptRecord, len(data), headerSize)
	}
	want := binary.BigEndian.Uint32(data[0:4])
	if got := crc32.ChecksumIEEE(data[4:]); got != want {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}

	rec := &Record{
		LSN:   LSN(binary.BigEndian.Uint64(data[4:12])),
		TxnID: binary.BigEndian.Uint64(data[12:20]),
		Kind:  Kind(data[20]),
	}
	tableLen := int(binary.BigEndian.Uint16(data[21:23]))
	keyLen := int(binary.BigEndian.Uint16(data[23:25]))
	beforeLen := int(binary.BigEndian.Uint32(data[25:29]))
	afterLen := int(binary.BigEndian.Uint32(data[29:33]))

	if len(data) != headerSize+tableLen+keyLen+beforeLen+afterLen {
		return nil, fmt.Errorf("%w: length mismatch", ErrCorruptRecord)
	}

	off := headerSize
	rec.Table = string(data[off : off+tableLen])
	off += tableLen
	rec.Key = string(data[off : off+keyLen])
	off += keyLen
	if beforeLen > 0 {
		rec.Before = append([]byte(nil), data[off:off+beforeLen]...)
	}
	off += beforeLen
	if afterLen > 0 {
		rec.After = append([]byte(nil), data[off:off+afterLen]...)
	}
	return rec, nil
}

func (r *Record) String() string {
	return fmt.Sprintf("%s lsn=%d txn=%d %s/%s", r.Kind, r.LSN, r.TxnID, r.Table, r.Key)
}
