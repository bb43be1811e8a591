package value

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Row is an ordered tuple of values; the order matches the table schema's
// column order.
type Row []Value

// Clone returns a copy of the row. Values are immutable so a shallow copy of
// the slice is sufficient.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// Row wire format, used for WAL payloads:
//
//	[2 bytes] column count
//	per column:
//	  [1 byte]  kind
//	  KindInt:    [8 bytes] big-endian int64
//	  KindFloat:  [8 bytes] IEEE 754 bits
//	  KindBool:   [1 byte]  0/1
//	  KindString: [4 bytes] length + bytes
//	  KindNull:   nothing

// Encode serializes the row.
func (r Row) Encode() []byte {
	buf := make([]byte, 2, 2+len(r)*9)
	binary.BigEndian.PutUint16(buf, uint16(len(r)))
	for _, v := range r {
		buf = append(buf, byte(v.kind))
		switch v.kind {
		case KindInt:
			buf = binary.BigEndian.AppendUint64(buf, uint64(v.i))
		case KindFloat:
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v.f))
		case KindBool:
			if v.b {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case KindString:
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.s)))
			buf = append(buf, v.s...)
		case KindNull:
			// kind byte only
		}
	}
	return buf
}

// DecodeRow deserializes a row produced by Encode.
func DecodeRow(data []byte) (Row, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("row too short: %d bytes", len(data))
	}
	n := int(binary.BigEndian.Uint16(data))
	data = data[2:]

	row := make(Row, 0, n)
	for i := 0; i < n; i++ {
		if len(data) < 1 {
			return nil, fmt.Errorf("row truncated at column %d", i)
		}
		kind := Kind(data[0])
		data = data[1:]

		switch kind {
		case KindNull:
			row = append(row, Null())
		case KindInt:
			if len(data) < 8 {
				return nil, fmt.Errorf("row truncated at column %d", i)
			}
			row = append(row, NewInt(int64(binary.BigEndian.Uint64(data))))
			data = data[8:]
		case KindFloat:
			if len(data) < 8 {
				return nil, fmt.Errorf("row truncated at column %d", i)
			}
			row = append(row, NewFloat(math.Float64frombits(binary.BigEndian.Uint64(data))))
			data = data[8:]
		case KindBool:
			if len(data) < 1 {
				return nil, fmt.Errorf("row truncated at column %d", i)
			}
			row = append(row, NewBool(data[0] == 1))
			data = data[1:]
		case KindString:
			if len(data) < 4 {
				return nil, fmt.Errorf("row truncated at column %d", i)
			}
			l := int(binary.BigEndian.Uint32(data))
			data = data[4:]
			if len(data) < l {
				return nil, fmt.Errorf("row truncated at column %d", i)
			}
			row = append(row, NewString(string(data[:l])))
			data = data[l:]
		default:
			return nil, fmt.Errorf("unknown value kind %d at column %d", kind, i)
		}
	}
	return row, nil
}
