// Package wire holds the bounds-checked binary codec shared by the handshake
// envelope, replica messages and share sets. Integers are fixed 8-byte words
// and variable-length fields carry a length prefix.
package wire

import (
	"errors"
	"fmt"

	"github.com/tchajed/marshal"
)

// ErrTruncated is returned when a message ends before all fields are read.
var ErrTruncated = errors.New("truncated message")

// ErrTrailingBytes is returned when a message has bytes after its last field.
var ErrTrailingBytes = errors.New("trailing bytes in message")

// ErrInvalidBool is returned when a boolean byte is neither 0 nor 1.
var ErrInvalidBool = errors.New("invalid boolean")

// maxSliceLen caps length prefixes so corrupt input cannot force huge reads.
const maxSliceLen = 1 << 20

// WriteInt appends v.
func WriteInt(b []byte, v uint64) []byte {
	return marshal.WriteInt(b, v)
}

// WriteBool appends v as a single 0 or 1 byte.
func WriteBool(b []byte, v bool) []byte {
	if v {
		return WriteByte(b, 1)
	}
	return WriteByte(b, 0)
}

// WriteByte appends a single byte.
func WriteByte(b []byte, v byte) []byte {
	return marshal.WriteBytes(b, []byte{v})
}

// WriteFixed appends data without a length prefix.
func WriteFixed(b []byte, data []byte) []byte {
	return marshal.WriteBytes(b, data)
}

// WriteSlice appends data with a length prefix.
func WriteSlice(b []byte, data []byte) []byte {
	b = marshal.WriteInt(b, uint64(len(data)))
	return marshal.WriteBytes(b, data)
}

// Decoder reads fields in order. The first failure sticks: later reads return
// zero values and Finish reports the error.
type Decoder struct {
	rem []byte
	err error
}

// NewDecoder starts decoding b.
func NewDecoder(b []byte) *Decoder {
	return &Decoder{rem: b}
}

func (d *Decoder) fail(field string) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s", ErrTruncated, field)
	}
}

// Int reads an 8-byte integer.
func (d *Decoder) Int(field string) uint64 {
	if d.err != nil {
		return 0
	}
	if len(d.rem) < 8 {
		d.fail(field)
		return 0
	}
	var v uint64
	v, d.rem = marshal.ReadInt(d.rem)
	return v
}

// Bool reads a boolean byte. Values other than 0 and 1 are rejected.
func (d *Decoder) Bool(field string) bool {
	b := d.Fixed(field, 1)
	if b == nil {
		return false
	}
	switch b[0] {
	case 0:
		return false
	case 1:
		return true
	default:
		d.err = fmt.Errorf("%w: %s: %#x", ErrInvalidBool, field, b[0])
		return false
	}
}

// Byte reads a single byte.
func (d *Decoder) Byte(field string) byte {
	b := d.Fixed(field, 1)
	if b == nil {
		return 0
	}
	return b[0]
}

// Fixed reads exactly n bytes. The result is a copy.
func (d *Decoder) Fixed(field string, n uint64) []byte {
	if d.err != nil {
		return nil
	}
	if uint64(len(d.rem)) < n {
		d.fail(field)
		return nil
	}
	var v []byte
	v, d.rem = marshal.ReadBytesCopy(d.rem, n)
	return v
}

// Slice reads a length-prefixed byte slice.
func (d *Decoder) Slice(field string) []byte {
	n := d.Int(field)
	if d.err != nil {
		return nil
	}
	if n > maxSliceLen {
		d.err = fmt.Errorf("%s: length %d exceeds limit", field, n)
		return nil
	}
	return d.Fixed(field, n)
}

// Err returns the first decoding error.
func (d *Decoder) Err() error {
	return d.err
}

// Finish returns the first decoding error, or ErrTrailingBytes when input
// remains.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if len(d.rem) != 0 {
		return fmt.Errorf("%w: %d", ErrTrailingBytes, len(d.rem))
	}
	return nil
}
