// Package tlv implements the tag-length-value encoding used by the invoice QR payload.
//
// Every entry is written as one tag byte, one length byte and the value itself.
// A single length byte means a value can be at most 255 bytes long.
package tlv

import (
	"fmt"

	"github.com/go-faster/errors"
)

// MaxValueLen is the largest value a single entry can carry.
const MaxValueLen = 255

// ErrEncoding matches every *EncodingError.
var ErrEncoding = errors.New("tlv encoding error")

// Entry is one tag-length-value triple. The length is always len(Value).
type Entry struct {
	Tag   byte
	Value []byte
}

// EncodingError reports an entry that can not be encoded or a buffer that can not be decoded.
type EncodingError struct {
	Tag    byte
	Length int
	Offset int
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("tlv: tag %d (length %d, offset %d): %s", e.Tag, e.Length, e.Offset, e.Reason)
}

func (e *EncodingError) Is(target error) bool {
	return target == ErrEncoding
}

// Encode validates all entries first and only then builds the buffer, so a failing call
// never returns partially encoded data.
func Encode(entries []Entry) ([]byte, error) {
	size := 0
	for _, e := range entries {
		if len(e.Value) > MaxValueLen {
			return nil, &EncodingError{
				Tag:    e.Tag,
				Length: len(e.Value),
				Offset: size,
				Reason: fmt.Sprintf("value exceeds %d bytes", MaxValueLen),
			}
		}
		size += 2 + len(e.Value)
	}

	out := make([]byte, 0, size)
	for _, e := range entries {
		out = append(out, e.Tag, byte(len(e.Value)))
		out = append(out, e.Value...)
	}
	return out, nil
}

// Decode parses buf sequentially. Values are copied, the result does not alias buf.
func Decode(buf []byte) ([]Entry, error) {
	var entries []Entry
	for off := 0; off < len(buf); {
		if len(buf)-off < 2 {
			return nil, &EncodingError{Tag: buf[off], Offset: off, Reason: "truncated header"}
		}
		tag, n := buf[off], int(buf[off+1])
		start := off + 2
		if n > len(buf)-start {
			return nil, &EncodingError{
				Tag:    tag,
				Length: n,
				Offset: off,
				Reason: fmt.Sprintf("declared length exceeds remaining %d bytes", len(buf)-start),
			}
		}
		value := make([]byte, n)
		copy(value, buf[start:start+n])
		entries = append(entries, Entry{Tag: tag, Value: value})
		off = start + n
	}
	return entries, nil
}

// Find returns the value of the first entry with the given tag.
func Find(entries []Entry, tag byte) ([]byte, bool) {
	for _, e := range entries {
		if e.Tag == tag {
			return e.Value, true
		}
	}
	return nil, false
}
