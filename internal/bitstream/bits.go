// Package bitstream turns finite byte sources into addressable sequences of
// bits. Bit order is fixed across the module: bit 0 of a sequence is the most
// significant bit of its first byte, the convention used by NIST SP 800-22.
package bitstream

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

// ErrInvalidDigit is returned by Parse when the input contains a character
// other than '0', '1' or whitespace.
var ErrInvalidDigit = errors.New("bitstream: invalid binary digit")

// Bits is a packed, read-only bit sequence. The zero value is an empty
// sequence. Slicing never copies, so views share the backing bytes; no method
// mutates them.
type Bits struct {
	data   []byte
	offset int
	length int
}

// FromBytes expands data into len(data)*8 bits. The slice is retained, so the
// caller must not modify it afterwards.
func FromBytes(data []byte) Bits {
	return Bits{data: data, length: len(data) * 8}
}

// Parse builds a sequence from a string of '0' and '1' characters. Whitespace
// is skipped so that NIST ASCII data files can be read directly.
func Parse(digits string) (Bits, error) {
	packed := make([]byte, 0, len(digits)/8+1)
	n := 0
	for i, r := range digits {
		var bit byte
		switch r {
		case '0':
		case '1':
			bit = 1
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return Bits{}, fmt.Errorf("%w %q at offset %d", ErrInvalidDigit, r, i)
		}
		if n%8 == 0 {
			packed = append(packed, 0)
		}
		packed[len(packed)-1] |= bit << (7 - uint(n%8))
		n++
	}
	return Bits{data: packed, length: n}, nil
}

// MustParse is like Parse but panics on malformed input. It is intended for
// fixtures and test vectors.
func MustParse(digits string) Bits {
	b, err := Parse(digits)
	if err != nil {
		panic(err)
	}
	return b
}

// Len reports the number of bits in the sequence.
func (b Bits) Len() int {
	return b.length
}

// At returns bit i as 0 or 1. It panics if i is out of range, like a slice
// index would.
func (b Bits) At(i int) uint8 {
	if i < 0 || i >= b.length {
		panic(fmt.Sprintf("bitstream: index %d out of range [0:%d]", i, b.length))
	}
	idx := b.offset + i
	return (b.data[idx>>3] >> (7 - uint(idx&7))) & 1
}

// Slice returns the view [start, end) without copying.
func (b Bits) Slice(start, end int) Bits {
	if start < 0 || end < start || end > b.length {
		panic(fmt.Sprintf("bitstream: slice bounds [%d:%d] out of range [0:%d]", start, end, b.length))
	}
	return Bits{data: b.data, offset: b.offset + start, length: end - start}
}

// Prefix returns the first n bits. n larger than Len is clamped.
func (b Bits) Prefix(n int) Bits {
	if n > b.length {
		n = b.length
	}
	if n < 0 {
		n = 0
	}
	return b.Slice(0, n)
}

// Bits returns b itself, so a plain sequence can be handed to anything that
// consumes a bit source.
func (b Bits) Bits() Bits {
	return b
}

// Ones counts the set bits.
func (b Bits) Ones() int {
	ones := 0
	i := 0
	// Walk bit by bit until the absolute position is byte aligned.
	for ; i < b.length && (b.offset+i)&7 != 0; i++ {
		ones += int(b.At(i))
	}
	for ; i+8 <= b.length; i += 8 {
		ones += bits.OnesCount8(b.data[(b.offset+i)>>3])
	}
	for ; i < b.length; i++ {
		ones += int(b.At(i))
	}
	return ones
}

// Bytes packs the sequence into a fresh byte slice, MSB first. A trailing
// partial byte is zero padded.
func (b Bits) Bytes() []byte {
	out := make([]byte, (b.length+7)/8)
	if b.offset&7 == 0 {
		copy(out, b.data[b.offset>>3:])
		if rem := b.length & 7; rem != 0 {
			out[len(out)-1] &= 0xFF << (8 - uint(rem))
		}
		return out
	}
	for i := 0; i < b.length; i++ {
		out[i>>3] |= b.At(i) << (7 - uint(i&7))
	}
	return out
}

// String renders the sequence as '0'/'1' digits.
func (b Bits) String() string {
	var sb strings.Builder
	sb.Grow(b.length)
	for i := 0; i < b.length; i++ {
		sb.WriteByte('0' + b.At(i))
	}
	return sb.String()
}
