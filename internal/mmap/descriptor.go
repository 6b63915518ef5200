package mmap

import (
	"fmt"
	"strings"

	"mmapdisplay/internal/errors"
)

// Chunk is one contiguous range of the data area. It encodes as a two
// element array [offset, length].
type Chunk struct {
	_      struct{} `cbor:",toarray"`
	Offset uint32
	Length uint32
}

func (c Chunk) end() uint64 {
	return uint64(c.Offset) + uint64(c.Length)
}

// Descriptor lists where one payload lives: a single chunk, or two when the
// payload wrapped past the end of the data area.
type Descriptor []Chunk

func newChunk(offset, length int) Chunk {
	return Chunk{Offset: uint32(offset), Length: uint32(length)}
}

// Len returns the payload length.
func (d Descriptor) Len() int {
	n := 0
	for _, c := range d {
		n += int(c.Length)
	}
	return n
}

// End returns the offset just past the last chunk. Releasing d moves
// data_start here.
func (d Descriptor) End() int {
	if len(d) == 0 {
		return HeaderSize
	}
	return int(d[len(d)-1].end())
}

// Equal reports whether d and o describe the same ranges.
func (d Descriptor) Equal(o Descriptor) bool {
	if len(d) != len(o) {
		return false
	}
	for i := range d {
		if d[i].Offset != o[i].Offset || d[i].Length != o[i].Length {
			return false
		}
	}
	return true
}

func (d Descriptor) String() string {
	parts := make([]string, len(d))
	for i, c := range d {
		parts[i] = fmt.Sprintf("(%d,%d)", c.Offset, c.Length)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Validate checks d against a region of the given size before any byte is
// touched. A two chunk descriptor must run to the end of the area and resume
// at HeaderSize, which is the only split the writer produces.
func (d Descriptor) Validate(size int) error {
	if len(d) != 1 && len(d) != 2 {
		return errors.Tracef("%d chunks: %w", len(d), ErrCorruptDescriptor)
	}
	for _, c := range d {
		if c.Offset < HeaderSize || c.end() > uint64(size) {
			return errors.Tracef("chunk %v outside [%d,%d): %w", d, HeaderSize, size, ErrCorruptDescriptor)
		}
	}
	if len(d) == 2 {
		if d[0].end() != uint64(size) || d[1].Offset != HeaderSize {
			return errors.Tracef("split %v does not wrap at %d: %w", d, size, ErrCorruptDescriptor)
		}
	}
	return nil
}
