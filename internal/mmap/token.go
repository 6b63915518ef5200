package mmap

import (
	"crypto/rand"
	"math/big"

	"mmapdisplay/internal/errors"

	"github.com/google/uuid"
)

// WriteToken stores value in width bytes at offset, least significant byte
// first, one byte at a time. The span must lie inside the data area.
func WriteToken(r *Region, value *big.Int, offset, width int) error {
	if value == nil || value.Sign() < 0 {
		return errors.Tracef("negative or missing token: %w", ErrValueTooLarge)
	}
	span, err := r.tokenSpan(offset, width)
	if err != nil {
		return err
	}
	if value.BitLen() > width*8 {
		return errors.Tracef("%d bit token in %d bytes: %w", value.BitLen(), width, ErrValueTooLarge)
	}
	be := value.Bytes()
	for i := range span {
		var b byte
		if i < len(be) {
			b = be[len(be)-1-i]
		}
		span[i] = b
	}
	return nil
}

// ReadToken reconstructs the integer stored by WriteToken.
func ReadToken(r *Region, offset, width int) (*big.Int, error) {
	span, err := r.tokenSpan(offset, width)
	if err != nil {
		return nil, err
	}
	be := make([]byte, width)
	for i, b := range span {
		be[width-1-i] = b
	}
	return new(big.Int).SetBytes(be), nil
}

func (r *Region) tokenSpan(offset, width int) ([]byte, error) {
	if r.closed.Load() {
		return nil, errors.Trace(ErrClosed)
	}
	if width <= 0 || offset < HeaderSize || offset > r.size-width {
		return nil, errors.Tracef("offset=%d width=%d size=%d: %w", offset, width, r.size, ErrTokenRange)
	}
	return r.mem[offset : offset+width], nil
}

// NewToken returns a fresh random 128-bit token value.
func NewToken() *big.Int {
	u := uuid.New()
	return new(big.Int).SetBytes(u[:])
}

// RandomTokenOffset picks a uniformly random offset for a width-byte token
// inside the data area of a size-byte region.
func RandomTokenOffset(size, width int) (int, error) {
	span := size - width - HeaderSize + 1
	if width <= 0 || span <= 0 {
		return 0, errors.Tracef("size=%d width=%d: %w", size, width, ErrTokenRange)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
	if err != nil {
		return 0, errors.Trace(err)
	}
	return HeaderSize + int(n.Int64()), nil
}
