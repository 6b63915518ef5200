package mmap

import (
	"math/big"

	"mmapdisplay/internal/errors"
)

// Handshake is the out-of-band description of a region and the token its
// writer placed in it. The peer maps Path, checks Size, then Verify.
type Handshake struct {
	Path        string `cbor:"1,keyasint,omitempty"`
	Size        uint64 `cbor:"2,keyasint,omitempty"`
	TokenOffset uint32 `cbor:"3,keyasint"`
	TokenWidth  uint32 `cbor:"4,keyasint"`
	Token       []byte `cbor:"5,keyasint"`
}

// NewHandshake writes a fresh token of width bytes at a random offset in r
// and returns the handshake describing it.
func NewHandshake(r *Region, width int) (*Handshake, error) {
	if width <= 0 {
		width = DefaultTokenBytes
	}
	offset, err := RandomTokenOffset(r.Size(), width)
	if err != nil {
		return nil, err
	}
	value := NewToken()
	if err := WriteToken(r, value, offset, width); err != nil {
		return nil, err
	}
	return &Handshake{
		Path:        r.Path(),
		Size:        uint64(r.Size()),
		TokenOffset: uint32(offset),
		TokenWidth:  uint32(width),
		Token:       value.Bytes(),
	}, nil
}

// Value returns the token as an integer.
func (h *Handshake) Value() *big.Int {
	return new(big.Int).SetBytes(h.Token)
}

// Verify reads the token back from r and compares it with the announced
// value. A mismatch means r must not be used; there is no retry.
func (h *Handshake) Verify(r *Region) error {
	if h.TokenWidth == 0 || len(h.Token) == 0 {
		return errors.Tracef("empty token: %w", ErrTokenMismatch)
	}
	v, err := ReadToken(r, int(h.TokenOffset), int(h.TokenWidth))
	if err != nil {
		return err
	}
	if v.Cmp(h.Value()) != 0 {
		return errors.Tracef("token at %#x does not match: %w", h.TokenOffset, ErrTokenMismatch)
	}
	return nil
}
