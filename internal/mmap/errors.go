package mmap

import (
	std_errors "errors"
)

var (
	// ErrSize is returned when a region size falls outside [MinSize, MaxSize].
	ErrSize = std_errors.New("mmap: region size out of range")

	// ErrSizeMismatch is returned by Open when the backing file size differs
	// from the size announced by the creator.
	ErrSizeMismatch = std_errors.New("mmap: region size mismatch")

	// ErrValueTooLarge is returned when a token does not fit the requested width.
	ErrValueTooLarge = std_errors.New("mmap: token value too large")

	// ErrTokenRange is returned when a token span falls outside the data area.
	ErrTokenRange = std_errors.New("mmap: token outside data area")

	// ErrTokenMismatch is returned when the token read back from the region
	// differs from the value received out-of-band.
	ErrTokenMismatch = std_errors.New("mmap: token mismatch")

	// ErrPayloadTooLarge is returned when a payload can never fit, even in an
	// empty region.
	ErrPayloadTooLarge = std_errors.New("mmap: payload larger than region")

	// ErrBufferFull is returned when there is currently not enough free space.
	// It is transient.
	ErrBufferFull = std_errors.New("mmap: region full")

	// ErrCorruptDescriptor is returned when a descriptor references bytes
	// outside the data area or has an impossible shape.
	ErrCorruptDescriptor = std_errors.New("mmap: corrupt descriptor")

	// ErrCorruptCursor is returned when a cursor word holds an offset past the
	// end of the region.
	ErrCorruptCursor = std_errors.New("mmap: corrupt cursor")

	// ErrClosed is returned by operations on a closed region.
	ErrClosed = std_errors.New("mmap: region closed")

	// ErrUnsupported is returned on platforms without file-backed shared
	// mappings.
	ErrUnsupported = std_errors.New("mmap: not supported on this platform")
)
