//go:build !unix

package mmap

import "mmapdisplay/internal/errors"

// Supported reports whether regions can be created on this platform.
const Supported = false

func pageUnit() int {
	return minPageUnit
}

// Create is not supported on this platform.
func Create(opts CreateOptions) (*Region, error) {
	return nil, errors.Trace(ErrUnsupported)
}

// Open is not supported on this platform.
func Open(path string, expectedSize int) (*Region, error) {
	return nil, errors.Trace(ErrUnsupported)
}
