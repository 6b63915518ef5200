package mmap

import (
	std_errors "errors"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"mmapdisplay/internal/errors"
)

const (
	// HeaderSize is the number of bytes reserved for the two cursors.
	HeaderSize = 8

	// MinSize and MaxSize bound the total mapped size, header included.
	MinSize = 64 << 20
	MaxSize = 4 << 30

	// DefaultSize is the usable size requested when none is configured.
	DefaultSize = 128 << 20

	// DefaultTokenBytes is the default token width.
	DefaultTokenBytes = 128

	minPageUnit = 4096

	dataStartOffset = 0
	dataEndOffset   = 4
)

// Region is a shared mapping plus the handle that keeps it alive. The
// creator (owner) unlinks the backing file on Close.
type Region struct {
	mem   []byte
	size  int
	path  string
	owner bool
	file  *os.File
	unmap func([]byte) error

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newRegion(mem []byte, path string, owner bool, file *os.File, unmap func([]byte) error) *Region {
	return &Region{
		mem:   mem,
		size:  len(mem),
		path:  path,
		owner: owner,
		file:  file,
		unmap: unmap,
	}
}

// Path returns the backing file path.
func (r *Region) Path() string { return r.path }

// Size returns the total mapped size N, header included.
func (r *Region) Size() int { return r.size }

// Owner reports whether this process created the region and will unlink it.
func (r *Region) Owner() bool { return r.owner }

// Closed reports whether Close has been called.
func (r *Region) Closed() bool { return r.closed.Load() }

// Cursors returns the raw cursor values, clamped to HeaderSize.
func (r *Region) Cursors() (dataStart, dataEnd int) {
	if r.closed.Load() {
		return HeaderSize, HeaderSize
	}
	return clampCursor(r.load(dataStartOffset)), clampCursor(r.load(dataEndOffset))
}

// Close unmaps the region and, for the owner, removes the backing file.
// Close is idempotent. The caller must ensure no Writer or Reader call is in
// flight.
func (r *Region) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		var errs []error
		if r.unmap != nil && r.mem != nil {
			if err := r.unmap(r.mem); err != nil {
				errs = append(errs, err)
			}
		}
		r.mem = nil
		if r.file != nil {
			if err := r.file.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if r.owner && r.path != "" {
			if err := os.Remove(r.path); err != nil && !std_errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		r.closeErr = errors.Trace(std_errors.Join(errs...))
	})
	return r.closeErr
}

func (r *Region) cursor(offset int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[offset]))
}

func (r *Region) load(offset int) uint32 {
	return atomic.LoadUint32(r.cursor(offset))
}

func (r *Region) store(offset int, v int) {
	atomic.StoreUint32(r.cursor(offset), uint32(v))
}

func (r *Region) resetCursors() {
	r.store(dataStartOffset, 0)
	r.store(dataEndOffset, 0)
}

// dataStart returns the consumer cursor, clamped to HeaderSize.
func (r *Region) dataStart() (int, error) {
	return r.checkedCursor(dataStartOffset)
}

// dataEnd returns the producer cursor, clamped to HeaderSize.
func (r *Region) dataEnd() (int, error) {
	return r.checkedCursor(dataEndOffset)
}

func (r *Region) checkedCursor(offset int) (int, error) {
	v := clampCursor(r.load(offset))
	if v > r.size {
		return 0, errors.Tracef("cursor@%d=%d size=%d: %w", offset, v, r.size, ErrCorruptCursor)
	}
	return v, nil
}

func clampCursor(v uint32) int {
	if v < HeaderSize {
		return HeaderSize
	}
	return int(v)
}

func roundUp(n, unit int) int {
	return (n + unit - 1) / unit * unit
}

func validateSize(size int) error {
	if size < MinSize {
		return errors.Tracef("%d bytes is below the %d byte minimum: %w", size, MinSize, ErrSize)
	}
	if size > MaxSize {
		return errors.Tracef("%d bytes is above the %d byte maximum: %w", size, MaxSize, ErrSize)
	}
	return nil
}
