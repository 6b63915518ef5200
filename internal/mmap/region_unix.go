//go:build unix

package mmap

import (
	std_errors "errors"
	"io/fs"
	"os"
	"path/filepath"

	"mmapdisplay/internal/errors"
	"mmapdisplay/internal/logging"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Supported reports whether regions can be created on this platform.
const Supported = true

func pageUnit() int {
	return max(minPageUnit, unix.Getpagesize())
}

// Create allocates a new region, or reuses an existing backing file when
// opts.Filename names one, and zeroes both cursors.
func Create(opts CreateOptions) (*Region, error) {
	logger := opts.logger()

	requested := opts.Size
	if requested == 0 {
		requested = DefaultSize
	}
	if requested < 0 {
		return nil, errors.Tracef("requested %d bytes: %w", requested, ErrSize)
	}
	size := roundUp(requested+HeaderSize, pageUnit())

	var (
		file  *os.File
		path  string
		owner = true
		err   error
	)

	if opts.Filename != "" {
		path = opts.Filename
		_, statErr := os.Stat(path)
		switch {
		case statErr == nil:
			file, err = os.OpenFile(path, os.O_RDWR, 0)
			if err != nil {
				return nil, errors.Trace(err)
			}
			info, err := file.Stat()
			if err != nil {
				file.Close()
				return nil, errors.Trace(err)
			}
			size = int(info.Size())
			owner = false
			if err := validateSize(size); err != nil {
				file.Close()
				return nil, err
			}
			logger.WithTraceFields(logging.LogFields{
				"path": path,
				"size": size,
			}).Info("using existing mmap file")
		case std_errors.Is(statErr, fs.ErrNotExist):
			if err := validateSize(size); err != nil {
				return nil, err
			}
			file, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
			if err != nil {
				return nil, errors.TraceMsg(err, "create mmap file")
			}
		default:
			return nil, errors.Trace(statErr)
		}
	} else {
		if err := validateSize(size); err != nil {
			return nil, err
		}
		dir := opts.Dir
		if dir == "" {
			dir = os.TempDir()
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, errors.TraceMsg(err, "create mmap directory")
		}
		// O_EXCL with mode 0600: readable and writable by this user only
		// until a group policy widens it.
		path = filepath.Join(dir, "mmapdisplay."+uuid.NewString()+".mmap")
		file, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
		if err != nil {
			return nil, errors.TraceMsg(err, "create mmap file")
		}
	}

	cleanup := func() {
		file.Close()
		if owner {
			os.Remove(path)
		}
	}

	if gid := resolveGroup(opts.Group, opts.DefaultGroup, opts.SocketPath, logger); gid > 0 {
		applyGroup(file, gid, logger)
	}

	if owner {
		if err := file.Truncate(int64(size)); err != nil {
			cleanup()
			return nil, errors.TraceMsg(err, "size mmap file")
		}
	}

	mem, err := mapFile(file, size)
	if err != nil {
		cleanup()
		return nil, err
	}

	r := newRegion(mem, path, owner, file, unix.Munmap)
	r.resetCursors()

	logger.WithTraceFields(logging.LogFields{
		"path":  path,
		"size":  size,
		"owner": owner,
	}).Debug("mmap region created")

	return r, nil
}

// Open maps a region created by the peer. expectedSize is the size announced
// out-of-band; zero skips the comparison.
func Open(path string, expectedSize int) (*Region, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.TraceMsg(err, "open mmap file")
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Trace(err)
	}
	actual := int(info.Size())
	if expectedSize != 0 && actual != expectedSize {
		file.Close()
		return nil, errors.Tracef("expected %d bytes, found %d: %w", expectedSize, actual, ErrSizeMismatch)
	}
	if err := validateSize(actual); err != nil {
		file.Close()
		return nil, err
	}

	mem, err := mapFile(file, actual)
	if err != nil {
		file.Close()
		return nil, err
	}

	return newRegion(mem, path, false, file, unix.Munmap), nil
}

func mapFile(file *os.File, size int) ([]byte, error) {
	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.TraceMsg(err, "mmap")
	}
	return mem, nil
}
