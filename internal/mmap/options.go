package mmap

import "mmapdisplay/internal/logging"

// CreateOptions configures Create.
type CreateOptions struct {
	// Size is the usable size requested. HeaderSize is added and the total is
	// rounded up to the page size. DefaultSize when zero.
	Size int

	// Dir receives generated backing files. os.TempDir() when empty.
	Dir string

	// Filename selects an explicit backing file. An existing file is reused
	// in place, keeping its size, and is not removed on Close.
	Filename string

	// Group controls group ownership of the backing file: "" or a false
	// value for none, "SOCKET" for the group of SocketPath, "auto" for
	// DefaultGroup when this process belongs to it, or a group name.
	Group string

	// DefaultGroup is the group tried by the "auto" policy.
	DefaultGroup string

	// SocketPath is the control socket whose group "SOCKET" and "auto" use.
	SocketPath string

	Logger *logging.ContextLogger
}

func (opts *CreateOptions) logger() *logging.ContextLogger {
	if opts.Logger == nil {
		return logging.Discard()
	}
	return opts.Logger
}
