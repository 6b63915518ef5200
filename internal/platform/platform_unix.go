//go:build unix

package platform

import (
	std_errors "errors"
	"io/fs"
	"os"

	"mmapdisplay/internal/errors"

	"golang.org/x/sys/unix"
)

// DefaultSocketDir is used when Config.SocketDir is empty.
const DefaultSocketDir = "$XDG_RUNTIME_DIR/mmapdisplay"

// DefaultMmapDir is used when Config.MmapDir is empty.
const DefaultMmapDir = "$TMPDIR/mmapdisplay-$UID"

// Resolve fills in default directories, expands their templates and
// creates them.
func Resolve(cfg *Config) error {
	if cfg.SocketDir == "" {
		cfg.SocketDir = DefaultSocketDir
		if os.Getenv("XDG_RUNTIME_DIR") == "" {
			cfg.SocketDir = "$TMPDIR/mmapdisplay-$UID"
		}
	}
	if cfg.MmapDir == "" {
		cfg.MmapDir = DefaultMmapDir
	}
	if os.Getenv("TMPDIR") == "" {
		os.Setenv("TMPDIR", os.TempDir())
	}
	cfg.SocketDir = ExpandDir(cfg.SocketDir)
	cfg.MmapDir = ExpandDir(cfg.MmapDir)

	for _, dir := range []string{cfg.SocketDir, cfg.MmapDir} {
		if err := ensureDir(dir); err != nil {
			return err
		}
	}
	return nil
}

// Init resolves the directories for a server and removes a stale control
// socket. The returned cleanup removes the socket again.
func Init(cfg *Config) (func(), error) {
	if err := Resolve(cfg); err != nil {
		return nil, err
	}
	socket := cfg.SocketPath()
	if err := os.Remove(socket); err != nil && !std_errors.Is(err, fs.ErrNotExist) {
		return nil, errors.TraceMsg(err, "remove stale socket")
	}
	return func() { os.Remove(socket) }, nil
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.TraceMsg(err, "create directory")
	}
	if err := unix.Access(dir, unix.W_OK|unix.X_OK); err != nil {
		return errors.TraceMsg(err, "directory "+dir+" is not writable")
	}
	return nil
}
