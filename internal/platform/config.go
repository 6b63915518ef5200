package platform

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// GroupEnv supplies the default group for the "auto" mmap group policy.
const GroupEnv = "MMAPDISPLAY_MMAP_GROUP"

// Config holds all platform-related configuration passed from CLI flags.
type Config struct {
	Display   string // session name, used to name the control socket
	SocketDir string // directory holding the control socket
	MmapDir   string // directory template for region backing files
	MmapGroup string // group policy for region backing files
}

// DefaultGroup returns the group named by GroupEnv, if any.
func DefaultGroup() string {
	return os.Getenv(GroupEnv)
}

// ExpandDir substitutes $UID, $GID and $PID in template, then any
// environment variables, and cleans the result.
func ExpandDir(template string) string {
	if template == "" {
		return ""
	}
	r := strings.NewReplacer(
		"$UID", strconv.Itoa(os.Getuid()),
		"$GID", strconv.Itoa(os.Getgid()),
		"$PID", strconv.Itoa(os.Getpid()),
	)
	return filepath.Clean(os.ExpandEnv(r.Replace(template)))
}

// SocketPath is the control socket for cfg.Display.
func (cfg *Config) SocketPath() string {
	name := cfg.Display
	if name == "" {
		name = "default"
	}
	return filepath.Join(ExpandDir(cfg.SocketDir), "mmapdisplay-"+name+".sock")
}
