//go:build !unix

package platform

import "os"

const DefaultSocketDir = ""

const DefaultMmapDir = ""

// Resolve only expands directories: shared regions are not available on
// this platform, so sessions run on the control channel alone.
func Resolve(cfg *Config) error {
	if cfg.SocketDir == "" {
		cfg.SocketDir = os.TempDir()
	}
	cfg.SocketDir = ExpandDir(cfg.SocketDir)
	cfg.MmapDir = ExpandDir(cfg.MmapDir)
	return nil
}

func Init(cfg *Config) (func(), error) {
	return func() {}, Resolve(cfg)
}
