package main

import (
	"context"
	"flag"
	"fmt"
	"image/png"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mmapdisplay/internal/capture"
	"mmapdisplay/internal/client"
	"mmapdisplay/internal/errors"
	"mmapdisplay/internal/logging"
	"mmapdisplay/internal/mmap"
	"mmapdisplay/internal/platform"
	"mmapdisplay/internal/protocol"
)

var (
	flagDisplay   = flag.String("display", "", "Session name of the server to connect to")
	flagSocketDir = flag.String("socket-dir", "", "Directory holding the control socket")
	flagSocket    = flag.String("socket", "", "Control socket path (overrides -display and -socket-dir)")
	flagMmapDir   = flag.String("mmap-dir", "", "Directory for the region backing file ($UID, $GID, $PID and env vars expand)")
	flagMmapFile  = flag.String("mmap-file", "", "Explicit region backing file; an existing file is reused")
	flagMmapSize  = flag.Int("mmap-size", mmap.DefaultSize, "Region size in bytes")
	flagMmapGroup = flag.String("mmap-group", "", "Group policy for the region: SOCKET, auto (tries $"+platform.GroupEnv+"), a group name, or empty")
	flagNoMmap    = flag.Bool("no-mmap", false, "Do not create a region, receive every frame inline")
	flagSnapshot  = flag.String("snapshot", "", "Write the last received frame to this PNG file on exit")
	flagStats     = flag.Duration("stats", 0, "Log client stats at this interval (0 disables)")
	flagLogLevel  = flag.String("log-level", "info", "Log level")
	flagLogFormat = flag.String("log-format", "text", "Log format (text or json)")
)

func main() {
	flag.Parse()

	logger, err := logging.New(logging.Config{Level: *flagLogLevel, Format: *flagLogFormat})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg := &platform.Config{
		Display:   *flagDisplay,
		SocketDir: *flagSocketDir,
		MmapDir:   *flagMmapDir,
		MmapGroup: *flagMmapGroup,
	}
	if err := platform.Resolve(cfg); err != nil {
		logger.WithTraceFields(logging.LogFields{"error": err}).Fatal("platform init")
	}
	socket := cfg.SocketPath()
	if *flagSocket != "" {
		socket = *flagSocket
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var last *snapshot
	for ctx.Err() == nil {
		logger.WithTraceFields(logging.LogFields{"socket": socket}).Info("connecting")
		conn, err := net.Dial("unix", socket)
		if err != nil {
			logger.WithTraceFields(logging.LogFields{"error": err}).Warning("connect failed, retrying in 1s")
			select {
			case <-ctx.Done():
			case <-time.After(1 * time.Second):
			}
			continue
		}

		c := client.New(protocol.NewStreamConn(conn), client.Config{
			Name: "mmapdisplay-client",
			Region: mmap.CreateOptions{
				Size:         *flagMmapSize,
				Dir:          cfg.MmapDir,
				Filename:     *flagMmapFile,
				Group:        cfg.MmapGroup,
				DefaultGroup: platform.DefaultGroup(),
				SocketPath:   socket,
			},
			DisableMmap:   *flagNoMmap,
			StatsInterval: *flagStats,
			Logger:        logger,
		})
		snap, err := runSession(ctx, c, *flagSnapshot != "")
		c.Close()
		if snap != nil {
			last = snap
		}
		if err != nil {
			logger.WithTraceFields(logging.LogFields{"error": err}).Warning("session failed")
		}
		if ctx.Err() == nil {
			logger.WithTrace().Info("disconnected, reconnecting...")
		}
	}

	if last != nil {
		if err := last.write(*flagSnapshot); err != nil {
			logger.WithTraceFields(logging.LogFields{"error": err}).Error("write snapshot")
		}
	}
}

type snapshot struct {
	data                  []byte
	width, height, stride int
}

func (s *snapshot) write(path string) error {
	if s.stride < s.width*4 || len(s.data) < s.stride*s.height {
		return errors.Tracef("frame of %d bytes does not hold %dx%d", len(s.data), s.width, s.height)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Trace(err)
	}
	defer f.Close()
	return errors.Trace(png.Encode(f, capture.BGRAToImage(s.data, s.width, s.height, s.stride)))
}

func runSession(ctx context.Context, c *client.Client, keep bool) (*snapshot, error) {
	hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := c.Handshake(hctx)
	cancel()
	if err != nil {
		return nil, err
	}

	var last *snapshot
	err = c.Run(ctx, func(p *protocol.Payload, data []byte) error {
		if keep && len(data) > 0 {
			if last == nil {
				last = &snapshot{}
			}
			// Ring bytes are only valid inside the handler.
			last.data = append(last.data[:0], data...)
			last.width, last.height, last.stride = p.Width, p.Height, p.Stride
		}
		return nil
	})
	return last, err
}
