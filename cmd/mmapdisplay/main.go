package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mmapdisplay/internal/capture"
	"mmapdisplay/internal/logging"
	"mmapdisplay/internal/mmap"
	"mmapdisplay/internal/platform"
	"mmapdisplay/internal/server"
	"mmapdisplay/internal/session"
	tlsutil "mmapdisplay/internal/tls"
	"mmapdisplay/internal/types"
)

var (
	flagDisplay          = flag.String("display", "", "Session name, used to name the control socket")
	flagSocketDir        = flag.String("socket-dir", "", "Directory for the control socket ($UID, $GID, $PID and env vars expand)")
	flagAddr             = flag.String("addr", "127.0.0.1:8080", "HTTP listen address (empty disables HTTP)")
	flagToken            = flag.String("token", "", "Bearer token for authentication (required)")
	flagFPS              = flag.Int("fps", 30, "Capture frame rate")
	flagWidth            = flag.Int("width", 1280, "Test pattern width")
	flagHeight           = flag.Int("height", 720, "Test pattern height")
	flagStats            = flag.Bool("stats", false, "Log pipeline stats every 5 seconds")
	flagNoMmap           = flag.Bool("no-mmap", false, "Refuse shared-memory regions, send every frame inline")
	flagMmapPath         = flag.String("mmap-path", "", "Server-side path or directory for client regions")
	flagMmapMinSize      = flag.Int("mmap-min-size", mmap.MinSize, "Smallest client region accepted, in bytes")
	flagTokenBytes       = flag.Int("token-bytes", mmap.DefaultTokenBytes, "Width of the server token")
	flagOfferTimeout     = flag.Duration("offer-timeout", 10*time.Second, "Timeout for offer processing and ICE gathering")
	flagHandshakeTimeout = flag.Duration("handshake-timeout", 10*time.Second, "Timeout for the session handshake")
	flagTLS              = flag.Bool("tls", false, "Serve HTTPS with an auto-generated self-signed certificate")
	flagTLSHosts         = flag.String("tls-hosts", "", "Comma-separated extra DNS names or IPs for the self-signed certificate")
	flagLogLevel         = flag.String("log-level", "info", "Log level")
	flagLogFormat        = flag.String("log-format", "text", "Log format (text or json)")
)

func main() {
	flag.Parse()

	logger, err := logging.New(logging.Config{Level: *flagLogLevel, Format: *flagLogFormat})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if *flagToken == "" {
		logger.Fatal("--token is required")
	}
	if *flagFPS <= 0 {
		logger.Fatal("--fps must be > 0")
	}

	cfg := &platform.Config{
		Display:   *flagDisplay,
		SocketDir: *flagSocketDir,
	}
	cleanup, err := platform.Init(cfg)
	if err != nil {
		logger.WithTraceFields(logging.LogFields{"error": err}).Fatal("platform init")
	}
	defer cleanup()

	var tlsConfig *tls.Config
	if *flagTLS {
		var hosts []string
		if *flagTLSHosts != "" {
			hosts = strings.Split(*flagTLSHosts, ",")
		}
		cert, err := tlsutil.NewCertificate(tlsutil.Options{Hosts: hosts})
		if err != nil {
			logger.WithTraceFields(logging.LogFields{"error": err}).Fatal("self-signed cert")
		}
		tlsConfig = cert.Config()
		logger.WithTraceFields(logging.LogFields{
			"fingerprint": cert.Fingerprint(),
			"expires":     cert.Leaf.NotAfter,
		}).Info("self-signed certificate")
	}

	width, height := *flagWidth, *flagHeight
	srv := server.New(server.Config{
		Addr:             *flagAddr,
		SocketPath:       cfg.SocketPath(),
		Token:            *flagToken,
		TLS:              tlsConfig,
		FPS:              *flagFPS,
		Stats:            *flagStats,
		OfferTimeout:     *flagOfferTimeout,
		HandshakeTimeout: *flagHandshakeTimeout,
		Session: session.Config{
			ServerPath:  platform.ExpandDir(*flagMmapPath),
			MinSize:     *flagMmapMinSize,
			TokenBytes:  *flagTokenBytes,
			DisableMmap: *flagNoMmap,
		},
		NewCapturer: func(fps int) (types.MediaCapturer, error) {
			return capture.NewCapturer(width, height)
		},
		Logger: logger,
	})

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx); err != nil {
		logger.WithTraceFields(logging.LogFields{"error": err}).Error("server failed")
		cleanup()
		os.Exit(1)
	}
	logger.WithTrace().Info("shut down")
}
