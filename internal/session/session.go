package session

import (
	"context"
	std_errors "errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"mmapdisplay/internal/errors"
	"mmapdisplay/internal/logging"
	"mmapdisplay/internal/mmap"
	"mmapdisplay/internal/protocol"

	"golang.org/x/time/rate"
)

const byeTimeout = time.Second

// Config controls how a session accepts a client's region.
type Config struct {
	// ServerPath redirects the client's announced path: a directory keeps
	// the client's base name, anything else replaces the path entirely.
	// Used when the server sees the file under a different mount.
	ServerPath string

	// MinSize rejects regions smaller than this, on top of mmap.MinSize.
	MinSize int

	// TokenBytes is the width of the token the server writes back.
	TokenBytes int

	// DisableMmap refuses every region, leaving the control channel only.
	DisableMmap bool

	// InlinePart is the most inline bytes one Payload carries. Larger
	// inline frames are split. Defaults to protocol.MaxInlinePart.
	InlinePart int

	Logger *logging.ContextLogger
}

// Session is the server side of one client connection: the control
// connection plus, when the handshake succeeds, the client's region and
// the writer that produces into it.
type Session struct {
	ID     string
	Stop   chan struct{}
	conn   protocol.Conn
	cfg    Config
	logger *logging.ContextLogger

	region  *mmap.Region
	writer  *mmap.Writer
	enabled atomic.Bool

	seq            atomic.Uint64
	payloads       atomic.Uint64
	ringPayloads   atomic.Uint64
	inlinePayloads atomic.Uint64
	inlineBytes    atomic.Uint64
	fallbackWarn   rate.Sometimes

	// sendMu keeps Close from unmapping the region under SendFrame.
	sendMu sync.Mutex

	closed bool
	mu     sync.Mutex
}

// New creates a session over conn. Handshake must complete before frames
// are sent.
func New(id string, conn protocol.Conn, cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.TokenBytes <= 0 {
		cfg.TokenBytes = mmap.DefaultTokenBytes
	}
	if cfg.InlinePart <= 0 || cfg.InlinePart > protocol.MaxInlinePart {
		cfg.InlinePart = protocol.MaxInlinePart
	}
	return &Session{
		ID:           id,
		Stop:         make(chan struct{}),
		conn:         conn,
		cfg:          cfg,
		logger:       logger,
		fallbackWarn: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

// Handshake waits for the client's Hello, sets up the region it announces
// and exchanges tokens. A region that cannot be used is not an error: the
// session continues with inline payloads. Cancelling ctx closes the
// connection.
func (s *Session) Handshake(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	m, err := s.conn.Recv()
	if err != nil {
		return errors.TraceMsg(err, "receive hello")
	}
	if m.Type != protocol.MessageHello {
		return errors.Tracef("expected hello, got %s", m.Type)
	}

	welcome := &protocol.Welcome{SessionID: s.ID}
	if m.Hello.Mmap != nil {
		if hs, err := s.acceptRegion(m.Hello.Mmap); err != nil {
			s.logger.WithTraceFields(logging.LogFields{
				"session": s.ID,
				"path":    m.Hello.Mmap.Path,
				"error":   err,
			}).Warning("mmap disabled")
		} else {
			welcome.MmapEnabled = true
			welcome.Mmap = hs
		}
	}

	if err := s.conn.Send(&protocol.Message{Type: protocol.MessageWelcome, Welcome: welcome}); err != nil {
		s.dropRegion()
		return errors.TraceMsg(err, "send welcome")
	}

	if !welcome.MmapEnabled {
		return nil
	}

	m, err = s.conn.Recv()
	if err != nil {
		s.dropRegion()
		return errors.TraceMsg(err, "receive ready")
	}
	if m.Type != protocol.MessageReady {
		s.dropRegion()
		return errors.Tracef("expected ready, got %s", m.Type)
	}
	if !m.Ready.MmapVerified {
		s.logger.WithTraceFields(logging.LogFields{"session": s.ID}).Warning("client rejected the server token, mmap disabled")
		s.dropRegion()
		return nil
	}

	s.enabled.Store(true)
	s.logger.WithTraceFields(logging.LogFields{
		"session": s.ID,
		"path":    s.region.Path(),
		"size":    s.region.Size(),
	}).Info("mmap enabled")
	return nil
}

// acceptRegion maps the client's region, checks its token and writes the
// server token for the client to check.
func (s *Session) acceptRegion(hello *mmap.Handshake) (*mmap.Handshake, error) {
	if s.cfg.DisableMmap {
		return nil, errors.TraceNew("mmap disabled by configuration")
	}
	if !mmap.Supported {
		return nil, errors.Trace(mmap.ErrUnsupported)
	}

	path := s.serverPath(hello.Path)
	r, err := mmap.Open(path, int(hello.Size))
	if err != nil {
		return nil, err
	}
	if err := hello.Verify(r); err != nil {
		r.Close()
		return nil, err
	}
	if s.cfg.MinSize > 0 && r.Size() < s.cfg.MinSize {
		r.Close()
		return nil, errors.Tracef("region of %d bytes is below the minimum of %d: %w", r.Size(), s.cfg.MinSize, mmap.ErrSize)
	}

	hs, err := mmap.NewHandshake(r, s.cfg.TokenBytes)
	if err != nil {
		r.Close()
		return nil, err
	}

	s.mu.Lock()
	s.region = r
	s.writer = mmap.NewWriter(r)
	s.mu.Unlock()

	// The client already knows where its region is.
	hs.Path = ""
	hs.Size = 0
	return hs, nil
}

func (s *Session) serverPath(clientPath string) string {
	if s.cfg.ServerPath == "" {
		return clientPath
	}
	if info, err := os.Stat(s.cfg.ServerPath); err == nil && info.IsDir() {
		return filepath.Join(s.cfg.ServerPath, filepath.Base(clientPath))
	}
	return s.cfg.ServerPath
}

func (s *Session) dropRegion() {
	s.enabled.Store(false)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.region != nil {
		s.region.Close()
		s.region = nil
		s.writer = nil
	}
}

// MmapEnabled reports whether frames currently go through the region.
func (s *Session) MmapEnabled() bool {
	return s.enabled.Load()
}

// SendFrame announces one frame. The bytes go into the region when it has
// room and over the control connection otherwise, split into several
// Payloads when it exceeds InlinePart. A frame is never dropped. Only one
// goroutine may call SendFrame.
func (s *Session) SendFrame(data []byte, width, height, stride int) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	p := &protocol.Payload{
		Seq:    s.seq.Add(1),
		Width:  width,
		Height: height,
		Stride: stride,
	}

	if len(data) > 0 && s.enabled.Load() {
		d, free, err := s.writer.Write(data)
		switch {
		case err == nil:
			p.Chunks = d
		case std_errors.Is(err, mmap.ErrBufferFull), std_errors.Is(err, mmap.ErrPayloadTooLarge):
			s.fallbackWarn.Do(func() {
				s.logger.WithTraceFields(logging.LogFields{
					"session": s.ID,
					"size":    len(data),
					"free":    free,
					"error":   err,
				}).Warning("mmap area full, sending inline")
			})
		default:
			// The peer has damaged the cursors or the region went away:
			// stop using it for the rest of the session.
			s.logger.WithTraceFields(logging.LogFields{
				"session": s.ID,
				"error":   err,
			}).Error("mmap disabled")
			s.enabled.Store(false)
		}
	}

	s.payloads.Add(1)
	if p.Chunks != nil {
		s.ringPayloads.Add(1)
		return s.conn.Send(&protocol.Message{Type: protocol.MessagePayload, Payload: p})
	}

	s.inlinePayloads.Add(1)
	s.inlineBytes.Add(uint64(len(data)))
	for len(data) > s.cfg.InlinePart {
		part := *p
		part.Inline = data[:s.cfg.InlinePart]
		part.More = true
		if err := s.conn.Send(&protocol.Message{Type: protocol.MessagePayload, Payload: &part}); err != nil {
			return err
		}
		data = data[s.cfg.InlinePart:]
	}
	p.Inline = data
	return s.conn.Send(&protocol.Message{Type: protocol.MessagePayload, Payload: p})
}

// Run reads client messages until the client says goodbye, the connection
// fails or the session is closed. It closes the session before returning.
func (s *Session) Run() error {
	defer s.Close()
	for {
		m, err := s.conn.Recv()
		if err != nil {
			if s.IsClosed() {
				return nil
			}
			return errors.Trace(err)
		}
		switch m.Type {
		case protocol.MessageBye:
			s.logger.WithTraceFields(logging.LogFields{
				"session": s.ID,
				"reason":  m.Bye.Reason,
			}).Info("client said goodbye")
			return nil
		default:
			s.logger.WithTraceFields(logging.LogFields{
				"session": s.ID,
				"type":    m.Type.String(),
			}).Debug("ignoring message")
		}
	}
}

// Info describes the session's mmap state.
func (s *Session) Info() map[string]interface{} {
	info := map[string]interface{}{
		"supported": mmap.Supported,
		"enabled":   s.enabled.Load(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.region != nil {
		info["size"] = s.region.Size()
		info["filename"] = s.region.Path()
	}
	return info
}

// GetMetrics implements logging.MetricsSource.
func (s *Session) GetMetrics() logging.LogFields {
	fields := logging.LogFields{
		"session":         s.ID,
		"payloads":        s.payloads.Load(),
		"ring_payloads":   s.ringPayloads.Load(),
		"inline_payloads": s.inlinePayloads.Load(),
		"inline_bytes":    s.inlineBytes.Load(),
		"mmap_enabled":    s.enabled.Load(),
	}
	s.mu.Lock()
	w := s.writer
	s.mu.Unlock()
	if w != nil {
		stats := w.Stats()
		fields["ring_bytes"] = stats.Bytes
		fields["ring_splits"] = stats.Splits
		fields["ring_restarts"] = stats.Restarts
		fields["ring_full"] = stats.Full
		fields["ring_too_large"] = stats.TooLarge
	}
	return fields
}

// Close tells the client goodbye and releases the connection and region.
// It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.Stop)
	s.enabled.Store(false)
	region := s.region
	s.mu.Unlock()

	sent := make(chan struct{})
	go func() {
		_ = s.conn.Send(&protocol.Message{Type: protocol.MessageBye, Bye: &protocol.Bye{Reason: "closed"}})
		close(sent)
	}()
	select {
	case <-sent:
	case <-time.After(byeTimeout):
	}
	s.conn.Close()

	if region != nil {
		s.sendMu.Lock()
		region.Close()
		s.sendMu.Unlock()
	}
	s.logger.WithTraceFields(logging.LogFields{"session": s.ID}).Info("session closed")
}

func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
