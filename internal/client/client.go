// Package client is the consuming end of a display session: it creates the
// shared region, announces it to the server and turns payload messages back
// into frame bytes.
package client

import (
	"context"
	std_errors "errors"
	"sync"
	"sync/atomic"
	"time"

	"mmapdisplay/internal/errors"
	"mmapdisplay/internal/logging"
	"mmapdisplay/internal/mmap"
	"mmapdisplay/internal/protocol"

	"golang.org/x/sync/errgroup"
)

// ErrNoRegion is returned when the server sends a descriptor although no
// region was agreed on.
var ErrNoRegion = std_errors.New("client: descriptor without a region")

const (
	byeTimeout = time.Second

	// maxInlineFrame bounds a reassembled split frame.
	maxInlineFrame = 1 << 30
)

// Config controls region creation and reporting.
type Config struct {
	Name string

	// Region is passed to mmap.Create.
	Region mmap.CreateOptions

	// DisableMmap skips region creation; every frame arrives inline.
	DisableMmap bool

	// TokenBytes is the width of the client token.
	TokenBytes int

	// StatsInterval enables periodic metrics logging when positive.
	StatsInterval time.Duration

	Logger *logging.ContextLogger
}

// Handler receives each frame. Bytes that came through the region are only
// valid until the handler returns.
type Handler func(p *protocol.Payload, data []byte) error

type Client struct {
	cfg    Config
	conn   protocol.Conn
	logger *logging.ContextLogger

	region    *mmap.Region
	reader    *mmap.Reader
	sessionID string

	payloads     atomic.Uint64
	ringPayloads atomic.Uint64
	ringBytes    atomic.Uint64
	inlineBytes  atomic.Uint64

	// partial collects the Inline bytes of a split frame until its last part.
	partial    []byte
	partialSeq uint64

	closeOnce sync.Once
}

func New(conn protocol.Conn, cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.Region.Logger == nil {
		cfg.Region.Logger = logger
	}
	return &Client{cfg: cfg, conn: conn, logger: logger}
}

// Handshake creates the region, offers it to the server and checks the
// token the server writes back. Any region failure leaves the client on
// inline payloads; only control connection failures are returned.
func (c *Client) Handshake(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	hello := &protocol.Hello{Client: c.cfg.Name}
	if !c.cfg.DisableMmap {
		hs, err := c.createRegion()
		if err != nil {
			c.logger.WithTraceFields(logging.LogFields{"error": err}).Warning("mmap unavailable")
		} else {
			hello.Mmap = hs
		}
	}

	if err := c.conn.Send(&protocol.Message{Type: protocol.MessageHello, Hello: hello}); err != nil {
		c.closeRegion()
		return errors.TraceMsg(err, "send hello")
	}

	m, err := c.conn.Recv()
	if err != nil {
		c.closeRegion()
		return errors.TraceMsg(err, "receive welcome")
	}
	if m.Type != protocol.MessageWelcome {
		c.closeRegion()
		return errors.Tracef("expected welcome, got %s", m.Type)
	}
	c.sessionID = m.Welcome.SessionID

	if c.region == nil {
		return nil
	}
	if !m.Welcome.MmapEnabled || m.Welcome.Mmap == nil {
		c.logger.WithTraceFields(logging.LogFields{"session": c.sessionID}).Warning("server declined mmap")
		c.closeRegion()
		return nil
	}

	verified := true
	if err := m.Welcome.Mmap.Verify(c.region); err != nil {
		c.logger.WithTraceFields(logging.LogFields{
			"session": c.sessionID,
			"error":   err,
		}).Warning("server token rejected, mmap disabled")
		verified = false
	}
	if err := c.conn.Send(&protocol.Message{Type: protocol.MessageReady, Ready: &protocol.Ready{MmapVerified: verified}}); err != nil {
		c.closeRegion()
		return errors.TraceMsg(err, "send ready")
	}
	if !verified {
		c.closeRegion()
		return nil
	}

	c.reader = mmap.NewReader(c.region)
	c.logger.WithTraceFields(logging.LogFields{
		"session": c.sessionID,
		"path":    c.region.Path(),
		"size":    c.region.Size(),
	}).Info("mmap enabled")
	return nil
}

func (c *Client) createRegion() (*mmap.Handshake, error) {
	r, err := mmap.Create(c.cfg.Region)
	if err != nil {
		return nil, err
	}
	hs, err := mmap.NewHandshake(r, c.cfg.TokenBytes)
	if err != nil {
		r.Close()
		return nil, err
	}
	c.region = r
	return hs, nil
}

func (c *Client) closeRegion() {
	if c.region != nil {
		c.region.Close()
		c.region = nil
		c.reader = nil
	}
}

// SessionID is the id assigned by the server.
func (c *Client) SessionID() string {
	return c.sessionID
}

// MmapEnabled reports whether frames may arrive through the region.
func (c *Client) MmapEnabled() bool {
	return c.reader != nil
}

// Run delivers frames to handler until the server says goodbye, ctx is
// cancelled or a frame cannot be read. A descriptor that does not describe
// the region ends the session.
func (c *Client) Run(ctx context.Context, handler Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	g.Go(func() error {
		defer cancel()
		return c.receive(ctx, handler)
	})

	if c.cfg.StatsInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(c.cfg.StatsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					c.logger.LogMetrics("client", c)
				}
			}
		})
	}

	return g.Wait()
}

func (c *Client) receive(ctx context.Context, handler Handler) error {
	for {
		m, err := c.conn.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Trace(err)
		}
		switch m.Type {
		case protocol.MessagePayload:
			if err := c.deliver(m.Payload, handler); err != nil {
				return err
			}
		case protocol.MessageBye:
			c.logger.WithTraceFields(logging.LogFields{
				"session": c.sessionID,
				"reason":  m.Bye.Reason,
			}).Info("server said goodbye")
			return nil
		default:
			c.logger.WithTraceFields(logging.LogFields{
				"session": c.sessionID,
				"type":    m.Type.String(),
			}).Debug("ignoring message")
		}
	}
}

func (c *Client) deliver(p *protocol.Payload, handler Handler) error {
	if len(p.Chunks) == 0 {
		data, done, err := c.assemble(p)
		if err != nil || !done {
			return err
		}
		c.payloads.Add(1)
		c.inlineBytes.Add(uint64(len(data)))
		return handler(p, data)
	}
	if c.partial != nil {
		return errors.Tracef("seq %d: descriptor inside split frame %d: %w", p.Seq, c.partialSeq, protocol.ErrMalformed)
	}
	c.payloads.Add(1)

	if c.reader == nil {
		return errors.Trace(ErrNoRegion)
	}
	data, err := c.reader.Read(p.Chunks)
	if err != nil {
		return err
	}
	c.ringPayloads.Add(1)
	c.ringBytes.Add(uint64(len(data)))
	if err := handler(p, data); err != nil {
		return err
	}
	return c.reader.Release(p.Chunks)
}

// assemble joins the parts of a split inline frame. It reports done once
// the last part has arrived.
func (c *Client) assemble(p *protocol.Payload) ([]byte, bool, error) {
	if c.partial == nil {
		if !p.More {
			return p.Inline, true, nil
		}
		c.partialSeq = p.Seq
		c.partial = make([]byte, 0, 2*len(p.Inline))
	} else if p.Seq != c.partialSeq {
		return nil, false, errors.Tracef("seq %d inside split frame %d: %w", p.Seq, c.partialSeq, protocol.ErrMalformed)
	}
	if len(c.partial)+len(p.Inline) > maxInlineFrame {
		return nil, false, errors.Tracef("split frame %d exceeds %d bytes: %w", p.Seq, maxInlineFrame, protocol.ErrMalformed)
	}
	c.partial = append(c.partial, p.Inline...)
	if p.More {
		return nil, false, nil
	}
	data := c.partial
	c.partial = nil
	return data, true, nil
}

// GetMetrics implements logging.MetricsSource.
func (c *Client) GetMetrics() logging.LogFields {
	fields := logging.LogFields{
		"session":       c.sessionID,
		"payloads":      c.payloads.Load(),
		"ring_payloads": c.ringPayloads.Load(),
		"ring_bytes":    c.ringBytes.Load(),
		"inline_bytes":  c.inlineBytes.Load(),
	}
	return fields
}

// Close says goodbye, waiting at most byeTimeout for a peer that is not
// reading, then closes the connection and removes the region. It is
// safe to call more than once, but not concurrently with Run's handler.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		sent := make(chan struct{})
		go func() {
			_ = c.conn.Send(&protocol.Message{Type: protocol.MessageBye, Bye: &protocol.Bye{Reason: "client exit"}})
			close(sent)
		}()
		select {
		case <-sent:
		case <-time.After(byeTimeout):
		}
		err = c.conn.Close()
		c.closeRegion()
	})
	return errors.Trace(err)
}
