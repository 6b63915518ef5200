package protocol

import (
	"encoding/binary"
	"io"
	"sync"

	"mmapdisplay/internal/errors"
)

// MaxFrameSize bounds one encoded message. Inline pixel data larger than
// MaxInlinePart is sent as several Payload messages, so every message fits.
const MaxFrameSize = 128 << 20

// WriteFrame writes a length-prefixed frame: [4-byte big-endian length][payload].
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) == 0 || len(data) > MaxFrameSize {
		return errors.Tracef("invalid frame length: %d", len(data))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Trace(err)
	}
	_, err := w.Write(data)
	return errors.Trace(err)
}

// ReadFrame reads a length-prefixed frame from a stream.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, errors.Trace(err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > MaxFrameSize {
		return nil, errors.Tracef("invalid frame length: %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Trace(err)
	}
	return buf, nil
}

// StreamConn runs the control protocol over a byte stream such as a unix
// socket.
type StreamConn struct {
	rwc io.ReadWriteCloser
	mu  sync.Mutex
}

// NewStreamConn wraps rwc.
func NewStreamConn(rwc io.ReadWriteCloser) *StreamConn {
	return &StreamConn{rwc: rwc}
}

func (c *StreamConn) Send(m *Message) error {
	b, err := Marshal(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteFrame(c.rwc, b)
}

func (c *StreamConn) Recv() (*Message, error) {
	b, err := ReadFrame(c.rwc)
	if err != nil {
		return nil, err
	}
	return Unmarshal(b)
}

func (c *StreamConn) Close() error {
	return errors.Trace(c.rwc.Close())
}
