package protocol

import (
	"io"
	"sync"

	"mmapdisplay/internal/errors"

	"github.com/pion/webrtc/v4"
)

// DataChannelLabel is the label of the data channel used as the control
// connection.
const DataChannelLabel = "mmap"

const (
	fragmentSize  = 16 * 1024
	fragmentFinal = 0
	fragmentMore  = 1
)

// DataChannelConn runs the control protocol over a WebRTC data channel.
// Messages are split into fragments that fit any SCTP message size limit;
// the first byte of each fragment says whether more follow.
type DataChannelConn struct {
	dc     *webrtc.DataChannel
	frames chan []byte

	sendMu sync.Mutex

	// partial is only touched by the OnMessage callback, which pion runs
	// serially.
	partial []byte

	closed    chan struct{}
	closeOnce sync.Once
	err       error
}

// NewDataChannelConn wraps an open data channel. It takes over the
// channel's OnMessage and OnClose callbacks.
func NewDataChannelConn(dc *webrtc.DataChannel) *DataChannelConn {
	c := &DataChannelConn{
		dc:     dc,
		frames: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.onFragment(msg.Data)
	})
	dc.OnClose(func() {
		c.shutdown(io.EOF)
	})
	return c
}

func (c *DataChannelConn) onFragment(data []byte) {
	if len(data) == 0 {
		c.shutdown(errors.TraceNew("empty fragment"))
		return
	}
	c.partial = append(c.partial, data[1:]...)
	if len(c.partial) > MaxFrameSize {
		c.shutdown(errors.Tracef("frame exceeds %d bytes", MaxFrameSize))
		return
	}
	if data[0] == fragmentMore {
		return
	}
	frame := c.partial
	c.partial = nil
	select {
	case c.frames <- frame:
	case <-c.closed:
	}
}

func (c *DataChannelConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.closed)
	})
}

func (c *DataChannelConn) Send(m *Message) error {
	b, err := Marshal(m)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errors.Trace(c.err)
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for len(b) > 0 {
		n := min(len(b), fragmentSize)
		flag := byte(fragmentFinal)
		if n < len(b) {
			flag = fragmentMore
		}
		fragment := make([]byte, 0, n+1)
		fragment = append(fragment, flag)
		fragment = append(fragment, b[:n]...)
		if err := c.dc.Send(fragment); err != nil {
			return errors.Trace(err)
		}
		b = b[n:]
	}
	return nil
}

func (c *DataChannelConn) Recv() (*Message, error) {
	select {
	case frame := <-c.frames:
		return Unmarshal(frame)
	case <-c.closed:
	}
	// Deliver frames that arrived before the close.
	select {
	case frame := <-c.frames:
		return Unmarshal(frame)
	default:
		return nil, errors.Trace(c.err)
	}
}

func (c *DataChannelConn) Close() error {
	c.shutdown(io.EOF)
	return errors.Trace(c.dc.Close())
}
