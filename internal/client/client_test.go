//go:build unix

package client

import (
	"bytes"
	"context"
	std_errors "errors"
	"net"
	"os"
	"testing"
	"time"

	"mmapdisplay/internal/mmap"
	"mmapdisplay/internal/protocol"
	"mmapdisplay/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func handshake(t *testing.T, c *Client, sess *session.Session) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- sess.Handshake(context.Background())
	}()
	require.NoError(t, c.Handshake(context.Background()))
	require.NoError(t, <-done)
}

type frame struct {
	seq    uint64
	ring   bool
	data   []byte
	stride int
}

func collect(frames *[]frame) Handler {
	return func(p *protocol.Payload, data []byte) error {
		*frames = append(*frames, frame{
			seq:    p.Seq,
			ring:   len(p.Chunks) > 0,
			data:   bytes.Clone(data),
			stride: p.Stride,
		})
		return nil
	}
}

func TestEndToEnd(t *testing.T) {
	a, b := net.Pipe()
	dir := t.TempDir()
	c := New(protocol.NewStreamConn(a), Config{
		Name:   "test",
		Region: mmap.CreateOptions{Size: mmap.MinSize, Dir: dir},
	})
	sess := session.New("e2e", protocol.NewStreamConn(b), session.Config{})
	handshake(t, c, sess)

	require.True(t, c.MmapEnabled())
	require.True(t, sess.MmapEnabled())
	assert.Equal(t, "e2e", c.SessionID())
	path := c.region.Path()

	var frames []frame
	ran := make(chan error, 1)
	go func() { ran <- c.Run(context.Background(), collect(&frames)) }()

	// Large frames force wraparound; whatever does not fit goes inline.
	var sent [][]byte
	for i := range 12 {
		data := bytes.Repeat([]byte{byte(i), byte(i >> 8), 0x5a}, (9<<20)/3)
		sent = append(sent, data)
		require.NoError(t, sess.SendFrame(data, 1024, 768, 4096))
	}
	require.NoError(t, sess.SendFrame(nil, 0, 0, 0))
	sess.Close()
	require.NoError(t, <-ran)

	require.Len(t, frames, len(sent)+1)
	assert.True(t, frames[0].ring)
	for i, data := range sent {
		assert.Equal(t, uint64(i+1), frames[i].seq)
		assert.Equal(t, 4096, frames[i].stride)
		assert.True(t, bytes.Equal(data, frames[i].data), "frame %d", i)
	}
	assert.Empty(t, frames[len(sent)].data)

	metrics := c.GetMetrics()
	assert.Equal(t, uint64(len(sent)+1), metrics["payloads"])
	assert.Positive(t, metrics["ring_payloads"])

	require.NoError(t, c.Close())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestMmapDisabled(t *testing.T) {
	a, b := net.Pipe()
	c := New(protocol.NewStreamConn(a), Config{DisableMmap: true})
	sess := session.New("inline", protocol.NewStreamConn(b), session.Config{})
	handshake(t, c, sess)
	assert.False(t, c.MmapEnabled())
	assert.False(t, sess.MmapEnabled())

	var frames []frame
	ran := make(chan error, 1)
	go func() { ran <- c.Run(context.Background(), collect(&frames)) }()
	require.NoError(t, sess.SendFrame([]byte("pixels"), 1, 1, 4))
	sess.Close()
	require.NoError(t, <-ran)

	require.Len(t, frames, 1)
	assert.False(t, frames[0].ring)
	assert.Equal(t, []byte("pixels"), frames[0].data)
	c.Close()
}

// scriptedServer plays the server side of the handshake by hand.
type scriptedServer struct {
	t      *testing.T
	conn   *protocol.StreamConn
	region *mmap.Region
}

func startScripted(t *testing.T, damageToken bool) (*Client, *scriptedServer) {
	a, b := net.Pipe()
	c := New(protocol.NewStreamConn(a), Config{
		Region: mmap.CreateOptions{Size: mmap.MinSize, Dir: t.TempDir()},
	})
	srv := &scriptedServer{t: t, conn: protocol.NewStreamConn(b)}
	t.Cleanup(func() {
		srv.conn.Close()
		if srv.region != nil {
			srv.region.Close()
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Handshake(context.Background())
	}()

	m, err := srv.conn.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.MessageHello, m.Type)
	hello := m.Hello.Mmap
	require.NotNil(t, hello)

	srv.region, err = mmap.Open(hello.Path, int(hello.Size))
	require.NoError(t, err)
	require.NoError(t, hello.Verify(srv.region))
	hs, err := mmap.NewHandshake(srv.region, 32)
	require.NoError(t, err)
	if damageToken {
		hs.Token[len(hs.Token)-1] ^= 0x01
	}
	require.NoError(t, srv.conn.Send(&protocol.Message{
		Type:    protocol.MessageWelcome,
		Welcome: &protocol.Welcome{SessionID: "scripted", MmapEnabled: true, Mmap: hs},
	}))

	m, err = srv.conn.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.MessageReady, m.Type)
	require.Equal(t, !damageToken, m.Ready.MmapVerified)
	require.NoError(t, <-done)
	return c, srv
}

func (srv *scriptedServer) send(p *protocol.Payload) {
	require.NoError(srv.t, srv.conn.Send(&protocol.Message{Type: protocol.MessagePayload, Payload: p}))
}

func TestServerTokenMismatch(t *testing.T) {
	c, _ := startScripted(t, true)
	assert.False(t, c.MmapEnabled())
	assert.Nil(t, c.region)
	c.Close()
}

func TestCloseWithSilentPeer(t *testing.T) {
	c, _ := startScripted(t, false)
	require.True(t, c.MmapEnabled())
	path := c.region.Path()

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * byeTimeout):
		t.Fatal("Close blocked on a peer that does not read")
	}
	assert.NoFileExists(t, path)
	assert.NoError(t, c.Close())
}

func TestCorruptDescriptorEndsSession(t *testing.T) {
	c, srv := startScripted(t, false)
	require.True(t, c.MmapEnabled())
	defer c.Close()

	ran := make(chan error, 1)
	go func() {
		ran <- c.Run(context.Background(), func(*protocol.Payload, []byte) error { return nil })
	}()
	srv.send(&protocol.Payload{Seq: 1, Chunks: mmap.Descriptor{{Offset: 0, Length: 10}}})
	assert.ErrorIs(t, <-ran, mmap.ErrCorruptDescriptor)
}

func TestHandlerErrorEndsSession(t *testing.T) {
	c, srv := startScripted(t, false)
	defer c.Close()

	w := mmap.NewWriter(srv.region)
	d, _, err := w.Write([]byte("frame"))
	require.NoError(t, err)

	boom := std_errors.New("boom")
	ran := make(chan error, 1)
	go func() {
		ran <- c.Run(context.Background(), func(p *protocol.Payload, data []byte) error {
			assert.Equal(t, []byte("frame"), data)
			return boom
		})
	}()
	srv.send(&protocol.Payload{Seq: 1, Chunks: d})
	assert.ErrorIs(t, <-ran, boom)

	// Not released.
	start, _ := srv.region.Cursors()
	assert.Equal(t, mmap.HeaderSize, start)
}

func TestReleaseAfterHandler(t *testing.T) {
	c, srv := startScripted(t, false)
	defer c.Close()

	w := mmap.NewWriter(srv.region)
	d, _, err := w.Write([]byte("frame"))
	require.NoError(t, err)

	handled := make(chan struct{})
	ran := make(chan error, 1)
	go func() {
		ran <- c.Run(context.Background(), func(*protocol.Payload, []byte) error {
			close(handled)
			return nil
		})
	}()
	srv.send(&protocol.Payload{Seq: 1, Chunks: d})
	<-handled
	require.NoError(t, srv.conn.Send(&protocol.Message{Type: protocol.MessageBye, Bye: &protocol.Bye{Reason: "done"}}))
	require.NoError(t, <-ran)

	start, end := srv.region.Cursors()
	assert.Equal(t, end, start)
	assert.Equal(t, d.End(), start)
}

func TestSplitInlineFrame(t *testing.T) {
	c, srv := startScripted(t, false)
	defer c.Close()

	got := make(chan []byte, 2)
	ran := make(chan error, 1)
	go func() {
		ran <- c.Run(context.Background(), func(p *protocol.Payload, data []byte) error {
			assert.Equal(t, 7, p.Width)
			got <- bytes.Clone(data)
			return nil
		})
	}()
	srv.send(&protocol.Payload{Seq: 1, Width: 7, Inline: []byte("abc"), More: true})
	srv.send(&protocol.Payload{Seq: 1, Width: 7, Inline: []byte("def"), More: true})
	srv.send(&protocol.Payload{Seq: 1, Width: 7, Inline: []byte("g")})
	srv.send(&protocol.Payload{Seq: 2, Width: 7, Inline: []byte("whole")})
	assert.Equal(t, []byte("abcdefg"), <-got)
	assert.Equal(t, []byte("whole"), <-got)

	require.NoError(t, srv.conn.Send(&protocol.Message{Type: protocol.MessageBye, Bye: &protocol.Bye{Reason: "done"}}))
	require.NoError(t, <-ran)
	assert.Equal(t, uint64(2), c.GetMetrics()["payloads"])
	assert.Equal(t, uint64(12), c.GetMetrics()["inline_bytes"])
}

func TestInterleavedSplitFrameEndsSession(t *testing.T) {
	c, srv := startScripted(t, false)
	defer c.Close()

	ran := make(chan error, 1)
	go func() {
		ran <- c.Run(context.Background(), func(*protocol.Payload, []byte) error { return nil })
	}()
	srv.send(&protocol.Payload{Seq: 1, Inline: []byte("abc"), More: true})
	srv.send(&protocol.Payload{Seq: 2, Inline: []byte("def")})
	assert.ErrorIs(t, <-ran, protocol.ErrMalformed)
}

func TestDescriptorWithoutRegion(t *testing.T) {
	a, b := net.Pipe()
	c := New(protocol.NewStreamConn(a), Config{DisableMmap: true})
	srv := protocol.NewStreamConn(b)
	defer srv.Close()

	done := make(chan error, 1)
	go func() { done <- c.Handshake(context.Background()) }()
	m, err := srv.Recv()
	require.NoError(t, err)
	assert.Nil(t, m.Hello.Mmap)
	require.NoError(t, srv.Send(&protocol.Message{Type: protocol.MessageWelcome, Welcome: &protocol.Welcome{SessionID: "x"}}))
	require.NoError(t, <-done)

	ran := make(chan error, 1)
	go func() {
		ran <- c.Run(context.Background(), func(*protocol.Payload, []byte) error { return nil })
	}()
	require.NoError(t, srv.Send(&protocol.Message{Type: protocol.MessagePayload, Payload: &protocol.Payload{
		Chunks: mmap.Descriptor{{Offset: 8, Length: 1}},
	}}))
	assert.ErrorIs(t, <-ran, ErrNoRegion)
}

func TestRunCancelled(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	c := New(protocol.NewStreamConn(a), Config{DisableMmap: true})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, c.Run(ctx, func(*protocol.Payload, []byte) error { return nil }))
}
