package protocol

import (
	"bytes"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newDataChannelPair connects two in-process peers over loopback and
// returns both ends of the control data channel once they are open.
func newDataChannelPair(t *testing.T) (*DataChannelConn, *DataChannelConn) {
	t.Helper()

	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	offerer, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = offerer.Close() })
	answerer, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = answerer.Close() })

	localOpen := make(chan struct{})
	dc, err := offerer.CreateDataChannel(DataChannelLabel, nil)
	require.NoError(t, err)
	local := NewDataChannelConn(dc)
	dc.OnOpen(func() { close(localOpen) })

	remotes := make(chan *DataChannelConn, 1)
	answerer.OnDataChannel(func(d *webrtc.DataChannel) {
		conn := NewDataChannelConn(d)
		d.OnOpen(func() { remotes <- conn })
	})

	offer, err := offerer.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(offerer)
	require.NoError(t, offerer.SetLocalDescription(offer))
	<-gathered

	require.NoError(t, answerer.SetRemoteDescription(*offerer.LocalDescription()))
	answer, err := answerer.CreateAnswer(nil)
	require.NoError(t, err)
	gathered = webrtc.GatheringCompletePromise(answerer)
	require.NoError(t, answerer.SetLocalDescription(answer))
	<-gathered
	require.NoError(t, offerer.SetRemoteDescription(*answerer.LocalDescription()))

	var remote *DataChannelConn
	select {
	case remote = <-remotes:
	case <-time.After(20 * time.Second):
		t.Fatal("remote data channel did not open")
	}
	select {
	case <-localOpen:
	case <-time.After(20 * time.Second):
		t.Fatal("local data channel did not open")
	}
	return local, remote
}

func TestDataChannelConn(t *testing.T) {
	local, remote := newDataChannelPair(t)

	require.NoError(t, local.Send(&Message{Type: MessageBye, Bye: &Bye{Reason: "short"}}))
	m, err := remote.Recv()
	require.NoError(t, err)
	require.Equal(t, MessageBye, m.Type)
	assert.Equal(t, "short", m.Bye.Reason)

	// Spans several fragments.
	inline := bytes.Repeat([]byte("0123456789"), 10000)
	require.NoError(t, remote.Send(&Message{Type: MessagePayload, Payload: &Payload{Seq: 9, Inline: inline}}))
	m, err = local.Recv()
	require.NoError(t, err)
	require.Equal(t, MessagePayload, m.Type)
	assert.Equal(t, uint64(9), m.Payload.Seq)
	assert.Equal(t, inline, m.Payload.Inline)

	require.NoError(t, local.Close())
	_, err = local.Recv()
	assert.Error(t, err)
	assert.Error(t, local.Send(&Message{Type: MessageBye, Bye: &Bye{}}))
}

func TestFragmentReassembly(t *testing.T) {
	c := &DataChannelConn{frames: make(chan []byte, 4), closed: make(chan struct{})}
	c.onFragment([]byte{fragmentMore, 'a', 'b'})
	c.onFragment([]byte{fragmentMore, 'c'})
	c.onFragment([]byte{fragmentFinal, 'd'})
	c.onFragment([]byte{fragmentFinal, 'e'})
	assert.Equal(t, []byte("abcd"), <-c.frames)
	assert.Equal(t, []byte("e"), <-c.frames)

	c.onFragment(nil)
	select {
	case <-c.closed:
	default:
		t.Fatal("empty fragment did not close the connection")
	}
}
