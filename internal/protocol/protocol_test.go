package protocol

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"

	"mmapdisplay/internal/mmap"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadCarriesDescriptor(t *testing.T) {
	in := &Message{Type: MessagePayload, Payload: &Payload{
		Seq:    42,
		Width:  64,
		Height: 32,
		Stride: 256,
		Chunks: mmap.Descriptor{{Offset: 908, Length: 116}, {Offset: 8, Length: 834}},
	}}
	b, err := Marshal(in)
	require.NoError(t, err)

	out, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, MessagePayload, out.Type)
	assert.Equal(t, uint64(42), out.Payload.Seq)
	assert.Equal(t, 256, out.Payload.Stride)
	assert.True(t, in.Payload.Chunks.Equal(out.Payload.Chunks))
	assert.Nil(t, out.Payload.Inline)
}

func TestChunkEncodesAsPair(t *testing.T) {
	b, err := CBOREncoding.Marshal(mmap.Chunk{Offset: 8, Length: 16})
	require.NoError(t, err)
	var pair []uint32
	require.NoError(t, cbor.Unmarshal(b, &pair))
	assert.Equal(t, []uint32{8, 16}, pair)
}

func TestHelloCarriesHandshake(t *testing.T) {
	token := bytes.Repeat([]byte{0xA5}, 16)
	in := &Message{Type: MessageHello, Hello: &Hello{
		Client: "test",
		Mmap: &mmap.Handshake{
			Path:        "/tmp/mmapdisplay.x.mmap",
			Size:        64 << 20,
			TokenOffset: 4096,
			TokenWidth:  128,
			Token:       token,
		},
	}}
	b, err := Marshal(in)
	require.NoError(t, err)
	out, err := Unmarshal(b)
	require.NoError(t, err)
	require.NotNil(t, out.Hello.Mmap)
	assert.Equal(t, *in.Hello.Mmap, *out.Hello.Mmap)
}

func TestMalformedMessages(t *testing.T) {
	_, err := Marshal(&Message{Type: MessagePayload})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Marshal(&Message{Type: MessagePayload, Payload: &Payload{
		Chunks: mmap.Descriptor{{Offset: 8, Length: 1}},
		Inline: []byte{1},
	}})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Marshal(&Message{Type: MessagePayload, Payload: &Payload{
		Chunks: mmap.Descriptor{{Offset: 8, Length: 1}},
		More:   true,
	}})
	assert.ErrorIs(t, err, ErrMalformed)

	// A body that does not match the type.
	b, err := CBOREncoding.Marshal(&Message{Type: MessageHello, Bye: &Bye{}})
	require.NoError(t, err)
	_, err = Unmarshal(b)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Unmarshal([]byte{0xff, 0x00})
	assert.ErrorIs(t, err, ErrMalformed)

	b, err = CBOREncoding.Marshal(&Message{Type: 99, Bye: &Bye{}})
	require.NoError(t, err)
	_, err = Unmarshal(b)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("abc")))
	require.NoError(t, WriteFrame(&buf, []byte("defg")))
	assert.Equal(t, 4+3+4+4, buf.Len())

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), f)
	f, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("defg"), f)

	assert.Error(t, WriteFrame(&buf, nil))

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	_, err = ReadFrame(bytes.NewReader(hdr[:]))
	assert.Error(t, err)

	// Truncated body.
	binary.BigEndian.PutUint32(hdr[:], 10)
	_, err = ReadFrame(bytes.NewReader(append(hdr[:], 1, 2, 3)))
	assert.Error(t, err)
}

func TestStreamConn(t *testing.T) {
	a, b := net.Pipe()
	ca, cb := NewStreamConn(a), NewStreamConn(b)
	defer ca.Close()
	defer cb.Close()

	inline := bytes.Repeat([]byte{7}, 100000)
	errc := make(chan error, 1)
	go func() {
		if err := ca.Send(&Message{Type: MessageReady, Ready: &Ready{MmapVerified: true}}); err != nil {
			errc <- err
			return
		}
		errc <- ca.Send(&Message{Type: MessagePayload, Payload: &Payload{Seq: 1, Inline: inline}})
	}()

	m, err := cb.Recv()
	require.NoError(t, err)
	require.Equal(t, MessageReady, m.Type)
	assert.True(t, m.Ready.MmapVerified)

	m, err = cb.Recv()
	require.NoError(t, err)
	require.Equal(t, MessagePayload, m.Type)
	assert.Equal(t, inline, m.Payload.Inline)
	require.NoError(t, <-errc)

	require.NoError(t, ca.Close())
	_, err = cb.Recv()
	assert.Error(t, err)
}
