// Package protocol defines the control connection that runs beside the
// shared-memory region: the handshake that establishes the region, and the
// per-frame messages that carry descriptors, or the frame bytes themselves
// when the region cannot take them.
package protocol

import (
	std_errors "errors"

	"mmapdisplay/internal/errors"
	"mmapdisplay/internal/mmap"

	"github.com/fxamacker/cbor/v2"
)

// MessageType identifies which body a Message carries.
type MessageType uint8

const (
	MessageHello MessageType = iota + 1
	MessageWelcome
	MessageReady
	MessagePayload
	MessageBye
)

func (t MessageType) String() string {
	switch t {
	case MessageHello:
		return "hello"
	case MessageWelcome:
		return "welcome"
	case MessageReady:
		return "ready"
	case MessagePayload:
		return "payload"
	case MessageBye:
		return "bye"
	}
	return "unknown"
}

// ErrMalformed is returned for messages whose body does not match their type.
var ErrMalformed = std_errors.New("protocol: malformed message")

// Hello is sent by the client, which creates the region, to announce it.
type Hello struct {
	Client string          `cbor:"1,keyasint,omitempty"`
	Mmap   *mmap.Handshake `cbor:"2,keyasint,omitempty"`
}

// Welcome answers Hello. When MmapEnabled is set, Mmap carries the token
// the server wrote into the client's region; Path and Size are omitted.
type Welcome struct {
	SessionID   string          `cbor:"1,keyasint"`
	MmapEnabled bool            `cbor:"2,keyasint"`
	Mmap        *mmap.Handshake `cbor:"3,keyasint,omitempty"`
}

// Ready tells the server whether the client accepted the server token.
// The server writes nothing into the region before Ready.
type Ready struct {
	MmapVerified bool `cbor:"1,keyasint"`
}

// MaxInlinePart bounds Inline in a single Payload, leaving headroom under
// MaxFrameSize for the envelope.
const MaxInlinePart = MaxFrameSize - 64<<10

// Payload announces one frame. Exactly one of Chunks and Inline is set,
// unless the frame is empty.
//
// An inline frame larger than MaxInlinePart is split across consecutive
// Payloads with the same Seq. All but the last set More, and the receiver
// concatenates their Inline bytes.
type Payload struct {
	Seq    uint64          `cbor:"1,keyasint"`
	Width  int             `cbor:"2,keyasint,omitempty"`
	Height int             `cbor:"3,keyasint,omitempty"`
	Stride int             `cbor:"4,keyasint,omitempty"`
	Chunks mmap.Descriptor `cbor:"5,keyasint,omitempty"`
	Inline []byte          `cbor:"6,keyasint,omitempty"`
	More   bool            `cbor:"7,keyasint,omitempty"`
}

// Bye ends a session.
type Bye struct {
	Reason string `cbor:"1,keyasint,omitempty"`
}

// Message is the envelope for everything on the control connection.
type Message struct {
	Type    MessageType `cbor:"1,keyasint"`
	Hello   *Hello      `cbor:"2,keyasint,omitempty"`
	Welcome *Welcome    `cbor:"3,keyasint,omitempty"`
	Ready   *Ready      `cbor:"4,keyasint,omitempty"`
	Payload *Payload    `cbor:"5,keyasint,omitempty"`
	Bye     *Bye        `cbor:"6,keyasint,omitempty"`
}

// CBOREncoding is the canonical (CTAP2) encoding used for every message.
var CBOREncoding cbor.EncMode

func init() {
	CBOREncoding, _ = cbor.CTAP2EncOptions().EncMode()
}

// Marshal encodes m.
func Marshal(m *Message) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	b, err := CBOREncoding.Marshal(m)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return b, nil
}

// Unmarshal decodes and checks a message.
func Unmarshal(b []byte) (*Message, error) {
	var m Message
	if err := cbor.Unmarshal(b, &m); err != nil {
		return nil, errors.Tracef("%w: %w", ErrMalformed, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Message) validate() error {
	var ok bool
	switch m.Type {
	case MessageHello:
		ok = m.Hello != nil
	case MessageWelcome:
		ok = m.Welcome != nil
	case MessageReady:
		ok = m.Ready != nil
	case MessagePayload:
		p := m.Payload
		ok = p != nil && (len(p.Chunks) == 0 || len(p.Inline) == 0) && (!p.More || len(p.Chunks) == 0)
	case MessageBye:
		ok = m.Bye != nil
	}
	if !ok {
		return errors.Tracef("type %s: %w", m.Type, ErrMalformed)
	}
	return nil
}

// Conn carries Messages. Send may be called from several goroutines; Recv
// from one.
type Conn interface {
	Send(m *Message) error
	Recv() (*Message, error)
	Close() error
}
