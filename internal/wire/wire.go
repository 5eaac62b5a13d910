// Package wire implements a fixed, typed, sequenced message framing: every
// message is a 9-byte header followed by exactly length payload bytes. A
// Framer keeps one fixed-size header buffer and allocates a freshly-sized
// payload buffer per call; encryption, if any, is a property of the
// underlying stream and is handled by internal/secure, not by this package.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageType identifies the kind of a framed message.
type MessageType byte

const (
	Hello             MessageType = 0x01
	Frame             MessageType = 0x02
	Audio             MessageType = 0x03
	Config            MessageType = 0x05
	Ping              MessageType = 0x06
	Pong              MessageType = 0x07
	Pause             MessageType = 0x08
	Resume            MessageType = 0x09
	DiscoveryRequest  MessageType = 0x10
	DiscoveryResponse MessageType = 0x11
	PinVerify         MessageType = 0x12
	PinVerified       MessageType = 0x13
	ClientHello       MessageType = 0x14
	ErrorMsg          MessageType = 0xFF
)

func (t MessageType) String() string {
	switch t {
	case Hello:
		return "HELLO"
	case Frame:
		return "FRAME"
	case Audio:
		return "AUDIO"
	case Config:
		return "CONFIG"
	case Ping:
		return "PING"
	case Pong:
		return "PONG"
	case Pause:
		return "PAUSE"
	case Resume:
		return "RESUME"
	case DiscoveryRequest:
		return "DISCOVERY_REQUEST"
	case DiscoveryResponse:
		return "DISCOVERY_RESPONSE"
	case PinVerify:
		return "PIN_VERIFY"
	case PinVerified:
		return "PIN_VERIFIED"
	case ClientHello:
		return "CLIENT_HELLO"
	case ErrorMsg:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

const (
	// HeaderSize is the on-wire size of a message header: 1 byte type,
	// 4 byte length, 4 byte sequence, all but type in network byte order.
	HeaderSize = 9

	// MaxControlPayload is the per-message cap for framed control
	// messages. FRAME/AUDIO bodies bypass this framing entirely and are
	// streamed directly on the transport.
	MaxControlPayload = 65535
)

// ErrClosed is returned by Recv when the peer closed the connection
// cleanly, i.e. before any header byte was read.
var ErrClosed = errors.New("wire: connection closed")

// ErrProtocol wraps every framing violation: EOF mid-message, or a
// declared length exceeding MaxControlPayload.
var ErrProtocol = errors.New("wire: protocol error")

// Header is the fixed 9-byte message header.
type Header struct {
	Type     MessageType
	Length   uint32
	Sequence uint32
}

// Framer reads and writes framed messages on a byte stream. It owns the
// per-connection sequence counter itself rather than a process-global, so
// tests are deterministic and a Framer can be recreated per connection
// with no hidden state.
type Framer struct {
	rw  io.ReadWriter
	seq uint32

	headbuf [HeaderSize]byte
}

// New wraps rw (a plaintext stream, or the AEAD-framed reader/writer
// internal/secure produces once the channel is ready) with message framing.
func New(rw io.ReadWriter) *Framer {
	return &Framer{rw: rw}
}

// Send writes a single framed message: header then payload. The sequence
// number is assigned here and increments after every send; wraparound is
// tolerated.
func (f *Framer) Send(typ MessageType, payload []byte) error {
	if len(payload) > MaxControlPayload {
		return fmt.Errorf("wire: send %s: %w: payload %d exceeds cap %d", typ, ErrProtocol, len(payload), MaxControlPayload)
	}
	var hdr [HeaderSize]byte
	hdr[0] = byte(typ)
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(payload)))
	binary.BigEndian.PutUint32(hdr[5:9], f.seq)
	f.seq++

	if _, err := f.rw.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := f.rw.Write(payload); err != nil {
			return fmt.Errorf("wire: write payload: %w", err)
		}
	}
	return nil
}

// Recv reads one framed message and returns its header and a freshly
// allocated, exactly-sized payload buffer.
func (f *Framer) Recv() (Header, []byte, error) {
	n, err := io.ReadFull(f.rw, f.headbuf[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return Header{}, nil, ErrClosed
		}
		return Header{}, nil, fmt.Errorf("wire: read header: %w: %v", ErrProtocol, err)
	}

	hdr := Header{
		Type:     MessageType(f.headbuf[0]),
		Length:   binary.BigEndian.Uint32(f.headbuf[1:5]),
		Sequence: binary.BigEndian.Uint32(f.headbuf[5:9]),
	}
	if hdr.Length > MaxControlPayload {
		return hdr, nil, fmt.Errorf("wire: recv %s: %w: length %d exceeds cap %d", hdr.Type, ErrProtocol, hdr.Length, MaxControlPayload)
	}

	payload := make([]byte, hdr.Length)
	if hdr.Length > 0 {
		if _, err := io.ReadFull(f.rw, payload); err != nil {
			return hdr, nil, fmt.Errorf("wire: read payload: %w: %v", ErrProtocol, err)
		}
	}
	return hdr, payload, nil
}

// RawReader and RawWriter expose the underlying stream for frame body
// transmission, which bypasses per-message framing and is copied to/from
// the transport directly after a FRAME header message.
func (f *Framer) RawReader() io.Reader { return f.rw }
func (f *Framer) RawWriter() io.Writer { return f.rw }

// EncodeMessage renders a single header+payload message into one buffer,
// for transports where a message is a datagram rather than a stream (UDP
// discovery) and a Framer's split header/payload writes don't apply. seq is
// caller-assigned since these transports have no persistent connection to
// own a sequence counter.
func EncodeMessage(typ MessageType, seq uint32, payload []byte) ([]byte, error) {
	if len(payload) > MaxControlPayload {
		return nil, fmt.Errorf("wire: encode %s: %w: payload %d exceeds cap %d", typ, ErrProtocol, len(payload), MaxControlPayload)
	}
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(typ)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[5:9], seq)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// DecodeMessage parses a single datagram produced by EncodeMessage.
func DecodeMessage(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderSize {
		return Header{}, nil, fmt.Errorf("wire: decode: %w: datagram shorter than header (%d bytes)", ErrProtocol, len(buf))
	}
	hdr := Header{
		Type:     MessageType(buf[0]),
		Length:   binary.BigEndian.Uint32(buf[1:5]),
		Sequence: binary.BigEndian.Uint32(buf[5:9]),
	}
	rest := buf[HeaderSize:]
	if int(hdr.Length) != len(rest) {
		return hdr, nil, fmt.Errorf("wire: decode %s: %w: declared length %d, got %d trailing bytes", hdr.Type, ErrProtocol, hdr.Length, len(rest))
	}
	return hdr, rest, nil
}
