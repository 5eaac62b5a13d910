package wire

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"
)

// pipe is a minimal in-memory io.ReadWriter over a bytes.Buffer, enough for
// round-trip tests that don't need a real socket.
type pipe struct {
	*bytes.Buffer
}

func unhex(s string) []byte {
	b, err := hex.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		panic(err)
	}
	return b
}

func TestEmptyPingRoundTrip(t *testing.T) {
	// An empty PING encodes as: 06 00 00 00 00 SS SS SS SS.
	buf := &pipe{new(bytes.Buffer)}
	f := New(buf)
	if err := f.Send(Ping, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	want := unhex("06 00000000 00000000")
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("wire bytes = %x, want %x", buf.Bytes(), want)
	}

	hdr, payload, err := f.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if hdr.Type != Ping || hdr.Length != 0 || len(payload) != 0 {
		t.Fatalf("got %+v, payload=%v", hdr, payload)
	}
}

func TestEmptyPayloadWireFootprint(t *testing.T) {
	// Empty-payload messages must have length=0 and a 9-byte on-wire
	// footprint.
	for _, typ := range []MessageType{Ping, Pong, Pause, Resume, PinVerified, DiscoveryRequest} {
		buf := &pipe{new(bytes.Buffer)}
		f := New(buf)
		if err := f.Send(typ, nil); err != nil {
			t.Fatalf("%s: Send: %v", typ, err)
		}
		if buf.Len() != HeaderSize {
			t.Fatalf("%s: wire footprint = %d bytes, want %d", typ, buf.Len(), HeaderSize)
		}
	}
}

func TestSendRecvRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		{0x01},
		bytes.Repeat([]byte{0xAB}, 65535),
	}
	for _, p := range payloads {
		buf := &pipe{new(bytes.Buffer)}
		f := New(buf)
		if err := f.Send(Frame, p); err != nil {
			t.Fatalf("Send len=%d: %v", len(p), err)
		}
		hdr, got, err := f.Recv()
		if err != nil {
			t.Fatalf("Recv len=%d: %v", len(p), err)
		}
		if hdr.Type != Frame || int(hdr.Length) != len(p) {
			t.Fatalf("header mismatch: %+v", hdr)
		}
		if !bytes.Equal(got, p) && !(len(got) == 0 && len(p) == 0) {
			t.Fatalf("payload mismatch: got %d bytes, want %d", len(got), len(p))
		}
	}
}

func TestSendRejectsOversizePayload(t *testing.T) {
	buf := &pipe{new(bytes.Buffer)}
	f := New(buf)
	err := f.Send(Frame, make([]byte, MaxControlPayload+1))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("want ErrProtocol, got %v", err)
	}
}

func TestSequenceIncrementsPerConnection(t *testing.T) {
	buf := &pipe{new(bytes.Buffer)}
	f := New(buf)
	for i := 0; i < 3; i++ {
		if err := f.Send(Ping, nil); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		hdr, _, err := f.Recv()
		if err != nil {
			t.Fatal(err)
		}
		if hdr.Sequence != uint32(i) {
			t.Fatalf("sequence[%d] = %d, want %d", i, hdr.Sequence, i)
		}
	}
}

func TestRecvCleanCloseOnEOFBeforeHeader(t *testing.T) {
	buf := &pipe{new(bytes.Buffer)}
	f := New(buf)
	_, _, err := f.Recv()
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}

func TestRecvProtocolErrorOnEOFMidMessage(t *testing.T) {
	buf := &pipe{new(bytes.Buffer)}
	// a header claiming a 10-byte payload, but no payload follows.
	buf.Write([]byte{byte(Frame), 0, 0, 0, 10, 0, 0, 0, 0})
	f := New(buf)
	_, _, err := f.Recv()
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("want ErrProtocol, got %v", err)
	}
}

func TestRecvProtocolErrorOnLengthExceedsCap(t *testing.T) {
	buf := &pipe{new(bytes.Buffer)}
	var hdr [HeaderSize]byte
	hdr[0] = byte(Frame)
	hdr[1], hdr[2], hdr[3], hdr[4] = 0x00, 0x01, 0x00, 0x00 // length = 0x00010000
	buf.Write(hdr[:])
	f := New(buf)
	_, _, err := f.Recv()
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("want ErrProtocol, got %v", err)
	}
}

func TestHelloParse(t *testing.T) {
	payload := unhex(`00 01 00 02 00 04 54 56 30 31 00 00
		05 00 00 00 02 D0 00 00 17 70
		00 00 04 00 00 00 02 58 00 00 17 70`)
	h, err := DecodeHello(payload)
	if err != nil {
		t.Fatalf("DecodeHello: %v", err)
	}
	if h.ProtocolVersion != 1 || h.Name != "TV01" || len(h.Modes) != 2 {
		t.Fatalf("got %+v", h)
	}
	want := []DisplayMode{
		{Width: 1280, Height: 720, RefreshCentihz: 6000},
		{Width: 1024, Height: 600, RefreshCentihz: 6000},
	}
	if h.Modes[0] != want[0] || h.Modes[1] != want[1] {
		t.Fatalf("modes = %+v, want %+v", h.Modes, want)
	}
}

func TestHelloZeroModesIsMalformed(t *testing.T) {
	payload := EncodeHello(HelloPayload{ProtocolVersion: 1, Name: "x"})
	_, err := DecodeHello(payload)
	if !errors.Is(err, ErrMalformedHello) {
		t.Fatalf("want ErrMalformedHello, got %v", err)
	}
}

func TestHelloEncodeDecodeRoundTrip(t *testing.T) {
	h := HelloPayload{
		ProtocolVersion: 3,
		Name:            "Living Room",
		Modes: []DisplayMode{
			{Width: 1920, Height: 1080, RefreshCentihz: 5994},
		},
	}
	got, err := DecodeHello(EncodeHello(h))
	if err != nil {
		t.Fatal(err)
	}
	if got.ProtocolVersion != h.ProtocolVersion || got.Name != h.Name || len(got.Modes) != 1 || got.Modes[0] != h.Modes[0] {
		t.Fatalf("got %+v, want %+v", got, h)
	}
}

func TestDiscoveryResponseShortIsIgnored(t *testing.T) {
	// A DISCOVERY_RESPONSE shorter than its declared name_len is ignored
	// silently — callers detect this via the sentinel error.
	buf := EncodeDiscoveryResponse(DiscoveryResponsePayload{TCPPort: 4321, Name: "Living"})
	truncated := buf[:len(buf)-2]
	_, err := DecodeDiscoveryResponse(truncated)
	if !errors.Is(err, ErrShortDiscoveryResponse) {
		t.Fatalf("want ErrShortDiscoveryResponse, got %v", err)
	}
}

func TestFrameHeaderRoundTrip(t *testing.T) {
	h := FrameHeader{
		TimestampUS: 0x0000000102030405,
		OutputID:    7,
		Width:       1920,
		Height:      1080,
		Format:      0x34325258, // "XRGB..." tag placeholder
		Pitch:       7680,
		Size:        8294400,
		Mode:        DirtyRects,
		NumRegions:  3,
	}
	got, err := DecodeFrameHeader(EncodeFrameHeader(h))
	if err != nil {
		t.Fatal(err)
	}
	if got != h {
		t.Fatalf("got %+v, want %+v", got, h)
	}
}

func TestTimestampBigEndianHalves(t *testing.T) {
	buf := make([]byte, 8)
	putTimestamp(buf, 0x0102030405060708)
	want := unhex("01020304 05060708")
	if !bytes.Equal(buf, want) {
		t.Fatalf("got %x, want %x", buf, want)
	}
	if getTimestamp(buf) != 0x0102030405060708 {
		t.Fatalf("round trip mismatch")
	}
}

func TestPinVerifyEncoding(t *testing.T) {
	// PIN 4234 (0x108A) encodes big-endian as 10 8A.
	got := EncodePinVerify(PinVerifyPayload{PIN: 4234})
	want := unhex("10 8A")
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestClientHelloWithPIN(t *testing.T) {
	pin := uint16(99)
	c := ClientHelloPayload{Version: 1, Flags: 0, PIN: &pin}
	got, err := DecodeClientHello(EncodeClientHello(c))
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 1 || got.Flags != 0 || got.PIN == nil || *got.PIN != 99 {
		t.Fatalf("got %+v", got)
	}
}

func TestClientHelloWithoutPIN(t *testing.T) {
	c := ClientHelloPayload{Version: 1, Flags: ClientHelloEncryptRequested}
	got, err := DecodeClientHello(EncodeClientHello(c))
	if err != nil {
		t.Fatal(err)
	}
	if got.PIN != nil {
		t.Fatalf("expected nil PIN, got %v", *got.PIN)
	}
	if got.Flags&ClientHelloEncryptRequested == 0 {
		t.Fatalf("encrypt flag lost")
	}
}

func TestConfigDisconnectedSentinel(t *testing.T) {
	c := ConfigPayload{OutputID: 1}
	if !c.Disconnected() {
		t.Fatalf("zero width/height must report disconnected")
	}
	c.Width = 1920
	if c.Disconnected() {
		t.Fatalf("nonzero width must not report disconnected")
	}
}

func TestEncodeDecodeMessageRoundTrip(t *testing.T) {
	payload := EncodeDiscoveryResponse(DiscoveryResponsePayload{TCPPort: 4321, Name: "Living"})
	buf, err := EncodeMessage(DiscoveryResponse, 7, payload)
	if err != nil {
		t.Fatal(err)
	}
	hdr, got, err := DecodeMessage(buf)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Type != DiscoveryResponse || hdr.Sequence != 7 || int(hdr.Length) != len(payload) {
		t.Fatalf("header mismatch: %+v", hdr)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestDecodeMessageRejectsLengthMismatch(t *testing.T) {
	buf, err := EncodeMessage(DiscoveryRequest, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	buf = append(buf, 0xFF) // trailing byte not accounted for in length
	buf[1], buf[2], buf[3], buf[4] = 0, 0, 0, 0
	_, _, err = DecodeMessage(buf)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("want ErrProtocol, got %v", err)
	}
}

var _ io.ReadWriter = (*pipe)(nil)
