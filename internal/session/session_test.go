package session

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/rebroad/displaycast/internal/audio"
	"github.com/rebroad/displaycast/internal/display"
	"github.com/rebroad/displaycast/internal/pipeline"
	"github.com/rebroad/displaycast/internal/secure"
	"github.com/rebroad/displaycast/internal/wire"
)

// fakeReceiver plays the receiver side of the protocol against one
// accepted connection: CLIENT_HELLO in, HELLO out, then it reports every
// FRAME it sees on frames, sending PAUSE once after the first one (it never
// sends RESUME).
func fakeReceiver(t *testing.T, conn net.Conn, frames chan<- wire.FrameHeader, paused chan<- struct{}) {
	t.Helper()
	defer conn.Close()
	framer := wire.New(conn)

	hdr, payload, err := framer.Recv()
	if err != nil {
		t.Errorf("fakeReceiver: recv CLIENT_HELLO: %v", err)
		return
	}
	if hdr.Type != wire.ClientHello {
		t.Errorf("fakeReceiver: expected CLIENT_HELLO, got %s", hdr.Type)
		return
	}
	if _, err := wire.DecodeClientHello(payload); err != nil {
		t.Errorf("fakeReceiver: decode CLIENT_HELLO: %v", err)
		return
	}

	helloPayload := wire.EncodeHello(wire.HelloPayload{
		ProtocolVersion: 1,
		Name:            "test-receiver",
		Modes:           []wire.DisplayMode{{Width: 8, Height: 8, RefreshCentihz: 6000}},
	})
	if err := framer.Send(wire.Hello, helloPayload); err != nil {
		t.Errorf("fakeReceiver: send HELLO: %v", err)
		return
	}

	sentPause := false
	for {
		hdr, payload, err := framer.Recv()
		if err != nil {
			return
		}
		switch hdr.Type {
		case wire.Frame:
			fhdr, err := wire.DecodeFrameHeader(payload)
			if err != nil {
				t.Errorf("fakeReceiver: decode FRAME header: %v", err)
				return
			}
			if fhdr.Size > 0 {
				if _, err := io.ReadFull(conn, make([]byte, fhdr.Size)); err != nil {
					t.Errorf("fakeReceiver: read FRAME body: %v", err)
					return
				}
			}
			frames <- fhdr
			if !sentPause {
				sentPause = true
				if err := framer.Send(wire.Pause, nil); err != nil {
					t.Errorf("fakeReceiver: send PAUSE: %v", err)
					return
				}
				paused <- struct{}{}
			}
		case wire.Audio:
			ahdr, err := wire.DecodeAudioHeader(payload)
			if err != nil {
				t.Errorf("fakeReceiver: decode AUDIO header: %v", err)
				return
			}
			if ahdr.DataSize > 0 {
				if _, err := io.ReadFull(conn, make([]byte, ahdr.DataSize)); err != nil {
					t.Errorf("fakeReceiver: read AUDIO body: %v", err)
					return
				}
			}
		}
	}
}

func TestSessionRunStreamsFramesAndHonorsPause(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	frames := make(chan wire.FrameHeader, 16)
	paused := make(chan struct{}, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		fakeReceiver(t, conn, frames, paused)
	}()

	host := display.NewFakeHost()
	forceEncrypt := false
	sess := New(host, audio.NewFakeSource(), nil, Config{
		Host:         "127.0.0.1",
		Port:         uint16(port),
		ForceEncrypt: &forceEncrypt,
		Pipeline:     pipeline.Config{TargetFPS: 1000},
	})

	done := make(chan error, 1)
	go func() { done <- sess.Run() }()

	select {
	case <-frames:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first FRAME")
	}

	select {
	case <-paused:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the receiver's PAUSE to land")
	}

	// Drain the channel until the pipeline visibly stops sending new
	// frames once paused, then confirm the session itself is paused.
	deadline := time.After(500 * time.Millisecond)
	for drained := false; !drained; {
		select {
		case <-frames:
		case <-deadline:
			drained = true
		}
	}
	if !sess.Paused() {
		t.Fatalf("expected the session to report paused after receiving PAUSE")
	}

	sess.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned an error after a clean Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return after Stop")
	}
	if got := sess.State(); got != Idle {
		t.Fatalf("expected Idle after a clean shutdown, got %s", got)
	}
}

// fakeEncryptedReceiver plays the receiver side of an encrypted session:
// CLIENT_HELLO arrives in plaintext, then it runs the Noise handshake as
// Responder, verifies the PIN, and sends HELLO advertising a mode large
// enough that its FULL_FRAME body exceeds one AEAD record, exercising the
// chunking path in secure.Channel.Write end to end.
func fakeEncryptedReceiver(t *testing.T, conn net.Conn, static secure.StaticKeyPair, pin uint16, frameSizes chan<- int) {
	t.Helper()
	defer conn.Close()

	plain := wire.New(conn)
	hdr, payload, err := plain.Recv()
	if err != nil {
		t.Errorf("fakeEncryptedReceiver: recv CLIENT_HELLO: %v", err)
		return
	}
	if hdr.Type != wire.ClientHello {
		t.Errorf("fakeEncryptedReceiver: expected CLIENT_HELLO, got %s", hdr.Type)
		return
	}
	if _, err := wire.DecodeClientHello(payload); err != nil {
		t.Errorf("fakeEncryptedReceiver: decode CLIENT_HELLO: %v", err)
		return
	}

	channel := secure.New(conn, secure.Responder)
	if err := channel.Handshake(&static); err != nil {
		t.Errorf("fakeEncryptedReceiver: handshake: %v", err)
		return
	}
	framer := wire.New(channel)

	hdr, payload, err = framer.Recv()
	if err != nil {
		t.Errorf("fakeEncryptedReceiver: recv PIN_VERIFY: %v", err)
		return
	}
	if hdr.Type != wire.PinVerify {
		t.Errorf("fakeEncryptedReceiver: expected PIN_VERIFY, got %s", hdr.Type)
		return
	}
	verify, err := wire.DecodePinVerify(payload)
	if err != nil || verify.PIN != pin {
		t.Errorf("fakeEncryptedReceiver: bad PIN_VERIFY: %+v, err=%v", verify, err)
		return
	}
	if err := framer.Send(wire.PinVerified, nil); err != nil {
		t.Errorf("fakeEncryptedReceiver: send PIN_VERIFIED: %v", err)
		return
	}

	helloPayload := wire.EncodeHello(wire.HelloPayload{
		ProtocolVersion: 1,
		Name:            "test-receiver",
		Modes:           []wire.DisplayMode{{Width: 200, Height: 200, RefreshCentihz: 6000}},
	})
	if err := framer.Send(wire.Hello, helloPayload); err != nil {
		t.Errorf("fakeEncryptedReceiver: send HELLO: %v", err)
		return
	}

	for {
		hdr, payload, err := framer.Recv()
		if err != nil {
			return
		}
		if hdr.Type != wire.Frame {
			continue
		}
		fhdr, err := wire.DecodeFrameHeader(payload)
		if err != nil {
			t.Errorf("fakeEncryptedReceiver: decode FRAME header: %v", err)
			return
		}
		if fhdr.Size > 0 {
			body := make([]byte, fhdr.Size)
			if _, err := io.ReadFull(channel, body); err != nil {
				t.Errorf("fakeEncryptedReceiver: read FRAME body: %v", err)
				return
			}
		}
		frameSizes <- int(fhdr.Size)
	}
}

// TestSessionRunChunksOversizeEncryptedFrame confirms that an encrypted
// session streams a frame body larger than secure.PlaintextLimit without
// SendFrame failing, matching a plaintext session's behavior for the same
// body size.
func TestSessionRunChunksOversizeEncryptedFrame(t *testing.T) {
	static, err := secure.GenerateStaticKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	frameSizes := make(chan int, 4)
	const pin = 1234
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		fakeEncryptedReceiver(t, conn, static, pin, frameSizes)
	}()

	host := display.NewFakeHost()
	forceEncrypt := true
	pinVal := uint16(pin)
	sess := New(host, audio.NewFakeSource(), nil, Config{
		Host:         "127.0.0.1",
		Port:         uint16(port),
		ForceEncrypt: &forceEncrypt,
		PIN:          &pinVal,
		Pipeline:     pipeline.Config{TargetFPS: 1000},
	})

	done := make(chan error, 1)
	go func() { done <- sess.Run() }()

	// 200x200 ARGB8888 is 160,000 bytes, well over secure.PlaintextLimit
	// (65,519): the first frame always reports full-frame dirty state, so
	// its body is the entire framebuffer.
	const wantSize = 200 * 200 * 4
	select {
	case got := <-frameSizes:
		if got != wantSize {
			t.Fatalf("got frame body size %d, want %d", got, wantSize)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first FRAME")
	}

	sess.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned an error after a clean Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return after Stop")
	}
}
