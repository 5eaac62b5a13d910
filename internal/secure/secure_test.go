package secure

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"testing"
)

// pipePair returns two ends of an in-memory duplex connection for
// handshake and round-trip tests.
func pipePair() (net.Conn, net.Conn) {
	return net.Pipe()
}

func handshakeBoth(t *testing.T, initConn, respConn net.Conn, static StaticKeyPair) (*Channel, *Channel) {
	t.Helper()
	init := New(initConn, Initiator)
	resp := New(respConn, Responder)

	errs := make(chan error, 2)
	go func() { errs <- init.Handshake(nil) }()
	go func() { errs <- resp.Handshake(&static) }()

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("handshake: %v", err)
		}
	}
	return init, resp
}

func TestHandshakeDerivesUsableChannel(t *testing.T) {
	static, err := GenerateStaticKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	c1, c2 := pipePair()
	defer c1.Close()
	defer c2.Close()

	init, resp := handshakeBoth(t, c1, c2, static)

	if !init.Ready() || !resp.Ready() {
		t.Fatalf("both channels must be ready after handshake")
	}
	if init.RemoteStatic() != static.Public {
		t.Fatalf("initiator learned wrong static key")
	}
}

func TestEncryptedRoundTrip(t *testing.T) {
	static, err := GenerateStaticKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	c1, c2 := pipePair()
	defer c1.Close()
	defer c2.Close()
	init, resp := handshakeBoth(t, c1, c2, static)

	msg := []byte("the quick brown fox jumps over the lazy dog")
	done := make(chan error, 1)
	go func() {
		_, err := init.Write(msg)
		done <- err
	}()

	got := make([]byte, len(msg))
	if _, err := io.ReadFull(resp, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}
}

func TestSendersHaveIndependentDirections(t *testing.T) {
	static, err := GenerateStaticKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	c1, c2 := pipePair()
	defer c1.Close()
	defer c2.Close()
	init, resp := handshakeBoth(t, c1, c2, static)

	if init.sendKey == init.recvKey {
		t.Fatalf("initiator send/recv keys must differ")
	}
	if init.sendKey != resp.recvKey || init.recvKey != resp.sendKey {
		t.Fatalf("initiator/responder keys must be mirrored")
	}
}

func TestMultipleRecordsReassembleAcrossReadSizes(t *testing.T) {
	static, err := GenerateStaticKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	c1, c2 := pipePair()
	defer c1.Close()
	defer c2.Close()
	init, resp := handshakeBoth(t, c1, c2, static)

	a, b := []byte("record-one"), []byte("record-two-longer")
	go func() {
		init.Write(a)
		init.Write(b)
	}()

	var all []byte
	buf := make([]byte, 3) // deliberately smaller than either record
	for len(all) < len(a)+len(b) {
		n, err := resp.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		all = append(all, buf[:n]...)
	}
	want := append(append([]byte{}, a...), b...)
	if !bytes.Equal(all, want) {
		t.Fatalf("got %q, want %q", all, want)
	}
}

func TestResponderHandshakeRequiresStaticKey(t *testing.T) {
	c1, c2 := pipePair()
	defer c1.Close()
	defer c2.Close()
	resp := New(c2, Responder)
	if err := resp.Handshake(nil); err == nil {
		t.Fatalf("expected error when static key is nil")
	}
}

func TestWriteBeforeHandshakeFails(t *testing.T) {
	c1, _ := pipePair()
	defer c1.Close()
	ch := New(c1, Initiator)
	if _, err := ch.Write([]byte("x")); err == nil {
		t.Fatalf("expected error writing before handshake")
	}
}

func TestWriteChunksOversizePlaintext(t *testing.T) {
	static, err := GenerateStaticKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	c1, c2 := pipePair()
	defer c1.Close()
	defer c2.Close()
	init, resp := handshakeBoth(t, c1, c2, static)

	// Three full records plus 12,345 bytes (208,902 bytes in all), not an
	// exact multiple of PlaintextLimit, to exercise a partial final record.
	msg := make([]byte, PlaintextLimit*3+12345)
	for i := range msg {
		msg[i] = byte(i)
	}

	done := make(chan error, 1)
	go func() {
		n, err := init.Write(msg)
		if err == nil && n != len(msg) {
			err = fmt.Errorf("short write: wrote %d of %d", n, len(msg))
		}
		done <- err
	}()

	got := make([]byte, len(msg))
	if _, err := io.ReadFull(resp, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("chunked round trip corrupted data")
	}
}
