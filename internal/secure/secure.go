// Package secure layers a Noise-pattern handshake and length-prefixed AEAD
// framing on top of a byte stream. Handshake drives an explicit
// initiator/responder exchange down to a pair of derived ciphers, then
// Channel uses them for every subsequent Read/Write, owning all traffic on
// the wrapped stream from that point on. The cipher suite is X25519 key
// agreement, ChaCha20-Poly1305 AEAD, and SHA-256/HKDF key derivation.
//
// The handshake is a fixed two-message pattern: the initiator holds no
// static key at all (only an ephemeral one), the responder holds a
// long-lived static key and reveals it only once a shared ephemeral secret
// is established. Message 1 (initiator -> responder) is the initiator's
// raw ephemeral public key. Message 2 (responder -> initiator) is the
// responder's raw ephemeral public key followed by its static public key
// AEAD-sealed under a key derived from the ephemeral-ephemeral DH. Both
// sides then mix in the ephemeral-static DH and split into independent
// send/receive ciphers.
package secure

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Role distinguishes the two handshake parties.
type Role int

const (
	Initiator Role = iota
	Responder
)

// ErrHandshakeFailed covers any underlying error, stream EOF mid-handshake,
// or unexpected peer behavior observed during the handshake.
var ErrHandshakeFailed = errors.New("secure: handshake failed")

// PlaintextLimit is the maximum plaintext size of one encrypted record: 16
// bytes are reserved for the Poly1305 tag out of the 65535 representable by
// the 2-byte length prefix.
const PlaintextLimit = 65535 - chacha20poly1305.Overhead

const staticKeySize = 32

// StaticKeyPair is the responder's long-lived X25519 identity.
type StaticKeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateStaticKeyPair creates a new responder identity key.
func GenerateStaticKeyPair() (StaticKeyPair, error) {
	var kp StaticKeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return StaticKeyPair{}, fmt.Errorf("secure: generate static key: %w", err)
	}
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp, nil
}

// Channel is an encrypted, framed byte stream. Once Ready, every Write call
// seals one or more records (splitting payloads larger than PlaintextLimit)
// and every Read call returns plaintext from a single decrypted record,
// buffering any surplus for later calls so callers reading in arbitrary
// chunk sizes still see a plain byte stream.
type Channel struct {
	conn io.ReadWriter
	role Role

	remoteStatic [32]byte // responder's static public key, learned during handshake
	ready        bool

	sendKey   [32]byte
	recvKey   [32]byte
	sendNonce uint64
	recvNonce uint64

	recvBuf []byte // leftover decrypted plaintext not yet consumed by Read
}

// New wraps conn for the given role. The responder's static key is passed
// later, to Handshake; the initiator needs none (it learns the responder's
// static key during the handshake itself, per the package doc comment).
func New(conn io.ReadWriter, role Role) *Channel {
	return &Channel{conn: conn, role: role}
}

// Ready reports whether the handshake has completed.
func (c *Channel) Ready() bool { return c.ready }

// RemoteStatic returns the peer's static public key. Valid only after a
// successful Handshake as the Initiator (the Responder already knows its
// own key and has no use for this).
func (c *Channel) RemoteStatic() [32]byte { return c.remoteStatic }

// Handshake drives the pattern described in the package doc comment. The
// caller is responsible for bounding it in time, typically via
// conn.SetDeadline on the underlying net.Conn before calling Handshake.
func (c *Channel) Handshake(staticKey *StaticKeyPair) error {
	switch c.role {
	case Initiator:
		return c.handshakeInitiator()
	case Responder:
		if staticKey == nil {
			return fmt.Errorf("secure: responder handshake: %w: static key required", ErrHandshakeFailed)
		}
		return c.handshakeResponder(*staticKey)
	default:
		return fmt.Errorf("secure: %w: unknown role", ErrHandshakeFailed)
	}
}

func (c *Channel) handshakeInitiator() error {
	ePriv, ePub, err := newEphemeral()
	if err != nil {
		return fmt.Errorf("secure: %w: %v", ErrHandshakeFailed, err)
	}
	if err := writeHandshakeMsg(c.conn, ePub[:]); err != nil {
		return fmt.Errorf("secure: %w: write message 1: %v", ErrHandshakeFailed, err)
	}

	msg2, err := readHandshakeMsg(c.conn)
	if err != nil {
		return fmt.Errorf("secure: %w: read message 2: %v", ErrHandshakeFailed, err)
	}
	if len(msg2) != staticKeySize+staticKeySize+chacha20poly1305.Overhead {
		return fmt.Errorf("secure: %w: malformed message 2 (%d bytes)", ErrHandshakeFailed, len(msg2))
	}
	remoteEphemeral := ([32]byte)(msg2[:staticKeySize])
	sealedStatic := msg2[staticKeySize:]

	ee, err := dh(ePriv, remoteEphemeral)
	if err != nil {
		return fmt.Errorf("secure: %w: ee: %v", ErrHandshakeFailed, err)
	}
	ck1, k1 := kdf2(initialChainKey(), ee[:])

	staticPlain, err := open(k1, 0, sealedStatic, ck1[:])
	if err != nil {
		return fmt.Errorf("secure: %w: decrypt remote static key: %v", ErrHandshakeFailed, err)
	}
	copy(c.remoteStatic[:], staticPlain)

	es, err := dh(ePriv, c.remoteStatic)
	if err != nil {
		return fmt.Errorf("secure: %w: es: %v", ErrHandshakeFailed, err)
	}
	_, k2 := kdf2(ck1[:], es[:])

	send, recv := split(ck1[:], k1, k2)
	c.sendKey, c.recvKey = send, recv
	c.ready = true
	return nil
}

func (c *Channel) handshakeResponder(static StaticKeyPair) error {
	msg1, err := readHandshakeMsg(c.conn)
	if err != nil {
		return fmt.Errorf("secure: %w: read message 1: %v", ErrHandshakeFailed, err)
	}
	if len(msg1) != staticKeySize {
		return fmt.Errorf("secure: %w: malformed message 1 (%d bytes)", ErrHandshakeFailed, len(msg1))
	}
	remoteEphemeral := ([32]byte)(msg1)

	ePriv, ePub, err := newEphemeral()
	if err != nil {
		return fmt.Errorf("secure: %w: %v", ErrHandshakeFailed, err)
	}

	ee, err := dh(ePriv, remoteEphemeral)
	if err != nil {
		return fmt.Errorf("secure: %w: ee: %v", ErrHandshakeFailed, err)
	}
	ck1, k1 := kdf2(initialChainKey(), ee[:])

	sealedStatic, err := seal(k1, 0, static.Public[:], ck1[:])
	if err != nil {
		return fmt.Errorf("secure: %w: seal static key: %v", ErrHandshakeFailed, err)
	}

	msg2 := append(append([]byte{}, ePub[:]...), sealedStatic...)
	if err := writeHandshakeMsg(c.conn, msg2); err != nil {
		return fmt.Errorf("secure: %w: write message 2: %v", ErrHandshakeFailed, err)
	}

	es, err := dh(static.Private, remoteEphemeral)
	if err != nil {
		return fmt.Errorf("secure: %w: es: %v", ErrHandshakeFailed, err)
	}
	_, k2 := kdf2(ck1[:], es[:])

	// Responder's roles are swapped relative to the initiator: it
	// receives with the first split key and sends with the second.
	recv, send := split(ck1[:], k1, k2)
	c.sendKey, c.recvKey = send, recv
	c.ready = true
	return nil
}

// Write seals p into one or more AEAD records, each holding at most
// PlaintextLimit bytes of plaintext, and writes them to the underlying
// stream in order. A short write (a framed header, a small control
// payload) still produces exactly one record; a write longer than
// PlaintextLimit — a full-frame or dirty-rects body, a PCM chunk — is
// split transparently so callers never have to chunk on the caller side.
// An empty p still produces exactly one (empty) record, so a caller that
// writes a zero-length payload sees the same one-record behavior an
// unencrypted stream would.
func (c *Channel) Write(p []byte) (int, error) {
	if !c.ready {
		return 0, fmt.Errorf("secure: write before handshake completed")
	}
	if len(p) == 0 {
		if err := c.writeRecord(nil); err != nil {
			return 0, err
		}
		return 0, nil
	}
	written := 0
	for written < len(p) {
		end := written + PlaintextLimit
		if end > len(p) {
			end = len(p)
		}
		if err := c.writeRecord(p[written:end]); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

func (c *Channel) writeRecord(plaintext []byte) error {
	ciphertext, err := seal(c.sendKey, c.sendNonce, plaintext, nil)
	if err != nil {
		return fmt.Errorf("secure: seal: %w", err)
	}
	c.sendNonce++
	if err := writeHandshakeMsg(c.conn, ciphertext); err != nil {
		return fmt.Errorf("secure: write record: %w", err)
	}
	return nil
}

// Read fills p from buffered plaintext, decrypting additional records from
// the underlying stream as needed.
func (c *Channel) Read(p []byte) (int, error) {
	if !c.ready {
		return 0, fmt.Errorf("secure: read before handshake completed")
	}
	for len(c.recvBuf) == 0 {
		ciphertext, err := readHandshakeMsg(c.conn)
		if err != nil {
			return 0, err
		}
		plain, err := open(c.recvKey, c.recvNonce, ciphertext, nil)
		if err != nil {
			return 0, fmt.Errorf("secure: open: %w", err)
		}
		c.recvNonce++
		c.recvBuf = plain
	}
	n := copy(p, c.recvBuf)
	c.recvBuf = c.recvBuf[n:]
	return n, nil
}

// --- handshake message I/O: 2-byte big-endian length prefix ---

func writeHandshakeMsg(w io.Writer, msg []byte) error {
	if len(msg) > 0xFFFF {
		return fmt.Errorf("handshake message too large: %d bytes", len(msg))
	}
	var lenbuf [2]byte
	binary.BigEndian.PutUint16(lenbuf[:], uint16(len(msg)))
	if _, err := w.Write(lenbuf[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

func readHandshakeMsg(r io.Reader) ([]byte, error) {
	var lenbuf [2]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenbuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// --- crypto primitives ---

func newEphemeral() (priv, pub [32]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, pub, err
	}
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

func dh(priv, pub [32]byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, err
	}
	copy(out[:], shared)
	return out, nil
}

func initialChainKey() []byte {
	h := sha256.Sum256([]byte("displaycast-noise-nx-v1"))
	return h[:]
}

// kdf2 derives a new chain key and a cipher key from the current chain key
// and fresh DH output, via HKDF-SHA256, mirroring Noise's HKDF-based
// symmetric state update.
func kdf2(chainKey, ikm []byte) (newChainKey, cipherKey [32]byte) {
	r := hkdf.New(sha256.New, ikm, chainKey, nil)
	io.ReadFull(r, newChainKey[:])
	io.ReadFull(r, cipherKey[:])
	return
}

// split derives the final independent send/receive keys from the
// completed chain key plus both intermediate cipher keys, so the result
// depends on the entire transcript (ee and es).
func split(chainKey []byte, k1, k2 [32]byte) (a, b [32]byte) {
	ikm := append(append([]byte{}, k1[:]...), k2[:]...)
	r := hkdf.New(sha256.New, ikm, chainKey, []byte("split"))
	io.ReadFull(r, a[:])
	io.ReadFull(r, b[:])
	return
}

func aeadNonce(counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce
}

func seal(key [32]byte, counter uint64, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := aeadNonce(counter)
	return aead.Seal(nil, nonce[:], plaintext, ad), nil
}

func open(key [32]byte, counter uint64, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := aeadNonce(counter)
	return aead.Open(nil, nonce[:], ciphertext, ad)
}
