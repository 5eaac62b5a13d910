package session

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rebroad/displaycast/internal/secure"
	"github.com/rebroad/displaycast/internal/wire"
)

// negotiate drives the Hello/Handshaking/Auth states: it announces the
// transport choice via CLIENT_HELLO, optionally runs the Noise handshake of
// internal/secure, and optionally runs the PIN exchange, leaving s.framer
// ready for capability exchange.
func (s *Session) negotiate(remote net.IP) error {
	encrypt, needPIN := s.cryptoPolicy(remote)

	var embeddedPIN *uint16
	if !encrypt && needPIN {
		pin, err := s.acquirePIN()
		if err != nil {
			return err
		}
		embeddedPIN = &pin
	}

	s.setState(Hello)
	plain := wire.New(s.conn)
	var flags byte
	if encrypt {
		flags |= wire.ClientHelloEncryptRequested
	}
	helloPayload := wire.EncodeClientHello(wire.ClientHelloPayload{Version: 1, Flags: flags, PIN: embeddedPIN})
	if err := plain.Send(wire.ClientHello, helloPayload); err != nil {
		return fmt.Errorf("session: send CLIENT_HELLO: %w: %w", ErrTransport, err)
	}

	if !encrypt {
		s.framer = plain
		return nil
	}

	s.setState(Handshaking)
	channel := secure.New(s.conn, secure.Initiator)
	s.conn.SetDeadline(time.Now().Add(s.cfg.handshakeTimeout()))
	if err := channel.Handshake(nil); err != nil {
		s.conn.SetDeadline(time.Time{})
		return fmt.Errorf("session: handshake: %w", err)
	}
	s.conn.SetDeadline(time.Time{})
	s.framer = wire.New(channel)

	if needPIN {
		s.setState(Auth)
		pin, err := s.acquirePIN()
		if err != nil {
			return err
		}
		if err := s.framer.Send(wire.PinVerify, wire.EncodePinVerify(wire.PinVerifyPayload{PIN: pin})); err != nil {
			return fmt.Errorf("session: send PIN_VERIFY: %w: %w", ErrTransport, err)
		}
		s.conn.SetDeadline(time.Now().Add(s.cfg.handshakeTimeout()))
		hdr, _, err := s.framer.Recv()
		s.conn.SetDeadline(time.Time{})
		if err != nil {
			return fmt.Errorf("session: await PIN_VERIFIED: %w: %w", ErrTransport, err)
		}
		if hdr.Type != wire.PinVerified {
			return fmt.Errorf("%w: expected PIN_VERIFIED, got %s", ErrAuth, hdr.Type)
		}
	}
	return nil
}

// cryptoPolicy decides whether the connection is encrypted and whether a
// PIN is required: an explicit CLI force wins outright; absent one, a
// USB-tethering endpoint gets plaintext with no PIN, anything else gets
// encryption with a PIN. When the CLI forces a choice instead of the USB
// heuristic deciding it, PIN requirement still follows the same
// encrypt/no-encrypt pairing (see DESIGN.md for the reasoning).
func (s *Session) cryptoPolicy(remote net.IP) (encrypt, needPIN bool) {
	if s.cfg.ForceEncrypt != nil {
		encrypt = *s.cfg.ForceEncrypt
		return encrypt, encrypt
	}
	if s.cfg.USBInterfaceIP != nil && remote.Equal(s.cfg.USBInterfaceIP) {
		return false, false
	}
	return true, true
}

// acquirePIN returns the CLI-supplied PIN or prompts standard input.
func (s *Session) acquirePIN() (uint16, error) {
	if s.cfg.PIN != nil {
		return *s.cfg.PIN, nil
	}
	prompt := s.cfg.PromptPIN
	if prompt == nil {
		prompt = promptPINFromStdin
	}
	pin, err := prompt()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNoPIN, err)
	}
	return pin, nil
}

func promptPINFromStdin() (uint16, error) {
	fmt.Fprint(os.Stderr, "Enter pairing PIN: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("session: read PIN from stdin: %w", err)
	}
	pin, err := strconv.ParseUint(strings.TrimSpace(line), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("session: parse PIN: %w", err)
	}
	return uint16(pin), nil
}

// exchangeCapabilities reads and validates the receiver's HELLO.
func (s *Session) exchangeCapabilities() ([]wire.DisplayMode, string, error) {
	s.conn.SetDeadline(time.Now().Add(s.cfg.helloTimeout()))
	hdr, payload, err := s.framer.Recv()
	s.conn.SetDeadline(time.Time{})
	if err != nil {
		return nil, "", fmt.Errorf("session: await HELLO: %w: %w", ErrTransport, err)
	}
	if hdr.Type != wire.Hello {
		return nil, "", fmt.Errorf("%w: expected HELLO, got %s", ErrCapability, hdr.Type)
	}
	hello, err := wire.DecodeHello(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrCapability, err)
	}
	return hello.Modes, hello.Name, nil
}
