package wire

import (
	"encoding/binary"
	"fmt"
)

// EncodingMode selects how a FRAME's body is laid out on the wire.
type EncodingMode uint8

const (
	FullFrame  EncodingMode = 0
	DirtyRects EncodingMode = 1
	H264       EncodingMode = 2
)

func (m EncodingMode) String() string {
	switch m {
	case FullFrame:
		return "FULL_FRAME"
	case DirtyRects:
		return "DIRTY_RECTS"
	case H264:
		return "H264"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(m))
	}
}

// DisplayMode is one entry of a HELLO capability announcement.
type DisplayMode struct {
	Width          uint32
	Height         uint32
	RefreshCentihz uint32 // hundredths of a Hertz, e.g. 5994 = 59.94Hz
}

const displayModeSize = 12

func putDisplayMode(b []byte, m DisplayMode) {
	binary.BigEndian.PutUint32(b[0:4], m.Width)
	binary.BigEndian.PutUint32(b[4:8], m.Height)
	binary.BigEndian.PutUint32(b[8:12], m.RefreshCentihz)
}

func getDisplayMode(b []byte) DisplayMode {
	return DisplayMode{
		Width:          binary.BigEndian.Uint32(b[0:4]),
		Height:         binary.BigEndian.Uint32(b[4:8]),
		RefreshCentihz: binary.BigEndian.Uint32(b[8:12]),
	}
}

// HelloPayload is the receiver's capability announcement:
// {u16 protocol_version, u16 num_modes, u16 name_len, name[name_len],
// modes[num_modes]}. The sender may include a trailing NUL in name; callers
// must tolerate either.
type HelloPayload struct {
	ProtocolVersion uint16
	Name            string
	Modes           []DisplayMode
}

// ErrMalformedHello is returned for any HELLO payload that must fail the
// session (in particular num_modes == 0).
var ErrMalformedHello = fmt.Errorf("wire: malformed HELLO")

func EncodeHello(h HelloPayload) []byte {
	nameBytes := []byte(h.Name)
	buf := make([]byte, 6+len(nameBytes)+len(h.Modes)*displayModeSize)
	binary.BigEndian.PutUint16(buf[0:2], h.ProtocolVersion)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(h.Modes)))
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(nameBytes)))
	n := copy(buf[6:], nameBytes)
	off := 6 + n
	for _, m := range h.Modes {
		putDisplayMode(buf[off:off+displayModeSize], m)
		off += displayModeSize
	}
	return buf
}

func DecodeHello(b []byte) (HelloPayload, error) {
	if len(b) < 6 {
		return HelloPayload{}, fmt.Errorf("%w: short header (%d bytes)", ErrMalformedHello, len(b))
	}
	version := binary.BigEndian.Uint16(b[0:2])
	numModes := binary.BigEndian.Uint16(b[2:4])
	nameLen := int(binary.BigEndian.Uint16(b[4:6]))
	if numModes == 0 {
		return HelloPayload{}, fmt.Errorf("%w: num_modes is 0", ErrMalformedHello)
	}
	rest := b[6:]
	if len(rest) < nameLen {
		return HelloPayload{}, fmt.Errorf("%w: name_len %d exceeds remaining %d bytes", ErrMalformedHello, nameLen, len(rest))
	}
	name := rest[:nameLen]
	// Tolerate an optional trailing NUL inside the declared name length.
	for len(name) > 0 && name[len(name)-1] == 0 {
		name = name[:len(name)-1]
	}
	rest = rest[nameLen:]
	wantModes := int(numModes) * displayModeSize
	if len(rest) < wantModes {
		return HelloPayload{}, fmt.Errorf("%w: expected %d mode bytes, got %d", ErrMalformedHello, wantModes, len(rest))
	}
	modes := make([]DisplayMode, numModes)
	for i := range modes {
		modes[i] = getDisplayMode(rest[i*displayModeSize : (i+1)*displayModeSize])
	}
	return HelloPayload{ProtocolVersion: version, Name: string(name), Modes: modes}, nil
}

// FrameHeader is the fixed portion of a FRAME message, sent via Send/Recv;
// the body that follows is written directly to the transport, bypassing
// per-message framing.
type FrameHeader struct {
	TimestampUS uint64
	OutputID    uint32
	Width       uint32
	Height      uint32
	Format      uint32
	Pitch       uint32
	Size        uint32
	Mode        EncodingMode
	NumRegions  uint8
}

const FrameHeaderSize = 8 + 4*6 + 1 + 1 // 34

func EncodeFrameHeader(h FrameHeader) []byte {
	buf := make([]byte, FrameHeaderSize)
	putTimestamp(buf[0:8], h.TimestampUS)
	binary.BigEndian.PutUint32(buf[8:12], h.OutputID)
	binary.BigEndian.PutUint32(buf[12:16], h.Width)
	binary.BigEndian.PutUint32(buf[16:20], h.Height)
	binary.BigEndian.PutUint32(buf[20:24], h.Format)
	binary.BigEndian.PutUint32(buf[24:28], h.Pitch)
	binary.BigEndian.PutUint32(buf[28:32], h.Size)
	buf[32] = byte(h.Mode)
	buf[33] = h.NumRegions
	return buf
}

func DecodeFrameHeader(b []byte) (FrameHeader, error) {
	if len(b) != FrameHeaderSize {
		return FrameHeader{}, fmt.Errorf("wire: FRAME header is %d bytes, got %d", FrameHeaderSize, len(b))
	}
	return FrameHeader{
		TimestampUS: getTimestamp(b[0:8]),
		OutputID:    binary.BigEndian.Uint32(b[8:12]),
		Width:       binary.BigEndian.Uint32(b[12:16]),
		Height:      binary.BigEndian.Uint32(b[16:20]),
		Format:      binary.BigEndian.Uint32(b[20:24]),
		Pitch:       binary.BigEndian.Uint32(b[24:28]),
		Size:        binary.BigEndian.Uint32(b[28:32]),
		Mode:        EncodingMode(b[32]),
		NumRegions:  b[33],
	}, nil
}

// DirtyRectHeader precedes each rectangle's scanline data in a DIRTY_RECTS
// frame body.
type DirtyRectHeader struct {
	X, Y          uint32
	Width, Height uint32
	DataSize      uint32
}

const DirtyRectHeaderSize = 4 * 5

func EncodeDirtyRectHeader(h DirtyRectHeader) []byte {
	buf := make([]byte, DirtyRectHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.X)
	binary.BigEndian.PutUint32(buf[4:8], h.Y)
	binary.BigEndian.PutUint32(buf[8:12], h.Width)
	binary.BigEndian.PutUint32(buf[12:16], h.Height)
	binary.BigEndian.PutUint32(buf[16:20], h.DataSize)
	return buf
}

func DecodeDirtyRectHeader(b []byte) (DirtyRectHeader, error) {
	if len(b) != DirtyRectHeaderSize {
		return DirtyRectHeader{}, fmt.Errorf("wire: dirty-rect header is %d bytes, got %d", DirtyRectHeaderSize, len(b))
	}
	return DirtyRectHeader{
		X:        binary.BigEndian.Uint32(b[0:4]),
		Y:        binary.BigEndian.Uint32(b[4:8]),
		Width:    binary.BigEndian.Uint32(b[8:12]),
		Height:   binary.BigEndian.Uint32(b[12:16]),
		DataSize: binary.BigEndian.Uint32(b[16:20]),
	}, nil
}

// AudioFormat identifies the PCM sample layout of an AUDIO body.
type AudioFormat uint16

const (
	PCMS16LE AudioFormat = 0
	PCMS32LE AudioFormat = 1
)

// AudioHeader precedes the PCM body of an AUDIO message.
type AudioHeader struct {
	TimestampUS uint64
	SampleRate  uint32
	Channels    uint16
	Format      AudioFormat
	DataSize    uint32
}

const AudioHeaderSize = 8 + 4 + 2 + 2 + 4

func EncodeAudioHeader(h AudioHeader) []byte {
	buf := make([]byte, AudioHeaderSize)
	putTimestamp(buf[0:8], h.TimestampUS)
	binary.BigEndian.PutUint32(buf[8:12], h.SampleRate)
	binary.BigEndian.PutUint16(buf[12:14], h.Channels)
	binary.BigEndian.PutUint16(buf[14:16], uint16(h.Format))
	binary.BigEndian.PutUint32(buf[16:20], h.DataSize)
	return buf
}

func DecodeAudioHeader(b []byte) (AudioHeader, error) {
	if len(b) != AudioHeaderSize {
		return AudioHeader{}, fmt.Errorf("wire: AUDIO header is %d bytes, got %d", AudioHeaderSize, len(b))
	}
	return AudioHeader{
		TimestampUS: getTimestamp(b[0:8]),
		SampleRate:  binary.BigEndian.Uint32(b[8:12]),
		Channels:    binary.BigEndian.Uint16(b[12:14]),
		Format:      AudioFormat(binary.BigEndian.Uint16(b[14:16])),
		DataSize:    binary.BigEndian.Uint32(b[16:20]),
	}, nil
}

// ConfigPayload announces a virtual output reconfiguration or, when Width
// and Height are both zero, that the output has disconnected.
type ConfigPayload struct {
	OutputID      uint32
	Width         uint32
	Height        uint32
	RefreshRateHz uint32
}

const ConfigPayloadSize = 4 * 4

func EncodeConfig(c ConfigPayload) []byte {
	buf := make([]byte, ConfigPayloadSize)
	binary.BigEndian.PutUint32(buf[0:4], c.OutputID)
	binary.BigEndian.PutUint32(buf[4:8], c.Width)
	binary.BigEndian.PutUint32(buf[8:12], c.Height)
	binary.BigEndian.PutUint32(buf[12:16], c.RefreshRateHz)
	return buf
}

func DecodeConfig(b []byte) (ConfigPayload, error) {
	if len(b) != ConfigPayloadSize {
		return ConfigPayload{}, fmt.Errorf("wire: CONFIG payload is %d bytes, got %d", ConfigPayloadSize, len(b))
	}
	return ConfigPayload{
		OutputID:      binary.BigEndian.Uint32(b[0:4]),
		Width:         binary.BigEndian.Uint32(b[4:8]),
		Height:        binary.BigEndian.Uint32(b[8:12]),
		RefreshRateHz: binary.BigEndian.Uint32(b[12:16]),
	}, nil
}

// Disconnected reports the "output disconnected" sentinel.
func (c ConfigPayload) Disconnected() bool { return c.Width == 0 && c.Height == 0 }

// DiscoveryResponsePayload is sent over UDP in reply to a DISCOVERY_REQUEST.
type DiscoveryResponsePayload struct {
	TCPPort uint16
	Name    string
}

func EncodeDiscoveryResponse(d DiscoveryResponsePayload) []byte {
	nameBytes := []byte(d.Name)
	buf := make([]byte, 4+len(nameBytes))
	binary.BigEndian.PutUint16(buf[0:2], d.TCPPort)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(nameBytes)))
	copy(buf[4:], nameBytes)
	return buf
}

// ErrShortDiscoveryResponse is returned (and silently ignored by the
// caller) when a DISCOVERY_RESPONSE is shorter than its declared name_len.
var ErrShortDiscoveryResponse = fmt.Errorf("wire: truncated DISCOVERY_RESPONSE")

func DecodeDiscoveryResponse(b []byte) (DiscoveryResponsePayload, error) {
	if len(b) < 4 {
		return DiscoveryResponsePayload{}, ErrShortDiscoveryResponse
	}
	port := binary.BigEndian.Uint16(b[0:2])
	nameLen := int(binary.BigEndian.Uint16(b[2:4]))
	if len(b)-4 < nameLen {
		return DiscoveryResponsePayload{}, ErrShortDiscoveryResponse
	}
	return DiscoveryResponsePayload{TCPPort: port, Name: string(b[4 : 4+nameLen])}, nil
}

// PinVerifyPayload carries the PIN being asserted by the streamer, used
// both standalone (PIN_VERIFY) and embedded in CLIENT_HELLO.
type PinVerifyPayload struct {
	PIN uint16
}

func EncodePinVerify(p PinVerifyPayload) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, p.PIN)
	return buf
}

func DecodePinVerify(b []byte) (PinVerifyPayload, error) {
	if len(b) != 2 {
		return PinVerifyPayload{}, fmt.Errorf("wire: PIN_VERIFY payload is 2 bytes, got %d", len(b))
	}
	return PinVerifyPayload{PIN: binary.BigEndian.Uint16(b)}, nil
}

// ClientHelloFlags bitmask.
const ClientHelloEncryptRequested byte = 0x01

// ClientHelloPayload announces the streamer's transport choice to the
// receiver before any handshake begins.
type ClientHelloPayload struct {
	Version uint8
	Flags   uint8
	PIN     *uint16 // present iff plaintext + PIN required
}

func EncodeClientHello(c ClientHelloPayload) []byte {
	size := 2
	if c.PIN != nil {
		size += 2
	}
	buf := make([]byte, size)
	buf[0] = c.Version
	buf[1] = c.Flags
	if c.PIN != nil {
		binary.BigEndian.PutUint16(buf[2:4], *c.PIN)
	}
	return buf
}

func DecodeClientHello(b []byte) (ClientHelloPayload, error) {
	if len(b) != 2 && len(b) != 4 {
		return ClientHelloPayload{}, fmt.Errorf("wire: CLIENT_HELLO payload must be 2 or 4 bytes, got %d", len(b))
	}
	c := ClientHelloPayload{Version: b[0], Flags: b[1]}
	if len(b) == 4 {
		pin := binary.BigEndian.Uint16(b[2:4])
		c.PIN = &pin
	}
	return c, nil
}

// putTimestamp/getTimestamp encode timestamp_us as two big-endian u32
// halves in declaration order (high, low).
func putTimestamp(b []byte, us uint64) {
	binary.BigEndian.PutUint32(b[0:4], uint32(us>>32))
	binary.BigEndian.PutUint32(b[4:8], uint32(us))
}

func getTimestamp(b []byte) uint64 {
	hi := uint64(binary.BigEndian.Uint32(b[0:4]))
	lo := uint64(binary.BigEndian.Uint32(b[4:8]))
	return hi<<32 | lo
}
