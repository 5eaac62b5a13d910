// Package videocodec adapts an external low-latency video encoder to the
// streaming pipeline. The encoder itself is out of scope for this
// package — it is described only by its interface — so this package
// defines that interface (Encoder/Factory), the ARGB->I420 color
// conversion the encoder requires, and the lazy-(re)create/bitrate/
// keyframe-interval policy around it.
package videocodec

import (
	"errors"
	"fmt"
)

// ErrEncoderUnavailable is returned when the underlying encoder cannot be
// created; callers must fall back to FULL_FRAME.
var ErrEncoderUnavailable = errors.New("videocodec: encoder unavailable")

// Params configures one encoder instance.
type Params struct {
	Width, Height int
	FPS           int
	BitrateKbps   int
	KeyintMax     int // intra-refresh / keyframe interval, in frames
}

// Encoder is implemented by a concrete low-latency video encoder binding
// (e.g. libx264 configured ultrafast/zerolatency, no B-frames, single
// thread, Annex-B NAL output). Encode receives one I420 frame and returns
// the NAL units produced for it.
type Encoder interface {
	Encode(i420 []byte) (nalUnits [][]byte, err error)
	Close() error
}

// Factory constructs an Encoder for the given parameters, or reports
// ErrEncoderUnavailable.
type Factory func(Params) (Encoder, error)

// MinBitrateKbps is the bitrate floor regardless of resolution.
const MinBitrateKbps = 1000

// BitrateKbpsPerMegapixel is the autoscale rate, ~10 Mbps per megapixel.
const BitrateKbpsPerMegapixel = 10000

// AutoBitrateKbps computes the autoscaled bitrate for a given resolution.
func AutoBitrateKbps(width, height int) int {
	megapixels := float64(width*height) / 1_000_000
	kbps := int(megapixels * BitrateKbpsPerMegapixel)
	if kbps < MinBitrateKbps {
		return MinBitrateKbps
	}
	return kbps
}

// Adapter lazily owns one Encoder instance, recreating it whenever the
// input dimensions change, and performs the ARGB->I420 conversion the
// encoder requires.
type Adapter struct {
	factory Factory
	fps     int

	encoder       Encoder
	width, height int
}

// NewAdapter creates an adapter that will lazily build encoders via
// factory at the given target frame rate.
func NewAdapter(factory Factory, fps int) *Adapter {
	if fps <= 0 {
		fps = 60
	}
	return &Adapter{factory: factory, fps: fps}
}

// Close releases the current encoder, if any.
func (a *Adapter) Close() error {
	if a.encoder == nil {
		return nil
	}
	err := a.encoder.Close()
	a.encoder = nil
	return err
}

// Encode converts argb (packed ARGB8888, row pitch bytes per row) to I420
// and drives one encode step, returning the concatenated NAL units.
func (a *Adapter) Encode(argb []byte, width, height, pitch int) ([]byte, error) {
	if err := a.ensureEncoder(width, height); err != nil {
		return nil, err
	}

	i420 := ARGBToI420(argb, width, height, pitch)
	nals, err := a.encoder.Encode(i420)
	if err != nil {
		return nil, fmt.Errorf("videocodec: encode: %w", err)
	}

	total := 0
	for _, n := range nals {
		total += len(n)
	}
	out := make([]byte, 0, total)
	for _, n := range nals {
		out = append(out, n...)
	}
	return out, nil
}

func (a *Adapter) ensureEncoder(width, height int) error {
	if a.encoder != nil && width == a.width && height == a.height {
		return nil
	}
	if a.encoder != nil {
		a.encoder.Close()
		a.encoder = nil
	}

	params := Params{
		Width:       width,
		Height:      height,
		FPS:         a.fps,
		BitrateKbps: AutoBitrateKbps(width, height),
		KeyintMax:   2 * a.fps,
	}
	enc, err := a.factory(params)
	if err != nil || enc == nil {
		return fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
	}
	a.encoder = enc
	a.width, a.height = width, height
	return nil
}

// ARGBToI420 converts a packed ARGB8888 buffer to planar I420 (Y plane
// full resolution, U/V planes subsampled 2x2), using fixed-point
// BT.601-ish coefficients: Y = 77R+150G+29B, U = -43R-85G+128B+32768,
// V = 128R-107G-21B+32768, all shifted right by 8 and clamped to 0..255.
// width/height must both be even.
func ARGBToI420(argb []byte, width, height, pitch int) []byte {
	uvWidth := width / 2
	uvHeight := height / 2
	ySize := width * height
	uvSize := uvWidth * uvHeight

	out := make([]byte, ySize+2*uvSize)
	y := out[:ySize]
	u := out[ySize : ySize+uvSize]
	v := out[ySize+uvSize:]

	for row := 0; row < height; row++ {
		rowOff := row * pitch
		for col := 0; col < width; col++ {
			px := rowOff + col*4
			b := int(argb[px+0])
			g := int(argb[px+1])
			r := int(argb[px+2])

			yVal := (77*r + 150*g + 29*b) >> 8
			y[row*width+col] = clampByte(yVal)

			if row%2 == 0 && col%2 == 0 {
				uVal := (-43*r-85*g+128*b)>>8 + 128
				vVal := (128*r-107*g-21*b)>>8 + 128
				idx := (row/2)*uvWidth + col/2
				u[idx] = clampByte(uVal)
				v[idx] = clampByte(vVal)
			}
		}
	}
	return out
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
