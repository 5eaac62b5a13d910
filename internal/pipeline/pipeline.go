// Package pipeline implements the per-tick capture -> encode -> transmit
// -> metrics-record cycle, plus two supplemented per-tick responsibilities:
// draining one audio chunk and observing display reconfiguration. The
// three responsibilities are three steps of one Tick method rather than
// three free functions, one method per well-defined responsibility.
package pipeline

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/inconshreveable/log15"
	"golang.org/x/time/rate"

	"github.com/rebroad/displaycast/internal/audio"
	"github.com/rebroad/displaycast/internal/changedetect"
	"github.com/rebroad/displaycast/internal/display"
	"github.com/rebroad/displaycast/internal/metrics"
	"github.com/rebroad/displaycast/internal/videocodec"
	"github.com/rebroad/displaycast/internal/wire"
)

// Config controls pipeline cadence.
type Config struct {
	TargetFPS int

	// OutputRescanTicks is how many ticks elapse between display-host
	// output rescans. Default 600 at the 100ms poll cadence, i.e. ~60s.
	OutputRescanTicks int
}

func (c Config) targetFPS() int {
	if c.TargetFPS <= 0 {
		return 60
	}
	return c.TargetFPS
}

func (c Config) outputRescanTicks() int {
	if c.OutputRescanTicks <= 0 {
		return 600
	}
	return c.OutputRescanTicks
}

// Sender is everything the pipeline needs to put bytes on the wire. Each
// method must perform its header-then-body writes as one atomic unit
// under the session lock, since the reader goroutine may interleave a
// PONG reply between writes otherwise.
type Sender interface {
	SendConfig(payload []byte) error
	SendFrame(header wire.FrameHeader, body []byte) error
	SendAudio(header wire.AudioHeader, pcm []byte) error
}

// Pipeline owns one virtual output's streaming cycle.
type Pipeline struct {
	host     display.Host
	audioSrc audio.Source
	detector *changedetect.Detector
	codec    *videocodec.Adapter // nil if no codec is wired in
	selector *metrics.Selector
	sender   Sender
	cfg      Config

	outputID uint32
	limiter  *rate.Limiter
	ticks    int
	now      func() time.Time
	paused   func() bool // nil means never paused

	log            log15.Logger
	lastMetricsLog time.Time
}

// SetPauseCheck wires in a predicate the pipeline consults before every
// frame tick; when it reports true, video transmission is skipped. Audio
// and CONFIG delivery are unaffected — only video transmission stops,
// since a paused receiver still has no surface to render into but
// remains otherwise live.
func (p *Pipeline) SetPauseCheck(fn func() bool) { p.paused = fn }

// New creates a pipeline for one active output. It starts with no codec;
// until SetCodec wires one in, H264 mode is never reachable (the selector
// always falls back to FULL_FRAME).
func New(host display.Host, audioSrc audio.Source, sender Sender, outputID uint32, cfg Config) *Pipeline {
	targetFPS := cfg.targetFPS()
	return &Pipeline{
		host:     host,
		audioSrc: audioSrc,
		detector: changedetect.New(0, 0, 4),
		selector: metrics.NewSelector(metrics.NewWindow(metrics.DefaultWindowSize), targetFPS),
		sender:   sender,
		cfg:      cfg,
		outputID: outputID,
		limiter:  rate.NewLimiter(rate.Limit(targetFPS), 1),
		now:      time.Now,
		log:      log15.New("component", "pipeline"),
	}
}

// SetCodec wires in a video codec adapter (or clears it, with nil),
// letting callers react to the codec becoming available/unavailable
// after construction.
func (p *Pipeline) SetCodec(codec *videocodec.Adapter) { p.codec = codec }

// Mode returns the pipeline's current encoding mode.
func (p *Pipeline) Mode() wire.EncodingMode { return p.selector.Mode() }

// Tick runs one pipeline iteration: reconfig notification, audio drain,
// then (subject to FPS gating) a frame capture/encode/transmit cycle, and
// a periodic output rescan.
func (p *Pipeline) Tick() error {
	p.ticks++

	if err := p.notifyReconfig(); err != nil {
		return err
	}
	if err := p.drainAudio(); err != nil {
		return err
	}
	if err := p.runFrameTick(); err != nil {
		return err
	}

	if p.ticks%p.cfg.outputRescanTicks() == 0 {
		if err := p.host.Rescan(); err != nil {
			return fmt.Errorf("pipeline: rescan outputs: %w", err)
		}
	}
	return nil
}

// notifyReconfig emits a CONFIG message whenever the display host
// reports a reconfiguration event for the active output.
func (p *Pipeline) notifyReconfig() error {
	if p.outputID == 0 {
		return nil
	}
	ev, ok := p.host.PollReconfig(p.outputID)
	if !ok {
		return nil
	}
	payload := wire.EncodeConfig(wire.ConfigPayload{
		OutputID:      ev.OutputID,
		Width:         ev.Width,
		Height:        ev.Height,
		RefreshRateHz: ev.RefreshHz,
	})
	if err := p.sender.SendConfig(payload); err != nil {
		return fmt.Errorf("pipeline: send CONFIG: %w", err)
	}
	if ev.Disconnected() {
		p.outputID = 0
		p.detector.Reset()
	}
	return nil
}

// drainAudio sends at most one captured audio chunk per tick, between
// the reconfig poll and the frame tick.
func (p *Pipeline) drainAudio() error {
	if p.audioSrc == nil {
		return nil
	}
	chunk, ok, err := p.audioSrc.Capture()
	if err != nil {
		return fmt.Errorf("pipeline: capture audio: %w", err)
	}
	if !ok {
		return nil
	}
	header := wire.AudioHeader{
		TimestampUS: chunk.TimestampUS,
		SampleRate:  chunk.SampleRate,
		Channels:    chunk.Channels,
		Format:      chunk.Format,
		DataSize:    uint32(len(chunk.PCM)),
	}
	if err := p.sender.SendAudio(header, chunk.PCM); err != nil {
		return fmt.Errorf("pipeline: send AUDIO: %w", err)
	}
	return nil
}

// runFrameTick runs one capture/encode/transmit cycle, subject to the
// FPS gate and the pause predicate.
func (p *Pipeline) runFrameTick() error {
	if p.outputID == 0 {
		return nil
	}
	if p.paused != nil && p.paused() {
		return nil
	}

	now := p.now()
	p.limiter.SetLimitAt(now, rate.Limit(p.cfg.targetFPS()))
	if !p.limiter.AllowN(now, 1) {
		return nil // not enough time has elapsed yet
	}

	snap, err := p.host.Capture(p.outputID)
	if err != nil {
		return nil // output went away between the reconfig poll and here; skip this tick
	}

	p.detector.Resize(snap.Width, snap.Height, snap.BytesPerPixel)

	mode := p.selector.Mode()
	totalPixels := snap.Width * snap.Height

	encodeStart := p.now()
	body, numRegions, dirtyPixels, actualMode, err := p.encode(mode, snap, totalPixels)
	if err != nil {
		return fmt.Errorf("pipeline: encode: %w", err)
	}
	encodingElapsed := p.now().Sub(encodeStart)

	header := wire.FrameHeader{
		TimestampUS: uint64(now.UnixMicro()),
		OutputID:    p.outputID,
		Width:       uint32(snap.Width),
		Height:      uint32(snap.Height),
		Format:      snap.PixelFormatTag,
		Pitch:       uint32(snap.Pitch),
		Size:        uint32(len(body)),
		Mode:        actualMode,
		NumRegions:  uint8(numRegions),
	}
	if err := p.transmit(header, body); err != nil {
		return err
	}

	totalBytes := wire.HeaderSize + wire.FrameHeaderSize + len(body)
	p.selector.Window().RecordFrame(uint64(totalBytes), uint64(dirtyPixels), uint64(totalPixels), encodingElapsed, p.cfg.targetFPS())
	p.selector.Evaluate(p.codec != nil)
	p.logMetricsIfDue(now)

	return nil
}

// logMetricsIfDue emits a metrics summary at info level, approximately
// once per second, formatting the bandwidth figure with go-humanize.
func (p *Pipeline) logMetricsIfDue(now time.Time) {
	if !p.lastMetricsLog.IsZero() && now.Sub(p.lastMetricsLog) < time.Second {
		return
	}
	p.lastMetricsLog = now
	w := p.selector.Window()
	p.log.Info("metrics",
		"mode", p.selector.Mode(),
		"fps", w.FPS(),
		"bandwidth", humanize.Bytes(uint64(w.BandwidthMBps()*1024*1024))+"/s",
		"dirty_fraction", w.DirtyFraction(),
	)
}

// encode renders one frame body in the requested mode, including the
// two "demote this frame only" fallbacks. It returns the actual mode used
// for this frame (which may differ from the session's steady-state mode).
func (p *Pipeline) encode(mode wire.EncodingMode, snap display.Snapshot, totalPixels int) (body []byte, numRegions, dirtyPixels int, actual wire.EncodingMode, err error) {
	switch mode {
	case wire.DirtyRects:
		rects := p.detector.Detect(snap.Pixels)
		dirty := 0
		for _, r := range rects {
			dirty += r.Width * r.Height
		}
		if totalPixels > 0 && dirty*2 > totalPixels {
			return snap.Pixels, 0, totalPixels, wire.FullFrame, nil
		}
		return encodeDirtyRects(snap, rects), len(rects), dirty, wire.DirtyRects, nil

	case wire.H264:
		if p.codec == nil {
			return snap.Pixels, 0, totalPixels, wire.FullFrame, nil
		}
		nal, encErr := p.codec.Encode(snap.Pixels, snap.Width, snap.Height, snap.Pitch)
		if encErr != nil {
			return snap.Pixels, 0, totalPixels, wire.FullFrame, nil
		}
		return nal, 0, totalPixels, wire.H264, nil

	default: // FULL_FRAME
		return snap.Pixels, 0, totalPixels, wire.FullFrame, nil
	}
}

// encodeDirtyRects assembles the DIRTY_RECTS body: per-rectangle header
// followed by its scanlines, copied with the source pitch.
func encodeDirtyRects(snap display.Snapshot, rects []changedetect.Rect) []byte {
	bpp := snap.BytesPerPixel
	var out []byte
	for _, r := range rects {
		dataSize := r.Width * r.Height * bpp
		out = append(out, wire.EncodeDirtyRectHeader(wire.DirtyRectHeader{
			X: uint32(r.X), Y: uint32(r.Y),
			Width: uint32(r.Width), Height: uint32(r.Height),
			DataSize: uint32(dataSize),
		})...)
		for row := 0; row < r.Height; row++ {
			rowOff := (r.Y+row)*snap.Pitch + r.X*bpp
			out = append(out, snap.Pixels[rowOff:rowOff+r.Width*bpp]...)
		}
	}
	return out
}

// transmit sends the FRAME header via the (possibly encrypted) message
// framing, then the body directly on the transport, bypassing per-message
// framing.
func (p *Pipeline) transmit(header wire.FrameHeader, body []byte) error {
	if err := p.sender.SendFrame(header, body); err != nil {
		return fmt.Errorf("pipeline: send FRAME: %w", err)
	}
	return nil
}
