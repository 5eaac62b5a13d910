// Package metrics implements the sliding-window FPS/bandwidth/dirty-fraction
// tracker and the hysteretic three-state mode selector. A Window holds a
// fixed-size ring of per-frame samples and four run counters; a Selector
// layers mode-transition decisions on top of a Window's running averages.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rebroad/displaycast/internal/wire"
)

// Prometheus gauges exported for operational visibility, registered once
// at package init against the default registry.
var (
	fpsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "displaycast",
		Subsystem: "pipeline",
		Name:      "fps",
		Help:      "Rolling-window average frames transmitted per second.",
	})
	bandwidthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "displaycast",
		Subsystem: "pipeline",
		Name:      "bandwidth_mbps",
		Help:      "Rolling-window average outbound bandwidth in megabytes per second.",
	})
	dirtyFractionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "displaycast",
		Subsystem: "pipeline",
		Name:      "dirty_fraction",
		Help:      "Rolling-window average fraction of pixels reported dirty.",
	})
	modeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "displaycast",
		Subsystem: "pipeline",
		Name:      "encoding_mode",
		Help:      "Current encoding mode (0=FULL_FRAME, 1=DIRTY_RECTS, 2=H264).",
	})
)

func init() {
	prometheus.MustRegister(fpsGauge, bandwidthGauge, dirtyFractionGauge, modeGauge)
}

const (
	highChangeThreshold = 0.5
	lowChangeThreshold  = 0.2
	fpsLowThreshold     = 0.8
	fpsGoodThreshold    = 0.95
	bandwidthHighMBps   = 100.0
	bandwidthLowMBps    = 50.0
	encodingTimeLowUs   = 16000

	switchToH264Frames       = 5
	switchToDirtyRectsFrames = 10

	// DefaultWindowSize is 60 frames: one second of history at 60fps.
	DefaultWindowSize = 60
)

// Window holds the sliding-window samples and run counters. It is the
// tracker half of the package; Selector (below) layers the mode state
// machine on top.
type Window struct {
	size  int
	index int

	fps       []float64
	bandwidth []float64
	dirty     []float64

	actualFPS     float64
	bandwidthMBps float64
	dirtyFraction float64
	encodingTime  time.Duration

	consecutiveHighChange int
	consecutiveLowChange  int
	consecutiveLowFPS     int
	consecutiveGoodFPS    int

	lastFrameTime time.Time
	now           func() time.Time
}

// NewWindow creates a tracker with the given ring-buffer capacity (frames).
// A size <= 0 uses DefaultWindowSize.
func NewWindow(size int) *Window {
	return NewWindowWithClock(size, time.Now)
}

// NewWindowWithClock is NewWindow with an injectable clock, for
// deterministic tests.
func NewWindowWithClock(size int, now func() time.Time) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Window{
		size:      size,
		fps:       make([]float64, size),
		bandwidth: make([]float64, size),
		dirty:     make([]float64, size),
		now:       now,
	}
}

// RecordFrame ingests one transmitted frame, computing per-frame FPS and
// bandwidth from the elapsed wall-clock time since the previous call.
func (w *Window) RecordFrame(bytesSent, dirtyPixels, totalPixels uint64, encodingTime time.Duration, targetFPS int) {
	now := w.now()
	var frameFPS, frameBandwidthMBps float64
	if !w.lastFrameTime.IsZero() {
		elapsed := now.Sub(w.lastFrameTime).Seconds()
		if elapsed > 0 {
			frameFPS = 1.0 / elapsed
			frameBandwidthMBps = (float64(bytesSent) / elapsed) / (1024.0 * 1024.0)
		}
	} else {
		frameFPS = float64(targetFPS)
	}
	w.lastFrameTime = now

	var dirtyFraction float64
	if totalPixels > 0 {
		dirtyFraction = float64(dirtyPixels) / float64(totalPixels)
	}

	w.RecordSample(frameFPS, frameBandwidthMBps, dirtyFraction, encodingTime, targetFPS)
}

// RecordSample ingests one pre-computed sample directly, bypassing the
// elapsed-time derivation RecordFrame performs.
func (w *Window) RecordSample(fps, bandwidthMBps, dirtyFraction float64, encodingTime time.Duration, targetFPS int) {
	w.fps[w.index] = fps
	w.bandwidth[w.index] = bandwidthMBps
	w.dirty[w.index] = dirtyFraction
	w.index = (w.index + 1) % w.size

	var fpsSum, bwSum, dirtySum float64
	count := 0
	for i := 0; i < w.size; i++ {
		if w.fps[i] > 0 {
			fpsSum += w.fps[i]
			bwSum += w.bandwidth[i]
			dirtySum += w.dirty[i]
			count++
		}
	}
	if count > 0 {
		w.actualFPS = fpsSum / float64(count)
		w.bandwidthMBps = bwSum / float64(count)
		w.dirtyFraction = dirtySum / float64(count)
	}
	w.encodingTime = encodingTime

	fpsGauge.Set(w.actualFPS)
	bandwidthGauge.Set(w.bandwidthMBps)
	dirtyFractionGauge.Set(w.dirtyFraction)

	switch {
	case dirtyFraction > highChangeThreshold:
		w.consecutiveHighChange++
		w.consecutiveLowChange = 0
	case dirtyFraction < lowChangeThreshold:
		w.consecutiveLowChange++
		w.consecutiveHighChange = 0
	default:
		w.consecutiveHighChange = 0
		w.consecutiveLowChange = 0
	}

	if targetFPS > 0 {
		ratio := w.actualFPS / float64(targetFPS)
		switch {
		case ratio < fpsLowThreshold:
			w.consecutiveLowFPS++
			w.consecutiveGoodFPS = 0
		case ratio >= fpsGoodThreshold:
			w.consecutiveGoodFPS++
			w.consecutiveLowFPS = 0
		default:
			w.consecutiveLowFPS = 0
			w.consecutiveGoodFPS = 0
		}
	}
}

// ResetCounters clears the four run counters without touching the
// sample ring. Called on every accepted mode transition.
func (w *Window) ResetCounters() {
	w.consecutiveHighChange = 0
	w.consecutiveLowChange = 0
	w.consecutiveLowFPS = 0
	w.consecutiveGoodFPS = 0
}

func (w *Window) FPS() float64           { return w.actualFPS }
func (w *Window) BandwidthMBps() float64 { return w.bandwidthMBps }
func (w *Window) DirtyFraction() float64 { return w.dirtyFraction }
func (w *Window) EncodingTime() time.Duration { return w.encodingTime }

// Selector layers the three-state mode state machine on top of a
// Window.
type Selector struct {
	window    *Window
	mode      wire.EncodingMode
	targetFPS int
}

// NewSelector creates a selector in the default initial state,
// DIRTY_RECTS.
func NewSelector(window *Window, targetFPS int) *Selector {
	return &Selector{window: window, mode: wire.DirtyRects, targetFPS: targetFPS}
}

// Mode returns the current encoding mode.
func (s *Selector) Mode() wire.EncodingMode { return s.mode }

// Window exposes the underlying tracker, e.g. for direct RecordSample
// calls from tests.
func (s *Selector) Window() *Window { return s.window }

// Evaluate re-checks the transition conditions after a sample has been
// recorded into the underlying Window, and returns the (possibly updated)
// mode. codecAvailable gates the DIRTY_RECTS->H264 transition: when the
// video codec cannot be created, the selector falls back to FULL_FRAME
// instead.
func (s *Selector) Evaluate(codecAvailable bool) wire.EncodingMode {
	w := s.window
	switch s.mode {
	case wire.DirtyRects:
		if w.consecutiveHighChange >= switchToH264Frames ||
			w.consecutiveLowFPS >= switchToH264Frames ||
			w.bandwidthMBps > bandwidthHighMBps ||
			w.dirtyFraction > 0.9 {
			if codecAvailable {
				s.mode = wire.H264
			} else {
				s.mode = wire.FullFrame
			}
			w.ResetCounters()
		}
	case wire.H264, wire.FullFrame:
		if w.consecutiveLowChange >= switchToDirtyRectsFrames &&
			(s.targetFPS <= 0 || w.actualFPS/float64(s.targetFPS) >= fpsGoodThreshold) &&
			w.bandwidthMBps <= bandwidthLowMBps &&
			w.encodingTime <= encodingTimeLowUs*time.Microsecond {
			s.mode = wire.DirtyRects
			w.ResetCounters()
		}
	}
	modeGauge.Set(float64(s.mode))
	return s.mode
}
