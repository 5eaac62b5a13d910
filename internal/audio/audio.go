// Package audio defines the abstract audio capture collaborator, plus a
// fake in-memory implementation for pipeline/session tests. Draining this
// source into AUDIO messages is one of the control thread's per-tick
// responsibilities; this package only supplies the narrow capture
// interface that drives it, following the same small-interface shape as
// internal/display.Host.
package audio

import (
	"time"

	"github.com/rebroad/displaycast/internal/wire"
)

// Chunk is one captured block of PCM audio (the AUDIO payload fields,
// minus the wire encoding).
type Chunk struct {
	SampleRate  uint32
	Channels    uint16
	Format      wire.AudioFormat
	PCM         []byte
	TimestampUS uint64
}

// Source is the abstract audio capture device a real binding (ALSA,
// PulseAudio, PipeWire) would implement.
type Source interface {
	// Capture returns the next available chunk, if any, without blocking.
	// ok is false when no audio is queued this tick.
	Capture() (chunk Chunk, ok bool, err error)
}

// FakeSource is an in-memory Source: tests enqueue chunks with Push and
// the pipeline drains them with Capture, exactly as a real device would
// produce chunks asynchronously and the pipeline would drain one per tick.
type FakeSource struct {
	queue []Chunk
	now   func() time.Time
}

// NewFakeSource creates an empty fake audio source.
func NewFakeSource() *FakeSource {
	return &FakeSource{now: time.Now}
}

// Push enqueues a chunk of silence-or-otherwise PCM data for the next
// Capture call to return.
func (s *FakeSource) Push(sampleRate uint32, channels uint16, format wire.AudioFormat, pcm []byte) {
	s.queue = append(s.queue, Chunk{
		SampleRate:  sampleRate,
		Channels:    channels,
		Format:      format,
		PCM:         pcm,
		TimestampUS: uint64(s.now().UnixMicro()),
	})
}

func (s *FakeSource) Capture() (Chunk, bool, error) {
	if len(s.queue) == 0 {
		return Chunk{}, false, nil
	}
	chunk := s.queue[0]
	s.queue = s.queue[1:]
	return chunk, true, nil
}

var _ Source = (*FakeSource)(nil)
