// Package display defines the abstract windowing-system collaborator:
// creating/destroying a virtual output, capturing its current
// framebuffer, and observing reconfiguration events. It is a narrow
// interface the rest of the module programs against, with a fake
// in-memory implementation standing in for hardware in tests.
package display

import "time"

// Mode is a requested or current display configuration, mirrored here
// to avoid display depending on wire.
type Mode struct {
	Width          uint32
	Height         uint32
	RefreshCentihz uint32
}

// VirtualOutput is an opaque handle to a created output: owned by the
// external DisplayHost, borrowed by the session, deleted on shutdown.
type VirtualOutput struct {
	ID        uint32
	Width     uint32
	Height    uint32
	RefreshHz uint32
}

// Snapshot is one tick's transient framebuffer capture. It must not be
// retained past the pipeline iteration that produced it.
type Snapshot struct {
	Width, Height  int
	Pitch          int
	BytesPerPixel  int
	PixelFormatTag uint32
	Pixels         []byte
	Timestamp      time.Time
}

// ReconfigEvent reports that a virtual output's mode changed or that it
// disconnected (Width == Height == 0).
type ReconfigEvent struct {
	OutputID  uint32
	Width     uint32
	Height    uint32
	RefreshHz uint32
}

// Disconnected reports the CONFIG disconnect sentinel.
func (e ReconfigEvent) Disconnected() bool { return e.Width == 0 && e.Height == 0 }

// Host is the abstract windowing-system service a real binding (X11, DRM,
// a compositor protocol) would implement.
type Host interface {
	// CreateOutput asks the host to create a virtual output matching mode
	// and returns its handle.
	CreateOutput(mode Mode) (VirtualOutput, error)

	// DestroyOutput releases a previously created output. Called exactly
	// once, on session shutdown.
	DestroyOutput(id uint32) error

	// Capture returns the current framebuffer contents for id.
	Capture(id uint32) (Snapshot, error)

	// PollReconfig returns the next pending reconfiguration event for id,
	// if any, without blocking. ok is false when nothing changed since
	// the last poll.
	PollReconfig(id uint32) (event ReconfigEvent, ok bool)

	// Rescan re-enumerates available outputs, refreshing whatever modes
	// the host can report. Invoked by the pipeline's periodic output
	// rescan.
	Rescan() error
}
