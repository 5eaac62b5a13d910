package display

import (
	"fmt"
	"sync"
	"time"
)

// FakeHost is an in-memory Host used by pipeline/session tests: it has no
// real windowing-system binding, just a set of mutable outputs whose
// framebuffers tests can poke directly.
type FakeHost struct {
	mu      sync.Mutex
	nextID  uint32
	outputs map[uint32]*fakeOutput
	now     func() time.Time
}

type fakeOutput struct {
	mode         Mode
	pixels       []byte
	bpp          int
	pendingEvent *ReconfigEvent
}

// NewFakeHost creates an empty fake display host.
func NewFakeHost() *FakeHost {
	return &FakeHost{outputs: make(map[uint32]*fakeOutput), now: time.Now}
}

func (h *FakeHost) CreateOutput(mode Mode) (VirtualOutput, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.outputs[id] = &fakeOutput{mode: mode, bpp: 4, pixels: make([]byte, int(mode.Width)*int(mode.Height)*4)}
	return VirtualOutput{ID: id, Width: mode.Width, Height: mode.Height, RefreshHz: mode.RefreshCentihz / 100}, nil
}

func (h *FakeHost) DestroyOutput(id uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.outputs[id]; !ok {
		return fmt.Errorf("display: unknown output %d", id)
	}
	delete(h.outputs, id)
	return nil
}

func (h *FakeHost) Capture(id uint32) (Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out, ok := h.outputs[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("display: unknown output %d", id)
	}
	pixels := make([]byte, len(out.pixels))
	copy(pixels, out.pixels)
	return Snapshot{
		Width:          int(out.mode.Width),
		Height:         int(out.mode.Height),
		Pitch:          int(out.mode.Width) * out.bpp,
		BytesPerPixel:  out.bpp,
		PixelFormatTag: 0x34325258, // placeholder DRM_FORMAT_XRGB8888-style tag
		Pixels:         pixels,
		Timestamp:      h.now(),
	}, nil
}

func (h *FakeHost) PollReconfig(id uint32) (ReconfigEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out, ok := h.outputs[id]
	if !ok || out.pendingEvent == nil {
		return ReconfigEvent{}, false
	}
	ev := *out.pendingEvent
	out.pendingEvent = nil
	return ev, true
}

func (h *FakeHost) Rescan() error { return nil }

// SetPixels overwrites the current framebuffer contents for id, for tests
// driving the change detector through specific frame sequences.
func (h *FakeHost) SetPixels(id uint32, pixels []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if out, ok := h.outputs[id]; ok {
		out.pixels = append(out.pixels[:0], pixels...)
	}
}

// Resize changes an output's mode and queues a ReconfigEvent for the next
// PollReconfig call.
func (h *FakeHost) Resize(id uint32, mode Mode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out, ok := h.outputs[id]
	if !ok {
		return
	}
	out.mode = mode
	out.pixels = make([]byte, int(mode.Width)*int(mode.Height)*out.bpp)
	out.pendingEvent = &ReconfigEvent{OutputID: id, Width: mode.Width, Height: mode.Height, RefreshHz: mode.RefreshCentihz / 100}
}

// Disconnect queues a disconnect ReconfigEvent (width=height=0) for id.
func (h *FakeHost) Disconnect(id uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if out, ok := h.outputs[id]; ok {
		out.pendingEvent = &ReconfigEvent{OutputID: id}
	}
}

var _ Host = (*FakeHost)(nil)
