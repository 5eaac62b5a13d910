package display

import "testing"

func TestFakeHostCreateAndCapture(t *testing.T) {
	h := NewFakeHost()
	out, err := h.CreateOutput(Mode{Width: 64, Height: 32, RefreshCentihz: 6000})
	if err != nil {
		t.Fatal(err)
	}
	if out.Width != 64 || out.Height != 32 || out.RefreshHz != 60 {
		t.Fatalf("got %+v", out)
	}

	snap, err := h.Capture(out.ID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Width != 64 || snap.Height != 32 || snap.BytesPerPixel != 4 || len(snap.Pixels) != 64*32*4 {
		t.Fatalf("got %+v", snap)
	}
}

func TestFakeHostCaptureIsACopy(t *testing.T) {
	h := NewFakeHost()
	out, _ := h.CreateOutput(Mode{Width: 2, Height: 2, RefreshCentihz: 6000})
	snap, err := h.Capture(out.ID)
	if err != nil {
		t.Fatal(err)
	}
	snap.Pixels[0] = 0xFF
	snap2, _ := h.Capture(out.ID)
	if snap2.Pixels[0] == 0xFF {
		t.Fatalf("mutating a returned snapshot must not affect the host's stored framebuffer")
	}
}

func TestFakeHostDestroyThenCaptureFails(t *testing.T) {
	h := NewFakeHost()
	out, _ := h.CreateOutput(Mode{Width: 2, Height: 2})
	if err := h.DestroyOutput(out.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Capture(out.ID); err == nil {
		t.Fatalf("expected error capturing a destroyed output")
	}
}

func TestFakeHostResizeQueuesReconfigEvent(t *testing.T) {
	h := NewFakeHost()
	out, _ := h.CreateOutput(Mode{Width: 64, Height: 32, RefreshCentihz: 6000})

	if _, ok := h.PollReconfig(out.ID); ok {
		t.Fatalf("no event expected before a resize")
	}

	h.Resize(out.ID, Mode{Width: 128, Height: 64, RefreshCentihz: 5994})
	ev, ok := h.PollReconfig(out.ID)
	if !ok {
		t.Fatalf("expected a reconfig event after resize")
	}
	if ev.Width != 128 || ev.Height != 64 || ev.Disconnected() {
		t.Fatalf("got %+v", ev)
	}

	if _, ok := h.PollReconfig(out.ID); ok {
		t.Fatalf("event must be consumed exactly once")
	}
}

func TestFakeHostDisconnectSentinel(t *testing.T) {
	h := NewFakeHost()
	out, _ := h.CreateOutput(Mode{Width: 64, Height: 32})
	h.Disconnect(out.ID)
	ev, ok := h.PollReconfig(out.ID)
	if !ok || !ev.Disconnected() {
		t.Fatalf("got %+v, ok=%v", ev, ok)
	}
}
