package screencopy

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/GriffinCanCode/wlshot/internal/errors"
	"github.com/GriffinCanCode/wlshot/internal/shm"
	"github.com/GriffinCanCode/wlshot/internal/wayland"
	"github.com/GriffinCanCode/wlshot/internal/wayland/wltest"
)

type countingAllocator struct {
	inner Allocator
	err   error
	calls int
}

func (a *countingAllocator) Create() (*shm.Segment, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	return a.inner.Create()
}

func newTarget(t *testing.T, cfg wltest.Config) (Target, *countingAllocator, *wltest.Compositor) {
	t.Helper()
	conn, comp := wltest.New(t, cfg)
	g, err := wayland.DiscoverGlobals(conn)
	if err != nil {
		t.Fatalf("DiscoverGlobals: %v", err)
	}
	out := g.Outputs[0]
	w, h := out.Info.LogicalSize()
	alloc := &countingAllocator{inner: shm.NewAllocator(t.TempDir())}
	return Target{
		Conn:          conn,
		Output:        out,
		Manager:       g.Screencopy,
		Shm:           g.Shm,
		LogicalWidth:  w,
		LogicalHeight: h,
		Allocator:     alloc,
	}, alloc, comp
}

// smallConfig keeps the frame tiny so tests stay fast.
func smallConfig() wltest.Config {
	cfg := wltest.DefaultConfig()
	cfg.Script.Width, cfg.Script.Height, cfg.Script.Stride = 64, 32, 256
	return cfg
}

// settle waits until the compositor has processed every request sent.
func settle(t *testing.T, tgt Target) {
	t.Helper()
	if err := tgt.Conn.DefaultQueue().Roundtrip(); err != nil {
		t.Fatalf("Roundtrip: %v", err)
	}
}

func TestCaptureFullOutput(t *testing.T) {
	tgt, alloc, comp := newTarget(t, wltest.DefaultConfig())

	fb, err := Capture(context.Background(), tgt)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	defer fb.Close()

	if fb.Width != 1920 || fb.Height != 1080 || fb.Stride != 7680 {
		t.Errorf("frame = %dx%d stride %d", fb.Width, fb.Height, fb.Stride)
	}
	if fb.Format != wayland.ShmFormatXRGB8888 {
		t.Errorf("format = %s", fb.Format)
	}
	if fb.LogicalWidth != 1920 || fb.LogicalHeight != 1080 {
		t.Errorf("logical size = %dx%d", fb.LogicalWidth, fb.LogicalHeight)
	}
	if len(fb.Data) != 7680*1080 {
		t.Errorf("len(Data) = %d, want %d", len(fb.Data), 7680*1080)
	}
	if !fb.Timestamp.Equal(time.Unix(1700000000, 500)) {
		t.Errorf("timestamp = %v", fb.Timestamp)
	}
	for _, p := range [][2]int{{0, 0}, {1919, 0}, {300, 700}, {1919, 1079}} {
		off := p[1]*int(fb.Stride) + p[0]*4
		got := le.Uint32(fb.Data[off:])
		if want := wltest.PixelAt(p[0], p[1]); got != want {
			t.Errorf("pixel %v = %#x, want %#x", p, got, want)
		}
	}

	if alloc.calls != 1 {
		t.Errorf("allocations = %d, want 1", alloc.calls)
	}
	caps := comp.Captures()
	if len(caps) != 1 || caps[0].Region || caps[0].OverlayCursor != 0 {
		t.Errorf("captures = %+v", caps)
	}
	if pools := comp.Pools(); len(pools) != 1 || pools[0].Size != 7680*1080 {
		t.Errorf("pools = %+v", pools)
	}
	bufs := comp.Buffers()
	if len(bufs) != 1 {
		t.Fatalf("buffers = %+v", bufs)
	}
	want := wltest.BufferRequest{ID: bufs[0].ID, Width: 1920, Height: 1080, Stride: 7680, Format: uint32(wayland.ShmFormatXRGB8888)}
	if bufs[0] != want {
		t.Errorf("buffer = %+v, want %+v", bufs[0], want)
	}

	settle(t, tgt)
	for _, iface := range []string{"zwlr_screencopy_frame_v1", "wl_buffer", "wl_shm_pool"} {
		if n := comp.Destroyed(iface); n != 1 {
			t.Errorf("%s destroyed %d times, want 1", iface, n)
		}
	}
}

func TestCaptureRegion(t *testing.T) {
	cfg := wltest.DefaultConfig()
	cfg.Script.Width, cfg.Script.Height, cfg.Script.Stride = 300, 200, 1200
	tgt, _, comp := newTarget(t, cfg)
	tgt.Region = &Region{X: 10, Y: 20, Width: 300, Height: 200}
	tgt.OverlayCursor = true

	fb, err := Capture(context.Background(), tgt)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	defer fb.Close()

	if fb.Width != 300 || fb.Height != 200 || len(fb.Data) != 1200*200 {
		t.Errorf("frame = %dx%d, %d bytes", fb.Width, fb.Height, len(fb.Data))
	}
	caps := comp.Captures()
	if len(caps) != 1 {
		t.Fatalf("captures = %+v", caps)
	}
	want := wltest.CaptureRequest{Region: true, OverlayCursor: 1, OutputID: tgt.Output.ID(), X: 10, Y: 20, Width: 300, Height: 200}
	if caps[0] != want {
		t.Errorf("capture = %+v, want %+v", caps[0], want)
	}
}

func TestCaptureFailures(t *testing.T) {
	tests := []struct {
		name        string
		script      func(*wltest.FrameScript)
		code        apperrors.Code
		allocations int
		pools       int
	}{
		{
			name:   "compositor fails immediately",
			script: func(s *wltest.FrameScript) { s.FailImmediately = true },
			code:   apperrors.CodeCaptureFailed,
		},
		{
			name:   "unknown pixel format",
			script: func(s *wltest.FrameScript) { s.Format = 0xdeadbeef },
			code:   apperrors.CodeUnsupportedFormat,
		},
		{
			name:        "failed after buffer",
			script:      func(s *wltest.FrameScript) { s.FailAfterBuffer = true },
			code:        apperrors.CodeCaptureFailed,
			allocations: 1,
			pools:       1,
		},
		{
			name:        "failed on copy",
			script:      func(s *wltest.FrameScript) { s.FailOnCopy = true },
			code:        apperrors.CodeCaptureFailed,
			allocations: 1,
			pools:       1,
		},
		{
			name:   "zero stride",
			script: func(s *wltest.FrameScript) { s.Stride = 0 },
			code:   apperrors.CodeProtocolError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := smallConfig()
			tt.script(&cfg.Script)
			tgt, alloc, comp := newTarget(t, cfg)

			fb, err := Capture(context.Background(), tgt)
			if fb != nil {
				t.Error("failed capture returned a frame")
			}
			if !apperrors.IsCode(err, tt.code) {
				t.Errorf("error = %v, want %s", err, tt.code)
			}
			if alloc.calls != tt.allocations {
				t.Errorf("allocations = %d, want %d", alloc.calls, tt.allocations)
			}
			settle(t, tgt)
			if n := len(comp.Pools()); n != tt.pools {
				t.Errorf("pools = %d, want %d", n, tt.pools)
			}
			if n := comp.Destroyed("zwlr_screencopy_frame_v1"); n != 1 {
				t.Errorf("frame destroyed %d times, want 1", n)
			}
			if n := comp.Destroyed("wl_shm_pool"); n != tt.pools {
				t.Errorf("pool destroyed %d times, want %d", n, tt.pools)
			}
		})
	}
}

func TestCaptureAllocationFailure(t *testing.T) {
	tgt, alloc, comp := newTarget(t, smallConfig())
	alloc.err = apperrors.New(apperrors.CodeAllocationFailed, "no memory")

	_, err := Capture(context.Background(), tgt)
	if !apperrors.IsCode(err, apperrors.CodeAllocationFailed) {
		t.Errorf("error = %v, want ALLOCATION_FAILED", err)
	}
	settle(t, tgt)
	if len(comp.Pools()) != 0 || comp.Copies() != 0 {
		t.Error("nothing should be shared after a failed allocation")
	}
}

func TestCaptureWithDmabufOffer(t *testing.T) {
	cfg := smallConfig()
	cfg.Script.AnnounceDmabuf = true
	tgt, alloc, _ := newTarget(t, cfg)

	fb, err := Capture(context.Background(), tgt)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	defer fb.Close()
	if alloc.calls != 1 {
		t.Errorf("allocations = %d, want 1", alloc.calls)
	}
}

func TestCaptureYInvert(t *testing.T) {
	cfg := smallConfig()
	cfg.Script.Flags = wayland.FrameFlagYInvert
	tgt, _, _ := newTarget(t, cfg)

	fb, err := Capture(context.Background(), tgt)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	defer fb.Close()
	if !fb.YInvert {
		t.Fatal("YInvert not recorded")
	}

	img, err := fb.Image()
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	// Top row of the image is the last stored row.
	c := img.RGBAAt(5, 0)
	if c.R != 5 || c.G != 31 || c.B != 0x5a || c.A != 0xff {
		t.Errorf("pixel (5,0) = %+v", c)
	}
}

func TestCaptureTimeout(t *testing.T) {
	cfg := smallConfig()
	cfg.Script.Silent = true
	tgt, _, _ := newTarget(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Capture(ctx, tgt)
	if !apperrors.IsCode(err, apperrors.CodeTimeout) {
		t.Fatalf("error = %v, want TIMEOUT", err)
	}

	// The deadline is cleared again, so the connection stays usable.
	settle(t, tgt)
}

func TestCaptureCancelled(t *testing.T) {
	cfg := smallConfig()
	cfg.Script.Silent = true
	tgt, _, _ := newTarget(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := Capture(ctx, tgt)
	if !apperrors.IsCode(err, apperrors.CodeCancelled) {
		t.Fatalf("error = %v, want CANCELLED", err)
	}
	settle(t, tgt)
}

func TestCaptureTwiceOnOneConnection(t *testing.T) {
	tgt, alloc, comp := newTarget(t, smallConfig())

	for i := 0; i < 2; i++ {
		fb, err := Capture(context.Background(), tgt)
		if err != nil {
			t.Fatalf("capture %d: %v", i, err)
		}
		fb.Close()
	}
	if alloc.calls != 2 || len(comp.Captures()) != 2 {
		t.Errorf("allocations = %d, captures = %d", alloc.calls, len(comp.Captures()))
	}
}

func TestRepeatedCapturesDoNotGrowObjects(t *testing.T) {
	tgt, _, comp := newTarget(t, smallConfig())

	const n = 30
	for i := 0; i < n; i++ {
		fb, err := Capture(context.Background(), tgt)
		if err != nil {
			t.Fatalf("capture %d: %v", i, err)
		}
		fb.Close()
	}
	settle(t, tgt)

	// Discovery holds one registry and every capture shares a second.
	if got := comp.Registries(); got != 2 {
		t.Errorf("registries requested = %d, want 2", got)
	}
	q := tgt.Conn.NewEventQueue()
	defer q.Close()
	cb, err := tgt.Conn.Display().Sync(q)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if cb.ID() >= 20 {
		t.Errorf("next object id = %d after %d captures, ids are leaking", cb.ID(), n)
	}
}

func TestCaptureInvalidTarget(t *testing.T) {
	tgt, _, comp := newTarget(t, smallConfig())

	missing := tgt
	missing.Manager = nil
	if _, err := Capture(context.Background(), missing); !apperrors.IsCode(err, apperrors.CodeInvalidArgument) {
		t.Errorf("missing manager: %v", err)
	}

	empty := tgt
	empty.Region = &Region{Width: 0, Height: 10}
	if _, err := Capture(context.Background(), empty); !apperrors.IsCode(err, apperrors.CodeInvalidArgument) {
		t.Errorf("empty region: %v", err)
	}

	settle(t, tgt)
	if n := len(comp.Captures()); n != 0 {
		t.Errorf("invalid targets issued %d capture requests", n)
	}
}

func TestDispatchError(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	base := errors.New("read failed")

	if err := dispatchError(cancelled, base); !apperrors.IsCode(err, apperrors.CodeCancelled) {
		t.Errorf("cancelled ctx: %v", err)
	}
	if err := dispatchError(context.Background(), base); !apperrors.IsCode(err, apperrors.CodeProtocolError) {
		t.Errorf("plain error: %v", err)
	}
	if err := dispatchError(context.Background(), base); !errors.Is(err, base) {
		t.Error("cause should be preserved")
	}
}
