package screen

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/nfnt/resize"

	"github.com/GriffinCanCode/wlshot/internal/config"
	"github.com/GriffinCanCode/wlshot/internal/resilience"
	"github.com/GriffinCanCode/wlshot/internal/screencopy"
	"github.com/GriffinCanCode/wlshot/internal/shm"
	"github.com/GriffinCanCode/wlshot/internal/wayland"
)

// waylandBackend captures through wlr-screencopy. The connection is not
// safe for concurrent use, so captures are serialized.
type waylandBackend struct {
	mu      sync.Mutex
	conn    *wayland.Conn
	globals *wayland.Globals
	alloc   *shm.Allocator
	timeout time.Duration
	scale   bool
}

func newWaylandBackend(ctx context.Context, cfg *config.Config, dial func() (*wayland.Conn, error)) (*waylandBackend, error) {
	conn, err := resilience.RetryWithResult(ctx, resilience.ConnectRetryConfig(cfg.ConnectRetries), dial)
	if err != nil {
		return nil, err
	}
	globals, err := wayland.DiscoverGlobals(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	for _, info := range globals.OutputInfos() {
		slog.Debug("found output", "output", info.String())
	}
	return &waylandBackend{
		conn:    conn,
		globals: globals,
		alloc:   shm.NewAllocator(cfg.ShmDir),
		timeout: cfg.CaptureTimeout,
		scale:   cfg.ScaleToLogical,
	}, nil
}

func (b *waylandBackend) name() string { return config.BackendWayland }

// outputSyncTimeout bounds the roundtrip that picks up output changes
// before listing.
const outputSyncTimeout = 2 * time.Second

func (b *waylandBackend) outputs() ([]wayland.OutputInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.globals.Sync(outputSyncTimeout); err != nil {
		return nil, err
	}
	return b.globals.OutputInfos(), nil
}

func (b *waylandBackend) captureRaw(ctx context.Context, req Request) (image.Image, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Hotplug and mode changes read during earlier captures.
	b.globals.Refresh()
	out, err := b.globals.Output(req.Output)
	if err != nil {
		return nil, "", err
	}
	lw, lh := out.Info.LogicalSize()
	if req.Region != nil {
		lw, lh = req.Region.Width, req.Region.Height
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	fb, err := screencopy.Capture(ctx, screencopy.Target{
		Conn:          b.conn,
		Output:        out,
		Manager:       b.globals.Screencopy,
		Shm:           b.globals.Shm,
		LogicalWidth:  lw,
		LogicalHeight: lh,
		Region:        req.Region,
		OverlayCursor: req.Cursor,
		Allocator:     b.alloc,
	})
	if err != nil {
		return nil, "", err
	}
	defer fb.Close()

	img, err := fb.Image()
	if err != nil {
		return nil, "", err
	}
	return b.scaleToLogical(img, fb), out.Info.Name, nil
}

// scaleToLogical resamples HiDPI frames down to the output's logical size
// when configured to.
func (b *waylandBackend) scaleToLogical(img *image.RGBA, fb *screencopy.FrameBuffer) image.Image {
	if !b.scale || fb.LogicalWidth <= 0 || fb.LogicalHeight <= 0 {
		return img
	}
	if int32(fb.Width) == fb.LogicalWidth && int32(fb.Height) == fb.LogicalHeight {
		return img
	}
	slog.Debug("scaling frame to logical size",
		"from", image.Pt(int(fb.Width), int(fb.Height)),
		"to", image.Pt(int(fb.LogicalWidth), int(fb.LogicalHeight)))
	return resize.Resize(uint(fb.LogicalWidth), uint(fb.LogicalHeight), img, resize.Lanczos3)
}

func (b *waylandBackend) cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.globals != nil && b.globals.Screencopy != nil {
		_ = b.globals.Screencopy.Destroy()
	}
	if err := b.conn.Close(); err != nil {
		slog.Debug("closing compositor connection", "error", err)
	}
}
