// Package screen provides screen capture with perceptual change detection
// on top of a Wayland (wlr-screencopy) or X11 backend.
package screen

import (
	"context"
	"image"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/corona10/goimagehash"

	"github.com/GriffinCanCode/wlshot/internal/config"
	apperrors "github.com/GriffinCanCode/wlshot/internal/errors"
	"github.com/GriffinCanCode/wlshot/internal/screencopy"
	"github.com/GriffinCanCode/wlshot/internal/wayland"
)

// Request selects what to capture.
type Request struct {
	Output string // empty selects the first output
	Region *screencopy.Region
	Cursor bool
}

func (r Request) key(output string) string {
	if r.Region == nil {
		return output
	}
	return output + "@" + r.Region.String()
}

// Frame is a captured image.
type Frame struct {
	Image      image.Image
	Output     string
	Backend    string
	Hash       *goimagehash.ImageHash // nil if hashing failed
	CapturedAt time.Time
}

// Capturer captures screenshots with change detection
type Capturer interface {
	// Capture returns nil and false when the frame is perceptually the
	// same as the last one taken for the same output and region.
	Capture(ctx context.Context, req Request) (*Frame, bool, error)
	CaptureAlways(ctx context.Context, req Request) (*Frame, error)
	Outputs() ([]wayland.OutputInfo, error)
	Backend() string
	Close()
}

// backend implements platform-specific raw capture
type backend interface {
	name() string
	outputs() ([]wayland.OutputInfo, error)
	captureRaw(ctx context.Context, req Request) (image.Image, string, error)
	cleanup()
}

// baseCapturer provides shared pHash-based change detection
type baseCapturer struct {
	backend
	threshold int

	mu       sync.Mutex
	lastHash map[string]*goimagehash.ImageHash
}

func newBase(b backend, threshold int) *baseCapturer {
	return &baseCapturer{backend: b, threshold: threshold, lastHash: make(map[string]*goimagehash.ImageHash)}
}

func (c *baseCapturer) Backend() string { return c.name() }

func (c *baseCapturer) Outputs() ([]wayland.OutputInfo, error) { return c.outputs() }

func (c *baseCapturer) grab(ctx context.Context, req Request) (*Frame, error) {
	img, output, err := c.captureRaw(ctx, req)
	if err != nil {
		return nil, err
	}
	f := &Frame{Image: img, Output: output, Backend: c.name(), CapturedAt: time.Now()}
	if f.Hash, err = goimagehash.PerceptionHash(img); err != nil {
		slog.Debug("perceptual hash failed", "output", output, "error", err)
	}
	return f, nil
}

func (c *baseCapturer) Capture(ctx context.Context, req Request) (*Frame, bool, error) {
	f, err := c.grab(ctx, req)
	if err != nil {
		return nil, false, err
	}
	if f.Hash == nil {
		return f, true, nil
	}

	key := req.key(f.Output)
	c.mu.Lock()
	defer c.mu.Unlock()
	last := c.lastHash[key]
	if last != nil {
		// Keep the old reference while similar so slow drift still registers.
		if dist, err := last.Distance(f.Hash); err == nil && dist <= c.threshold {
			slog.Debug("frame unchanged", "output", f.Output, "distance", dist)
			return nil, false, nil
		}
	}
	c.lastHash[key] = f.Hash
	return f, true, nil
}

func (c *baseCapturer) CaptureAlways(ctx context.Context, req Request) (*Frame, error) {
	f, err := c.grab(ctx, req)
	if err != nil {
		return nil, err
	}
	if f.Hash != nil {
		c.mu.Lock()
		c.lastHash[req.key(f.Output)] = f.Hash
		c.mu.Unlock()
	}
	return f, nil
}

func (c *baseCapturer) Close() {
	c.cleanup()
}

// New creates a capturer for the backend named in cfg. The auto backend
// prefers Wayland and falls back to X11 only when no Wayland session is
// advertised but an X display is.
func New(ctx context.Context, cfg *config.Config) (Capturer, error) {
	switch resolveBackend(cfg.Backend) {
	case config.BackendX11:
		b, err := newX11Backend()
		if err != nil {
			return nil, err
		}
		return newBase(b, cfg.HashThreshold), nil
	default:
		b, err := newWaylandBackend(ctx, cfg, func() (*wayland.Conn, error) { return wayland.Connect("") })
		if err != nil {
			return nil, err
		}
		return newBase(b, cfg.HashThreshold), nil
	}
}

func resolveBackend(name string) string {
	if name != config.BackendAuto {
		return name
	}
	if os.Getenv("WAYLAND_DISPLAY") == "" && os.Getenv("WAYLAND_SOCKET") == "" && os.Getenv("DISPLAY") != "" {
		slog.Info("no Wayland session found, using X11")
		return config.BackendX11
	}
	return config.BackendWayland
}

func outputNotFound(name string) error {
	return apperrors.Newf(apperrors.CodeNotFound, "no output named %q", name)
}
