package screen

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"strconv"
	"strings"

	"github.com/kbinani/screenshot"

	"github.com/GriffinCanCode/wlshot/internal/config"
	apperrors "github.com/GriffinCanCode/wlshot/internal/errors"
	"github.com/GriffinCanCode/wlshot/internal/screencopy"
	"github.com/GriffinCanCode/wlshot/internal/wayland"
)

const x11OutputPrefix = "x11-"

// x11Backend is the fallback for X sessions, where screencopy does not
// exist. Displays are named x11-0, x11-1, ...
type x11Backend struct{}

func newX11Backend() (*x11Backend, error) {
	if screenshot.NumActiveDisplays() == 0 {
		return nil, apperrors.New(apperrors.CodeConnectFailed, "no active X11 displays")
	}
	return &x11Backend{}, nil
}

func (x11Backend) name() string { return config.BackendX11 }

func (x11Backend) outputs() ([]wayland.OutputInfo, error) {
	n := screenshot.NumActiveDisplays()
	infos := make([]wayland.OutputInfo, 0, n)
	for i := 0; i < n; i++ {
		infos = append(infos, x11OutputInfo(i, screenshot.GetDisplayBounds(i)))
	}
	return infos, nil
}

func x11OutputInfo(index int, b image.Rectangle) wayland.OutputInfo {
	return wayland.OutputInfo{
		Name:        x11OutputPrefix + strconv.Itoa(index),
		Description: fmt.Sprintf("X11 display %d", index),
		X:           int32(b.Min.X),
		Y:           int32(b.Min.Y),
		Width:       int32(b.Dx()),
		Height:      int32(b.Dy()),
		Scale:       1,
	}
}

func (x11Backend) captureRaw(_ context.Context, req Request) (image.Image, string, error) {
	index, err := x11DisplayIndex(req.Output, screenshot.NumActiveDisplays())
	if err != nil {
		return nil, "", err
	}
	rect, err := regionRect(screenshot.GetDisplayBounds(index), req.Region)
	if err != nil {
		return nil, "", err
	}
	if req.Cursor {
		slog.Debug("cursor overlay is not supported on X11")
	}
	img, err := screenshot.CaptureRect(rect)
	if err != nil {
		return nil, "", apperrors.Wrap(err, apperrors.CodeCaptureFailed, "X11 capture")
	}
	return img, x11OutputPrefix + strconv.Itoa(index), nil
}

func (x11Backend) cleanup() {}

func x11DisplayIndex(name string, n int) (int, error) {
	if name == "" {
		return 0, nil
	}
	i, err := strconv.Atoi(strings.TrimPrefix(name, x11OutputPrefix))
	if err != nil || !strings.HasPrefix(name, x11OutputPrefix) || i < 0 || i >= n {
		return 0, outputNotFound(name)
	}
	return i, nil
}

// regionRect maps an output-local region to global X coordinates, clipped
// to the display.
func regionRect(bounds image.Rectangle, r *screencopy.Region) (image.Rectangle, error) {
	if r == nil {
		return bounds, nil
	}
	rect := image.Rect(int(r.X), int(r.Y), int(r.X+r.Width), int(r.Y+r.Height)).
		Add(bounds.Min).
		Intersect(bounds)
	if rect.Empty() {
		return image.Rectangle{}, apperrors.Newf(apperrors.CodeInvalidArgument, "region %s lies outside the display", r)
	}
	return rect, nil
}
