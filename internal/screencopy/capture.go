package screencopy

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	apperrors "github.com/GriffinCanCode/wlshot/internal/errors"
	"github.com/GriffinCanCode/wlshot/internal/shm"
	"github.com/GriffinCanCode/wlshot/internal/wayland"
)

// Target names what to capture and the objects needed to do it.
type Target struct {
	Conn    *wayland.Conn
	Output  *wayland.Output
	Manager *wayland.ScreencopyManager
	Shm     *wayland.Shm

	// LogicalWidth and LogicalHeight are carried into the FrameBuffer.
	LogicalWidth, LogicalHeight int32

	// Region restricts the capture to part of the output. Nil captures
	// the whole output.
	Region        *Region
	OverlayCursor bool

	// Allocator defaults to an shm.Allocator in shm.DefaultDir.
	Allocator Allocator
}

func (t Target) validate() error {
	if t.Conn == nil || t.Output == nil || t.Manager == nil || t.Shm == nil {
		return apperrors.New(apperrors.CodeInvalidArgument, "capture target is missing a protocol object")
	}
	if t.Region != nil {
		return t.Region.Validate()
	}
	return nil
}

// Capture takes one frame of t.Output and blocks until the compositor has
// finished or failed it. Events are dispatched on a private queue, so
// other users of the connection are unaffected. A context deadline or
// cancellation interrupts the wait.
//
// The returned FrameBuffer must be closed by the caller.
func Capture(ctx context.Context, t Target) (*FrameBuffer, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	alloc := t.Allocator
	if alloc == nil {
		alloc = shm.NewAllocator(shm.DefaultDir)
	}

	q := t.Conn.NewEventQueue()
	defer q.Close()
	if _, err := t.Conn.Display().SharedRegistry(q); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeProtocolError, "get registry")
	}

	sess := NewSession(t.Shm, alloc, t.LogicalWidth, t.LogicalHeight)
	log := slog.Default().With("session", sess.ID(), "output", t.Output.Info.Name)

	var (
		frame *wayland.ScreencopyFrame
		err   error
	)
	if r := t.Region; r != nil {
		log.Debug("requesting region capture", "region", r.String(), "cursor", t.OverlayCursor)
		frame, err = t.Manager.CaptureOutputRegion(q, t.OverlayCursor, t.Output, r.X, r.Y, r.Width, r.Height)
	} else {
		log.Debug("requesting output capture", "cursor", t.OverlayCursor)
		frame, err = t.Manager.CaptureOutput(q, t.OverlayCursor, t.Output)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeProtocolError, "send capture request")
	}
	sess.attach(frame)
	defer sess.Release()

	stop := watchContext(ctx, t.Conn)
	for !sess.Terminal() {
		if _, err := q.Dispatch(); err != nil {
			sess.abort(dispatchError(ctx, err))
		}
	}
	stop()

	switch sess.State() {
	case StateFinished:
		fb := sess.FrameBuffer()
		log.Debug("frame captured", "width", fb.Width, "height", fb.Height, "format", fb.Format)
		return fb, nil
	case StateFailed:
		log.Error("cannot take screen copy", "error", sess.Err())
		return nil, sess.Err()
	}
	panic("screencopy: session left the dispatch loop in state " + sess.State().String())
}

// watchContext interrupts blocking reads on c when ctx is done. The
// returned func detaches the watch and clears the read deadline.
func watchContext(ctx context.Context, c *wayland.Conn) (stop func()) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.SetReadDeadline(dl)
	}
	var (
		mu      sync.Mutex
		stopped bool
	)
	unregister := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		if !stopped {
			_ = c.SetReadDeadline(time.Unix(1, 0))
		}
	})
	return func() {
		unregister()
		mu.Lock()
		stopped = true
		mu.Unlock()
		_ = c.SetReadDeadline(time.Time{})
	}
}

func dispatchError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return apperrors.Wrap(err, apperrors.CodeCancelled, "capture cancelled")
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return apperrors.Wrap(err, apperrors.CodeTimeout, "timed out waiting for the compositor")
	}
	return apperrors.Wrap(err, apperrors.CodeProtocolError, "dispatch frame events")
}
