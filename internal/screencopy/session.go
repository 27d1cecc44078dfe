// Package screencopy captures a single still frame of an output through the
// wlr-screencopy protocol into anonymous shared memory.
package screencopy

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"

	apperrors "github.com/GriffinCanCode/wlshot/internal/errors"
	"github.com/GriffinCanCode/wlshot/internal/shm"
	"github.com/GriffinCanCode/wlshot/internal/wayland"
)

// State is the lifecycle state of a Session.
type State int

const (
	// StateStaging: request issued, buffer not yet ready.
	StateStaging State = iota
	// StateFinished: the buffer holds the frame and may be read.
	StateFinished
	// StateFailed: no usable buffer.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStaging:
		return "staging"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Allocator produces the shared memory a frame is copied into.
type Allocator interface {
	Create() (*shm.Segment, error)
}

// Session is the state of one capture request. It is driven solely by
// Apply and is not reusable once terminal.
type Session struct {
	id    string
	log   *slog.Logger
	shm   *wayland.Shm
	alloc Allocator
	frame *wayland.ScreencopyFrame

	logicalWidth, logicalHeight int32

	state   State
	err     error
	flags   uint32
	segment *shm.Segment
	pool    *wayland.ShmPool
	buffer  *wayland.Buffer
	fb      *FrameBuffer
}

// NewSession returns a session in StateStaging. logicalWidth and
// logicalHeight are passed through to the FrameBuffer untouched.
func NewSession(factory *wayland.Shm, alloc Allocator, logicalWidth, logicalHeight int32) *Session {
	id := uuid.NewString()
	return &Session{
		id:            id,
		log:           slog.Default().With("session", id),
		shm:           factory,
		alloc:         alloc,
		logicalWidth:  logicalWidth,
		logicalHeight: logicalHeight,
		state:         StateStaging,
	}
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State { return s.state }

// Terminal reports whether the session reached Finished or Failed.
func (s *Session) Terminal() bool {
	return s.state == StateFinished || s.state == StateFailed
}

// Err returns why the session failed.
func (s *Session) Err() error { return s.err }

// FrameBuffer returns the captured frame once Finished, nil otherwise.
func (s *Session) FrameBuffer() *FrameBuffer {
	if s.state != StateFinished {
		return nil
	}
	return s.fb
}

// attach routes frame events into the session.
func (s *Session) attach(frame *wayland.ScreencopyFrame) {
	s.frame = frame
	frame.OnEvent = s.Apply
}

// Apply advances the state machine by one frame event.
func (s *Session) Apply(ev wayland.FrameEvent) {
	if s.Terminal() {
		s.log.Debug("ignoring event after terminal state", "state", s.state, "event", fmt.Sprintf("%T", ev))
		return
	}
	switch ev := ev.(type) {
	case *wayland.FrameBufferEvent:
		s.onBuffer(ev)
	case *wayland.FrameReadyEvent:
		s.log.Debug("received ready event")
		s.onReady(ev)
	case *wayland.FrameFailedEvent:
		s.log.Debug("received failed event")
		s.fail(apperrors.New(apperrors.CodeCaptureFailed, "compositor could not copy the frame"))
	case *wayland.FrameFlagsEvent:
		s.log.Debug("received flags event", "flags", ev.Flags)
		s.flags = ev.Flags
	case *wayland.FrameDamageEvent:
		s.log.Debug("received damage event", "x", ev.X, "y", ev.Y, "width", ev.Width, "height", ev.Height)
	case *wayland.FrameLinuxDmabufEvent:
		s.log.Debug("received linux dmabuf event", "format", ev.Format, "width", ev.Width, "height", ev.Height)
	case *wayland.FrameBufferDoneEvent:
		s.log.Debug("received buffer done event")
	default:
		panic(fmt.Sprintf("screencopy: unexpected frame event %T", ev))
	}
}

func (s *Session) onBuffer(ev *wayland.FrameBufferEvent) {
	if s.segment != nil {
		s.log.Debug("buffer already bound, ignoring additional buffer type", "format", ev.Format)
		return
	}
	if !ev.Format.Known() {
		s.fail(apperrors.Newf(apperrors.CodeUnsupportedFormat, "unknown pixel format %#x", uint32(ev.Format)))
		return
	}
	s.log.Debug("received buffer event", "format", ev.Format, "width", ev.Width, "height", ev.Height, "stride", ev.Stride)

	size := uint64(ev.Stride) * uint64(ev.Height)
	if size == 0 || size > math.MaxInt32 || ev.Width > math.MaxInt32 {
		s.fail(apperrors.Newf(apperrors.CodeProtocolError, "invalid buffer geometry %dx%d stride %d", ev.Width, ev.Height, ev.Stride))
		return
	}
	if err := s.bind(ev, int32(size)); err != nil {
		s.fail(err)
	}
}

// bind allocates the segment, shares it with the compositor and requests
// the copy. Width, height, stride and size all come from ev.
func (s *Session) bind(ev *wayland.FrameBufferEvent, size int32) error {
	seg, err := s.alloc.Create()
	if err != nil {
		return err
	}
	s.segment = seg

	if err := seg.Truncate(int64(size)); err != nil {
		return err
	}
	pool, err := s.shm.CreatePool(seg.Fd(), size)
	s.pool = pool
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeProtocolError, "create shm pool")
	}
	buf, err := pool.CreateBuffer(0, int32(ev.Width), int32(ev.Height), int32(ev.Stride), ev.Format)
	s.buffer = buf
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeProtocolError, "create buffer")
	}
	if err := s.frame.Copy(buf); err != nil {
		return apperrors.Wrap(err, apperrors.CodeProtocolError, "request copy")
	}
	data, err := seg.Map()
	if err != nil {
		return err
	}

	s.fb = &FrameBuffer{
		Width:         ev.Width,
		Height:        ev.Height,
		LogicalWidth:  s.logicalWidth,
		LogicalHeight: s.logicalHeight,
		Stride:        ev.Stride,
		Format:        ev.Format,
		Data:          data,
	}
	return nil
}

func (s *Session) onReady(ev *wayland.FrameReadyEvent) {
	if s.fb == nil {
		s.fail(apperrors.New(apperrors.CodeProtocolError, "ready event before a buffer was bound"))
		return
	}
	// The mapping now belongs to the FrameBuffer; the descriptor is no
	// longer needed.
	s.fb.Data = s.segment.Detach()
	if err := s.segment.CloseFile(); err != nil {
		s.log.Debug("failed to close segment descriptor", "error", err)
	}
	s.segment = nil
	s.fb.YInvert = s.flags&wayland.FrameFlagYInvert != 0
	s.fb.Timestamp = ev.Time()
	s.state = StateFinished
}

func (s *Session) fail(err error) {
	s.log.Debug("session failed", "error", err)
	s.err = err
	s.state = StateFailed
}

// abort forces a Staging session into Failed.
func (s *Session) abort(err error) {
	if !s.Terminal() {
		s.fail(err)
	}
}

// Release destroys the protocol objects the session created and, unless
// the frame was handed out, frees its memory.
func (s *Session) Release() {
	if s.buffer != nil {
		if err := s.buffer.Destroy(); err != nil {
			s.log.Debug("failed to destroy buffer", "error", err)
		}
		s.buffer = nil
	}
	if s.pool != nil {
		if err := s.pool.Destroy(); err != nil {
			s.log.Debug("failed to destroy pool", "error", err)
		}
		s.pool = nil
	}
	if s.frame != nil {
		if err := s.frame.Destroy(); err != nil {
			s.log.Debug("failed to destroy frame", "error", err)
		}
		s.frame = nil
	}
	if s.state != StateFinished {
		if s.segment != nil {
			if err := s.segment.Close(); err != nil {
				s.log.Debug("failed to close segment", "error", err)
			}
			s.segment = nil
		}
		s.fb = nil
	}
}
