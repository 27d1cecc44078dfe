package wayland

import "time"

// ScreencopyManagerInterface is the wlr-screencopy manager interface name.
const ScreencopyManagerInterface = "zwlr_screencopy_manager_v1"

// FrameFlagYInvert marks frames stored bottom row first.
const FrameFlagYInvert uint32 = 1

// FrameEvent is one event of a zwlr_screencopy_frame_v1 object. The set of
// implementations is closed: FrameBufferEvent, FrameFlagsEvent,
// FrameReadyEvent, FrameFailedEvent, FrameDamageEvent,
// FrameLinuxDmabufEvent and FrameBufferDoneEvent.
type FrameEvent interface {
	frameEvent()
}

// FrameBufferEvent describes the shm buffer the compositor wants.
type FrameBufferEvent struct {
	Format ShmFormat
	Width  uint32
	Height uint32
	Stride uint32
}

// FrameFlagsEvent carries frame flags such as FrameFlagYInvert.
type FrameFlagsEvent struct {
	Flags uint32
}

// FrameReadyEvent reports that the copy into the buffer completed.
type FrameReadyEvent struct {
	TvSecHi uint32
	TvSecLo uint32
	TvNsec  uint32
}

// Time returns the presentation timestamp.
func (e *FrameReadyEvent) Time() time.Time {
	sec := int64(e.TvSecHi)<<32 | int64(e.TvSecLo)
	return time.Unix(sec, int64(e.TvNsec))
}

// FrameFailedEvent reports that the frame could not be copied.
type FrameFailedEvent struct{}

// FrameDamageEvent reports a damaged region (copy_with_damage only).
type FrameDamageEvent struct {
	X, Y, Width, Height uint32
}

// FrameLinuxDmabufEvent offers a dma-buf buffer type.
type FrameLinuxDmabufEvent struct {
	Format, Width, Height uint32
}

// FrameBufferDoneEvent ends the list of offered buffer types.
type FrameBufferDoneEvent struct{}

func (*FrameBufferEvent) frameEvent()      {}
func (*FrameFlagsEvent) frameEvent()       {}
func (*FrameReadyEvent) frameEvent()       {}
func (*FrameFailedEvent) frameEvent()      {}
func (*FrameDamageEvent) frameEvent()      {}
func (*FrameLinuxDmabufEvent) frameEvent() {}
func (*FrameBufferDoneEvent) frameEvent()  {}

// ScreencopyManager is zwlr_screencopy_manager_v1.
type ScreencopyManager struct {
	BaseProxy
}

func overlayArg(cursor bool) int32 {
	if cursor {
		return 1
	}
	return 0
}

// CaptureOutput requests a frame of the whole output, delivered on q.
func (m *ScreencopyManager) CaptureOutput(q *EventQueue, overlayCursor bool, output *Output) (*ScreencopyFrame, error) {
	frame := newProxy(m.conn, q, &ScreencopyFrame{}, "zwlr_screencopy_frame_v1", m.version)
	e := &encoder{}
	e.Object(frame)
	e.Int(overlayArg(overlayCursor))
	e.Object(output)
	return frame, m.send(m, 0, e)
}

// CaptureOutputRegion requests a frame of a region in output-local
// logical coordinates, delivered on q.
func (m *ScreencopyManager) CaptureOutputRegion(q *EventQueue, overlayCursor bool, output *Output, x, y, width, height int32) (*ScreencopyFrame, error) {
	frame := newProxy(m.conn, q, &ScreencopyFrame{}, "zwlr_screencopy_frame_v1", m.version)
	e := &encoder{}
	e.Object(frame)
	e.Int(overlayArg(overlayCursor))
	e.Object(output)
	e.Int(x)
	e.Int(y)
	e.Int(width)
	e.Int(height)
	return frame, m.send(m, 1, e)
}

// Destroy destroys the manager; frames already requested are unaffected.
func (m *ScreencopyManager) Destroy() error {
	return m.destroy(m, 2)
}

func (m *ScreencopyManager) dispatch(opcode uint16, _ *decoder) (func(), error) {
	return nil, unknownOpcode(opcode)
}

// ScreencopyFrame is zwlr_screencopy_frame_v1.
type ScreencopyFrame struct {
	BaseProxy
	OnEvent func(FrameEvent)
}

// Copy asks the compositor to copy the frame into buf.
func (f *ScreencopyFrame) Copy(buf *Buffer) error {
	e := &encoder{}
	e.Object(buf)
	return f.send(f, 0, e)
}

// Destroy destroys the frame.
func (f *ScreencopyFrame) Destroy() error {
	return f.destroy(f, 1)
}

func (f *ScreencopyFrame) dispatch(opcode uint16, d *decoder) (func(), error) {
	var ev FrameEvent
	switch opcode {
	case 0:
		ev = &FrameBufferEvent{Format: ShmFormat(d.Uint()), Width: d.Uint(), Height: d.Uint(), Stride: d.Uint()}
	case 1:
		ev = &FrameFlagsEvent{Flags: d.Uint()}
	case 2:
		ev = &FrameReadyEvent{TvSecHi: d.Uint(), TvSecLo: d.Uint(), TvNsec: d.Uint()}
	case 3:
		ev = &FrameFailedEvent{}
	case 4:
		ev = &FrameDamageEvent{X: d.Uint(), Y: d.Uint(), Width: d.Uint(), Height: d.Uint()}
	case 5:
		ev = &FrameLinuxDmabufEvent{Format: d.Uint(), Width: d.Uint(), Height: d.Uint()}
	case 6:
		ev = &FrameBufferDoneEvent{}
	default:
		return nil, unknownOpcode(opcode)
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return func() {
		if f.OnEvent != nil {
			f.OnEvent(ev)
		}
	}, nil
}
