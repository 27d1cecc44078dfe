package wayland

import (
	"errors"
	"log/slog"
	"os"
	"slices"
	"time"

	apperrors "github.com/GriffinCanCode/wlshot/internal/errors"
)

// Highest versions this client implements.
const (
	maxShmVersion        = 1
	maxOutputVersion     = 4
	maxScreencopyVersion = 3
)

// Globals holds the objects a capture needs. After discovery the registry
// keeps listening on the default queue: outputs that appear are bound and
// outputs that go away are dropped once the queue is dispatched.
type Globals struct {
	Registry   *Registry
	Shm        *Shm
	Screencopy *ScreencopyManager
	Outputs    []*Output

	// global name -> bound output
	outputs map[uint32]*Output
}

// DiscoverGlobals binds wl_shm, the screencopy manager and every output on
// the default queue, then waits until each output has described itself.
func DiscoverGlobals(c *Conn) (*Globals, error) {
	q := c.DefaultQueue()
	reg, err := c.Display().GetRegistry(q)
	if err != nil {
		return nil, err
	}
	g := &Globals{Registry: reg, outputs: make(map[uint32]*Output)}

	var bindErr error
	reg.OnGlobal = func(ev GlobalEvent) {
		if bindErr == nil {
			bindErr = g.bind(ev)
		}
	}

	if err := q.Roundtrip(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeProtocolError, "registry roundtrip")
	}
	if bindErr != nil {
		return nil, apperrors.Wrap(bindErr, apperrors.CodeProtocolError, "bind global")
	}
	// Second roundtrip collects the events of the freshly bound objects.
	if err := q.Roundtrip(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeProtocolError, "output roundtrip")
	}

	if g.Shm == nil {
		return nil, apperrors.New(apperrors.CodeProtocolUnsupported, "compositor does not expose wl_shm")
	}
	if g.Screencopy == nil {
		return nil, apperrors.Newf(apperrors.CodeProtocolUnsupported, "compositor does not support %s", ScreencopyManagerInterface)
	}
	if len(g.Outputs) == 0 {
		return nil, apperrors.New(apperrors.CodeNotFound, "compositor has no outputs")
	}

	reg.OnGlobal = func(ev GlobalEvent) {
		if err := g.bind(ev); err != nil {
			slog.Warn("cannot bind global", "interface", ev.Interface, "name", ev.Name, "error", err)
			return
		}
		if ev.Interface == "wl_output" {
			slog.Info("output added", "global", ev.Name)
		}
	}
	reg.OnGlobalRemove = g.remove

	slog.Debug("discovered globals", "outputs", len(g.Outputs), "screencopy_version", g.Screencopy.Version(), "shm_formats", len(g.Shm.Formats))
	return g, nil
}

func (g *Globals) bind(ev GlobalEvent) error {
	reg := g.Registry
	switch ev.Interface {
	case "wl_shm":
		if g.Shm != nil {
			return nil
		}
		g.Shm = &Shm{}
		return reg.Bind(ev.Name, ev.Interface, min(ev.Version, maxShmVersion), g.Shm)
	case "wl_output":
		out := &Output{}
		if err := reg.Bind(ev.Name, ev.Interface, min(ev.Version, maxOutputVersion), out); err != nil {
			return err
		}
		g.Outputs = append(g.Outputs, out)
		g.outputs[ev.Name] = out
	case ScreencopyManagerInterface:
		if g.Screencopy != nil {
			return nil
		}
		g.Screencopy = &ScreencopyManager{}
		return reg.Bind(ev.Name, ev.Interface, min(ev.Version, maxScreencopyVersion), g.Screencopy)
	}
	return nil
}

func (g *Globals) remove(name uint32) {
	out, ok := g.outputs[name]
	if !ok {
		return
	}
	delete(g.outputs, name)
	g.Outputs = slices.DeleteFunc(g.Outputs, func(o *Output) bool { return o == out })
	slog.Info("output removed", "output", out.Info.Name)
	if err := out.Release(); err != nil {
		slog.Debug("releasing output", "output", out.Info.Name, "error", err)
	}
}

// Refresh applies registry and output events that have already been read
// off the socket, without blocking.
func (g *Globals) Refresh() {
	g.Registry.Queue().DispatchPending()
}

// Sync waits for the compositor to flush pending registry and output
// events and applies them. A zero timeout waits forever.
func (g *Globals) Sync(timeout time.Duration) error {
	c := g.Registry.Conn()
	if timeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(timeout))
		defer c.SetReadDeadline(time.Time{})
	}
	if err := g.Registry.Queue().Roundtrip(); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return apperrors.Wrap(err, apperrors.CodeTimeout, "timed out syncing outputs")
		}
		return apperrors.Wrap(err, apperrors.CodeProtocolError, "sync outputs")
	}
	return nil
}

// Output finds an output by name. An empty name selects the first output.
func (g *Globals) Output(name string) (*Output, error) {
	if name == "" {
		if len(g.Outputs) == 0 {
			return nil, apperrors.New(apperrors.CodeNotFound, "compositor has no outputs")
		}
		return g.Outputs[0], nil
	}
	for _, o := range g.Outputs {
		if o.Info.Name == name {
			return o, nil
		}
	}
	return nil, apperrors.Newf(apperrors.CodeNotFound, "no output named %q", name)
}

// OutputInfos returns the state of every output.
func (g *Globals) OutputInfos() []OutputInfo {
	infos := make([]OutputInfo, 0, len(g.Outputs))
	for _, o := range g.Outputs {
		infos = append(infos, o.Info)
	}
	return infos
}
