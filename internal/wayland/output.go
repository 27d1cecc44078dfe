package wayland

import "fmt"

// Output transforms as sent in wl_output.geometry.
const (
	TransformNormal     int32 = 0
	Transform90         int32 = 1
	Transform180        int32 = 2
	Transform270        int32 = 3
	TransformFlipped    int32 = 4
	TransformFlipped90  int32 = 5
	TransformFlipped180 int32 = 6
	TransformFlipped270 int32 = 7
)

const outputModeCurrent = 0x1

// OutputInfo is the state last announced for an output.
type OutputInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Make        string `json:"make,omitempty"`
	Model       string `json:"model,omitempty"`
	X           int32  `json:"x"`
	Y           int32  `json:"y"`
	Width       int32  `json:"width"`
	Height      int32  `json:"height"`
	Refresh     int32  `json:"refresh_mhz"`
	Scale       int32  `json:"scale"`
	Transform   int32  `json:"transform"`
}

// LogicalSize is the size of the output in compositor coordinates: the
// current mode rotated by the transform and divided by the scale.
func (i OutputInfo) LogicalSize() (width, height int32) {
	width, height = i.Width, i.Height
	if i.Transform%2 == 1 {
		width, height = height, width
	}
	if i.Scale > 1 {
		width, height = width/i.Scale, height/i.Scale
	}
	return width, height
}

func (i OutputInfo) String() string {
	name := i.Name
	if name == "" {
		name = fmt.Sprintf("%s %s", i.Make, i.Model)
	}
	return fmt.Sprintf("%s %dx%d@%d scale=%d", name, i.Width, i.Height, i.Refresh/1000, i.Scale)
}

// Output is wl_output. It records its own state; OnDone fires after each
// atomic batch of updates.
type Output struct {
	BaseProxy
	Info   OutputInfo
	OnDone func(*Output)

	pending OutputInfo
}

func (o *Output) dispatch(opcode uint16, d *decoder) (func(), error) {
	var apply func()
	switch opcode {
	case 0: // geometry
		x, y := d.Int(), d.Int()
		_, _ = d.Int(), d.Int() // physical size in mm
		_ = d.Int()             // subpixel
		mk, model, transform := d.String(), d.String(), d.Int()
		apply = func() {
			o.pending.X, o.pending.Y = x, y
			o.pending.Make, o.pending.Model = mk, model
			o.pending.Transform = transform
			if o.version < 2 {
				o.commit()
			}
		}
	case 1: // mode
		flags, w, h, refresh := d.Uint(), d.Int(), d.Int(), d.Int()
		apply = func() {
			if flags&outputModeCurrent == 0 {
				return
			}
			o.pending.Width, o.pending.Height, o.pending.Refresh = w, h, refresh
			if o.version < 2 {
				o.commit()
			}
		}
	case 2: // done
		apply = o.commit
	case 3: // scale
		factor := d.Int()
		apply = func() { o.pending.Scale = factor }
	case 4: // name
		name := d.String()
		apply = func() { o.pending.Name = name }
	case 5: // description
		desc := d.String()
		apply = func() { o.pending.Description = desc }
	default:
		return nil, unknownOpcode(opcode)
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return apply, nil
}

func (o *Output) commit() {
	if o.pending.Scale == 0 {
		o.pending.Scale = 1
	}
	o.Info = o.pending
	if o.OnDone != nil {
		o.OnDone(o)
	}
}

// Release destroys the output object (version 3 and later).
func (o *Output) Release() error {
	if o.version < 3 {
		o.conn.forget(o.id)
		return nil
	}
	return o.destroy(o, 0)
}
