package wayland

// Display is the wl_display singleton.
type Display struct {
	BaseProxy
}

// Sync requests a callback that fires once every earlier request has been
// handled by the compositor.
func (d *Display) Sync(q *EventQueue) (*Callback, error) {
	cb := newProxy(d.conn, q, &Callback{}, "wl_callback", 1)
	e := &encoder{}
	e.Object(cb)
	return cb, d.send(d, 0, e)
}

// GetRegistry creates a registry object bound to q.
func (d *Display) GetRegistry(q *EventQueue) (*Registry, error) {
	r := newProxy(d.conn, q, &Registry{}, "wl_registry", 1)
	e := &encoder{}
	e.Object(r)
	return r, d.send(d, 1, e)
}

// SharedRegistry returns the connection's auxiliary registry with its
// events delivered to q, requesting it on first use. wl_registry has no
// destructor, so short-lived queues share one registry rather than leaving
// a live object behind per call. Handlers are reset on every move.
func (d *Display) SharedRegistry(q *EventQueue) (*Registry, error) {
	c := d.conn
	if r := c.shared; r != nil {
		if q == nil {
			q = c.DefaultQueue()
		}
		r.queue = q
		r.OnGlobal, r.OnGlobalRemove = nil, nil
		return r, nil
	}
	r, err := d.GetRegistry(q)
	if err != nil {
		return nil, err
	}
	c.shared = r
	return r, nil
}

// Display events are handled as soon as they are read, whichever queue is
// being dispatched.
func (d *Display) dispatch(opcode uint16, dec *decoder) (func(), error) {
	switch opcode {
	case 0: // error
		objectID, code, msg := dec.Uint(), dec.Uint(), dec.String()
		if err := dec.Err(); err != nil {
			return nil, err
		}
		iface := "unknown"
		if p := d.conn.lookup(objectID); p != nil {
			iface = p.Interface()
		}
		d.conn.fatal(&ProtocolError{ObjectID: objectID, Interface: iface, Code: code, Message: msg})
		return nil, nil
	case 1: // delete_id
		id := dec.Uint()
		if err := dec.Err(); err != nil {
			return nil, err
		}
		d.conn.release(id)
		return nil, nil
	}
	return nil, unknownOpcode(opcode)
}

// GlobalEvent announces a global object.
type GlobalEvent struct {
	Name      uint32
	Interface string
	Version   uint32
}

// Registry is wl_registry.
type Registry struct {
	BaseProxy
	OnGlobal       func(GlobalEvent)
	OnGlobalRemove func(name uint32)
}

// Bind binds global name to p at the given version. p must be a freshly
// allocated proxy such as &Output{}.
func (r *Registry) Bind(name uint32, iface string, version uint32, p Proxy) error {
	newProxy(r.conn, r.queue, p, iface, version)
	e := &encoder{}
	e.Uint(name)
	e.String(iface)
	e.Uint(version)
	e.Object(p)
	return r.send(r, 0, e)
}

func (r *Registry) dispatch(opcode uint16, d *decoder) (func(), error) {
	switch opcode {
	case 0:
		ev := GlobalEvent{Name: d.Uint(), Interface: d.String(), Version: d.Uint()}
		if err := d.Err(); err != nil {
			return nil, err
		}
		return func() {
			if r.OnGlobal != nil {
				r.OnGlobal(ev)
			}
		}, nil
	case 1:
		name := d.Uint()
		if err := d.Err(); err != nil {
			return nil, err
		}
		return func() {
			if r.OnGlobalRemove != nil {
				r.OnGlobalRemove(name)
			}
		}, nil
	}
	return nil, unknownOpcode(opcode)
}

// Callback is wl_callback.
type Callback struct {
	BaseProxy
	OnDone func(data uint32)
}

func (cb *Callback) dispatch(opcode uint16, d *decoder) (func(), error) {
	if opcode != 0 {
		return nil, unknownOpcode(opcode)
	}
	data := d.Uint()
	if err := d.Err(); err != nil {
		return nil, err
	}
	return func() {
		if cb.OnDone != nil {
			cb.OnDone(data)
		}
	}, nil
}
