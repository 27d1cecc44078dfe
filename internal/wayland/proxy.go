package wayland

import "fmt"

// Proxy is the client-side handle of a protocol object.
type Proxy interface {
	ID() uint32
	Interface() string
	Version() uint32

	base() *BaseProxy
	// dispatch decodes an event and returns the closure that delivers it,
	// or nil when nothing needs to be queued.
	dispatch(opcode uint16, d *decoder) (func(), error)
}

// BaseProxy carries the bookkeeping shared by every proxy.
type BaseProxy struct {
	conn    *Conn
	queue   *EventQueue
	id      uint32
	iface   string
	version uint32
}

func (p *BaseProxy) ID() uint32        { return p.id }
func (p *BaseProxy) Interface() string { return p.iface }
func (p *BaseProxy) Version() uint32   { return p.version }
func (p *BaseProxy) base() *BaseProxy  { return p }

// Conn returns the connection the proxy belongs to.
func (p *BaseProxy) Conn() *Conn { return p.conn }

// Queue returns the event queue the proxy delivers to.
func (p *BaseProxy) Queue() *EventQueue { return p.queue }

func (p *BaseProxy) init(c *Conn, q *EventQueue, iface string, version uint32) {
	if q == nil {
		q = c.DefaultQueue()
	}
	p.conn, p.queue, p.iface, p.version = c, q, iface, version
}

// newProxy registers p on q and returns it for use as a new_id argument.
func newProxy[P Proxy](c *Conn, q *EventQueue, p P, iface string, version uint32) P {
	p.base().init(c, q, iface, version)
	p.base().id = c.register(p)
	return p
}

func (p *BaseProxy) send(self Proxy, opcode uint16, e *encoder) error {
	if e == nil {
		e = &encoder{}
	}
	return p.conn.send(self, opcode, e)
}

// destroy sends a destructor request and stops event delivery.
func (p *BaseProxy) destroy(self Proxy, opcode uint16) error {
	err := p.send(self, opcode, nil)
	p.conn.forget(p.id)
	return err
}

func unknownOpcode(opcode uint16) error {
	return fmt.Errorf("unknown opcode %d", opcode)
}

// zombie stands in for a destroyed object whose id the compositor has not
// released yet. Its events are dropped.
type zombie struct{ id uint32 }

func (z zombie) ID() uint32        { return z.id }
func (z zombie) Interface() string { return "zombie" }
func (z zombie) Version() uint32   { return 0 }
func (z zombie) base() *BaseProxy  { return nil }

func (z zombie) dispatch(uint16, *decoder) (func(), error) { return nil, nil }
