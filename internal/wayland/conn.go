// Package wayland is a small Wayland client: the wire protocol, object
// bookkeeping, event queues and the handful of interfaces needed to copy
// an output into shared memory.
//
// A Conn is not safe for concurrent use. Every proxy is bound to an
// EventQueue, and events are only delivered when that queue is dispatched,
// so independent users of one connection do not see each other's events.
package wayland

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	apperrors "github.com/GriffinCanCode/wlshot/internal/errors"
)

const (
	displayID = 1

	readBufferSize = 4096
	// The protocol caps a single message at 28 descriptors.
	maxFDs = 28
)

// ProtocolError is a fatal error reported by the compositor.
type ProtocolError struct {
	ObjectID  uint32
	Interface string
	Code      uint32
	Message   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wayland: %s@%d: error %d: %s", e.Interface, e.ObjectID, e.Code, e.Message)
}

// Conn is a client connection to a compositor.
type Conn struct {
	sock *net.UnixConn

	objects map[uint32]Proxy
	nextID  uint32
	freeIDs []uint32

	rbuf  []byte
	oob   []byte
	in    []byte
	fds   []int
	err   error
	queue *EventQueue

	display *Display
	shared  *Registry
}

// SocketPath resolves the compositor socket for display name. An empty name
// means $WAYLAND_DISPLAY, then "wayland-0"; relative names live in
// $XDG_RUNTIME_DIR.
func SocketPath(name string) (string, error) {
	if name == "" {
		name = os.Getenv("WAYLAND_DISPLAY")
	}
	if name == "" {
		name = "wayland-0"
	}
	if filepath.IsAbs(name) {
		return name, nil
	}
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		return "", apperrors.New(apperrors.CodeConnectFailed, "XDG_RUNTIME_DIR is not set")
	}
	return filepath.Join(dir, name), nil
}

// Connect opens a connection to the compositor. With an empty name an
// inherited $WAYLAND_SOCKET descriptor takes precedence.
func Connect(name string) (*Conn, error) {
	if name == "" {
		if v := os.Getenv("WAYLAND_SOCKET"); v != "" {
			return connectFD(v)
		}
	}
	path, err := SocketPath(name)
	if err != nil {
		return nil, err
	}
	sock, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConnectFailed, "dial compositor").
			WithMetadata("socket", path)
	}
	slog.Debug("connected to compositor", "socket", path)
	return NewConn(sock), nil
}

func connectFD(v string) (*Conn, error) {
	fd, err := strconv.Atoi(v)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeConnectFailed, "invalid WAYLAND_SOCKET %q", v)
	}
	unix.CloseOnExec(fd)
	_ = os.Unsetenv("WAYLAND_SOCKET")
	f := os.NewFile(uintptr(fd), "wayland-socket")
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConnectFailed, "WAYLAND_SOCKET")
	}
	sock, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, apperrors.New(apperrors.CodeConnectFailed, "WAYLAND_SOCKET is not a unix socket")
	}
	return NewConn(sock), nil
}

// NewConn wraps an established socket.
func NewConn(sock *net.UnixConn) *Conn {
	c := &Conn{
		sock:    sock,
		objects: make(map[uint32]Proxy),
		nextID:  displayID + 1,
		rbuf:    make([]byte, readBufferSize),
		oob:     make([]byte, unix.CmsgSpace(maxFDs*4)),
	}
	c.queue = c.NewEventQueue()
	c.display = &Display{}
	c.display.init(c, c.queue, "wl_display", 1)
	c.display.id = displayID
	c.objects[displayID] = c.display
	return c
}

// Display returns the wl_display singleton.
func (c *Conn) Display() *Display { return c.display }

// DefaultQueue returns the queue used for objects created without an
// explicit one.
func (c *Conn) DefaultQueue() *EventQueue { return c.queue }

// NewEventQueue creates an isolated event queue.
func (c *Conn) NewEventQueue() *EventQueue {
	return &EventQueue{conn: c}
}

// SetReadDeadline bounds blocking dispatch. A zero time waits forever.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.sock.SetReadDeadline(t)
}

// Err returns the fatal error that closed the protocol stream, if any.
func (c *Conn) Err() error { return c.err }

// Close closes the socket and any received descriptors nobody claimed.
func (c *Conn) Close() error {
	for _, fd := range c.fds {
		_ = unix.Close(fd)
	}
	c.fds = nil
	return c.sock.Close()
}

// register assigns a fresh client-side id to p.
func (c *Conn) register(p Proxy) uint32 {
	var id uint32
	if n := len(c.freeIDs); n > 0 {
		id = c.freeIDs[n-1]
		c.freeIDs = c.freeIDs[:n-1]
	} else {
		id = c.nextID
		c.nextID++
	}
	c.objects[id] = p
	return id
}

// forget drops events for a destroyed object until the compositor
// acknowledges the destruction with delete_id.
func (c *Conn) forget(id uint32) {
	if _, ok := c.objects[id]; ok {
		c.objects[id] = zombie{id: id}
	}
}

// release makes id reusable once the compositor deletes it.
func (c *Conn) release(id uint32) {
	if _, ok := c.objects[id]; !ok {
		return
	}
	delete(c.objects, id)
	c.freeIDs = append(c.freeIDs, id)
}

func (c *Conn) lookup(id uint32) Proxy { return c.objects[id] }

func (c *Conn) send(p Proxy, opcode uint16, e *encoder) error {
	if c.err != nil {
		return c.err
	}
	msg := e.message(p.ID(), opcode)
	var oob []byte
	if len(e.fds) > 0 {
		oob = unix.UnixRights(e.fds...)
	}
	if _, _, err := c.sock.WriteMsgUnix(msg, oob, nil); err != nil {
		return fmt.Errorf("wayland: send %s@%d opcode %d: %w", p.Interface(), p.ID(), opcode, err)
	}
	return nil
}

// readBatch performs one blocking read and routes every complete message
// to its proxy's queue.
func (c *Conn) readBatch() error {
	if c.err != nil {
		return c.err
	}
	n, oobn, _, _, err := c.sock.ReadMsgUnix(c.rbuf, c.oob)
	if err != nil {
		return fmt.Errorf("wayland: read: %w", err)
	}
	if oobn > 0 {
		fds, err := parseRights(c.oob[:oobn])
		if err != nil {
			return c.fatal(err)
		}
		c.fds = append(c.fds, fds...)
	}
	if n == 0 {
		return c.fatal(errors.New("wayland: compositor closed the connection"))
	}
	c.in = append(c.in, c.rbuf[:n]...)

	for len(c.in) >= headerSize {
		id, size, opcode := parseHeader(c.in)
		if size < headerSize || size%4 != 0 {
			return c.fatal(fmt.Errorf("wayland: invalid message size %d for object %d", size, id))
		}
		if len(c.in) < size {
			break
		}
		body := append([]byte(nil), c.in[headerSize:size]...)
		c.in = c.in[size:]
		if err := c.route(id, opcode, body); err != nil {
			return c.fatal(err)
		}
	}
	if len(c.in) == 0 {
		c.in = nil
	}
	return c.err
}

func (c *Conn) route(id uint32, opcode uint16, body []byte) error {
	p := c.lookup(id)
	if p == nil {
		return fmt.Errorf("wayland: event for unknown object %d", id)
	}
	d := &decoder{data: body, fds: c.popFD}
	deliver, err := p.dispatch(opcode, d)
	if err != nil {
		return fmt.Errorf("wayland: %s@%d event %d: %w", p.Interface(), id, opcode, err)
	}
	if deliver == nil {
		return nil
	}
	q := p.base().queue
	if q.closed {
		return nil
	}
	q.pending = append(q.pending, deliver)
	return nil
}

func (c *Conn) popFD() (int, bool) {
	if len(c.fds) == 0 {
		return -1, false
	}
	fd := c.fds[0]
	c.fds = c.fds[1:]
	return fd, true
}

func (c *Conn) fatal(err error) error {
	if c.err == nil {
		c.err = err
	}
	return c.err
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("wayland: control message: %w", err)
	}
	var fds []int
	for _, m := range msgs {
		rights, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

var errQueueClosed = errors.New("wayland: dispatch on a closed event queue")

// EventQueue holds events for the proxies bound to it until dispatched.
type EventQueue struct {
	conn    *Conn
	pending []func()
	closed  bool
}

// Close discards queued events. Events that arrive later for proxies still
// bound to q are dropped.
func (q *EventQueue) Close() {
	q.closed = true
	q.pending = nil
}

// DispatchPending runs queued events without blocking and returns how many
// were dispatched.
func (q *EventQueue) DispatchPending() int {
	n := 0
	for len(q.pending) > 0 {
		ev := q.pending[0]
		q.pending = q.pending[1:]
		ev()
		n++
	}
	q.pending = nil
	return n
}

// Dispatch blocks until at least one event for this queue is available,
// then dispatches every queued event in arrival order.
func (q *EventQueue) Dispatch() (int, error) {
	if q.closed {
		return 0, errQueueClosed
	}
	for len(q.pending) == 0 {
		if err := q.conn.readBatch(); err != nil {
			return 0, err
		}
	}
	return q.DispatchPending(), nil
}

// Roundtrip blocks until the compositor has processed every request sent
// so far, dispatching this queue's events meanwhile.
func (q *EventQueue) Roundtrip() error {
	done := false
	cb, err := q.conn.display.Sync(q)
	if err != nil {
		return err
	}
	cb.OnDone = func(uint32) { done = true }
	for !done {
		if _, err := q.Dispatch(); err != nil {
			return err
		}
	}
	return nil
}
