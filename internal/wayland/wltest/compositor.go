// Package wltest provides a scripted in-process compositor for tests. It
// implements the server side of wl_display, wl_registry, wl_shm,
// wl_shm_pool, wl_buffer, wl_output and wlr-screencopy over a socketpair.
package wltest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/GriffinCanCode/wlshot/internal/wayland"
)

var order = binary.NativeEndian

// Global names announced by the compositor.
const (
	ShmName        = 1
	ScreencopyName = 2
	firstOutput    = 10
)

// OutputSpec describes an advertised output.
type OutputSpec struct {
	Name          string
	Width, Height int32
	Scale         int32
	Transform     int32
}

// FrameScript decides how the compositor answers a capture request.
type FrameScript struct {
	Format wayland.ShmFormat
	Width  uint32
	Height uint32
	Stride uint32
	Flags  uint32

	// AnnounceDmabuf sends linux_dmabuf and buffer_done (version 3).
	AnnounceDmabuf bool
	// FailImmediately answers the capture with failed and nothing else.
	FailImmediately bool
	// FailAfterBuffer sends failed right behind the buffer event.
	FailAfterBuffer bool
	// FailOnCopy answers the copy request with failed instead of ready.
	FailOnCopy bool
	// Silent never answers the capture request.
	Silent bool
}

// CaptureRequest records a capture_output or capture_output_region call.
type CaptureRequest struct {
	Region        bool
	OverlayCursor int32
	OutputID      uint32
	X, Y          int32
	Width, Height int32
}

// PoolRequest records create_pool.
type PoolRequest struct {
	ID   uint32
	Size int32
}

// BufferRequest records create_buffer.
type BufferRequest struct {
	ID                            uint32
	Offset, Width, Height, Stride int32
	Format                        uint32
}

// Config describes what the compositor advertises and how it answers.
type Config struct {
	Outputs    []OutputSpec
	ShmFormats []wayland.ShmFormat
	// ScreencopyVersion is the advertised manager version; -1 hides the global.
	ScreencopyVersion int
	Script            FrameScript
}

// DefaultConfig is a single 1920x1080 output answering with XRGB8888.
func DefaultConfig() Config {
	return Config{
		Outputs:           []OutputSpec{{Name: "DP-1", Width: 1920, Height: 1080, Scale: 1}},
		ShmFormats:        []wayland.ShmFormat{wayland.ShmFormatARGB8888, wayland.ShmFormatXRGB8888},
		ScreencopyVersion: 3,
		Script: FrameScript{
			Format: wayland.ShmFormatXRGB8888,
			Width:  1920,
			Height: 1080,
			Stride: 7680,
		},
	}
}

// Compositor is the fake server.
type Compositor struct {
	Config

	t    testing.TB
	sock *net.UnixConn

	mu         sync.Mutex
	objects    map[uint32]string
	pools      map[uint32]pool
	buffers    map[uint32]BufferRequest
	bufferPool map[uint32]uint32
	fds        []int
	captures   []CaptureRequest
	poolReqs   []PoolRequest
	bufReqs    []BufferRequest
	copies     int
	destroys   map[string]int
	registries []uint32
	outputObjs map[uint32]int
	done       chan struct{}
}

type pool struct {
	fd   int
	size int32
}

// New starts a compositor and returns a client connection to it.
func New(t testing.TB, cfg Config) (*wayland.Conn, *Compositor) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	client := unixConn(t, fds[0], "client")
	server := unixConn(t, fds[1], "server")

	c := &Compositor{
		Config:     cfg,
		t:          t,
		sock:       server,
		objects:    map[uint32]string{1: "wl_display"},
		pools:      make(map[uint32]pool),
		buffers:    make(map[uint32]BufferRequest),
		bufferPool: make(map[uint32]uint32),
		destroys:   make(map[string]int),
		outputObjs: make(map[uint32]int),
		done:       make(chan struct{}),
	}
	conn := wayland.NewConn(client)
	go c.serve()
	t.Cleanup(func() {
		conn.Close()
		server.Close()
		<-c.done
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, fd := range c.fds {
			unix.Close(fd)
		}
		for _, p := range c.pools {
			unix.Close(p.fd)
		}
	})
	return conn, c
}

func unixConn(t testing.TB, fd int, name string) *net.UnixConn {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	return c.(*net.UnixConn)
}

// Captures returns every capture request received so far.
func (c *Compositor) Captures() []CaptureRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CaptureRequest(nil), c.captures...)
}

// Pools returns every create_pool request received so far.
func (c *Compositor) Pools() []PoolRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PoolRequest(nil), c.poolReqs...)
}

// Buffers returns every create_buffer request received so far.
func (c *Compositor) Buffers() []BufferRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]BufferRequest(nil), c.bufReqs...)
}

// Copies returns how many copy requests were received.
func (c *Compositor) Copies() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copies
}

// PixelAt is the XRGB8888 value the compositor writes at (x, y).
func PixelAt(x, y int) uint32 {
	return 0xff000000 | uint32(x&0xff)<<16 | uint32(y&0xff)<<8 | 0x5a
}

func (c *Compositor) serve() {
	defer close(c.done)
	buf := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(28*4))
	var in []byte
	for {
		n, oobn, _, _, err := c.sock.ReadMsgUnix(buf, oob)
		if err != nil || n == 0 {
			return
		}
		if oobn > 0 {
			msgs, _ := unix.ParseSocketControlMessage(oob[:oobn])
			for _, m := range msgs {
				if fds, err := unix.ParseUnixRights(&m); err == nil {
					c.mu.Lock()
					c.fds = append(c.fds, fds...)
					c.mu.Unlock()
				}
			}
		}
		in = append(in, buf[:n]...)
		for len(in) >= 8 {
			id := order.Uint32(in[0:4])
			word := order.Uint32(in[4:8])
			size := int(word >> 16)
			if len(in) < size {
				break
			}
			a := &args{data: in[8:size]}
			if err := c.handle(id, uint16(word), a); err != nil {
				c.t.Errorf("wltest: %v", err)
				return
			}
			in = in[size:]
		}
	}
}

func (c *Compositor) iface(id uint32) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.objects[id]
}

func (c *Compositor) bind(id uint32, iface string) {
	c.mu.Lock()
	c.objects[id] = iface
	c.mu.Unlock()
}

func (c *Compositor) popFD() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.fds) == 0 {
		return -1
	}
	fd := c.fds[0]
	c.fds = c.fds[1:]
	return fd
}

func (c *Compositor) handle(id uint32, opcode uint16, a *args) error {
	iface := c.iface(id)
	switch iface {
	case "wl_display":
		newID := a.uint()
		if opcode == 0 { // sync
			c.send(newID, 0, uint32(0))
			c.send(1, 1, newID)
			return nil
		}
		c.bind(newID, "wl_registry")
		c.mu.Lock()
		c.registries = append(c.registries, newID)
		c.mu.Unlock()
		c.announce(newID)
	case "wl_registry":
		name, ifaceName, version, newID := a.uint(), a.string(), a.uint(), a.uint()
		c.bind(newID, ifaceName)
		c.bound(newID, name, version)
	case "wl_shm":
		newID, size := a.uint(), int32(a.uint())
		c.bind(newID, "wl_shm_pool")
		c.mu.Lock()
		c.poolReqs = append(c.poolReqs, PoolRequest{ID: newID, Size: size})
		c.mu.Unlock()
		fd := c.popFD()
		if fd < 0 {
			return errors.New("create_pool without a descriptor")
		}
		c.mu.Lock()
		c.pools[newID] = pool{fd: fd, size: size}
		c.mu.Unlock()
	case "wl_shm_pool":
		if opcode != 0 {
			c.destroyed(id, iface)
			return nil
		}
		req := BufferRequest{ID: a.uint(), Offset: int32(a.uint()), Width: int32(a.uint()), Height: int32(a.uint()), Stride: int32(a.uint()), Format: a.uint()}
		c.bind(req.ID, "wl_buffer")
		c.mu.Lock()
		c.bufReqs = append(c.bufReqs, req)
		c.buffers[req.ID] = req
		c.bufferPool[req.ID] = id
		c.mu.Unlock()
	case "wl_output":
		c.mu.Lock()
		delete(c.outputObjs, id)
		c.mu.Unlock()
		c.destroyed(id, iface)
	case "wl_buffer":
		c.destroyed(id, iface)
	case wayland.ScreencopyManagerInterface:
		if opcode == 2 {
			c.destroyed(id, iface)
			return nil
		}
		frameID := a.uint()
		req := CaptureRequest{Region: opcode == 1, OverlayCursor: int32(a.uint()), OutputID: a.uint()}
		if req.Region {
			req.X, req.Y, req.Width, req.Height = int32(a.uint()), int32(a.uint()), int32(a.uint()), int32(a.uint())
		}
		c.bind(frameID, "zwlr_screencopy_frame_v1")
		c.mu.Lock()
		c.captures = append(c.captures, req)
		c.mu.Unlock()
		c.answerCapture(frameID)
	case "zwlr_screencopy_frame_v1":
		if opcode != 0 {
			c.destroyed(id, iface)
			return nil
		}
		bufID := a.uint()
		c.mu.Lock()
		c.copies++
		c.mu.Unlock()
		if c.Script.FailAfterBuffer {
			return nil
		}
		if c.Script.FailOnCopy {
			c.send(id, 3)
			return nil
		}
		if err := c.fill(bufID); err != nil {
			return err
		}
		c.send(id, 2, uint32(0), uint32(1700000000), uint32(500))
	default:
		return fmt.Errorf("request for unknown object %d", id)
	}
	return a.err
}

func (c *Compositor) destroyed(id uint32, iface string) {
	c.mu.Lock()
	c.destroys[iface]++
	delete(c.objects, id)
	c.mu.Unlock()
	c.send(1, 1, id)
}

// Destroyed returns how many objects of iface the client destroyed.
func (c *Compositor) Destroyed(iface string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroys[iface]
}

// Registries returns how many registries the client requested.
func (c *Compositor) Registries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.registries)
}

// SetMode switches the named output to a new current mode and announces it
// to every bound wl_output.
func (c *Compositor) SetMode(name string, width, height int32) {
	idx := c.outputIndex(name)
	c.mu.Lock()
	c.Outputs[idx].Width, c.Outputs[idx].Height = width, height
	var ids []uint32
	for id, i := range c.outputObjs {
		if i == idx {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.send(id, 1, uint32(1), width, height, int32(60000))
		c.send(id, 2)
	}
}

// RemoveOutput withdraws the named output's global from every registry.
func (c *Compositor) RemoveOutput(name string) {
	idx := c.outputIndex(name)
	c.mu.Lock()
	regs := append([]uint32(nil), c.registries...)
	c.mu.Unlock()
	for _, reg := range regs {
		c.send(reg, 1, uint32(firstOutput+idx))
	}
}

// outputIndex must be called from the test goroutine without c.mu held.
func (c *Compositor) outputIndex(name string) int {
	for i, o := range c.Outputs {
		if o.Name == name {
			return i
		}
	}
	c.t.Fatalf("wltest: no output named %q", name)
	return -1
}

func (c *Compositor) announce(registry uint32) {
	c.send(registry, 0, uint32(ShmName), "wl_shm", uint32(1))
	if c.ScreencopyVersion > 0 {
		c.send(registry, 0, uint32(ScreencopyName), wayland.ScreencopyManagerInterface, uint32(c.ScreencopyVersion))
	}
	c.mu.Lock()
	n := len(c.Outputs)
	c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.send(registry, 0, uint32(firstOutput+i), "wl_output", uint32(4))
	}
}

func (c *Compositor) bound(id, name, version uint32) {
	switch {
	case name == ShmName:
		for _, f := range c.ShmFormats {
			c.send(id, 0, uint32(f))
		}
	case name >= firstOutput:
		c.mu.Lock()
		idx := int(name - firstOutput)
		o := c.Outputs[idx]
		c.outputObjs[id] = idx
		c.mu.Unlock()
		c.send(id, 0, int32(0), int32(0), int32(600), int32(340), int32(0), "ACME", "Panel", o.Transform)
		c.send(id, 1, uint32(1), o.Width, o.Height, int32(60000))
		if version >= 2 {
			c.send(id, 3, o.Scale)
		}
		if version >= 4 {
			c.send(id, 4, o.Name)
			c.send(id, 5, "ACME Panel "+o.Name)
		}
		if version >= 2 {
			c.send(id, 2)
		}
	}
}

func (c *Compositor) answerCapture(frame uint32) {
	s := c.Script
	switch {
	case s.Silent:
		return
	case s.FailImmediately:
		c.send(frame, 3)
		return
	}
	c.send(frame, 0, uint32(s.Format), s.Width, s.Height, s.Stride)
	if s.AnnounceDmabuf {
		c.send(frame, 5, uint32(0x34325258), s.Width, s.Height)
	}
	c.send(frame, 1, s.Flags)
	if s.FailAfterBuffer {
		c.send(frame, 3)
		return
	}
	if s.AnnounceDmabuf {
		c.send(frame, 6)
	}
}

// fill writes the test pattern into the buffer's pool memory.
func (c *Compositor) fill(bufID uint32) error {
	c.mu.Lock()
	req, ok := c.buffers[bufID]
	poolID := c.bufferPool[bufID]
	p, pok := c.pools[poolID]
	c.mu.Unlock()
	if !ok || !pok {
		return fmt.Errorf("copy into unknown buffer %d", bufID)
	}
	mem, err := unix.Mmap(p.fd, 0, int(p.size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap pool: %w", err)
	}
	defer unix.Munmap(mem)
	for y := 0; y < int(req.Height); y++ {
		row := mem[int(req.Offset)+y*int(req.Stride):]
		for x := 0; x < int(req.Width); x++ {
			order.PutUint32(row[x*4:], PixelAt(x, y))
		}
	}
	return nil
}

// send writes an event. Arguments may be uint32, int32 or string.
func (c *Compositor) send(id uint32, opcode uint16, argv ...any) {
	var body []byte
	for _, v := range argv {
		switch v := v.(type) {
		case uint32:
			body = order.AppendUint32(body, v)
		case int32:
			body = order.AppendUint32(body, uint32(v))
		case string:
			body = order.AppendUint32(body, uint32(len(v)+1))
			body = append(body, v...)
			body = append(body, 0)
			for len(body)%4 != 0 {
				body = append(body, 0)
			}
		default:
			panic(fmt.Sprintf("wltest: unsupported argument %T", v))
		}
	}
	msg := order.AppendUint32(nil, id)
	msg = order.AppendUint32(msg, uint32(8+len(body))<<16|uint32(opcode))
	msg = append(msg, body...)
	if _, err := c.sock.Write(msg); err != nil {
		c.t.Logf("wltest: write: %v", err)
	}
}

type args struct {
	data []byte
	err  error
}

func (a *args) uint() uint32 {
	if len(a.data) < 4 {
		if a.err == nil {
			a.err = errors.New("short request")
		}
		return 0
	}
	v := order.Uint32(a.data)
	a.data = a.data[4:]
	return v
}

func (a *args) string() string {
	n := int(a.uint())
	padded := (n + 3) &^ 3
	if n == 0 || len(a.data) < padded {
		if a.err == nil {
			a.err = errors.New("short string")
		}
		return ""
	}
	s := string(a.data[:n-1])
	a.data = a.data[padded:]
	return s
}
