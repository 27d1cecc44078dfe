package wayland

import (
	"encoding/binary"
	"fmt"
)

// headerSize is the object id word plus the size/opcode word.
const headerSize = 8

var order = binary.NativeEndian

// Fixed is the protocol's signed 24.8 fixed-point number.
type Fixed int32

// Float converts f to a float64.
func (f Fixed) Float() float64 { return float64(f) / 256 }

// encoder builds a request body.
type encoder struct {
	buf []byte
	fds []int
}

func (e *encoder) Uint(v uint32) {
	e.buf = order.AppendUint32(e.buf, v)
}

func (e *encoder) Int(v int32) {
	e.Uint(uint32(v))
}

func (e *encoder) Object(p Proxy) {
	if p == nil {
		e.Uint(0)
		return
	}
	e.Uint(p.ID())
}

func (e *encoder) String(s string) {
	e.Uint(uint32(len(s) + 1))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
	e.pad()
}

func (e *encoder) Array(a []byte) {
	e.Uint(uint32(len(a)))
	e.buf = append(e.buf, a...)
	e.pad()
}

func (e *encoder) FD(fd int) {
	e.fds = append(e.fds, fd)
}

func (e *encoder) pad() {
	for len(e.buf)%4 != 0 {
		e.buf = append(e.buf, 0)
	}
}

// message prefixes the body with the header for object id and opcode.
func (e *encoder) message(id uint32, opcode uint16) []byte {
	size := headerSize + len(e.buf)
	msg := make([]byte, 0, size)
	msg = order.AppendUint32(msg, id)
	msg = order.AppendUint32(msg, uint32(size)<<16|uint32(opcode))
	return append(msg, e.buf...)
}

// decoder reads an event body. The first failure sticks; callers check Err
// once after reading every argument.
type decoder struct {
	data []byte
	off  int
	fds  func() (int, bool)
	err  error
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf(format, args...)
	}
}

func (d *decoder) Uint() uint32 {
	if d.err != nil {
		return 0
	}
	if len(d.data)-d.off < 4 {
		d.fail("short message: want 4 bytes at offset %d, have %d", d.off, len(d.data)-d.off)
		return 0
	}
	v := order.Uint32(d.data[d.off:])
	d.off += 4
	return v
}

func (d *decoder) Int() int32 {
	return int32(d.Uint())
}

func (d *decoder) Fixed() Fixed {
	return Fixed(d.Int())
}

func (d *decoder) String() string {
	n := int(d.Uint())
	if d.err != nil || n == 0 {
		return ""
	}
	b := d.bytes(n)
	if d.err != nil {
		return ""
	}
	if b[n-1] != 0 {
		d.fail("string not NUL terminated")
		return ""
	}
	return string(b[:n-1])
}

func (d *decoder) Array() []byte {
	n := int(d.Uint())
	if d.err != nil {
		return nil
	}
	b := d.bytes(n)
	if d.err != nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (d *decoder) FD() int {
	if d.err != nil {
		return -1
	}
	if d.fds == nil {
		d.fail("no file descriptors available")
		return -1
	}
	fd, ok := d.fds()
	if !ok {
		d.fail("missing file descriptor")
		return -1
	}
	return fd
}

func (d *decoder) bytes(n int) []byte {
	padded := (n + 3) &^ 3
	if len(d.data)-d.off < padded {
		d.fail("short message: want %d bytes at offset %d, have %d", padded, d.off, len(d.data)-d.off)
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += padded
	return b
}

// Err reports the first decoding error, including trailing garbage.
func (d *decoder) Err() error {
	if d.err == nil && d.off != len(d.data) {
		d.fail("%d trailing bytes", len(d.data)-d.off)
	}
	return d.err
}

// parseHeader splits the second header word into size and opcode.
func parseHeader(b []byte) (id uint32, size int, opcode uint16) {
	id = order.Uint32(b[0:4])
	word := order.Uint32(b[4:8])
	return id, int(word >> 16), uint16(word & 0xffff)
}
