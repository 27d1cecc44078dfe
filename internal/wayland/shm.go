package wayland

import "fmt"

// ShmFormat is a wl_shm pixel format. Apart from the first two, values are
// DRM fourcc codes.
type ShmFormat uint32

const (
	ShmFormatARGB8888    ShmFormat = 0
	ShmFormatXRGB8888    ShmFormat = 1
	ShmFormatRGB565      ShmFormat = 'R' | 'G'<<8 | '1'<<16 | '6'<<24
	ShmFormatBGR565      ShmFormat = 'B' | 'G'<<8 | '1'<<16 | '6'<<24
	ShmFormatRGB888      ShmFormat = 'R' | 'G'<<8 | '2'<<16 | '4'<<24
	ShmFormatBGR888      ShmFormat = 'B' | 'G'<<8 | '2'<<16 | '4'<<24
	ShmFormatXBGR8888    ShmFormat = 'X' | 'B'<<8 | '2'<<16 | '4'<<24
	ShmFormatRGBX8888    ShmFormat = 'R' | 'X'<<8 | '2'<<16 | '4'<<24
	ShmFormatBGRX8888    ShmFormat = 'B' | 'X'<<8 | '2'<<16 | '4'<<24
	ShmFormatABGR8888    ShmFormat = 'A' | 'B'<<8 | '2'<<16 | '4'<<24
	ShmFormatRGBA8888    ShmFormat = 'R' | 'A'<<8 | '2'<<16 | '4'<<24
	ShmFormatBGRA8888    ShmFormat = 'B' | 'A'<<8 | '2'<<16 | '4'<<24
	ShmFormatXRGB2101010 ShmFormat = 'X' | 'R'<<8 | '3'<<16 | '0'<<24
	ShmFormatXBGR2101010 ShmFormat = 'X' | 'B'<<8 | '3'<<16 | '0'<<24
	ShmFormatRGBX1010102 ShmFormat = 'R' | 'X'<<8 | '3'<<16 | '0'<<24
	ShmFormatBGRX1010102 ShmFormat = 'B' | 'X'<<8 | '3'<<16 | '0'<<24
	ShmFormatARGB2101010 ShmFormat = 'A' | 'R'<<8 | '3'<<16 | '0'<<24
	ShmFormatABGR2101010 ShmFormat = 'A' | 'B'<<8 | '3'<<16 | '0'<<24
	ShmFormatRGBA1010102 ShmFormat = 'R' | 'A'<<8 | '3'<<16 | '0'<<24
	ShmFormatBGRA1010102 ShmFormat = 'B' | 'A'<<8 | '3'<<16 | '0'<<24
)

var shmFormatNames = map[ShmFormat]string{
	ShmFormatARGB8888:    "ARGB8888",
	ShmFormatXRGB8888:    "XRGB8888",
	ShmFormatRGB565:      "RGB565",
	ShmFormatBGR565:      "BGR565",
	ShmFormatRGB888:      "RGB888",
	ShmFormatBGR888:      "BGR888",
	ShmFormatXBGR8888:    "XBGR8888",
	ShmFormatRGBX8888:    "RGBX8888",
	ShmFormatBGRX8888:    "BGRX8888",
	ShmFormatABGR8888:    "ABGR8888",
	ShmFormatRGBA8888:    "RGBA8888",
	ShmFormatBGRA8888:    "BGRA8888",
	ShmFormatXRGB2101010: "XRGB2101010",
	ShmFormatXBGR2101010: "XBGR2101010",
	ShmFormatRGBX1010102: "RGBX1010102",
	ShmFormatBGRX1010102: "BGRX1010102",
	ShmFormatARGB2101010: "ARGB2101010",
	ShmFormatABGR2101010: "ABGR2101010",
	ShmFormatRGBA1010102: "RGBA1010102",
	ShmFormatBGRA1010102: "BGRA1010102",
}

// Known reports whether f is a format this client recognizes.
func (f ShmFormat) Known() bool {
	_, ok := shmFormatNames[f]
	return ok
}

func (f ShmFormat) String() string {
	if s, ok := shmFormatNames[f]; ok {
		return s
	}
	return fmt.Sprintf("ShmFormat(%#x)", uint32(f))
}

// Shm is wl_shm.
type Shm struct {
	BaseProxy
	// Formats lists the formats the compositor advertised.
	Formats []ShmFormat
}

// CreatePool creates a pool over size bytes of the memory behind fd. The
// descriptor is duplicated by the kernel; the caller keeps ownership.
func (s *Shm) CreatePool(fd int, size int32) (*ShmPool, error) {
	pool := newProxy(s.conn, s.queue, &ShmPool{}, "wl_shm_pool", 1)
	e := &encoder{}
	e.Object(pool)
	e.FD(fd)
	e.Int(size)
	return pool, s.send(s, 0, e)
}

func (s *Shm) dispatch(opcode uint16, d *decoder) (func(), error) {
	if opcode != 0 {
		return nil, unknownOpcode(opcode)
	}
	f := ShmFormat(d.Uint())
	if err := d.Err(); err != nil {
		return nil, err
	}
	return func() { s.Formats = append(s.Formats, f) }, nil
}

// ShmPool is wl_shm_pool.
type ShmPool struct {
	BaseProxy
}

// CreateBuffer creates a buffer viewing the pool from offset.
func (p *ShmPool) CreateBuffer(offset, width, height, stride int32, format ShmFormat) (*Buffer, error) {
	buf := newProxy(p.conn, p.queue, &Buffer{}, "wl_buffer", 1)
	e := &encoder{}
	e.Object(buf)
	e.Int(offset)
	e.Int(width)
	e.Int(height)
	e.Int(stride)
	e.Uint(uint32(format))
	return buf, p.send(p, 0, e)
}

// Destroy destroys the pool. Buffers created from it stay valid.
func (p *ShmPool) Destroy() error {
	return p.destroy(p, 1)
}

func (p *ShmPool) dispatch(opcode uint16, _ *decoder) (func(), error) {
	return nil, unknownOpcode(opcode)
}

// Buffer is wl_buffer.
type Buffer struct {
	BaseProxy
	OnRelease func()
}

// Destroy destroys the buffer.
func (b *Buffer) Destroy() error {
	return b.destroy(b, 0)
}

func (b *Buffer) dispatch(opcode uint16, d *decoder) (func(), error) {
	if opcode != 0 {
		return nil, unknownOpcode(opcode)
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return func() {
		if b.OnRelease != nil {
			b.OnRelease()
		}
	}, nil
}
