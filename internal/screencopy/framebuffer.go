package screencopy

import (
	"encoding/binary"
	"image"
	"image/color"
	"time"

	apperrors "github.com/GriffinCanCode/wlshot/internal/errors"
	"github.com/GriffinCanCode/wlshot/internal/shm"
	"github.com/GriffinCanCode/wlshot/internal/wayland"
)

// FrameBuffer is a captured frame in compositor memory layout. Data is a
// shared mapping of Stride*Height bytes; rows are stored top first unless
// YInvert is set.
type FrameBuffer struct {
	Width, Height uint32
	// LogicalWidth and LogicalHeight are the output's size in logical
	// pixels, as given to Capture.
	LogicalWidth, LogicalHeight int32
	Stride                      uint32
	Format                      wayland.ShmFormat
	YInvert                     bool
	Timestamp                   time.Time
	Data                        []byte
}

// Close unmaps Data.
func (fb *FrameBuffer) Close() error {
	data := fb.Data
	fb.Data = nil
	return shm.Unmap(data)
}

// decodeFunc reads one pixel, returning premultiplied 8-bit RGBA.
type decodeFunc func(p []byte) color.RGBA

type pixelLayout struct {
	bytes  int
	decode decodeFunc
}

// wl_shm formats are little-endian packed words.
var le = binary.LittleEndian

func from8888(rs, gs, bs, as int) decodeFunc {
	return func(p []byte) color.RGBA {
		v := le.Uint32(p)
		a := uint8(0xff)
		if as >= 0 {
			a = uint8(v >> as)
		}
		return color.RGBA{R: uint8(v >> rs), G: uint8(v >> gs), B: uint8(v >> bs), A: a}
	}
}

func from2101010(rs, gs, bs, as int) decodeFunc {
	return func(p []byte) color.RGBA {
		v := le.Uint32(p)
		a := uint8(0xff)
		if as >= 0 {
			a = uint8(v>>as&0x3) * 0x55
		}
		return color.RGBA{
			R: uint8(v >> rs & 0x3ff >> 2),
			G: uint8(v >> gs & 0x3ff >> 2),
			B: uint8(v >> bs & 0x3ff >> 2),
			A: a,
		}
	}
}

var layouts = map[wayland.ShmFormat]pixelLayout{
	wayland.ShmFormatARGB8888: {4, from8888(16, 8, 0, 24)},
	wayland.ShmFormatXRGB8888: {4, from8888(16, 8, 0, -1)},
	wayland.ShmFormatABGR8888: {4, from8888(0, 8, 16, 24)},
	wayland.ShmFormatXBGR8888: {4, from8888(0, 8, 16, -1)},
	wayland.ShmFormatRGBA8888: {4, from8888(24, 16, 8, 0)},
	wayland.ShmFormatRGBX8888: {4, from8888(24, 16, 8, -1)},
	wayland.ShmFormatBGRA8888: {4, from8888(8, 16, 24, 0)},
	wayland.ShmFormatBGRX8888: {4, from8888(8, 16, 24, -1)},

	wayland.ShmFormatARGB2101010: {4, from2101010(20, 10, 0, 30)},
	wayland.ShmFormatXRGB2101010: {4, from2101010(20, 10, 0, -1)},
	wayland.ShmFormatABGR2101010: {4, from2101010(0, 10, 20, 30)},
	wayland.ShmFormatXBGR2101010: {4, from2101010(0, 10, 20, -1)},
	wayland.ShmFormatRGBA1010102: {4, from2101010(22, 12, 2, 0)},
	wayland.ShmFormatRGBX1010102: {4, from2101010(22, 12, 2, -1)},
	wayland.ShmFormatBGRA1010102: {4, from2101010(2, 12, 22, 0)},
	wayland.ShmFormatBGRX1010102: {4, from2101010(2, 12, 22, -1)},

	wayland.ShmFormatRGB888: {3, func(p []byte) color.RGBA { return color.RGBA{R: p[2], G: p[1], B: p[0], A: 0xff} }},
	wayland.ShmFormatBGR888: {3, func(p []byte) color.RGBA { return color.RGBA{R: p[0], G: p[1], B: p[2], A: 0xff} }},
	wayland.ShmFormatRGB565: {2, func(p []byte) color.RGBA {
		v := le.Uint16(p)
		return color.RGBA{R: expand5(v >> 11), G: expand6(v >> 5), B: expand5(v), A: 0xff}
	}},
	wayland.ShmFormatBGR565: {2, func(p []byte) color.RGBA {
		v := le.Uint16(p)
		return color.RGBA{R: expand5(v), G: expand6(v >> 5), B: expand5(v >> 11), A: 0xff}
	}},
}

func expand5(v uint16) uint8 {
	v &= 0x1f
	return uint8(v<<3 | v>>2)
}

func expand6(v uint16) uint8 {
	v &= 0x3f
	return uint8(v<<2 | v>>4)
}

// Image converts the frame to RGBA, undoing any vertical flip.
func (fb *FrameBuffer) Image() (*image.RGBA, error) {
	layout, ok := layouts[fb.Format]
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeUnsupportedFormat, "cannot convert pixel format %s", fb.Format)
	}
	w, h, stride := int(fb.Width), int(fb.Height), int(fb.Stride)
	if stride < w*layout.bytes || len(fb.Data) < stride*h {
		return nil, apperrors.Newf(apperrors.CodeInvalidArgument,
			"frame of %dx%d stride %d does not fit %d bytes", w, h, stride, len(fb.Data))
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		src := y
		if fb.YInvert {
			src = h - 1 - y
		}
		row := fb.Data[src*stride:]
		dst := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			c := layout.decode(row[x*layout.bytes:])
			d := dst[x*4 : x*4+4]
			d[0], d[1], d[2], d[3] = c.R, c.G, c.B, c.A
		}
	}
	return img, nil
}
