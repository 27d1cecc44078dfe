package screencopy

import (
	"image/color"
	"testing"

	apperrors "github.com/GriffinCanCode/wlshot/internal/errors"
	"github.com/GriffinCanCode/wlshot/internal/wayland"
)

func TestImageFormats(t *testing.T) {
	tests := []struct {
		format wayland.ShmFormat
		pixel  []byte
		want   color.RGBA
	}{
		{wayland.ShmFormatARGB8888, []byte{0x10, 0x20, 0x40, 0x80}, color.RGBA{R: 0x40, G: 0x20, B: 0x10, A: 0x80}},
		{wayland.ShmFormatXRGB8888, []byte{0x10, 0x20, 0x40, 0x80}, color.RGBA{R: 0x40, G: 0x20, B: 0x10, A: 0xff}},
		{wayland.ShmFormatABGR8888, []byte{0x10, 0x20, 0x40, 0x80}, color.RGBA{R: 0x10, G: 0x20, B: 0x40, A: 0x80}},
		{wayland.ShmFormatRGBA8888, []byte{0x10, 0x20, 0x40, 0x80}, color.RGBA{R: 0x80, G: 0x40, B: 0x20, A: 0x10}},
		{wayland.ShmFormatBGRX8888, []byte{0x10, 0x20, 0x40, 0x80}, color.RGBA{R: 0x20, G: 0x40, B: 0x80, A: 0xff}},
		{wayland.ShmFormatRGB888, []byte{0x10, 0x20, 0x40}, color.RGBA{R: 0x40, G: 0x20, B: 0x10, A: 0xff}},
		{wayland.ShmFormatBGR888, []byte{0x10, 0x20, 0x40}, color.RGBA{R: 0x10, G: 0x20, B: 0x40, A: 0xff}},
		{wayland.ShmFormatRGB565, []byte{0x00, 0xf8}, color.RGBA{R: 0xff, A: 0xff}},
		{wayland.ShmFormatBGR565, []byte{0xe0, 0x07}, color.RGBA{G: 0xff, A: 0xff}},
		// R=0x3ff G=0x200 B=0
		{wayland.ShmFormatXRGB2101010, []byte{0x00, 0x00, 0xf8, 0x3f}, color.RGBA{R: 0xff, G: 0x80, A: 0xff}},
		{wayland.ShmFormatARGB2101010, []byte{0x00, 0x00, 0xf8, 0xff}, color.RGBA{R: 0xff, G: 0x80, A: 0xff}},
		{wayland.ShmFormatXBGR2101010, []byte{0x00, 0x00, 0xf8, 0x3f}, color.RGBA{G: 0x80, B: 0xff, A: 0xff}},
	}
	for _, tt := range tests {
		t.Run(tt.format.String(), func(t *testing.T) {
			fb := &FrameBuffer{Width: 1, Height: 1, Stride: uint32(len(tt.pixel)), Format: tt.format, Data: tt.pixel}
			img, err := fb.Image()
			if err != nil {
				t.Fatalf("Image: %v", err)
			}
			if got := img.RGBAAt(0, 0); got != tt.want {
				t.Errorf("pixel = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestImageHonoursStride(t *testing.T) {
	// Two rows of one XRGB pixel, each padded to 8 bytes.
	data := []byte{
		1, 2, 3, 0, 0xee, 0xee, 0xee, 0xee,
		4, 5, 6, 0, 0xee, 0xee, 0xee, 0xee,
	}
	fb := &FrameBuffer{Width: 1, Height: 2, Stride: 8, Format: wayland.ShmFormatXRGB8888, Data: data}
	img, err := fb.Image()
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if c := img.RGBAAt(0, 1); c.R != 6 || c.G != 5 || c.B != 4 {
		t.Errorf("second row = %+v", c)
	}

	fb.YInvert = true
	img, _ = fb.Image()
	if c := img.RGBAAt(0, 0); c.R != 6 {
		t.Errorf("inverted first row = %+v", c)
	}
}

func TestImageErrors(t *testing.T) {
	fb := &FrameBuffer{Width: 2, Height: 2, Stride: 8, Format: 0xdeadbeef, Data: make([]byte, 16)}
	if _, err := fb.Image(); !apperrors.IsCode(err, apperrors.CodeUnsupportedFormat) {
		t.Errorf("unknown format: %v", err)
	}

	fb.Format = wayland.ShmFormatXRGB8888
	fb.Data = fb.Data[:12]
	if _, err := fb.Image(); !apperrors.IsCode(err, apperrors.CodeInvalidArgument) {
		t.Errorf("short data: %v", err)
	}

	fb.Data = make([]byte, 16)
	fb.Stride = 4
	if _, err := fb.Image(); !apperrors.IsCode(err, apperrors.CodeInvalidArgument) {
		t.Errorf("short stride: %v", err)
	}
}

func TestFrameBufferCloseWithoutData(t *testing.T) {
	fb := &FrameBuffer{}
	if err := fb.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
