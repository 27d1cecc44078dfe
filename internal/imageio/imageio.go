// Package imageio encodes captured frames to PNG, JPEG or binary PPM.
package imageio

import (
	"bufio"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/GriffinCanCode/wlshot/internal/errors"
)

// Supported encodings.
const (
	PNG  = "png"
	JPEG = "jpeg"
	PPM  = "ppm"
)

// Options selects the encoding.
type Options struct {
	Format      string
	JPEGQuality int // 1-100, JPEG only
}

// Extension returns the file extension for format, without the dot.
func Extension(format string) string {
	if format == JPEG {
		return "jpg"
	}
	return format
}

// ContentType returns the MIME type for format.
func ContentType(format string) string {
	switch format {
	case JPEG:
		return "image/jpeg"
	case PPM:
		return "image/x-portable-pixmap"
	}
	return "image/png"
}

// DefaultFilename names a screenshot after the capture time, e.g.
// 1700000000-wlshot.png.
func DefaultFilename(t time.Time, format string) string {
	return fmt.Sprintf("%d-wlshot.%s", t.Unix(), Extension(format))
}

// Encode writes img to w.
func Encode(w io.Writer, img image.Image, opts Options) error {
	var err error
	switch opts.Format {
	case PNG, "":
		enc := png.Encoder{CompressionLevel: png.BestSpeed}
		err = enc.Encode(w, img)
	case JPEG:
		quality := opts.JPEGQuality
		if quality <= 0 {
			quality = jpeg.DefaultQuality
		}
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	case PPM:
		err = encodePPM(w, img)
	default:
		return apperrors.Newf(apperrors.CodeInvalidArgument, "unsupported output format %q", opts.Format)
	}
	if err != nil {
		return apperrors.Wrapf(err, apperrors.CodeEncodeFailed, "encode %s", opts.Format)
	}
	return nil
}

// encodePPM writes a binary (P6) pixmap, dropping alpha.
func encodePPM(w io.Writer, img image.Image) error {
	b := img.Bounds()
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "P6\n%d %d\n255\n", b.Dx(), b.Dy()); err != nil {
		return err
	}
	row := make([]byte, 0, b.Dx()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row = row[:0]
		if rgba, ok := img.(*image.RGBA); ok {
			pix := rgba.Pix[rgba.PixOffset(b.Min.X, y):]
			for x := 0; x < b.Dx(); x++ {
				row = append(row, pix[x*4], pix[x*4+1], pix[x*4+2])
			}
		} else {
			for x := b.Min.X; x < b.Max.X; x++ {
				r, g, bl, _ := img.At(x, y).RGBA()
				row = append(row, uint8(r>>8), uint8(g>>8), uint8(bl>>8))
			}
		}
		if _, err := bw.Write(row); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile encodes img into path. The file is written under a temporary
// name and renamed into place, so readers never see a partial image.
func WriteFile(path string, img image.Image, opts Options) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".wlshot-*")
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeEncodeFailed, "create output file")
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = Encode(tmp, img, opts); err != nil {
		return err
	}
	if err = tmp.Chmod(0o644); err != nil {
		return apperrors.Wrap(err, apperrors.CodeEncodeFailed, "chmod output file")
	}
	if err = tmp.Close(); err != nil {
		return apperrors.Wrap(err, apperrors.CodeEncodeFailed, "close output file")
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return apperrors.Wrapf(err, apperrors.CodeEncodeFailed, "write %s", path)
	}
	return nil
}
