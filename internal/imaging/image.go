// Package imaging holds the immutable raster type analysed by the verification pipeline
// and the classical image operators the analyses are built from.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	xdraw "golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/example/docverify/internal/apperrors"
)

// MaxJPEGSide is the largest width or height the JPEG codec can encode.
const MaxJPEGSide = 65535

// MaxDecodePixels bounds the raster size accepted from an upload.
const MaxDecodePixels = 25_000_000

// Image is a decoded raster with interleaved 8-bit R, G, B channels.
// It is never mutated after construction, so analyses may share it across goroutines.
type Image struct {
	width  int
	height int
	format string
	rgb    []uint8
	gray   *Plane
}

// Decode parses an uploaded file. Any failure is reported as *apperrors.DecodeError.
func Decode(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, &apperrors.DecodeError{Err: errors.New("empty input")}
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &apperrors.DecodeError{Format: format, Err: err}
	}
	if cfg.Width > 0 && cfg.Height > 0 && cfg.Width*cfg.Height > MaxDecodePixels {
		return nil, &apperrors.DecodeError{Format: format, Err: fmt.Errorf("image is %dx%d, larger than %d pixels", cfg.Width, cfg.Height, MaxDecodePixels)}
	}
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &apperrors.DecodeError{Format: format, Err: err}
	}
	b := src.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, &apperrors.DecodeError{Format: format, Err: errors.New("image has no pixels")}
	}
	img := FromImage(src)
	img.format = format
	return img, nil
}

// FromImage copies any image.Image into an immutable Image.
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(rgba, rgba.Bounds(), src, b.Min, xdraw.Src)

	w, h := b.Dx(), b.Dy()
	img := &Image{width: w, height: h, rgb: make([]uint8, w*h*3)}
	gray := NewPlane(w, h)
	for y := 0; y < h; y++ {
		row := rgba.Pix[y*rgba.Stride:]
		for x := 0; x < w; x++ {
			r, g, bl := row[x*4], row[x*4+1], row[x*4+2]
			i := (y*w + x) * 3
			img.rgb[i], img.rgb[i+1], img.rgb[i+2] = r, g, bl
			gray.Pix[y*w+x] = luma(r, g, bl)
		}
	}
	img.gray = gray
	return img
}

// luma matches the BT.601 weights used by common document pipelines, rounded to 8 bits.
func luma(r, g, b uint8) float64 {
	v := 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
	return float64(uint8(v + 0.5))
}

// Width returns the width in pixels.
func (im *Image) Width() int { return im.width }

// Height returns the height in pixels.
func (im *Image) Height() int { return im.height }

// Format returns the name of the codec the image was decoded from, if any.
func (im *Image) Format() string { return im.format }

// Gray returns the shared luma plane. Callers must treat it as read-only.
func (im *Image) Gray() *Plane { return im.gray }

// RGB returns the channel values of pixel (x, y).
func (im *Image) RGB(x, y int) (r, g, b uint8) {
	i := (y*im.width + x) * 3
	return im.rgb[i], im.rgb[i+1], im.rgb[i+2]
}

// RGBA returns a fresh working copy suitable for encoding or drawing.
func (im *Image) RGBA() *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, im.width, im.height))
	for p, i := 0, 0; p < len(im.rgb); p, i = p+3, i+4 {
		out.Pix[i], out.Pix[i+1], out.Pix[i+2], out.Pix[i+3] = im.rgb[p], im.rgb[p+1], im.rgb[p+2], 0xff
	}
	return out
}

// Resize scales the image to exactly w×h with bilinear interpolation.
func (im *Image) Resize(w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), im.RGBA(), image.Rect(0, 0, im.width, im.height), xdraw.Src, nil)
	return dst
}

// FitWithin returns the image scaled down so that neither side exceeds maxSide, or im itself
// when it already fits.
func (im *Image) FitWithin(maxSide int) *Image {
	if im.width <= maxSide && im.height <= maxSide {
		return im
	}
	w, h := maxSide, maxSide
	if im.width >= im.height {
		h = max(im.height*maxSide/im.width, 1)
	} else {
		w = max(im.width*maxSide/im.height, 1)
	}
	out := FromImage(im.Resize(w, h))
	out.format = im.format
	return out
}

// Recompress round-trips the image through the JPEG codec at the given quality.
func (im *Image) Recompress(quality int) (*Image, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, im.RGBA(), &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	decoded, err := jpeg.Decode(&buf)
	if err != nil {
		return nil, err
	}
	out := FromImage(decoded)
	out.format = "jpeg"
	return out, nil
}
