// Package imaging handles photo decode/encode, scaling and in-place region redaction.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/veil/internal/errs"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const jpegQuality = 95

// Picture is a decoded photo together with the format it was stored in.
type Picture struct {
	Img    *image.RGBA
	Format string // "jpeg", "png", "gif", "bmp", "tiff", "webp"
}

// Decode reads an image from r and converts it to RGBA.
func Decode(r io.Reader) (*Picture, error) {
	src, format, err := image.Decode(r)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeImageDecodeFailure, "failed to decode image")
	}
	return &Picture{Img: ToRGBA(src), Format: format}, nil
}

// Load decodes the image stored at path.
func Load(path string) (*Picture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeImageDecodeFailure, "failed to open image", errs.FieldPath(path))
	}
	defer f.Close()

	pic, err := Decode(f)
	if err != nil {
		return nil, errs.With(err, errs.FieldPath(path))
	}
	return pic, nil
}

// ToRGBA returns src as *image.RGBA anchored at the origin, copying only when needed.
func ToRGBA(src image.Image) *image.RGBA {
	if m, ok := src.(*image.RGBA); ok && m.Rect.Min == (image.Point{}) {
		return m
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// Clone returns a deep copy of img.
func Clone(img *image.RGBA) *image.RGBA {
	dst := &image.RGBA{
		Pix:    make([]uint8, len(img.Pix)),
		Stride: img.Stride,
		Rect:   img.Rect,
	}
	copy(dst.Pix, img.Pix)
	return dst
}

// Downscale shrinks img so its longest side is at most maxSize, keeping aspect ratio.
// Images already within the limit (or maxSize <= 0) are returned unchanged.
func Downscale(img *image.RGBA, maxSize int) *image.RGBA {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	if maxSize <= 0 || (width <= maxSize && height <= maxSize) {
		return img
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = maxSize
		newHeight = int(float64(height) * float64(maxSize) / float64(width))
	} else {
		newHeight = maxSize
		newWidth = int(float64(width) * float64(maxSize) / float64(height))
	}

	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, b, draw.Src, nil)
	return resized
}

// Crop copies the given region out of img.
func Crop(img *image.RGBA, r image.Rectangle) *image.RGBA {
	r = r.Intersect(img.Bounds())
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst
}

// Encode writes img to w in the given format.
func Encode(w io.Writer, img image.Image, format string) error {
	var err error
	switch format {
	case "jpeg":
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: jpegQuality})
	case "png":
		err = png.Encode(w, img)
	case "gif":
		err = gif.Encode(w, img, nil)
	case "bmp":
		err = bmp.Encode(w, img)
	case "tiff":
		err = tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return errs.New(errs.CodeImageEncodeFailure, fmt.Sprintf("unsupported output format %q", format))
	}
	if err != nil {
		return errs.Wrap(err, errs.CodeImageEncodeFailure, "failed to encode image", errs.Field("format", format))
	}
	return nil
}

// Save encodes img into path, creating parent directories and overwriting any existing file.
func Save(path string, img image.Image, format string) error {
	var buf bytes.Buffer
	if err := Encode(&buf, img, format); err != nil {
		return errs.With(err, errs.FieldPath(path))
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errs.Wrap(err, errs.CodeImageEncodeFailure, "failed to create output directory", errs.FieldPath(path))
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return errs.Wrap(err, errs.CodeImageEncodeFailure, "failed to write image", errs.FieldPath(path))
	}
	return nil
}

// EncodePNG is the lossless transport encoding used for the engine pipe.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, errs.Wrap(err, errs.CodeImageEncodeFailure, "failed to encode transport image")
	}
	return buf.Bytes(), nil
}

// IsSourceImage reports whether a file name is an enrollable photo (*.jpg, *.jpeg, *.png).
func IsSourceImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}
