package imaging

import (
	"fmt"
	"image"
	"math"
	"sync"
)

// Style selects how a face region is obscured.
type Style string

const (
	StyleGauss  Style = "gauss"  // true Gaussian smoothing (default)
	StyleBox    Style = "box"    // separable box blur, Strength = radius
	StylePixel  Style = "pixel"  // pixelation, Strength = block size
	StyleBlack  Style = "black"  // solid black fill
	StyleSecure Style = "secure" // fill with the average colour of the region border
)

// ParseStyle validates a style name.
func ParseStyle(s string) (Style, error) {
	switch st := Style(s); st {
	case StyleGauss, StyleBox, StylePixel, StyleBlack, StyleSecure:
		return st, nil
	}
	return "", fmt.Errorf("invalid style '%s'. Must be one of: gauss, box, pixel, black, secure", s)
}

// Redactor obscures regions of an RGBA image in place.
type Redactor struct {
	Style    Style
	Kernel   int     // Gaussian kernel size (odd), e.g. 99
	Sigma    float64 // Gaussian spread; <= 0 derives it from Kernel
	Strength int     // radius for box, block size for pixel
}

// scratchPool recycles the float accumulators used by the blur passes.
var scratchPool = sync.Pool{
	New: func() interface{} { return make([]float32, 0, 256*1024) },
}

// colSumsPool recycles column accumulators for the box blur.
var colSumsPool = sync.Pool{
	New: func() interface{} { return make([]uint32, 0, 1024) },
}

// Apply obscures rect inside img. Rectangles are clipped to the image bounds.
func (r Redactor) Apply(img *image.RGBA, rect image.Rectangle) {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}

	switch r.Style {
	case StyleBlack:
		fill(img, rect, 0, 0, 0)
	case StyleSecure:
		fr, fg, fb := borderAverage(img, rect)
		fill(img, rect, fr, fg, fb)
	case StyleBox:
		boxBlur(img, rect, r.Strength)
	case StylePixel:
		pixelate(img, rect, r.Strength)
	default:
		gaussianBlur(img, rect, r.Kernel, r.Sigma)
	}
}

func fill(img *image.RGBA, rect image.Rectangle, cr, cg, cb uint8) {
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		off := img.PixOffset(rect.Min.X, y)
		for x := 0; x < rect.Dx(); x++ {
			img.Pix[off] = cr
			img.Pix[off+1] = cg
			img.Pix[off+2] = cb
			img.Pix[off+3] = 255
			off += 4
		}
	}
}

// borderAverage grabs colours from the ring of pixels just outside rect so the
// fill blends into the background.
func borderAverage(img *image.RGBA, rect image.Rectangle) (uint8, uint8, uint8) {
	var r, g, b, count uint64
	bounds := img.Bounds()
	add := func(x, y int) {
		if !(image.Point{X: x, Y: y}).In(bounds) {
			return
		}
		off := img.PixOffset(x, y)
		r += uint64(img.Pix[off])
		g += uint64(img.Pix[off+1])
		b += uint64(img.Pix[off+2])
		count++
	}
	for x := rect.Min.X; x < rect.Max.X; x++ {
		add(x, rect.Min.Y-1)
		add(x, rect.Max.Y)
	}
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		add(rect.Min.X-1, y)
		add(rect.Max.X, y)
	}
	if count == 0 {
		return 0, 0, 0
	}
	return uint8(r / count), uint8(g / count), uint8(b / count)
}

func pixelate(img *image.RGBA, rect image.Rectangle, blockSize int) {
	if blockSize < 1 {
		blockSize = 1
	}
	for y := rect.Min.Y; y < rect.Max.Y; y += blockSize {
		for x := rect.Min.X; x < rect.Max.X; x += blockSize {
			src := img.PixOffset(x, y)
			cr, cg, cb := img.Pix[src], img.Pix[src+1], img.Pix[src+2]
			block := image.Rect(x, y, min(x+blockSize, rect.Max.X), min(y+blockSize, rect.Max.Y))
			fill(img, block, cr, cg, cb)
		}
	}
}

// GaussianKernel returns a normalized 1-D kernel. Even sizes are bumped to the next
// odd size; sigma <= 0 is derived from the size the way OpenCV does.
func GaussianKernel(size int, sigma float64) []float32 {
	if size < 1 {
		size = 1
	}
	if size%2 == 0 {
		size++
	}
	if sigma <= 0 {
		sigma = 0.3*(float64(size-1)*0.5-1) + 0.8
	}
	radius := size / 2
	kernel := make([]float32, size)
	var sum float64
	weights := make([]float64, size)
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		weights[i+radius] = w
		sum += w
	}
	for i, w := range weights {
		kernel[i] = float32(w / sum)
	}
	return kernel
}

// reflect101 maps an out-of-range index back into [0, n) mirroring around the
// edge pixels without repeating them (dcb|abcd|cba).
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}

// gaussianBlur runs a separable Gaussian over rect only; samples never leave the region.
func gaussianBlur(img *image.RGBA, rect image.Rectangle, size int, sigma float64) {
	kernel := GaussianKernel(size, sigma)
	radius := len(kernel) / 2
	w, h := rect.Dx(), rect.Dy()

	needed := w * h * 3
	scratch := scratchPool.Get().([]float32)
	if cap(scratch) < needed {
		scratch = make([]float32, needed)
	}
	buf := scratch[:needed]
	defer scratchPool.Put(scratch)

	// Horizontal pass: image -> buffer
	for y := 0; y < h; y++ {
		row := img.PixOffset(rect.Min.X, rect.Min.Y+y)
		for x := 0; x < w; x++ {
			var rs, gs, bs float32
			for k := -radius; k <= radius; k++ {
				off := row + reflect101(x+k, w)*4
				wt := kernel[k+radius]
				rs += wt * float32(img.Pix[off])
				gs += wt * float32(img.Pix[off+1])
				bs += wt * float32(img.Pix[off+2])
			}
			o := (y*w + x) * 3
			buf[o], buf[o+1], buf[o+2] = rs, gs, bs
		}
	}

	// Vertical pass: buffer -> image
	for y := 0; y < h; y++ {
		dst := img.PixOffset(rect.Min.X, rect.Min.Y+y)
		for x := 0; x < w; x++ {
			var rs, gs, bs float32
			for k := -radius; k <= radius; k++ {
				o := (reflect101(y+k, h)*w + x) * 3
				wt := kernel[k+radius]
				rs += wt * buf[o]
				gs += wt * buf[o+1]
				bs += wt * buf[o+2]
			}
			img.Pix[dst] = clamp8(rs)
			img.Pix[dst+1] = clamp8(gs)
			img.Pix[dst+2] = clamp8(bs)
			dst += 4
		}
	}
}

func clamp8(v float32) uint8 {
	v += 0.5
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}

// boxBlur is a separable sliding-window box blur; radius is clamped to half the region.
func boxBlur(img *image.RGBA, rect image.Rectangle, radius int) {
	w, h := rect.Dx(), rect.Dy()
	radius = max(1, min(radius, w/2, h/2))
	if w < 2 || h < 2 {
		return
	}
	count := uint32(2*radius + 1)
	clampIdx := func(i, n int) int { return max(0, min(i, n-1)) }

	needed := w * h * 3
	scratch := scratchPool.Get().([]float32)
	if cap(scratch) < needed {
		scratch = make([]float32, needed)
	}
	buf := scratch[:needed]
	defer scratchPool.Put(scratch)

	// 1. Horizontal pass with a running sum
	for y := 0; y < h; y++ {
		row := img.PixOffset(rect.Min.X, rect.Min.Y+y)
		var rSum, gSum, bSum uint32
		for k := -radius; k <= radius; k++ {
			off := row + clampIdx(k, w)*4
			rSum += uint32(img.Pix[off])
			gSum += uint32(img.Pix[off+1])
			bSum += uint32(img.Pix[off+2])
		}
		for x := 0; x < w; x++ {
			o := (y*w + x) * 3
			buf[o] = float32(rSum / count)
			buf[o+1] = float32(gSum / count)
			buf[o+2] = float32(bSum / count)

			offRemove := row + clampIdx(x-radius, w)*4
			offAdd := row + clampIdx(x+radius+1, w)*4
			rSum = rSum - uint32(img.Pix[offRemove]) + uint32(img.Pix[offAdd])
			gSum = gSum - uint32(img.Pix[offRemove+1]) + uint32(img.Pix[offAdd+1])
			bSum = bSum - uint32(img.Pix[offRemove+2]) + uint32(img.Pix[offAdd+2])
		}
	}

	// 2. Vertical pass row by row, keeping a running sum per column for cache locality
	neededCols := w * 3
	csPtr := colSumsPool.Get().([]uint32)
	if cap(csPtr) < neededCols {
		csPtr = make([]uint32, neededCols)
	}
	colSums := csPtr[:neededCols]
	clear(colSums)
	defer colSumsPool.Put(csPtr)

	for k := -radius; k <= radius; k++ {
		rowOff := clampIdx(k, h) * w * 3
		for x := 0; x < w; x++ {
			colSums[x*3] += uint32(buf[rowOff+x*3])
			colSums[x*3+1] += uint32(buf[rowOff+x*3+1])
			colSums[x*3+2] += uint32(buf[rowOff+x*3+2])
		}
	}

	for y := 0; y < h; y++ {
		dst := img.PixOffset(rect.Min.X, rect.Min.Y+y)
		removeOff := clampIdx(y-radius, h) * w * 3
		addOff := clampIdx(y+radius+1, h) * w * 3
		for x := 0; x < w; x++ {
			img.Pix[dst] = uint8(colSums[x*3] / count)
			img.Pix[dst+1] = uint8(colSums[x*3+1] / count)
			img.Pix[dst+2] = uint8(colSums[x*3+2] / count)
			dst += 4

			for c := 0; c < 3; c++ {
				colSums[x*3+c] = colSums[x*3+c] - uint32(buf[removeOff+x*3+c]) + uint32(buf[addOff+x*3+c])
			}
		}
	}
}
