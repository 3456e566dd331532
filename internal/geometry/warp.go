package geometry

import (
	"fmt"
	"image"
	"image/draw"
	"math"
)

// Interpolation selects how source pixels are sampled at fractional
// coordinates.
type Interpolation int

const (
	// InterpolationBilinear blends the four neighbouring pixels. It is the
	// pipeline default: slower than nearest but visibly smoother.
	InterpolationBilinear Interpolation = iota
	// InterpolationNearest takes the closest pixel.
	InterpolationNearest
)

func (i Interpolation) String() string {
	switch i {
	case InterpolationNearest:
		return "nearest"
	default:
		return "bilinear"
	}
}

// ParseInterpolation maps a config string onto an Interpolation.
func ParseInterpolation(s string) (Interpolation, error) {
	switch s {
	case "", "bilinear", "linear":
		return InterpolationBilinear, nil
	case "nearest", "nn":
		return InterpolationNearest, nil
	default:
		return InterpolationBilinear, fmt.Errorf("unknown interpolation %q", s)
	}
}

// Border controls samples that fall outside the source image.
type Border int

const (
	// BorderConstant treats outside pixels as transparent black.
	BorderConstant Border = iota
	// BorderReplicate clamps to the nearest edge pixel.
	BorderReplicate
)

// SourceMap returns the source coordinate sampled for destination pixel
// (x, y).
type SourceMap func(x, y float64) (sx, sy float64)

// Remap builds a size.X by size.Y image where each pixel is sampled from src
// at the coordinate given by m. Pixel centres sit on integer coordinates.
func Remap(src image.Image, size image.Point, m SourceMap, interp Interpolation, border Border) *image.RGBA {
	in := toRGBA(src)
	out := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	w, h := in.Rect.Dx(), in.Rect.Dy()
	if w == 0 || h == 0 {
		return out
	}
	for y := 0; y < size.Y; y++ {
		row := out.Pix[y*out.Stride:]
		for x := 0; x < size.X; x++ {
			sx, sy := m(float64(x), float64(y))
			var px [4]uint8
			if interp == InterpolationNearest {
				px = sampleNearest(in, sx, sy, border)
			} else {
				px = sampleBilinear(in, sx, sy, border)
			}
			copy(row[x*4:x*4+4], px[:])
		}
	}
	return out
}

// Warper applies a homography to an image.
type Warper interface {
	Name() string
	Warp(src image.Image, h Homography, size image.Point, interp Interpolation) (image.Image, error)
}

// NativeWarper is a pure Go perspective warp.
type NativeWarper struct{}

// NewNativeWarper returns the pure Go warper.
func NewNativeWarper() *NativeWarper { return &NativeWarper{} }

func (w *NativeWarper) Name() string { return "native" }

// Warp maps src through h into an image of the given size. h maps source
// coordinates to destination coordinates; each destination pixel is looked up
// through the inverse.
func (w *NativeWarper) Warp(src image.Image, h Homography, size image.Point, interp Interpolation) (image.Image, error) {
	if src == nil {
		return nil, fmt.Errorf("warp: nil source image")
	}
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("warp: invalid output size %v", size)
	}
	inv, err := h.Inverse()
	if err != nil {
		return nil, fmt.Errorf("warp: %w", err)
	}
	return Remap(src, size, func(x, y float64) (float64, float64) {
		z := inv[2][0]*x + inv[2][1]*y + inv[2][2]
		if z == 0 {
			return math.Inf(1), math.Inf(1)
		}
		return (inv[0][0]*x + inv[0][1]*y + inv[0][2]) / z,
			(inv[1][0]*x + inv[1][1]*y + inv[1][2]) / z
	}, interp, BorderConstant), nil
}

func toRGBA(src image.Image) *image.RGBA {
	if rgba, ok := src.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := src.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Rect, src, b.Min, draw.Src)
	return out
}

func pixelAt(in *image.RGBA, x, y int, border Border) ([4]float64, bool) {
	w, h := in.Rect.Dx(), in.Rect.Dy()
	if x < 0 || y < 0 || x >= w || y >= h {
		if border != BorderReplicate {
			return [4]float64{}, false
		}
		x = clampInt(x, 0, w-1)
		y = clampInt(y, 0, h-1)
	}
	i := y*in.Stride + x*4
	p := in.Pix[i : i+4 : i+4]
	return [4]float64{float64(p[0]), float64(p[1]), float64(p[2]), float64(p[3])}, true
}

func sampleNearest(in *image.RGBA, sx, sy float64, border Border) [4]uint8 {
	if math.IsNaN(sx) || math.IsNaN(sy) || math.IsInf(sx, 0) || math.IsInf(sy, 0) {
		return [4]uint8{}
	}
	p, ok := pixelAt(in, int(math.Floor(sx+0.5)), int(math.Floor(sy+0.5)), border)
	if !ok {
		return [4]uint8{}
	}
	return [4]uint8{uint8(p[0]), uint8(p[1]), uint8(p[2]), uint8(p[3])}
}

func sampleBilinear(in *image.RGBA, sx, sy float64, border Border) [4]uint8 {
	if math.IsNaN(sx) || math.IsNaN(sy) || math.IsInf(sx, 0) || math.IsInf(sy, 0) {
		return [4]uint8{}
	}
	x0, y0 := math.Floor(sx), math.Floor(sy)
	fx, fy := sx-x0, sy-y0
	ix, iy := int(x0), int(y0)

	weights := [4]float64{(1 - fx) * (1 - fy), fx * (1 - fy), (1 - fx) * fy, fx * fy}
	offsets := [4][2]int{{0, 0}, {1, 0}, {0, 1}, {1, 1}}

	var acc [4]float64
	hit := false
	for k, off := range offsets {
		if weights[k] == 0 {
			continue
		}
		p, ok := pixelAt(in, ix+off[0], iy+off[1], border)
		if !ok {
			continue
		}
		hit = true
		for c := 0; c < 4; c++ {
			acc[c] += weights[k] * p[c]
		}
	}
	if !hit {
		return [4]uint8{}
	}
	var out [4]uint8
	for c := 0; c < 4; c++ {
		out[c] = clampUint8(acc[c])
	}
	return out
}

func clampUint8(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
