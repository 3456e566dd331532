// Package lens holds the per-camera distortion model: pinhole intrinsics
// plus Brown-Conrady coefficients, the frame-filling undistortion built from
// them and the fitter that estimates them from views of the target.
package lens

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/golang/geo/r2"

	"stereostitch/internal/geometry"
)

// Intrinsics are pinhole focal lengths and principal point in pixels.
type Intrinsics struct {
	Fx float64
	Fy float64
	Cx float64
	Cy float64
}

// Project maps a normalized image-plane point to pixels.
func (k Intrinsics) Project(p r2.Point) r2.Point {
	return r2.Point{X: k.Fx*p.X + k.Cx, Y: k.Fy*p.Y + k.Cy}
}

// Normalize maps a pixel to the normalized image plane.
func (k Intrinsics) Normalize(p r2.Point) r2.Point {
	return r2.Point{X: (p.X - k.Cx) / k.Fx, Y: (p.Y - k.Cy) / k.Fy}
}

// Matrix returns the 3x3 camera matrix in row-major order.
func (k Intrinsics) Matrix() []float64 {
	return []float64{k.Fx, 0, k.Cx, 0, k.Fy, k.Cy, 0, 0, 1}
}

func intrinsicsFromMatrix(data []float64) (Intrinsics, error) {
	if len(data) != 9 {
		return Intrinsics{}, fmt.Errorf("camera matrix needs 9 values, got %d", len(data))
	}
	return Intrinsics{Fx: data[0], Fy: data[4], Cx: data[2], Cy: data[5]}, nil
}

func (k Intrinsics) valid() bool {
	for _, v := range []float64{k.Fx, k.Fy, k.Cx, k.Cy} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return k.Fx > 0 && k.Fy > 0
}

// Distortion holds Brown-Conrady coefficients in OpenCV order.
type Distortion struct {
	K1 float64
	K2 float64
	P1 float64
	P2 float64
	K3 float64
}

// Coefficients returns k1, k2, p1, p2, k3.
func (d Distortion) Coefficients() []float64 {
	return []float64{d.K1, d.K2, d.P1, d.P2, d.K3}
}

func distortionFromCoefficients(c []float64) (Distortion, error) {
	if len(c) == 0 || len(c) > 5 {
		return Distortion{}, fmt.Errorf("expected 1 to 5 distortion coefficients, got %d", len(c))
	}
	full := make([]float64, 5)
	copy(full, c)
	for _, v := range full {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Distortion{}, errors.New("distortion coefficients must be finite")
		}
	}
	return Distortion{K1: full[0], K2: full[1], P1: full[2], P2: full[3], K3: full[4]}, nil
}

// Apply distorts a normalized undistorted point.
func (d Distortion) Apply(p r2.Point) r2.Point {
	x, y := p.X, p.Y
	rr := x*x + y*y
	radial := 1 + d.K1*rr + d.K2*rr*rr + d.K3*rr*rr*rr
	return r2.Point{
		X: x*radial + 2*d.P1*x*y + d.P2*(rr+2*x*x),
		Y: y*radial + 2*d.P2*x*y + d.P1*(rr+2*y*y),
	}
}

// Invert finds the undistorted normalized point that Apply maps to p, by
// Newton-Raphson on the forward model.
func (d Distortion) Invert(p r2.Point) r2.Point {
	const (
		maxIterations = 20
		tolerance     = 1e-10
	)
	xu, yu := p.X, p.Y
	for i := 0; i < maxIterations; i++ {
		rr := xu*xu + yu*yu
		radial := 1 + d.K1*rr + d.K2*rr*rr + d.K3*rr*rr*rr
		est := d.Apply(r2.Point{X: xu, Y: yu})
		ex, ey := est.X-p.X, est.Y-p.Y
		if ex*ex+ey*ey < tolerance*tolerance {
			break
		}

		dRad := d.K1 + 2*d.K2*rr + 3*d.K3*rr*rr
		dRadX := 2 * xu * dRad
		dRadY := 2 * yu * dRad

		jxx := radial + xu*dRadX + 2*d.P1*yu + 6*d.P2*xu
		jxy := xu*dRadY + 2*d.P1*xu + 2*d.P2*yu
		jyx := yu*dRadX + 2*d.P2*yu + 2*d.P1*xu
		jyy := radial + yu*dRadY + 2*d.P2*xu + 6*d.P1*yu

		det := jxx*jyy - jxy*jyx
		if det == 0 {
			break
		}
		xu -= (jyy*ex - jxy*ey) / det
		yu -= (-jyx*ex + jxx*ey) / det
	}
	return r2.Point{X: xu, Y: yu}
}

// Model is the fitted distortion model of one camera.
type Model struct {
	Width      int
	Height     int
	Camera     Intrinsics
	Distortion Distortion
	// Undistorted is the camera matrix of the corrected image. With
	// FillFrame it is chosen so only valid pixels are visible.
	Undistorted Intrinsics
	FillFrame   bool
	RMS         float64
	Samples     int
}

// NewModel builds a model for an image size and derives the corrected
// camera matrix.
func NewModel(size image.Point, camera Intrinsics, dist Distortion, fillFrame bool) *Model {
	m := &Model{
		Width:      size.X,
		Height:     size.Y,
		Camera:     camera,
		Distortion: dist,
		FillFrame:  fillFrame,
	}
	if fillFrame {
		m.Undistorted = m.fillFrameIntrinsics()
	} else {
		m.Undistorted = camera
	}
	return m
}

// Size returns the calibrated image size.
func (m *Model) Size() image.Point {
	return image.Pt(m.Width, m.Height)
}

// Validate checks a model read from disk.
func (m *Model) Validate() error {
	if m.Width <= 0 || m.Height <= 0 {
		return fmt.Errorf("invalid image size %dx%d", m.Width, m.Height)
	}
	if !m.Camera.valid() {
		return errors.New("invalid camera matrix")
	}
	if !m.Undistorted.valid() {
		return errors.New("invalid undistorted camera matrix")
	}
	return nil
}

// UndistortPoint maps a distorted pixel to its position in the corrected
// image.
func (m *Model) UndistortPoint(p r2.Point) r2.Point {
	n := m.Distortion.Invert(m.Camera.Normalize(p))
	return m.Undistorted.Project(n)
}

// DistortPoint maps a pixel of the corrected image back to the raw image.
func (m *Model) DistortPoint(p r2.Point) r2.Point {
	n := m.Distortion.Apply(m.Undistorted.Normalize(p))
	return m.Camera.Project(n)
}

// Undistort resamples img into the corrected image of the same size.
// Edge pixels are clamped so a frame-filling model never shows a border.
func (m *Model) Undistort(img image.Image) (image.Image, error) {
	if img == nil {
		return nil, errors.New("input image is nil")
	}
	b := img.Bounds()
	if b.Dx() != m.Width || b.Dy() != m.Height {
		return nil, fmt.Errorf("image size %dx%d does not match calibration %dx%d", b.Dx(), b.Dy(), m.Width, m.Height)
	}
	remap := func(x, y float64) (float64, float64) {
		p := m.DistortPoint(r2.Point{X: x, Y: y})
		return p.X, p.Y
	}
	return geometry.Remap(img, m.Size(), remap, geometry.InterpolationBilinear, geometry.BorderReplicate), nil
}

// fillFrameIntrinsics undistorts a grid over the raw image and scales the
// largest axis-aligned rectangle inside the valid region to the full output.
func (m *Model) fillFrameIntrinsics() Intrinsics {
	const n = 9
	w, h := float64(m.Width), float64(m.Height)
	grid := make([][]r2.Point, n)
	for row := 0; row < n; row++ {
		grid[row] = make([]r2.Point, n)
		for col := 0; col < n; col++ {
			px := r2.Point{X: float64(col) * (w - 1) / (n - 1), Y: float64(row) * (h - 1) / (n - 1)}
			grid[row][col] = m.Distortion.Invert(m.Camera.Normalize(px))
		}
	}

	x0, x1 := math.Inf(-1), math.Inf(1)
	y0, y1 := math.Inf(-1), math.Inf(1)
	for i := 0; i < n; i++ {
		x0 = math.Max(x0, grid[i][0].X)
		x1 = math.Min(x1, grid[i][n-1].X)
		y0 = math.Max(y0, grid[0][i].Y)
		y1 = math.Min(y1, grid[n-1][i].Y)
	}
	if !(x1 > x0) || !(y1 > y0) {
		return m.Camera
	}

	fx := (w - 1) / (x1 - x0)
	fy := (h - 1) / (y1 - y0)
	return Intrinsics{Fx: fx, Fy: fy, Cx: -fx * x0, Cy: -fy * y0}
}
