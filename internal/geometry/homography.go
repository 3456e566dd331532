// Package geometry holds the planar projective math used to align the right
// camera onto the left one: the 3x3 homography, its least-squares estimation
// from point correspondences, and perspective resampling of images.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
)

var (
	// ErrInsufficientCorrespondences is returned when fewer than MinCorrespondences
	// point pairs are available.
	ErrInsufficientCorrespondences = errors.New("insufficient correspondences")
	// ErrDegenerate is returned when the point configuration does not determine a
	// unique, invertible homography (coincident or collinear points).
	ErrDegenerate = errors.New("degenerate correspondence configuration")
)

// MinCorrespondences is the number of point pairs needed to determine a homography.
const MinCorrespondences = 4

// Homography is a 3x3 matrix mapping right-image points onto left-image
// points. Indices are [row][column].
type Homography [3][3]float64

// Identity returns the identity transform.
func Identity() Homography {
	return Homography{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// Apply maps pt through the homography.
func (h Homography) Apply(pt r2.Point) r2.Point {
	x := h[0][0]*pt.X + h[0][1]*pt.Y + h[0][2]
	y := h[1][0]*pt.X + h[1][1]*pt.Y + h[1][2]
	z := h[2][0]*pt.X + h[2][1]*pt.Y + h[2][2]
	return r2.Point{X: x / z, Y: y / z}
}

// Det returns the determinant.
func (h Homography) Det() float64 {
	return h[0][0]*(h[1][1]*h[2][2]-h[1][2]*h[2][1]) -
		h[0][1]*(h[1][0]*h[2][2]-h[1][2]*h[2][0]) +
		h[0][2]*(h[1][0]*h[2][1]-h[1][1]*h[2][0])
}

// Inverse returns the inverse transform, normalized so the bottom-right
// element is one when possible.
func (h Homography) Inverse() (Homography, error) {
	det := h.Det()
	if math.Abs(det) < 1e-14 || math.IsNaN(det) {
		return Homography{}, fmt.Errorf("invert homography: %w", ErrDegenerate)
	}
	var inv Homography
	inv[0][0] = (h[1][1]*h[2][2] - h[1][2]*h[2][1]) / det
	inv[0][1] = (h[0][2]*h[2][1] - h[0][1]*h[2][2]) / det
	inv[0][2] = (h[0][1]*h[1][2] - h[0][2]*h[1][1]) / det
	inv[1][0] = (h[1][2]*h[2][0] - h[1][0]*h[2][2]) / det
	inv[1][1] = (h[0][0]*h[2][2] - h[0][2]*h[2][0]) / det
	inv[1][2] = (h[0][2]*h[1][0] - h[0][0]*h[1][2]) / det
	inv[2][0] = (h[1][0]*h[2][1] - h[1][1]*h[2][0]) / det
	inv[2][1] = (h[0][1]*h[2][0] - h[0][0]*h[2][1]) / det
	inv[2][2] = (h[0][0]*h[1][1] - h[0][1]*h[1][0]) / det
	return inv.Normalized(), nil
}

// Normalized scales h so that h[2][2] == 1. Transforms whose last element is
// zero are returned unchanged.
func (h Homography) Normalized() Homography {
	s := h[2][2]
	if s == 0 || math.IsNaN(s) {
		return h
	}
	var out Homography
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r][c] = h[r][c] / s
		}
	}
	return out
}

// Mul returns h*o.
func (h Homography) Mul(o Homography) Homography {
	var out Homography
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			for k := 0; k < 3; k++ {
				out[r][c] += h[r][k] * o[k][c]
			}
		}
	}
	return out
}

// Flatten returns the nine elements in row-major order.
func (h Homography) Flatten() []float64 {
	out := make([]float64, 0, 9)
	for r := 0; r < 3; r++ {
		out = append(out, h[r][0], h[r][1], h[r][2])
	}
	return out
}

// FromSlice builds a Homography from nine row-major values.
func FromSlice(data []float64) (Homography, error) {
	if len(data) != 9 {
		return Homography{}, fmt.Errorf("homography needs 9 values, got %d", len(data))
	}
	var h Homography
	for i, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Homography{}, fmt.Errorf("homography value %d is not finite", i)
		}
		h[i/3][i%3] = v
	}
	return h, nil
}

// ApproxEqual reports whether two transforms agree element-wise within tol
// after normalization.
func (h Homography) ApproxEqual(o Homography, tol float64) bool {
	a, b := h.Normalized(), o.Normalized()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			if math.Abs(a[r][c]-b[r][c]) > tol {
				return false
			}
		}
	}
	return true
}

// ReprojectionError maps every src point through h and returns the RMS and
// maximum Euclidean distance to the matching dst point.
func ReprojectionError(h Homography, src, dst []r2.Point) (rms, maxErr float64) {
	n := len(src)
	if len(dst) < n {
		n = len(dst)
	}
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := h.Apply(src[i]).Sub(dst[i]).Norm()
		sum += d * d
		if d > maxErr {
			maxErr = d
		}
	}
	return math.Sqrt(sum / float64(n)), maxErr
}
