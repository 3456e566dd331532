package geometry

import "github.com/golang/geo/r2"

// ShiftX returns pts with dx added to every x coordinate. The input is not
// modified.
func ShiftX(pts []r2.Point, dx float64) []r2.Point {
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i] = r2.Point{X: p.X + dx, Y: p.Y}
	}
	return out
}

// Centroid returns the mean of pts.
func Centroid(pts []r2.Point) r2.Point {
	if len(pts) == 0 {
		return r2.Point{}
	}
	var c r2.Point
	for _, p := range pts {
		c = c.Add(p)
	}
	return c.Mul(1 / float64(len(pts)))
}

// Collinear reports whether all points lie (numerically) on one line,
// including the case where they all coincide.
func Collinear(pts []r2.Point) bool {
	if len(pts) < 3 {
		return true
	}
	c := Centroid(pts)
	var sxx, syy, sxy float64
	for _, p := range pts {
		d := p.Sub(c)
		sxx += d.X * d.X
		syy += d.Y * d.Y
		sxy += d.X * d.Y
	}
	trace := sxx + syy
	if trace == 0 {
		return true
	}
	det := sxx*syy - sxy*sxy
	// det/trace^2 is scale invariant and zero exactly when one principal
	// axis has no spread.
	return det/(trace*trace) < 1e-12
}
