package geometry

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"
)

// Solver estimates the homography mapping src points onto dst points.
type Solver interface {
	Name() string
	Solve(src, dst []r2.Point) (Homography, error)
}

// CheckCorrespondences validates the inputs every solver shares.
func CheckCorrespondences(src, dst []r2.Point) error {
	if len(src) != len(dst) {
		return fmt.Errorf("point count mismatch: %d source, %d destination", len(src), len(dst))
	}
	if len(src) < MinCorrespondences {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientCorrespondences, len(src), MinCorrespondences)
	}
	if Collinear(src) || Collinear(dst) {
		return fmt.Errorf("collinear points: %w", ErrDegenerate)
	}
	return nil
}

// DLTSolver is a least-squares direct linear transform over all
// correspondences with Hartley normalization. No outlier rejection is done.
type DLTSolver struct{}

// NewDLTSolver returns the pure Go solver.
func NewDLTSolver() *DLTSolver { return &DLTSolver{} }

func (s *DLTSolver) Name() string { return "native" }

// Solve implements Solver.
func (s *DLTSolver) Solve(src, dst []r2.Point) (Homography, error) {
	if err := CheckCorrespondences(src, dst); err != nil {
		return Homography{}, err
	}

	srcN, tSrc := normalizePoints(src)
	dstN, tDst := normalizePoints(dst)

	n := len(src)
	rows := 2 * n
	if rows < 9 {
		// Pad to a square system so the null vector is always the last
		// column of V.
		rows = 9
	}
	a := mat.NewDense(rows, 9, nil)
	for i := 0; i < n; i++ {
		x, y := srcN[i].X, srcN[i].Y
		u, v := dstN[i].X, dstN[i].Y
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return Homography{}, fmt.Errorf("factorize DLT system: %w", ErrDegenerate)
	}
	values := svd.Values(nil)
	// The solution is unique only when the second-smallest singular value
	// is clearly separated from zero.
	if len(values) >= 8 && values[0] > 0 && values[7]/values[0] < 1e-10 {
		return Homography{}, fmt.Errorf("rank deficient DLT system: %w", ErrDegenerate)
	}

	var v mat.Dense
	svd.VTo(&v)
	var hn Homography
	for i := 0; i < 9; i++ {
		hn[i/3][i%3] = v.At(i, 8)
	}

	tDstInv, err := tDst.Inverse()
	if err != nil {
		return Homography{}, err
	}
	h := tDstInv.Mul(hn).Mul(tSrc)
	if math.Abs(h[2][2]) < 1e-12 {
		return Homography{}, fmt.Errorf("homography at infinity: %w", ErrDegenerate)
	}
	h = h.Normalized()
	if math.Abs(h.Det()) < 1e-12 {
		return Homography{}, fmt.Errorf("singular homography: %w", ErrDegenerate)
	}
	return h, nil
}

// normalizePoints translates pts to their centroid and scales them so the
// mean distance from the origin is sqrt(2). It returns the transformed points
// and the similarity that produced them.
func normalizePoints(pts []r2.Point) ([]r2.Point, Homography) {
	mu := Centroid(pts)
	d := 0.0
	for _, pt := range pts {
		d += pt.Sub(mu).Norm() / float64(len(pts))
	}
	scale := 1.0
	if d > 0 {
		scale = math.Sqrt2 / d
	}
	out := make([]r2.Point, len(pts))
	for i, pt := range pts {
		out[i] = r2.Point{X: scale * (pt.X - mu.X), Y: scale * (pt.Y - mu.Y)}
	}
	t := Homography{
		{scale, 0, -scale * mu.X},
		{0, scale, -scale * mu.Y},
		{0, 0, 1},
	}
	return out, t
}
