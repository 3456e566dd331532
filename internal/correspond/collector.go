package correspond

import (
	"context"
	"fmt"
	"image"
	"log/slog"

	"github.com/golang/geo/r2"

	"stereostitch/internal/imageio"
	"stereostitch/internal/target"
)

// Undistorter corrects a frame before detection. *lens.Model satisfies it.
type Undistorter interface {
	Undistort(img image.Image) (image.Image, error)
}

// Report summarizes one collection pass.
type Report struct {
	Pairs      int `json:"pairs"`
	Accepted   int `json:"accepted"`
	Discarded  int `json:"discarded"`
	Unreadable int `json:"unreadable"`
	Points     int `json:"points"`
}

// Collector finds the board in calibration pairs and accumulates the
// detected corners as correspondences.
type Collector struct {
	Detector target.Detector
	Codec    imageio.Codec
	// Left and Right undistort frames before detection when set.
	Left   Undistorter
	Right  Undistorter
	Logger *slog.Logger
}

// Collect walks the pairs (left[i], right[i]). A pair contributes only when
// the board is found on both sides with the same number of points; every
// other pair is discarded. Only the common prefix of unequal lists is used.
func (c *Collector) Collect(ctx context.Context, left, right []string) (*Set, Report, error) {
	n := len(left)
	if len(right) != n {
		c.Logger.Warn("calibration directories differ in length, using common prefix",
			"left", len(left), "right", len(right))
		n = min(len(left), len(right))
	}

	var (
		set    *Set
		report Report
	)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}
		report.Pairs++
		c.Logger.Info("calibration pair", "progress", fmt.Sprintf("%d/%d", i+1, n),
			"left", left[i], "right", right[i])

		l, err := c.load(left[i], c.Left)
		if err != nil {
			c.Logger.Warn("skipping unreadable calibration frame", "path", left[i], "error", err)
			report.Unreadable++
			continue
		}
		r, err := c.load(right[i], c.Right)
		if err != nil {
			c.Logger.Warn("skipping unreadable calibration frame", "path", right[i], "error", err)
			report.Unreadable++
			continue
		}

		width := float64(l.Bounds().Dx())
		if set != nil && width != set.Offset {
			c.Logger.Warn("discarding pair with different left width", "index", i,
				"width", width, "expected", set.Offset)
			report.Discarded++
			continue
		}

		lp, err := c.Detector.FindBoard(l)
		if err != nil {
			c.Logger.Warn("discarding pair, detection failed", "index", i, "path", left[i], "error", err)
			report.Discarded++
			continue
		}
		rp, err := c.Detector.FindBoard(r)
		if err != nil {
			c.Logger.Warn("discarding pair, detection failed", "index", i, "path", right[i], "error", err)
			report.Discarded++
			continue
		}
		if len(lp) == 0 || len(lp) != len(rp) {
			c.Logger.Warn("discarding pair with inconsistent detection", "index", i,
				"left_points", len(lp), "right_points", len(rp))
			report.Discarded++
			continue
		}

		if set == nil {
			set = NewSet(width)
		}
		shift := r2.Point{X: set.Offset}
		for k := range lp {
			set.Append(lp[k], rp[k].Add(shift))
		}
		report.Accepted++
	}

	if set == nil {
		set = NewSet(0)
	}
	report.Points = set.Len()
	return set, report, nil
}

func (c *Collector) load(path string, u Undistorter) (image.Image, error) {
	img, err := c.Codec.Decode(path)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return img, nil
	}
	return u.Undistort(img)
}
