// Package magick adapts ImageMagick (through imagick) to the warper and
// codec interfaces.
package magick

import (
	"errors"
	"fmt"

	"stereostitch/internal/geometry"
)

// ErrUnavailable is returned when the binary was built without ImageMagick.
var ErrUnavailable = errors.New("imagemagick support not compiled in; rebuild with CGO_ENABLED=1 and without the nomagick tag")

// EngineName is the tool name used in configuration.
const EngineName = "imagemagick"

// PerspectiveArgs returns the eight PerspectiveProjection coefficients for
// h, which maps source to destination.
func PerspectiveArgs(h geometry.Homography) ([]float64, error) {
	if h[2][2] == 0 {
		return nil, fmt.Errorf("homography has zero scale: %w", geometry.ErrDegenerate)
	}
	n := h.Normalized()
	return []float64{n[0][0], n[0][1], n[0][2], n[1][0], n[1][1], n[1][2], n[2][0], n[2][1]}, nil
}

// Viewport formats the distort:viewport artifact for an output size.
func Viewport(w, h int) string {
	return fmt.Sprintf("%dx%d+0+0", w, h)
}
