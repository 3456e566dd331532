// Package target describes the printed calibration board both cameras look
// at and the detector contract used to find it.
package target

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"stereostitch/internal/artifact"
)

// PatternType is the closed set of supported boards.
type PatternType int

const (
	Chessboard PatternType = iota
	CirclesGrid
	AsymmetricCirclesGrid
)

// PinnedPattern is the board every detector is configured with. The
// patternType field of the settings file is parsed and reported but not
// applied; detection always uses a chessboard.
const PinnedPattern = Chessboard

func (p PatternType) String() string {
	switch p {
	case Chessboard:
		return "chessboard"
	case CirclesGrid:
		return "circles_grid"
	case AsymmetricCirclesGrid:
		return "asymmetric_circles_grid"
	default:
		return fmt.Sprintf("pattern(%d)", int(p))
	}
}

// Valid reports whether p is one of the known boards.
func (p PatternType) Valid() bool {
	return p >= Chessboard && p <= AsymmetricCirclesGrid
}

// Settings mirrors target_settings.yml.
type Settings struct {
	XCount      int         `yaml:"xCount"`
	YCount      int         `yaml:"yCount"`
	SquareSize  float64     `yaml:"squareSize"`
	PatternType PatternType `yaml:"patternType"`
}

// Default is used when no readable settings file exists: a 9x6 inner-corner
// chessboard with unit squares.
func Default() Settings {
	return Settings{XCount: 9, YCount: 6, SquareSize: 1, PatternType: Chessboard}
}

// Validate checks the board geometry.
func (s Settings) Validate() error {
	if s.XCount < 2 || s.YCount < 2 {
		return fmt.Errorf("board needs at least 2x2 points, got %dx%d", s.XCount, s.YCount)
	}
	if s.SquareSize <= 0 {
		return fmt.Errorf("squareSize must be positive, got %g", s.SquareSize)
	}
	if !s.PatternType.Valid() {
		return fmt.Errorf("unknown patternType %d", int(s.PatternType))
	}
	return nil
}

// PatternSize is the number of points per row and column.
func (s Settings) PatternSize() image.Point {
	return image.Pt(s.XCount, s.YCount)
}

// PointCount is the number of points a full detection yields.
func (s Settings) PointCount() int {
	return s.XCount * s.YCount
}

// EffectivePattern is the board detection actually runs with.
func (s Settings) EffectivePattern() PatternType {
	return PinnedPattern
}

// ObjectPoints lays out the board in its own plane (z = 0), row-major in the
// same order detectors report corners, scaled by SquareSize.
func (s Settings) ObjectPoints() []r3.Vector {
	pts := make([]r3.Vector, 0, s.PointCount())
	for y := 0; y < s.YCount; y++ {
		for x := 0; x < s.XCount; x++ {
			pts = append(pts, r3.Vector{X: float64(x) * s.SquareSize, Y: float64(y) * s.SquareSize})
		}
	}
	return pts
}

// Load reads and validates a settings file. Errors match os.ErrNotExist or
// artifact.ErrMalformed.
func Load(path string) (Settings, error) {
	s := Settings{PatternType: Chessboard}
	if err := artifact.ReadYAML(path, &s); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("%w: %s: %v", artifact.ErrMalformed, path, err)
	}
	return s, nil
}

// LoadOrDefault returns the settings at path, or Default when the file is
// missing or unreadable.
func LoadOrDefault(path string, logger *slog.Logger) Settings {
	s, err := Load(path)
	switch {
	case err == nil:
		if s.PatternType != PinnedPattern {
			logger.Warn("patternType in settings is ignored; detection is pinned",
				"configured", s.PatternType.String(), "used", PinnedPattern.String())
		}
		return s
	case errors.Is(err, os.ErrNotExist):
		logger.Warn("target settings not found, using defaults", "path", path)
	default:
		logger.Warn("target settings unreadable, using defaults", "path", path, "error", err)
	}
	return Default()
}

// Save writes s in the settings file layout.
func (s Settings) Save(path string) error {
	return artifact.WriteYAML(path, s)
}

// Detector finds the calibration board in an image. An image without a
// board yields no points and no error.
type Detector interface {
	Name() string
	FindBoard(img image.Image) ([]r2.Point, error)
}
