//go:build !cgo || noopencv

package opencv

import (
	"image"

	"github.com/golang/geo/r2"

	"stereostitch/internal/geometry"
	"stereostitch/internal/lens"
	"stereostitch/internal/target"
)

// Available reports whether OpenCV is linked in.
func Available() bool { return false }

// Version returns the linked OpenCV version.
func Version() string { return "" }

type ChessboardDetector struct{}

func NewChessboardDetector(target.Settings) *ChessboardDetector { return &ChessboardDetector{} }

func (d *ChessboardDetector) Name() string { return EngineName }

func (d *ChessboardDetector) FindBoard(image.Image) ([]r2.Point, error) {
	return nil, ErrUnavailable
}

type CameraSolver struct{}

func NewCameraSolver() *CameraSolver { return &CameraSolver{} }

func (s *CameraSolver) Name() string { return EngineName }

func (s *CameraSolver) Calibrate([]lens.View, image.Point) (lens.Calibration, error) {
	return lens.Calibration{}, ErrUnavailable
}

type HomographySolver struct{}

func NewHomographySolver() *HomographySolver { return &HomographySolver{} }

func (s *HomographySolver) Name() string { return EngineName }

func (s *HomographySolver) Solve([]r2.Point, []r2.Point) (geometry.Homography, error) {
	return geometry.Homography{}, ErrUnavailable
}

type Warper struct{}

func NewWarper() *Warper { return &Warper{} }

func (w *Warper) Name() string { return EngineName }

func (w *Warper) Warp(image.Image, geometry.Homography, image.Point, geometry.Interpolation) (image.Image, error) {
	return nil, ErrUnavailable
}
