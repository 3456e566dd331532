package lens

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"stereostitch/internal/target"
)

// ErrNoSamples is returned when calibration is attempted without any view
// in which the board was found.
var ErrNoSamples = errors.New("no usable calibration samples")

// View is one detected board: object points on the board plane and the
// matching image points.
type View struct {
	Object []r3.Vector
	Image  []r2.Point
}

// Pose is a board pose relative to the camera. Rotation is a Rodrigues
// vector.
type Pose struct {
	Rotation    r3.Vector
	Translation r3.Vector
}

// Calibration is what a CameraSolver estimates from a set of views.
type Calibration struct {
	Camera     Intrinsics
	Distortion Distortion
	RMS        float64
	Poses      []Pose
}

// CameraSolver estimates intrinsics and distortion from board views.
type CameraSolver interface {
	Name() string
	Calibrate(views []View, size image.Point) (Calibration, error)
}

// Fitter accumulates board views of one camera and fits its model.
type Fitter struct {
	settings  target.Settings
	detector  target.Detector
	solver    CameraSolver
	fillFrame bool
	logger    *slog.Logger

	size  image.Point
	views []View
	calib *Calibration
}

// NewFitter creates a frame-filling fitter for the given board.
func NewFitter(settings target.Settings, detector target.Detector, solver CameraSolver, logger *slog.Logger) *Fitter {
	return &Fitter{
		settings:  settings,
		detector:  detector,
		solver:    solver,
		fillFrame: true,
		logger:    logger,
	}
}

// SetFillFrame toggles the frame-filling corrected camera matrix.
func (f *Fitter) SetFillFrame(fill bool) {
	f.fillFrame = fill
}

// Len returns the number of accepted views.
func (f *Fitter) Len() int {
	return len(f.views)
}

// Add looks for the board in img and keeps the view when a complete board
// is found. Images whose size differs from the first accepted one are
// rejected.
func (f *Fitter) Add(img image.Image) (bool, error) {
	size := img.Bounds().Size()
	if len(f.views) > 0 && size != f.size {
		return false, fmt.Errorf("image size %v differs from calibration size %v", size, f.size)
	}
	pts, err := f.detector.FindBoard(img)
	if err != nil {
		return false, fmt.Errorf("find board: %w", err)
	}
	if len(pts) != f.settings.PointCount() {
		return false, nil
	}
	if len(f.views) == 0 {
		f.size = size
	}
	f.views = append(f.views, View{Object: f.settings.ObjectPoints(), Image: pts})
	f.calib = nil
	return true, nil
}

// Calibrate fits the model to every accepted view.
func (f *Fitter) Calibrate() (*Model, error) {
	if len(f.views) == 0 {
		return nil, ErrNoSamples
	}
	calib, err := f.solver.Calibrate(f.views, f.size)
	if err != nil {
		return nil, fmt.Errorf("%s calibrate: %w", f.solver.Name(), err)
	}
	if len(calib.Poses) != len(f.views) {
		return nil, fmt.Errorf("%s returned %d poses for %d views", f.solver.Name(), len(calib.Poses), len(f.views))
	}
	f.calib = &calib

	m := NewModel(f.size, calib.Camera, calib.Distortion, f.fillFrame)
	m.RMS = calib.RMS
	m.Samples = len(f.views)
	return m, nil
}

// ViewErrors returns the RMS reprojection error of each view under the last
// calibration.
func (f *Fitter) ViewErrors() ([]float64, error) {
	if f.calib == nil {
		return nil, errors.New("not calibrated")
	}
	errs := make([]float64, len(f.views))
	for i, v := range f.views {
		errs[i] = viewError(v, f.calib.Poses[i], f.calib.Camera, f.calib.Distortion)
	}
	return errs, nil
}

// Clean drops views whose reprojection error exceeds maxErr and refits.
// When nothing is dropped the current fit is kept. Calibrate must have been
// called first.
func (f *Fitter) Clean(maxErr float64) (*Model, error) {
	errs, err := f.ViewErrors()
	if err != nil {
		return nil, err
	}

	kept := f.views[:0]
	removed := 0
	for i, v := range f.views {
		if errs[i] > maxErr {
			f.logger.Debug("dropping calibration view", "view", i, "error_px", errs[i], "max_px", maxErr)
			removed++
			continue
		}
		kept = append(kept, v)
	}
	f.views = kept
	if removed > 0 {
		f.logger.Info("cleaned calibration views", "removed", removed, "remaining", len(f.views))
	}
	if len(f.views) == 0 {
		return nil, ErrNoSamples
	}
	if removed == 0 {
		m := NewModel(f.size, f.calib.Camera, f.calib.Distortion, f.fillFrame)
		m.RMS = f.calib.RMS
		m.Samples = len(f.views)
		return m, nil
	}
	return f.Calibrate()
}

func viewError(v View, pose Pose, camera Intrinsics, dist Distortion) float64 {
	if len(v.Object) == 0 {
		return 0
	}
	var sum float64
	for i, obj := range v.Object {
		p := ProjectPoint(obj, pose, camera, dist)
		d := p.Sub(v.Image[i])
		sum += d.Dot(d)
	}
	return math.Sqrt(sum / float64(len(v.Object)))
}

// ProjectPoint projects a board point into the raw image.
func ProjectPoint(obj r3.Vector, pose Pose, camera Intrinsics, dist Distortion) r2.Point {
	c := Rotate(pose.Rotation, obj).Add(pose.Translation)
	if c.Z == 0 {
		return r2.Point{X: math.Inf(1), Y: math.Inf(1)}
	}
	n := r2.Point{X: c.X / c.Z, Y: c.Y / c.Z}
	return camera.Project(dist.Apply(n))
}

// Rotate applies a Rodrigues rotation vector to v.
func Rotate(rvec, v r3.Vector) r3.Vector {
	theta := rvec.Norm()
	if theta < 1e-12 {
		return v
	}
	k := rvec.Mul(1 / theta)
	cos, sin := math.Cos(theta), math.Sin(theta)
	return v.Mul(cos).Add(k.Cross(v).Mul(sin)).Add(k.Mul(k.Dot(v) * (1 - cos)))
}
