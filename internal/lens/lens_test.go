package lens

import (
	"errors"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"stereostitch/internal/artifact"
	"stereostitch/internal/logging"
	"stereostitch/internal/target"
)

var testCamera = Intrinsics{Fx: 500, Fy: 480, Cx: 320, Cy: 240}

func TestDistortionInvertRoundTrip(t *testing.T) {
	d := Distortion{K1: -0.21, K2: 0.05, P1: 0.001, P2: -0.0015, K3: -0.004}
	for _, p := range []r2.Point{{X: 0, Y: 0}, {X: 0.3, Y: -0.2}, {X: -0.45, Y: 0.35}} {
		got := d.Invert(d.Apply(p))
		if math.Abs(got.X-p.X) > 1e-8 || math.Abs(got.Y-p.Y) > 1e-8 {
			t.Fatalf("invert(apply(%v)) = %v", p, got)
		}
	}
}

func TestZeroDistortionIsIdentity(t *testing.T) {
	m := NewModel(image.Pt(640, 480), testCamera, Distortion{}, true)
	if math.Abs(m.Undistorted.Fx-testCamera.Fx) > 1e-6 || math.Abs(m.Undistorted.Cx-testCamera.Cx) > 1e-6 {
		t.Fatalf("fill frame without distortion should keep the camera, got %+v", m.Undistorted)
	}

	src := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			src.Set(x, y, color.RGBA{uint8(x), uint8(y), 7, 255})
		}
	}
	out, err := m.Undistort(src)
	if err != nil {
		t.Fatalf("undistort: %v", err)
	}
	for _, p := range []image.Point{{0, 0}, {100, 50}, {639, 479}} {
		if got, want := out.At(p.X, p.Y), src.At(p.X, p.Y); got != want {
			t.Fatalf("pixel %v changed: %v != %v", p, got, want)
		}
	}
}

func TestFillFrameKeepsCornersInside(t *testing.T) {
	m := NewModel(image.Pt(640, 480), testCamera, Distortion{K1: -0.3, K2: 0.1}, true)
	for _, p := range []r2.Point{{X: 0, Y: 0}, {X: 639, Y: 0}, {X: 0, Y: 479}, {X: 639, Y: 479}} {
		raw := m.DistortPoint(p)
		if raw.X < -0.5 || raw.Y < -0.5 || raw.X > 639.5 || raw.Y > 479.5 {
			t.Fatalf("corner %v samples outside the raw image at %v", p, raw)
		}
	}
	back := m.UndistortPoint(m.DistortPoint(r2.Point{X: 200, Y: 150}))
	if math.Abs(back.X-200) > 1e-6 || math.Abs(back.Y-150) > 1e-6 {
		t.Fatalf("point round trip drifted to %v", back)
	}
}

func TestUndistortRejectsSizeMismatch(t *testing.T) {
	m := NewModel(image.Pt(640, 480), testCamera, Distortion{}, true)
	if _, err := m.Undistort(image.NewRGBA(image.Rect(0, 0, 320, 240))); err == nil {
		t.Fatalf("expected size mismatch error")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "distortion_L.yml")
	m := NewModel(image.Pt(640, 480), testCamera, Distortion{K1: -0.2, P2: 0.001}, true)
	m.RMS = 0.31
	m.Samples = 12
	if err := m.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if *got != *m {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, m)
	}
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "distortion_R.yml")
	if err := os.WriteFile(path, []byte("%YAML:1.0\nimageSize_width: 640\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, artifact.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist, got %v", err)
	}
}

// boardDetector projects the board through a fixed camera, one pose per
// call, optionally perturbing selected views.
type boardDetector struct {
	settings target.Settings
	poses    []Pose
	noisy    map[int]float64
	calls    int
}

func (d *boardDetector) Name() string { return "synthetic" }

func (d *boardDetector) FindBoard(img image.Image) ([]r2.Point, error) {
	i := d.calls
	d.calls++
	if i >= len(d.poses) {
		return nil, nil
	}
	var pts []r2.Point
	for _, obj := range d.settings.ObjectPoints() {
		p := ProjectPoint(obj, d.poses[i], testCamera, Distortion{})
		p.X += d.noisy[i]
		pts = append(pts, p)
	}
	return pts, nil
}

// fixedSolver returns the true camera and poses for whatever views remain.
type fixedSolver struct {
	poses []Pose
	calls int
}

func (s *fixedSolver) Name() string { return "fixed" }

func (s *fixedSolver) Calibrate(views []View, size image.Point) (Calibration, error) {
	s.calls++
	poses := make([]Pose, len(views))
	copy(poses, s.poses)
	return Calibration{Camera: testCamera, RMS: 0.1, Poses: poses}, nil
}

func TestFitterCleanDropsNoisyViews(t *testing.T) {
	settings := target.Settings{XCount: 4, YCount: 3, SquareSize: 10}
	poses := []Pose{
		{Translation: r3.Vector{X: -20, Y: -10, Z: 300}},
		{Rotation: r3.Vector{X: 0.1}, Translation: r3.Vector{X: -10, Y: -10, Z: 280}},
		{Rotation: r3.Vector{Y: -0.1}, Translation: r3.Vector{X: -15, Y: -5, Z: 320}},
	}
	det := &boardDetector{settings: settings, poses: poses, noisy: map[int]float64{2: 8}}
	solver := &fixedSolver{poses: poses}
	f := NewFitter(settings, det, solver, logging.Discard())

	frame := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for i := 0; i < 4; i++ {
		if _, err := f.Add(frame); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if f.Len() != 3 {
		t.Fatalf("expected 3 accepted views, got %d", f.Len())
	}

	m, err := f.Calibrate()
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if m.Samples != 3 || m.Width != 640 {
		t.Fatalf("unexpected model %+v", m)
	}

	errs, err := f.ViewErrors()
	if err != nil {
		t.Fatal(err)
	}
	if errs[0] > 1e-6 || errs[2] < 7 {
		t.Fatalf("unexpected view errors %v", errs)
	}

	m, err = f.Clean(2)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if m.Samples != 2 || f.Len() != 2 {
		t.Fatalf("expected noisy view removed, samples=%d len=%d", m.Samples, f.Len())
	}
	if solver.calls != 2 {
		t.Fatalf("expected a refit after cleaning, solver called %d times", solver.calls)
	}
}

func TestFitterRejectsSizeChangeAndEmpty(t *testing.T) {
	settings := target.Settings{XCount: 3, YCount: 3, SquareSize: 1}
	det := &boardDetector{settings: settings, poses: []Pose{
		{Translation: r3.Vector{Z: 50}},
		{Translation: r3.Vector{Z: 60}},
	}}
	f := NewFitter(settings, det, &fixedSolver{}, logging.Discard())

	if _, err := f.Calibrate(); !errors.Is(err, ErrNoSamples) {
		t.Fatalf("expected ErrNoSamples, got %v", err)
	}
	if ok, err := f.Add(image.NewRGBA(image.Rect(0, 0, 64, 48))); !ok || err != nil {
		t.Fatalf("first add: ok=%v err=%v", ok, err)
	}
	if _, err := f.Add(image.NewRGBA(image.Rect(0, 0, 32, 24))); err == nil {
		t.Fatalf("expected size mismatch error")
	}
}

func TestRotateQuarterTurn(t *testing.T) {
	got := Rotate(r3.Vector{Z: math.Pi / 2}, r3.Vector{X: 1})
	if math.Abs(got.X) > 1e-12 || math.Abs(got.Y-1) > 1e-12 {
		t.Fatalf("expected (0,1,0), got %v", got)
	}
}
