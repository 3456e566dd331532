//go:build cgo && !noopencv

package opencv

import (
	"fmt"
	"image"
	"image/color"

	"github.com/golang/geo/r2"
	"gocv.io/x/gocv"

	"stereostitch/internal/geometry"
	"stereostitch/internal/lens"
	"stereostitch/internal/target"
)

// Available reports whether OpenCV is linked in.
func Available() bool { return true }

// Version returns the linked OpenCV version.
func Version() string { return gocv.OpenCVVersion() }

// ChessboardDetector finds inner chessboard corners with sub-pixel
// refinement.
type ChessboardDetector struct {
	pattern image.Point
}

// NewChessboardDetector configures a detector for the board. The pattern
// type in settings is not consulted; detection is always chessboard.
func NewChessboardDetector(settings target.Settings) *ChessboardDetector {
	return &ChessboardDetector{pattern: settings.PatternSize()}
}

func (d *ChessboardDetector) Name() string { return EngineName }

// FindBoard returns the corners row by row, or nil when the board is not
// fully visible.
func (d *ChessboardDetector) FindBoard(img image.Image) ([]r2.Point, error) {
	gray, err := grayMat(img)
	if err != nil {
		return nil, err
	}
	defer gray.Close()

	corners := gocv.NewMat()
	defer corners.Close()

	flags := gocv.CalibCBAdaptiveThresh | gocv.CalibCBNormalizeImage | gocv.CalibCBFastCheck
	if !gocv.FindChessboardCorners(gray, d.pattern, &corners, flags) {
		return nil, nil
	}

	criteria := gocv.NewTermCriteria(gocv.Count|gocv.EPS, 30, 0.1)
	gocv.CornerSubPix(gray, &corners, image.Pt(11, 11), image.Pt(-1, -1), criteria)

	pts := make([]r2.Point, 0, corners.Rows())
	for i := 0; i < corners.Rows(); i++ {
		v := corners.GetVecfAt(i, 0)
		pts = append(pts, r2.Point{X: float64(v[0]), Y: float64(v[1])})
	}
	return pts, nil
}

// CameraSolver runs cv::calibrateCamera with the five-coefficient model.
type CameraSolver struct{}

// NewCameraSolver returns the OpenCV camera calibration.
func NewCameraSolver() *CameraSolver { return &CameraSolver{} }

func (s *CameraSolver) Name() string { return EngineName }

// Calibrate estimates intrinsics, distortion and one pose per view.
func (s *CameraSolver) Calibrate(views []lens.View, size image.Point) (lens.Calibration, error) {
	if len(views) == 0 {
		return lens.Calibration{}, lens.ErrNoSamples
	}

	objectPoints := gocv.NewPoints3fVector()
	defer objectPoints.Close()
	imagePoints := gocv.NewPoints2fVector()
	defer imagePoints.Close()

	for _, v := range views {
		obj := make([]gocv.Point3f, len(v.Object))
		for i, p := range v.Object {
			obj[i] = gocv.NewPoint3f(float32(p.X), float32(p.Y), float32(p.Z))
		}
		objVec := gocv.NewPoint3fVectorFromPoints(obj)
		objectPoints.Append(objVec)
		objVec.Close()

		img := make([]gocv.Point2f, len(v.Image))
		for i, p := range v.Image {
			img[i] = gocv.Point2f{X: float32(p.X), Y: float32(p.Y)}
		}
		imgVec := gocv.NewPoint2fVectorFromPoints(img)
		imagePoints.Append(imgVec)
		imgVec.Close()
	}

	cameraMatrix := gocv.NewMat()
	defer cameraMatrix.Close()
	distCoeffs := gocv.NewMat()
	defer distCoeffs.Close()
	rvecs := gocv.NewMat()
	defer rvecs.Close()
	tvecs := gocv.NewMat()
	defer tvecs.Close()

	rms := gocv.CalibrateCamera(objectPoints, imagePoints, size, &cameraMatrix, &distCoeffs, &rvecs, &tvecs, 0)
	if cameraMatrix.Empty() || distCoeffs.Empty() {
		return lens.Calibration{}, fmt.Errorf("calibrateCamera returned no result")
	}

	calib := lens.Calibration{
		Camera: lens.Intrinsics{
			Fx: cameraMatrix.GetDoubleAt(0, 0),
			Fy: cameraMatrix.GetDoubleAt(1, 1),
			Cx: cameraMatrix.GetDoubleAt(0, 2),
			Cy: cameraMatrix.GetDoubleAt(1, 2),
		},
		RMS: rms,
	}

	coeffs, err := distCoeffs.DataPtrFloat64()
	if err != nil {
		return lens.Calibration{}, fmt.Errorf("read distortion coefficients: %w", err)
	}
	full := make([]float64, 5)
	copy(full, coeffs)
	calib.Distortion = lens.Distortion{K1: full[0], K2: full[1], P1: full[2], P2: full[3], K3: full[4]}

	r, err := rvecs.DataPtrFloat64()
	if err != nil {
		return lens.Calibration{}, fmt.Errorf("read rotations: %w", err)
	}
	t, err := tvecs.DataPtrFloat64()
	if err != nil {
		return lens.Calibration{}, fmt.Errorf("read translations: %w", err)
	}
	if len(r) != 3*len(views) || len(t) != 3*len(views) {
		return lens.Calibration{}, fmt.Errorf("expected %d poses, got %d rotations and %d translations", len(views), len(r)/3, len(t)/3)
	}
	calib.Poses = make([]lens.Pose, len(views))
	for i := range calib.Poses {
		calib.Poses[i].Rotation.X, calib.Poses[i].Rotation.Y, calib.Poses[i].Rotation.Z = r[3*i], r[3*i+1], r[3*i+2]
		calib.Poses[i].Translation.X, calib.Poses[i].Translation.Y, calib.Poses[i].Translation.Z = t[3*i], t[3*i+1], t[3*i+2]
	}
	return calib, nil
}

// HomographySolver is cv::findHomography over all points (no RANSAC).
type HomographySolver struct{}

// NewHomographySolver returns the OpenCV solver.
func NewHomographySolver() *HomographySolver { return &HomographySolver{} }

func (s *HomographySolver) Name() string { return EngineName }

// Solve implements geometry.Solver.
func (s *HomographySolver) Solve(src, dst []r2.Point) (geometry.Homography, error) {
	if err := geometry.CheckCorrespondences(src, dst); err != nil {
		return geometry.Homography{}, err
	}
	srcMat := pointsMat(src)
	defer srcMat.Close()
	dstMat := pointsMat(dst)
	defer dstMat.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	hm := gocv.FindHomography(srcMat, &dstMat, gocv.HomographyMethodAllPoints, 3, &mask, 2000, 0.995)
	defer hm.Close()
	if hm.Empty() {
		return geometry.Homography{}, fmt.Errorf("findHomography: %w", geometry.ErrDegenerate)
	}

	var h geometry.Homography
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			h[r][c] = hm.GetDoubleAt(r, c)
		}
	}
	if h.Det() == 0 {
		return geometry.Homography{}, fmt.Errorf("findHomography: %w", geometry.ErrDegenerate)
	}
	return h.Normalized(), nil
}

// Warper is cv::warpPerspective with a black constant border.
type Warper struct{}

// NewWarper returns the OpenCV warper.
func NewWarper() *Warper { return &Warper{} }

func (w *Warper) Name() string { return EngineName }

// Warp implements geometry.Warper.
func (w *Warper) Warp(src image.Image, h geometry.Homography, size image.Point, interp geometry.Interpolation) (image.Image, error) {
	in, err := gocv.ImageToMatRGB(src)
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	defer in.Close()

	m := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	defer m.Close()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.SetDoubleAt(r, c, h[r][c])
		}
	}

	flags := gocv.InterpolationLinear
	if interp == geometry.InterpolationNearest {
		flags = gocv.InterpolationNearestNeighbor
	}

	out := gocv.NewMat()
	defer out.Close()
	gocv.WarpPerspectiveWithParams(in, &out, m, size, flags, gocv.BorderConstant, color.RGBA{})
	return out.ToImage()
}

func pointsMat(pts []r2.Point) gocv.Mat {
	m := gocv.NewMatWithSize(len(pts), 2, gocv.MatTypeCV32F)
	for i, p := range pts {
		m.SetFloatAt(i, 0, float32(p.X))
		m.SetFloatAt(i, 1, float32(p.Y))
	}
	return m
}

func grayMat(img image.Image) (gocv.Mat, error) {
	bgr, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("convert frame: %w", err)
	}
	defer bgr.Close()
	gray := gocv.NewMat()
	gocv.CvtColor(bgr, &gray, gocv.ColorBGRToGray)
	return gray, nil
}
