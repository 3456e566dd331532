package lens

import (
	"fmt"
	"image"

	"stereostitch/internal/artifact"
)

type modelFile struct {
	Width       int              `yaml:"imageSize_width"`
	Height      int              `yaml:"imageSize_height"`
	Camera      *artifact.Matrix `yaml:"cameraMatrix"`
	Distortion  *artifact.Matrix `yaml:"distCoeffs"`
	Undistorted *artifact.Matrix `yaml:"undistortedCameraMatrix,omitempty"`
	FillFrame   bool             `yaml:"fillFrame"`
	RMS         float64          `yaml:"reprojectionError"`
	Samples     int              `yaml:"samples"`
}

// Save writes the model in FileStorage layout.
func (m *Model) Save(path string) error {
	return artifact.WriteYAML(path, modelFile{
		Width:       m.Width,
		Height:      m.Height,
		Camera:      &artifact.Matrix{Rows: 3, Cols: 3, Type: "d", Data: m.Camera.Matrix()},
		Distortion:  &artifact.Matrix{Rows: 5, Cols: 1, Type: "d", Data: m.Distortion.Coefficients()},
		Undistorted: &artifact.Matrix{Rows: 3, Cols: 3, Type: "d", Data: m.Undistorted.Matrix()},
		FillFrame:   m.FillFrame,
		RMS:         m.RMS,
		Samples:     m.Samples,
	})
}

// Load reads a model written by Save. Files without an undistorted camera
// matrix get one derived from the stored fillFrame flag.
func Load(path string) (*Model, error) {
	var f modelFile
	if err := artifact.ReadYAML(path, &f); err != nil {
		return nil, err
	}
	if f.Camera == nil || f.Distortion == nil {
		return nil, fmt.Errorf("%w: %s: missing cameraMatrix or distCoeffs", artifact.ErrMalformed, path)
	}
	camera, err := intrinsicsFromMatrix(f.Camera.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", artifact.ErrMalformed, path, err)
	}
	dist, err := distortionFromCoefficients(f.Distortion.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", artifact.ErrMalformed, path, err)
	}

	m := NewModel(image.Pt(f.Width, f.Height), camera, dist, f.FillFrame)
	if f.Undistorted != nil {
		if m.Undistorted, err = intrinsicsFromMatrix(f.Undistorted.Data); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", artifact.ErrMalformed, path, err)
		}
	}
	m.RMS = f.RMS
	m.Samples = f.Samples
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", artifact.ErrMalformed, path, err)
	}
	return m, nil
}
