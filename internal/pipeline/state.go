package pipeline

import (
	"time"

	"stereostitch/internal/correspond"
	"stereostitch/internal/geometry"
	"stereostitch/internal/lens"
	"stereostitch/internal/target"
)

// State is the calibration state built up during a run. It is created by
// New, filled in by Setup and the manual edit operations, and only touched
// from the goroutine driving the pipeline.
type State struct {
	Settings        target.Settings
	Left            *lens.Model
	Right           *lens.Model
	DistortionReady bool
	Homography      geometry.Homography
	HomographyReady bool
	Points          *correspond.Set
	Editor          *correspond.Editor
}

// Phase values reported in Status.
const (
	PhaseSetup        = "setup"
	PhaseInsufficient = "insufficient correspondences"
	PhaseDegenerate   = "degenerate correspondences"
	PhaseCollectFail  = "correspondence collection failed"
	PhaseNoDistortion = "distortion model unavailable"
	PhaseReady        = "ready"
	PhaseRunning      = "running"
	PhaseFinished     = "finished"
)

// Status is a read-only snapshot published after every mutation.
type Status struct {
	RunID           string               `json:"run_id"`
	Mode            string               `json:"mode"`
	Phase           string               `json:"phase"`
	Message         string               `json:"message,omitempty"`
	State           BatchState           `json:"state"`
	Cursor          Cursor               `json:"cursor"`
	Total           int                  `json:"total"`
	Written         int                  `json:"written"`
	Skipped         int                  `json:"skipped"`
	UseUndistort    bool                 `json:"use_undistort"`
	DistortionReady bool                 `json:"distortion_ready"`
	HomographyReady bool                 `json:"homography_ready"`
	Homography      *geometry.Homography `json:"homography,omitempty"`
	Points          int                  `json:"points"`
	Frozen          bool                 `json:"frozen"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// FrameResult is the outcome of one frame on one side.
type FrameResult struct {
	Index    int           `json:"index"`
	Side     string        `json:"side"`
	Input    string        `json:"input"`
	Output   string        `json:"output,omitempty"`
	Status   string        `json:"status"` // written, skipped
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Event is broadcast to subscribers.
type Event struct {
	Type   string       `json:"type"` // frame, finished, status, points
	Frame  *FrameResult `json:"frame,omitempty"`
	Status Status       `json:"status"`
}
