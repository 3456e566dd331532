package tasks

import (
	"fmt"
	"log/slog"
	"slices"

	"go.uber.org/multierr"

	"stereostitch/internal/config"
	"stereostitch/internal/geometry"
	"stereostitch/internal/imageio"
	"stereostitch/internal/lens"
	"stereostitch/internal/logging"
	"stereostitch/internal/magick"
	"stereostitch/internal/opencv"
	"stereostitch/internal/target"
)

const engineNative = "native"

// ToolManager handles engine selection and fallbacks for each collaborator
type ToolManager struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewToolManager creates a new tool manager with configuration
func NewToolManager(cfg *config.Config, logger *slog.Logger) *ToolManager {
	return &ToolManager{cfg: cfg, logger: logger}
}

// ToolStatus represents the availability of an engine
type ToolStatus struct {
	Available bool
	Version   string
	Error     error
}

// Engines is the resolved set of collaborators for a run. Detector and
// CameraSolver are nil when no engine for them is available; stages that
// need them report that instead of failing the run.
type Engines struct {
	Detector     target.Detector
	CameraSolver lens.CameraSolver
	Solver       geometry.Solver
	Warper       geometry.Warper
	Codec        imageio.Codec
}

// CheckTool verifies if an engine is compiled in
func (tm *ToolManager) CheckTool(name string) ToolStatus {
	switch name {
	case engineNative:
		return ToolStatus{Available: true, Version: "builtin"}
	case opencv.EngineName:
		if !opencv.Available() {
			return ToolStatus{Error: opencv.ErrUnavailable}
		}
		return ToolStatus{Available: true, Version: opencv.Version()}
	case magick.EngineName:
		if !magick.Available() {
			return ToolStatus{Error: magick.ErrUnavailable}
		}
		return ToolStatus{Available: true, Version: magick.Version()}
	default:
		return ToolStatus{Error: fmt.Errorf("unknown engine %q", name)}
	}
}

// pick returns the first available engine for a concern that offers it.
func (tm *ToolManager) pick(concern string, tc config.ToolConfig, offered ...string) (string, error) {
	candidates := append([]string{tc.Preferred}, tc.Fallbacks...)
	for _, name := range candidates {
		if name == "" || !slices.Contains(offered, name) {
			continue
		}
		status := tm.CheckTool(name)
		logging.LogToolStatus(tm.logger, concern, name, status.Available, status.Error)
		if status.Available {
			return name, nil
		}
	}
	return "", fmt.Errorf("no available %s engine among %v", concern, candidates)
}

// Detector returns the board detector.
func (tm *ToolManager) Detector(settings target.Settings) (target.Detector, error) {
	if _, err := tm.pick("detector", tm.cfg.Tools.Detector, opencv.EngineName); err != nil {
		return nil, err
	}
	return opencv.NewChessboardDetector(settings), nil
}

// CameraSolver returns the lens calibration solver. Only OpenCV offers one.
func (tm *ToolManager) CameraSolver() (lens.CameraSolver, error) {
	if status := tm.CheckTool(opencv.EngineName); !status.Available {
		return nil, status.Error
	}
	return opencv.NewCameraSolver(), nil
}

// Solver returns the homography solver.
func (tm *ToolManager) Solver() (geometry.Solver, error) {
	name, err := tm.pick("solver", tm.cfg.Tools.Solver, engineNative, opencv.EngineName)
	if err != nil {
		return nil, err
	}
	if name == opencv.EngineName {
		return opencv.NewHomographySolver(), nil
	}
	return geometry.NewDLTSolver(), nil
}

// Warper returns the perspective warper.
func (tm *ToolManager) Warper() (geometry.Warper, error) {
	name, err := tm.pick("warper", tm.cfg.Tools.Warper, engineNative, opencv.EngineName, magick.EngineName)
	if err != nil {
		return nil, err
	}
	switch name {
	case opencv.EngineName:
		return opencv.NewWarper(), nil
	case magick.EngineName:
		return magick.NewWarper(), nil
	default:
		return geometry.NewNativeWarper(), nil
	}
}

// Codec returns the image codec.
func (tm *ToolManager) Codec() (imageio.Codec, error) {
	name, err := tm.pick("codec", tm.cfg.Tools.Codec, engineNative, magick.EngineName)
	if err != nil {
		return nil, err
	}
	if name == magick.EngineName {
		return magick.NewCodec(), nil
	}
	return imageio.NewNativeCodec(), nil
}

// Resolve picks every collaborator. Missing solver, warper or codec engines
// are errors; a missing detector or camera solver is logged and left nil.
func (tm *ToolManager) Resolve(settings target.Settings) (*Engines, error) {
	var (
		e       Engines
		err     error
		missing error
	)
	if e.Solver, err = tm.Solver(); err != nil {
		missing = multierr.Append(missing, err)
	}
	if e.Warper, err = tm.Warper(); err != nil {
		missing = multierr.Append(missing, err)
	}
	if e.Codec, err = tm.Codec(); err != nil {
		missing = multierr.Append(missing, err)
	}
	if missing != nil {
		return nil, missing
	}

	if e.Detector, err = tm.Detector(settings); err != nil {
		tm.logger.Warn("board detection unavailable", "error", err)
	}
	if e.CameraSolver, err = tm.CameraSolver(); err != nil {
		tm.logger.Warn("lens calibration unavailable", "error", err)
	}
	return &e, nil
}

// GetToolStatus returns the status of every configured engine per concern
func (tm *ToolManager) GetToolStatus() map[string]map[string]ToolStatus {
	concerns := map[string]config.ToolConfig{
		"detector": tm.cfg.Tools.Detector,
		"solver":   tm.cfg.Tools.Solver,
		"warper":   tm.cfg.Tools.Warper,
		"codec":    tm.cfg.Tools.Codec,
	}
	status := make(map[string]map[string]ToolStatus, len(concerns)+1)
	for concern, tc := range concerns {
		status[concern] = make(map[string]ToolStatus)
		for _, name := range append([]string{tc.Preferred}, tc.Fallbacks...) {
			if name == "" {
				continue
			}
			status[concern][name] = tm.CheckTool(name)
		}
	}
	status["calibration"] = map[string]ToolStatus{opencv.EngineName: tm.CheckTool(opencv.EngineName)}
	return status
}
