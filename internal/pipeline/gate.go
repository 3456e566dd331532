package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"stereostitch/internal/artifact"
	"stereostitch/internal/logging"
)

// Decision records how a gate produced its value.
type Decision string

const (
	DecisionLoaded   Decision = "loaded"
	DecisionComputed Decision = "computed"
	DecisionFailed   Decision = "failed"
	DecisionDisabled Decision = "disabled"
)

// Gate guards one calibration stage with its persisted artifact: when the
// artifact loads, the stage is skipped; when it is missing or malformed the
// stage runs and its result is saved.
type Gate[T any] struct {
	Stage   string
	Paths   []string
	Load    func() (T, error)
	Compute func(ctx context.Context) (T, error)
	Save    func(T) error
}

// Run resolves the gate. A save failure is logged and does not discard the
// computed value.
func (g Gate[T]) Run(ctx context.Context, logger *slog.Logger) (T, Decision, error) {
	var zero T
	start := time.Now()

	if g.present() {
		v, err := g.Load()
		if err == nil {
			logging.LogStageSkipped(logger, g.Stage, fmt.Sprint(g.Paths))
			return v, DecisionLoaded, nil
		}
		reason := "unreadable"
		if errors.Is(err, artifact.ErrMalformed) {
			reason = "malformed"
		} else if errors.Is(err, os.ErrNotExist) {
			reason = "missing"
		}
		logger.Warn("artifact "+reason+", recomputing", "stage", g.Stage, "error", err)
	}

	logging.LogStageStart(logger, g.Stage, map[string]any{"artifacts": g.Paths})
	v, err := g.Compute(ctx)
	if err != nil {
		logging.LogStageError(logger, g.Stage, time.Since(start), err, nil)
		return zero, DecisionFailed, err
	}
	if g.Save != nil {
		if err := g.Save(v); err != nil {
			logger.Error("failed to save artifact", "stage", g.Stage, "error", err)
		}
	}
	logging.LogStageComplete(logger, g.Stage, time.Since(start), map[string]any{"artifacts": g.Paths})
	return v, DecisionComputed, nil
}

// present reports whether every artifact file exists.
func (g Gate[T]) present() bool {
	if len(g.Paths) == 0 {
		return false
	}
	for _, p := range g.Paths {
		if !artifact.Exists(p) {
			return false
		}
	}
	return true
}
