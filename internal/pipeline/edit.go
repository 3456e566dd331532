package pipeline

import (
	"errors"
	"fmt"

	"github.com/golang/geo/r2"

	"stereostitch/internal/artifact"
	"stereostitch/internal/correspond"
	"stereostitch/internal/geometry"
)

// Edit operations accepted by ApplyEdit.
const (
	OpQuery   = "query"
	OpMove    = "move"
	OpDrag    = "drag"
	OpRelease = "release"
	OpRemove  = "remove"
	OpClear   = "clear"
	OpSolve   = "solve"
	OpSave    = "save"
)

// ErrUnknownOp is returned for an Edit with an unrecognised Op.
var ErrUnknownOp = errors.New("unknown edit operation")

// Edit is one manual correspondence operation. Coordinates are in the
// shared frame: left image at x in [0, offset), right image after it.
type Edit struct {
	Op    string          `json:"op"`
	X     float64         `json:"x"`
	Y     float64         `json:"y"`
	Index int             `json:"index"`
	Side  correspond.Side `json:"side"`
}

// EditResult reports what an edit did.
type EditResult struct {
	Handle  *correspond.Handle `json:"handle,omitempty"`
	Created bool               `json:"created,omitempty"`
	Points  []correspond.Pair  `json:"points"`
	Status  Status             `json:"status"`
}

// ApplyEdit runs one manual edit. Edits are rejected once the homography
// is fixed.
func (p *Pipeline) ApplyEdit(e Edit) (EditResult, error) {
	ed := p.state.Editor
	pt := r2.Point{X: e.X, Y: e.Y}

	var res EditResult
	var err error
	switch e.Op {
	case OpQuery:
		var h correspond.Handle
		h, res.Created, err = ed.Query(pt)
		if err == nil {
			res.Handle = &h
		}
	case OpMove:
		err = ed.Move(correspond.Handle{Index: e.Index, Side: e.Side}, pt)
	case OpDrag:
		err = ed.Drag(pt)
	case OpRelease:
		ed.Release()
	case OpRemove:
		err = ed.Remove(e.Index)
	case OpClear:
		if ed.Frozen() {
			err = correspond.ErrFrozen
		} else {
			ed.Release()
			p.state.Points.Clear()
		}
	case OpSolve:
		_, err = p.Solve()
	case OpSave:
		err = p.SavePoints()
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownOp, e.Op)
	}

	p.publishPoints()
	p.publish()
	if err == nil && e.Op != OpSave {
		p.broadcast(Event{Type: "points", Status: p.snapshot()})
	}
	res.Points = p.Points()
	res.Status = p.Status()
	return res, err
}

// SavePoints writes the current correspondences to the points file.
func (p *Pipeline) SavePoints() error {
	path := p.path(p.cfg.Paths.PointsFile)
	if err := p.state.Points.Save(path); err != nil {
		return fmt.Errorf("save points: %w", err)
	}
	p.log.Info("correspondences saved", "path", path, "points", p.state.Points.Len())
	return nil
}

// Solve estimates the homography from the current correspondences, fixes
// it and starts the batch. Fewer than four pairs leave the pipeline
// waiting for more.
func (p *Pipeline) Solve() (geometry.Homography, error) {
	if p.state.HomographyReady {
		return p.state.Homography, correspond.ErrFrozen
	}
	h, err := p.state.Points.Estimate(p.engines.Solver)
	detail := map[string]any{"points": p.state.Points.Len(), "source": "edit"}
	hp := p.path(p.cfg.Paths.Homography)
	if err != nil {
		p.noteEstimateError(err)
		detail["error"] = err.Error()
		p.recordGate(stageHomography, DecisionFailed, hp, detail)
		p.publish()
		return geometry.Homography{}, err
	}

	src, dst := p.state.Points.Corrected()
	rms, maxErr := geometry.ReprojectionError(h, src, dst)
	detail["rms_px"], detail["max_px"] = rms, maxErr
	p.log.Info("homography estimated", "points", p.state.Points.Len(), "rms_px", rms, "max_px", maxErr)

	if err := artifact.SaveHomography(hp, h); err != nil {
		p.log.Error("failed to save artifact", "stage", stageHomography, "error", err)
	}
	if err := p.SavePoints(); err != nil {
		p.log.Warn("points not saved", "error", err)
	}
	p.accept(h)
	p.recordGate(stageHomography, DecisionComputed, hp, detail)
	p.maybeStart()
	p.publish()
	return h, nil
}
