package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"stereostitch/internal/artifact"
	"stereostitch/internal/config"
	"stereostitch/internal/correspond"
	"stereostitch/internal/fsutil"
	"stereostitch/internal/geometry"
	"stereostitch/internal/lens"
	"stereostitch/internal/logging"
	"stereostitch/internal/storage"
	"stereostitch/internal/target"
	"stereostitch/internal/tasks"
)

var (
	// ErrNoDetector is returned when a stage needs board detection and no
	// detector engine is available.
	ErrNoDetector = errors.New("no board detector available")
	// ErrNoCameraSolver is returned when lens calibration is needed and no
	// engine provides it.
	ErrNoCameraSolver = errors.New("no camera calibration engine available")
)

const (
	stageDistortion = "distortion"
	stageHomography = "homography"
)

// Pipeline runs one alignment: calibration gates, then the batch warp one
// frame per Tick. Setup, Tick, ApplyEdit and Close must be called from one
// goroutine; Status, Points and Subscribe are safe from any goroutine.
type Pipeline struct {
	cfg     *config.Config
	engines *tasks.Engines
	store   *storage.Store
	log     *slog.Logger

	runID   string
	interp  geometry.Interpolation
	state   State
	batch   Batch
	phase   string
	message string
	written int
	skipped int
	closed  bool

	status atomic.Pointer[Status]
	points atomic.Pointer[[]correspond.Pair]

	mu        sync.Mutex
	subs      map[int]chan Event
	nextSubID int
}

// New creates a pipeline for the given calibration target. store may be nil.
func New(cfg *config.Config, settings target.Settings, engines *tasks.Engines, store *storage.Store, logger *slog.Logger) *Pipeline {
	p := &Pipeline{
		cfg:     cfg,
		engines: engines,
		store:   store,
		log:     logger,
		runID:   uuid.NewString(),
		phase:   PhaseSetup,
		state: State{
			Settings: settings,
			Points:   correspond.NewSet(0),
		},
		subs: make(map[int]chan Event),
	}
	p.state.Editor = correspond.NewEditor(p.state.Points)
	p.log = logger.With("run", p.runID)
	interp, err := geometry.ParseInterpolation(cfg.Processing.Interpolation)
	if err != nil {
		p.log.Warn("unknown interpolation, using bilinear", "error", err)
	}
	p.interp = interp
	p.publish()
	p.publishPoints()
	return p
}

// RunID identifies this run in the history store.
func (p *Pipeline) RunID() string {
	return p.runID
}

func (p *Pipeline) path(rel string) string {
	return p.cfg.Resolve(rel)
}

// Setup resolves both calibration gates and starts the batch when the
// homography is available. Calibration problems are reported through
// Status, not as errors; only cancellation is returned.
func (p *Pipeline) Setup(ctx context.Context) error {
	if err := p.Calibrate(ctx); err != nil {
		return err
	}
	p.maybeStart()
	p.publish()
	return nil
}

// Calibrate resolves the distortion and homography gates without starting
// the batch.
func (p *Pipeline) Calibrate(ctx context.Context) error {
	opts, err := json.Marshal(p.cfg.Processing)
	if err != nil {
		p.log.Warn("failed to encode run options", "error", err)
	}
	if err := p.store.RecordRunQueued(storage.RunRecord{
		ID:          p.runID,
		Mode:        p.cfg.Processing.Correspondence,
		Status:      "queued",
		InputLeft:   p.path(p.cfg.Paths.InputLeft),
		InputRight:  p.path(p.cfg.Paths.InputRight),
		OutputRight: p.path(p.cfg.Paths.OutputRight),
		OptionsJSON: string(opts),
	}); err != nil {
		p.log.Warn("failed to record run", "error", err)
	}

	p.log.Info("calibration target",
		"pattern", fmt.Sprintf("%dx%d", p.state.Settings.XCount, p.state.Settings.YCount),
		"square_size", p.state.Settings.SquareSize,
		"detection", p.state.Settings.EffectivePattern().String())

	if p.cfg.Processing.UseUndistort {
		p.setupDistortion(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.setupHomography(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	p.publish()
	p.publishPoints()
	return nil
}

func (p *Pipeline) setupDistortion(ctx context.Context) {
	pathL := p.path(p.cfg.Paths.DistortionLeft)
	pathR := p.path(p.cfg.Paths.DistortionRight)
	gate := Gate[[2]*lens.Model]{
		Stage: stageDistortion,
		Paths: []string{pathL, pathR},
		Load: func() ([2]*lens.Model, error) {
			l, err := lens.Load(pathL)
			if err != nil {
				return [2]*lens.Model{}, err
			}
			r, err := lens.Load(pathR)
			if err != nil {
				return [2]*lens.Model{}, err
			}
			return [2]*lens.Model{l, r}, nil
		},
		Compute: p.fitDistortion,
		Save: func(m [2]*lens.Model) error {
			return multierr.Combine(m[0].Save(pathL), m[1].Save(pathR))
		},
	}

	models, decision, err := gate.Run(ctx, p.log)
	detail := map[string]any{}
	if err != nil {
		detail["error"] = err.Error()
		p.phase = PhaseNoDistortion
		p.message = err.Error()
	} else {
		p.state.Left, p.state.Right = models[0], models[1]
		p.state.DistortionReady = true
		detail["rms_left"] = models[0].RMS
		detail["rms_right"] = models[1].RMS
	}
	p.recordGate(stageDistortion, decision, pathL+","+pathR, detail)
}

func (p *Pipeline) fitDistortion(ctx context.Context) ([2]*lens.Model, error) {
	var out [2]*lens.Model
	if p.engines.Detector == nil {
		return out, ErrNoDetector
	}
	if p.engines.CameraSolver == nil {
		return out, ErrNoCameraSolver
	}
	dirs := [2]string{p.path(p.cfg.Paths.CalibrationLeft), p.path(p.cfg.Paths.CalibrationRight)}
	for i, dir := range dirs {
		m, err := p.fitCamera(ctx, dir)
		if err != nil {
			return out, fmt.Errorf("%s: %w", dir, err)
		}
		out[i] = m
	}
	return out, nil
}

func (p *Pipeline) fitCamera(ctx context.Context, dir string) (*lens.Model, error) {
	files, err := fsutil.ListSorted(dir, p.cfg.Processing.InputExtension())
	if err != nil {
		return nil, err
	}
	fitter := lens.NewFitter(p.state.Settings, p.engines.Detector, p.engines.CameraSolver, p.log)
	fitter.SetFillFrame(p.cfg.Processing.FillFrame)
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.log.Info("calibration frame", "progress", fmt.Sprintf("%d/%d", i+1, len(files)), "path", f)
		img, err := p.engines.Codec.Decode(f)
		if err != nil {
			p.log.Warn("skipping unreadable calibration frame", "path", f, "error", err)
			continue
		}
		found, err := fitter.Add(img)
		if err != nil {
			p.log.Warn("calibration frame rejected", "path", f, "error", err)
			continue
		}
		if !found {
			p.log.Debug("board not found", "path", f)
		}
	}
	if _, err := fitter.Calibrate(); err != nil {
		return nil, err
	}
	return fitter.Clean(p.cfg.Processing.CleanThreshold)
}

func (p *Pipeline) setupHomography(ctx context.Context) {
	hp := p.path(p.cfg.Paths.Homography)
	gate := Gate[geometry.Homography]{
		Stage:   stageHomography,
		Paths:   []string{hp},
		Load:    func() (geometry.Homography, error) { return artifact.LoadHomography(hp) },
		Compute: p.estimate,
		Save:    func(h geometry.Homography) error { return artifact.SaveHomography(hp, h) },
	}

	h, decision, err := gate.Run(ctx, p.log)
	detail := map[string]any{"points": p.state.Points.Len()}
	if err != nil {
		detail["error"] = err.Error()
		p.noteEstimateError(err)
	} else {
		if decision == DecisionLoaded && p.manual() {
			p.state.Points = p.seedManualPoints()
			p.state.Editor = correspond.NewEditor(p.state.Points)
		}
		p.accept(h)
		if decision == DecisionComputed {
			src, dst := p.state.Points.Corrected()
			rms, maxErr := geometry.ReprojectionError(h, src, dst)
			detail["rms_px"], detail["max_px"] = rms, maxErr
		}
	}
	p.recordGate(stageHomography, decision, hp, detail)
}

// estimate fills the correspondence set for the configured mode and solves
// it.
func (p *Pipeline) estimate(ctx context.Context) (geometry.Homography, error) {
	var set *correspond.Set
	if p.manual() {
		set = p.seedManualPoints()
	} else {
		collected, report, err := p.Collect(ctx)
		if err != nil {
			return geometry.Homography{}, err
		}
		p.log.Info("correspondences collected", "pairs", report.Pairs, "accepted", report.Accepted,
			"discarded", report.Discarded, "unreadable", report.Unreadable, "points", report.Points)
		set = collected
	}
	p.state.Points = set
	p.state.Editor = correspond.NewEditor(set)
	return set.Estimate(p.engines.Solver)
}

// Collect runs board detection over the calibration pairs.
func (p *Pipeline) Collect(ctx context.Context) (*correspond.Set, correspond.Report, error) {
	if p.engines.Detector == nil {
		return correspond.NewSet(0), correspond.Report{}, ErrNoDetector
	}
	ext := p.cfg.Processing.InputExtension()
	left, err := fsutil.ListSorted(p.path(p.cfg.Paths.CalibrationLeft), ext)
	if err != nil {
		return nil, correspond.Report{}, err
	}
	right, err := fsutil.ListSorted(p.path(p.cfg.Paths.CalibrationRight), ext)
	if err != nil {
		return nil, correspond.Report{}, err
	}

	c := &correspond.Collector{Detector: p.engines.Detector, Codec: p.engines.Codec, Logger: p.log}
	if p.cfg.Processing.UseUndistort && p.state.DistortionReady {
		c.Left, c.Right = p.state.Left, p.state.Right
	}
	return c.Collect(ctx, left, right)
}

// seedManualPoints loads the points file, or starts an empty set offset by
// the width of the first left frame found.
func (p *Pipeline) seedManualPoints() *correspond.Set {
	pf := p.path(p.cfg.Paths.PointsFile)
	set, err := correspond.LoadSet(pf)
	if err == nil {
		p.log.Info("loaded manual correspondences", "path", pf, "points", set.Len())
		return set
	}
	if !errors.Is(err, os.ErrNotExist) {
		p.log.Warn("points file unreadable, starting empty", "path", pf, "error", err)
	}
	return correspond.NewSet(float64(p.leftWidth()))
}

func (p *Pipeline) leftWidth() int {
	ext := p.cfg.Processing.InputExtension()
	for _, dir := range []string{p.cfg.Paths.CalibrationLeft, p.cfg.Paths.InputLeft} {
		files, err := fsutil.ListSorted(p.path(dir), ext)
		if err != nil || len(files) == 0 {
			continue
		}
		img, err := p.engines.Codec.Decode(files[0])
		if err != nil {
			continue
		}
		return img.Bounds().Dx()
	}
	p.log.Warn("no left frame found to size the shared frame; offset is 0")
	return 0
}

func (p *Pipeline) noteEstimateError(err error) {
	p.message = err.Error()
	switch {
	case errors.Is(err, geometry.ErrInsufficientCorrespondences):
		p.phase = PhaseInsufficient
		p.log.Error("did not find at least four correspondences", "points", p.state.Points.Len())
	case errors.Is(err, geometry.ErrDegenerate):
		p.phase = PhaseDegenerate
	default:
		p.phase = PhaseCollectFail
		p.log.Error("correspondence collection failed", "error", err)
	}
}

// accept fixes the homography for the rest of the run.
func (p *Pipeline) accept(h geometry.Homography) {
	p.state.Homography = h
	p.state.HomographyReady = true
	p.state.Editor.Freeze()
	p.phase = PhaseReady
	p.message = ""
}

func (p *Pipeline) recordGate(stage string, d Decision, artifactPath string, detail map[string]any) {
	if err := p.store.RecordCalibrationEvent(storage.CalibrationEvent{
		RunID:    p.runID,
		Stage:    stage,
		Decision: string(d),
		Artifact: artifactPath,
		Detail:   detail,
	}); err != nil {
		p.log.Warn("failed to record calibration event", "stage", stage, "error", err)
	}
}

// maybeStart enumerates the inputs and starts the batch once every
// prerequisite is ready.
func (p *Pipeline) maybeStart() {
	if p.batch.State() != StateIdle || !p.state.HomographyReady {
		return
	}
	if p.cfg.Processing.UseUndistort && !p.state.DistortionReady {
		p.phase = PhaseNoDistortion
		return
	}

	ext := p.cfg.Processing.InputExtension()
	right, err := fsutil.ListSorted(p.path(p.cfg.Paths.InputRight), ext)
	if err != nil {
		p.phase = PhaseReady
		p.message = fmt.Sprintf("list right inputs: %v", err)
		p.log.Error("cannot list right inputs", "error", err)
		return
	}
	var left []string
	if p.cfg.Processing.ProcessLeft {
		if left, err = fsutil.ListSorted(p.path(p.cfg.Paths.InputLeft), ext); err != nil {
			p.log.Warn("cannot list left inputs", "error", err)
		}
		if err := fsutil.EnsureDir(p.path(p.cfg.Paths.OutputLeft), p.cfg.Processing.CreateOutputDirs); err != nil {
			p.log.Warn("left output directory unavailable", "error", err)
		}
	}
	if err := fsutil.EnsureDir(p.path(p.cfg.Paths.OutputRight), p.cfg.Processing.CreateOutputDirs); err != nil {
		p.log.Warn("right output directory unavailable", "error", err)
	}

	p.batch.Start(right, left)
	p.phase = PhaseRunning
	p.log.Info("batch started", "frames", len(right), "left_frames", len(left))
	if err := p.store.RecordRunStart(p.runID, len(right)); err != nil {
		p.log.Warn("failed to record run start", "error", err)
	}
}

// Tick processes at most one frame. It reports whether any work was done.
func (p *Pipeline) Tick(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if !p.batch.Step(p.processFrame) {
		return false
	}
	if p.batch.State() == StateFinished {
		p.finish()
	}
	p.publish()
	return true
}

func (p *Pipeline) processFrame(i int) {
	right, left := p.batch.Frame(i)
	total := p.batch.Total()

	if p.cfg.Processing.ProcessLeft {
		if left == "" {
			p.log.Warn("no left frame at index", "index", i)
		} else {
			logging.LogFrame(p.log, "L", i, total, left)
			out := fsutil.OutputPath(p.path(p.cfg.Paths.OutputLeft), p.cfg.Paths.OutputLeftPrefix, i, p.cfg.Processing.OutputExtension())
			p.emitFrame(p.runFrame(i, correspond.Left, left, out, p.exportLeft))
		}
	}

	logging.LogFrame(p.log, "R", i, total, right)
	out := fsutil.OutputPath(p.path(p.cfg.Paths.OutputRight), p.cfg.Paths.OutputRightPrefix, i, p.cfg.Processing.OutputExtension())
	res := p.runFrame(i, correspond.Right, right, out, p.warpRight)
	if res.Status == "written" {
		p.written++
	} else {
		p.skipped++
	}
	p.emitFrame(res)
}

func (p *Pipeline) runFrame(i int, side correspond.Side, in, out string, fn func(in, out string) error) FrameResult {
	start := time.Now()
	res := FrameResult{Index: i, Side: side.String(), Input: in, Output: out, Status: "written"}
	if err := fn(in, out); err != nil {
		res.Status = "skipped"
		res.Error = err.Error()
		res.Output = ""
		p.log.Warn("frame skipped", "side", side.String(), "index", i, "path", in, "error", err)
	}
	res.Duration = time.Since(start)
	return res
}

func (p *Pipeline) load(path string, model *lens.Model) (image.Image, error) {
	img, err := p.engines.Codec.Decode(path)
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	if p.cfg.Processing.UseUndistort && model != nil {
		if img, err = model.Undistort(img); err != nil {
			return nil, fmt.Errorf("undistort: %w", err)
		}
	}
	return img, nil
}

func (p *Pipeline) exportLeft(in, out string) error {
	img, err := p.load(in, p.state.Left)
	if err != nil {
		return err
	}
	return p.engines.Codec.Encode(out, img)
}

// warpRight maps the right frame into the left view. The output has the
// size of the frame being warped.
func (p *Pipeline) warpRight(in, out string) error {
	img, err := p.load(in, p.state.Right)
	if err != nil {
		return err
	}
	warped, err := p.engines.Warper.Warp(img, p.state.Homography, img.Bounds().Size(), p.interp)
	if err != nil {
		return fmt.Errorf("warp: %w", err)
	}
	if err := p.engines.Codec.Encode(out, warped); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	return nil
}

func (p *Pipeline) emitFrame(res FrameResult) {
	if err := p.store.RecordFrame(storage.FrameRecord{
		RunID:      p.runID,
		Index:      res.Index,
		Side:       res.Side,
		InputPath:  res.Input,
		OutputPath: res.Output,
		Status:     res.Status,
		Duration:   res.Duration,
		Error:      res.Error,
	}); err != nil {
		p.log.Warn("failed to record frame", "index", res.Index, "error", err)
	}
	p.broadcast(Event{Type: "frame", Frame: &res, Status: p.snapshot()})
}

func (p *Pipeline) finish() {
	p.phase = PhaseFinished
	p.log.Info("batch finished", "frames", p.batch.Total(), "written", p.written, "skipped", p.skipped)
	p.closeRun("finished", "")
	p.broadcast(Event{Type: "finished", Status: p.snapshot()})
}

func (p *Pipeline) closeRun(status, errMsg string) {
	if p.closed {
		return
	}
	p.closed = true
	meta := map[string]any{
		"phase":            p.phase,
		"frames":           p.batch.Total(),
		"homography_ready": p.state.HomographyReady,
		"points":           p.state.Points.Len(),
	}
	if err := p.store.RecordRunResult(p.runID, status, p.written, p.skipped, meta, errMsg); err != nil {
		p.log.Warn("failed to record run result", "error", err)
	}
}

// Close records an unfinished run as stopped and releases subscribers.
func (p *Pipeline) Close() {
	if p.batch.State() != StateFinished {
		p.closeRun("stopped", p.message)
	}
	p.mu.Lock()
	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
	}
	p.mu.Unlock()
}

// Running reports whether ticks still have frames to process.
func (p *Pipeline) Running() bool {
	return p.batch.State() == StateRunning
}

// Finished reports whether the batch is done.
func (p *Pipeline) Finished() bool {
	return p.batch.State() == StateFinished
}

// HomographyReady reports whether the transform is fixed.
func (p *Pipeline) HomographyReady() bool {
	return p.state.HomographyReady
}

// Homography returns the fixed transform, if any.
func (p *Pipeline) Homography() (geometry.Homography, bool) {
	return p.state.Homography, p.state.HomographyReady
}

func (p *Pipeline) snapshot() Status {
	st := Status{
		RunID:           p.runID,
		Mode:            p.cfg.Processing.Correspondence,
		Phase:           p.phase,
		Message:         p.message,
		State:           p.batch.State(),
		Cursor:          p.batch.Cursor(),
		Total:           p.batch.Total(),
		Written:         p.written,
		Skipped:         p.skipped,
		UseUndistort:    p.cfg.Processing.UseUndistort,
		DistortionReady: p.state.DistortionReady,
		HomographyReady: p.state.HomographyReady,
		Points:          p.state.Points.Len(),
		Frozen:          p.state.Editor.Frozen(),
		UpdatedAt:       time.Now(),
	}
	if p.state.HomographyReady {
		h := p.state.Homography
		st.Homography = &h
	}
	return st
}

func (p *Pipeline) publish() {
	st := p.snapshot()
	p.status.Store(&st)
}

func (p *Pipeline) publishPoints() {
	pairs := p.state.Points.Pairs()
	p.points.Store(&pairs)
}

// Status returns the latest published snapshot.
func (p *Pipeline) Status() Status {
	return *p.status.Load()
}

// Points returns the latest published correspondences, right points in
// right image coordinates.
func (p *Pipeline) Points() []correspond.Pair {
	return *p.points.Load()
}

// Subscribe returns a channel of pipeline events and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Event, 16)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pipeline) broadcast(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			p.log.Warn("event channel full", "subscriber", id, "type", ev.Type)
		}
	}
}

func (p *Pipeline) manual() bool {
	return p.cfg.Processing.Correspondence == config.CorrespondenceManual
}
