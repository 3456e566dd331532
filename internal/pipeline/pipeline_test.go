package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/geo/r2"

	"stereostitch/internal/artifact"
	"stereostitch/internal/config"
	"stereostitch/internal/correspond"
	"stereostitch/internal/fsutil"
	"stereostitch/internal/geometry"
	"stereostitch/internal/imageio"
	"stereostitch/internal/logging"
	"stereostitch/internal/storage"
	"stereostitch/internal/target"
	"stereostitch/internal/tasks"
)

// dotDetector reports every bright pixel in scan order.
type dotDetector struct{}

func (dotDetector) Name() string { return "dots" }

func (dotDetector) FindBoard(img image.Image) ([]r2.Point, error) {
	var pts []r2.Point
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, _, _, _ := img.At(x, y).RGBA()
			if r>>8 > 200 {
				pts = append(pts, r2.Point{X: float64(x - b.Min.X), Y: float64(y - b.Min.Y)})
			}
		}
	}
	return pts, nil
}

// The right camera sees everything shifted by (shiftX, shiftY).
const (
	frameW = 48
	frameH = 36
	shiftX = 4
	shiftY = 3
)

func dotFrame(dots []image.Point, dx, dy int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, frameW, frameH))
	for i := range img.Pix {
		if i%4 == 3 {
			img.Pix[i] = 255
		}
	}
	for _, d := range dots {
		img.Set(d.X+dx, d.Y+dy, color.RGBA{255, 255, 255, 255})
	}
	return img
}

func gradientFrame(seed int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, frameW, frameH))
	for y := 0; y < frameH; y++ {
		for x := 0; x < frameW; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 5), uint8(y * 7), uint8(seed * 40), 255})
		}
	}
	return img
}

type fixture struct {
	cfg      *config.Config
	settings target.Settings
	engines  *tasks.Engines
	codec    *imageio.NativeCodec
}

func newFixture(t *testing.T, calibrationPairs [][]image.Point, inputs int) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.Workspace = t.TempDir()
	cfg.Processing.CreateOutputDirs = true
	cfg.Paths.DatabasePath = filepath.Join(cfg.Paths.Workspace, "history.db")

	codec := imageio.NewNativeCodec()
	write := func(rel string, img image.Image) {
		t.Helper()
		path := cfg.Resolve(rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := codec.Encode(path, img); err != nil {
			t.Fatalf("encode %s: %v", path, err)
		}
	}
	for i, dots := range calibrationPairs {
		name := fsutil.OutputPath("", "pair", i, "png")
		write(filepath.Join(cfg.Paths.CalibrationLeft, name), dotFrame(dots, 0, 0))
		write(filepath.Join(cfg.Paths.CalibrationRight, name), dotFrame(dots, shiftX, shiftY))
	}
	for i := 0; i < inputs; i++ {
		name := fsutil.OutputPath("", "frame", i, "png")
		write(filepath.Join(cfg.Paths.InputLeft, name), gradientFrame(i))
		write(filepath.Join(cfg.Paths.InputRight, name), gradientFrame(i+1))
	}

	return &fixture{
		cfg:      cfg,
		settings: target.Default(),
		codec:    codec,
		engines: &tasks.Engines{
			Detector: dotDetector{},
			Solver:   geometry.NewDLTSolver(),
			Warper:   geometry.NewNativeWarper(),
			Codec:    codec,
		},
	}
}

func (f *fixture) pipeline(t *testing.T, store *storage.Store) *Pipeline {
	t.Helper()
	return New(f.cfg, f.settings, f.engines, store, logging.Discard())
}

func boardDots(i int) []image.Point {
	return []image.Point{
		{5 + i, 5}, {20, 6 + i}, {35, 5}, {6, 20}, {21 + i, 22}, {30, 25 + i},
	}
}

func sixPairs() [][]image.Point {
	out := make([][]image.Point, 6)
	for i := range out {
		out[i] = boardDots(i)
	}
	return out
}

func drain(t *testing.T, p *Pipeline, limit int) int {
	t.Helper()
	ctx := context.Background()
	ticks := 0
	for p.Tick(ctx) {
		ticks++
		if ticks > limit {
			t.Fatalf("batch did not finish after %d ticks", limit)
		}
	}
	return ticks
}

func TestAutoRunWarpsEveryFrame(t *testing.T) {
	f := newFixture(t, sixPairs(), 3)
	store, err := storage.New(f.cfg.Paths.DatabasePath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	p := f.pipeline(t, store)
	if err := p.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	st := p.Status()
	if !st.HomographyReady || st.State != StateRunning || st.Total != 3 {
		t.Fatalf("unexpected status after setup: %+v", st)
	}
	if st.Points != 36 {
		t.Fatalf("expected 36 correspondences, got %d", st.Points)
	}

	h, _ := p.Homography()
	want := geometry.Homography{{1, 0, -shiftX}, {0, 1, -shiftY}, {0, 0, 1}}
	if !h.ApproxEqual(want, 1e-6) {
		t.Fatalf("homography = %v, want %v", h, want)
	}

	if ticks := drain(t, p, 10); ticks != 3 {
		t.Fatalf("expected 3 ticks, got %d", ticks)
	}
	st = p.Status()
	if st.State != StateFinished || !st.Cursor.Finished || st.Written != 3 || st.Skipped != 0 {
		t.Fatalf("unexpected final status: %+v", st)
	}

	out := fsutil.OutputPath(f.cfg.Resolve(f.cfg.Paths.OutputRight), "output_R_", 1, "png")
	warped, err := f.codec.Decode(out)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if warped.Bounds().Size() != (image.Point{X: frameW, Y: frameH}) {
		t.Fatalf("output size %v", warped.Bounds().Size())
	}
	src := gradientFrame(2)
	got := color.RGBAModel.Convert(warped.At(10, 10)).(color.RGBA)
	exp := src.RGBAAt(10+shiftX, 10+shiftY)
	if absDiff(got.R, exp.R) > 1 || absDiff(got.G, exp.G) > 1 {
		t.Fatalf("pixel (10,10) = %v, want %v", got, exp)
	}
	if _, err := os.Stat(fsutil.OutputPath(f.cfg.Resolve(f.cfg.Paths.OutputLeft), "output_L_", 2, "png")); err != nil {
		t.Fatalf("left output missing: %v", err)
	}

	p.Close()
	frames, err := store.RunFrames(p.RunID())
	if err != nil {
		t.Fatalf("frames: %v", err)
	}
	if len(frames) != 6 {
		t.Fatalf("expected 6 frame records, got %d", len(frames))
	}
	events, err := store.CalibrationEvents(p.RunID())
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].Decision != string(DecisionComputed) {
		t.Fatalf("unexpected gate events %+v", events)
	}
}

func absDiff(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}

func TestSecondRunLoadsHomography(t *testing.T) {
	f := newFixture(t, sixPairs(), 2)

	first := f.pipeline(t, nil)
	if err := first.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	drain(t, first, 10)
	outPath := fsutil.OutputPath(f.cfg.Resolve(f.cfg.Paths.OutputRight), "output_R_", 0, "png")
	before, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read first output: %v", err)
	}

	// Without calibration frames the only way to a homography is the
	// saved artifact.
	if err := os.RemoveAll(f.cfg.Resolve(f.cfg.Paths.CalibrationLeft)); err != nil {
		t.Fatalf("remove calibration: %v", err)
	}
	second := f.pipeline(t, nil)
	if err := second.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if !second.HomographyReady() || second.Status().Points != 0 {
		t.Fatalf("expected loaded homography without collection: %+v", second.Status())
	}
	drain(t, second, 10)
	after, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read second output: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("outputs differ between runs")
	}
}

func TestMalformedHomographyIsRecomputed(t *testing.T) {
	f := newFixture(t, sixPairs(), 1)
	hp := f.cfg.Resolve(f.cfg.Paths.Homography)
	if err := os.MkdirAll(filepath.Dir(hp), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(hp, []byte("%YAML:1.0\nhomography: [broken\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	p := f.pipeline(t, nil)
	if err := p.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if !p.HomographyReady() {
		t.Fatalf("expected recomputed homography: %+v", p.Status())
	}
	if _, err := artifact.LoadHomography(hp); err != nil {
		t.Fatalf("artifact not rewritten: %v", err)
	}
}

func TestInsufficientCorrespondencesWritesNothing(t *testing.T) {
	f := newFixture(t, [][]image.Point{{{5, 5}, {20, 6}, {35, 20}}}, 2)

	p := f.pipeline(t, nil)
	if err := p.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	st := p.Status()
	if st.HomographyReady || st.Phase != PhaseInsufficient || st.State != StateIdle {
		t.Fatalf("unexpected status: %+v", st)
	}
	if p.Tick(context.Background()) {
		t.Fatalf("tick should not run without a homography")
	}
	files, err := fsutil.ListSorted(f.cfg.Resolve(f.cfg.Paths.OutputRight), "png")
	if err != nil {
		t.Fatalf("list outputs: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected no outputs, got %v", files)
	}
	if artifact.Exists(f.cfg.Resolve(f.cfg.Paths.Homography)) {
		t.Fatalf("no homography should be saved")
	}
}

func TestUnreadableFrameIsSkipped(t *testing.T) {
	f := newFixture(t, sixPairs(), 3)
	bad := fsutil.OutputPath(f.cfg.Resolve(f.cfg.Paths.InputRight), "frame", 1, "png")
	if err := os.WriteFile(bad, []byte("not a png"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	p := f.pipeline(t, nil)
	if err := p.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if ticks := drain(t, p, 10); ticks != 3 {
		t.Fatalf("expected 3 ticks, got %d", ticks)
	}
	st := p.Status()
	if st.Written != 2 || st.Skipped != 1 {
		t.Fatalf("expected 2 written and 1 skipped: %+v", st)
	}
}

func TestEmptyInputFinishesOnFirstTick(t *testing.T) {
	f := newFixture(t, sixPairs(), 0)
	p := f.pipeline(t, nil)
	if err := p.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if !p.Tick(context.Background()) {
		t.Fatalf("first tick should finish the empty batch")
	}
	if !p.Finished() {
		t.Fatalf("expected finished, got %v", p.Status().State)
	}
}

func TestUndistortWithoutModelWaits(t *testing.T) {
	f := newFixture(t, sixPairs(), 1)
	f.cfg.Processing.UseUndistort = true

	p := f.pipeline(t, nil)
	if err := p.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	st := p.Status()
	if st.DistortionReady || st.Phase != PhaseNoDistortion || st.State != StateIdle {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestManualEditsThenSolve(t *testing.T) {
	f := newFixture(t, [][]image.Point{boardDots(0)}, 2)
	f.cfg.Processing.Correspondence = config.CorrespondenceManual

	p := f.pipeline(t, nil)
	if err := p.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if p.Status().Phase != PhaseInsufficient {
		t.Fatalf("expected to wait for points: %+v", p.Status())
	}

	events, unsub := p.Subscribe()
	defer unsub()

	// Place four pairs on the left and drag each mirror into position.
	left := []r2.Point{{X: 5, Y: 5}, {X: 28, Y: 5}, {X: 5, Y: 30}, {X: 28, Y: 30}}
	for i, pt := range left {
		res, err := p.ApplyEdit(Edit{Op: OpQuery, X: pt.X, Y: pt.Y})
		if err != nil {
			t.Fatalf("query %d: %v", i, err)
		}
		if !res.Created || res.Handle.Index != i || res.Handle.Side != correspond.Left {
			t.Fatalf("query %d: unexpected result %+v", i, res)
		}
		_, err = p.ApplyEdit(Edit{Op: OpMove, Index: i, Side: correspond.Right,
			X: pt.X + frameW + shiftX, Y: pt.Y + shiftY})
		if err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
	}
	if got := p.Points(); len(got) != 4 || got[0].Right != [2]float64{5 + shiftX, 5 + shiftY} {
		t.Fatalf("unexpected points %+v", got)
	}
	select {
	case ev := <-events:
		if ev.Type != "points" {
			t.Fatalf("unexpected event %q", ev.Type)
		}
	default:
		t.Fatalf("expected a points event")
	}

	res, err := p.ApplyEdit(Edit{Op: OpSolve})
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if !res.Status.HomographyReady || res.Status.State != StateRunning || !res.Status.Frozen {
		t.Fatalf("unexpected status after solve: %+v", res.Status)
	}
	if _, err := correspond.LoadSet(f.cfg.Resolve(f.cfg.Paths.PointsFile)); err != nil {
		t.Fatalf("points file not written: %v", err)
	}
	if _, err := p.ApplyEdit(Edit{Op: OpQuery, X: 1, Y: 1}); !errors.Is(err, correspond.ErrFrozen) {
		t.Fatalf("expected ErrFrozen, got %v", err)
	}
	if ticks := drain(t, p, 10); ticks != 2 {
		t.Fatalf("expected 2 ticks, got %d", ticks)
	}
}

func TestManualSolveNeedsFourPoints(t *testing.T) {
	f := newFixture(t, nil, 1)
	f.cfg.Processing.Correspondence = config.CorrespondenceManual
	p := f.pipeline(t, nil)
	if err := p.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	for _, pt := range []r2.Point{{X: 5, Y: 5}, {X: 30, Y: 5}, {X: 5, Y: 30}} {
		res, err := p.ApplyEdit(Edit{Op: OpQuery, X: pt.X, Y: pt.Y})
		if err != nil || !res.Created {
			t.Fatalf("query %v: created=%v err=%v", pt, res.Created, err)
		}
	}
	_, err := p.ApplyEdit(Edit{Op: OpSolve})
	if !errors.Is(err, geometry.ErrInsufficientCorrespondences) {
		t.Fatalf("expected insufficient correspondences, got %v", err)
	}
	if p.Status().State != StateIdle {
		t.Fatalf("batch must not start")
	}
	if _, err := p.ApplyEdit(Edit{Op: "bogus"}); !errors.Is(err, ErrUnknownOp) {
		t.Fatalf("expected ErrUnknownOp, got %v", err)
	}
}

func TestDriverRunsToCompletion(t *testing.T) {
	f := newFixture(t, sixPairs(), 4)
	d := NewDriver(f.pipeline(t, nil), 0).StopWhenFinished()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if st := d.Pipeline().Status(); st.State != StateFinished || st.Written != 4 {
		t.Fatalf("unexpected status %+v", st)
	}
	if _, err := d.Submit(ctx, Edit{Op: OpRelease}); !errors.Is(err, ErrDriverStopped) {
		t.Fatalf("expected ErrDriverStopped, got %v", err)
	}
}

func TestDriverServesEdits(t *testing.T) {
	f := newFixture(t, nil, 1)
	f.cfg.Processing.Correspondence = config.CorrespondenceManual
	d := NewDriver(f.pipeline(t, nil), time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()

	res, err := d.Submit(ctx, Edit{Op: OpQuery, X: 12, Y: 9})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Created || len(res.Points) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
