package cli

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r2"

	"stereostitch/internal/artifact"
	"stereostitch/internal/config"
	"stereostitch/internal/correspond"
	"stereostitch/internal/geometry"
	"stereostitch/internal/imageio"
	"stereostitch/internal/logging"
	"stereostitch/internal/storage"
	"stereostitch/internal/target"
	"stereostitch/internal/tasks"
)

type stubToolManager struct {
	status map[string]map[string]tasks.ToolStatus
}

func (s *stubToolManager) Resolve(target.Settings) (*tasks.Engines, error) {
	return &tasks.Engines{
		Solver: geometry.NewDLTSolver(),
		Warper: geometry.NewNativeWarper(),
		Codec:  imageio.NewNativeCodec(),
	}, nil
}

func (s *stubToolManager) GetToolStatus() map[string]map[string]tasks.ToolStatus {
	return s.status
}

func newTestRoot(t *testing.T, withStore bool) (*Root, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.Workspace = t.TempDir()
	cfg.Processing.Correspondence = config.CorrespondenceManual

	var store *storage.Store
	if withStore {
		var err error
		store, err = storage.New(filepath.Join(cfg.Paths.Workspace, "history.db"))
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { store.Close() })
	}

	root := NewRoot(cfg, filepath.Join(cfg.Paths.Workspace, "config.json"), logging.Discard(), store)
	var out bytes.Buffer
	root.out = &out
	stub := &stubToolManager{status: map[string]map[string]tasks.ToolStatus{
		"solver": {"native": {Available: true, Version: "builtin"}},
		"warper": {"opencv": {Error: errors.New("opencv support not compiled in")}},
	}}
	root.toolFactory = func(*config.Config, *slog.Logger) toolManager { return stub }
	return root, &out
}

func execute(t *testing.T, root *Root, args ...string) error {
	t.Helper()
	cmd := NewRootCmd(root)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

func writeSquarePoints(t *testing.T, path string) {
	t.Helper()
	set := correspond.NewSet(100)
	for _, p := range []r2.Point{{X: 10, Y: 10}, {X: 80, Y: 10}, {X: 10, Y: 60}, {X: 80, Y: 60}, {X: 45, Y: 35}} {
		// right camera sees the scene 5 px further right
		set.Append(p, r2.Point{X: p.X + 105, Y: p.Y})
	}
	if err := set.Save(path); err != nil {
		t.Fatalf("save points: %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	root, out := newTestRoot(t, false)
	if err := execute(t, root, "version"); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "stereostitch "+Version) {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestConfigInitAndShow(t *testing.T) {
	root, out := newTestRoot(t, false)
	if err := execute(t, root, "config", "init"); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := os.Stat(root.cfgPath); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if err := execute(t, root, "config", "init"); err == nil {
		t.Fatalf("expected init to refuse an existing file")
	}
	out.Reset()
	if err := execute(t, root, "config", "show"); err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out.String(), `"correspondence": "manual"`) {
		t.Fatalf("expected manual mode in output %q", out.String())
	}
}

func TestPointsImportListSolve(t *testing.T) {
	root, out := newTestRoot(t, false)
	src := filepath.Join(t.TempDir(), "points.json")
	writeSquarePoints(t, src)

	if err := execute(t, root, "points", "import", src); err != nil {
		t.Fatalf("import: %v", err)
	}
	out.Reset()
	if err := execute(t, root, "points", "list"); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out.String(), "5 correspondences") || !strings.Contains(out.String(), "15.00, 10.00") {
		t.Fatalf("unexpected list output %q", out.String())
	}

	if err := execute(t, root, "points", "solve"); err != nil {
		t.Fatalf("solve: %v", err)
	}
	h, err := artifact.LoadHomography(root.cfg.Resolve(root.cfg.Paths.Homography))
	if err != nil {
		t.Fatalf("load homography: %v", err)
	}
	want := geometry.Homography{{1, 0, -5}, {0, 1, 0}, {0, 0, 1}}
	if !h.ApproxEqual(want, 1e-6) {
		t.Fatalf("homography = %v", h)
	}

	if err := execute(t, root, "points", "clear"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := execute(t, root, "points", "list"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected missing points file, got %v", err)
	}
}

func TestRunWithoutPointsFails(t *testing.T) {
	root, out := newTestRoot(t, false)
	err := execute(t, root, "run")
	if err == nil {
		t.Fatalf("expected run to fail without correspondences")
	}
	if !strings.Contains(out.String(), "points import") {
		t.Fatalf("expected a hint in output %q", out.String())
	}
}

func TestRunRecordsHistory(t *testing.T) {
	root, out := newTestRoot(t, true)
	writeSquarePoints(t, root.pointsPath())

	if err := execute(t, root, "run"); err != nil {
		t.Fatalf("run: %v\n%s", err, out.String())
	}
	out.Reset()
	if err := execute(t, root, "status"); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), "finished") || !strings.Contains(out.String(), "manual") {
		t.Fatalf("unexpected status output %q", out.String())
	}

	runs, err := root.store.RecentRuns(1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("recent runs: %v %d", err, len(runs))
	}
	out.Reset()
	if err := execute(t, root, "status", runs[0].ID); err != nil {
		t.Fatalf("status run: %v", err)
	}
	if !strings.Contains(out.String(), "homography") {
		t.Fatalf("expected gate events in %q", out.String())
	}
}

func TestRunRefusesWhenLocked(t *testing.T) {
	root, _ := newTestRoot(t, false)
	err := root.withLock(func() error {
		return execute(t, root, "run")
	})
	if err == nil || !strings.Contains(err.Error(), "another stereostitch run") {
		t.Fatalf("expected lock error, got %v", err)
	}
}

func TestCalibrateForceRemovesArtifacts(t *testing.T) {
	root, _ := newTestRoot(t, false)
	writeSquarePoints(t, root.pointsPath())
	hp := root.cfg.Resolve(root.cfg.Paths.Homography)
	if err := artifact.SaveHomography(hp, geometry.Identity()); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := execute(t, root, "calibrate", "--force"); err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	h, err := artifact.LoadHomography(hp)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if h.ApproxEqual(geometry.Identity(), 1e-6) {
		t.Fatalf("expected homography recomputed from points")
	}
}

func TestTargetSettingsLoadedOncePerRun(t *testing.T) {
	root, _ := newTestRoot(t, false)
	var logs bytes.Buffer
	root.log = logging.NewWithWriter(&logs, "debug", "text")
	writeSquarePoints(t, root.pointsPath())

	if err := execute(t, root, "calibrate"); err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if n := strings.Count(logs.String(), "target settings not found"); n != 1 {
		t.Fatalf("expected one settings warning, got %d:\n%s", n, logs.String())
	}
}

func TestToolsTable(t *testing.T) {
	root, out := newTestRoot(t, false)
	if err := execute(t, root, "tools"); err != nil {
		t.Fatalf("tools: %v", err)
	}
	for _, want := range []string{"solver", "native", "builtin", "not compiled in"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected %q in %q", want, out.String())
		}
	}
}
