package tasks

import (
	"testing"

	"stereostitch/internal/config"
	"stereostitch/internal/geometry"
	"stereostitch/internal/imageio"
	"stereostitch/internal/logging"
	"stereostitch/internal/target"
)

func TestToolManagerFallsBackToNative(t *testing.T) {
	cfg := config.Default()
	cfg.Tools.Solver = config.ToolConfig{Preferred: "bogus", Fallbacks: []string{"native"}}
	cfg.Tools.Warper = config.ToolConfig{Preferred: "", Fallbacks: []string{"native"}}
	tm := NewToolManager(cfg, logging.Discard())

	solver, err := tm.Solver()
	if err != nil {
		t.Fatalf("solver: %v", err)
	}
	if _, ok := solver.(*geometry.DLTSolver); !ok {
		t.Fatalf("expected native solver, got %T", solver)
	}
	warper, err := tm.Warper()
	if err != nil {
		t.Fatalf("warper: %v", err)
	}
	if _, ok := warper.(*geometry.NativeWarper); !ok {
		t.Fatalf("expected native warper, got %T", warper)
	}
}

func TestToolManagerIgnoresEnginesNotOfferedForConcern(t *testing.T) {
	cfg := config.Default()
	cfg.Tools.Codec = config.ToolConfig{Preferred: "opencv"}
	tm := NewToolManager(cfg, logging.Discard())
	if _, err := tm.Codec(); err == nil {
		t.Fatalf("opencv offers no codec; expected an error")
	}
}

func TestResolveDefaults(t *testing.T) {
	tm := NewToolManager(config.Default(), logging.Discard())
	e, err := tm.Resolve(target.Default())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if e.Solver.Name() != "native" || e.Warper.Name() != "native" {
		t.Fatalf("expected native defaults, got %s/%s", e.Solver.Name(), e.Warper.Name())
	}
	if _, ok := e.Codec.(*imageio.NativeCodec); !ok {
		t.Fatalf("expected native codec, got %T", e.Codec)
	}
}

func TestResolveReportsAllMissingEngines(t *testing.T) {
	cfg := config.Default()
	cfg.Tools.Solver = config.ToolConfig{Preferred: "nope"}
	cfg.Tools.Warper = config.ToolConfig{Preferred: "nope"}
	tm := NewToolManager(cfg, logging.Discard())
	if _, err := tm.Resolve(target.Default()); err == nil {
		t.Fatalf("expected error for missing engines")
	}
}

func TestGetToolStatus(t *testing.T) {
	status := NewToolManager(config.Default(), logging.Discard()).GetToolStatus()
	if !status["solver"]["native"].Available {
		t.Fatalf("native solver should always be available")
	}
	if _, ok := status["calibration"]["opencv"]; !ok {
		t.Fatalf("expected calibration engine entry")
	}
	if st := NewToolManager(config.Default(), logging.Discard()).CheckTool("hugin"); st.Available || st.Error == nil {
		t.Fatalf("unknown engine should be unavailable with an error")
	}
}
