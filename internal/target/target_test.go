package target

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stereostitch/internal/artifact"
)

func TestLoadParsesSettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "target_settings.yml")
	body := "%YAML:1.0\nxCount: 7\nyCount: 5\nsquareSize: 2.5\npatternType: 1\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.XCount != 7 || s.YCount != 5 || s.SquareSize != 2.5 {
		t.Fatalf("unexpected settings %+v", s)
	}
	if s.PatternType != CirclesGrid {
		t.Fatalf("expected configured pattern to be retained, got %v", s.PatternType)
	}
	if s.EffectivePattern() != Chessboard {
		t.Fatalf("detection must stay pinned to chessboard, got %v", s.EffectivePattern())
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"tiny board":   "xCount: 1\nyCount: 5\nsquareSize: 1\npatternType: 0\n",
		"bad square":   "xCount: 4\nyCount: 5\nsquareSize: 0\npatternType: 0\n",
		"bad pattern":  "xCount: 4\nyCount: 5\nsquareSize: 1\npatternType: 7\n",
		"not a number": "xCount: many\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "s.yml")
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); !errors.Is(err, artifact.ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	s := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yml"), logger)
	if s != Default() {
		t.Fatalf("expected defaults, got %+v", s)
	}
	if !strings.Contains(buf.String(), "using defaults") {
		t.Fatalf("expected a warning, got %q", buf.String())
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "target", "target_settings.yml")
	want := Settings{XCount: 8, YCount: 6, SquareSize: 24.5, PatternType: AsymmetricCirclesGrid}
	if err := want.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, want)
	}
}

func TestObjectPointsRowMajor(t *testing.T) {
	s := Settings{XCount: 3, YCount: 2, SquareSize: 10}
	pts := s.ObjectPoints()
	if len(pts) != 6 {
		t.Fatalf("expected 6 points, got %d", len(pts))
	}
	if pts[1].X != 10 || pts[1].Y != 0 || pts[3].X != 0 || pts[3].Y != 10 {
		t.Fatalf("unexpected layout %v", pts)
	}
}
