package magick

import (
	"errors"
	"testing"

	"stereostitch/internal/geometry"
)

func TestPerspectiveArgsNormalizes(t *testing.T) {
	h := geometry.Homography{{2, 0, 10}, {0, 2, 20}, {0.002, 0, 2}}
	args, err := PerspectiveArgs(h)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{1, 0, 5, 0, 1, 10, 0.001, 0}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("arg %d = %v, want %v", i, args[i], want[i])
		}
	}
}

func TestPerspectiveArgsRejectsZeroScale(t *testing.T) {
	if _, err := PerspectiveArgs(geometry.Homography{{1, 0, 0}, {0, 1, 0}, {0, 0, 0}}); !errors.Is(err, geometry.ErrDegenerate) {
		t.Fatalf("expected ErrDegenerate, got %v", err)
	}
}

func TestViewport(t *testing.T) {
	if got := Viewport(640, 480); got != "640x480+0+0" {
		t.Fatalf("unexpected viewport %q", got)
	}
}
