package pipeline

import "testing"

func TestBatchStepsThroughFrames(t *testing.T) {
	var b Batch
	if b.Step(func(int) { t.Fatal("idle batch must not process") }) {
		t.Fatalf("idle step reported work")
	}
	if !b.Start([]string{"r0", "r1", "r2"}, []string{"l0"}) {
		t.Fatalf("start from idle failed")
	}
	if b.Start(nil, nil) {
		t.Fatalf("start while running must fail")
	}

	var seen []int
	for b.Step(func(i int) { seen = append(seen, i) }) {
	}
	if len(seen) != 3 || seen[0] != 0 || seen[2] != 2 {
		t.Fatalf("processed %v", seen)
	}
	if b.State() != StateFinished || !b.Cursor().Finished || b.Cursor().Index != 2 {
		t.Fatalf("unexpected end state %v %+v", b.State(), b.Cursor())
	}
	if r, l := b.Frame(1); r != "r1" || l != "" {
		t.Fatalf("frame 1 = %q %q", r, l)
	}
}

func TestBatchEmptyFinishesOnFirstStep(t *testing.T) {
	var b Batch
	b.Start(nil, nil)
	called := false
	if !b.Step(func(int) { called = true }) {
		t.Fatalf("empty batch step should report work")
	}
	if called || b.State() != StateFinished {
		t.Fatalf("called=%v state=%v", called, b.State())
	}
}

func TestBatchStateText(t *testing.T) {
	for s, want := range map[BatchState]string{StateIdle: "idle", StateRunning: "running", StateFinished: "finished"} {
		got, _ := s.MarshalText()
		if string(got) != want {
			t.Fatalf("%d: got %q want %q", s, got, want)
		}
	}
}
