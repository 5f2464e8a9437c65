package observability

import "testing"

func TestCallStageWindowSnapshot(t *testing.T) {
	w := newCallStageWindow(8)
	w.Observe("blocking_hold", 400)
	w.Observe("blocking_hold", 800)
	w.Observe("blocking_hold", 1200)
	w.ObserveIndicator("deadline_flush")
	w.ObserveIndicator("deadline_flush")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != "blocking_hold" {
		t.Fatalf("Stage = %q, want %q", s.Stage, "blocking_hold")
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 1200 {
		t.Fatalf("LastMS = %.2f, want 1200", s.LastMS)
	}
	if s.P50MS != 800 {
		t.Fatalf("P50MS = %.2f, want 800", s.P50MS)
	}
	if s.TargetP95MS != 3000 {
		t.Fatalf("TargetP95MS = %.2f, want 3000", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("unexpected indicators: %+v", snap.Indicators)
	}
}

func TestCallStageWindowWrapsBuffer(t *testing.T) {
	w := newCallStageWindow(4)
	for i := 0; i < 10; i++ {
		w.Observe("interrupt_to_truncate", float64(i))
	}
	snap := w.Snapshot()
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	if snap.Stages[0].Samples != 4 {
		t.Fatalf("Samples = %d, want 4 after wrap", snap.Stages[0].Samples)
	}
	if snap.Stages[0].LastMS != 9 {
		t.Fatalf("LastMS = %.2f, want 9", snap.Stages[0].LastMS)
	}
}
