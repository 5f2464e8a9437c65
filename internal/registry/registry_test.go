package registry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPutTake(t *testing.T) {
	r := New(time.Minute)
	r.Put("call-42", AgentProfile{Name: "Maya", OpeningLine: "Hi, this is Maya calling about your demo."})

	got, err := r.Take("call-42")
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if got.Name != "Maya" {
		t.Fatalf("Name = %q, want %q", got.Name, "Maya")
	}

	// Take reads, it does not delete: a reconnecting stream can re-hydrate.
	again, err := r.Take("call-42")
	if err != nil {
		t.Fatalf("second Take() error = %v", err)
	}
	if again.OpeningLine != got.OpeningLine {
		t.Fatalf("profile changed between takes: %+v vs %+v", again, got)
	}
}

func TestTakeMissing(t *testing.T) {
	r := New(time.Minute)
	if _, err := r.Take("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestPendingCountExcludesConsumed(t *testing.T) {
	r := New(time.Minute)
	r.Put("a", AgentProfile{Name: "A"})
	r.Put("b", AgentProfile{Name: "B"})
	if _, err := r.Take("a"); err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if got := r.PendingCount(); got != 1 {
		t.Fatalf("PendingCount() = %d, want 1", got)
	}
}

func TestJanitorExpiresStaleEntries(t *testing.T) {
	r := New(30 * time.Millisecond)
	r.Put("stale", AgentProfile{Name: "Old"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(90 * time.Millisecond)
	if _, err := r.Take("stale"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound after TTL", err)
	}
}
