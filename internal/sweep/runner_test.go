package sweep

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunOnceIsolatesFailures(t *testing.T) {
	var first, third atomic.Int32
	r := NewRunner(time.Minute, nil,
		Job{Name: "first", Run: func(ctx context.Context) error {
			first.Add(1)
			return nil
		}},
		Job{Name: "second", Run: func(ctx context.Context) error {
			return errors.New("boom")
		}},
		Job{Name: "third", Run: func(ctx context.Context) error {
			third.Add(1)
			return nil
		}},
	)

	r.RunOnce(context.Background())
	r.RunOnce(context.Background())
	if first.Load() != 2 || third.Load() != 2 {
		t.Fatalf("runs = %d/%d, want 2/2 despite the failing sibling", first.Load(), third.Load())
	}
}

func TestRunOnceStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Int32
	r := NewRunner(time.Minute, nil,
		Job{Name: "canceller", Run: func(ctx context.Context) error {
			ran.Add(1)
			cancel()
			return nil
		}},
		Job{Name: "after", Run: func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}},
	)

	r.RunOnce(ctx)
	if ran.Load() != 1 {
		t.Fatalf("runs = %d, want 1 after cancellation", ran.Load())
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(5*time.Millisecond, nil, Job{Name: "noop", Run: func(ctx context.Context) error {
		return nil
	}})

	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
}
