package ratelimit

import (
	"context"
	"testing"
	"time"
)

// A burst of K admissions against a limiter of R ops/sec must take at least
// (K-1)/R of wall time before the K-th admission.
func TestWaitBoundsThroughput(t *testing.T) {
	const (
		opsPerSecond = 20
		burst        = 5
	)

	limiter := New(opsPerSecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < burst; i++ {
		if err := limiter.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	elapsed := time.Since(start)

	minElapsed := time.Duration(burst-1) * time.Second / opsPerSecond
	if elapsed < minElapsed {
		t.Errorf("burst of %d admitted in %v, want >= %v", burst, elapsed, minElapsed)
	}
}

func TestWaitHonorsCancellation(t *testing.T) {
	limiter := New(1)
	ctx, cancel := context.WithCancel(context.Background())

	// Drain the single token so the next Wait has to block.
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	cancel()
	if err := limiter.Wait(ctx); err == nil {
		t.Error("Wait() on a cancelled context returned nil")
	}
}

func TestNewRaisesInvalidRate(t *testing.T) {
	limiter := New(0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := limiter.Wait(ctx); err != nil {
		t.Errorf("Wait() with raised rate error = %v", err)
	}
}
