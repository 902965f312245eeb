package engine

import (
	"context"
	"testing"
	"time"
)

func TestDelayForAttemptGrowthAndCap(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 200, BackoffFactor: 2.0, MaxDelayMS: 1000}
	want := []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1000 * time.Millisecond, // capped
		1000 * time.Millisecond,
	}
	for i, w := range want {
		if got := DelayForAttempt(i+1, cfg, "seed"); got != w {
			t.Fatalf("attempt %d: delay = %s, want %s", i+1, got, w)
		}
	}
}

func TestDelayForAttemptZeroInitial(t *testing.T) {
	cfg := BackoffConfig{BackoffFactor: 2.0, MaxDelayMS: 1000}
	if got := DelayForAttempt(3, cfg, "seed"); got != 0 {
		t.Fatalf("delay = %s, want 0", got)
	}
}

func TestDelayForAttemptJitterDeterminism(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 500, BackoffFactor: 2.0, MaxDelayMS: 60_000, Jitter: true}
	a := DelayForAttempt(2, cfg, "run-1:execute:2")
	b := DelayForAttempt(2, cfg, "run-1:execute:2")
	if a != b {
		t.Fatalf("same seed must replay identically: %s vs %s", a, b)
	}
	base := 1000 * time.Millisecond
	if a < base/2 || a > base*3/2 {
		t.Fatalf("jittered delay %s outside [%s, %s]", a, base/2, base*3/2)
	}
	c := DelayForAttempt(2, cfg, "run-2:execute:2")
	if a == c {
		t.Fatalf("different seeds produced the same jitter: %s", a)
	}
}

func TestBackoffDelayForStageSeedsPerAttempt(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 100, BackoffFactor: 1.0, MaxDelayMS: 60_000, Jitter: true}
	a := backoffDelayForStage("run-1", "execute", 1, cfg)
	b := backoffDelayForStage("run-1", "execute", 1, cfg)
	if a != b {
		t.Fatalf("replay mismatch: %s vs %s", a, b)
	}
}

func TestSleepWithContext(t *testing.T) {
	if !sleepWithContext(context.Background(), 0) {
		t.Fatal("zero delay must return immediately")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepWithContext(ctx, time.Minute) {
		t.Fatal("canceled context must interrupt the sleep")
	}
}
