package grid

import (
	"context"
	"time"

	"biochip-go/pkg/motion"
)

// Sleeper pauses execution between ticks and for WAIT.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep calls f(ctx, d).
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

type timerSleeper struct{}

// RealSleeper waits on a timer and returns early with ctx.Err() when ctx
// is cancelled.
var RealSleeper Sleeper = timerSleeper{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Vision reports where droplets are observed on the grid. Observations
// are only cross-checked against the registry, never trusted over it.
type Vision interface {
	Observe(ctx context.Context) ([]motion.Position, error)
}

// VisionFunc adapts a function to Vision.
type VisionFunc func(ctx context.Context) ([]motion.Position, error)

// Observe calls f(ctx).
func (f VisionFunc) Observe(ctx context.Context) ([]motion.Position, error) { return f(ctx) }
