package promotion

import (
	"context"
	"testing"
	"time"

	"github.com/peptide-ai/experiment-layer/internal/app/storage/memory"
)

func TestSchedulerStartStop(t *testing.T) {
	store := memory.New()
	scheduler := NewScheduler(newController(store), "@every 1h", nil).WithCycleTimeout(time.Second)

	ctx := context.Background()
	if err := scheduler.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Idempotent start.
	if err := scheduler.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := scheduler.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := scheduler.Stop(stopCtx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	store := memory.New()
	scheduler := NewScheduler(newController(store), "not-a-schedule", nil)

	if err := scheduler.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestSchedulerTickRunsCycle(t *testing.T) {
	store := memory.New()
	ctrl := newController(store)
	scheduler := NewScheduler(ctrl, "@every 1h", nil)

	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer scheduler.Stop(context.Background())

	// Drive a tick directly rather than waiting on the cron clock.
	scheduler.tick()
}
