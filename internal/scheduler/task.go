package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task drives the generator: one recovery sweep immediately on Start,
// then one sweep per day at a fixed wall-clock hour. It carries no
// process-global state and is safe to run on every instance of a
// horizontally scaled deployment; the queue's job-key de-duplication is
// the cross-instance safety net.
type Task struct {
	generator *Generator
	sweepHour int
	logger    *zap.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewTask creates a restartable sweep task firing daily at sweepHour
// (local wall clock, 0-23).
func NewTask(g *Generator, sweepHour int, logger *zap.Logger) *Task {
	if sweepHour < 0 || sweepHour > 23 {
		sweepHour = 0
	}
	return &Task{
		generator: g,
		sweepHour: sweepHour,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the sweep loop. Calling Start on a running task is a
// no-op.
func (t *Task) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	t.stopCh = make(chan struct{})

	t.wg.Add(1)
	go t.run(ctx)

	t.logger.Info("reminder sweep task started",
		zap.Int("sweep_hour", t.sweepHour),
	)
}

// Stop halts the loop and waits for an in-flight sweep to finish. The
// task may be started again afterwards.
func (t *Task) Stop() {
	t.mu.Lock()
	if t.started {
		close(t.stopCh)
		t.started = false
	}
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *Task) run(ctx context.Context) {
	defer t.wg.Done()

	// Recovery sweep: pick up anything missed while the process was down.
	t.sweep(ctx)

	for {
		timer := time.NewTimer(t.untilNextSweep(time.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			t.logger.Info("reminder sweep task stopping")
			return
		case <-t.stopCh:
			timer.Stop()
			t.logger.Info("reminder sweep task stopped")
			return
		case <-timer.C:
			t.sweep(ctx)
		}
	}
}

func (t *Task) sweep(ctx context.Context) {
	if _, err := t.generator.Sweep(ctx); err != nil {
		t.logger.Error("reminder sweep failed", zap.Error(err))
	}
}

// untilNextSweep returns the duration until the next occurrence of the
// configured wall-clock hour.
func (t *Task) untilNextSweep(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), t.sweepHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}
