package async

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/studioos/logger"
)

// Watchdog fails attempts that run longer than the job timeout. It runs
// outside the executing goroutine, so a handler that never checks its
// context still ends up in retrying or failed.
type Watchdog struct {
	queue    *Queue
	timeout  time.Duration
	interval time.Duration
	logger   *zap.SugaredLogger

	mu         sync.Mutex
	lastSweep  time.Time
	totalSwept int
}

// NewWatchdog creates a watchdog. interval defaults to a quarter of timeout.
func NewWatchdog(queue *Queue, timeout, interval time.Duration, log *zap.SugaredLogger) *Watchdog {
	if interval <= 0 {
		interval = timeout / 4
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Watchdog{
		queue:    queue,
		timeout:  timeout,
		interval: interval,
		logger:   log.Named("watchdog"),
	}
}

// Run sweeps on every tick until ctx is cancelled
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warnw("Watchdog sweep failed", logger.FieldError, err)
			}
		}
	}
}

// Sweep fails every running attempt older than the timeout once
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	cutoff := w.queue.now().Add(-w.timeout)
	n, err := w.queue.SweepStuck(ctx, cutoff, w.timeout)

	w.mu.Lock()
	w.lastSweep = time.Now()
	w.totalSwept += n
	w.mu.Unlock()

	if n > 0 {
		w.logger.Warnw("Watchdog timed out stuck jobs", logger.FieldCount, n, "timeout", w.timeout)
	}
	return n, err
}
