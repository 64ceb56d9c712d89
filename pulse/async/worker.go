package async

import (
	"context"
	"database/sql"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/studioos/am"
	"github.com/teranos/studioos/db"
	"github.com/teranos/studioos/errors"
	"github.com/teranos/studioos/logger"
	"github.com/teranos/studioos/sym"
)

const (
	// MaxOrphanedJobsToRecover limits how many orphaned jobs are settled on
	// startup to prevent overwhelming the system after a crash
	MaxOrphanedJobsToRecover = 1000

	// finalizeTimeout bounds the store write that ends an attempt, which
	// must succeed even while the pool is shutting down
	finalizeTimeout = 10 * time.Second
)

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event - uses DEBUG level for "STARTING" appearance
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event - uses WARN level for "CLOSING" appearance
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

// Pulse logs general Pulse/worker operations - uses INFO level
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers          int           `json:"workers"`           // Number of concurrent workers
	PollInterval     time.Duration `json:"poll_interval"`     // How often to refill from the store
	JobTimeout       time.Duration `json:"job_timeout"`       // Attempts running longer are failed by the watchdog
	WatchdogInterval time.Duration `json:"watchdog_interval"` // How often the watchdog sweeps
	StopTimeout      time.Duration `json:"stop_timeout"`      // How long Stop waits for workers
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:          2,
		PollInterval:     time.Second,
		JobTimeout:       time.Hour,
		WatchdogInterval: 30 * time.Second,
		StopTimeout:      30 * time.Second,
	}
}

// WorkerPoolConfigFromAm builds the pool configuration from engine settings
func WorkerPoolConfigFromAm(cfg am.EngineConfig) WorkerPoolConfig {
	pc := DefaultWorkerPoolConfig()
	if cfg.Workers > 0 {
		pc.Workers = cfg.Workers
	}
	if cfg.PollIntervalMS > 0 {
		pc.PollInterval = time.Duration(cfg.PollIntervalMS) * time.Millisecond
	}
	if cfg.JobTimeoutSeconds > 0 {
		pc.JobTimeout = time.Duration(cfg.JobTimeoutSeconds) * time.Second
	}
	if cfg.WatchdogIntervalSeconds > 0 {
		pc.WatchdogInterval = time.Duration(cfg.WatchdogIntervalSeconds) * time.Second
	}
	return pc
}

// WorkerPool runs jobs from the queue on a fixed number of goroutines
type WorkerPool struct {
	queue         *Queue
	registry      *HandlerRegistry
	poolConfig    WorkerPoolConfig
	workers       int
	parentCtx     context.Context // Parent context from which worker context is derived
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	watchdog      *Watchdog
	jobsProcessed int
	activeWorkers int
	startTime     time.Time
	logger        pulseLogger
	mu            sync.Mutex
}

// NewWorkerPool creates a worker pool. Callers must register handlers
// before calling Start(). Cancelling ctx stops the workers.
func NewWorkerPool(ctx context.Context, queue *Queue, registry *HandlerRegistry, poolCfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	if log == nil {
		log = logger.Logger
	}
	if poolCfg.Workers < 1 {
		poolCfg.Workers = 1
	}
	if poolCfg.StopTimeout <= 0 {
		poolCfg.StopTimeout = 30 * time.Second
	}

	workerCtx, cancel := context.WithCancel(ctx)
	pLogger := pulseLogger{logger.AddPulseSymbol(log.Named("pulse"))}

	wp := &WorkerPool{
		queue:      queue,
		registry:   registry,
		poolConfig: poolCfg,
		workers:    poolCfg.Workers,
		parentCtx:  ctx,
		ctx:        workerCtx,
		cancel:     cancel,
		logger:     pLogger,
	}
	if poolCfg.JobTimeout > 0 {
		wp.watchdog = NewWatchdog(queue, poolCfg.JobTimeout, poolCfg.WatchdogInterval, pLogger.SugaredLogger)
	}
	return wp
}

// Queue returns the queue the pool consumes
func (wp *WorkerPool) Queue() *Queue {
	return wp.queue
}

// Start settles orphans, loads pending work and spawns the workers
// ✿ Opening: recover jobs left running by a previous process first
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	wp.startTime = time.Now()
	wp.jobsProcessed = 0
	ctx := wp.ctx
	wp.mu.Unlock()

	if n, err := wp.queue.RecoverOrphans(ctx, MaxOrphanedJobsToRecover); err != nil {
		wp.logger.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
	} else if n > 0 {
		wp.logger.Starting("Opening - settled jobs orphaned by previous run", logger.FieldCount, n)
	}

	if n, err := wp.queue.Refill(ctx); err != nil {
		wp.logger.Warnw("Failed to load pending jobs", logger.FieldError, err)
	} else if n > 0 {
		wp.logger.Starting("Opening - restored pending jobs", logger.FieldCount, n)
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.workers)
	}

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}

	wp.wg.Add(1)
	go wp.refillLoop(ctx)

	if wp.watchdog != nil {
		wp.wg.Add(1)
		go func() {
			defer wp.wg.Done()
			wp.watchdog.Run(ctx)
		}()
	}

	wp.logger.Starting("Worker pool started", "workers", wp.workers)
}

// Stop cancels the workers and waits for in-flight attempts to settle
// ❀ Closing: interrupted attempts are recorded as failed attempts
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	wp.cancel()
	wp.mu.Unlock()
	wp.queue.pq.Wake()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	timeout := wp.poolConfig.StopTimeout
	select {
	case <-done:
		wp.logger.Pulse(sym.PulseClose + " WorkerPool.Stop() complete - all workers exited cleanly")
	case <-time.After(timeout):
		wp.logger.Closing("WorkerPool.Stop() timeout - workers may still be running", "timeout", timeout)
	}
}

// refillLoop periodically promotes due retries and loads jobs submitted by
// other processes
func (wp *WorkerPool) refillLoop(ctx context.Context) {
	defer wp.wg.Done()

	interval := wp.poolConfig.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := wp.queue.Refill(ctx); err != nil && ctx.Err() == nil && !stopping(err) {
				wp.logger.Warnw("Refill failed", logger.FieldError, err)
			}
		}
	}
}

// stopping reports errors that mean the store went away under us
func stopping(err error) bool {
	return errors.Is(err, sql.ErrConnDone) || db.IsDatabaseClosed(err)
}

// worker claims and executes jobs until ctx is cancelled
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		job, err := wp.queue.Dequeue(ctx)
		if ctx.Err() != nil {
			if job != nil {
				wp.settle(job, nil, WithCode(errors.New("worker stopped before execution"), ErrorCodeInterrupted))
			}
			return
		}
		if err != nil {
			if stopping(err) {
				return
			}
			errorCount++
			wp.logger.Errorw("Worker error claiming job",
				"worker_id", id,
				logger.FieldError, err,
				"consecutive_errors", errorCount)

			if errorCount >= maxConsecutiveErrors {
				wp.logger.Warnw("Worker backing off due to consecutive errors",
					"worker_id", id,
					"backoff", backoffDuration,
					"consecutive_errors", errorCount)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoffDuration):
				}
				backoffDuration = min(backoffDuration*2, maxBackoff)
			}
			continue
		}

		if errorCount > 0 {
			wp.logger.Infow("Worker recovered from errors",
				"worker_id", id,
				"previous_error_count", errorCount)
		}
		errorCount = 0
		backoffDuration = time.Second

		wp.process(ctx, id, job)
	}
}

// process runs one attempt and records its outcome
func (wp *WorkerPool) process(ctx context.Context, workerID int, job *Job) {
	wp.mu.Lock()
	wp.activeWorkers++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.jobsProcessed++
		wp.mu.Unlock()
	}()

	runCtx, release := wp.queue.attach(logger.WithJobID(ctx, job.ID), job.ID)
	defer release()

	wp.logger.Pulse("Executing job",
		"worker_id", workerID,
		logger.FieldJobID, job.ID,
		logger.FieldJobType, job.Type,
		logger.FieldAttempt, job.Attempts,
		logger.FieldMaxAttempts, job.MaxAttempts)

	result, err := wp.execute(runCtx, job)
	if err != nil && runCtx.Err() != nil && ctx.Err() != nil {
		// Pool shutdown, not a user cancel or watchdog timeout
		err = WithCode(errors.Wrap(err, "interrupted by shutdown"), ErrorCodeInterrupted)
	}
	wp.settle(job, result, err)
}

// execute dispatches to the registered handler, converting panics to errors
func (wp *WorkerPool) execute(ctx context.Context, job *Job) (result *Result, err error) {
	handler := wp.registry.Get(job.Type)
	if handler == nil {
		return nil, WithCode(errors.Newf("no handler registered for job type %q", job.Type), ErrorCodeNoHandler)
	}

	defer func() {
		if r := recover(); r != nil {
			err = WithCode(
				errors.WithDetail(errors.Newf("handler %s panicked: %v", handler.Name(), r), string(debug.Stack())),
				ErrorCodePanic)
		}
	}()

	return handler.Execute(ctx, job, newJobReporter(ctx, wp.queue, job))
}

// settle writes the attempt outcome. A conflict means the job was already
// resolved elsewhere (cancelled, or failed by the watchdog).
func (wp *WorkerPool) settle(job *Job, result *Result, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	var err error
	if runErr == nil {
		_, err = wp.queue.Complete(ctx, job, result)
	} else {
		_, err = wp.queue.Fail(ctx, job, runErr)
	}

	switch {
	case err == nil:
	case errors.Is(err, errors.ErrConflict):
		wp.logger.Debugw("Job resolved elsewhere before attempt finished",
			logger.FieldJobID, job.ID,
			logger.FieldAttempt, job.Attempts)
	default:
		wp.logger.Errorw("Failed to record job outcome",
			logger.FieldJobID, job.ID,
			logger.FieldAttempt, job.Attempts,
			logger.FieldError, err)
	}
}

// Stats returns pool counters for the stats endpoint
func (wp *WorkerPool) Stats() (active, total, processed int, uptime time.Duration) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if !wp.startTime.IsZero() {
		uptime = time.Since(wp.startTime)
	}
	return wp.activeWorkers, wp.workers, wp.jobsProcessed, uptime
}

func (wp *WorkerPool) String() string {
	active, total, processed, _ := wp.Stats()
	return fmt.Sprintf("WorkerPool(%d/%d active, %d processed)", active, total, processed)
}
