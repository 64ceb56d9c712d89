package async

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/studioos/am"
	"github.com/teranos/studioos/errors"
	"github.com/teranos/studioos/logger"
	"github.com/teranos/studioos/pulse"
)

const (
	// DefaultQueueCapacity is the maximum number of queued jobs accepted
	DefaultQueueCapacity = 1000
	// RefillBatchSize bounds how many rows one refill pass loads
	RefillBatchSize = 500
	// maxCancelRetries bounds re-reads when the job moves during Cancel
	maxCancelRetries = 3
)

// QueueConfig configures admission and retries
type QueueConfig struct {
	Capacity           int
	DefaultMaxAttempts int
	Retry              RetryPolicy
}

// DefaultQueueConfig returns the engine defaults
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Capacity:           DefaultQueueCapacity,
		DefaultMaxAttempts: 3,
		Retry:              DefaultRetryPolicy(),
	}
}

// QueueConfigFromAm builds the queue configuration from engine settings
func QueueConfigFromAm(cfg am.EngineConfig) QueueConfig {
	qc := DefaultQueueConfig()
	if cfg.QueueCapacity > 0 {
		qc.Capacity = cfg.QueueCapacity
	}
	if cfg.DefaultMaxAttempts > 0 {
		qc.DefaultMaxAttempts = cfg.DefaultMaxAttempts
	}
	qc.Retry = RetryPolicyFromConfig(cfg)
	return qc
}

// JobPage is one page of a job listing
type JobPage struct {
	Jobs   []*Job `json:"jobs"`
	Total  int    `json:"total"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// QueueStats summarizes the engine for the stats endpoint and CLI
type QueueStats struct {
	ByState  map[JobState]int `json:"byState"`
	Pending  map[string]int   `json:"pending"` // in-memory depth per priority class
	Capacity int              `json:"capacity"`
	Running  int              `json:"runningLocal"`
}

// Queue is the job engine facade. The store is the source of truth; the
// in-memory priority queue only orders queued jobs this process knows about.
type Queue struct {
	store     *Store
	pq        *PriorityQueue
	publisher *pulse.Publisher
	registry  *HandlerRegistry
	cfg       QueueConfig
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu      sync.Mutex
	runners map[string]context.CancelCauseFunc // local attempts by job ID
	timers  map[string]*time.Timer             // pending retry promotions
	closed  bool
}

// NewQueue creates a queue over a migrated database. publisher may be nil.
func NewQueue(db *sql.DB, publisher *pulse.Publisher, cfg QueueConfig, log *zap.SugaredLogger) *Queue {
	if log == nil {
		log = logger.Logger
	}
	if cfg.DefaultMaxAttempts < 1 {
		cfg.DefaultMaxAttempts = 1
	}
	return &Queue{
		store:     NewStore(db),
		pq:        NewPriorityQueue(),
		publisher: publisher,
		cfg:       cfg,
		logger:    log.Named("queue"),
		now:       func() time.Time { return time.Now().UTC() },
		runners:   make(map[string]context.CancelCauseFunc),
		timers:    make(map[string]*time.Timer),
	}
}

// RequireHandlers rejects submissions whose type has no registered handler
func (q *Queue) RequireHandlers(registry *HandlerRegistry) {
	q.registry = registry
}

// Store exposes the underlying job store
func (q *Queue) Store() *Store {
	return q.store
}

// Submit validates and persists a new queued job
func (q *Queue) Submit(ctx context.Context, spec JobSpec) (*Job, error) {
	if spec.MaxAttempts == 0 {
		spec.MaxAttempts = q.cfg.DefaultMaxAttempts
	}
	if q.registry != nil && !q.registry.Has(spec.Type) {
		return nil, errors.WithHintf(
			errors.NewInvalidRequestError("no handler for job type %q", spec.Type),
			"registered types: %v", q.registry.Names())
	}

	job, err := NewJob(spec, q.now())
	if err != nil {
		return nil, err
	}
	if err := q.store.CreateJobBounded(ctx, job, q.cfg.Capacity); err != nil {
		return nil, errors.Wrap(err, "failed to submit job")
	}

	q.pq.Push(job.ID, job.Priority)
	q.publish(job)
	q.logger.Infow("Job submitted",
		logger.FieldJobID, job.ID,
		logger.FieldJobType, job.Type,
		logger.FieldPriority, job.Priority.String(),
		logger.FieldMaxAttempts, job.MaxAttempts)
	return job, nil
}

// Get returns a job by ID
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.store.GetJob(ctx, id)
}

// List returns a filtered page of jobs, newest first
func (q *Queue) List(ctx context.Context, f JobFilter) (*JobPage, error) {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	jobs, total, err := q.store.ListJobs(ctx, f)
	if err != nil {
		return nil, err
	}
	return &JobPage{Jobs: jobs, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// Cancel moves a non-terminal job to cancelled and interrupts its local
// attempt, if any. Attempts running in other processes observe the change on
// their next progress report.
func (q *Queue) Cancel(ctx context.Context, id string) (*Job, error) {
	for i := 0; i < maxCancelRetries; i++ {
		job, err := q.store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.State.IsTerminal() {
			return nil, errors.WithDetail(
				errors.Wrapf(errors.ErrTerminal, "cannot cancel job %s", id),
				fmt.Sprintf("State: %s", job.State))
		}

		from, fromAttempts := job.State, job.Attempts
		now := q.now()
		job.State = StateCancelled
		job.Error = ""
		job.ErrorCode = ""
		job.RunAfter = nil
		job.CompletedAt = &now
		job.UpdatedAt = now

		err = q.store.Transition(ctx, job, from, fromAttempts)
		if errors.Is(err, errors.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		q.pq.Remove(id)
		q.stopTimer(id)
		q.cancelRunner(id, errors.ErrCancelled)
		q.publish(job)
		q.logger.Infow("Job cancelled", logger.FieldJobID, id, "from", from)
		return job, nil
	}
	return nil, errors.Wrapf(errors.ErrConflict, "job %s kept changing during cancel", id)
}

// Retry expedites a job waiting in retrying. Failed jobs have used all their
// attempts and can only be rerun.
func (q *Queue) Retry(ctx context.Context, id string) (*Job, error) {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	switch job.State {
	case StateRetrying:
		return q.promote(ctx, job)
	case StateFailed:
		return nil, errors.WithHint(
			errors.Wrapf(errors.ErrMaxAttempts, "job %s used %d of %d attempts", id, job.Attempts, job.MaxAttempts),
			"submit a rerun to start a new job with the same parameters")
	case StateCompleted, StateCancelled:
		return nil, errors.WithHint(
			errors.Wrapf(errors.ErrTerminal, "job %s is %s", id, job.State),
			"submit a rerun to start a new job with the same parameters")
	default:
		return nil, errors.Wrapf(errors.ErrConflict, "job %s is already %s", id, job.State)
	}
}

// Rerun submits a new job with the parameters of a failed or cancelled one.
// The original is left untouched.
func (q *Queue) Rerun(ctx context.Context, id string) (*Job, error) {
	orig, err := q.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	switch orig.State {
	case StateFailed, StateCancelled:
	case StateCompleted:
		return nil, errors.Wrapf(errors.ErrTerminal, "job %s already completed", id)
	default:
		return nil, errors.WithHint(
			errors.Wrapf(errors.ErrConflict, "job %s is still %s", id, orig.State),
			"cancel it first or wait for it to finish")
	}

	job, err := NewJob(orig.Spec(), q.now())
	if err != nil {
		return nil, err
	}
	job.RerunOf = orig.ID
	if err := q.store.CreateJobBounded(ctx, job, q.cfg.Capacity); err != nil {
		return nil, errors.Wrap(err, "failed to submit rerun")
	}

	q.pq.Push(job.ID, job.Priority)
	q.publish(job)
	q.logger.Infow("Job rerun submitted", logger.FieldJobID, job.ID, "rerun_of", orig.ID)
	return job, nil
}

// Dequeue blocks until a job is claimed or ctx is done
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		job, err := q.TryDequeue(ctx)
		if job != nil || err != nil {
			return job, err
		}
		if err := q.pq.Wait(ctx); err != nil {
			return nil, err
		}
	}
}

// TryDequeue claims the highest-priority queued job, or returns nil when
// nothing is pending. Entries claimed or cancelled elsewhere are skipped.
func (q *Queue) TryDequeue(ctx context.Context) (*Job, error) {
	for {
		id, p, ok := q.pq.Pop()
		if !ok {
			return nil, nil
		}
		job, err := q.claim(ctx, id)
		if err == nil {
			return job, nil
		}
		if errors.Is(err, errors.ErrConflict) || errors.IsNotFoundError(err) {
			continue
		}
		q.pq.Push(id, p)
		return nil, err
	}
}

func (q *Queue) claim(ctx context.Context, id string) (*Job, error) {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State != StateQueued {
		return nil, errors.Wrapf(errors.ErrConflict, "job %s is %s", id, job.State)
	}

	fromAttempts := job.Attempts
	now := q.now()
	job.State = StateRunning
	job.Attempts++
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.AttemptStartedAt = &now
	job.Progress = Progress{}
	job.Error = ""
	job.ErrorCode = ""
	job.RunAfter = nil
	job.UpdatedAt = now

	if err := q.store.Transition(ctx, job, StateQueued, fromAttempts); err != nil {
		return nil, err
	}
	q.publish(job)
	return job, nil
}

// Complete records a successful attempt
func (q *Queue) Complete(ctx context.Context, job *Job, result *Result) (*Job, error) {
	done := job.Clone()
	now := q.now()
	done.State = StateCompleted
	done.Progress.Percent = 100
	if result != nil {
		done.Outputs = result.Outputs
		if result.Message != "" {
			done.Progress.Message = result.Message
		}
	}
	done.Error = ""
	done.ErrorCode = ""
	done.CompletedAt = &now
	done.UpdatedAt = now

	if err := q.store.Transition(ctx, done, StateRunning, job.Attempts); err != nil {
		return nil, err
	}
	q.publish(done)

	var elapsed time.Duration
	if done.AttemptStartedAt != nil {
		elapsed = now.Sub(*done.AttemptStartedAt)
	}
	q.logger.Infow("Job completed",
		logger.FieldJobID, done.ID,
		logger.FieldAttempt, done.Attempts,
		logger.FieldDurationMS, elapsed.Milliseconds())
	return done, nil
}

// Fail records a failed attempt. The job moves to retrying with a backoff
// delay while attempts remain, otherwise to failed.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (*Job, error) {
	ec := ClassifyError(cause)
	next := job.Clone()
	now := q.now()

	var delay time.Duration
	if q.cfg.Retry.ShouldRetry(job) {
		delay = q.cfg.Retry.Delay(job.Attempts)
		runAfter := now.Add(delay)
		next.State = StateRetrying
		next.RunAfter = &runAfter
	} else {
		next.State = StateFailed
		next.CompletedAt = &now
	}
	next.Error = ec.Message
	next.ErrorCode = ec.Code
	next.UpdatedAt = now

	if err := q.store.Transition(ctx, next, StateRunning, job.Attempts); err != nil {
		return nil, err
	}
	q.publish(next)

	if next.State == StateRetrying {
		q.scheduleRetry(next.ID, delay)
		q.logger.Warnw("Job attempt failed, will retry",
			logger.FieldJobID, next.ID,
			logger.FieldAttempt, next.Attempts,
			logger.FieldMaxAttempts, next.MaxAttempts,
			logger.FieldDelayMS, delay.Milliseconds(),
			logger.FieldErrorCode, ec.Code,
			logger.FieldError, ec.Message)
	} else {
		q.logger.Errorw("Job failed",
			logger.FieldJobID, next.ID,
			logger.FieldAttempt, next.Attempts,
			logger.FieldErrorCode, ec.Code,
			logger.FieldError, ec.Message)
	}
	return next, nil
}

// promote moves a retrying job back to queued
func (q *Queue) promote(ctx context.Context, job *Job) (*Job, error) {
	if job.State != StateRetrying {
		return nil, errors.Wrapf(errors.ErrConflict, "job %s is %s, not retrying", job.ID, job.State)
	}
	next := job.Clone()
	next.State = StateQueued
	next.RunAfter = nil
	next.Error = ""
	next.ErrorCode = ""
	next.UpdatedAt = q.now()

	if err := q.store.Transition(ctx, next, StateRetrying, job.Attempts); err != nil {
		return nil, err
	}
	q.stopTimer(next.ID)
	q.pq.Push(next.ID, next.Priority)
	q.publish(next)
	q.logger.Debugw("Job requeued for retry", logger.FieldJobID, next.ID, logger.FieldAttempt, next.Attempts+1)
	return next, nil
}

func (q *Queue) scheduleRetry(id string, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if t, ok := q.timers[id]; ok {
		t.Stop()
	}
	q.timers[id] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, id)
		q.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		job, err := q.store.GetJob(ctx, id)
		if err != nil {
			q.logger.Warnw("Retry promotion lookup failed", logger.FieldJobID, id, logger.FieldError, err)
			return
		}
		if _, err := q.promote(ctx, job); err != nil && !errors.Is(err, errors.ErrConflict) {
			q.logger.Warnw("Retry promotion failed", logger.FieldJobID, id, logger.FieldError, err)
		}
	})
}

func (q *Queue) stopTimer(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.timers[id]; ok {
		t.Stop()
		delete(q.timers, id)
	}
}

// Refill promotes retries whose backoff elapsed and loads queued jobs the
// in-memory queue does not hold yet (submitted by another process, or left
// over from a previous run). Returns how many entries were added.
func (q *Queue) Refill(ctx context.Context) (int, error) {
	added := 0

	due, err := q.store.ListDueRetries(ctx, q.now(), RefillBatchSize)
	if err != nil {
		return 0, err
	}
	for _, job := range due {
		if _, err := q.promote(ctx, job); err == nil {
			added++
		} else if !errors.Is(err, errors.ErrConflict) {
			return added, err
		}
	}

	queued, err := q.store.ListQueued(ctx, RefillBatchSize)
	if err != nil {
		return added, err
	}
	for _, job := range queued {
		if q.isRunningLocally(job.ID) {
			continue
		}
		if q.pq.Push(job.ID, job.Priority) {
			added++
		}
	}
	return added, nil
}

// RecoverOrphans settles jobs left running by a process that is gone. Each
// counts as a failed attempt, so it is retried while attempts remain.
// Call before workers start.
func (q *Queue) RecoverOrphans(ctx context.Context, limit int) (int, error) {
	running, err := q.store.ListByState(ctx, StateRunning, limit)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list running jobs")
	}

	recovered := 0
	for _, job := range running {
		if q.isRunningLocally(job.ID) {
			continue
		}
		cause := WithCode(errors.New("attempt interrupted by engine restart"), ErrorCodeInterrupted)
		if _, err := q.Fail(ctx, job, cause); err != nil {
			if errors.Is(err, errors.ErrConflict) {
				continue
			}
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// SweepStuck fails running attempts that started before cutoff and
// interrupts them if they run locally
func (q *Queue) SweepStuck(ctx context.Context, cutoff time.Time, timeout time.Duration) (int, error) {
	stuck, err := q.store.ListStuck(ctx, cutoff, RefillBatchSize)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, job := range stuck {
		cause := WithCode(
			errors.Wrapf(errors.ErrTimeout, "attempt %d exceeded %s", job.Attempts, timeout),
			ErrorCodeTimeout)
		if _, err := q.Fail(ctx, job, cause); err != nil {
			if errors.Is(err, errors.ErrConflict) {
				continue
			}
			return swept, err
		}
		q.cancelRunner(job.ID, errors.ErrTimeout)
		swept++
	}
	return swept, nil
}

// UpdateProgress persists and publishes progress for a running attempt.
// Returns ErrCancelled once the attempt is no longer running.
func (q *Queue) UpdateProgress(ctx context.Context, job *Job, p Progress) error {
	now := q.now()
	stored, revision, err := q.store.UpdateProgress(ctx, job.ID, job.Attempts, p, now)
	if errors.Is(err, errors.ErrConflict) {
		return errors.Wrapf(errors.ErrCancelled, "job %s attempt %d no longer running", job.ID, job.Attempts)
	}
	if err != nil {
		return err
	}
	job.Progress = stored
	job.Revision = revision
	job.UpdatedAt = now
	q.publish(job)
	return nil
}

// attach registers a local attempt so Cancel and the watchdog can interrupt
// it. The returned release func must be called when the attempt ends.
func (q *Queue) attach(parent context.Context, id string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	q.mu.Lock()
	q.runners[id] = cancel
	q.mu.Unlock()

	return ctx, func() {
		q.mu.Lock()
		delete(q.runners, id)
		q.mu.Unlock()
		cancel(nil)
	}
}

func (q *Queue) cancelRunner(id string, cause error) {
	q.mu.Lock()
	cancel, ok := q.runners[id]
	q.mu.Unlock()
	if ok {
		cancel(cause)
	}
}

func (q *Queue) isRunningLocally(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.runners[id]
	return ok
}

// Stats reports counts by state and in-memory depth per priority class
func (q *Queue) Stats(ctx context.Context) (*QueueStats, error) {
	counts, err := q.store.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	depths := q.pq.Depths()
	pending := make(map[string]int, NumPriorities)
	for p, n := range depths {
		pending[Priority(p).String()] = n
	}

	q.mu.Lock()
	running := len(q.runners)
	q.mu.Unlock()

	return &QueueStats{ByState: counts, Pending: pending, Capacity: q.cfg.Capacity, Running: running}, nil
}

// Close stops pending retry timers. Retrying rows stay in the store and are
// promoted by the next Refill.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.pq.Wake()
}

func (q *Queue) publish(job *Job) {
	if q.publisher != nil {
		q.publisher.Publish(job.Snapshot())
	}
}
