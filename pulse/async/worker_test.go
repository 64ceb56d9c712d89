package async

import (
	"context"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teranos/studioos/errors"
	studiotest "github.com/teranos/studioos/internal/testing"
)

// ============================================================================
// Render Farm Worker Test Universe
// ============================================================================
//
// Characters:
//   - Kirby: Render node that swallows any job and reports progress
//   - Gremlin: Processor that crashes, panics or hangs
//   - Mira: Mastering engineer who cancels and shuts down the farm
//
// Theme: whatever a processor does, the engine records an honest outcome.
// ============================================================================

func fastPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      2,
		PollInterval: 20 * time.Millisecond,
		StopTimeout:  5 * time.Second,
	}
}

func newFastQueue(t *testing.T) *Queue {
	t.Helper()
	q := NewQueue(studiotest.CreateTestDB(t), nil, QueueConfig{
		Capacity:           100,
		DefaultMaxAttempts: 3,
		Retry:              RetryPolicy{Base: 10 * time.Millisecond, Max: 10 * time.Millisecond, Factor: 1},
	}, nil)
	t.Cleanup(q.Close)
	return q
}

// waitForState polls the store until the job reaches want
func waitForState(t *testing.T, q *Queue, id string, want JobState) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", id, err)
		}
		if job.State == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := q.Get(context.Background(), id)
	t.Fatalf("job %s never reached %s (last state %s, error %q)", id, want, job.State, job.Error)
	return nil
}

func TestKirbyExecutesJobs(t *testing.T) {
	t.Log("⭐ Kirby inhales a mastering job and reports as it goes...")
	q := newFastQueue(t)

	registry := NewHandlerRegistry()
	registry.Register(NewHandlerFunc("master", func(ctx context.Context, job *Job, progress ProgressReporter) (*Result, error) {
		for _, pct := range []int{25, 50, 75} {
			if err := progress.Report("render", pct, ""); err != nil {
				return nil, err
			}
		}
		return &Result{Outputs: []string{job.AssetIDs[0] + "-master.wav"}, Message: "done"}, nil
	}))

	pool := NewWorkerPool(context.Background(), q, registry, fastPoolConfig(), nil)
	pool.Start()
	defer pool.Stop()

	job := mustSubmit(t, q, JobSpec{Type: "master", AssetIDs: []string{"song-1"}})
	done := waitForState(t, q, job.ID, StateCompleted)

	if done.Progress.Percent != 100 || len(done.Outputs) != 1 || done.Outputs[0] != "song-1-master.wav" {
		t.Errorf("unexpected completed job: %+v", done)
	}
	if done.Attempts != 1 {
		t.Errorf("Expected one attempt, got %d", done.Attempts)
	}
	t.Log("✓ Kirby finished the master on the first try")
}

func TestGremlinFailsThenSucceeds(t *testing.T) {
	q := newFastQueue(t)

	var calls atomic.Int32
	registry := NewHandlerRegistry()
	registry.Register(NewHandlerFunc("master", func(ctx context.Context, job *Job, progress ProgressReporter) (*Result, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection reset by processing service")
		}
		return &Result{}, nil
	}))

	pool := NewWorkerPool(context.Background(), q, registry, fastPoolConfig(), nil)
	pool.Start()
	defer pool.Stop()

	job := mustSubmit(t, q, JobSpec{Type: "master"})
	done := waitForState(t, q, job.ID, StateCompleted)

	if done.Attempts != 2 {
		t.Errorf("Expected success on attempt 2, got %d", done.Attempts)
	}
	if done.Error != "" {
		t.Errorf("completed job should carry no error, got %q", done.Error)
	}
}

func TestGremlinFailsTwiceThenSucceeds(t *testing.T) {
	t.Log("👹 Gremlin drops the connection twice before letting the job through...")
	q := newFastQueue(t)

	var calls atomic.Int32
	registry := NewHandlerRegistry()
	registry.Register(NewHandlerFunc("master", func(ctx context.Context, job *Job, progress ProgressReporter) (*Result, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("connection reset by processing service")
		}
		return &Result{Outputs: []string{"song-1-master.wav"}}, nil
	}))

	pool := NewWorkerPool(context.Background(), q, registry, fastPoolConfig(), nil)
	pool.Start()
	defer pool.Stop()

	job := mustSubmit(t, q, JobSpec{Type: "master", AssetIDs: []string{"song-1"}, MaxAttempts: 3})
	done := waitForState(t, q, job.ID, StateCompleted)

	if done.Attempts != 3 {
		t.Errorf("Expected success on the last attempt (3), got %d", done.Attempts)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("Expected the handler to run 3 times, ran %d", got)
	}
	if done.Error != "" || done.ErrorCode != "" {
		t.Errorf("completed job should carry no error, got %q (%s)", done.Error, done.ErrorCode)
	}
	t.Log("✓ Third time lucky")
}

func TestCompletedJobReadsTheSameTwice(t *testing.T) {
	ctx := context.Background()
	q := newFastQueue(t)

	registry := NewHandlerRegistry()
	registry.Register(NewHandlerFunc("master", func(ctx context.Context, job *Job, progress ProgressReporter) (*Result, error) {
		return &Result{Outputs: []string{"song-1-master.wav"}, Message: "done"}, nil
	}))

	pool := NewWorkerPool(context.Background(), q, registry, fastPoolConfig(), nil)
	pool.Start()
	job := mustSubmit(t, q, JobSpec{Type: "master", AssetIDs: []string{"song-1"}})
	waitForState(t, q, job.ID, StateCompleted)
	pool.Stop()

	first, err := q.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("first Get failed: %v", err)
	}
	second, err := q.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("re-querying a completed job changed it:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestGremlinExhaustsAttempts(t *testing.T) {
	q := newFastQueue(t)

	registry := NewHandlerRegistry()
	registry.Register(NewHandlerFunc("master", func(ctx context.Context, job *Job, progress ProgressReporter) (*Result, error) {
		return nil, WithCode(errors.New("true peak above ceiling"), ErrorCodeValidation)
	}))

	pool := NewWorkerPool(context.Background(), q, registry, fastPoolConfig(), nil)
	pool.Start()
	defer pool.Stop()

	job := mustSubmit(t, q, JobSpec{Type: "master", MaxAttempts: 2})
	failed := waitForState(t, q, job.ID, StateFailed)

	if failed.Attempts != 2 || failed.ErrorCode != ErrorCodeValidation {
		t.Errorf("Expected failed at 2/2 with validation code, got %d/%s", failed.Attempts, failed.ErrorCode)
	}
}

func TestGremlinPanicIsContained(t *testing.T) {
	t.Log("👹 Gremlin panics inside the processor...")
	q := newFastQueue(t)

	registry := NewHandlerRegistry()
	registry.Register(NewHandlerFunc("master", func(ctx context.Context, job *Job, progress ProgressReporter) (*Result, error) {
		panic("nil buffer")
	}))

	pool := NewWorkerPool(context.Background(), q, registry, fastPoolConfig(), nil)
	pool.Start()
	defer pool.Stop()

	job := mustSubmit(t, q, JobSpec{Type: "master", MaxAttempts: 1})
	failed := waitForState(t, q, job.ID, StateFailed)

	if failed.ErrorCode != ErrorCodePanic {
		t.Errorf("Expected panic code, got %s (%q)", failed.ErrorCode, failed.Error)
	}
	t.Log("✓ The worker survived and recorded the panic")
}

func TestUnknownJobTypeFails(t *testing.T) {
	q := newFastQueue(t)

	pool := NewWorkerPool(context.Background(), q, NewHandlerRegistry(), fastPoolConfig(), nil)
	pool.Start()
	defer pool.Stop()

	job := mustSubmit(t, q, JobSpec{Type: "transcode", MaxAttempts: 1})
	failed := waitForState(t, q, job.ID, StateFailed)

	if failed.ErrorCode != ErrorCodeNoHandler {
		t.Errorf("Expected no_handler, got %s", failed.ErrorCode)
	}
}

func TestMiraCancelsWhileKirbyWorks(t *testing.T) {
	q := newFastQueue(t)

	started := make(chan string, 1)
	registry := NewHandlerRegistry()
	registry.Register(NewHandlerFunc("master", func(ctx context.Context, job *Job, progress ProgressReporter) (*Result, error) {
		started <- job.ID
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}))

	pool := NewWorkerPool(context.Background(), q, registry, fastPoolConfig(), nil)
	pool.Start()
	defer pool.Stop()

	job := mustSubmit(t, q, JobSpec{Type: "master"})
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	if _, err := q.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	// Give the worker time to observe the cancel and try to record an outcome
	time.Sleep(50 * time.Millisecond)
	final := waitForState(t, q, job.ID, StateCancelled)
	if final.Attempts != 1 {
		t.Errorf("cancelled job should not be retried, attempts=%d", final.Attempts)
	}
}

func TestMiraShutsDownMidAttempt(t *testing.T) {
	t.Log("❀ Mira shuts the farm down while a job is running...")
	q := newTestQueue(t, studiotest.CreateTestDB(t), nil)

	started := make(chan struct{}, 1)
	registry := NewHandlerRegistry()
	registry.Register(NewHandlerFunc("master", func(ctx context.Context, job *Job, progress ProgressReporter) (*Result, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	pool := NewWorkerPool(context.Background(), q, registry, fastPoolConfig(), nil)
	pool.Start()

	job := mustSubmit(t, q, JobSpec{Type: "master", MaxAttempts: 3})
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	pool.Stop()

	stopped, err := q.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stopped.State != StateRetrying || stopped.ErrorCode != ErrorCodeInterrupted {
		t.Errorf("interrupted attempt should be retrying/interrupted, got %s/%s", stopped.State, stopped.ErrorCode)
	}
	t.Log("✓ Shutdown counted as an interrupted attempt, not a silent loss")
}

func TestWatchdogTimesOutHungHandler(t *testing.T) {
	q := newFastQueue(t)

	registry := NewHandlerRegistry()
	registry.Register(NewHandlerFunc("master", func(ctx context.Context, job *Job, progress ProgressReporter) (*Result, error) {
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}))

	cfg := fastPoolConfig()
	cfg.JobTimeout = 50 * time.Millisecond
	cfg.WatchdogInterval = 10 * time.Millisecond
	pool := NewWorkerPool(context.Background(), q, registry, cfg, nil)
	pool.Start()
	defer pool.Stop()

	job := mustSubmit(t, q, JobSpec{Type: "master", MaxAttempts: 1})
	failed := waitForState(t, q, job.ID, StateFailed)

	if failed.ErrorCode != ErrorCodeTimeout {
		t.Errorf("Expected timeout code, got %s (%q)", failed.ErrorCode, failed.Error)
	}
}

func TestWorkerPoolRestart(t *testing.T) {
	q := newFastQueue(t)

	var runs atomic.Int32
	registry := NewHandlerRegistry()
	registry.Register(NewHandlerFunc("master", func(ctx context.Context, job *Job, progress ProgressReporter) (*Result, error) {
		runs.Add(1)
		return &Result{}, nil
	}))

	pool := NewWorkerPool(context.Background(), q, registry, fastPoolConfig(), nil)
	pool.Start()
	first := mustSubmit(t, q, JobSpec{Type: "master"})
	waitForState(t, q, first.ID, StateCompleted)
	pool.Stop()

	second := mustSubmit(t, q, JobSpec{Type: "master"})
	pool.Start()
	defer pool.Stop()
	waitForState(t, q, second.ID, StateCompleted)

	if runs.Load() != 2 {
		t.Errorf("Expected 2 runs across restart, got %d", runs.Load())
	}
	if _, total, processed, _ := pool.Stats(); total != 2 || processed < 1 {
		t.Errorf("unexpected pool stats total=%d processed=%d", total, processed)
	}
}
