package async

import (
	"context"
	"sync"

	"github.com/teranos/studioos/errors"
	"github.com/teranos/studioos/internal/util"
)

// jobReporter is the ProgressReporter handed to handlers. It keeps percent
// non-decreasing within the attempt and doubles as the cancellation
// checkpoint.
type jobReporter struct {
	ctx   context.Context
	queue *Queue

	mu  sync.Mutex
	job *Job
}

func newJobReporter(ctx context.Context, queue *Queue, job *Job) *jobReporter {
	return &jobReporter{ctx: ctx, queue: queue, job: job.Clone()}
}

// Report implements ProgressReporter
func (r *jobReporter) Report(phase string, percent int, message string) error {
	if err := r.ctx.Err(); err != nil {
		return cancellationCause(r.ctx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	percent = util.ClampInt(percent, 0, 100)
	if percent < r.job.Progress.Percent {
		percent = r.job.Progress.Percent
	}
	p := Progress{Phase: phase, Percent: percent, Message: message}
	return r.queue.UpdateProgress(r.ctx, r.job, p)
}

// cancellationCause maps a done attempt context to the error handlers see
func cancellationCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errors.ErrCancelled), errors.Is(cause, errors.ErrTimeout):
		return cause
	case cause != nil:
		return errors.Wrap(errors.ErrCancelled, cause.Error())
	default:
		return errors.ErrCancelled
	}
}
