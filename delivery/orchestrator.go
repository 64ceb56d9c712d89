package delivery

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
	"github.com/teranos/studioos/pulse"
)

const (
	// DefaultPollInterval is how often a platform task asks its adapter for status
	DefaultPollInterval = 2 * time.Second
	// maxStatusErrors consecutive failed status calls fail the platform
	maxStatusErrors = 5
	// maxUpdateRetries bounds re-reads when a platform row moves underneath a writer
	maxUpdateRetries = 3
	// resumeBatch bounds how many unfinished deliveries one Resume loads
	resumeBatch = 1000
	// adapterCancelTimeout bounds the best-effort adapter.Cancel after a task stops
	adapterCancelTimeout = 10 * time.Second
)

// OrchestratorConfig configures platform polling and the platform watchdog
type OrchestratorConfig struct {
	PollInterval    time.Duration
	PlatformTimeout time.Duration // 0 disables the watchdog
	SweepInterval   time.Duration // defaults to PlatformTimeout/4
}

// DefaultOrchestratorConfig returns the orchestrator defaults
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{PollInterval: DefaultPollInterval, PlatformTimeout: time.Hour}
}

// OrchestratorConfigFromAm builds the configuration from delivery settings
func OrchestratorConfigFromAm(cfg am.DeliveryConfig) OrchestratorConfig {
	oc := DefaultOrchestratorConfig()
	if cfg.PollIntervalMS > 0 {
		oc.PollInterval = time.Duration(cfg.PollIntervalMS) * time.Millisecond
	}
	oc.PlatformTimeout = time.Duration(cfg.PlatformTimeoutSeconds) * time.Second
	return oc
}

// Page is one page of a delivery listing
type Page struct {
	Deliveries []*Delivery `json:"deliveries"`
	Total      int         `json:"total"`
	Limit      int         `json:"limit"`
	Offset     int         `json:"offset"`
}

// Stats summarizes deliveries for the stats endpoint and CLI
type Stats struct {
	ByStatus    map[Status]int `json:"byStatus"`
	ActiveTasks int            `json:"activeTasks"`
	Platforms   []PlatformID   `json:"platforms"`
}

type taskKey struct {
	deliveryID string
	platform   PlatformID
}

type task struct {
	cancel context.CancelCauseFunc
}

// Orchestrator creates deliveries and runs one task per platform. Tasks
// share nothing but the store: each writes only its own platform row, and
// the delivery aggregate is recomputed with every write.
type Orchestrator struct {
	store     *Store
	registry  *AdapterRegistry
	publisher *pulse.Publisher
	cfg       OrchestratorConfig
	logger    *zap.SugaredLogger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	tasks map[taskKey]*task
}

// NewOrchestrator creates an orchestrator over a migrated database.
// publisher may be nil.
func NewOrchestrator(db *sql.DB, registry *AdapterRegistry, publisher *pulse.Publisher, cfg OrchestratorConfig, log *zap.SugaredLogger) *Orchestrator {
	if log == nil {
		log = logger.Logger
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SweepInterval <= 0 && cfg.PlatformTimeout > 0 {
		cfg.SweepInterval = cfg.PlatformTimeout / 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     NewStore(db),
		registry:  registry,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.AddDeliverySymbol(log.Named("delivery")),
		now:       func() time.Time { return time.Now().UTC() },
		ctx:       ctx,
		cancel:    cancel,
		tasks:     make(map[taskKey]*task),
	}
}

// Store exposes the underlying delivery store
func (o *Orchestrator) Store() *Store { return o.store }

// Registry exposes the adapter registry
func (o *Orchestrator) Registry() *AdapterRegistry { return o.registry }

// Start resumes unfinished platform tasks and starts the platform watchdog
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.ctx.Err() != nil {
		o.ctx, o.cancel = context.WithCancel(context.Background())
	}
	runCtx := o.ctx
	o.mu.Unlock()

	n, err := o.Resume(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to resume deliveries")
	}
	if n > 0 {
		o.logger.Infow("Resumed platform tasks", logger.FieldCount, n)
	}

	if o.cfg.PlatformTimeout > 0 {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.sweepLoop(runCtx)
		}()
	}
	return nil
}

// Stop interrupts every platform task and waits for them to return.
// Interrupted platforms keep their state and are resumed by the next Start.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.cancel()
	o.mu.Unlock()
	o.wg.Wait()
}

// CreateDelivery validates the request against every platform's
// requirements, persists the delivery and dispatches each platform
func (o *Orchestrator) CreateDelivery(ctx context.Context, req CreateRequest) (*Delivery, error) {
	if err := validateRequest(req, o.registry); err != nil {
		return nil, err
	}

	d := newDelivery(req, o.now())
	d.Logs = []LogEntry{{Timestamp: d.CreatedAt, Message: fmt.Sprintf("delivery created for %d platform(s)", len(d.Platforms))}}
	if err := o.store.Create(ctx, d); err != nil {
		return nil, errors.Wrap(err, "failed to create delivery")
	}

	o.publish(d)
	o.logger.Infow("Delivery created",
		logger.FieldDeliveryID, d.ID,
		logger.FieldProjectID, d.ProjectID,
		"platforms", d.Platforms,
		"assets", len(d.Assets))

	for _, p := range d.Platforms {
		o.dispatch(d.ID, d.Assets, *d.PlatformDeliveries[p])
	}
	return d, nil
}

// Get returns a delivery by ID
func (o *Orchestrator) Get(ctx context.Context, id string) (*Delivery, error) {
	return o.store.Get(ctx, id)
}

// List returns a filtered page of deliveries, newest first
func (o *Orchestrator) List(ctx context.Context, f Filter) (*Page, error) {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	deliveries, total, err := o.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	return &Page{Deliveries: deliveries, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// Cancel cancels the given platforms, or every platform when none are
// given. Finished platforms are left alone; if every targeted platform has
// already finished the call fails with ErrTerminal.
func (o *Orchestrator) Cancel(ctx context.Context, id string, platforms ...PlatformID) (*Delivery, error) {
	d, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	targets, err := selectPlatforms(d, platforms)
	if err != nil {
		return nil, err
	}

	var cancelled []PlatformID
	for _, p := range targets {
		for i := 0; i < maxUpdateRetries; i++ {
			pd := *d.PlatformDeliveries[p]
			if pd.Status.IsTerminal() {
				break
			}
			next := pd
			next.Status = StatusCancelled
			next.UpdatedAt = o.now()

			updated, err := o.store.UpdatePlatform(ctx, id, &next, pd.Status, pd.Version, fmt.Sprintf("%s cancelled by request", p))
			if errors.Is(err, errors.ErrConflict) {
				if d, err = o.store.Get(ctx, id); err != nil {
					return nil, err
				}
				continue
			}
			if err != nil {
				return nil, err
			}
			d = updated
			cancelled = append(cancelled, p)
			o.cancelTask(taskKey{id, p}, errors.ErrCancelled)
			break
		}
	}

	if len(cancelled) == 0 {
		return nil, errors.WithDetail(
			errors.Wrapf(errors.ErrTerminal, "nothing to cancel in delivery %s", id),
			fmt.Sprintf("Statuses: %s", describeStatuses(d, targets)))
	}

	o.publish(d)
	o.logger.Infow("Delivery cancelled", logger.FieldDeliveryID, id, "platforms", cancelled)
	return d, nil
}

// Retry resets the given platforms to pending and dispatches them again.
// With no platforms given, every failed or cancelled platform is retried.
// Only failed and cancelled platforms are eligible; other platforms keep
// their state untouched.
func (o *Orchestrator) Retry(ctx context.Context, id string, platforms ...PlatformID) (*Delivery, error) {
	d, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var targets []PlatformID
	if len(platforms) == 0 {
		for _, p := range d.Platforms {
			if d.PlatformDeliveries[p].Status.Retryable() {
				targets = append(targets, p)
			}
		}
		if len(targets) == 0 {
			return nil, errors.WithHint(
				errors.NewInvalidRequestError("delivery %s has no failed or cancelled platforms", id),
				"rejected platforms need a corrected asset in a new delivery")
		}
	} else {
		if targets, err = selectPlatforms(d, platforms); err != nil {
			return nil, err
		}
		for _, p := range targets {
			if err := retryable(d.PlatformDeliveries[p]); err != nil {
				return nil, errors.WithDetail(err, fmt.Sprintf("Delivery ID: %s", id))
			}
		}
	}

	// Requirements may have changed since creation
	var configs []PlatformConfig
	for _, p := range targets {
		cfg, ok := o.registry.Config(p)
		if !ok {
			return nil, errors.NewInvalidRequestError("platform %s is no longer configured", p)
		}
		configs = append(configs, cfg)
	}
	if violations := checkAssets(d.Assets, configs); len(violations) > 0 {
		problems := make([]string, len(violations))
		for i, v := range violations {
			problems[i] = v.String()
		}
		return nil, withProblems(
			errors.NewInvalidRequestError("%d asset(s) fail current platform requirements", len(violations)),
			problems)
	}

	// All targets reset together or none do
	now := o.now()
	resets := make([]PlatformUpdate, len(targets))
	for i, p := range targets {
		pd := d.PlatformDeliveries[p]
		resets[i] = PlatformUpdate{
			Platform: &PlatformDelivery{
				PlatformID: p,
				Status:     StatusPending,
				Attempts:   pd.Attempts,
				UpdatedAt:  now,
			},
			From:        pd.Status,
			FromVersion: pd.Version,
			Log:         fmt.Sprintf("%s retry requested", p),
		}
	}
	d, err = o.store.UpdatePlatforms(ctx, id, resets...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reset platforms %v", targets)
	}
	for _, u := range resets {
		o.dispatch(id, d.Assets, *u.Platform)
	}

	o.publish(d)
	o.logger.Infow("Delivery retried", logger.FieldDeliveryID, id, "platforms", targets)
	return d, nil
}

// Resume dispatches every unfinished platform that has no local task.
// Platforms with a submission handle go straight to polling.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	deliveries, err := o.store.ListUnfinished(ctx, resumeBatch)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, d := range deliveries {
		for _, p := range d.Platforms {
			pd := d.PlatformDeliveries[p]
			if !pd.Status.InProgress() || o.hasTask(taskKey{d.ID, p}) {
				continue
			}
			if o.dispatch(d.ID, d.Assets, *pd) {
				resumed++
			}
		}
	}
	return resumed, nil
}

// Sweep fails platform tasks dispatched longer ago than the platform
// timeout and interrupts their local task, if any
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	if o.cfg.PlatformTimeout <= 0 {
		return 0, nil
	}
	stuck, err := o.store.ListStuckPlatforms(ctx, o.now().Add(-o.cfg.PlatformTimeout), resumeBatch)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, s := range stuck {
		pd := s.Platform
		next := pd
		next.Status = StatusFailed
		next.Error = fmt.Sprintf("timed out after %s", o.cfg.PlatformTimeout)
		next.UpdatedAt = o.now()

		d, err := o.store.UpdatePlatform(ctx, s.DeliveryID, &next, pd.Status, pd.Version,
			fmt.Sprintf("%s %s", pd.PlatformID, next.Error))
		if errors.Is(err, errors.ErrConflict) {
			continue
		}
		if err != nil {
			return swept, err
		}
		swept++
		o.cancelTask(taskKey{s.DeliveryID, pd.PlatformID}, errors.ErrTimeout)
		o.publish(d)
		o.recordError(ctx, s.DeliveryID, fmt.Sprintf("%s %s", pd.PlatformID, next.Error), o.logger)
		o.logger.Warnw("Platform task timed out",
			logger.FieldDeliveryID, s.DeliveryID,
			logger.FieldPlatform, pd.PlatformID,
			"timeout", o.cfg.PlatformTimeout)
	}
	return swept, nil
}

// Stats reports deliveries by status and running platform tasks
func (o *Orchestrator) Stats(ctx context.Context) (*Stats, error) {
	counts, err := o.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	active := len(o.tasks)
	o.mu.Unlock()
	return &Stats{ByStatus: counts, ActiveTasks: active, Platforms: o.registry.Names()}, nil
}

func (o *Orchestrator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Sweep(ctx); err != nil && ctx.Err() == nil && !db.IsDatabaseClosed(err) {
				o.logger.Errorw("Platform sweep failed", logger.FieldError, err)
			}
		}
	}
}

// dispatch starts the task for one platform. A task still winding down for
// the same platform is replaced; it can no longer write since its row has
// moved on.
func (o *Orchestrator) dispatch(deliveryID string, assets []AssetRef, pd PlatformDelivery) bool {
	key := taskKey{deliveryID, pd.PlatformID}

	o.mu.Lock()
	if o.ctx.Err() != nil {
		o.mu.Unlock()
		return false
	}
	if old, ok := o.tasks[key]; ok {
		old.cancel(errors.ErrCancelled)
	}
	ctx, cancel := context.WithCancelCause(o.ctx)
	t := &task{cancel: cancel}
	o.tasks[key] = t
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			if o.tasks[key] == t {
				delete(o.tasks, key)
			}
			o.mu.Unlock()
			cancel(nil)
		}()
		o.runPlatform(ctx, deliveryID, assets, pd)
	}()
	return true
}

func (o *Orchestrator) cancelTask(key taskKey, cause error) {
	o.mu.Lock()
	t, ok := o.tasks[key]
	o.mu.Unlock()
	if ok {
		t.cancel(cause)
	}
}

func (o *Orchestrator) hasTask(key taskKey) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.tasks[key]
	return ok
}

// runPlatform submits (unless a handle exists) and polls until the
// platform finishes, the row is finished elsewhere, or ctx is cancelled
func (o *Orchestrator) runPlatform(ctx context.Context, deliveryID string, assets []AssetRef, pd PlatformDelivery) {
	ctx = logger.WithDeliveryID(ctx, deliveryID)
	log := logger.FromContext(ctx, o.logger).With(logger.FieldPlatform, pd.PlatformID)

	defer func() {
		if r := recover(); r != nil {
			log.Errorw("Platform task panicked", "panic", r, "stack", string(debug.Stack()))
			msg := fmt.Sprintf("platform task panicked: %v", r)
			o.failWithError(context.Background(), deliveryID, &pd, msg, fmt.Sprintf("%s failed: internal error", pd.PlatformID), log)
		}
	}()

	adapter := o.registry.Get(pd.PlatformID)
	cfg, _ := o.registry.Config(pd.PlatformID)
	if adapter == nil {
		o.failWithError(ctx, deliveryID, &pd, "no adapter registered for platform",
			fmt.Sprintf("%s failed: no adapter registered", pd.PlatformID), log)
		return
	}
	limiter := o.registry.Limiter(pd.PlatformID)

	if pd.Handle == "" {
		now := o.now()
		ok := o.advance(ctx, deliveryID, &pd, func(next *PlatformDelivery) {
			next.Status = StatusValidating
			next.Progress = 0
			next.Attempts++
			next.DispatchedAt = &now
		}, fmt.Sprintf("submitting to %s", cfg.Name), log)
		if !ok {
			o.stopped(ctx, adapter, &pd, log)
			return
		}

		if err := limiter.Wait(ctx); err != nil {
			o.stopped(ctx, adapter, &pd, log)
			return
		}
		handle, err := adapter.Submit(ctx, assets, cfg)
		if err != nil {
			if ctx.Err() != nil {
				o.stopped(ctx, adapter, &pd, log)
				return
			}
			status := StatusFailed
			if errors.Is(err, ErrRejected) {
				status = StatusRejected
			}
			o.advance(ctx, deliveryID, &pd, func(next *PlatformDelivery) {
				next.Status = status
				next.Error = err.Error()
			}, fmt.Sprintf("%s %s: %v", pd.PlatformID, status, err), log)
			return
		}

		if !o.advance(ctx, deliveryID, &pd, func(next *PlatformDelivery) {
			next.Handle = handle
		}, fmt.Sprintf("submitted to %s", cfg.Name), log) {
			// The row moved on while we were submitting; withdraw the submission
			pd.Handle = handle
			o.stopped(ctx, adapter, &pd, log)
			return
		}
		log.Debugw("Submitted to platform", "handle", handle)
	}

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	statusErrors := 0
	for {
		if err := limiter.Wait(ctx); err != nil {
			o.stopped(ctx, adapter, &pd, log)
			return
		}

		report, err := adapter.Status(ctx, pd.Handle)
		if err == nil && !report.Status.InProgress() && !report.Status.IsTerminal() {
			err = errors.Newf("adapter reported unknown status %q", report.Status)
		}
		if err != nil {
			if ctx.Err() != nil {
				o.stopped(ctx, adapter, &pd, log)
				return
			}
			statusErrors++
			log.Warnw("Platform status check failed", logger.FieldError, err, "consecutive", statusErrors)
			if statusErrors >= maxStatusErrors {
				o.advance(ctx, deliveryID, &pd, func(next *PlatformDelivery) {
					next.Status = StatusFailed
					next.Error = fmt.Sprintf("status unavailable after %d checks: %v", statusErrors, err)
				}, fmt.Sprintf("%s failed: status unavailable", pd.PlatformID), log)
				return
			}
		} else {
			statusErrors = 0
			if !o.applyReport(ctx, deliveryID, &pd, report, log) {
				// A result the platform reported itself needs no withdrawal
				if ctx.Err() != nil || pd.Status != report.Status {
					o.stopped(ctx, adapter, &pd, log)
				}
				return
			}
		}

		select {
		case <-ctx.Done():
			o.stopped(ctx, adapter, &pd, log)
			return
		case <-ticker.C:
		}
	}
}

// applyReport records a status report and returns whether polling should
// continue
func (o *Orchestrator) applyReport(ctx context.Context, deliveryID string, pd *PlatformDelivery, r StatusReport, log *zap.SugaredLogger) bool {
	progress := r.Progress
	if r.Status.InProgress() && progress < pd.Progress {
		progress = pd.Progress
	}

	if r.Status == pd.Status && progress == pd.Progress {
		// Nothing new; still notice a cancel or timeout written by another process
		cur, err := o.store.GetPlatform(ctx, deliveryID, pd.PlatformID)
		if err != nil {
			return ctx.Err() == nil && !db.IsDatabaseClosed(err)
		}
		*pd = *cur
		return cur.Status.InProgress()
	}

	var msg string
	switch r.Status {
	case StatusDelivered:
		msg = fmt.Sprintf("%s delivered: %s", pd.PlatformID, r.URL)
	case StatusFailed, StatusRejected:
		msg = fmt.Sprintf("%s %s: %s", pd.PlatformID, r.Status, r.Error)
	default:
		if r.Status != pd.Status {
			msg = fmt.Sprintf("%s %s", pd.PlatformID, r.Status)
		}
	}

	return o.advance(ctx, deliveryID, pd, func(next *PlatformDelivery) {
		next.Status = r.Status
		next.Progress = progress
		next.URL = r.URL
		next.Error = r.Error
		if r.Status == StatusFailed || r.Status == StatusRejected {
			if next.Error == "" {
				next.Error = "platform reported " + string(r.Status)
			}
		}
	}, msg, log)
}

// advance applies mutate to the platform row through compare-and-set and
// publishes the result. On a lost race it re-reads the row and tries again
// while the platform is still in progress. It returns whether the platform
// is still in progress afterwards.
func (o *Orchestrator) advance(ctx context.Context, deliveryID string, pd *PlatformDelivery, mutate func(*PlatformDelivery), logMsg string, log *zap.SugaredLogger) bool {
	for i := 0; i < maxUpdateRetries; i++ {
		if ctx.Err() != nil || !pd.Status.InProgress() {
			return false
		}
		next := *pd
		mutate(&next)
		next.UpdatedAt = o.now()

		d, err := o.store.UpdatePlatform(ctx, deliveryID, &next, pd.Status, pd.Version, logMsg)
		if errors.Is(err, errors.ErrConflict) {
			cur, gerr := o.store.GetPlatform(ctx, deliveryID, pd.PlatformID)
			if gerr != nil {
				log.Errorw("Failed to reload platform after conflict", logger.FieldError, gerr)
				return false
			}
			*pd = *cur
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				log.Errorw("Failed to record platform update", logger.FieldError, err, logger.FieldStatus, next.Status)
			}
			return false
		}

		*pd = next
		o.publish(d)
		switch next.Status {
		case StatusDelivered:
			log.Infow("Platform delivered", "url", next.URL, logger.FieldStatus, d.Status)
		case StatusFailed, StatusRejected:
			log.Warnw("Platform delivery "+string(next.Status), logger.FieldError, next.Error, logger.FieldStatus, d.Status)
		}
		return next.Status.InProgress()
	}
	return false
}

// failWithError fails the platform for a reason outside the platform itself
// and records it among the delivery errors
func (o *Orchestrator) failWithError(ctx context.Context, deliveryID string, pd *PlatformDelivery, reason, logMsg string, log *zap.SugaredLogger) {
	o.advance(ctx, deliveryID, pd, func(next *PlatformDelivery) {
		next.Status = StatusFailed
		next.Error = reason
	}, logMsg, log)
	if pd.Status == StatusFailed && pd.Error == reason {
		o.recordError(ctx, deliveryID, fmt.Sprintf("%s: %s", pd.PlatformID, reason), log)
	}
}

// recordError appends msg to the delivery errors and publishes the result
func (o *Orchestrator) recordError(ctx context.Context, deliveryID, msg string, log *zap.SugaredLogger) {
	if err := o.store.AddError(ctx, deliveryID, msg, o.now()); err != nil {
		log.Errorw("Failed to record delivery error", logger.FieldDeliveryID, deliveryID, logger.FieldError, err)
		return
	}
	d, err := o.store.Get(ctx, deliveryID)
	if err != nil {
		log.Errorw("Failed to reload delivery", logger.FieldDeliveryID, deliveryID, logger.FieldError, err)
		return
	}
	o.publish(d)
}

// stopped runs when a task ends without reaching a result itself. A cancel
// or timeout withdraws the submission on the platform; a shutdown leaves it
// for the next Resume.
func (o *Orchestrator) stopped(ctx context.Context, adapter Adapter, pd *PlatformDelivery, log *zap.SugaredLogger) {
	cause := context.Cause(ctx)
	shutdown := ctx.Err() != nil && !errors.Is(cause, errors.ErrCancelled) && !errors.Is(cause, errors.ErrTimeout)
	if shutdown {
		log.Infow("Platform task interrupted by shutdown", logger.FieldStatus, pd.Status)
		return
	}
	if pd.Handle == "" || pd.Status == StatusDelivered || pd.Status == StatusRejected {
		return
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), adapterCancelTimeout)
	defer cancel()
	if err := adapter.Cancel(cancelCtx, pd.Handle); err != nil {
		log.Warnw("Failed to withdraw platform submission", "handle", pd.Handle, logger.FieldError, err)
		return
	}
	log.Infow("Withdrew platform submission", "handle", pd.Handle, logger.FieldStatus, pd.Status)
}

func (o *Orchestrator) publish(d *Delivery) {
	if o.publisher != nil && d != nil {
		o.publisher.Publish(d.Snapshot())
	}
}

// selectPlatforms returns the requested platforms, or all of them, after
// checking they belong to the delivery
func selectPlatforms(d *Delivery, requested []PlatformID) ([]PlatformID, error) {
	if len(requested) == 0 {
		return d.Platforms, nil
	}
	seen := make(map[PlatformID]bool, len(requested))
	var out []PlatformID
	for _, p := range requested {
		if _, ok := d.PlatformDeliveries[p]; !ok {
			return nil, errors.WithHintf(
				errors.NewInvalidRequestError("platform %s is not part of delivery %s", p, d.ID),
				"delivery platforms: %v", d.Platforms)
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

func retryable(pd *PlatformDelivery) error {
	switch {
	case pd.Status.Retryable():
		return nil
	case pd.Status == StatusRejected:
		return errors.WithHint(
			errors.NewInvalidRequestError("platform %s rejected the content", pd.PlatformID),
			"fix the asset and create a new delivery; a retry would send the same content")
	case pd.Status == StatusDelivered:
		return errors.NewInvalidRequestError("platform %s is already delivered", pd.PlatformID)
	default:
		return errors.Wrapf(errors.ErrConflict, "platform %s is still %s", pd.PlatformID, pd.Status)
	}
}

func describeStatuses(d *Delivery, platforms []PlatformID) string {
	s := ""
	for i, p := range platforms {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s=%s", p, d.PlatformDeliveries[p].Status)
	}
	return s
}
