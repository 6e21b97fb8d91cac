package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/companionmemory/compmem/internal/clock"
)

// ErrorReporter receives handler failures with job context attached.
type ErrorReporter interface {
	ReportJobError(ctx context.Context, err error, job *Job)
}

// WorkerConfig holds runtime parameters for the worker loop.
type WorkerConfig struct {
	ID              string
	PollInterval    time.Duration
	BatchSize       int
	LeaseDuration   time.Duration
	Concurrency     int
	ShutdownTimeout time.Duration
	Retry           RetryPolicy
}

// DefaultWorkerConfig returns production defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		ID:              "worker-" + uuid.NewString()[:8],
		PollInterval:    30 * time.Second,
		BatchSize:       25,
		LeaseDuration:   60 * time.Second,
		Concurrency:     8,
		ShutdownTimeout: 30 * time.Second,
		Retry:           DefaultRetryPolicy(),
	}
}

// finalizeTimeout bounds the table writes that record a job's outcome.
const finalizeTimeout = 30 * time.Second

// Worker polls for due jobs, claims them and runs their handlers under a
// renewed lease. Many workers may poll the same table; the claim CAS decides
// ownership, so losing a race is routine rather than an error.
type Worker struct {
	store    *Store
	registry *Registry
	clock    clock.Clock
	reporter ErrorReporter
	logger   *slog.Logger
	cfg      WorkerConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
	sem    chan struct{}
}

// NewWorker creates a Worker. Zero-valued config fields fall back to
// DefaultWorkerConfig. The reporter may be nil.
func NewWorker(store *Store, registry *Registry, clk clock.Clock, reporter ErrorReporter, logger *slog.Logger, cfg WorkerConfig) *Worker {
	def := DefaultWorkerConfig()
	if cfg.ID == "" {
		cfg.ID = def.ID
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	return &Worker{
		store:    store,
		registry: registry,
		clock:    clk,
		reporter: reporter,
		logger:   logger,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.Concurrency),
	}
}

// ID returns the worker's identifier as written into job locks.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Start launches the poll loop.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.pollLoop(ctx)
	w.logger.Info("worker started",
		"worker_id", w.cfg.ID,
		"poll_interval", w.cfg.PollInterval,
		"lease", w.cfg.LeaseDuration,
		"concurrency", w.cfg.Concurrency,
		"job_types", len(w.registry.Types()),
	)
}

// Stop halts polling and waits up to the shutdown timeout for in-flight
// handlers. Jobs still running after that are abandoned; their leases expire
// and another worker reclaims them.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info("worker stopped", "worker_id", w.cfg.ID)
	case <-time.After(w.cfg.ShutdownTimeout):
		w.logger.Warn("worker shutdown timed out with jobs in flight", "worker_id", w.cfg.ID)
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	// Poll immediately on startup rather than waiting out the first interval.
	w.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

// pollOnce queries due jobs and tries to claim each in ascending scheduled
// order. The concurrency slot is taken before the claim so a saturated
// worker stops claiming instead of burning leases on jobs it cannot start.
func (w *Worker) pollOnce(ctx context.Context) {
	due, err := w.store.QueryDue(ctx, w.clock.Now(), w.cfg.BatchSize)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Error("failed to query due jobs", "error", err)
		return
	}

	for i := range due {
		job := &due[i]
		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		claimed, err := w.store.Claim(ctx, job, w.cfg.ID, w.clock.Now(), w.cfg.LeaseDuration)
		if err != nil {
			<-w.sem
			if errors.Is(err, ErrLostRace) {
				w.logger.Debug("job claimed elsewhere", "job_id", job.ID, "sk", job.SortKey())
				continue
			}
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to claim job", "job_id", job.ID, "error", err)
			continue
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.execute(claimed)
		}()
	}
}

// execute runs one claimed job to a recorded outcome. The handler context is
// detached from the poll loop so shutdown lets in-flight jobs finish their
// table writes; Stop bounds the wait instead. Losing the lease cancels the
// handler context, since another worker then owns the outcome.
func (w *Worker) execute(job *Job) {
	logger := w.logger.With("job_id", job.ID, "job_type", job.Type, "attempt", job.Attempts)
	logger.Info("claimed job", "worker_id", w.cfg.ID, "scheduled_for", job.ScheduledFor)

	handlerCtx, cancelHandler := context.WithCancel(context.Background())
	defer cancelHandler()
	renewCtx, stopRenew := context.WithCancel(context.Background())
	defer stopRenew()
	go w.renewLease(renewCtx, job, cancelHandler)

	err := w.registry.Dispatch(handlerCtx, job)
	stopRenew()

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	now := w.clock.Now()

	switch {
	case err == nil:
		if mErr := w.store.MarkCompleted(ctx, job, w.cfg.ID, now); mErr != nil {
			w.logFinalizeError(logger, "completion", mErr)
			return
		}
		logger.Info("job completed")

	case IsPermanent(err) || !w.cfg.Retry.ShouldRetry(job.Attempts):
		w.report(ctx, err, job)
		if mErr := w.store.MarkDeadLetter(ctx, job, w.cfg.ID, now, err.Error()); mErr != nil {
			w.logFinalizeError(logger, "dead-letter", mErr)
			return
		}
		logger.Error("job dead-lettered", "error", err, "permanent", IsPermanent(err))

	default:
		w.report(ctx, err, job)
		nextRun := w.cfg.Retry.NextRun(now, job.Attempts)
		next, mErr := w.store.MarkFailedForRetry(ctx, job, w.cfg.ID, now, nextRun, err.Error())
		if mErr != nil {
			w.logFinalizeError(logger, "retry deferral", mErr)
			return
		}
		logger.Warn("job failed, deferred for retry",
			"error", err, "next_run", next.ScheduledFor)
	}
}

// logFinalizeError separates the benign lost-lease outcome, where another
// worker reclaimed the job and owns its result, from real store failures.
func (w *Worker) logFinalizeError(logger *slog.Logger, op string, err error) {
	if errors.Is(err, ErrLeaseLost) {
		logger.Warn("lease lost before finalization, outcome owned elsewhere", "op", op)
		return
	}
	logger.Error("failed to record job outcome", "op", op, "error", err)
}

// renewLease extends the job's lock every half-lease until cancelled. On a
// lost lease it abandons the run by cancelling the handler context; the
// finalization CAS would be rejected anyway.
func (w *Worker) renewLease(ctx context.Context, job *Job, onLost context.CancelFunc) {
	interval := w.cfg.LeaseDuration / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.store.RenewLease(ctx, job, w.cfg.ID, w.clock.Now(), w.cfg.LeaseDuration)
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrLeaseLost) {
				w.logger.Warn("job lease lost, abandoning handler", "job_id", job.ID)
				onLost()
				return
			}
			w.logger.Error("failed to renew job lease", "job_id", job.ID, "error", err)
		}
	}
}

func (w *Worker) report(ctx context.Context, err error, job *Job) {
	if w.reporter == nil {
		return
	}
	w.reporter.ReportJobError(ctx, err, job)
}
