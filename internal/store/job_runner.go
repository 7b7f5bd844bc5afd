package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job runner defaults.
const (
	DefaultJobPollInterval   = 10 * time.Second
	DefaultStaleJobThreshold = 5 * time.Minute
	DefaultJobClaimLimit     = 10
	DefaultJobBaseBackoff    = 30 * time.Second
	DefaultJobMaxBackoff     = 30 * time.Minute
	unknownKindRetryDelay    = time.Minute
)

// JobHandler runs one durable job, such as the deferred CRM projection of a
// completed session. A returned error reschedules the job with backoff.
type JobHandler func(ctx context.Context, payload string) error

// JobResult classifies one job run for JobObserver.
type JobResult string

const (
	JobResultDone      JobResult = "done"
	JobResultRetry     JobResult = "retry"
	JobResultNoHandler JobResult = "no_handler"
)

// JobObserver is told about every job run.
type JobObserver func(kind string, result JobResult, took time.Duration)

// JobRunner claims due jobs and runs them through the handler registered for
// their kind. Jobs survive restarts because they live in the store; a job
// claimed by a process that died is requeued by RecoverStaleJobs.
type JobRunner struct {
	repo     JobRepo
	mu       sync.RWMutex
	handlers map[string]JobHandler

	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
	observer       JobObserver
}

// JobRunnerOption configures a JobRunner.
type JobRunnerOption func(*JobRunner)

// WithJobClaimLimit bounds how many jobs one poll claims.
func WithJobClaimLimit(n int) JobRunnerOption {
	return func(r *JobRunner) {
		if n > 0 {
			r.claimLimit = n
		}
	}
}

// WithStaleJobThreshold sets how long a job may stay running before
// RecoverStaleJobs treats its claimant as dead.
func WithStaleJobThreshold(d time.Duration) JobRunnerOption {
	return func(r *JobRunner) {
		if d > 0 {
			r.staleThreshold = d
		}
	}
}

// WithJobBackoff sets the first retry delay and its cap. The delay doubles
// with every failed attempt.
func WithJobBackoff(base, max time.Duration) JobRunnerOption {
	return func(r *JobRunner) {
		if base > 0 {
			r.baseBackoff = base
		}
		if max >= r.baseBackoff {
			r.maxBackoff = max
		}
	}
}

// WithJobClock replaces time.Now.
func WithJobClock(now func() time.Time) JobRunnerOption {
	return func(r *JobRunner) { r.now = now }
}

// WithJobObserver reports each job run to fn.
func WithJobObserver(fn JobObserver) JobRunnerOption {
	return func(r *JobRunner) { r.observer = fn }
}

// NewJobRunner creates a JobRunner polling repo every pollInterval. A zero
// interval uses DefaultJobPollInterval.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...JobRunnerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = DefaultJobPollInterval
	}
	r := &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleThreshold: DefaultStaleJobThreshold,
		claimLimit:     DefaultJobClaimLimit,
		baseBackoff:    DefaultJobBaseBackoff,
		maxBackoff:     DefaultJobMaxBackoff,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHandler binds handler to jobs of kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler: handler bound", "kind", kind)
}

func (r *JobRunner) handler(kind string) (JobHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// RecoverStaleJobs requeues jobs left running by a process that stopped
// mid-run. Call it once at startup, before Run.
func (r *JobRunner) RecoverStaleJobs(ctx context.Context) error {
	n, err := r.repo.RequeueStaleRunningJobs(ctx, r.now().Add(-r.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued interrupted jobs", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: polling for due jobs", "pollInterval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.PollOnce(ctx)
		}
	}
}

// PollOnce claims one batch of due jobs and runs them, returning how many
// were claimed. Jobs left unrun when ctx ends are picked up again after the
// stale threshold.
func (r *JobRunner) PollOnce(ctx context.Context) int {
	jobs, err := r.repo.ClaimDueJobs(ctx, r.now(), r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.PollOnce: claim failed", "error", err)
		return 0
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		r.runJob(ctx, job)
	}
	return len(jobs)
}

func (r *JobRunner) runJob(ctx context.Context, job Job) {
	start := r.now()
	h, ok := r.handler(job.Kind)
	if !ok {
		slog.Warn("JobRunner.runJob: no handler for job kind", "kind", job.Kind, "jobID", job.ID)
		if err := r.repo.FailJob(ctx, job.ID, "no handler registered for kind: "+job.Kind, start.Add(unknownKindRetryDelay)); err != nil {
			slog.Error("JobRunner.runJob: failed to reschedule job", "jobID", job.ID, "error", err)
		}
		r.observe(job.Kind, JobResultNoHandler, start)
		return
	}

	slog.Debug("JobRunner.runJob: running job", "jobID", job.ID, "kind", job.Kind, "attempt", job.Attempt)
	if err := h(ctx, job.PayloadJSON); err != nil {
		next := start.Add(r.backoff(job.Attempt))
		slog.Warn("JobRunner.runJob: job failed, rescheduling", "jobID", job.ID, "kind", job.Kind, "attempt", job.Attempt, "nextRun", next, "error", err)
		if err := r.repo.FailJob(ctx, job.ID, err.Error(), next); err != nil {
			slog.Error("JobRunner.runJob: failed to reschedule job", "jobID", job.ID, "error", err)
		}
		r.observe(job.Kind, JobResultRetry, start)
		return
	}
	if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
		slog.Error("JobRunner.runJob: failed to mark job done", "jobID", job.ID, "error", err)
	}
	slog.Debug("JobRunner.runJob: job done", "jobID", job.ID, "kind", job.Kind)
	r.observe(job.Kind, JobResultDone, start)
}

// backoff returns the retry delay after attempt failed runs: base, 2*base,
// 4*base and so on, capped at maxBackoff.
func (r *JobRunner) backoff(attempt int) time.Duration {
	d := r.baseBackoff
	for i := 0; i < attempt && d < r.maxBackoff; i++ {
		d *= 2
	}
	if d > r.maxBackoff {
		d = r.maxBackoff
	}
	return d
}

func (r *JobRunner) observe(kind string, result JobResult, start time.Time) {
	if r.observer != nil {
		r.observer(kind, result, r.now().Sub(start))
	}
}
