package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/scheduler"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// DefaultSweepSchedule runs the abandonment sweep once a minute.
const DefaultSweepSchedule = "@every 1m"

// SweepInactive abandons active sessions idle for longer than the inactivity
// timeout. Each candidate is re-read under its contact lock, so a session that
// received an answer since it was listed is left alone. It returns the number
// of sessions abandoned.
func (e *Engine) SweepInactive(ctx context.Context) (int, error) {
	cutoff := e.opts.Now().Add(-e.opts.InactivityTimeout)
	stale, err := e.store.ListStaleSessions(ctx, cutoff, e.opts.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale sessions: %w", err)
	}

	abandoned := 0
	for _, s := range stale {
		if ctx.Err() != nil {
			return abandoned, ctx.Err()
		}
		ok, err := e.abandonIfStale(ctx, s)
		if err != nil {
			slog.Error("Engine.SweepInactive: abandon failed", "sessionID", s.ID, "error", err)
			continue
		}
		if ok {
			abandoned++
		}
	}
	return abandoned, nil
}

func (e *Engine) abandonIfStale(ctx context.Context, candidate models.ConversationSession) (bool, error) {
	release, acquired, err := e.locks.TryAcquire(ctx, contactKey(candidate.ChannelID, candidate.ContactAddress), e.opts.LockTTL)
	if err != nil {
		return false, err
	}
	if !acquired {
		// The contact is being served right now; the next sweep re-checks.
		return false, nil
	}
	defer release()

	sess, err := e.store.GetSession(ctx, candidate.ID)
	if err != nil {
		return false, err
	}
	now := e.opts.Now()
	if sess.Status != models.SessionStatusActive || !e.expired(sess, now) {
		return false, nil
	}
	wf, err := e.catalog.Get(ctx, sess.WorkflowID)
	if err != nil {
		return false, fmt.Errorf("failed to load workflow %s: %w", sess.WorkflowID, err)
	}

	p := &pending{
		tx:    store.Transition{Contact: sess.ContactAddress},
		cause: "timeout",
	}
	if err := e.stage(p, wf, e.machine.Abandon(sess, models.AbandonReasonTimeout, now)); err != nil {
		return false, err
	}
	if err := e.commit(ctx, p); err != nil {
		return false, err
	}
	return true, nil
}

// Sweeper runs Engine.SweepInactive on a cron schedule.
type Sweeper struct {
	engine  *Engine
	sched   *scheduler.Scheduler
	spec    string
	timeout time.Duration
}

// NewSweeper creates a Sweeper. An empty spec uses DefaultSweepSchedule.
func NewSweeper(engine *Engine, sched *scheduler.Scheduler, spec string) *Sweeper {
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	return &Sweeper{engine: engine, sched: sched, spec: spec, timeout: time.Minute}
}

// Start registers the sweep with the scheduler.
func (s *Sweeper) Start() error {
	if err := s.sched.AddJob(s.spec, s.RunOnce); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.spec, err)
	}
	slog.Info("Sweeper.Start: abandonment sweep scheduled", "schedule", s.spec, "timeout", s.engine.opts.InactivityTimeout)
	return nil
}

// RunOnce performs one sweep.
func (s *Sweeper) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	n, err := s.engine.SweepInactive(ctx)
	if err != nil {
		slog.Error("Sweeper.RunOnce: sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Sweeper.RunOnce: abandoned inactive sessions", "count", n)
	}
}
