// Package store provides the OutboxSender for processing outgoing messages.
package store

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Outbox retry defaults.
const (
	DefaultOutboxBackoffBase = 10 * time.Second
	DefaultOutboxBackoffCap  = 10 * time.Minute
	DefaultMaxSendAttempts   = 5
	DefaultSendConcurrency   = 4
)

// OutboxSendFunc is the callback that performs the actual message send.
// It returns the provider's message id on success.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) (providerMessageID string, err error)

// SendOutcome labels how one send attempt ended.
type SendOutcome string

const (
	SendOutcomeSent      SendOutcome = "sent"
	SendOutcomeRetry     SendOutcome = "retry"
	SendOutcomePermanent SendOutcome = "failed"
)

// OutboxSenderOpts configures an OutboxSender.
type OutboxSenderOpts struct {
	PollInterval   time.Duration
	StaleThreshold time.Duration
	ClaimLimit     int
	Concurrency    int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	// IsPermanent reports send errors that must not be retried.
	IsPermanent func(error) bool
	// Observe is called after every send attempt.
	Observe func(msg OutboxMessage, outcome SendOutcome, took time.Duration)
}

// OutboxSenderOption configures an OutboxSender.
type OutboxSenderOption func(*OutboxSenderOpts)

// WithPollInterval sets how often due messages are claimed.
func WithPollInterval(d time.Duration) OutboxSenderOption {
	return func(o *OutboxSenderOpts) { o.PollInterval = d }
}

// WithSendConcurrency sets how many recipients are served in parallel.
func WithSendConcurrency(n int) OutboxSenderOption {
	return func(o *OutboxSenderOpts) { o.Concurrency = n }
}

// WithMaxSendAttempts sets the attempt budget for transient failures.
func WithMaxSendAttempts(n int) OutboxSenderOption {
	return func(o *OutboxSenderOpts) { o.MaxAttempts = n }
}

// WithBackoff sets the retry backoff base and cap.
func WithBackoff(base, maxDelay time.Duration) OutboxSenderOption {
	return func(o *OutboxSenderOpts) {
		o.BackoffBase = base
		o.BackoffCap = maxDelay
	}
}

// WithPermanentErrorCheck sets the classifier for non-retryable send errors.
func WithPermanentErrorCheck(fn func(error) bool) OutboxSenderOption {
	return func(o *OutboxSenderOpts) { o.IsPermanent = fn }
}

// WithSendObserver registers a callback invoked after every send attempt.
func WithSendObserver(fn func(msg OutboxMessage, outcome SendOutcome, took time.Duration)) OutboxSenderOption {
	return func(o *OutboxSenderOpts) { o.Observe = fn }
}

// OutboxSender periodically claims due outbox messages and attempts to send them.
// Messages to one recipient are sent in order; different recipients are served
// concurrently.
type OutboxSender struct {
	repo     OutboxRepo
	sendFunc OutboxSendFunc
	opts     OutboxSenderOpts
	kick     chan struct{}
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, opts ...OutboxSenderOption) *OutboxSender {
	cfg := OutboxSenderOpts{
		PollInterval:   5 * time.Second,
		StaleThreshold: 5 * time.Minute,
		ClaimLimit:     50,
		Concurrency:    DefaultSendConcurrency,
		MaxAttempts:    DefaultMaxSendAttempts,
		BackoffBase:    DefaultOutboxBackoffBase,
		BackoffCap:     DefaultOutboxBackoffCap,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultSendConcurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxSendAttempts
	}
	return &OutboxSender{
		repo:     repo,
		sendFunc: sendFunc,
		opts:     cfg,
		kick:     make(chan struct{}, 1),
	}
}

// Notify wakes the sender so freshly queued messages go out before the next tick.
func (s *OutboxSender) Notify() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// RecoverStaleMessages requeues messages stuck in sending state (crash recovery).
// Should be called once at startup.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	staleBefore := time.Now().Add(-s.opts.StaleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(ctx, staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.opts.PollInterval, "concurrency", s.opts.Concurrency)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.PollOnce(ctx)
		case <-s.kick:
			s.PollOnce(ctx)
		}
	}
}

// Backoff returns the delay before retry number attempts+1: base*2^attempts, capped.
func (s *OutboxSender) Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 20 {
		return s.opts.BackoffCap
	}
	d := s.opts.BackoffBase * time.Duration(1<<attempts)
	if s.opts.BackoffCap > 0 && d > s.opts.BackoffCap {
		return s.opts.BackoffCap
	}
	return d
}

// PollOnce claims one batch of due messages and sends it. It returns the
// number of messages claimed.
func (s *OutboxSender) PollOnce(ctx context.Context) int {
	now := time.Now()
	msgs, err := s.repo.ClaimDueOutboxMessages(ctx, now, s.opts.ClaimLimit)
	if err != nil {
		slog.Error("OutboxSender.poll: claim failed", "error", err)
		return 0
	}
	if len(msgs) == 0 {
		return 0
	}

	// Group by recipient, keeping claim order inside each group.
	var keys []string
	groups := make(map[string][]OutboxMessage)
	for _, m := range msgs {
		key := m.ChannelID + "|" + m.Recipient
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], m)
	}

	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for _, key := range keys {
		group := groups[key]
		g.Go(func() error {
			s.sendGroup(ctx, group)
			return nil
		})
	}
	_ = g.Wait()
	return len(msgs)
}

// sendGroup sends one recipient's messages in order. After a transient
// failure the rest of the group is held back behind the failed message.
func (s *OutboxSender) sendGroup(ctx context.Context, group []OutboxMessage) {
	for i, msg := range group {
		slog.Debug("OutboxSender.poll: sending message", "id", msg.ID, "recipient", msg.Recipient, "kind", msg.Kind)
		start := time.Now()
		providerID, err := s.sendFunc(ctx, msg)
		took := time.Since(start)
		if err == nil {
			if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID, providerID); err != nil {
				slog.Error("OutboxSender.poll: mark sent error", "id", msg.ID, "error", err)
			}
			s.observe(msg, SendOutcomeSent, took)
			slog.Debug("OutboxSender.poll: message sent", "id", msg.ID, "recipient", msg.Recipient, "providerID", providerID)
			continue
		}

		permanent := s.opts.IsPermanent != nil && s.opts.IsPermanent(err)
		if permanent || msg.Attempts+1 >= s.opts.MaxAttempts {
			slog.Error("OutboxSender.poll: send failed permanently", "id", msg.ID, "attempts", msg.Attempts+1, "error", err)
			if err := s.repo.MarkOutboxMessageFailed(ctx, msg.ID, err.Error()); err != nil {
				slog.Error("OutboxSender.poll: mark failed error", "id", msg.ID, "error", err)
			}
			s.observe(msg, SendOutcomePermanent, took)
			continue
		}

		nextAttempt := time.Now().Add(s.Backoff(msg.Attempts))
		slog.Warn("OutboxSender.poll: send failed, will retry", "id", msg.ID, "attempts", msg.Attempts+1, "next", nextAttempt, "error", err)
		if err := s.repo.FailOutboxMessage(ctx, msg.ID, err.Error(), nextAttempt); err != nil {
			slog.Error("OutboxSender.poll: fail message error", "id", msg.ID, "error", err)
		}
		s.observe(msg, SendOutcomeRetry, took)
		for _, held := range group[i+1:] {
			if err := s.repo.ReleaseOutboxMessage(ctx, held.ID, nextAttempt); err != nil {
				slog.Error("OutboxSender.poll: release message error", "id", held.ID, "error", err)
			}
		}
		return
	}
}

func (s *OutboxSender) observe(msg OutboxMessage, outcome SendOutcome, took time.Duration) {
	if s.opts.Observe != nil {
		s.opts.Observe(msg, outcome, took)
	}
}
