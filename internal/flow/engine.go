package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/lock"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// Result reports what the engine did with one inbound message.
type Result struct {
	Outcome    Outcome              `json:"outcome"`
	SessionID  string               `json:"session_id,omitempty"`
	WorkflowID string               `json:"workflow_id,omitempty"`
	Status     models.SessionStatus `json:"status,omitempty"`
	// Hint is the validation hint sent back when an answer was rejected.
	Hint string `json:"hint,omitempty"`
}

// Engine handles inbound messages: one transition per message, serialized
// per (channel, contact) and idempotent on the provider message id.
type Engine struct {
	store     store.Store
	catalog   *Catalog
	locks     lock.KeyedLock
	machine   *Machine
	projector *Projector
	opts      Opts
}

// NewEngine creates an Engine. projector may be nil, in which case completed
// sessions are only projected by the durable job.
func NewEngine(st store.Store, catalog *Catalog, locks lock.KeyedLock, projector *Projector, opts ...Option) *Engine {
	cfg := buildOpts(opts...)
	if projector != nil {
		projector.SetObserver(cfg.Observer)
	}
	slog.Debug("Engine created", "maxRetries", cfg.MaxRetries, "skipCommand", cfg.SkipCommand, "skipMatch", cfg.SkipMatch, "timeout", cfg.InactivityTimeout, "restartOnTrigger", cfg.RestartOnTrigger)
	return &Engine{
		store:     st,
		catalog:   catalog,
		locks:     locks,
		machine:   &Machine{opts: cfg, validator: &Validator{opts: cfg}},
		projector: projector,
		opts:      cfg,
	}
}

// Catalog returns the workflow catalog used by the engine.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// contactKey is the lock key serializing one contact's conversation.
func contactKey(channelID, contact string) string {
	return "contact:" + channelID + "|" + contact
}

// messageKey scopes provider message ids to their channel for dedup.
func messageKey(msg models.InboundMessage) string {
	return msg.ChannelID + ":" + msg.ProviderMessageID
}

// HandleInboundMessage applies msg to the sender's conversation. Calling it
// again with the same provider message id has no further effect.
func (e *Engine) HandleInboundMessage(ctx context.Context, msg models.InboundMessage) (Result, error) {
	start := time.Now()
	if err := msg.Validate(); err != nil {
		return Result{}, err
	}

	key := contactKey(msg.ChannelID, msg.ContactAddress)
	release, err := e.locks.Acquire(ctx, key, e.opts.LockTTL)
	if err != nil {
		return Result{}, fmt.Errorf("failed to lock conversation: %w", err)
	}
	res, err := e.handleLocked(ctx, msg)
	if errors.Is(err, store.ErrActiveSessionExists) {
		// Another instance created a session between our read and commit.
		slog.Warn("Engine.HandleInboundMessage: active session conflict, reloading", "channelID", msg.ChannelID, "contact", msg.ContactAddress)
		res, err = e.handleLocked(ctx, msg)
	}
	release()

	if errors.Is(err, store.ErrDuplicateMessage) {
		res, err = Result{Outcome: OutcomeDuplicate}, nil
	}
	if err != nil {
		slog.Error("Engine.HandleInboundMessage: transition failed", "channelID", msg.ChannelID, "contact", msg.ContactAddress, "messageID", msg.ProviderMessageID, "error", err)
		return Result{}, err
	}

	if res.Outcome == OutcomeCompleted && e.projector != nil {
		if err := e.projector.Project(ctx, res.SessionID); err != nil {
			slog.Warn("Engine.HandleInboundMessage: projection deferred to retry job", "sessionID", res.SessionID, "error", err)
		}
	}
	e.opts.Observer.InboundHandled(msg.ChannelID, res.Outcome, time.Since(start))
	slog.Debug("Engine.HandleInboundMessage: handled", "channelID", msg.ChannelID, "contact", msg.ContactAddress, "outcome", res.Outcome, "sessionID", res.SessionID)
	return res, nil
}

// pending accumulates one transition before it is committed.
type pending struct {
	tx    store.Transition
	cause string
	ended []*models.ConversationSession
}

func (e *Engine) handleLocked(ctx context.Context, msg models.InboundMessage) (Result, error) {
	msgKey := messageKey(msg)
	dup, err := e.store.IsDuplicate(ctx, msgKey)
	if err != nil {
		return Result{}, fmt.Errorf("dedup check failed: %w", err)
	}
	if dup {
		slog.Debug("Engine.HandleInboundMessage: duplicate delivery", "messageID", msg.ProviderMessageID, "channelID", msg.ChannelID)
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	now := e.opts.Now()
	p := &pending{tx: store.Transition{MessageID: msgKey, Contact: msg.ContactAddress}, cause: msgKey}

	active, err := e.store.GetActiveSession(ctx, msg.ChannelID, msg.ContactAddress)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load active session: %w", err)
	}

	if active != nil {
		wf, err := e.catalog.Get(ctx, active.WorkflowID)
		if err != nil {
			return Result{}, fmt.Errorf("failed to load workflow %s: %w", active.WorkflowID, err)
		}
		// A session past its timeout is ended here even if the sweeper has
		// not reached it yet; the message is then handled as a fresh one.
		if e.expired(active, now) {
			if err := e.stage(p, wf, e.machine.Abandon(active, models.AbandonReasonTimeout, now)); err != nil {
				return Result{}, err
			}
			active = nil
		} else if e.opts.RestartOnTrigger {
			next, ok, err := e.matchTrigger(ctx, msg)
			if err != nil {
				return Result{}, err
			}
			if ok {
				if err := e.stage(p, wf, e.machine.Abandon(active, models.AbandonReasonRestarted, now)); err != nil {
					return Result{}, err
				}
				return e.start(ctx, p, next, msg, now)
			}
		}
		if active != nil {
			step := e.machine.Step(wf, active, msg.Text, msg.ProviderMessageID, now)
			if err := e.stage(p, wf, step); err != nil {
				return Result{}, err
			}
			if err := e.commit(ctx, p); err != nil {
				return Result{}, err
			}
			return resultOf(step), nil
		}
	}

	wf, ok, err := e.matchTrigger(ctx, msg)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		// Recording the message keeps a redelivery from starting a workflow
		// published in between.
		if err := e.commit(ctx, p); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomePassthrough}, nil
	}
	return e.start(ctx, p, wf, msg, now)
}

func (e *Engine) start(ctx context.Context, p *pending, wf *models.WorkflowDefinition, msg models.InboundMessage, now time.Time) (Result, error) {
	step := e.machine.Start(wf, msg, now)
	if err := e.stage(p, wf, step); err != nil {
		return Result{}, err
	}
	if err := e.commit(ctx, p); err != nil {
		return Result{}, err
	}
	slog.Info("Engine.HandleInboundMessage: session started", "sessionID", step.Session.ID, "workflowID", wf.ID, "channelID", msg.ChannelID, "contact", msg.ContactAddress)
	return resultOf(step), nil
}

func (e *Engine) matchTrigger(ctx context.Context, msg models.InboundMessage) (*models.WorkflowDefinition, bool, error) {
	workflows, err := e.catalog.ActiveForChannel(ctx, msg.ChannelID)
	if err != nil {
		return nil, false, err
	}
	wf, ok := MatchTrigger(msg.Text, workflows)
	return wf, ok, nil
}

func (e *Engine) expired(sess *models.ConversationSession, now time.Time) bool {
	return now.Sub(sess.LastActivityAt) >= e.opts.InactivityTimeout
}

// stage adds the session update, its replies and any projection job to p.
func (e *Engine) stage(p *pending, wf *models.WorkflowDefinition, step StepResult) error {
	sess := step.Session
	p.tx.Sessions = append(p.tx.Sessions, sess)
	if sess.Status.IsTerminal() {
		p.ended = append(p.ended, sess)
	}

	vars := TemplateVars(wf, sess)
	for i, r := range step.Replies {
		payload, err := json.Marshal(models.OutboundPayload{Template: r.Text, Vars: vars})
		if err != nil {
			return fmt.Errorf("failed to encode %s reply: %w", r.Kind, err)
		}
		p.tx.Outbox = append(p.tx.Outbox, store.OutboxMessage{
			SessionID:   sess.ID,
			ChannelID:   sess.ChannelID,
			Recipient:   sess.ContactAddress,
			Kind:        string(r.Kind),
			PayloadJSON: string(payload),
			DedupeKey:   fmt.Sprintf("%s:%s:%d", sess.ID, p.cause, i),
		})
	}

	if step.Outcome == OutcomeCompleted {
		payload, err := json.Marshal(CRMProjectionPayload{SessionID: sess.ID})
		if err != nil {
			return fmt.Errorf("failed to encode projection job: %w", err)
		}
		p.tx.Jobs = append(p.tx.Jobs, store.JobSpec{
			Kind:        JobKindCRMProjection,
			RunAt:       e.opts.Now().Add(e.opts.ProjectionDelay),
			PayloadJSON: string(payload),
			DedupeKey:   JobKindCRMProjection + ":" + sess.ID,
			MaxAttempts: e.opts.ProjectionMaxAttempts,
		})
	}
	return nil
}

func (e *Engine) commit(ctx context.Context, p *pending) error {
	if err := e.store.CommitTransition(ctx, p.tx); err != nil {
		return err
	}
	for _, s := range p.ended {
		e.opts.Observer.SessionEnded(s.ChannelID, s.Status, s.AbandonReason)
		slog.Info("Engine: session ended", "sessionID", s.ID, "status", s.Status, "reason", s.AbandonReason)
	}
	if len(p.tx.Outbox) > 0 && e.opts.OnOutboxQueued != nil {
		e.opts.OnOutboxQueued()
	}
	return nil
}

func resultOf(step StepResult) Result {
	r := Result{
		Outcome:    step.Outcome,
		SessionID:  step.Session.ID,
		WorkflowID: step.Session.WorkflowID,
		Status:     step.Session.Status,
	}
	if step.Invalid != nil {
		r.Hint = step.Invalid.Hint
	}
	return r
}

// ActiveSession returns the contact's active session on a channel, or
// store.ErrNotFound when there is none.
func (e *Engine) ActiveSession(ctx context.Context, channelID, contact string) (*models.ConversationSession, error) {
	sess, err := e.store.GetActiveSession(ctx, channelID, contact)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

// Session returns a session by id.
func (e *Engine) Session(ctx context.Context, id string) (*models.ConversationSession, error) {
	return e.store.GetSession(ctx, id)
}

// ListSessions returns sessions matching f, newest first.
func (e *Engine) ListSessions(ctx context.Context, f models.SessionFilter) ([]models.ConversationSession, error) {
	return e.store.ListSessions(ctx, f)
}

// Deliveries returns the outbound messages queued for a session, in send order.
func (e *Engine) Deliveries(ctx context.Context, sessionID string) ([]store.OutboxMessage, error) {
	if _, err := e.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.store.ListSessionDeliveries(ctx, sessionID)
}
