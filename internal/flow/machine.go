package flow

import (
	"errors"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

// Outcome describes what handling one inbound message did.
type Outcome string

const (
	OutcomePassthrough Outcome = "passthrough"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeStarted     Outcome = "started"
	OutcomeAdvanced    Outcome = "advanced"
	OutcomeRetry       Outcome = "retry"
	OutcomeCompleted   Outcome = "completed"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeAbandoned   Outcome = "abandoned"
)

// Reply is one message to queue for the contact.
type Reply struct {
	Kind models.OutboundKind
	Text string
}

// StepResult is the outcome of one state machine transition. Session is a new
// value; the session passed in is never modified.
type StepResult struct {
	Session *models.ConversationSession
	Outcome Outcome
	Replies []Reply
	// Invalid is set when the answer was rejected.
	Invalid *ValidationError
}

// Machine is the conversation state machine. It performs no I/O: callers load
// the session and persist the result.
type Machine struct {
	opts      Opts
	validator *Validator
}

// NewMachine creates a Machine.
func NewMachine(opts ...Option) *Machine {
	cfg := buildOpts(opts...)
	return &Machine{opts: cfg, validator: &Validator{opts: cfg}}
}

// Start opens a session on wf for the sender of msg, awaiting the first
// answer. The initial message and the first prompt are queued.
func (m *Machine) Start(wf *models.WorkflowDefinition, msg models.InboundMessage, at time.Time) StepResult {
	sess := &models.ConversationSession{
		ID:              util.GenerateSessionID(),
		TenantID:        wf.TenantID,
		ChannelID:       msg.ChannelID,
		ContactAddress:  msg.ContactAddress,
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Status:          models.SessionStatusActive,
		CurrentIndex:    0,
		Answers:         []models.Answer{},
		LastMessageID:   msg.ProviderMessageID,
		Projection:      models.ProjectionNone,
		CreatedAt:       at,
		LastActivityAt:  at,
	}
	res := StepResult{Session: sess, Outcome: OutcomeStarted}
	if wf.InitialMessage != "" {
		res.Replies = append(res.Replies, Reply{Kind: models.OutboundInitial, Text: wf.InitialMessage})
	}
	if q, ok := wf.QuestionAt(0); ok {
		res.Replies = append(res.Replies, Reply{Kind: models.OutboundPrompt, Text: RenderPrompt(q, m.opts.MultiChoiceDelimiter)})
	} else {
		m.complete(wf, &res, at)
	}
	return res
}

// Step applies one inbound answer to an active session.
func (m *Machine) Step(wf *models.WorkflowDefinition, sess *models.ConversationSession, text, messageID string, at time.Time) StepResult {
	if sess.Status.IsTerminal() {
		return StepResult{Session: sess.Clone(), Outcome: OutcomePassthrough}
	}
	next := sess.Clone()
	next.LastActivityAt = at
	next.LastMessageID = messageID
	res := StepResult{Session: next}

	if matchesCommand(text, m.skipCommand(wf), m.opts.SkipMatch) {
		next.Status = models.SessionStatusSkipped
		next.CurrentIndex = models.TerminalIndex
		next.RetryCount = 0
		res.Outcome = OutcomeSkipped
		if wf.SkipMessage != "" {
			res.Replies = append(res.Replies, Reply{Kind: models.OutboundSkip, Text: wf.SkipMessage})
		}
		return res
	}

	q, ok := wf.QuestionAt(next.CurrentIndex)
	if !ok {
		m.complete(wf, &res, at)
		return res
	}

	ans, err := m.validator.Validate(q, text)
	if err != nil {
		var verr *ValidationError
		hint := err.Error()
		if errors.As(err, &verr) {
			hint = verr.Hint
		}
		res.Invalid = verr
		next.RetryCount++
		if next.RetryCount > m.opts.MaxRetries {
			out := m.abandon(next, models.AbandonReasonRetries)
			out.Invalid = verr
			return out
		}
		res.Outcome = OutcomeRetry
		res.Replies = append(res.Replies, Reply{Kind: models.OutboundRetry, Text: RenderRetry(q, hint, m.opts.MultiChoiceDelimiter)})
		return res
	}

	ans.AnsweredAt = at
	next.SetAnswer(ans)
	next.RetryCount = 0
	next.CurrentIndex++
	if nq, ok := wf.QuestionAt(next.CurrentIndex); ok {
		res.Outcome = OutcomeAdvanced
		res.Replies = append(res.Replies, Reply{Kind: models.OutboundPrompt, Text: RenderPrompt(nq, m.opts.MultiChoiceDelimiter)})
		return res
	}
	m.complete(wf, &res, at)
	return res
}

// Abandon ends an active session with reason.
func (m *Machine) Abandon(sess *models.ConversationSession, reason models.AbandonReason, at time.Time) StepResult {
	next := sess.Clone()
	next.LastActivityAt = at
	return m.abandon(next, reason)
}

func (m *Machine) abandon(next *models.ConversationSession, reason models.AbandonReason) StepResult {
	next.Status = models.SessionStatusAbandoned
	next.AbandonReason = reason
	next.CurrentIndex = models.TerminalIndex
	res := StepResult{Session: next, Outcome: OutcomeAbandoned}
	// A restarted contact gets the new workflow's greeting instead.
	if m.opts.AbandonMessage != "" && reason != models.AbandonReasonRestarted {
		res.Replies = append(res.Replies, Reply{Kind: models.OutboundAbandon, Text: m.opts.AbandonMessage})
	}
	return res
}

func (m *Machine) complete(wf *models.WorkflowDefinition, res *StepResult, at time.Time) {
	s := res.Session
	s.Status = models.SessionStatusCompleted
	s.CurrentIndex = models.TerminalIndex
	s.RetryCount = 0
	s.Projection = models.ProjectionPending
	t := at
	s.CompletedAt = &t
	res.Outcome = OutcomeCompleted
	if wf.CompletionMessage != "" {
		res.Replies = append(res.Replies, Reply{Kind: models.OutboundCompletion, Text: wf.CompletionMessage})
	}
}

func (m *Machine) skipCommand(wf *models.WorkflowDefinition) string {
	if cmd := models.NormalizeKeyword(wf.SkipCommand); cmd != "" {
		return cmd
	}
	return m.opts.SkipCommand
}
