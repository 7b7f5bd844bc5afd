package models

import (
	"time"
)

// SessionStatus is the lifecycle state of a conversation session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusAbandoned SessionStatus = "abandoned"
	SessionStatusSkipped   SessionStatus = "skipped"
)

// IsTerminal reports whether no further answers are accepted in this status.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusAbandoned || s == SessionStatusSkipped
}

// AbandonReason records why a session was abandoned.
type AbandonReason string

const (
	AbandonReasonTimeout   AbandonReason = "timeout"
	AbandonReasonRetries   AbandonReason = "retries"
	AbandonReasonRestarted AbandonReason = "restarted"
)

// ProjectionStatus tracks the CRM hand-off of a completed session.
type ProjectionStatus string

const (
	ProjectionNone    ProjectionStatus = "none"
	ProjectionPending ProjectionStatus = "pending"
	ProjectionDone    ProjectionStatus = "done"
	ProjectionFailed  ProjectionStatus = "failed"
)

// TerminalIndex is the question index stored once a session has ended.
const TerminalIndex = -1

// Answer is the normalized answer to one question.
type Answer struct {
	QuestionID string     `json:"question_id"`
	Kind       AnswerKind `json:"kind"`
	Value      string     `json:"value"`
	Values     []string   `json:"values,omitempty"`
	AnsweredAt time.Time  `json:"answered_at"`
}

// ConversationSession is the per-contact state of one run through a workflow.
type ConversationSession struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenant_id"`
	ChannelID       string           `json:"channel_id"`
	ContactAddress  string           `json:"contact"`
	WorkflowID      string           `json:"workflow_id"`
	WorkflowVersion int              `json:"workflow_version"`
	Status          SessionStatus    `json:"status"`
	CurrentIndex    int              `json:"current_index"`
	Answers         []Answer         `json:"answers"`
	RetryCount      int              `json:"retry_count"`
	LastMessageID   string           `json:"last_message_id,omitempty"`
	AbandonReason   AbandonReason    `json:"abandon_reason,omitempty"`
	Projection      ProjectionStatus `json:"projection"`
	CRMContactID    string           `json:"crm_contact_id,omitempty"`
	CRMLeadID       string           `json:"crm_lead_id,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	LastActivityAt  time.Time        `json:"last_activity_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// Answer returns the stored answer for a question id.
func (s *ConversationSession) Answer(questionID string) (Answer, bool) {
	for _, a := range s.Answers {
		if a.QuestionID == questionID {
			return a, true
		}
	}
	return Answer{}, false
}

// SetAnswer stores a, replacing an earlier answer to the same question in place
// so insertion order is kept.
func (s *ConversationSession) SetAnswer(a Answer) {
	for i := range s.Answers {
		if s.Answers[i].QuestionID == a.QuestionID {
			s.Answers[i] = a
			return
		}
	}
	s.Answers = append(s.Answers, a)
}

// Clone returns a deep copy of the session.
func (s *ConversationSession) Clone() *ConversationSession {
	c := *s
	c.Answers = make([]Answer, len(s.Answers))
	for i, a := range s.Answers {
		a.Values = append([]string(nil), a.Values...)
		c.Answers[i] = a
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// SessionFilter narrows session listings.
type SessionFilter struct {
	WorkflowID string
	ChannelID  string
	Contact    string
	Status     SessionStatus
	Limit      int
}
