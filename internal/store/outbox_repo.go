// Package store provides the OutboxRepo interface and model for restart-safe outgoing sends.
package store

import (
	"context"
	"time"
)

// OutboxStatus represents the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusFailed   OutboxStatus = "failed"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// OutboxMessage is a durable outgoing message and, once handled, the delivery
// record kept against its session.
type OutboxMessage struct {
	ID                string       `json:"id"`
	SessionID         string       `json:"session_id,omitempty"`
	ChannelID         string       `json:"channel_id"`
	Recipient         string       `json:"recipient"`
	Kind              string       `json:"kind"`
	PayloadJSON       string       `json:"payload_json"`
	Status            OutboxStatus `json:"status"`
	Attempts          int          `json:"attempts"`
	NextAttemptAt     *time.Time   `json:"next_attempt_at"`
	DedupeKey         string       `json:"dedupe_key"`
	LockedAt          *time.Time   `json:"locked_at"`
	LastError         string       `json:"last_error"`
	ProviderMessageID string       `json:"provider_message_id,omitempty"`
	Seq               int          `json:"seq"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// OutboxRepo defines the interface for durable outbox message persistence.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a new outbox message. If the dedupe key is
	// non-empty and a non-terminal message with that key exists, returns the existing ID.
	EnqueueOutboxMessage(ctx context.Context, msg OutboxMessage) (string, error)

	// ClaimDueOutboxMessages marks up to limit queued messages whose
	// next_attempt_at <= now (or is NULL) as sending and returns them in
	// creation order.
	ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)

	// MarkOutboxMessageSent marks a message as sent and stores the provider's message id.
	MarkOutboxMessageSent(ctx context.Context, id, providerMessageID string) error

	// FailOutboxMessage records a send failure and schedules a retry at nextAttemptAt.
	FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error

	// MarkOutboxMessageFailed records a permanent failure; the message is not retried.
	MarkOutboxMessageFailed(ctx context.Context, id string, errMsg string) error

	// ReleaseOutboxMessage puts a claimed message back in the queue without
	// counting an attempt.
	ReleaseOutboxMessage(ctx context.Context, id string, nextAttemptAt time.Time) error

	// RequeueStaleSendingMessages resets messages stuck in sending since before
	// staleBefore back to queued (crash recovery).
	RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error)

	// ListSessionDeliveries returns every outbox record queued for a session.
	ListSessionDeliveries(ctx context.Context, sessionID string) ([]OutboxMessage, error)
}
