// Package store provides storage backends for FlowPipe.
//
// It persists workflow definitions, conversation sessions, CRM contacts and
// leads, inbound message dedup records, the outbound message outbox and durable
// jobs. SQLite, PostgreSQL and in-memory backends implement the same Store.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Errors shared by all backends.
var (
	ErrNotFound            = errors.New("record not found")
	ErrDuplicateMessage    = errors.New("inbound message already processed")
	ErrActiveSessionExists = errors.New("contact already has an active session on this channel")
	ErrInvalidTransition   = errors.New("workflow is not in a state that allows this change")
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL URLs or key/value DSNs and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// WorkflowFilter narrows workflow listings.
type WorkflowFilter struct {
	TenantID  string
	ChannelID string
	Status    models.WorkflowStatus
}

// WorkflowRepo persists workflow versions.
type WorkflowRepo interface {
	// SaveWorkflow inserts a workflow or replaces a draft with the same id.
	SaveWorkflow(ctx context.Context, w *models.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context, f WorkflowFilter) ([]models.WorkflowDefinition, error)
	// PublishWorkflow moves a draft to active and, when supersedesID is set,
	// archives that active version in the same transaction.
	PublishWorkflow(ctx context.Context, id, supersedesID string, at time.Time) error
	// ArchiveWorkflow moves a draft or active workflow to archived.
	ArchiveWorkflow(ctx context.Context, id string, at time.Time) error
}

// Transition is one atomic change produced by handling an inbound message or a sweep.
type Transition struct {
	// MessageID is recorded for dedup; the commit fails with ErrDuplicateMessage
	// if it was already recorded. Empty for transitions not caused by a message.
	MessageID string
	Contact   string
	Sessions  []*models.ConversationSession
	Outbox    []OutboxMessage
	Jobs      []JobSpec
}

// JobSpec describes a durable job queued as part of a transition.
type JobSpec struct {
	Kind        string
	RunAt       time.Time
	PayloadJSON string
	DedupeKey   string
	MaxAttempts int
}

// SessionRepo persists conversation sessions.
type SessionRepo interface {
	GetSession(ctx context.Context, id string) (*models.ConversationSession, error)
	// GetActiveSession returns nil, nil when the contact has no active session.
	GetActiveSession(ctx context.Context, channelID, contact string) (*models.ConversationSession, error)
	// GetLatestSession returns the most recently created session of the contact.
	GetLatestSession(ctx context.Context, channelID, contact string) (*models.ConversationSession, error)
	ListSessions(ctx context.Context, f models.SessionFilter) ([]models.ConversationSession, error)
	// ListStaleSessions returns active sessions idle since before the cutoff.
	ListStaleSessions(ctx context.Context, idleBefore time.Time, limit int) ([]models.ConversationSession, error)
	UpdateSessionProjection(ctx context.Context, id string, status models.ProjectionStatus, contactID, leadID string) error
	CountSessionsByStatus(ctx context.Context, workflowID string) (map[models.SessionStatus]int, error)
	// CommitTransition records the dedup entry, upserts the sessions and queues
	// outbox messages and jobs in one transaction.
	CommitTransition(ctx context.Context, t Transition) error
}

// ContactRepo is the CRM contact and lead store.
type ContactRepo interface {
	// UpsertContact merges fields into the contact keyed by (tenant, phone),
	// creating it when absent. created reports whether a new contact was made.
	UpsertContact(ctx context.Context, u models.ContactUpsert) (c *models.Contact, created bool, err error)
	GetContactByPhone(ctx context.Context, tenantID, phone string) (*models.Contact, error)
	// CreateLead stores a lead once per session; later calls return the existing lead.
	CreateLead(ctx context.Context, lead models.Lead) (*models.Lead, error)
	CountLeads(ctx context.Context, workflowID string) (int, error)
}

// Store is the full persistence surface used by FlowPipe.
type Store interface {
	WorkflowRepo
	SessionRepo
	ContactRepo
	DedupRepo
	OutboxRepo
	JobRepo
	Close() error
}

// Compile-time checks that every backend implements Store.
var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// mergeFields returns existing overlaid with update; keys missing from update are kept.
func mergeFields(existing, update map[string]string) map[string]string {
	out := make(map[string]string, len(existing)+len(update))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}
