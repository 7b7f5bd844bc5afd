package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL backends.
// Queries are written with ? placeholders and rebound for PostgreSQL.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	name    string
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// rebind converts ? placeholders to $n for PostgreSQL.
func (s *sqlStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, ex execer, query string, args ...interface{}) (sql.Result, error) {
	return ex.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, ex execer, query string, args ...interface{}) (*sql.Rows, error) {
	return ex.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, ex execer, query string, args ...interface{}) *sql.Row {
	return ex.QueryRowContext(ctx, s.rebind(query), args...)
}

// forUpdate returns a row-locking suffix where the dialect supports one.
func (s *sqlStore) forUpdate() string {
	if s.dialect == dialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// inTx runs fn in a transaction, rolling back on error.
func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// DB exposes the connection pool, e.g. for advisory locks.
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

// isUniqueViolation reports whether err is a unique constraint failure in either driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// nowUTC keeps every stored timestamp in one zone so SQLite text comparisons order correctly.
func nowUTC() time.Time {
	return time.Now().UTC()
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullableTime converts an optional time to a nullable column value.
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func marshalFields(fields map[string]string) (string, error) {
	if fields == nil {
		fields = map[string]string{}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal fields failed: %w", err)
	}
	return string(b), nil
}

func unmarshalFields(raw string) (map[string]string, error) {
	fields := map[string]string{}
	if raw == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields failed: %w", err)
	}
	return fields, nil
}

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

// scanJob scans a Job from a row.
func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	j.LockedAt = timePtr(lockedAt)
	return j, nil
}

const outboxColumns = `id, session_id, channel_id, recipient, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, provider_message_id, seq, created_at, updated_at`

// scanOutboxMessage scans an OutboxMessage from a row.
func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var sessionID, dedupeKey, lastError, providerID sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &sessionID, &m.ChannelID, &m.Recipient, &m.Kind, &m.PayloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &providerID, &m.Seq, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, err
	}
	m.SessionID = sessionID.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	m.ProviderMessageID = providerID.String
	m.NextAttemptAt = timePtr(nextAttemptAt)
	m.LockedAt = timePtr(lockedAt)
	return m, nil
}

const sessionColumns = `id, tenant_id, channel_id, contact, workflow_id, workflow_version, status, current_index, answers_json, retry_count, last_message_id, abandon_reason, projection, crm_contact_id, crm_lead_id, created_at, last_activity_at, completed_at`

// scanSession scans a ConversationSession from a row.
func scanSession(row rowScanner) (models.ConversationSession, error) {
	var s models.ConversationSession
	var answersJSON string
	var lastMessageID, abandonReason, contactID, leadID sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(
		&s.ID, &s.TenantID, &s.ChannelID, &s.ContactAddress, &s.WorkflowID, &s.WorkflowVersion,
		&s.Status, &s.CurrentIndex, &answersJSON, &s.RetryCount, &lastMessageID, &abandonReason,
		&s.Projection, &contactID, &leadID, &s.CreatedAt, &s.LastActivityAt, &completedAt,
	)
	if err != nil {
		return s, err
	}
	if answersJSON != "" {
		if err := json.Unmarshal([]byte(answersJSON), &s.Answers); err != nil {
			return s, fmt.Errorf("unmarshal answers for session %s failed: %w", s.ID, err)
		}
	}
	s.LastMessageID = lastMessageID.String
	s.AbandonReason = models.AbandonReason(abandonReason.String)
	s.CRMContactID = contactID.String
	s.CRMLeadID = leadID.String
	s.CompletedAt = timePtr(completedAt)
	return s, nil
}

const workflowColumns = `definition_json, status, published_at, archived_at, created_at, updated_at`

// scanWorkflow decodes the stored definition and overlays the lifecycle columns,
// which are the source of truth for status and timestamps.
func scanWorkflow(row rowScanner) (models.WorkflowDefinition, error) {
	var w models.WorkflowDefinition
	var definitionJSON string
	var status models.WorkflowStatus
	var publishedAt, archivedAt sql.NullTime
	var createdAt, updatedAt time.Time
	if err := row.Scan(&definitionJSON, &status, &publishedAt, &archivedAt, &createdAt, &updatedAt); err != nil {
		return w, err
	}
	if err := json.Unmarshal([]byte(definitionJSON), &w); err != nil {
		return w, fmt.Errorf("unmarshal workflow definition failed: %w", err)
	}
	w.Status = status
	w.PublishedAt = timePtr(publishedAt)
	w.ArchivedAt = timePtr(archivedAt)
	w.CreatedAt = createdAt
	w.UpdatedAt = updatedAt
	return w, nil
}
