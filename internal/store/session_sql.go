package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

const defaultSessionListLimit = 100

func (s *sqlStore) GetSession(ctx context.Context, id string) (*models.ConversationSession, error) {
	sess, err := scanSession(s.queryRow(ctx, s.db, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session failed: %w", err)
	}
	return &sess, nil
}

func (s *sqlStore) GetActiveSession(ctx context.Context, channelID, contact string) (*models.ConversationSession, error) {
	sess, err := scanSession(s.queryRow(ctx, s.db,
		`SELECT `+sessionColumns+` FROM sessions WHERE channel_id = ? AND contact = ? AND status = 'active'`,
		channelID, contact,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active session failed: %w", err)
	}
	return &sess, nil
}

func (s *sqlStore) GetLatestSession(ctx context.Context, channelID, contact string) (*models.ConversationSession, error) {
	sess, err := scanSession(s.queryRow(ctx, s.db,
		`SELECT `+sessionColumns+` FROM sessions WHERE channel_id = ? AND contact = ? ORDER BY created_at DESC LIMIT 1`,
		channelID, contact,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest session failed: %w", err)
	}
	return &sess, nil
}

func (s *sqlStore) ListSessions(ctx context.Context, f models.SessionFilter) ([]models.ConversationSession, error) {
	var where []string
	var args []interface{}
	if f.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if f.ChannelID != "" {
		where = append(where, "channel_id = ?")
		args = append(args, f.ChannelID)
	}
	if f.Contact != "" {
		where = append(where, "contact = ?")
		args = append(args, f.Contact)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultSessionListLimit
	}
	q := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions failed: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *sqlStore) ListStaleSessions(ctx context.Context, idleBefore time.Time, limit int) ([]models.ConversationSession, error) {
	if limit <= 0 {
		limit = defaultSessionListLimit
	}
	rows, err := s.query(ctx, s.db,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = 'active' AND last_activity_at < ? ORDER BY last_activity_at ASC LIMIT ?`,
		idleBefore.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale sessions failed: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]models.ConversationSession, error) {
	var out []models.ConversationSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session failed: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session iteration failed: %w", err)
	}
	return out, nil
}

func (s *sqlStore) UpdateSessionProjection(ctx context.Context, id string, status models.ProjectionStatus, contactID, leadID string) error {
	result, err := s.exec(ctx, s.db,
		`UPDATE sessions SET projection = ?, crm_contact_id = COALESCE(?, crm_contact_id), crm_lead_id = COALESCE(?, crm_lead_id) WHERE id = ?`,
		string(status), nilIfEmpty(contactID), nilIfEmpty(leadID), id,
	)
	if err != nil {
		return fmt.Errorf("update session projection failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) CountSessionsByStatus(ctx context.Context, workflowID string) (map[models.SessionStatus]int, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT status, COUNT(*) FROM sessions WHERE workflow_id = ? GROUP BY status`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("count sessions failed: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.SessionStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan session count failed: %w", err)
		}
		counts[models.SessionStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session count iteration failed: %w", err)
	}
	return counts, nil
}

func (s *sqlStore) CommitTransition(ctx context.Context, t Transition) error {
	now := nowUTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if t.MessageID != "" {
			recorded, err := s.recordInbound(ctx, tx, t.MessageID, t.Contact, now)
			if err != nil {
				return err
			}
			if !recorded {
				return ErrDuplicateMessage
			}
		}
		for _, sess := range t.Sessions {
			if err := s.upsertSession(ctx, tx, sess); err != nil {
				return err
			}
		}
		for i, msg := range t.Outbox {
			if msg.Seq == 0 {
				msg.Seq = i
			}
			if _, err := s.insertOutbox(ctx, tx, msg, now); err != nil {
				return err
			}
		}
		for _, spec := range t.Jobs {
			if _, err := s.insertJob(ctx, tx, spec, now); err != nil {
				return err
			}
		}
		slog.Debug(s.name+".CommitTransition", "messageID", t.MessageID, "sessions", len(t.Sessions), "outbox", len(t.Outbox), "jobs", len(t.Jobs))
		return nil
	})
}

func (s *sqlStore) upsertSession(ctx context.Context, ex execer, sess *models.ConversationSession) error {
	answers := sess.Answers
	if answers == nil {
		answers = []models.Answer{}
	}
	answersJSON, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("marshal answers failed: %w", err)
	}
	projection := sess.Projection
	if projection == "" {
		projection = models.ProjectionNone
	}

	_, err = s.exec(ctx, ex,
		`INSERT INTO sessions (id, tenant_id, channel_id, contact, workflow_id, workflow_version, status, current_index, answers_json, retry_count, last_message_id, abandon_reason, projection, crm_contact_id, crm_lead_id, created_at, last_activity_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			current_index = excluded.current_index,
			answers_json = excluded.answers_json,
			retry_count = excluded.retry_count,
			last_message_id = excluded.last_message_id,
			abandon_reason = excluded.abandon_reason,
			projection = excluded.projection,
			crm_contact_id = excluded.crm_contact_id,
			crm_lead_id = excluded.crm_lead_id,
			last_activity_at = excluded.last_activity_at,
			completed_at = excluded.completed_at`,
		sess.ID, sess.TenantID, sess.ChannelID, sess.ContactAddress, sess.WorkflowID, sess.WorkflowVersion,
		string(sess.Status), sess.CurrentIndex, string(answersJSON), sess.RetryCount,
		nilIfEmpty(sess.LastMessageID), nilIfEmpty(string(sess.AbandonReason)), string(projection),
		nilIfEmpty(sess.CRMContactID), nilIfEmpty(sess.CRMLeadID),
		sess.CreatedAt.UTC(), sess.LastActivityAt.UTC(), nullableTime(sess.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session %s: %w", sess.ID, ErrActiveSessionExists)
		}
		return fmt.Errorf("upsert session failed: %w", err)
	}
	return nil
}
