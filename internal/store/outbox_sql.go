package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/util"
)

func (s *sqlStore) EnqueueOutboxMessage(ctx context.Context, msg OutboxMessage) (string, error) {
	return s.insertOutbox(ctx, s.db, msg, nowUTC())
}

func (s *sqlStore) insertOutbox(ctx context.Context, ex execer, msg OutboxMessage, now time.Time) (string, error) {
	if msg.DedupeKey != "" {
		var existingID string
		err := s.queryRow(ctx, ex,
			`SELECT id FROM outbox_messages WHERE dedupe_key = ? AND status NOT IN ('sent', 'canceled', 'failed')`,
			msg.DedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug(s.name+".EnqueueOutboxMessage: dedupe hit", "dedupeKey", msg.DedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	id := msg.ID
	if id == "" {
		id = util.GenerateRandomID("outbox_", 32)
	}
	_, err := s.exec(ctx, ex,
		`INSERT INTO outbox_messages (id, session_id, channel_id, recipient, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, seq, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?, ?)`,
		id, nilIfEmpty(msg.SessionID), msg.ChannelID, msg.Recipient, msg.Kind, msg.PayloadJSON,
		nullableTime(msg.NextAttemptAt), nilIfEmpty(msg.DedupeKey), msg.Seq, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug(s.name+".EnqueueOutboxMessage", "id", id, "recipient", msg.Recipient, "kind", msg.Kind)
	return id, nil
}

// outboxDueCondition selects queued messages that are due and not blocked by an
// earlier message to the same recipient that is sending or waiting for a retry.
// Both placeholders take the claim time.
const outboxDueCondition = `m.status = 'queued' AND (m.next_attempt_at IS NULL OR m.next_attempt_at <= ?)
	AND NOT EXISTS (
		SELECT 1 FROM outbox_messages p
		WHERE p.channel_id = m.channel_id AND p.recipient = m.recipient
			AND (p.created_at < m.created_at OR (p.created_at = m.created_at AND p.seq < m.seq))
			AND (p.status = 'sending' OR (p.status = 'queued' AND p.next_attempt_at > ?))
	)`

func (s *sqlStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	now = now.UTC()
	if s.dialect == dialectPostgres {
		rows, err := s.query(ctx, s.db,
			`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ?
			 WHERE id IN (
				SELECT id FROM outbox_messages m WHERE `+outboxDueCondition+`
				ORDER BY created_at ASC, seq ASC LIMIT ? FOR UPDATE SKIP LOCKED
			 )
			 RETURNING `+outboxColumns,
			now, now, now, now, limit,
		)
		if err != nil {
			return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
		}
		defer rows.Close()
		msgs, err := collectOutbox(rows)
		if err != nil {
			return nil, err
		}
		sortOutbox(msgs)
		return msgs, nil
	}

	var msgs []OutboxMessage
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.query(ctx, tx,
			`SELECT `+outboxColumns+` FROM outbox_messages m WHERE `+outboxDueCondition+`
			 ORDER BY created_at ASC, seq ASC LIMIT ?`,
			now, now, limit,
		)
		if err != nil {
			return fmt.Errorf("claim due outbox messages failed: %w", err)
		}
		msgs, err = collectOutbox(rows)
		rows.Close()
		if err != nil {
			return err
		}
		for i := range msgs {
			if _, err := s.exec(ctx, tx,
				`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`,
				now, now, msgs[i].ID,
			); err != nil {
				return fmt.Errorf("mark outbox sending failed: %w", err)
			}
			msgs[i].Status = OutboxStatusSending
			lockedAt := now
			msgs[i].LockedAt = &lockedAt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func collectOutbox(rows *sql.Rows) ([]OutboxMessage, error) {
	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox message failed: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox iteration failed: %w", err)
	}
	return msgs, nil
}

// sortOutbox orders messages by creation time, then by their position within a transition.
func sortOutbox(msgs []OutboxMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].Seq < msgs[j].Seq
	})
}

func (s *sqlStore) MarkOutboxMessageSent(ctx context.Context, id, providerMessageID string) error {
	_, err := s.exec(ctx, s.db,
		`UPDATE outbox_messages SET status = 'sent', provider_message_id = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		nilIfEmpty(providerMessageID), nowUTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *sqlStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.exec(ctx, s.db,
		`UPDATE outbox_messages SET status = 'queued', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		errMsg, nextAttemptAt.UTC(), nowUTC(), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *sqlStore) MarkOutboxMessageFailed(ctx context.Context, id string, errMsg string) error {
	_, err := s.exec(ctx, s.db,
		`UPDATE outbox_messages SET status = 'failed', attempts = attempts + 1, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		errMsg, nowUTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox failed failed: %w", err)
	}
	return nil
}

func (s *sqlStore) ReleaseOutboxMessage(ctx context.Context, id string, nextAttemptAt time.Time) error {
	_, err := s.exec(ctx, s.db,
		`UPDATE outbox_messages SET status = 'queued', next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ? AND status = 'sending'`,
		nextAttemptAt.UTC(), nowUTC(), id,
	)
	if err != nil {
		return fmt.Errorf("release outbox message failed: %w", err)
	}
	return nil
}

func (s *sqlStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.exec(ctx, s.db,
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`,
		nowUTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info(s.name+".RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}

func (s *sqlStore) ListSessionDeliveries(ctx context.Context, sessionID string) ([]OutboxMessage, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+outboxColumns+` FROM outbox_messages WHERE session_id = ? ORDER BY created_at ASC, seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list session deliveries failed: %w", err)
	}
	defer rows.Close()
	return collectOutbox(rows)
}
