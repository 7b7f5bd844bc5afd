package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *sqlStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	var exists int
	err := s.queryRow(ctx, s.db, `SELECT 1 FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *sqlStore) RecordInbound(ctx context.Context, messageID, contact string) (bool, error) {
	return s.recordInbound(ctx, s.db, messageID, contact, nowUTC())
}

func (s *sqlStore) recordInbound(ctx context.Context, ex execer, messageID, contact string, now time.Time) (bool, error) {
	result, err := s.exec(ctx, ex,
		`INSERT INTO inbound_dedup (message_id, contact, received_at, processed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, contact, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}
