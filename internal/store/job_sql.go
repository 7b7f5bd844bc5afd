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

func (s *sqlStore) EnqueueJob(ctx context.Context, spec JobSpec) (string, error) {
	return s.insertJob(ctx, s.db, spec, nowUTC())
}

func (s *sqlStore) insertJob(ctx context.Context, ex execer, spec JobSpec, now time.Time) (string, error) {
	if spec.DedupeKey != "" {
		var existingID string
		err := s.queryRow(ctx, ex,
			`SELECT id FROM jobs WHERE dedupe_key = ? AND status NOT IN ('done', 'canceled', 'failed')`,
			spec.DedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug(s.name+".EnqueueJob: dedupe hit", "dedupeKey", spec.DedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultJobMaxAttempts
	}
	runAt := spec.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	id := util.GenerateRandomID("job_", 32)
	_, err := s.exec(ctx, ex,
		`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`,
		id, spec.Kind, runAt.UTC(), spec.PayloadJSON, maxAttempts, nilIfEmpty(spec.DedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug(s.name+".EnqueueJob", "id", id, "kind", spec.Kind, "runAt", runAt)
	return id, nil
}

func (s *sqlStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	now = now.UTC()
	if s.dialect == dialectPostgres {
		rows, err := s.query(ctx, s.db,
			`UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ?
			 WHERE id IN (
				SELECT id FROM jobs WHERE status = 'queued' AND run_at <= ?
				ORDER BY run_at ASC LIMIT ? FOR UPDATE SKIP LOCKED
			 )
			 RETURNING `+jobColumns,
			now, now, now, limit,
		)
		if err != nil {
			return nil, fmt.Errorf("claim due jobs failed: %w", err)
		}
		defer rows.Close()
		jobs, err := collectJobs(rows)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].RunAt.Before(jobs[j].RunAt) })
		return jobs, nil
	}

	var jobs []Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.query(ctx, tx,
			`SELECT `+jobColumns+` FROM jobs WHERE status = 'queued' AND run_at <= ? ORDER BY run_at ASC LIMIT ?`,
			now, limit,
		)
		if err != nil {
			return fmt.Errorf("claim due jobs query failed: %w", err)
		}
		jobs, err = collectJobs(rows)
		rows.Close()
		if err != nil {
			return err
		}
		for i := range jobs {
			if _, err := s.exec(ctx, tx,
				`UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ? WHERE id = ?`,
				now, now, jobs[i].ID,
			); err != nil {
				return fmt.Errorf("mark job running failed: %w", err)
			}
			jobs[i].Status = JobStatusRunning
			lockedAt := now
			jobs[i].LockedAt = &lockedAt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job iteration failed: %w", err)
	}
	return jobs, nil
}

func (s *sqlStore) CompleteJob(ctx context.Context, id string) error {
	_, err := s.exec(ctx, s.db,
		`UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = ? WHERE id = ?`,
		nowUTC(), id,
	)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *sqlStore) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	now := nowUTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var attempt, maxAttempts int
		err := s.queryRow(ctx, tx, `SELECT attempt, max_attempts FROM jobs WHERE id = ?`+s.forUpdate(), id).
			Scan(&attempt, &maxAttempts)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("fail job lookup failed: %w", err)
		}

		attempt++
		if attempt >= maxAttempts {
			_, err = s.exec(ctx, tx,
				`UPDATE jobs SET status = 'failed', attempt = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
				attempt, errMsg, now, id,
			)
		} else {
			_, err = s.exec(ctx, tx,
				`UPDATE jobs SET status = 'queued', attempt = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
				attempt, errMsg, nextRunAt.UTC(), now, id,
			)
		}
		if err != nil {
			return fmt.Errorf("fail job update failed: %w", err)
		}
		return nil
	})
}

func (s *sqlStore) CancelJob(ctx context.Context, id string) error {
	_, err := s.exec(ctx, s.db,
		`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = ? WHERE id = ?`,
		nowUTC(), id,
	)
	if err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

func (s *sqlStore) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.exec(ctx, s.db,
		`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'running' AND locked_at < ?`,
		nowUTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info(s.name+".RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.queryRow(ctx, s.db, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}
