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

func (s *sqlStore) SaveWorkflow(ctx context.Context, w *models.WorkflowDefinition) error {
	now := nowUTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	if w.Status == "" {
		w.Status = models.WorkflowStatusDraft
	}

	definition, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal workflow failed: %w", err)
	}

	result, err := s.exec(ctx, s.db,
		`INSERT INTO workflows (id, tenant_id, name, type, version, status, channel_id, trigger_keyword, definition_json, published_at, archived_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			name = excluded.name,
			type = excluded.type,
			version = excluded.version,
			channel_id = excluded.channel_id,
			trigger_keyword = excluded.trigger_keyword,
			definition_json = excluded.definition_json,
			updated_at = excluded.updated_at
		 WHERE workflows.status = 'draft'`,
		w.ID, w.TenantID, w.Name, string(w.Type), w.Version, string(w.Status), nilIfEmpty(w.ChannelID),
		models.NormalizeKeyword(w.TriggerKeyword), string(definition),
		nullableTime(w.PublishedAt), nullableTime(w.ArchivedAt), w.CreatedAt.UTC(), now,
	)
	if err != nil {
		return fmt.Errorf("save workflow failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("workflow %s: %w", w.ID, ErrInvalidTransition)
	}
	slog.Debug(s.name+".SaveWorkflow", "id", w.ID, "name", w.Name, "version", w.Version)
	return nil
}

func (s *sqlStore) GetWorkflow(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	w, err := scanWorkflow(s.queryRow(ctx, s.db, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow failed: %w", err)
	}
	return &w, nil
}

func (s *sqlStore) ListWorkflows(ctx context.Context, f WorkflowFilter) ([]models.WorkflowDefinition, error) {
	var where []string
	var args []interface{}
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.ChannelID != "" {
		where = append(where, "channel_id = ?")
		args = append(args, f.ChannelID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows failed: %w", err)
	}
	defer rows.Close()

	var out []models.WorkflowDefinition
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow failed: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workflow iteration failed: %w", err)
	}
	return out, nil
}

func (s *sqlStore) PublishWorkflow(ctx context.Context, id, supersedesID string, at time.Time) error {
	at = at.UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := s.exec(ctx, tx,
			`UPDATE workflows SET status = 'active', published_at = ?, updated_at = ? WHERE id = ? AND status = 'draft'`,
			at, at, id,
		)
		if err != nil {
			return fmt.Errorf("publish workflow failed: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return s.missingOrInvalid(ctx, tx, id)
		}
		if supersedesID != "" && supersedesID != id {
			if _, err := s.exec(ctx, tx,
				`UPDATE workflows SET status = 'archived', archived_at = ?, updated_at = ? WHERE id = ? AND status = 'active'`,
				at, at, supersedesID,
			); err != nil {
				return fmt.Errorf("archive superseded workflow failed: %w", err)
			}
		}
		slog.Info(s.name+".PublishWorkflow", "id", id, "supersedes", supersedesID)
		return nil
	})
}

func (s *sqlStore) ArchiveWorkflow(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	result, err := s.exec(ctx, s.db,
		`UPDATE workflows SET status = 'archived', archived_at = ?, updated_at = ? WHERE id = ? AND status IN ('draft', 'active')`,
		at, at, id,
	)
	if err != nil {
		return fmt.Errorf("archive workflow failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		slog.Info(s.name+".ArchiveWorkflow", "id", id)
		return nil
	}
	var status string
	err = s.queryRow(ctx, s.db, `SELECT status FROM workflows WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("archive workflow lookup failed: %w", err)
	}
	// Already archived.
	return nil
}

func (s *sqlStore) missingOrInvalid(ctx context.Context, ex execer, id string) error {
	var status string
	err := s.queryRow(ctx, ex, `SELECT status FROM workflows WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("workflow lookup failed: %w", err)
	}
	return fmt.Errorf("workflow %s is %s: %w", id, status, ErrInvalidTransition)
}
