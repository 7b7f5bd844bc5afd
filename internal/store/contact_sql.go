package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

func (s *sqlStore) UpsertContact(ctx context.Context, u models.ContactUpsert) (*models.Contact, bool, error) {
	c, created, err := s.upsertContactOnce(ctx, u)
	if err != nil && isUniqueViolation(err) {
		// A concurrent insert for the same phone won; merge into it.
		return s.upsertContactOnce(ctx, u)
	}
	return c, created, err
}

func (s *sqlStore) upsertContactOnce(ctx context.Context, u models.ContactUpsert) (*models.Contact, bool, error) {
	var out *models.Contact
	var created bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := nowUTC()
		existing, err := s.scanContact(s.queryRow(ctx, tx,
			`SELECT id, tenant_id, phone, name, fields_json, created_at, updated_at FROM contacts WHERE tenant_id = ? AND phone = ?`+s.forUpdate(),
			u.TenantID, u.Phone,
		))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			fieldsJSON, err := marshalFields(u.Fields)
			if err != nil {
				return err
			}
			c := &models.Contact{
				ID:        util.GenerateContactID(),
				TenantID:  u.TenantID,
				Phone:     u.Phone,
				Name:      u.Name,
				Fields:    mergeFields(nil, u.Fields),
				CreatedAt: now,
				UpdatedAt: now,
			}
			if _, err := s.exec(ctx, tx,
				`INSERT INTO contacts (id, tenant_id, phone, name, fields_json, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				c.ID, c.TenantID, c.Phone, nilIfEmpty(c.Name), fieldsJSON, now, now,
			); err != nil {
				return fmt.Errorf("insert contact failed: %w", err)
			}
			out, created = c, true
			return nil
		case err != nil:
			return fmt.Errorf("contact lookup failed: %w", err)
		}

		existing.Fields = mergeFields(existing.Fields, u.Fields)
		if u.Name != "" {
			existing.Name = u.Name
		}
		existing.UpdatedAt = now
		fieldsJSON, err := marshalFields(existing.Fields)
		if err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx,
			`UPDATE contacts SET name = ?, fields_json = ?, updated_at = ? WHERE id = ?`,
			nilIfEmpty(existing.Name), fieldsJSON, now, existing.ID,
		); err != nil {
			return fmt.Errorf("update contact failed: %w", err)
		}
		out = existing
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	slog.Debug(s.name+".UpsertContact", "id", out.ID, "created", created)
	return out, created, nil
}

func (s *sqlStore) GetContactByPhone(ctx context.Context, tenantID, phone string) (*models.Contact, error) {
	c, err := s.scanContact(s.queryRow(ctx, s.db,
		`SELECT id, tenant_id, phone, name, fields_json, created_at, updated_at FROM contacts WHERE tenant_id = ? AND phone = ?`,
		tenantID, phone,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact failed: %w", err)
	}
	return c, nil
}

func (s *sqlStore) scanContact(row rowScanner) (*models.Contact, error) {
	var c models.Contact
	var name sql.NullString
	var fieldsJSON string
	if err := row.Scan(&c.ID, &c.TenantID, &c.Phone, &name, &fieldsJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Name = name.String
	fields, err := unmarshalFields(fieldsJSON)
	if err != nil {
		return nil, err
	}
	c.Fields = fields
	return &c, nil
}

func (s *sqlStore) CreateLead(ctx context.Context, lead models.Lead) (*models.Lead, error) {
	if lead.ID == "" {
		lead.ID = util.GenerateLeadID()
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = nowUTC()
	}
	fieldsJSON, err := marshalFields(lead.Fields)
	if err != nil {
		return nil, err
	}
	if _, err := s.exec(ctx, s.db,
		`INSERT INTO leads (id, tenant_id, contact_id, session_id, workflow_id, workflow_type, fields_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (session_id) DO NOTHING`,
		lead.ID, lead.TenantID, lead.ContactID, lead.SessionID, lead.WorkflowID, string(lead.WorkflowType), fieldsJSON, lead.CreatedAt.UTC(),
	); err != nil {
		return nil, fmt.Errorf("create lead failed: %w", err)
	}

	var out models.Lead
	var workflowType, storedFields string
	err = s.queryRow(ctx, s.db,
		`SELECT id, tenant_id, contact_id, session_id, workflow_id, workflow_type, fields_json, created_at FROM leads WHERE session_id = ?`,
		lead.SessionID,
	).Scan(&out.ID, &out.TenantID, &out.ContactID, &out.SessionID, &out.WorkflowID, &workflowType, &storedFields, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("load lead failed: %w", err)
	}
	out.WorkflowType = models.WorkflowType(workflowType)
	if out.Fields, err = unmarshalFields(storedFields); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *sqlStore) CountLeads(ctx context.Context, workflowID string) (int, error) {
	var n int
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM leads WHERE workflow_id = ?`, workflowID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count leads failed: %w", err)
	}
	return n, nil
}
