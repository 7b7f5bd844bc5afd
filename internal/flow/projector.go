package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

// ErrMissingIdentity is returned when a completed session lacks the answers
// that identify the CRM contact.
var ErrMissingIdentity = errors.New("session has no name or mobile answer")

// Projector writes completed sessions into the CRM: it upserts the contact by
// (tenant, phone) and records one lead per session.
type Projector struct {
	store    store.Store
	catalog  *Catalog
	observer Observer
	now      func() time.Time
}

// NewProjector creates a Projector.
func NewProjector(st store.Store, catalog *Catalog) *Projector {
	return &Projector{store: st, catalog: catalog, observer: nopObserver{}, now: time.Now}
}

// SetObserver sets the metrics observer.
func (p *Projector) SetObserver(o Observer) {
	if o != nil {
		p.observer = o
	}
}

// BuildContactUpsert maps a completed session onto a CRM upsert. Answers go
// under their question's CRM field name; the name and mobile answers always
// fill the contact identity.
func BuildContactUpsert(wf *models.WorkflowDefinition, sess *models.ConversationSession) (models.ContactUpsert, error) {
	u := models.ContactUpsert{TenantID: sess.TenantID, Fields: make(map[string]string)}
	for _, q := range wf.Questions {
		a, ok := sess.Answer(q.ID)
		if !ok {
			continue
		}
		switch q.Kind() {
		case models.AnswerKindName:
			u.Name = a.Value
		case models.AnswerKindPhone:
			u.Phone = a.Value
		}
		if q.CRMFieldName != "" && a.Value != "" {
			u.Fields[q.CRMFieldName] = a.Value
		}
	}
	if u.Name == "" || u.Phone == "" {
		return u, ErrMissingIdentity
	}
	return u, nil
}

// Project writes one session to the CRM. Sessions that are not completed or
// are already projected are left alone, so the call is safe to repeat.
func (p *Projector) Project(ctx context.Context, sessionID string) error {
	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if sess.Status != models.SessionStatusCompleted || sess.Projection == models.ProjectionDone {
		slog.Debug("Projector.Project: nothing to do", "sessionID", sessionID, "status", sess.Status, "projection", sess.Projection)
		return nil
	}

	err = p.project(ctx, sess)
	p.observer.ProjectionFinished(err)
	if err != nil {
		slog.Error("Projector.Project: CRM write failed", "sessionID", sessionID, "workflowID", sess.WorkflowID, "error", err)
		if uerr := p.store.UpdateSessionProjection(ctx, sessionID, models.ProjectionFailed, "", ""); uerr != nil {
			slog.Error("Projector.Project: failed to record projection failure", "sessionID", sessionID, "error", uerr)
		}
		return err
	}
	return nil
}

func (p *Projector) project(ctx context.Context, sess *models.ConversationSession) error {
	wf, err := p.catalog.Get(ctx, sess.WorkflowID)
	if err != nil {
		return fmt.Errorf("failed to load workflow %s: %w", sess.WorkflowID, err)
	}
	upsert, err := BuildContactUpsert(wf, sess)
	if err != nil {
		return err
	}
	contact, created, err := p.store.UpsertContact(ctx, upsert)
	if err != nil {
		return fmt.Errorf("failed to upsert contact: %w", err)
	}
	lead, err := p.store.CreateLead(ctx, models.Lead{
		ID:           util.GenerateLeadID(),
		TenantID:     sess.TenantID,
		ContactID:    contact.ID,
		SessionID:    sess.ID,
		WorkflowID:   wf.ID,
		WorkflowType: wf.Type,
		Fields:       upsert.Fields,
		CreatedAt:    p.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to create lead: %w", err)
	}
	if err := p.store.UpdateSessionProjection(ctx, sess.ID, models.ProjectionDone, contact.ID, lead.ID); err != nil {
		return fmt.Errorf("failed to mark session projected: %w", err)
	}
	slog.Info("Projector.Project: session written to CRM", "sessionID", sess.ID, "contactID", contact.ID, "leadID", lead.ID, "newContact", created)
	return nil
}
