package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

// DefaultCatalogCacheTTL bounds how long another instance's publish can go unnoticed.
const DefaultCatalogCacheTTL = 30 * time.Second

// ErrInvalidWorkflow wraps the validation error of a workflow rejected at publish.
var ErrInvalidWorkflow = errors.New("invalid workflow")

// Catalog is the write path for workflow definitions and a read-through cache
// of the active workflows of each channel. Returned definitions are copies.
type Catalog struct {
	store     store.Store
	cache     *gocache.Cache
	now       func() time.Time
	delimiter string
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithOptionDelimiter sets the multi-choice delimiter that multiselect option
// labels may not contain. It should match the engine's WithMultiChoiceDelimiter.
func WithOptionDelimiter(d string) CatalogOption {
	return func(c *Catalog) { c.delimiter = d }
}

// NewCatalog creates a Catalog. A ttl of zero uses DefaultCatalogCacheTTL.
func NewCatalog(st store.Store, ttl time.Duration, opts ...CatalogOption) *Catalog {
	if ttl <= 0 {
		ttl = DefaultCatalogCacheTTL
	}
	c := &Catalog{
		store:     st,
		cache:     gocache.New(ttl, 2*ttl),
		now:       time.Now,
		delimiter: DefaultMultiChoiceDelimiter,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func channelKey(channelID string) string { return "channel:" + channelID }
func workflowKey(id string) string       { return "workflow:" + id }

// CreateDraft stores w as a new version-1 draft and returns it with its
// generated id and defaults applied.
func (c *Catalog) CreateDraft(ctx context.Context, w *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	draft := w.Clone()
	draft.ID = util.GenerateWorkflowID()
	draft.Version = 1
	draft.SupersedesID = ""
	draft.Status = models.WorkflowStatusDraft
	draft.CreatedAt = time.Time{}
	draft.PublishedAt = nil
	draft.ArchivedAt = nil
	draft.ApplyDefaults("q")
	if strings.TrimSpace(draft.TenantID) == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWorkflow, models.ErrMissingTenant)
	}
	if err := c.store.SaveWorkflow(ctx, draft); err != nil {
		return nil, fmt.Errorf("failed to save draft: %w", err)
	}
	slog.Info("Catalog.CreateDraft: draft created", "workflowID", draft.ID, "tenantID", draft.TenantID, "name", draft.Name)
	return draft.Clone(), nil
}

// UpdateDraft replaces the editable content of a draft. Identity, version and
// lineage are kept from the stored draft.
func (c *Catalog) UpdateDraft(ctx context.Context, id string, w *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	existing, err := c.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.Status != models.WorkflowStatusDraft {
		return nil, fmt.Errorf("update %s (%s): %w", id, existing.Status, store.ErrInvalidTransition)
	}
	draft := w.Clone()
	draft.ID = existing.ID
	draft.TenantID = existing.TenantID
	draft.Version = existing.Version
	draft.SupersedesID = existing.SupersedesID
	draft.Status = models.WorkflowStatusDraft
	draft.CreatedAt = existing.CreatedAt
	draft.PublishedAt = nil
	draft.ArchivedAt = nil
	draft.ApplyDefaults("q")
	if err := c.store.SaveWorkflow(ctx, draft); err != nil {
		return nil, fmt.Errorf("failed to save draft: %w", err)
	}
	c.cache.Delete(workflowKey(id))
	return draft.Clone(), nil
}

// Publish validates a draft and makes it active. A draft created as a new
// version archives the version it supersedes in the same transaction.
func (c *Catalog) Publish(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	w, err := c.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != models.WorkflowStatusDraft {
		return nil, fmt.Errorf("publish %s (%s): %w", id, w.Status, store.ErrInvalidTransition)
	}
	err = w.Validate()
	if err == nil {
		err = w.CheckOptionDelimiter(c.delimiter)
	}
	if err != nil {
		slog.Warn("Catalog.Publish: workflow rejected", "workflowID", id, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrInvalidWorkflow, err)
	}

	var oldChannel string
	if w.SupersedesID != "" {
		if prev, err := c.store.GetWorkflow(ctx, w.SupersedesID); err == nil {
			oldChannel = prev.ChannelID
		}
	}
	if err := c.store.PublishWorkflow(ctx, id, w.SupersedesID, c.now()); err != nil {
		return nil, fmt.Errorf("failed to publish workflow %s: %w", id, err)
	}
	c.invalidate(id, w.ChannelID)
	if w.SupersedesID != "" {
		c.invalidate(w.SupersedesID, oldChannel)
	}

	published, err := c.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	slog.Info("Catalog.Publish: workflow active", "workflowID", id, "channelID", published.ChannelID, "trigger", published.TriggerKeyword, "version", published.Version)
	return published, nil
}

// Archive retires a workflow. Sessions already running on it still complete.
func (c *Catalog) Archive(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	w, err := c.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.store.ArchiveWorkflow(ctx, id, c.now()); err != nil {
		return nil, fmt.Errorf("failed to archive workflow %s: %w", id, err)
	}
	c.invalidate(id, w.ChannelID)
	slog.Info("Catalog.Archive: workflow archived", "workflowID", id)
	return c.store.GetWorkflow(ctx, id)
}

// NewVersion copies a published workflow into a draft of the next version.
// Publishing that draft archives the source.
func (c *Catalog) NewVersion(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	src, err := c.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if src.Status == models.WorkflowStatusDraft {
		return nil, fmt.Errorf("new version of %s (draft): %w", id, store.ErrInvalidTransition)
	}
	draft := src.Clone()
	draft.ID = util.GenerateWorkflowID()
	draft.Version = src.Version + 1
	draft.SupersedesID = src.ID
	draft.Status = models.WorkflowStatusDraft
	draft.CreatedAt = time.Time{}
	draft.PublishedAt = nil
	draft.ArchivedAt = nil
	if err := c.store.SaveWorkflow(ctx, draft); err != nil {
		return nil, fmt.Errorf("failed to save new version: %w", err)
	}
	slog.Info("Catalog.NewVersion: draft created", "workflowID", draft.ID, "supersedes", src.ID, "version", draft.Version)
	return draft.Clone(), nil
}

// FromTemplate creates a draft for tenantID from a built-in template.
func (c *Catalog) FromTemplate(ctx context.Context, templateName, tenantID, channelID string) (*models.WorkflowDefinition, error) {
	tpl, err := Template(templateName)
	if err != nil {
		return nil, err
	}
	tpl.TenantID = tenantID
	tpl.ChannelID = channelID
	return c.CreateDraft(ctx, tpl)
}

// Get returns any version of a workflow, including archived ones.
func (c *Catalog) Get(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	if v, ok := c.cache.Get(workflowKey(id)); ok {
		return v.(*models.WorkflowDefinition).Clone(), nil
	}
	w, err := c.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	// Drafts are still editable.
	if w.Status != models.WorkflowStatusDraft {
		c.cache.SetDefault(workflowKey(id), w.Clone())
	}
	return w, nil
}

// ActiveForChannel returns the active workflows bound to a channel.
func (c *Catalog) ActiveForChannel(ctx context.Context, channelID string) ([]models.WorkflowDefinition, error) {
	if v, ok := c.cache.Get(channelKey(channelID)); ok {
		return cloneWorkflows(v.([]models.WorkflowDefinition)), nil
	}
	list, err := c.store.ListWorkflows(ctx, store.WorkflowFilter{ChannelID: channelID, Status: models.WorkflowStatusActive})
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows for channel %s: %w", channelID, err)
	}
	c.cache.SetDefault(channelKey(channelID), cloneWorkflows(list))
	return list, nil
}

// List returns workflows matching f, newest first.
func (c *Catalog) List(ctx context.Context, f store.WorkflowFilter) ([]models.WorkflowDefinition, error) {
	return c.store.ListWorkflows(ctx, f)
}

// Analytics summarizes the sessions that ran on a workflow version.
func (c *Catalog) Analytics(ctx context.Context, id string) (*models.WorkflowAnalytics, error) {
	if _, err := c.Get(ctx, id); err != nil {
		return nil, err
	}
	counts, err := c.store.CountSessionsByStatus(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	leads, err := c.store.CountLeads(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to count leads: %w", err)
	}
	a := &models.WorkflowAnalytics{
		WorkflowID:   id,
		InProgress:   counts[models.SessionStatusActive],
		Completed:    counts[models.SessionStatusCompleted],
		Abandoned:    counts[models.SessionStatusAbandoned],
		Skipped:      counts[models.SessionStatusSkipped],
		LeadsCreated: leads,
	}
	a.Total = a.InProgress + a.Completed + a.Abandoned + a.Skipped
	if a.Total > 0 {
		a.CompletionRate = float64(a.Completed) / float64(a.Total)
	}
	return a, nil
}

func (c *Catalog) invalidate(id, channelID string) {
	c.cache.Delete(workflowKey(id))
	if channelID != "" {
		c.cache.Delete(channelKey(channelID))
	}
}

func cloneWorkflows(in []models.WorkflowDefinition) []models.WorkflowDefinition {
	out := make([]models.WorkflowDefinition, len(in))
	for i := range in {
		out[i] = *in[i].Clone()
	}
	return out
}
