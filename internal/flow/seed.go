package flow

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// SeedFile is the YAML document of workflows loaded at startup.
//
//	workflows:
//	  - template: demo
//	    tenant_id: institute-1
//	    channel_id: whatsapp-main
//	    publish: true
type SeedFile struct {
	Workflows []SeedWorkflow `yaml:"workflows"`
}

// SeedWorkflow is one workflow of a seed file. When Template is set the
// built-in template supplies every field the entry leaves empty.
type SeedWorkflow struct {
	models.WorkflowDefinition `yaml:",inline"`
	Template                  string `yaml:"template"`
	Publish                   bool   `yaml:"publish"`
}

// LoadSeedFile reads and parses a seed file.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	return &f, nil
}

// Seed creates the workflows of f that do not exist yet, matched by tenant,
// channel and name, and publishes those marked for publishing. It returns
// the number of workflows created.
func (c *Catalog) Seed(ctx context.Context, f *SeedFile) (int, error) {
	created := 0
	for i, entry := range f.Workflows {
		w, err := entry.definition()
		if err != nil {
			return created, fmt.Errorf("seed workflow %d: %w", i, err)
		}
		exists, err := c.seeded(ctx, w)
		if err != nil {
			return created, err
		}
		if exists {
			slog.Debug("Catalog.Seed: workflow already present", "name", w.Name, "channelID", w.ChannelID)
			continue
		}
		draft, err := c.CreateDraft(ctx, w)
		if err != nil {
			return created, fmt.Errorf("seed workflow %q: %w", w.Name, err)
		}
		created++
		if entry.Publish {
			if _, err := c.Publish(ctx, draft.ID); err != nil {
				return created, fmt.Errorf("seed workflow %q: %w", w.Name, err)
			}
		}
	}
	slog.Info("Catalog.Seed: seed applied", "entries", len(f.Workflows), "created", created)
	return created, nil
}

func (e SeedWorkflow) definition() (*models.WorkflowDefinition, error) {
	w := e.WorkflowDefinition.Clone()
	if e.Template == "" {
		return w, nil
	}
	tpl, err := Template(e.Template)
	if err != nil {
		return nil, err
	}
	tpl.TenantID = w.TenantID
	tpl.ChannelID = w.ChannelID
	if w.Name != "" {
		tpl.Name = w.Name
	}
	if w.TriggerKeyword != "" {
		tpl.TriggerKeyword = w.TriggerKeyword
	}
	if w.TriggerMatch != "" {
		tpl.TriggerMatch = w.TriggerMatch
	}
	if w.InitialMessage != "" {
		tpl.InitialMessage = w.InitialMessage
	}
	if w.CompletionMessage != "" {
		tpl.CompletionMessage = w.CompletionMessage
	}
	if w.SkipMessage != "" {
		tpl.SkipMessage = w.SkipMessage
	}
	if len(w.Questions) > 0 {
		tpl.Questions = w.Questions
	}
	return tpl, nil
}

func (c *Catalog) seeded(ctx context.Context, w *models.WorkflowDefinition) (bool, error) {
	existing, err := c.store.ListWorkflows(ctx, store.WorkflowFilter{TenantID: w.TenantID, ChannelID: w.ChannelID})
	if err != nil {
		return false, fmt.Errorf("failed to list workflows: %w", err)
	}
	for _, x := range existing {
		if x.Name == w.Name && x.Status != models.WorkflowStatusArchived {
			return true, nil
		}
	}
	return false, nil
}
