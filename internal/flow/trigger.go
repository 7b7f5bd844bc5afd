package flow

import (
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// MatchTrigger picks the workflow whose trigger keyword matches text. Exact
// matches win over prefix matches; ties go to the most recently published
// workflow. Only active workflows are considered.
func MatchTrigger(text string, workflows []models.WorkflowDefinition) (*models.WorkflowDefinition, bool) {
	norm := models.NormalizeKeyword(text)
	if norm == "" {
		return nil, false
	}

	var exact, prefix *models.WorkflowDefinition
	for i := range workflows {
		w := &workflows[i]
		if w.Status != models.WorkflowStatusActive {
			continue
		}
		kw := models.NormalizeKeyword(w.TriggerKeyword)
		if kw == "" {
			continue
		}
		switch {
		case norm == kw:
			exact = newer(exact, w)
		case w.TriggerMatch == models.TriggerMatchPrefix && keywordPrefix(norm, kw):
			prefix = newer(prefix, w)
		}
	}
	if exact != nil {
		return exact, true
	}
	if prefix != nil {
		return prefix, true
	}
	return nil, false
}

// keywordPrefix reports whether norm starts with kw followed by a space.
// Both arguments must already be normalized.
func keywordPrefix(norm, kw string) bool {
	return strings.HasPrefix(norm, kw+" ")
}

// matchesCommand compares normalized text against a command keyword.
func matchesCommand(text, command string, mode models.TriggerMatch) bool {
	if command == "" {
		return false
	}
	norm := models.NormalizeKeyword(text)
	if norm == command {
		return true
	}
	return mode == models.TriggerMatchPrefix && keywordPrefix(norm, command)
}

func newer(cur, cand *models.WorkflowDefinition) *models.WorkflowDefinition {
	if cur == nil {
		return cand
	}
	if publishedAt(cand).After(publishedAt(cur)) {
		return cand
	}
	return cur
}

func publishedAt(w *models.WorkflowDefinition) time.Time {
	if w.PublishedAt != nil {
		return *w.PublishedAt
	}
	return w.CreatedAt
}
