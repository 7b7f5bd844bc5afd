package flow

import (
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

//go:embed templates/*.yaml
var templateFS embed.FS

// ErrTemplateNotFound is returned for an unknown template name.
var ErrTemplateNotFound = errors.New("workflow template not found")

// TemplateInfo describes a built-in workflow template.
type TemplateInfo struct {
	Name        string              `json:"name"`
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	Type        models.WorkflowType `json:"type"`
	Questions   int                 `json:"questions"`
}

// Template returns a fresh copy of a built-in template, named after its file
// without the extension (for example "demo").
func Template(name string) (*models.WorkflowDefinition, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || strings.ContainsAny(name, "/\\.") {
		return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
	}
	data, err := templateFS.ReadFile(path.Join("templates", name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
	}
	var w models.WorkflowDefinition
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	return &w, nil
}

// Templates lists the built-in templates sorted by name.
func Templates() ([]TemplateInfo, error) {
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		return nil, err
	}
	var out []TemplateInfo
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".yaml")
		w, err := Template(name)
		if err != nil {
			return nil, err
		}
		out = append(out, TemplateInfo{
			Name:        name,
			Title:       w.Name,
			Description: w.Description,
			Type:        w.Type,
			Questions:   len(w.Questions),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
