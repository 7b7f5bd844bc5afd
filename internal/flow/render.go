package flow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Template variables always present in outbound payloads.
const (
	VarName     = "name"
	VarPhone    = "phone"
	VarWorkflow = "workflow"
)

// RenderPrompt formats a question for chat: the question text, its help text,
// the options as a numbered list and a hint for multi-select questions.
func RenderPrompt(q models.Question, delimiter string) string {
	var b strings.Builder
	b.WriteString(q.Text)
	if q.Optional {
		b.WriteString(" (optional)")
	}
	if q.HelpText != "" {
		b.WriteString("\n")
		b.WriteString(q.HelpText)
	}
	if len(q.Options) > 0 {
		b.WriteString("\n")
		for i, o := range q.Options {
			b.WriteString("\n")
			b.WriteString(strconv.Itoa(i + 1))
			b.WriteString(". ")
			b.WriteString(o)
		}
	}
	switch q.Kind() {
	case models.AnswerKindMultiEnum:
		b.WriteString("\n\n")
		b.WriteString(multiSelectHint(delimiter))
	case models.AnswerKindEnum:
		b.WriteString("\n\nReply with the number or the name of your choice.")
	}
	return b.String()
}

func multiSelectHint(delimiter string) string {
	if delimiter == "," {
		return "You can choose more than one. Separate your choices with commas, for example: 1, 3"
	}
	return fmt.Sprintf("You can choose more than one. Separate your choices with %q.", delimiter)
}

// RenderRetry prefixes the prompt of q with the validation hint.
func RenderRetry(q models.Question, hint, delimiter string) string {
	return hint + "\n\n" + RenderPrompt(q, delimiter)
}

// TemplateVars collects the values available to {{token}} placeholders in
// messages queued for sess: name, phone, workflow, and every answer under
// both its question id and its CRM field name.
func TemplateVars(wf *models.WorkflowDefinition, sess *models.ConversationSession) map[string]string {
	vars := map[string]string{VarWorkflow: wf.Name}
	for _, q := range wf.Questions {
		a, ok := sess.Answer(q.ID)
		if !ok {
			continue
		}
		vars[q.ID] = a.Value
		if q.CRMFieldName != "" {
			vars[q.CRMFieldName] = a.Value
		}
		switch q.Kind() {
		case models.AnswerKindName:
			vars[VarName] = a.Value
		case models.AnswerKindPhone:
			vars[VarPhone] = a.Value
		}
	}
	return vars
}
