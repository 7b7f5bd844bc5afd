package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkflowStatus is the lifecycle state of a workflow version.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// WorkflowType classifies what a workflow collects.
type WorkflowType string

const (
	WorkflowTypeAdmission WorkflowType = "admission"
	WorkflowTypeDemo      WorkflowType = "demo"
	WorkflowTypeInquiry   WorkflowType = "inquiry"
	WorkflowTypeLead      WorkflowType = "lead"
	WorkflowTypeCustom    WorkflowType = "custom"
)

// TriggerMatch selects how a trigger keyword is compared to inbound text.
type TriggerMatch string

const (
	TriggerMatchExact  TriggerMatch = "exact"
	TriggerMatchPrefix TriggerMatch = "prefix"
)

// AnswerType is the declared input type of a question.
type AnswerType string

const (
	AnswerTypeText        AnswerType = "text"
	AnswerTypeChoice      AnswerType = "choice"
	AnswerTypeMultiselect AnswerType = "multiselect"
)

// AnswerKind is the closed set of validation rules an answer can be checked against.
type AnswerKind string

const (
	AnswerKindName      AnswerKind = "name"
	AnswerKindPhone     AnswerKind = "phone"
	AnswerKindText      AnswerKind = "text"
	AnswerKindEnum      AnswerKind = "enum"
	AnswerKindMultiEnum AnswerKind = "multi_enum"
)

// Defaults applied to drafts that leave the corresponding field empty.
const (
	DefaultTriggerKeyword    = "hi"
	DefaultInitialMessage    = "Thanks for reaching out! Let me ask you a few questions to better assist you."
	DefaultCompletionMessage = "Thanks for your responses! Our team will contact you soon."
	DefaultSkipMessage       = "No problem, we've stopped here. Send the keyword again any time to restart."
)

// Errors returned when a workflow definition is rejected at publish time.
var (
	ErrMissingTenant         = errors.New("workflow tenant is required")
	ErrMissingWorkflowName   = errors.New("workflow name is required")
	ErrMissingChannelID      = errors.New("workflow must be linked to a channel before publishing")
	ErrMissingTrigger        = errors.New("workflow trigger keyword is required")
	ErrInvalidWorkflowType   = errors.New("invalid workflow type")
	ErrInvalidTriggerMatch   = errors.New("invalid trigger match mode")
	ErrNoQuestions           = errors.New("workflow must have at least one question")
	ErrMissingNameField      = errors.New("workflow must flag exactly one question as the name field")
	ErrMultipleNameFields    = errors.New("workflow flags more than one question as the name field")
	ErrMissingMobileField    = errors.New("workflow must flag exactly one question as the mobile field")
	ErrMultipleMobileFields  = errors.New("workflow flags more than one question as the mobile field")
	ErrNameAndMobileField    = errors.New("a question cannot be both the name and the mobile field")
	ErrEmptyQuestionID       = errors.New("question id is required")
	ErrDuplicateQuestionID   = errors.New("duplicate question id")
	ErrEmptyQuestionText     = errors.New("question text is required")
	ErrInvalidAnswerType     = errors.New("invalid answer type")
	ErrNonContiguousOrder    = errors.New("question order values must be unique and contiguous from 0")
	ErrMissingOptions        = errors.New("choice questions require at least one option")
	ErrUnexpectedOptions     = errors.New("only choice questions may declare options")
	ErrEmptyOption           = errors.New("option labels cannot be empty")
	ErrDuplicateOption       = errors.New("duplicate option label")
	ErrDuplicateCRMFieldName = errors.New("duplicate crm field name")
	ErrIdentityFieldOptions  = errors.New("name and mobile questions cannot be choice questions")
	ErrOptionHasDelimiter    = errors.New("multiselect option label contains the multi-choice delimiter")
)

// Question is one step of a workflow.
type Question struct {
	ID            string     `json:"id" yaml:"id"`
	Order         int        `json:"order" yaml:"order"`
	Text          string     `json:"text" yaml:"text"`
	Description   string     `json:"description,omitempty" yaml:"description"`
	Type          AnswerType `json:"type" yaml:"type"`
	Options       []string   `json:"options,omitempty" yaml:"options"`
	Optional      bool       `json:"optional,omitempty" yaml:"optional"`
	IsNameField   bool       `json:"is_name_field,omitempty" yaml:"is_name_field"`
	IsMobileField bool       `json:"is_mobile_field,omitempty" yaml:"is_mobile_field"`
	CRMFieldName  string     `json:"crm_field_name,omitempty" yaml:"crm_field_name"`
	Placeholder   string     `json:"placeholder,omitempty" yaml:"placeholder"`
	HelpText      string     `json:"help_text,omitempty" yaml:"help_text"`
}

// requiredAliases are the authoring keys accepted in place of optional.
// Questions are required unless one of them says otherwise.
type requiredAliases struct {
	Required   *bool `json:"required" yaml:"required"`
	IsRequired *bool `json:"isRequired" yaml:"isRequired"`
}

func (a requiredAliases) apply(q *Question) {
	switch {
	case a.Required != nil:
		q.Optional = !*a.Required
	case a.IsRequired != nil:
		q.Optional = !*a.IsRequired
	}
}

// UnmarshalJSON accepts "required" or "isRequired" alongside "optional" and
// rejects unknown keys.
func (q *Question) UnmarshalJSON(data []byte) error {
	type plain Question
	aux := struct {
		*plain
		requiredAliases
	}{plain: (*plain)(q)}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&aux); err != nil {
		return err
	}
	aux.requiredAliases.apply(q)
	return nil
}

// UnmarshalYAML accepts the same required aliases as UnmarshalJSON.
func (q *Question) UnmarshalYAML(value *yaml.Node) error {
	type plain Question
	if err := value.Decode((*plain)(q)); err != nil {
		return err
	}
	var aliases requiredAliases
	if err := value.Decode(&aliases); err != nil {
		return err
	}
	aliases.apply(q)
	return nil
}

// IsRequired reports whether an answer must be non-empty.
func (q Question) IsRequired() bool {
	return !q.Optional
}

// Kind maps the question to the rule set its answers are validated against.
// The mobile flag wins over the name flag, which wins over the declared type.
func (q Question) Kind() AnswerKind {
	switch {
	case q.IsMobileField:
		return AnswerKindPhone
	case q.IsNameField:
		return AnswerKindName
	case q.Type == AnswerTypeChoice:
		return AnswerKindEnum
	case q.Type == AnswerTypeMultiselect:
		return AnswerKindMultiEnum
	default:
		return AnswerKindText
	}
}

// WorkflowDefinition is one immutable version of a conversational workflow.
type WorkflowDefinition struct {
	ID                string         `json:"id" yaml:"id"`
	TenantID          string         `json:"tenant_id" yaml:"tenant_id"`
	Name              string         `json:"name" yaml:"name"`
	Description       string         `json:"description,omitempty" yaml:"description"`
	Type              WorkflowType   `json:"type" yaml:"type"`
	Version           int            `json:"version" yaml:"version"`
	SupersedesID      string         `json:"supersedes_id,omitempty" yaml:"supersedes_id"`
	Status            WorkflowStatus `json:"status" yaml:"status"`
	ChannelID         string         `json:"channel_id" yaml:"channel_id"`
	TriggerKeyword    string         `json:"trigger_keyword" yaml:"trigger_keyword"`
	TriggerMatch      TriggerMatch   `json:"trigger_match" yaml:"trigger_match"`
	InitialMessage    string         `json:"initial_message" yaml:"initial_message"`
	CompletionMessage string         `json:"completion_message" yaml:"completion_message"`
	SkipMessage       string         `json:"skip_message" yaml:"skip_message"`
	SkipCommand       string         `json:"skip_command,omitempty" yaml:"skip_command"`
	Questions         []Question     `json:"questions" yaml:"questions"`
	CreatedAt         time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt         time.Time      `json:"updated_at" yaml:"-"`
	PublishedAt       *time.Time     `json:"published_at,omitempty" yaml:"-"`
	ArchivedAt        *time.Time     `json:"archived_at,omitempty" yaml:"-"`
}

// NormalizeKeyword lowercases s, trims it and collapses inner whitespace.
func NormalizeKeyword(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// IsValidWorkflowType checks if the given workflow type is supported.
func IsValidWorkflowType(t WorkflowType) bool {
	switch t {
	case WorkflowTypeAdmission, WorkflowTypeDemo, WorkflowTypeInquiry, WorkflowTypeLead, WorkflowTypeCustom:
		return true
	default:
		return false
	}
}

// ApplyDefaults fills empty fields, normalizes the trigger keyword, tidies
// option lists and sorts questions by order. Questions without an id get one
// derived from idPrefix and their position.
func (w *WorkflowDefinition) ApplyDefaults(idPrefix string) {
	if w.Type == "" {
		w.Type = WorkflowTypeCustom
	}
	if w.Version == 0 {
		w.Version = 1
	}
	if w.Status == "" {
		w.Status = WorkflowStatusDraft
	}
	if w.TriggerMatch == "" {
		w.TriggerMatch = TriggerMatchExact
	}
	w.TriggerKeyword = NormalizeKeyword(w.TriggerKeyword)
	if w.TriggerKeyword == "" {
		w.TriggerKeyword = DefaultTriggerKeyword
	}
	w.SkipCommand = NormalizeKeyword(w.SkipCommand)
	if strings.TrimSpace(w.InitialMessage) == "" {
		w.InitialMessage = DefaultInitialMessage
	}
	if strings.TrimSpace(w.CompletionMessage) == "" {
		w.CompletionMessage = DefaultCompletionMessage
	}
	if strings.TrimSpace(w.SkipMessage) == "" {
		w.SkipMessage = DefaultSkipMessage
	}

	allZero := true
	for _, q := range w.Questions {
		if q.Order != 0 {
			allZero = false
			break
		}
	}
	for i := range w.Questions {
		q := &w.Questions[i]
		if allZero {
			q.Order = i
		}
		if q.ID == "" {
			q.ID = fmt.Sprintf("%s%d", idPrefix, i)
		}
		if q.Type == "" {
			q.Type = AnswerTypeText
		}
		q.Text = strings.TrimSpace(q.Text)
		q.CRMFieldName = strings.TrimSpace(q.CRMFieldName)
		q.Options = dedupeOptions(q.Options)
	}
	sort.SliceStable(w.Questions, func(i, j int) bool {
		return w.Questions[i].Order < w.Questions[j].Order
	})
}

func dedupeOptions(options []string) []string {
	if len(options) == 0 {
		return options
	}
	seen := make(map[string]bool, len(options))
	out := make([]string, 0, len(options))
	for _, o := range options {
		o = strings.TrimSpace(o)
		key := strings.ToLower(o)
		if o == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, o)
	}
	return out
}

// Validate checks everything a workflow must satisfy before it can be published.
func (w *WorkflowDefinition) Validate() error {
	if strings.TrimSpace(w.TenantID) == "" {
		return ErrMissingTenant
	}
	if strings.TrimSpace(w.Name) == "" {
		return ErrMissingWorkflowName
	}
	if strings.TrimSpace(w.ChannelID) == "" {
		return ErrMissingChannelID
	}
	if NormalizeKeyword(w.TriggerKeyword) == "" {
		return ErrMissingTrigger
	}
	if !IsValidWorkflowType(w.Type) {
		return ErrInvalidWorkflowType
	}
	if w.TriggerMatch != TriggerMatchExact && w.TriggerMatch != TriggerMatchPrefix {
		return ErrInvalidTriggerMatch
	}
	if len(w.Questions) == 0 {
		return ErrNoQuestions
	}

	var nameFields, mobileFields int
	ids := make(map[string]bool, len(w.Questions))
	crmFields := make(map[string]bool, len(w.Questions))
	orders := make(map[int]bool, len(w.Questions))
	for _, q := range w.Questions {
		if err := q.validate(); err != nil {
			if q.ID == "" {
				return err
			}
			return fmt.Errorf("question %q: %w", q.ID, err)
		}
		if ids[q.ID] {
			return fmt.Errorf("question %q: %w", q.ID, ErrDuplicateQuestionID)
		}
		ids[q.ID] = true
		if q.CRMFieldName != "" {
			if crmFields[q.CRMFieldName] {
				return fmt.Errorf("question %q: %w", q.ID, ErrDuplicateCRMFieldName)
			}
			crmFields[q.CRMFieldName] = true
		}
		if q.Order < 0 || q.Order >= len(w.Questions) || orders[q.Order] {
			return fmt.Errorf("question %q: %w", q.ID, ErrNonContiguousOrder)
		}
		orders[q.Order] = true
		if q.IsNameField {
			nameFields++
		}
		if q.IsMobileField {
			mobileFields++
		}
	}

	switch {
	case nameFields == 0:
		return ErrMissingNameField
	case nameFields > 1:
		return ErrMultipleNameFields
	case mobileFields == 0:
		return ErrMissingMobileField
	case mobileFields > 1:
		return ErrMultipleMobileFields
	}
	return nil
}

func (q Question) validate() error {
	if strings.TrimSpace(q.ID) == "" {
		return ErrEmptyQuestionID
	}
	if strings.TrimSpace(q.Text) == "" {
		return ErrEmptyQuestionText
	}
	if q.IsNameField && q.IsMobileField {
		return ErrNameAndMobileField
	}
	if (q.IsNameField || q.IsMobileField) && (len(q.Options) > 0 || q.Type == AnswerTypeChoice || q.Type == AnswerTypeMultiselect) {
		return ErrIdentityFieldOptions
	}
	switch q.Type {
	case AnswerTypeText:
		if len(q.Options) > 0 {
			return ErrUnexpectedOptions
		}
	case AnswerTypeChoice, AnswerTypeMultiselect:
		if len(q.Options) == 0 {
			return ErrMissingOptions
		}
		seen := make(map[string]bool, len(q.Options))
		for _, o := range q.Options {
			key := strings.ToLower(strings.TrimSpace(o))
			if key == "" {
				return ErrEmptyOption
			}
			if seen[key] {
				return fmt.Errorf("%w: %q", ErrDuplicateOption, o)
			}
			seen[key] = true
		}
	default:
		return ErrInvalidAnswerType
	}
	return nil
}

// CheckOptionDelimiter rejects multiselect options that contain delim, since
// such a label could only be chosen by its number.
func (w *WorkflowDefinition) CheckOptionDelimiter(delim string) error {
	if delim == "" {
		return nil
	}
	for _, q := range w.Questions {
		if q.Kind() != AnswerKindMultiEnum {
			continue
		}
		for _, o := range q.Options {
			if strings.Contains(o, delim) {
				return fmt.Errorf("question %q option %q: %w", q.ID, o, ErrOptionHasDelimiter)
			}
		}
	}
	return nil
}

// QuestionAt returns the question at position i of the ordered sequence.
func (w *WorkflowDefinition) QuestionAt(i int) (Question, bool) {
	if i < 0 || i >= len(w.Questions) {
		return Question{}, false
	}
	return w.Questions[i], true
}

// Clone returns a deep copy so cached definitions are never mutated.
func (w *WorkflowDefinition) Clone() *WorkflowDefinition {
	c := *w
	c.Questions = make([]Question, len(w.Questions))
	for i, q := range w.Questions {
		q.Options = append([]string(nil), q.Options...)
		c.Questions[i] = q
	}
	if w.PublishedAt != nil {
		t := *w.PublishedAt
		c.PublishedAt = &t
	}
	if w.ArchivedAt != nil {
		t := *w.ArchivedAt
		c.ArchivedAt = &t
	}
	return &c
}

// WorkflowAnalytics summarizes how conversations on a workflow ended.
type WorkflowAnalytics struct {
	WorkflowID     string  `json:"workflow_id"`
	Total          int     `json:"total"`
	InProgress     int     `json:"in_progress"`
	Completed      int     `json:"completed"`
	Abandoned      int     `json:"abandoned"`
	Skipped        int     `json:"skipped"`
	LeadsCreated   int     `json:"leads_created"`
	CompletionRate float64 `json:"completion_rate"`
}
