package flow

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Reasons carried by a ValidationError.
const (
	ReasonRequired     = "required"
	ReasonTooLong      = "too_long"
	ReasonNoMatch      = "no_match"
	ReasonNoLetters    = "no_letters"
	ReasonInvalidPhone = "invalid_phone"
)

// ValidationError reports an answer that does not satisfy its question.
// Hint is the message shown to the contact before the question is repeated.
type ValidationError struct {
	QuestionID string
	Kind       models.AnswerKind
	Reason     string
	Hint       string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s answer to question %s: %s", e.Kind, e.QuestionID, e.Reason)
}

// Validator checks raw answers against a question and normalizes them.
type Validator struct {
	opts Opts
}

// NewValidator creates a Validator using the engine options.
func NewValidator(opts ...Option) *Validator {
	return &Validator{opts: buildOpts(opts...)}
}

// Validate checks raw against q. On success the returned answer carries the
// normalized value; otherwise the error is a *ValidationError.
func (v *Validator) Validate(q models.Question, raw string) (models.Answer, error) {
	kind := q.Kind()
	ans := models.Answer{QuestionID: q.ID, Kind: kind}
	fail := func(reason, hint string) (models.Answer, error) {
		return models.Answer{}, &ValidationError{QuestionID: q.ID, Kind: kind, Reason: reason, Hint: hint}
	}

	text := strings.TrimSpace(raw)
	switch kind {
	case models.AnswerKindPhone:
		phone, ok := CanonicalPhone(text, v.opts.PhoneMinDigits, v.opts.PhoneMaxDigits)
		if !ok {
			return fail(ReasonInvalidPhone, fmt.Sprintf("Please enter a valid mobile number with %d to %d digits.", v.opts.PhoneMinDigits, v.opts.PhoneMaxDigits))
		}
		ans.Value = phone
		return ans, nil

	case models.AnswerKindName:
		name := strings.Join(strings.Fields(text), " ")
		if name == "" {
			return fail(ReasonRequired, "Please tell us your name to continue.")
		}
		if utf8.RuneCountInString(name) > v.opts.MaxNameLength {
			return fail(ReasonTooLong, fmt.Sprintf("That name is too long. Please keep it under %d characters.", v.opts.MaxNameLength))
		}
		if strings.IndexFunc(name, unicode.IsLetter) < 0 {
			return fail(ReasonNoLetters, "Please enter your name using letters.")
		}
		ans.Value = name
		return ans, nil
	}

	if text == "" {
		if q.IsRequired() {
			return fail(ReasonRequired, "This question needs an answer. Please reply to continue.")
		}
		return ans, nil
	}

	switch kind {
	case models.AnswerKindEnum:
		label, ok := matchOption(q.Options, text)
		if !ok {
			return fail(ReasonNoMatch, "Please reply with one of the options above, either its number or its text.")
		}
		ans.Value = label
	case models.AnswerKindMultiEnum:
		var values []string
		seen := make(map[string]bool)
		for _, token := range strings.Split(text, v.opts.MultiChoiceDelimiter) {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			label, ok := matchOption(q.Options, token)
			if !ok {
				return fail(ReasonNoMatch, fmt.Sprintf("%q is not one of the options. Reply with the numbers or names of your choices, separated by %q.", stripBraces(token), v.opts.MultiChoiceDelimiter))
			}
			if seen[label] {
				continue
			}
			seen[label] = true
			values = append(values, label)
		}
		if len(values) == 0 {
			if q.IsRequired() {
				return fail(ReasonRequired, "Please choose at least one of the options above.")
			}
			return ans, nil
		}
		ans.Values = values
		ans.Value = strings.Join(values, ", ")
	default:
		if utf8.RuneCountInString(text) > v.opts.MaxAnswerLength {
			return fail(ReasonTooLong, fmt.Sprintf("That answer is too long. Please keep it under %d characters.", v.opts.MaxAnswerLength))
		}
		ans.Value = text
	}
	return ans, nil
}

// matchOption resolves token to a canonical option label, by case-insensitive
// label first and then by 1-based position.
func matchOption(options []string, token string) (string, bool) {
	norm := models.NormalizeKeyword(token)
	for _, o := range options {
		if models.NormalizeKeyword(o) == norm {
			return o, true
		}
	}
	n, err := strconv.Atoi(strings.TrimRight(norm, ".)"))
	if err == nil && n >= 1 && n <= len(options) {
		return options[n-1], true
	}
	return "", false
}

// CanonicalPhone strips separators and a leading plus sign and returns the
// remaining digits when their count is within [minDigits, maxDigits].
func CanonicalPhone(raw string, minDigits, maxDigits int) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "+")
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", false
		}
	}
	digits := b.String()
	if len(digits) < minDigits || len(digits) > maxDigits {
		return "", false
	}
	return digits, true
}

// stripBraces removes braces from contact text quoted back in a hint, so the
// outbound renderer never sees a placeholder the contact typed.
func stripBraces(s string) string {
	return strings.NewReplacer("{", "", "}", "").Replace(s)
}
