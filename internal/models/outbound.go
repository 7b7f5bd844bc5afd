package models

// OutboundKind labels why a message was queued for a contact.
type OutboundKind string

const (
	OutboundInitial    OutboundKind = "initial"
	OutboundPrompt     OutboundKind = "prompt"
	OutboundRetry      OutboundKind = "retry"
	OutboundCompletion OutboundKind = "completion"
	OutboundSkip       OutboundKind = "skip"
	OutboundAbandon    OutboundKind = "abandon"
)

// OutboundPayload is the body of a queued message. Template may contain
// {{token}} placeholders that are filled from Vars when the message is sent.
type OutboundPayload struct {
	Template string            `json:"template"`
	Vars     map[string]string `json:"vars,omitempty"`
}
