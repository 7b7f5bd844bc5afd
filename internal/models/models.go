// Package models defines the core data structures for FlowPipe.
//
// It includes workflow definitions, conversation sessions, inbound messages and
// CRM records, which are shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// Errors returned when an inbound message cannot be accepted.
var (
	ErrMissingChannel   = errors.New("inbound message is missing a channel id")
	ErrMissingContact   = errors.New("inbound message is missing a contact address")
	ErrMissingMessageID = errors.New("inbound message is missing a provider message id")
)

// InboundMessage is a single text message delivered by a channel provider.
type InboundMessage struct {
	ChannelID         string    `json:"channel_id"`
	ContactAddress    string    `json:"contact"`
	Text              string    `json:"text"`
	ProviderMessageID string    `json:"message_id"`
	ReceivedAt        time.Time `json:"received_at,omitempty"`
}

// Validate checks the fields every inbound message must carry.
func (m *InboundMessage) Validate() error {
	if strings.TrimSpace(m.ChannelID) == "" {
		return ErrMissingChannel
	}
	if strings.TrimSpace(m.ContactAddress) == "" {
		return ErrMissingContact
	}
	if strings.TrimSpace(m.ProviderMessageID) == "" {
		return ErrMissingMessageID
	}
	return nil
}

// IsInvalidInbound reports whether err came from InboundMessage.Validate.
func IsInvalidInbound(err error) bool {
	return errors.Is(err, ErrMissingChannel) || errors.Is(err, ErrMissingContact) || errors.Is(err, ErrMissingMessageID)
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates an inbound delivery was accepted for processing.
	APIStatusAccepted APIStatus = "accepted"
)

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Accepted creates a response for an inbound delivery that was taken for processing.
func Accepted(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusAccepted).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
