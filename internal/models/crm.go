package models

import "time"

// Contact is a CRM contact, unique per tenant and canonical phone number.
type Contact struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	Phone     string            `json:"phone"`
	Name      string            `json:"name"`
	Fields    map[string]string `json:"fields,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Lead records one completed conversation against a contact.
type Lead struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenant_id"`
	ContactID    string            `json:"contact_id"`
	SessionID    string            `json:"session_id"`
	WorkflowID   string            `json:"workflow_id"`
	WorkflowType WorkflowType      `json:"workflow_type"`
	Fields       map[string]string `json:"fields,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// ContactUpsert is the projection of a completed session onto a CRM contact.
// Fields absent from the map are left untouched on an existing contact.
type ContactUpsert struct {
	TenantID string
	Phone    string
	Name     string
	Fields   map[string]string
}
