package domain

import (
	"strings"
	"time"
)

// Direction tells whether a message left the business or arrived from a counterparty.
type Direction string

const (
	DirectionOutgoing Direction = "Outgoing"
	DirectionIncoming Direction = "Incoming"
)

// Status is the lifecycle label of a message record.
type Status string

const (
	StatusCreated     Status = "Created"
	StatusQueued      Status = "Queued"
	StatusAccepted    Status = "Accepted"
	StatusSending     Status = "Sending"
	StatusSent        Status = "Sent"
	StatusDelivered   Status = "Delivered"
	StatusRead        Status = "Read"
	StatusFailed      Status = "Failed"
	StatusUndelivered Status = "Undelivered"
	StatusReceived    Status = "Received"

	// StatusError marks a send attempt that never reached provider acceptance.
	StatusError Status = "Error"
)

// ParseStatus title-cases a provider status label ("delivered" -> Delivered).
// Unknown labels are kept verbatim in title case so callbacks are never lost.
func ParseStatus(s string) Status {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lower := strings.ToLower(s)
	return Status(strings.ToUpper(lower[:1]) + lower[1:])
}

// IsFailure reports whether the status ends the message unsuccessfully.
func (s Status) IsFailure() bool {
	return s == StatusFailed || s == StatusUndelivered || s == StatusError
}

// Message is one outbound or inbound communication unit.
type Message struct {
	ID               string            `json:"id"`                    // local record id
	ExternalID       string            `json:"external_id,omitempty"` // provider-assigned, immutable once set
	Direction        Direction         `json:"direction"`
	From             string            `json:"from"`
	To               string            `json:"to"`
	Body             string            `json:"body"`
	ProfileName      string            `json:"profile_name,omitempty"`
	TemplateMode     bool              `json:"template_mode"`
	TemplateName     string            `json:"template_name,omitempty"`
	ContentReference string            `json:"content_reference,omitempty"`
	ContentVariables map[string]string `json:"content_variables,omitempty"`
	Status           Status            `json:"status"`
	ErrorCode        string            `json:"error_code,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	SentAt           *time.Time        `json:"sent_at,omitempty"`
	ReceivedAt       *time.Time        `json:"received_at,omitempty"`
	ReferenceSubject string            `json:"reference_subject,omitempty"`
	MediaLink        string            `json:"media_link,omitempty"`
	ProviderStatus   string            `json:"provider_status,omitempty"` // status the provider returned on acceptance
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// ExternalKey identifies a sent message the way status callbacks do.
type ExternalKey struct {
	ExternalID string
	From       string
	To         string
}

// Key returns the callback lookup triple for m.
func (m *Message) Key() ExternalKey {
	return ExternalKey{ExternalID: m.ExternalID, From: m.From, To: m.To}
}
