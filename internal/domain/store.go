package domain

import (
	"context"
	"time"
)

// MessageStore persists message records. Implementations must apply
// UpdateStatus as one atomic match-then-update.
type MessageStore interface {
	Upsert(ctx context.Context, msg *Message) error
	FindByID(ctx context.Context, id string) (*Message, error)
	// FindLatestIncoming returns the newest Incoming message from the address, or nil.
	FindLatestIncoming(ctx context.Context, from string) (*Message, error)
	// FindByExternalTriple returns the message matching the callback key, or nil.
	FindByExternalTriple(ctx context.Context, key ExternalKey) (*Message, error)
	UpdateStatus(ctx context.Context, key ExternalKey, upd StatusUpdate) (UpdateResult, error)
}

// TemplateStore persists template records together with their slots.
type TemplateStore interface {
	SaveTemplate(ctx context.Context, tpl *Template) error
	GetTemplate(ctx context.Context, name string) (*Template, error)
	ListTemplates(ctx context.Context, approvedOnly bool) ([]Template, error)
}

// DiagnosticStore keeps failure diagnostics for later inspection.
type DiagnosticStore interface {
	SaveDiagnostic(ctx context.Context, d Diagnostic) error
}

// StatusUpdate is the payload of a conditional status write.
type StatusUpdate struct {
	Status       Status
	ErrorCode    string
	ErrorMessage string
	At           time.Time
}

// UpdateResult reports what a conditional status write did.
type UpdateResult int

const (
	UpdateNotFound  UpdateResult = iota // no record matched the key
	UpdateUnchanged                     // record already carried this status and error code
	UpdateApplied
)

func (r UpdateResult) String() string {
	switch r {
	case UpdateApplied:
		return "applied"
	case UpdateUnchanged:
		return "unchanged"
	default:
		return "not_found"
	}
}

// Diagnostic records a delivery failure reported by the provider.
type Diagnostic struct {
	ID         int64     `json:"id"`
	ExternalID string    `json:"external_id"`
	Status     Status    `json:"status"`
	ErrorCode  string    `json:"error_code"`
	Detail     string    `json:"detail"`
	Hint       string    `json:"hint,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
