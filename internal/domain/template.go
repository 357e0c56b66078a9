package domain

// ApprovalStatus is the provider review state of a template.
type ApprovalStatus string

const (
	ApprovalDraft    ApprovalStatus = "Draft"
	ApprovalPending  ApprovalStatus = "Pending"
	ApprovalApproved ApprovalStatus = "Approved"
	ApprovalRejected ApprovalStatus = "Rejected"
)

// SlotTypeText is the only slot type the provider accepts today.
const SlotTypeText = "TEXT"

// Slot is a positioned placeholder inside a template body.
type Slot struct {
	Position     int    `json:"position" yaml:"position"`
	Name         string `json:"name" yaml:"name"`
	Type         string `json:"type" yaml:"type"`
	DefaultValue string `json:"default_value,omitempty" yaml:"default,omitempty"`
}

// Template is a pre-approved reusable message pattern.
type Template struct {
	Name             string         `json:"name" yaml:"name"`
	Body             string         `json:"body" yaml:"body"`
	ApprovalStatus   ApprovalStatus `json:"approval_status" yaml:"status"`
	ContentReference string         `json:"content_reference,omitempty" yaml:"content_sid"`
	Slots            []Slot         `json:"slots" yaml:"slots,omitempty"`
}

// Approved reports whether the template may be referenced in a send.
func (t *Template) Approved() bool {
	return t.ApprovalStatus == ApprovalApproved
}

// Validate enforces Approved => content reference.
func (t *Template) Validate() error {
	if t.Name == "" {
		return &ValidationError{Field: "name", Reason: "template name is required"}
	}
	switch t.ApprovalStatus {
	case ApprovalDraft, ApprovalPending, ApprovalApproved, ApprovalRejected:
	default:
		return &ValidationError{Template: t.Name, Field: "status", Reason: "unknown approval status " + string(t.ApprovalStatus)}
	}
	if t.Approved() && t.ContentReference == "" {
		return &ValidationError{Template: t.Name, Field: "content_sid", Reason: "content reference is required for approved templates"}
	}
	return nil
}
