package domain

import (
	"fmt"
	"strings"
)

// ConfigurationError rejects a send before any provider call: template mode
// misconfigured or the channel disabled.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration: " + e.Reason
}

// ValidationError blocks saving a template record.
type ValidationError struct {
	Template string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Template == "" {
		return fmt.Sprintf("invalid template: %s", e.Reason)
	}
	return fmt.Sprintf("invalid template %q (%s): %s", e.Template, e.Field, e.Reason)
}

// SendError is a provider rejection or a transport failure before acceptance.
type SendError struct {
	Code       string // provider error code, empty for transport failures
	HTTPStatus int
	Message    string
	Err        error
}

func (e *SendError) Error() string {
	var sb strings.Builder
	sb.WriteString("send failed")
	if e.HTTPStatus != 0 {
		fmt.Fprintf(&sb, " (HTTP %d)", e.HTTPStatus)
	}
	if e.Code != "" {
		fmt.Fprintf(&sb, " code %s", e.Code)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	} else if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *SendError) Unwrap() error { return e.Err }

// CallbackProcessingError describes a malformed or unmatched webhook payload.
// It is only ever logged.
type CallbackProcessingError struct {
	Kind   string // "malformed" | "unmatched" | "store"
	Detail string
	Err    error
}

func (e *CallbackProcessingError) Error() string {
	msg := "callback " + e.Kind
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CallbackProcessingError) Unwrap() error { return e.Err }
