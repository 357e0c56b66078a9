package lifecycle

import (
	"errors"
	"strings"

	"wagate/internal/domain"
)

// ErrCodeOutsideWindow is the provider code for a freeform message sent
// outside the customer-session window.
const ErrCodeOutsideWindow = "63016"

// SessionWindowHint explains ErrCodeOutsideWindow to operators.
const SessionWindowHint = "This error occurs when sending freeform messages outside the 24-hour session window; use template mode instead."

// HintFor returns the operator hint for a provider error code, or "".
func HintFor(code string) string {
	if strings.TrimSpace(code) == ErrCodeOutsideWindow {
		return SessionWindowHint
	}
	return ""
}

// IsOutsideWindowError reports whether err carries the freeform-outside-window signature.
func IsOutsideWindowError(err error) bool {
	if err == nil {
		return false
	}
	var serr *domain.SendError
	if errors.As(err, &serr) && serr.Code == ErrCodeOutsideWindow {
		return true
	}
	text := err.Error()
	return strings.Contains(text, ErrCodeOutsideWindow) ||
		strings.Contains(strings.ToLower(text), "freeform message")
}

// SurfaceSendError turns a send failure into the message shown to callers and
// written to logs. The outside-window signature becomes the operator hint;
// anything else is truncated to keep provider bodies out of logs.
func SurfaceSendError(err error) string {
	if err == nil {
		return ""
	}
	if IsOutsideWindowError(err) {
		return "Failed to send freeform message (error " + ErrCodeOutsideWindow + "). " + SessionWindowHint
	}
	return truncate(err.Error(), 300)
}

// diagnosticDetail formats the provider error the way operators read it.
func diagnosticDetail(code, message string) string {
	detail := "Error Code: " + code
	if message != "" {
		detail += ", Message: " + message
	}
	if hint := HintFor(code); hint != "" {
		detail += " - " + hint
	}
	return detail
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
