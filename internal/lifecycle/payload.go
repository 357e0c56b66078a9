package lifecycle

import (
	"net/url"
	"strings"

	"wagate/internal/domain"
)

// StatusCallback is the provider's delivery-status webhook payload.
type StatusCallback struct {
	MessageSid    string
	From          string
	To            string
	MessageStatus string
	ErrorCode     string
	ErrorMessage  string
}

// StatusCallbackFromForm reads the provider's form-encoded field names.
func StatusCallbackFromForm(form url.Values) StatusCallback {
	return StatusCallback{
		MessageSid:    strings.TrimSpace(form.Get("MessageSid")),
		From:          strings.TrimSpace(form.Get("From")),
		To:            strings.TrimSpace(form.Get("To")),
		MessageStatus: strings.TrimSpace(form.Get("MessageStatus")),
		ErrorCode:     strings.TrimSpace(form.Get("ErrorCode")),
		ErrorMessage:  strings.TrimSpace(form.Get("ErrorMessage")),
	}
}

func (cb StatusCallback) validate() error {
	var missing []string
	if cb.MessageSid == "" {
		missing = append(missing, "MessageSid")
	}
	if cb.From == "" {
		missing = append(missing, "From")
	}
	if cb.To == "" {
		missing = append(missing, "To")
	}
	if cb.MessageStatus == "" {
		missing = append(missing, "MessageStatus")
	}
	if len(missing) > 0 {
		return &domain.CallbackProcessingError{Kind: "malformed", Detail: "missing " + strings.Join(missing, ", ")}
	}
	return nil
}

// InboundPayload is the provider's incoming-message webhook payload.
type InboundPayload struct {
	MessageSid  string
	From        string
	To          string
	Body        string
	ProfileName string
	SmsStatus   string
	MediaURL    string
}

// InboundPayloadFromForm reads the provider's form-encoded field names.
func InboundPayloadFromForm(form url.Values) InboundPayload {
	return InboundPayload{
		MessageSid:  strings.TrimSpace(form.Get("MessageSid")),
		From:        strings.TrimSpace(form.Get("From")),
		To:          strings.TrimSpace(form.Get("To")),
		Body:        form.Get("Body"),
		ProfileName: form.Get("ProfileName"),
		SmsStatus:   form.Get("SmsStatus"),
		MediaURL:    form.Get("MediaUrl0"),
	}
}

func (p InboundPayload) validate() error {
	if p.MessageSid == "" || p.From == "" {
		return &domain.CallbackProcessingError{Kind: "malformed", Detail: "inbound message without MessageSid or From"}
	}
	return nil
}
