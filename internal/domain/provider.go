package domain

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// ChannelPrefix marks provider addresses on the WhatsApp channel.
const ChannelPrefix = "whatsapp:"

// ChannelAddress returns addr in channel form, adding the prefix at most once.
func ChannelAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" || strings.HasPrefix(addr, ChannelPrefix) {
		return addr
	}
	return ChannelPrefix + addr
}

// SendRequest is the provider-facing request. Exactly one of Body or
// ContentReference is set.
type SendRequest struct {
	From              string
	To                string
	Body              string
	ContentReference  string
	ContentVariables  map[string]string
	StatusCallbackURL string
	MediaURLs         []string
}

// TemplateMode reports whether the request references an approved template.
func (r SendRequest) TemplateMode() bool {
	return r.ContentReference != ""
}

// SendResult is what the provider returns after accepting a message.
type SendResult struct {
	ExternalID string
	Status     Status
	SentAt     time.Time
}

// Sender executes a send against the messaging provider.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
}

// LifecycleEvent is emitted whenever a message record changes state.
type LifecycleEvent struct {
	ID         string          `json:"id"`
	MessageID  string          `json:"message_id,omitempty"`
	ExternalID string          `json:"external_id,omitempty"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	Status     Status          `json:"status"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// EventPublisher fans lifecycle events out to other systems.
type EventPublisher interface {
	Publish(ctx context.Context, ev LifecycleEvent) error
	Close() error
}
