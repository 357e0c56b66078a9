// Package session answers whether a counterparty is inside the customer-session
// window, the period after their last inbound message during which freeform
// replies are allowed.
package session

import (
	"context"
	"fmt"
	"time"

	"wagate/internal/domain"
)

// Window is the policy horizon. The boundary is inclusive.
const Window = 24 * time.Hour

// IncomingFinder is the slice of the message store the policy reads.
type IncomingFinder interface {
	FindLatestIncoming(ctx context.Context, from string) (*domain.Message, error)
}

// Policy evaluates the session window against stored inbound messages.
type Policy struct {
	store IncomingFinder
}

func NewPolicy(store IncomingFinder) *Policy {
	return &Policy{store: store}
}

// IsWithinWindow reports whether counterparty sent an inbound message at most
// 24 hours before now. No inbound message means outside.
func (p *Policy) IsWithinWindow(ctx context.Context, counterparty string, now time.Time) (bool, error) {
	last, err := p.LastInbound(ctx, counterparty)
	if err != nil {
		return false, err
	}
	if last == nil {
		return false, nil
	}
	return now.Sub(*last) <= Window, nil
}

// LastInbound returns the receive time of the newest inbound message, or nil.
func (p *Policy) LastInbound(ctx context.Context, counterparty string) (*time.Time, error) {
	msg, err := p.store.FindLatestIncoming(ctx, domain.ChannelAddress(counterparty))
	if err != nil {
		return nil, fmt.Errorf("latest inbound for %s: %w", counterparty, err)
	}
	if msg == nil || msg.ReceivedAt == nil {
		return nil, nil
	}
	return msg.ReceivedAt, nil
}

// Check is the user-facing answer for a session window lookup.
type Check struct {
	InSession   bool   `json:"in_session"`
	PhoneNumber string `json:"phone_number"`
	Message     string `json:"message"`
}

// CheckNumber normalizes phone to channel form and describes its window state.
func (p *Policy) CheckNumber(ctx context.Context, phone string, now time.Time) (Check, error) {
	if phone == "" {
		return Check{Message: "Phone number is required"}, nil
	}
	addr := domain.ChannelAddress(phone)
	in, err := p.IsWithinWindow(ctx, addr, now)
	if err != nil {
		return Check{}, err
	}
	c := Check{InSession: in, PhoneNumber: addr, Message: "Outside 24-hour window - template required"}
	if in {
		c.Message = "Within 24-hour window"
	}
	return c, nil
}
