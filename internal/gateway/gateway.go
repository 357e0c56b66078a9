// Package gateway sends one rendered message to many recipients, deciding
// the send mode per recipient and recording each outcome.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"wagate/internal/compliance"
	"wagate/internal/domain"
	"wagate/internal/lifecycle"
)

// StatusCallbackPath is where the provider posts delivery updates.
const StatusCallbackPath = "/webhooks/whatsapp/status"

// DefaultMaxConcurrent bounds in-flight provider calls per Send.
const DefaultMaxConcurrent = 8

// StatusCallbackURL derives the callback target from the public base URL.
// Bare hosts get https.
func StatusCallbackURL(publicBaseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")
	if base == "" {
		return ""
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return base + StatusCallbackPath
}

// Config is the per-call send configuration.
type Config struct {
	Sender            string // business address, with or without channel prefix
	StatusCallbackURL string
	MediaURLs         []string
	Compliance        compliance.Config
}

// Outcome is the result for one recipient.
type Outcome struct {
	Recipient  string        `json:"recipient"`
	MessageID  string        `json:"message_id,omitempty"`
	ExternalID string        `json:"external_id,omitempty"`
	Mode       string        `json:"mode,omitempty"`
	Status     domain.Status `json:"status,omitempty"`
	Warning    string        `json:"warning,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// OK reports whether the provider accepted the message.
func (o Outcome) OK() bool { return o.Error == "" }

// Deps wires a Gateway.
type Deps struct {
	Decider       *compliance.Decider
	Sender        domain.Sender
	Tracker       *lifecycle.Tracker
	Logger        *slog.Logger
	MaxConcurrent int
	Now           func() time.Time
}

type Gateway struct {
	decider       *compliance.Decider
	sender        domain.Sender
	tracker       *lifecycle.Tracker
	logger        *slog.Logger
	maxConcurrent int
	now           func() time.Time
}

func New(d Deps) *Gateway {
	if d.MaxConcurrent <= 0 {
		d.MaxConcurrent = DefaultMaxConcurrent
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Gateway{
		decider:       d.Decider,
		sender:        d.Sender,
		tracker:       d.Tracker,
		logger:        d.Logger,
		maxConcurrent: d.MaxConcurrent,
		now:           d.Now,
	}
}

// Send delivers body to every recipient independently. A configuration
// problem fails the whole call before anything is sent; per-recipient
// failures are reported in the matching Outcome. Outcomes keep the order of
// recipients.
func (g *Gateway) Send(ctx context.Context, recipients []string, body string, cfg Config, referenceSubject string) ([]Outcome, error) {
	if err := g.decider.Validate(cfg.Compliance); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Sender) == "" {
		return nil, &domain.ConfigurationError{Reason: "sender number is not configured"}
	}

	outcomes := make([]Outcome, len(recipients))
	var eg errgroup.Group
	eg.SetLimit(g.maxConcurrent)
	for i, rcpt := range recipients {
		eg.Go(func() error {
			outcomes[i] = g.sendOne(ctx, rcpt, body, cfg, referenceSubject)
			return nil
		})
	}
	eg.Wait()

	failed := 0
	for _, o := range outcomes {
		if !o.OK() {
			failed++
		}
	}
	g.logger.Info("whatsapp batch done", "recipients", len(recipients), "failed", failed, "subject", referenceSubject)
	return outcomes, nil
}

func (g *Gateway) sendOne(ctx context.Context, recipient, body string, cfg Config, referenceSubject string) Outcome {
	to := domain.ChannelAddress(recipient)
	out := Outcome{Recipient: to}
	if to == "" {
		out.Error = "empty recipient"
		return out
	}

	msg := &domain.Message{
		From:             domain.ChannelAddress(cfg.Sender),
		To:               to,
		Body:             body,
		ReferenceSubject: referenceSubject,
	}
	if len(cfg.MediaURLs) > 0 {
		msg.MediaLink = cfg.MediaURLs[0]
	}
	if err := g.tracker.Create(ctx, msg); err != nil {
		g.logger.Error("create message record", "to", to, "err", err)
		out.Error = err.Error()
		return out
	}
	out.MessageID = msg.ID

	dec, err := g.decider.Decide(ctx, cfg.Compliance, to, body, g.now())
	if err != nil {
		out.Error = g.tracker.MarkFailed(ctx, msg, err)
		out.Status = msg.Status
		return out
	}
	out.Mode = string(dec.Mode)
	out.Warning = dec.Warning

	req := domain.SendRequest{
		From:              msg.From,
		To:                to,
		StatusCallbackURL: cfg.StatusCallbackURL,
		MediaURLs:         cfg.MediaURLs,
	}
	if dec.Mode == compliance.ModeTemplate {
		msg.TemplateMode = true
		msg.TemplateName = dec.TemplateName
		msg.ContentReference = dec.ContentReference
		msg.ContentVariables = dec.Variables
		req.ContentReference = dec.ContentReference
		req.ContentVariables = dec.Variables
	} else {
		req.Body = body
	}

	res, err := g.sender.Send(ctx, req)
	if err == nil && res == nil {
		err = errors.New("provider returned no result")
	}
	if err != nil {
		out.Error = g.tracker.MarkFailed(ctx, msg, err)
		out.Status = msg.Status
		return out
	}

	out.ExternalID = res.ExternalID
	if err := g.tracker.MarkSent(ctx, msg, res); err != nil {
		// The provider has the message. Retry once detached from the
		// caller so a cancelled request does not orphan the sid.
		if err = g.tracker.MarkSent(context.WithoutCancel(ctx), msg, res); err != nil {
			g.logger.Error("sent message not recorded",
				"id", msg.ID, "sid", res.ExternalID, "to", to, "err", err)
			out.Error = fmt.Sprintf("sent as %s but not recorded: %v", res.ExternalID, err)
			return out
		}
	}
	out.Status = msg.Status
	return out
}
