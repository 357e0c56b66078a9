// Package compliance chooses between freeform and template sends.
package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"wagate/internal/domain"
	"wagate/internal/extract"
	"wagate/internal/metrics"
)

// Mode is how a message is handed to the provider.
type Mode string

const (
	ModeFreeform Mode = "freeform"
	ModeTemplate Mode = "template"
)

// Config is the per-call send configuration.
type Config struct {
	ChannelEnabled bool
	UseTemplate    bool
	Template       *domain.Template
	// Values override extracted values when binding template slots.
	Values map[string]string
}

// Decision is the outcome of a compliance check for one counterparty.
type Decision struct {
	Mode             Mode
	Warning          string
	TemplateName     string
	ContentReference string
	Variables        map[string]string
}

// WindowChecker is satisfied by *session.Policy.
type WindowChecker interface {
	IsWithinWindow(ctx context.Context, counterparty string, now time.Time) (bool, error)
}

// Decider combines session window state and template configuration.
type Decider struct {
	window    WindowChecker
	extractor extract.ValueExtractor
	logger    *slog.Logger
}

func NewDecider(window WindowChecker, extractor extract.ValueExtractor, logger *slog.Logger) *Decider {
	return &Decider{window: window, extractor: extractor, logger: logger}
}

// Validate fails with a ConfigurationError when the channel is disabled or
// template mode is requested without an approved, referenced template.
func (d *Decider) Validate(cfg Config) error {
	if !cfg.ChannelEnabled {
		return &domain.ConfigurationError{Reason: "whatsapp channel is disabled"}
	}
	if !cfg.UseTemplate {
		return nil
	}
	tpl := cfg.Template
	if tpl == nil {
		return &domain.ConfigurationError{Reason: "template mode requires a selected template"}
	}
	if !tpl.Approved() {
		return &domain.ConfigurationError{Reason: fmt.Sprintf("template %q must be approved before use (status %s)", tpl.Name, tpl.ApprovalStatus)}
	}
	if tpl.ContentReference == "" {
		return &domain.ConfigurationError{Reason: fmt.Sprintf("template %q does not have a content reference", tpl.Name)}
	}
	return nil
}

// Decide picks the send mode for counterparty. Template mode binds the
// template slots against body. Freeform outside the session window is
// allowed but carries a warning.
func (d *Decider) Decide(ctx context.Context, cfg Config, counterparty, body string, now time.Time) (Decision, error) {
	if err := d.Validate(cfg); err != nil {
		return Decision{}, err
	}

	if cfg.UseTemplate {
		values := d.extractor.ExtractCandidateValues(body)
		maps.Copy(values, cfg.Values)
		return Decision{
			Mode:             ModeTemplate,
			TemplateName:     cfg.Template.Name,
			ContentReference: cfg.Template.ContentReference,
			Variables:        extract.BindValues(cfg.Template.Slots, values),
		}, nil
	}

	in, err := d.window.IsWithinWindow(ctx, counterparty, now)
	if err != nil {
		d.logger.Warn("session window lookup failed, assuming outside", "to", counterparty, "err", err)
		in = false
	}
	if in {
		return Decision{Mode: ModeFreeform}, nil
	}

	metrics.WindowWarnings.Inc()
	warning := fmt.Sprintf("recipient %s is outside the 24-hour session window; consider using template mode", counterparty)
	d.logger.Warn("freeform send outside session window", "to", counterparty)
	return Decision{Mode: ModeFreeform, Warning: warning}, nil
}
