// Package lifecycle records outbound and inbound messages and applies the
// provider's asynchronous status callbacks to them.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"wagate/internal/domain"
	"wagate/internal/metrics"
)

// Outcome classifies what a webhook payload did to the store.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeDuplicate
	OutcomeUnmatched
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeUnmatched:
		return "unmatched"
	default:
		return "rejected"
	}
}

// Result is returned by webhook-facing operations. Err is informational;
// callers acknowledge the provider regardless.
type Result struct {
	Outcome Outcome
	Message *domain.Message
	Err     error
}

// Config wires a Tracker.
type Config struct {
	Store       domain.MessageStore
	Diagnostics DiagnosticSink        // nil means log only
	Events      domain.EventPublisher // nil disables publishing
	Logger      *slog.Logger
	Now         func() time.Time
}

// Tracker owns every state change of a message record.
type Tracker struct {
	store       domain.MessageStore
	diagnostics DiagnosticSink
	events      domain.EventPublisher
	logger      *slog.Logger
	now         func() time.Time
}

func NewTracker(cfg Config) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	diag := cfg.Diagnostics
	if diag == nil {
		diag = LogSink{Logger: logger}
	}
	clock := cfg.Now
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		store:       cfg.Store,
		diagnostics: diag,
		events:      cfg.Events,
		logger:      logger,
		now:         func() time.Time { return storedTime(clock()) },
	}
}

// storedTime drops precision the store cannot keep, so a timestamp compares
// the same before and after a round trip.
func storedTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Create persists a new outgoing record in the Created state.
func (t *Tracker) Create(ctx context.Context, msg *domain.Message) error {
	now := t.now()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Direction = domain.DirectionOutgoing
	msg.Status = domain.StatusCreated
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if err := t.store.Upsert(ctx, msg); err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// MarkSent records provider acceptance. The provider-assigned id is only
// written once.
func (t *Tracker) MarkSent(ctx context.Context, msg *domain.Message, res *domain.SendResult) error {
	if msg.ExternalID != "" && msg.ExternalID != res.ExternalID {
		return fmt.Errorf("message %s already carries external id %s", msg.ID, msg.ExternalID)
	}
	sentAt := t.now()
	if !res.SentAt.IsZero() {
		sentAt = storedTime(res.SentAt)
	}
	msg.ExternalID = res.ExternalID
	msg.Status = domain.StatusSent
	msg.ProviderStatus = string(res.Status)
	msg.SentAt = &sentAt
	msg.UpdatedAt = t.now()
	if err := t.store.Upsert(ctx, msg); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	metrics.SendsTotal.Inc()
	t.logger.Info("whatsapp message sent",
		"id", msg.ID,
		"sid", msg.ExternalID,
		"to", msg.To,
		"provider_status", res.Status,
		"template", msg.TemplateMode,
	)
	t.publish(ctx, msg, map[string]any{"provider_status": res.Status})
	return nil
}

// MarkFailed records a send that never reached provider acceptance and
// returns the message surfaced to the caller.
func (t *Tracker) MarkFailed(ctx context.Context, msg *domain.Message, sendErr error) string {
	surfaced := SurfaceSendError(sendErr)
	var serr *domain.SendError
	if errors.As(sendErr, &serr) {
		msg.ErrorCode = serr.Code
	}
	msg.Status = domain.StatusError
	msg.ErrorMessage = surfaced
	msg.UpdatedAt = t.now()
	metrics.SendFailures.Inc()
	t.logger.Error("whatsapp send failed", "id", msg.ID, "to", msg.To, "err", surfaced)
	if err := t.store.Upsert(ctx, msg); err != nil {
		t.logger.Error("persist failed send", "id", msg.ID, "err", err)
	}
	t.publish(ctx, msg, nil)
	return surfaced
}

// ApplyStatusCallback applies one delivery-status callback. It never
// returns an error to the webhook; failures are logged and reported in Result.
func (t *Tracker) ApplyStatusCallback(ctx context.Context, cb StatusCallback) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("status callback panic", "sid", cb.MessageSid, "panic", r)
			metrics.CallbackErrors.Inc()
			res = Result{Outcome: OutcomeRejected, Err: fmt.Errorf("status callback panic: %v", r)}
		}
	}()

	if err := cb.validate(); err != nil {
		metrics.CallbackErrors.Inc()
		t.logger.Warn("status callback rejected", "err", err)
		return Result{Outcome: OutcomeRejected, Err: err}
	}

	key := domain.ExternalKey{ExternalID: cb.MessageSid, From: cb.From, To: cb.To}
	upd := domain.StatusUpdate{
		Status:       domain.ParseStatus(cb.MessageStatus),
		ErrorCode:    cb.ErrorCode,
		ErrorMessage: cb.ErrorMessage,
		At:           t.now(),
	}

	applied, err := t.store.UpdateStatus(ctx, key, upd)
	if err != nil {
		metrics.CallbackErrors.Inc()
		perr := &domain.CallbackProcessingError{Kind: "store", Detail: cb.MessageSid, Err: err}
		t.logger.Error("status callback not stored", "sid", cb.MessageSid, "err", err)
		return Result{Outcome: OutcomeRejected, Err: perr}
	}

	switch applied {
	case domain.UpdateNotFound:
		t.logger.Info("status callback for unknown message",
			"sid", cb.MessageSid, "from", cb.From, "to", cb.To, "status", upd.Status)
		return Result{
			Outcome: OutcomeUnmatched,
			Err:     &domain.CallbackProcessingError{Kind: "unmatched", Detail: cb.MessageSid},
		}
	case domain.UpdateUnchanged:
		t.logger.Debug("duplicate status callback", "sid", cb.MessageSid, "status", upd.Status)
		return Result{Outcome: OutcomeDuplicate}
	}

	metrics.Collector.StatusCallback(string(upd.Status)).Inc()
	t.logger.Info("status callback applied", "sid", cb.MessageSid, "status", upd.Status)

	msg, err := t.store.FindByExternalTriple(ctx, key)
	if err != nil || msg == nil {
		msg = &domain.Message{ExternalID: cb.MessageSid, From: cb.From, To: cb.To,
			Status: upd.Status, ErrorCode: upd.ErrorCode, ErrorMessage: upd.ErrorMessage}
	}

	if upd.Status == domain.StatusFailed && upd.ErrorCode != "" {
		d := domain.Diagnostic{
			ExternalID: cb.MessageSid,
			Status:     upd.Status,
			ErrorCode:  upd.ErrorCode,
			Detail:     diagnosticDetail(upd.ErrorCode, upd.ErrorMessage),
			Hint:       HintFor(upd.ErrorCode),
			CreatedAt:  upd.At,
		}
		if err := t.diagnostics.Emit(ctx, d); err != nil {
			t.logger.Warn("emit diagnostic", "sid", cb.MessageSid, "err", err)
		}
	}

	t.publish(ctx, msg, nil)
	return Result{Outcome: OutcomeApplied, Message: msg}
}

// RecordIncoming stores an inbound message. Redelivered payloads are
// recognised by their provider id and ignored.
func (t *Tracker) RecordIncoming(ctx context.Context, p InboundPayload) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("inbound message panic", "sid", p.MessageSid, "panic", r)
			metrics.CallbackErrors.Inc()
			res = Result{Outcome: OutcomeRejected, Err: fmt.Errorf("inbound message panic: %v", r)}
		}
	}()

	if err := p.validate(); err != nil {
		metrics.CallbackErrors.Inc()
		t.logger.Warn("inbound message rejected", "err", err)
		return Result{Outcome: OutcomeRejected, Err: err}
	}

	key := domain.ExternalKey{ExternalID: p.MessageSid, From: p.From, To: p.To}
	existing, err := t.store.FindByExternalTriple(ctx, key)
	if err != nil {
		metrics.CallbackErrors.Inc()
		t.logger.Error("inbound lookup failed", "sid", p.MessageSid, "err", err)
		return Result{Outcome: OutcomeRejected, Err: &domain.CallbackProcessingError{Kind: "store", Err: err}}
	}
	if existing != nil {
		t.logger.Debug("duplicate inbound message", "sid", p.MessageSid)
		return Result{Outcome: OutcomeDuplicate, Message: existing}
	}

	now := t.now()
	msg := &domain.Message{
		ID:          uuid.NewString(),
		ExternalID:  p.MessageSid,
		Direction:   domain.DirectionIncoming,
		From:        p.From,
		To:          p.To,
		Body:        p.Body,
		ProfileName: p.ProfileName,
		Status:      domain.StatusReceived,
		ReceivedAt:  &now,
		MediaLink:   p.MediaURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := t.store.Upsert(ctx, msg); err != nil {
		metrics.CallbackErrors.Inc()
		t.logger.Error("inbound message not stored", "sid", p.MessageSid, "err", err)
		return Result{Outcome: OutcomeRejected, Err: &domain.CallbackProcessingError{Kind: "store", Err: err}}
	}

	metrics.InboundMessages.Inc()
	t.logger.Info("whatsapp message received", "sid", p.MessageSid, "from", p.From, "profile", p.ProfileName)
	t.publish(ctx, msg, nil)
	return Result{Outcome: OutcomeApplied, Message: msg}
}

func (t *Tracker) publish(ctx context.Context, msg *domain.Message, meta map[string]any) {
	if t.events == nil {
		return
	}
	ev := domain.LifecycleEvent{
		ID:         uuid.NewString(),
		MessageID:  msg.ID,
		ExternalID: msg.ExternalID,
		From:       msg.From,
		To:         msg.To,
		Status:     msg.Status,
		ErrorCode:  msg.ErrorCode,
		Timestamp:  t.now(),
	}
	if len(meta) > 0 {
		if raw, err := json.Marshal(meta); err == nil {
			ev.Metadata = raw
		}
	}
	if err := t.events.Publish(ctx, ev); err != nil {
		t.logger.Warn("publish lifecycle event", "id", msg.ID, "status", msg.Status, "err", err)
	}
}
