package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"wagate/internal/domain"
	"wagate/internal/store"
)

var now = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu    sync.Mutex
	diags []domain.Diagnostic
}

func (r *recordingSink) Emit(_ context.Context, d domain.Diagnostic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diags = append(r.diags, d)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.LifecycleEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

type fixture struct {
	store   *store.MemoryStore
	sink    *recordingSink
	events  *recordingPublisher
	logs    *bytes.Buffer
	tracker *Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemoryStore(),
		sink:   &recordingSink{},
		events: &recordingPublisher{},
		logs:   &bytes.Buffer{},
	}
	logger := slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f.tracker = NewTracker(Config{
		Store:       f.store,
		Diagnostics: MultiSink{LogSink{Logger: logger}, f.sink},
		Events:      f.events,
		Logger:      logger,
		Now:         func() time.Time { return now },
	})
	return f
}

// sent creates and marks a message sent, returning it.
func (f *fixture) sent(t *testing.T, sid string) *domain.Message {
	t.Helper()
	ctx := context.Background()
	msg := &domain.Message{From: "whatsapp:+15550001", To: "whatsapp:+15550002", Body: "hello"}
	if err := f.tracker.Create(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if err := f.tracker.MarkSent(ctx, msg, &domain.SendResult{ExternalID: sid, Status: domain.StatusQueued}); err != nil {
		t.Fatal(err)
	}
	return msg
}

func callback(msg *domain.Message, status, code string) StatusCallback {
	return StatusCallback{
		MessageSid:    msg.ExternalID,
		From:          msg.From,
		To:            msg.To,
		MessageStatus: status,
		ErrorCode:     code,
	}
}

func TestCreateAndMarkSent(t *testing.T) {
	f := newFixture(t)
	msg := f.sent(t, "SM1")

	got, _ := f.store.FindByID(context.Background(), msg.ID)
	if got == nil {
		t.Fatal("message not stored")
	}
	if got.Status != domain.StatusSent || got.ExternalID != "SM1" || got.Direction != domain.DirectionOutgoing {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.SentAt == nil || !got.SentAt.Equal(now) {
		t.Errorf("expected sent_at %v, got %v", now, got.SentAt)
	}
	if got.ProviderStatus != string(domain.StatusQueued) {
		t.Errorf("expected provider status %q, got %q", domain.StatusQueued, got.ProviderStatus)
	}
	if len(f.events.events) != 1 || f.events.events[0].Status != domain.StatusSent {
		t.Errorf("expected one Sent event, got %+v", f.events.events)
	}
}

func TestTimestampsKeepMillisecondPrecision(t *testing.T) {
	fine := now.Add(1500 * time.Microsecond)
	st := store.NewMemoryStore()
	tracker := NewTracker(Config{Store: st, Now: func() time.Time { return fine }})
	ctx := context.Background()

	res := tracker.RecordIncoming(ctx, InboundPayload{MessageSid: "SMIN9", From: "whatsapp:+15550009"})
	want := now.Add(time.Millisecond)
	if res.Message == nil || !res.Message.ReceivedAt.Equal(want) {
		t.Fatalf("expected received_at %v, got %+v", want, res.Message)
	}

	msg := &domain.Message{From: "whatsapp:+15550001", To: "whatsapp:+15550009"}
	if err := tracker.Create(ctx, msg); err != nil {
		t.Fatal(err)
	}
	sent := &domain.SendResult{ExternalID: "SM9", Status: domain.StatusAccepted, SentAt: fine}
	if err := tracker.MarkSent(ctx, msg, sent); err != nil {
		t.Fatal(err)
	}
	if !msg.SentAt.Equal(want) || !msg.CreatedAt.Equal(want) {
		t.Errorf("expected millisecond stamps, got sent=%v created=%v", msg.SentAt, msg.CreatedAt)
	}
}

func TestMarkSentRefusesSecondExternalID(t *testing.T) {
	f := newFixture(t)
	msg := f.sent(t, "SM1")
	err := f.tracker.MarkSent(context.Background(), msg, &domain.SendResult{ExternalID: "SM2"})
	if err == nil {
		t.Fatal("expected error when reassigning the external id")
	}
}

func TestMarkFailedRewritesOutsideWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := &domain.Message{From: "whatsapp:+15550001", To: "whatsapp:+15550002", Body: "hello"}
	if err := f.tracker.Create(ctx, msg); err != nil {
		t.Fatal(err)
	}

	surfaced := f.tracker.MarkFailed(ctx, msg, &domain.SendError{Code: "63016", HTTPStatus: 400, Message: "Failed to send freeform message because you are outside the allowed window."})
	if !strings.Contains(surfaced, "session window") || !strings.Contains(surfaced, "template") {
		t.Errorf("expected session window hint, got %q", surfaced)
	}
	got, _ := f.store.FindByID(ctx, msg.ID)
	if got.Status != domain.StatusError || got.ErrorCode != "63016" || got.ErrorMessage != surfaced {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.ExternalID != "" {
		t.Error("failed send must not carry an external id")
	}
}

func TestMarkFailedKeepsOtherErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := &domain.Message{From: "whatsapp:+1", To: "whatsapp:+2"}
	_ = f.tracker.Create(ctx, msg)
	surfaced := f.tracker.MarkFailed(ctx, msg, errors.New("dial tcp: connection refused"))
	if surfaced != "dial tcp: connection refused" {
		t.Errorf("unexpected surfaced error %q", surfaced)
	}
}

func TestApplyStatusCallback_Sequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.sent(t, "SM1")

	for _, status := range []string{"sent", "delivered", "read"} {
		res := f.tracker.ApplyStatusCallback(ctx, callback(msg, status, ""))
		if status == "sent" {
			if res.Outcome != OutcomeDuplicate {
				t.Errorf("sent after MarkSent should be a duplicate, got %s", res.Outcome)
			}
			continue
		}
		if res.Outcome != OutcomeApplied {
			t.Errorf("%s: expected applied, got %s (%v)", status, res.Outcome, res.Err)
		}
	}
	got, _ := f.store.FindByID(ctx, msg.ID)
	if got.Status != domain.StatusRead {
		t.Errorf("expected Read, got %s", got.Status)
	}
}

func TestApplyStatusCallback_LastWriteWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.sent(t, "SM1")

	f.tracker.ApplyStatusCallback(ctx, callback(msg, "delivered", ""))
	f.tracker.ApplyStatusCallback(ctx, callback(msg, "sent", ""))

	got, _ := f.store.FindByID(ctx, msg.ID)
	if got.Status != domain.StatusSent {
		t.Errorf("out-of-order callback should overwrite, got %s", got.Status)
	}
}

func TestApplyStatusCallback_FailedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.sent(t, "SM1")
	cb := callback(msg, "failed", "63016")
	cb.ErrorMessage = "Failed to send freeform message"

	first := f.tracker.ApplyStatusCallback(ctx, cb)
	second := f.tracker.ApplyStatusCallback(ctx, cb)

	if first.Outcome != OutcomeApplied || second.Outcome != OutcomeDuplicate {
		t.Fatalf("expected applied then duplicate, got %s then %s", first.Outcome, second.Outcome)
	}
	if len(f.sink.diags) != 1 {
		t.Fatalf("expected exactly one diagnostic, got %d", len(f.sink.diags))
	}
	d := f.sink.diags[0]
	if d.Hint != SessionWindowHint || !strings.Contains(d.Detail, "63016") {
		t.Errorf("unexpected diagnostic: %+v", d)
	}

	logs := f.logs.String()
	if !strings.Contains(logs, "session window") || !strings.Contains(logs, "template") {
		t.Errorf("expected hint in logs, got:\n%s", logs)
	}
	if strings.Count(logs, "whatsapp message failed") != 1 {
		t.Errorf("expected one failure log line, got:\n%s", logs)
	}

	got, _ := f.store.FindByID(ctx, msg.ID)
	if got.Status != domain.StatusFailed || got.ErrorCode != "63016" {
		t.Errorf("unexpected record: %+v", got)
	}
}

func TestApplyStatusCallback_FailedWithoutCodeHasNoDiagnostic(t *testing.T) {
	f := newFixture(t)
	msg := f.sent(t, "SM1")
	f.tracker.ApplyStatusCallback(context.Background(), callback(msg, "failed", ""))
	if len(f.sink.diags) != 0 {
		t.Errorf("expected no diagnostic, got %+v", f.sink.diags)
	}
}

func TestApplyStatusCallback_UndeliveredHasNoDiagnostic(t *testing.T) {
	f := newFixture(t)
	msg := f.sent(t, "SM1")
	f.tracker.ApplyStatusCallback(context.Background(), callback(msg, "undelivered", "30003"))
	if len(f.sink.diags) != 0 {
		t.Errorf("expected no diagnostic for undelivered, got %+v", f.sink.diags)
	}
}

func TestApplyStatusCallback_Unmatched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.sent(t, "SM1")
	before, _ := f.store.FindByID(ctx, msg.ID)

	res := f.tracker.ApplyStatusCallback(ctx, StatusCallback{
		MessageSid: "SM404", From: msg.From, To: msg.To, MessageStatus: "delivered",
	})
	if res.Outcome != OutcomeUnmatched {
		t.Errorf("expected unmatched, got %s", res.Outcome)
	}
	var perr *domain.CallbackProcessingError
	if !errors.As(res.Err, &perr) || perr.Kind != "unmatched" {
		t.Errorf("expected unmatched CallbackProcessingError, got %v", res.Err)
	}

	// Same sid, different recipient: still no match.
	res = f.tracker.ApplyStatusCallback(ctx, StatusCallback{
		MessageSid: "SM1", From: msg.From, To: "whatsapp:+19999999", MessageStatus: "delivered",
	})
	if res.Outcome != OutcomeUnmatched {
		t.Errorf("expected unmatched for wrong recipient, got %s", res.Outcome)
	}

	after, _ := f.store.FindByID(ctx, msg.ID)
	if after.Status != before.Status {
		t.Errorf("unmatched callback changed the record: %s -> %s", before.Status, after.Status)
	}
}

func TestApplyStatusCallback_Malformed(t *testing.T) {
	f := newFixture(t)
	res := f.tracker.ApplyStatusCallback(context.Background(), StatusCallback{MessageSid: "SM1"})
	if res.Outcome != OutcomeRejected || res.Err == nil {
		t.Errorf("expected rejected with error, got %+v", res)
	}
}

type failingStore struct {
	*store.MemoryStore
}

func (failingStore) UpdateStatus(context.Context, domain.ExternalKey, domain.StatusUpdate) (domain.UpdateResult, error) {
	return domain.UpdateNotFound, fmt.Errorf("database is locked")
}

type panickingStore struct {
	*store.MemoryStore
}

func (panickingStore) UpdateStatus(context.Context, domain.ExternalKey, domain.StatusUpdate) (domain.UpdateResult, error) {
	panic("boom")
}

func TestApplyStatusCallback_StoreFailuresNeverEscape(t *testing.T) {
	cb := StatusCallback{MessageSid: "SM1", From: "a", To: "b", MessageStatus: "delivered"}
	for name, s := range map[string]domain.MessageStore{
		"error": failingStore{store.NewMemoryStore()},
		"panic": panickingStore{store.NewMemoryStore()},
	} {
		t.Run(name, func(t *testing.T) {
			tr := NewTracker(Config{Store: s, Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))})
			res := tr.ApplyStatusCallback(context.Background(), cb)
			if res.Outcome != OutcomeRejected || res.Err == nil {
				t.Errorf("expected rejected result, got %+v", res)
			}
		})
	}
}

func TestRecordIncoming(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := InboundPayload{
		MessageSid:  "SMIN1",
		From:        "whatsapp:+15550002",
		To:          "whatsapp:+15550001",
		Body:        "Hi there",
		ProfileName: "John",
		SmsStatus:   "received",
	}

	res := f.tracker.RecordIncoming(ctx, p)
	if res.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s (%v)", res.Outcome, res.Err)
	}
	latest, _ := f.store.FindLatestIncoming(ctx, "whatsapp:+15550002")
	if latest == nil || latest.Status != domain.StatusReceived || latest.ProfileName != "John" {
		t.Fatalf("unexpected inbound record: %+v", latest)
	}
	if latest.ReceivedAt == nil || !latest.ReceivedAt.Equal(now) {
		t.Errorf("expected received_at %v, got %v", now, latest.ReceivedAt)
	}

	again := f.tracker.RecordIncoming(ctx, p)
	if again.Outcome != OutcomeDuplicate {
		t.Errorf("expected duplicate on redelivery, got %s", again.Outcome)
	}
}

func TestRecordIncoming_Malformed(t *testing.T) {
	f := newFixture(t)
	res := f.tracker.RecordIncoming(context.Background(), InboundPayload{Body: "hi"})
	if res.Outcome != OutcomeRejected {
		t.Errorf("expected rejected, got %s", res.Outcome)
	}
}

func TestPublishFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("broker down")
	msg := f.sent(t, "SM1")
	res := f.tracker.ApplyStatusCallback(context.Background(), callback(msg, "delivered", ""))
	if res.Outcome != OutcomeApplied {
		t.Errorf("publish failure must not affect the outcome, got %s", res.Outcome)
	}
}
