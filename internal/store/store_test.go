package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wagate/internal/domain"
)

// contractStore is what both implementations offer.
type contractStore interface {
	domain.MessageStore
	domain.TemplateStore
	domain.DiagnosticStore
	ListDiagnostics(ctx context.Context, limit int) ([]domain.Diagnostic, error)
	FindByExternalID(ctx context.Context, externalID string) (*domain.Message, error)
	Close() error
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newSQLite(t *testing.T) contractStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "data", "wagate.db"), testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func eachStore(t *testing.T, fn func(t *testing.T, s contractStore)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLite(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

var base = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

func sentMessage(id, sid string) *domain.Message {
	sent := base
	return &domain.Message{
		ID:               id,
		ExternalID:       sid,
		Direction:        domain.DirectionOutgoing,
		From:             "whatsapp:+15550001",
		To:               "whatsapp:+15550002",
		Body:             "Hi John",
		TemplateMode:     true,
		TemplateName:     "welcome",
		ContentReference: "HX1",
		ContentVariables: map[string]string{"1": "John"},
		Status:           domain.StatusSent,
		ProviderStatus:   "Queued",
		SentAt:           &sent,
		CreatedAt:        base,
		UpdatedAt:        base,
	}
}

func TestUpsertRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s contractStore) {
		ctx := context.Background()
		if err := s.Upsert(ctx, sentMessage("m1", "SM1")); err != nil {
			t.Fatal(err)
		}
		got, err := s.FindByID(ctx, "m1")
		if err != nil || got == nil {
			t.Fatalf("FindByID: %v, %v", got, err)
		}
		if got.ExternalID != "SM1" || !got.TemplateMode || got.ContentVariables["1"] != "John" || got.ProviderStatus != "Queued" {
			t.Errorf("unexpected record: %+v", got)
		}
		if got.SentAt == nil || !got.SentAt.Equal(base) {
			t.Errorf("sent_at not preserved: %v", got.SentAt)
		}

		missing, err := s.FindByID(ctx, "nope")
		if err != nil || missing != nil {
			t.Errorf("expected nil for missing id, got %v, %v", missing, err)
		}
	})
}

func TestUpsertKeepsExternalID(t *testing.T) {
	eachStore(t, func(t *testing.T, s contractStore) {
		ctx := context.Background()
		msg := sentMessage("m1", "SM1")
		if err := s.Upsert(ctx, msg); err != nil {
			t.Fatal(err)
		}
		msg.ExternalID = ""
		msg.Status = domain.StatusDelivered
		if err := s.Upsert(ctx, msg); err != nil {
			t.Fatal(err)
		}
		got, _ := s.FindByID(ctx, "m1")
		if got.ExternalID != "SM1" {
			t.Errorf("external id must be write-once, got %q", got.ExternalID)
		}
		if got.Status != domain.StatusDelivered {
			t.Errorf("expected status update, got %s", got.Status)
		}
	})
}

func TestFindLatestIncoming(t *testing.T) {
	eachStore(t, func(t *testing.T, s contractStore) {
		ctx := context.Background()
		for i, offset := range []time.Duration{-3 * time.Hour, -10 * time.Minute, -26 * time.Hour} {
			at := base.Add(offset)
			msg := &domain.Message{
				ID:         "in" + string(rune('a'+i)),
				ExternalID: "SMIN" + string(rune('a'+i)),
				Direction:  domain.DirectionIncoming,
				From:       "whatsapp:+15550002",
				To:         "whatsapp:+15550001",
				Status:     domain.StatusReceived,
				ReceivedAt: &at,
				CreatedAt:  at,
			}
			if err := s.Upsert(ctx, msg); err != nil {
				t.Fatal(err)
			}
		}
		// Outgoing to the same address never counts.
		if err := s.Upsert(ctx, sentMessage("out", "SMOUT")); err != nil {
			t.Fatal(err)
		}

		got, err := s.FindLatestIncoming(ctx, "whatsapp:+15550002")
		if err != nil || got == nil {
			t.Fatalf("FindLatestIncoming: %v, %v", got, err)
		}
		if got.ID != "inb" {
			t.Errorf("expected newest inbound inb, got %s", got.ID)
		}

		none, err := s.FindLatestIncoming(ctx, "whatsapp:+19999999")
		if err != nil || none != nil {
			t.Errorf("expected nil, got %v, %v", none, err)
		}
	})
}

func TestUpdateStatus(t *testing.T) {
	eachStore(t, func(t *testing.T, s contractStore) {
		ctx := context.Background()
		msg := sentMessage("m1", "SM1")
		if err := s.Upsert(ctx, msg); err != nil {
			t.Fatal(err)
		}
		key := msg.Key()
		failed := domain.StatusUpdate{Status: domain.StatusFailed, ErrorCode: "63016", ErrorMessage: "outside window", At: base.Add(time.Minute)}

		res, err := s.UpdateStatus(ctx, key, failed)
		if err != nil || res != domain.UpdateApplied {
			t.Fatalf("first update: %v, %v", res, err)
		}
		res, err = s.UpdateStatus(ctx, key, failed)
		if err != nil || res != domain.UpdateUnchanged {
			t.Fatalf("repeat update: %v, %v", res, err)
		}

		got, _ := s.FindByExternalTriple(ctx, key)
		if got.Status != domain.StatusFailed || got.ErrorCode != "63016" || got.ErrorMessage != "outside window" {
			t.Errorf("unexpected record after update: %+v", got)
		}

		// Regressions are applied as-is.
		res, _ = s.UpdateStatus(ctx, key, domain.StatusUpdate{Status: domain.StatusSent, At: base.Add(2 * time.Minute)})
		if res != domain.UpdateApplied {
			t.Errorf("expected regression to apply, got %v", res)
		}
		got, _ = s.FindByExternalTriple(ctx, key)
		if got.Status != domain.StatusSent || got.ErrorCode != "" {
			t.Errorf("expected Sent without code, got %+v", got)
		}

		wrongTo := key
		wrongTo.To = "whatsapp:+1000"
		res, err = s.UpdateStatus(ctx, wrongTo, failed)
		if err != nil || res != domain.UpdateNotFound {
			t.Errorf("expected not found for mismatched triple, got %v, %v", res, err)
		}
	})
}

func TestUpdateStatusConcurrentIdenticalCallbacks(t *testing.T) {
	eachStore(t, func(t *testing.T, s contractStore) {
		ctx := context.Background()
		msg := sentMessage("m1", "SM1")
		if err := s.Upsert(ctx, msg); err != nil {
			t.Fatal(err)
		}
		upd := domain.StatusUpdate{Status: domain.StatusDelivered, At: base}

		var mu sync.Mutex
		applied := 0
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := s.UpdateStatus(ctx, msg.Key(), upd)
				if err != nil {
					t.Error(err)
					return
				}
				if res == domain.UpdateApplied {
					mu.Lock()
					applied++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if applied != 1 {
			t.Errorf("expected exactly one applied update, got %d", applied)
		}
	})
}

func TestTemplates(t *testing.T) {
	eachStore(t, func(t *testing.T, s contractStore) {
		ctx := context.Background()
		welcome := &domain.Template{
			Name:             "welcome",
			Body:             "Hi {{1}}, I'm {{2}}",
			ApprovalStatus:   domain.ApprovalApproved,
			ContentReference: "HX1",
			Slots: []domain.Slot{
				{Position: 2, Name: "Variable 2", Type: domain.SlotTypeText},
				{Position: 1, Name: "Variable 1", Type: domain.SlotTypeText, DefaultValue: "friend"},
			},
		}
		draft := &domain.Template{Name: "draft", Body: "Later", ApprovalStatus: domain.ApprovalDraft}
		for _, tpl := range []*domain.Template{welcome, draft} {
			if err := s.SaveTemplate(ctx, tpl); err != nil {
				t.Fatalf("SaveTemplate %s: %v", tpl.Name, err)
			}
		}

		got, err := s.GetTemplate(ctx, "welcome")
		if err != nil || got == nil {
			t.Fatalf("GetTemplate: %v, %v", got, err)
		}
		if len(got.Slots) != 2 || got.Slots[0].Position != 1 || got.Slots[0].DefaultValue != "friend" {
			t.Errorf("slots not stored in order: %+v", got.Slots)
		}

		approved, _ := s.ListTemplates(ctx, true)
		if len(approved) != 1 || approved[0].Name != "welcome" {
			t.Errorf("expected only welcome, got %+v", approved)
		}
		all, _ := s.ListTemplates(ctx, false)
		if len(all) != 2 {
			t.Errorf("expected 2 templates, got %d", len(all))
		}

		// Re-saving replaces the slot set.
		welcome.Slots = welcome.Slots[:1]
		if err := s.SaveTemplate(ctx, welcome); err != nil {
			t.Fatal(err)
		}
		got, _ = s.GetTemplate(ctx, "welcome")
		if len(got.Slots) != 1 {
			t.Errorf("expected slots replaced, got %+v", got.Slots)
		}

		missing, err := s.GetTemplate(ctx, "nope")
		if err != nil || missing != nil {
			t.Errorf("expected nil template, got %v, %v", missing, err)
		}
	})
}

func TestSaveTemplateRejectsApprovedWithoutReference(t *testing.T) {
	eachStore(t, func(t *testing.T, s contractStore) {
		err := s.SaveTemplate(context.Background(), &domain.Template{Name: "x", ApprovalStatus: domain.ApprovalApproved})
		var verr *domain.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})
}

func TestDiagnostics(t *testing.T) {
	eachStore(t, func(t *testing.T, s contractStore) {
		ctx := context.Background()
		for i, code := range []string{"30003", "63016"} {
			d := domain.Diagnostic{ExternalID: "SM1", Status: domain.StatusFailed, ErrorCode: code,
				Detail: "Error Code: " + code, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
			if err := s.SaveDiagnostic(ctx, d); err != nil {
				t.Fatal(err)
			}
		}
		got, err := s.ListDiagnostics(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || got[0].ErrorCode != "63016" {
			t.Errorf("expected newest first, got %+v", got)
		}
	})
}

func TestFindByExternalID(t *testing.T) {
	eachStore(t, func(t *testing.T, s contractStore) {
		ctx := context.Background()
		if err := s.Upsert(ctx, sentMessage("m1", "SM1")); err != nil {
			t.Fatal(err)
		}
		got, err := s.FindByExternalID(ctx, "SM1")
		if err != nil || got == nil || got.ID != "m1" {
			t.Errorf("FindByExternalID: %v, %v", got, err)
		}
	})
}
