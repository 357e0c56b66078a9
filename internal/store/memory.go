package store

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"wagate/internal/domain"
)

// MemoryStore is a mutex-guarded in-process store with the same contract
// as SQLiteStore. Records are copied in and out.
type MemoryStore struct {
	mu          sync.Mutex
	messages    map[string]*domain.Message
	byExternal  map[string]string // external id -> message id
	templates   map[string]*domain.Template
	diagnostics []domain.Diagnostic
}

var (
	_ domain.MessageStore    = (*MemoryStore)(nil)
	_ domain.TemplateStore   = (*MemoryStore)(nil)
	_ domain.DiagnosticStore = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:   make(map[string]*domain.Message),
		byExternal: make(map[string]string),
		templates:  make(map[string]*domain.Template),
	}
}

func (s *MemoryStore) Upsert(_ context.Context, msg *domain.Message) error {
	if msg.ID == "" {
		return errors.New("upsert message: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := copyMessage(msg)
	now := time.Now().UTC()
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = now
	}
	if prev, ok := s.messages[msg.ID]; ok {
		cp.CreatedAt = prev.CreatedAt
		if prev.ExternalID != "" {
			cp.ExternalID = prev.ExternalID
		}
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.ExternalID != "" {
		if owner, ok := s.byExternal[cp.ExternalID]; ok && owner != cp.ID {
			return errors.New("upsert message: external id " + cp.ExternalID + " already in use")
		}
		s.byExternal[cp.ExternalID] = cp.ID
	}
	s.messages[cp.ID] = cp
	return nil
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		return copyMessage(m), nil
	}
	return nil, nil
}

func (s *MemoryStore) FindByExternalID(_ context.Context, externalID string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byExternal[externalID]; ok {
		return copyMessage(s.messages[id]), nil
	}
	return nil, nil
}

func (s *MemoryStore) FindLatestIncoming(_ context.Context, from string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *domain.Message
	for _, m := range s.messages {
		if m.Direction != domain.DirectionIncoming || m.From != from || m.ReceivedAt == nil {
			continue
		}
		if latest == nil || m.ReceivedAt.After(*latest.ReceivedAt) {
			latest = m
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copyMessage(latest), nil
}

func (s *MemoryStore) FindByExternalTriple(_ context.Context, key domain.ExternalKey) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.matchLocked(key); m != nil {
		return copyMessage(m), nil
	}
	return nil, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, key domain.ExternalKey, upd domain.StatusUpdate) (domain.UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.matchLocked(key)
	if m == nil {
		return domain.UpdateNotFound, nil
	}
	if m.Status == upd.Status && m.ErrorCode == upd.ErrorCode {
		return domain.UpdateUnchanged, nil
	}
	m.Status = upd.Status
	m.ErrorCode = upd.ErrorCode
	m.ErrorMessage = upd.ErrorMessage
	m.UpdatedAt = upd.At
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now().UTC()
	}
	return domain.UpdateApplied, nil
}

func (s *MemoryStore) matchLocked(key domain.ExternalKey) *domain.Message {
	id, ok := s.byExternal[key.ExternalID]
	if !ok {
		return nil
	}
	m := s.messages[id]
	if m.From != key.From || m.To != key.To {
		return nil
	}
	return m
}

func (s *MemoryStore) ListMessages(_ context.Context, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	out := make([]domain.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, *copyMessage(m))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveTemplate(_ context.Context, tpl *domain.Template) error {
	if err := tpl.Validate(); err != nil {
		return err
	}
	cp := *tpl
	cp.Slots = slices.Clone(tpl.Slots)
	sort.Slice(cp.Slots, func(i, j int) bool { return cp.Slots[i].Position < cp.Slots[j].Position })
	s.mu.Lock()
	s.templates[tpl.Name] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetTemplate(_ context.Context, name string) (*domain.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tpl, ok := s.templates[name]
	if !ok {
		return nil, nil
	}
	cp := *tpl
	cp.Slots = slices.Clone(tpl.Slots)
	return &cp, nil
}

func (s *MemoryStore) ListTemplates(_ context.Context, approvedOnly bool) ([]domain.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Template
	for _, tpl := range s.templates {
		if approvedOnly && !tpl.Approved() {
			continue
		}
		cp := *tpl
		cp.Slots = slices.Clone(tpl.Slots)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) SaveDiagnostic(_ context.Context, d domain.Diagnostic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.ID = int64(len(s.diagnostics) + 1)
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	s.diagnostics = append(s.diagnostics, d)
	return nil
}

func (s *MemoryStore) ListDiagnostics(_ context.Context, limit int) ([]domain.Diagnostic, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Diagnostic, 0, min(limit, len(s.diagnostics)))
	for i := len(s.diagnostics) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.diagnostics[i])
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func copyMessage(m *domain.Message) *domain.Message {
	cp := *m
	if m.ContentVariables != nil {
		cp.ContentVariables = maps.Clone(m.ContentVariables)
	}
	if m.SentAt != nil {
		t := *m.SentAt
		cp.SentAt = &t
	}
	if m.ReceivedAt != nil {
		t := *m.ReceivedAt
		cp.ReceivedAt = &t
	}
	return &cp
}
