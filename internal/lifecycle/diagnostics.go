package lifecycle

import (
	"context"
	"errors"
	"log/slog"

	"wagate/internal/domain"
)

// DiagnosticSink receives delivery-failure diagnostics.
type DiagnosticSink interface {
	Emit(ctx context.Context, d domain.Diagnostic) error
}

// LogSink writes diagnostics to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(_ context.Context, d domain.Diagnostic) error {
	s.Logger.Error("whatsapp message failed",
		"sid", d.ExternalID,
		"error_code", d.ErrorCode,
		"detail", d.Detail,
	)
	return nil
}

// StoreSink persists diagnostics.
type StoreSink struct {
	Store domain.DiagnosticStore
}

func (s StoreSink) Emit(ctx context.Context, d domain.Diagnostic) error {
	return s.Store.SaveDiagnostic(ctx, d)
}

// MultiSink emits to every sink and joins their errors.
type MultiSink []DiagnosticSink

func (m MultiSink) Emit(ctx context.Context, d domain.Diagnostic) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
