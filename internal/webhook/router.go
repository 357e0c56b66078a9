// Package webhook exposes the provider callbacks and the small read API over HTTP.
package webhook

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wagate/internal/catalog"
	"wagate/internal/domain"
	"wagate/internal/lifecycle"
	"wagate/internal/session"
)

const (
	IncomingPath = "/webhooks/whatsapp/incoming"
	StatusPath   = "/webhooks/whatsapp/status"

	maxFormBytes = 1 << 20
)

// Recorder is the part of the lifecycle tracker the webhooks drive.
type Recorder interface {
	ApplyStatusCallback(ctx context.Context, cb lifecycle.StatusCallback) lifecycle.Result
	RecordIncoming(ctx context.Context, p lifecycle.InboundPayload) lifecycle.Result
}

// WindowChecker answers session window lookups.
type WindowChecker interface {
	CheckNumber(ctx context.Context, phone string, now time.Time) (session.Check, error)
}

// TemplateCatalog lists and previews approved templates.
type TemplateCatalog interface {
	Approved(ctx context.Context) ([]domain.Template, error)
	Preview(ctx context.Context, name string, values map[string]string, sample string) (*catalog.Preview, error)
}

// Handlers holds everything the router serves.
type Handlers struct {
	Recorder  Recorder
	Window    WindowChecker
	Templates TemplateCatalog

	// Metrics is mounted at MetricsPath when both are set.
	Metrics     http.Handler
	MetricsPath string

	// AuthToken signs provider requests; signatures are checked only when
	// ValidateSignature is on.
	AuthToken         string
	ValidateSignature bool
	// PublicBaseURL is the externally visible origin used to rebuild the
	// signed URL behind a proxy. Empty means the request host.
	PublicBaseURL string
	ReplyMessage  string

	Logger *slog.Logger
	Now    func() time.Time
}

// NewRouter wires the webhook and API routes.
func NewRouter(h Handlers) http.Handler {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	if h.Now == nil {
		h.Now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post(IncomingPath, h.Incoming)
	r.Post(StatusPath, h.Status)

	r.Route("/api", func(api chi.Router) {
		api.Get("/session-window", h.SessionWindow)
		api.Get("/templates", h.ListTemplates)
		api.Post("/templates/{name}/preview", h.Preview)
	})

	if h.Metrics != nil && h.MetricsPath != "" {
		r.Method(http.MethodGet, h.MetricsPath, h.Metrics)
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}
