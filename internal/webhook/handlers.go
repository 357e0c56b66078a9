package webhook

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"wagate/internal/catalog"
	"wagate/internal/domain"
	"wagate/internal/lifecycle"
	"wagate/internal/provider"
)

const signatureHeader = "X-Twilio-Signature"

type twiml struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message,omitempty"`
}

// Incoming records an inbound message and answers with TwiML. The provider
// always gets a 200, whatever happened to the payload.
func (h *Handlers) Incoming(w http.ResponseWriter, r *http.Request) {
	reply := ""
	if form, ok := h.readForm(w, r); ok {
		res := h.Recorder.RecordIncoming(r.Context(), lifecycle.InboundPayloadFromForm(form))
		if res.Err != nil {
			h.Logger.Warn("inbound webhook not recorded", "outcome", res.Outcome, "err", res.Err)
		}
		if res.Outcome != lifecycle.OutcomeRejected {
			reply = h.ReplyMessage
		}
	}

	out, _ := xml.Marshal(twiml{Message: reply})
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(xml.Header))
	w.Write(out)
}

// Status applies a delivery-status callback and always acknowledges it.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	if form, ok := h.readForm(w, r); ok {
		res := h.Recorder.ApplyStatusCallback(r.Context(), lifecycle.StatusCallbackFromForm(form))
		if res.Err != nil {
			h.Logger.Debug("status webhook not applied", "outcome", res.Outcome, "err", res.Err)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// readForm parses the POST form and checks its signature. ok is false when
// the payload must be ignored.
func (h *Handlers) readForm(w http.ResponseWriter, r *http.Request) (form url.Values, ok bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.Logger.Warn("unreadable webhook body", "path", r.URL.Path, "err", err)
		return nil, false
	}
	if h.ValidateSignature {
		sig := r.Header.Get(signatureHeader)
		if !provider.ValidSignature(h.AuthToken, h.requestURL(r), r.PostForm, sig) {
			h.Logger.Warn("webhook signature mismatch, ignoring payload", "path", r.URL.Path, "remote", r.RemoteAddr)
			return nil, false
		}
	}
	return r.PostForm, true
}

// requestURL rebuilds the URL the provider signed.
func (h *Handlers) requestURL(r *http.Request) string {
	if h.PublicBaseURL != "" {
		base := strings.TrimRight(h.PublicBaseURL, "/")
		if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
			base = "https://" + base
		}
		return base + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// SessionWindow serves GET /api/session-window?phone=.
func (h *Handlers) SessionWindow(w http.ResponseWriter, r *http.Request) {
	phone := r.URL.Query().Get("phone")
	check, err := h.Window.CheckNumber(r.Context(), phone, h.Now())
	if err != nil {
		h.Logger.Error("session window check", "phone", phone, "err", err)
		respondError(w, http.StatusInternalServerError, "session window lookup failed")
		return
	}
	if phone == "" {
		respondJSON(w, http.StatusBadRequest, check)
		return
	}
	respondJSON(w, http.StatusOK, check)
}

// ListTemplates serves the approved templates.
func (h *Handlers) ListTemplates(w http.ResponseWriter, r *http.Request) {
	tpls, err := h.Templates.Approved(r.Context())
	if err != nil {
		h.Logger.Error("list templates", "err", err)
		respondError(w, http.StatusInternalServerError, "failed to list templates")
		return
	}
	if tpls == nil {
		tpls = []domain.Template{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"templates": tpls})
}

type previewRequest struct {
	Variables map[string]string `json:"variables"`
	Sample    string            `json:"sample"`
}

// Preview binds request variables to an approved template.
func (h *Handlers) Preview(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req previewRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFormBytes)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	p, err := h.Templates.Preview(r.Context(), name, req.Variables, req.Sample)
	var cerr *domain.ConfigurationError
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, p)
	case errors.Is(err, catalog.ErrNotFound):
		respondError(w, http.StatusNotFound, "template "+name+" not found")
	case errors.As(err, &cerr):
		respondError(w, http.StatusBadRequest, cerr.Reason)
	default:
		h.Logger.Error("template preview", "name", name, "err", err)
		respondError(w, http.StatusInternalServerError, "preview failed")
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
