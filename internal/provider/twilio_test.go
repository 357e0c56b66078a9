package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"wagate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestTwilio(srv *httptest.Server) *Twilio {
	tw := NewTwilio(TwilioConfig{
		AccountSID: "AC123",
		AuthToken:  "secret",
		APIBase:    srv.URL,
		HTTPClient: srv.Client(),
		Logger:     testLogger(),
	})
	tw.backoff = func(int) time.Duration { return 0 }
	return tw
}

func TestSend_Freeform(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2010-04-01/Accounts/AC123/Messages.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "secret" {
			t.Errorf("missing basic auth")
		}
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		form = r.PostForm
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"sid":"SM1","status":"queued","date_created":"Thu, 15 Oct 2026 09:00:00 +0000","error_code":null}`)
	}))
	defer srv.Close()

	res, err := newTestTwilio(srv).Send(context.Background(), domain.SendRequest{
		From:              "+15550001",
		To:                "whatsapp:+15550002",
		Body:              "hello",
		StatusCallbackURL: "https://example.com/webhooks/whatsapp/status",
		MediaURLs:         []string{"https://example.com/a.png"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExternalID != "SM1" || res.Status != domain.StatusQueued {
		t.Errorf("unexpected result %+v", res)
	}
	if !res.SentAt.Equal(time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected sent time %v", res.SentAt)
	}
	if form.Get("From") != "whatsapp:+15550001" || form.Get("To") != "whatsapp:+15550002" {
		t.Errorf("addresses not normalized: %v", form)
	}
	if form.Get("Body") != "hello" || form.Get("ContentSid") != "" {
		t.Errorf("unexpected form %v", form)
	}
	if form.Get("StatusCallback") == "" || form.Get("MediaUrl") != "https://example.com/a.png" {
		t.Errorf("callback or media missing: %v", form)
	}
}

func TestSend_MediaOnly(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		form = r.PostForm
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"sid":"SM4","status":"queued"}`)
	}))
	defer srv.Close()

	res, err := newTestTwilio(srv).Send(context.Background(), domain.SendRequest{
		From:      "+15550001",
		To:        "+15550002",
		MediaURLs: []string{"https://example.com/invoice.pdf"},
	})
	if err != nil {
		t.Fatalf("media without body should be accepted: %v", err)
	}
	if res.ExternalID != "SM4" {
		t.Errorf("unexpected result %+v", res)
	}
	if form.Has("Body") || form.Get("MediaUrl") != "https://example.com/invoice.pdf" {
		t.Errorf("unexpected form %v", form)
	}
}

func TestSend_Template(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		form = r.PostForm
		io.WriteString(w, `{"sid":"SM2","status":"accepted"}`)
	}))
	defer srv.Close()

	_, err := newTestTwilio(srv).Send(context.Background(), domain.SendRequest{
		From:             "whatsapp:+1",
		To:               "whatsapp:+2",
		ContentReference: "HX9",
		ContentVariables: map[string]string{"1": "John", "2": "Sarah"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if form.Get("ContentSid") != "HX9" || form.Get("Body") != "" {
		t.Errorf("unexpected form %v", form)
	}
	if form.Get("ContentVariables") != `{"1":"John","2":"Sarah"}` {
		t.Errorf("unexpected variables %q", form.Get("ContentVariables"))
	}
}

func TestSend_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"code":63016,"message":"Failed to send freeform message because you are outside the allowed window.","status":400}`)
	}))
	defer srv.Close()

	_, err := newTestTwilio(srv).Send(context.Background(), domain.SendRequest{From: "a", To: "b", Body: "hi"})
	var serr *domain.SendError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SendError, got %v", err)
	}
	if serr.Code != "63016" || serr.HTTPStatus != 400 {
		t.Errorf("unexpected send error %+v", serr)
	}
}

func TestSend_RetriesThrottling(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, `{"sid":"SM3","status":"queued"}`)
	}))
	defer srv.Close()

	res, err := newTestTwilio(srv).Send(context.Background(), domain.SendRequest{From: "a", To: "b", Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExternalID != "SM3" || calls.Load() != 3 {
		t.Errorf("expected success on third call, got %+v after %d calls", res, calls.Load())
	}
}

func TestSend_DoesNotRetryInternalError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, "oops")
	}))
	defer srv.Close()

	_, err := newTestTwilio(srv).Send(context.Background(), domain.SendRequest{From: "a", To: "b", Body: "hi"})
	var serr *domain.SendError
	if !errors.As(err, &serr) || serr.HTTPStatus != 500 || serr.Message != "oops" {
		t.Errorf("unexpected error %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", calls.Load())
	}
}

func TestSend_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestTwilio(srv).Send(context.Background(), domain.SendRequest{From: "a", To: "b", Body: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != maxRetries+1 {
		t.Errorf("expected %d attempts, got %d", maxRetries+1, calls.Load())
	}
}

func TestSend_InvalidRequest(t *testing.T) {
	tw := NewTwilio(TwilioConfig{AccountSID: "AC", AuthToken: "x", Logger: testLogger()})
	cases := map[string]domain.SendRequest{
		"no body or template": {From: "a", To: "b"},
		"both":                {From: "a", To: "b", Body: "hi", ContentReference: "HX"},
		"no recipient":        {From: "a", Body: "hi"},
	}
	for name, req := range cases {
		if _, err := tw.Send(context.Background(), req); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestSignature(t *testing.T) {
	params := url.Values{"To": {"whatsapp:+2"}, "From": {"whatsapp:+1"}, "MessageSid": {"SM1"}}
	sig := Signature("token", "https://example.com/webhooks/whatsapp/status", params)
	if !ValidSignature("token", "https://example.com/webhooks/whatsapp/status", params, sig) {
		t.Error("signature should validate")
	}
	if ValidSignature("other", "https://example.com/webhooks/whatsapp/status", params, sig) {
		t.Error("signature must depend on the token")
	}
	params.Set("MessageSid", "SM2")
	if ValidSignature("token", "https://example.com/webhooks/whatsapp/status", params, sig) {
		t.Error("signature must depend on the params")
	}
	if ValidSignature("token", "https://example.com", nil, "") {
		t.Error("empty signature must not validate")
	}
}
