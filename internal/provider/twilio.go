// Package provider talks to the Twilio Programmable Messaging API.
package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"wagate/internal/domain"
	"wagate/internal/metrics"
)

const defaultAPIBase = "https://api.twilio.com"

// TwilioConfig configures the Twilio client.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	APIBase    string // default https://api.twilio.com
	Timeout    time.Duration
	MaxConns   int
	HTTPClient *http.Client // optional, overrides Timeout and MaxConns
	Logger     *slog.Logger
}

// Twilio sends messages through the Messages resource.
type Twilio struct {
	accountSID string
	authToken  string
	apiBase    string
	client     *http.Client
	backoff    backoffFunc
	logger     *slog.Logger
}

var _ domain.Sender = (*Twilio)(nil)

func NewTwilio(cfg TwilioConfig) *Twilio {
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = defaultAPIBase
	}
	client := cfg.HTTPClient
	if client == nil {
		client = NewHTTPClient(cfg.Timeout, cfg.MaxConns)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Twilio{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		apiBase:    base,
		client:     client,
		backoff:    quadraticBackoff,
		logger:     logger,
	}
}

type messageResource struct {
	SID          string  `json:"sid"`
	Status       string  `json:"status"`
	DateCreated  string  `json:"date_created"`
	ErrorCode    *int    `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
}

type apiError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// Send creates one message. Provider rejections come back as *domain.SendError.
func (t *Twilio) Send(ctx context.Context, req domain.SendRequest) (*domain.SendResult, error) {
	form, err := encodeSendRequest(req)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.apiBase, url.PathEscape(t.accountSID))
	encoded := form.Encode()

	start := time.Now()
	resp, err := doWithRetry(ctx, t.client, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		r.SetBasicAuth(t.accountSID, t.authToken)
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		r.Header.Set("Accept", "application/json")
		return r, nil
	}, t.backoff, t.logger)
	metrics.SendLatency.Since(start)
	if err != nil {
		return nil, &domain.SendError{Message: "provider request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &domain.SendError{HTTPStatus: resp.StatusCode, Message: "read provider response", Err: err}
	}

	if resp.StatusCode >= 300 {
		return nil, decodeAPIError(resp.StatusCode, body)
	}

	var msg messageResource
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, &domain.SendError{HTTPStatus: resp.StatusCode, Message: "decode provider response", Err: err}
	}
	if msg.SID == "" {
		return nil, &domain.SendError{HTTPStatus: resp.StatusCode, Message: "provider response without sid"}
	}
	if msg.ErrorCode != nil && *msg.ErrorCode != 0 {
		serr := &domain.SendError{HTTPStatus: resp.StatusCode, Code: strconv.Itoa(*msg.ErrorCode)}
		if msg.ErrorMessage != nil {
			serr.Message = *msg.ErrorMessage
		}
		return nil, serr
	}

	sentAt := time.Now().UTC()
	if ts, err := time.Parse(time.RFC1123Z, msg.DateCreated); err == nil {
		sentAt = ts.UTC()
	}
	t.logger.Debug("twilio accepted message", "sid", msg.SID, "status", msg.Status, "to", req.To)
	return &domain.SendResult{
		ExternalID: msg.SID,
		Status:     domain.ParseStatus(msg.Status),
		SentAt:     sentAt,
	}, nil
}

func encodeSendRequest(req domain.SendRequest) (url.Values, error) {
	if req.From == "" || req.To == "" {
		return nil, errors.New("send request needs from and to")
	}
	hasBody := req.Body != ""
	if hasBody && req.TemplateMode() {
		return nil, errors.New("send request needs exactly one of body or content reference")
	}
	// Media alone is a valid freeform message.
	if !hasBody && !req.TemplateMode() && len(req.MediaURLs) == 0 {
		return nil, errors.New("send request needs a body, media or a content reference")
	}

	form := url.Values{}
	form.Set("From", domain.ChannelAddress(req.From))
	form.Set("To", domain.ChannelAddress(req.To))
	if req.TemplateMode() {
		form.Set("ContentSid", req.ContentReference)
		if len(req.ContentVariables) > 0 {
			vars, err := json.Marshal(req.ContentVariables)
			if err != nil {
				return nil, fmt.Errorf("encode content variables: %w", err)
			}
			form.Set("ContentVariables", string(vars))
		}
	} else if hasBody {
		form.Set("Body", req.Body)
	}
	if req.StatusCallbackURL != "" {
		form.Set("StatusCallback", req.StatusCallbackURL)
	}
	for _, m := range req.MediaURLs {
		form.Add("MediaUrl", m)
	}
	return form, nil
}

func decodeAPIError(status int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err != nil || (apiErr.Code == 0 && apiErr.Message == "") {
		text := strings.TrimSpace(string(body))
		if len(text) > 200 {
			text = text[:200]
		}
		return &domain.SendError{HTTPStatus: status, Message: text}
	}
	serr := &domain.SendError{HTTPStatus: status, Message: apiErr.Message}
	if apiErr.Code != 0 {
		serr.Code = strconv.Itoa(apiErr.Code)
	}
	return serr
}

// Signature computes the X-Twilio-Signature value for a form POST to
// fullURL: HMAC-SHA1 over the URL followed by each sorted key and its values.
func Signature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			sb.WriteString(k)
			sb.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(sb.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidSignature reports whether signature matches the request parameters.
func ValidSignature(authToken, fullURL string, params url.Values, signature string) bool {
	if signature == "" {
		return false
	}
	expected := Signature(authToken, fullURL, params)
	return hmac.Equal([]byte(expected), []byte(signature))
}
