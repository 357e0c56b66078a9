// Package alert forwards delivery diagnostics to an operator chat.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"wagate/internal/domain"
)

const (
	telegramMaxMsgLen = 4000
	queueSize         = 64
	maxSendRetries    = 2
)

// TelegramConfig configures the Telegram sink.
type TelegramConfig struct {
	Token       string
	ChatID      string
	APIEndpoint string // defaults to tgbotapi.APIEndpoint
	Logger      *slog.Logger
}

// TelegramSink posts diagnostics to one chat. Emit never blocks the caller:
// alerts are queued and sent by a background worker, and dropped when the
// queue is full.
type TelegramSink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger

	mu      sync.RWMutex // guards closed and sends on queue
	closed  bool
	queue   chan domain.Diagnostic
	done    chan struct{}
	backoff time.Duration
}

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("telegram sink closed")

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(cfg.ChatID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat id %q: %w", cfg.ChatID, err)
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &TelegramSink{
		bot:     bot,
		chatID:  chatID,
		logger:  logger,
		queue:   make(chan domain.Diagnostic, queueSize),
		done:    make(chan struct{}),
		backoff: time.Second,
	}
	go s.run()
	logger.Info("telegram alerts enabled", "bot", bot.Self.UserName)
	return s, nil
}

func (s *TelegramSink) Emit(_ context.Context, d domain.Diagnostic) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.queue <- d:
		return nil
	default:
		s.logger.Warn("telegram alert queue full, dropping", "sid", d.ExternalID)
		return nil
	}
}

// Close flushes queued alerts and stops the worker.
func (s *TelegramSink) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
	return nil
}

func (s *TelegramSink) run() {
	defer close(s.done)
	for d := range s.queue {
		s.send(formatDiagnostic(d))
	}
}

func (s *TelegramSink) send(text string) {
	for attempt := 0; attempt <= maxSendRetries; attempt++ {
		_, err := s.bot.Send(tgbotapi.NewMessage(s.chatID, text))
		if err == nil {
			return
		}
		if attempt == maxSendRetries {
			s.logger.Error("telegram alert failed", "err", err)
			return
		}
		wait := time.Duration(attempt+1) * s.backoff
		if strings.Contains(err.Error(), "Too Many Requests") {
			wait *= 3
		}
		s.logger.Warn("telegram send error, retrying", "err", err, "backoff", wait)
		time.Sleep(wait)
	}
}

func formatDiagnostic(d domain.Diagnostic) string {
	var sb strings.Builder
	sb.WriteString("WhatsApp delivery failed\n")
	fmt.Fprintf(&sb, "SID: %s\n", d.ExternalID)
	fmt.Fprintf(&sb, "Status: %s\n", d.Status)
	sb.WriteString(d.Detail)
	text := sb.String()
	if len(text) > telegramMaxMsgLen {
		text = text[:telegramMaxMsgLen]
	}
	return text
}
