package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"wagate/internal/metrics"
	"wagate/internal/webhook"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve provider webhooks and the session window / template API",
		Long:  "Starts the HTTP server for incoming messages and delivery status callbacks. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logCloser, err := loadConfig()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := webhook.Handlers{
		Recorder:          a.tracker,
		Window:            a.window,
		Templates:         a.catalog,
		AuthToken:         cfg.WhatsApp.AuthToken,
		ValidateSignature: cfg.WhatsApp.ValidateSignature,
		PublicBaseURL:     cfg.WhatsApp.PublicBaseURL,
		ReplyMessage:      cfg.WhatsApp.ReplyMessage,
		Logger:            logger,
	}
	if cfg.Metrics.Enabled {
		h.Metrics = metrics.Collector.Handler()
		h.MetricsPath = cfg.Metrics.Endpoint
	}
	if h.ValidateSignature && h.AuthToken == "" {
		logger.Warn("signature validation is on but no auth token is configured; every webhook will be ignored")
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           webhook.NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	logger.Info("wagate serving", "addr", srv.Addr, "whatsapp", cfg.WhatsApp.Enabled,
		"status_callback", cfg.WhatsApp.PublicBaseURL != "")

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown timed out, forcing exit", "err", err)
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info("shutdown complete")
		return nil
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}
