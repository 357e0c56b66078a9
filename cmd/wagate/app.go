package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wagate/internal/alert"
	"wagate/internal/catalog"
	"wagate/internal/compliance"
	"wagate/internal/config"
	"wagate/internal/domain"
	"wagate/internal/events"
	"wagate/internal/extract"
	"wagate/internal/gateway"
	"wagate/internal/lifecycle"
	"wagate/internal/provider"
	"wagate/internal/session"
	"wagate/internal/store"
)

// app holds the components shared by the commands.
type app struct {
	cfg       *config.Config
	store     *store.SQLiteStore
	events    domain.EventPublisher
	alerts    *alert.TelegramSink
	tracker   *lifecycle.Tracker
	window    *session.Policy
	extractor *extract.HeuristicExtractor
	decider   *compliance.Decider
	catalog   *catalog.Catalog
	gateway   *gateway.Gateway
}

func openApp(cfg *config.Config) (*app, error) {
	st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	a := &app{cfg: cfg, store: st, events: events.Nop{}}

	if k := cfg.Events.Kafka; k.Enabled {
		pub, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: k.Brokers, Topic: k.Topic, Logger: logger})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("kafka publisher: %w", err)
		}
		a.events = pub
		logger.Info("lifecycle events enabled", "topic", k.Topic, "brokers", k.Brokers)
	}

	sinks := lifecycle.MultiSink{lifecycle.LogSink{Logger: logger}, lifecycle.StoreSink{Store: st}}
	if tg := cfg.Alerts.Telegram; tg.Enabled {
		sink, err := alert.NewTelegramSink(alert.TelegramConfig{Token: tg.Token, ChatID: string(tg.ChatID), Logger: logger})
		if err != nil {
			// Alerts are optional; the gateway keeps running without them.
			logger.Warn("telegram alerts disabled", "err", err)
		} else {
			a.alerts = sink
			sinks = append(sinks, sink)
		}
	}

	a.tracker = lifecycle.NewTracker(lifecycle.Config{
		Store:       st,
		Diagnostics: sinks,
		Events:      a.events,
		Logger:      logger,
	})
	a.window = session.NewPolicy(st)
	a.extractor = extract.NewHeuristicExtractor(cfg.Compliance.StopWords)
	a.decider = compliance.NewDecider(a.window, a.extractor, logger)
	a.catalog = catalog.New(st, a.extractor, logger)

	wa := cfg.WhatsApp
	sender := provider.NewTwilio(provider.TwilioConfig{
		AccountSID: wa.AccountSID,
		AuthToken:  wa.AuthToken,
		APIBase:    wa.APIBase,
		Timeout:    time.Duration(wa.TimeoutSeconds) * time.Second,
		MaxConns:   cfg.Gateway.MaxConcurrentSends,
		Logger:     logger,
	})
	a.gateway = gateway.New(gateway.Deps{
		Decider:       a.decider,
		Sender:        sender,
		Tracker:       a.tracker,
		Logger:        logger,
		MaxConcurrent: cfg.Gateway.MaxConcurrentSends,
	})
	return a, nil
}

// sendConfig builds the per-call gateway configuration. templateName selects
// template mode; a missing template is reported by the compliance check.
func (a *app) sendConfig(ctx context.Context, templateName string, values map[string]string, media []string) (gateway.Config, error) {
	wa := a.cfg.WhatsApp
	cc := compliance.Config{ChannelEnabled: wa.Enabled, Values: values}
	if templateName != "" {
		cc.UseTemplate = true
		tpl, err := a.catalog.Get(ctx, templateName)
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return gateway.Config{}, err
		}
		cc.Template = tpl
	}
	return gateway.Config{
		Sender:            wa.SenderNumber,
		StatusCallbackURL: gateway.StatusCallbackURL(wa.PublicBaseURL),
		MediaURLs:         media,
		Compliance:        cc,
	}, nil
}

func (a *app) Close() error {
	var errs []error
	if a.alerts != nil {
		errs = append(errs, a.alerts.Close())
	}
	if a.events != nil {
		errs = append(errs, a.events.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}
