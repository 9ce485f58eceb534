package main

import (
	"context"
	"errors"
	"fmt"

	"distributor/internal/bus"
	"distributor/internal/channel"
	"distributor/internal/config"
	"distributor/internal/domain"
	"distributor/internal/metrics"
	"distributor/internal/orchestrator"
	"distributor/internal/queue"
	"distributor/internal/rules"
	"distributor/internal/server"
	"distributor/internal/store"
)

// app is the wired runtime shared by serve and the one-shot commands.
type app struct {
	cfg       *config.Config
	store     *store.SQLiteStore
	backend   queue.Backend
	events    *bus.EventBus
	forwarder *bus.KafkaForwarder
	metrics   *metrics.Distribution
	orch      *orchestrator.Orchestrator
	srv       *server.Server
}

type appOptions struct {
	withKafka  bool
	withServer bool
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	st, err := store.Open(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	a := &app{cfg: cfg, store: st}
	ok := false
	defer func() {
		if !ok {
			a.close(context.Background())
		}
	}()

	a.metrics = metrics.NewDistribution(metrics.NewCollector("distributor"))
	registry := channel.NewFactory(cfg.Providers, logger).Registry(a.metrics)

	evaluator, err := rules.NewEvaluator(rules.Options{
		RejectUnboundedAmountRules: cfg.Rules.RejectUnboundedAmount,
		CustomCostLimit:            cfg.Rules.CustomCostLimit,
		ProgramCacheSize:           cfg.Rules.ProgramCacheSize,
		Logger:                     logger,
	})
	if err != nil {
		return nil, err
	}
	resolver, err := orchestrator.NewTemplateResolver(cfg.Templates)
	if err != nil {
		return nil, fmt.Errorf("templates: %w", err)
	}

	a.events = bus.NewEventBus(cfg.Events.HistorySize, logger)
	if opts.withKafka && cfg.Events.Kafka.Enabled {
		producer, err := bus.NewKafkaProducer(bus.KafkaConfig{
			Brokers:  cfg.Events.Kafka.Brokers,
			Topic:    cfg.Events.Kafka.Topic,
			ClientID: cfg.Events.Kafka.ClientID,
		})
		if err != nil {
			return nil, fmt.Errorf("kafka: %w", err)
		}
		a.forwarder = bus.NewKafkaForwarder(bus.KafkaForwarderConfig{
			Producer: producer,
			Topic:    cfg.Events.Kafka.Topic,
			Logger:   logger,
		})
		a.forwarder.Attach(a.events)
		logger.Info("forwarding lifecycle events to kafka", "topic", cfg.Events.Kafka.Topic)
	}

	switch cfg.Queue.Backend {
	case "redis":
		rb := queue.NewRedisBackend(queue.RedisConfig{
			Addr:     cfg.Queue.Redis.Addr,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Prefix:   cfg.Queue.Redis.Prefix,
			Logger:   logger,
		})
		a.backend = rb
		if err := rb.Ping(ctx); err != nil {
			return nil, err
		}
	default:
		a.backend = queue.NewMemoryBackend()
	}

	a.orch, err = orchestrator.New(orchestrator.Config{
		Rules:       st,
		Assignments: st,
		Registry:    registry,
		Evaluator:   evaluator,
		Content:     resolver,
		Recipients:  resolver,
		Events:      a.events,
		Metrics:     a.metrics,
		Queue: queue.Config{
			Backend:       a.backend,
			MaxRetries:    cfg.Queue.MaxRetries,
			BaseDelay:     cfg.Queue.BaseDelay(),
			MaxDelay:      cfg.Queue.MaxDelay(),
			KeepCompleted: cfg.Queue.KeepCompleted,
			KeepFailed:    cfg.Queue.KeepFailed,
			PollInterval:  cfg.Queue.PollInterval(),
			Logger:        logger,
		},
		Concurrency:   cfg.Queue.Concurrency,
		DefaultMode:   domain.DispatchMode(cfg.General.DispatchMode),
		DefaultTenant: cfg.General.DefaultTenant,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	if opts.withServer && cfg.Server.Enabled {
		a.srv = server.New(server.Config{
			Addr:         cfg.Server.Addr(),
			AdminToken:   cfg.Server.AdminToken,
			Orchestrator: a.orch,
			Metrics:      a.metrics,
			Events:       a.events,
			Webhooks: []server.Webhook{
				channel.NewWhatsAppWebhook(channel.WhatsAppWebhookConfig{
					Config:   cfg.Providers.WhatsApp,
					Reporter: a.orch,
					TenantID: cfg.General.DefaultTenant,
					Logger:   logger,
				}),
				channel.NewDeliveryWebhook(channel.DeliveryWebhookConfig{
					Secret:   cfg.Server.WebhookSecret,
					Reporter: a.orch,
					Logger:   logger,
				}),
			},
			Logger: logger,
		})
	}

	ok = true
	return a, nil
}

// importRuleDir loads every YAML rule set under dir and upserts its rules.
func (a *app) importRuleDir(ctx context.Context, dir, tenant string) error {
	rs, err := rules.LoadRuleDir(dir, tenant, logger)
	if err != nil {
		return err
	}
	a.defaultTenant(rs)
	var errs []error
	actions := map[string]int{}
	for _, res := range a.orch.ImportRules(ctx, rs) {
		if res.Error != "" {
			errs = append(errs, fmt.Errorf("rule %d: %s", res.Index, res.Error))
			continue
		}
		actions[res.Action]++
	}
	logger.Info("rules imported", "dir", dir, "total", len(rs), "failed", len(errs),
		"created", actions[orchestrator.ImportCreated],
		"updated", actions[orchestrator.ImportUpdated],
		"skipped", actions[orchestrator.ImportSkipped])
	return errors.Join(errs...)
}

// defaultTenant assigns the configured tenant to rules that carry none.
func (a *app) defaultTenant(rs []domain.Rule) {
	for i := range rs {
		if rs[i].TenantID == "" {
			rs[i].TenantID = a.cfg.General.DefaultTenant
		}
	}
}

// close stops workers, flushes the event forwarder and releases storage.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.srv != nil {
		a.srv.Close()
	}
	if a.orch != nil {
		if err := a.orch.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop workers: %w", err))
		}
	}
	if a.forwarder != nil {
		if err := a.forwarder.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("kafka forwarder: %w", err))
		}
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("queue backend: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	return errors.Join(errs...)
}
