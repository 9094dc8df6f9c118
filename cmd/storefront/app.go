package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront-payments/internal/config"
	"storefront-payments/internal/database"
	"storefront-payments/internal/infrastructure/ledger"
	"storefront-payments/internal/infrastructure/notify"
	"storefront-payments/internal/logger"
	"storefront-payments/internal/repo"
	"storefront-payments/internal/service"
	"storefront-payments/internal/worker"

	"go.uber.org/zap"
)

type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	db         database.Service
	store      repo.Store
	registry   service.RegistryService
	dispatcher *notify.Dispatcher
	worker     *worker.ReconciliationWorker

	closers []func() error
}

// newApp wires every component from the environment.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &app{cfg: cfg, logger: log}

	a.db, err = database.New(cfg.DB.Options(), log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.db.Close)
	a.store = repo.NewPostgresStore(a.db.DB())

	notifier, err := a.buildNotifier(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.dispatcher = notify.NewDispatcher(notifier, log, cfg.NotifyQueueSize, cfg.NotifyTimeout)

	locker, err := a.buildLocker()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.registry = service.NewRegistryService(a.store, service.RegistryOptions{
		ReceivingAddress: cfg.Ledger.ReceivingAddress,
		Currency:         cfg.Currency,
		ConversionRate:   cfg.ConversionRate,
		MinAmount:        cfg.MinAmount,
		MaxAmount:        cfg.MaxAmount,
		DefaultTTL:       cfg.IntentTTL,
		Notifier:         a.dispatcher,
	}, log.Named("registry"))
	finalizer := service.NewFinalizerService(a.store, a.dispatcher, log.Named("finalizer"), nil)

	ledgerClient := ledger.NewHTTPClient(ledger.HTTPOptions{
		BaseURL:  cfg.Ledger.BaseURL,
		APIKey:   cfg.Ledger.APIKey,
		Address:  cfg.Ledger.ReceivingAddress,
		Currency: cfg.Currency,
		PageSize: cfg.Ledger.PageSize,
		Timeout:  cfg.Ledger.Timeout,
	})

	a.worker = worker.NewReconciliationWorker(
		a.store, a.registry, finalizer, ledgerClient, a.dispatcher, locker, log.Named("reconciler"),
		worker.Options{
			Interval:         cfg.PollInterval,
			CycleTimeout:     cfg.CycleTimeout,
			MaxBackoff:       cfg.MaxBackoff,
			MinConfirmations: cfg.Ledger.MinConfirmations,
		},
	)
	return a, nil
}

func (a *app) buildNotifier(ctx context.Context) (notify.Notifier, error) {
	logNotifier := notify.NewLogNotifier(a.logger.Named("notify"))
	switch a.cfg.Notifier {
	case "kafka":
		k := notify.NewKafkaNotifier(a.cfg.KafkaBrokers, a.cfg.KafkaTopic)
		a.closers = append(a.closers, k.Close)
		a.logger.Info("kafka notifier initialized", zap.Strings("brokers", a.cfg.KafkaBrokers), zap.String("topic", a.cfg.KafkaTopic))
		return notify.Multi{logNotifier, k}, nil
	case "sns":
		s, err := notify.NewSNSNotifierFromEnv(ctx, a.cfg.SNSTopicARN)
		if err != nil {
			return nil, err
		}
		return notify.Multi{logNotifier, s}, nil
	default:
		return logNotifier, nil
	}
}

func (a *app) buildLocker() (worker.Locker, error) {
	if a.cfg.RedisURL == "" {
		return worker.NewLocalLocker(), nil
	}
	client, err := worker.NewRedisClient(a.cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	return worker.NewRedisLocker(client), nil
}

// Close drains pending notifications, then releases resources in reverse
// order of acquisition.
func (a *app) Close() error {
	var errs []error
	if a.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		errs = append(errs, a.dispatcher.Close(ctx))
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
