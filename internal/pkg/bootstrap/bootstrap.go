// Package bootstrap wires the billing engine and its infrastructure from one
// Config. The HTTP server and the operator CLI share it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/SubSync/app/repository"
	"github.com/ManuelReschke/SubSync/internal/pkg/billing"
	"github.com/ManuelReschke/SubSync/internal/pkg/cache"
	"github.com/ManuelReschke/SubSync/internal/pkg/config"
	"github.com/ManuelReschke/SubSync/internal/pkg/database"
	"github.com/ManuelReschke/SubSync/internal/pkg/jobqueue"
	"github.com/ManuelReschke/SubSync/internal/pkg/mail"
	"github.com/ManuelReschke/SubSync/internal/pkg/metrics/counter"
)

// Runtime holds the long-lived components of one process.
type Runtime struct {
	Config  *config.Config
	DB      *gorm.DB
	Redis   *redis.Client
	Repos   *repository.Repositories
	Billing *billing.Service
	Queue   *jobqueue.Queue
	Manager *jobqueue.Manager
	Counter *counter.EventCounter
}

// New connects to the database and Redis and builds every component.
// Nothing is started; call Manager.Start for background work.
func New(cfg *config.Config) (*Runtime, error) {
	db, err := database.SetupDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("setup database: %w", err)
	}
	client := cache.SetupCache(cfg.Cache)
	return Build(cfg, db, client)
}

// Build wires the components on top of existing connections.
func Build(cfg *config.Config, db *gorm.DB, client *redis.Client) (*Runtime, error) {
	rt := &Runtime{
		Config: cfg,
		DB:     db,
		Redis:  client,
		Repos:  repository.NewFactory(db).GetRepositories(),
	}

	sender, err := mail.NewSender(cfg.Mail)
	if err != nil {
		return nil, fmt.Errorf("setup mail: %w", err)
	}
	dispatcher := mail.NewDispatcher(sender, cfg.Mail.AlertRecipient)

	rt.Queue = jobqueue.NewQueue(client, cfg.Jobs.Workers)
	rt.Counter = counter.NewEventCounter(client, db)

	var notifier billing.Notifier = dispatcher
	if cfg.Notify.Async {
		notifier = jobqueue.NewAsyncNotifier(rt.Queue)
	}

	var locker billing.Locker
	switch cfg.Locks.Backend {
	case "redis":
		if client == nil {
			return nil, errors.New("redis lock backend needs a redis client")
		}
		locker = billing.NewRedisLocker(client, cfg.Locks.TTL, cfg.Locks.Wait)
	default:
		log.Warn("[Locker] Using in-process locks, do not run more than one instance")
		locker = billing.NewMemoryLocker()
	}

	gateway := billing.NewStripeGateway(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret)
	secret := cfg.ReceiptSharedSecret()
	verifier := billing.NewAppStoreVerifier(billing.AppStoreOptions{
		ProductionURL: cfg.Receipt.ProductionURL,
		SandboxURL:    cfg.Receipt.SandboxURL,
		SharedSecret:  secret,
		Production:    cfg.Receipt.Production,
		Timeout:       cfg.Receipt.HTTPTimeout,
	})

	rt.Billing = billing.NewServiceFromDB(db, gateway, verifier, billing.Options{
		Locker:        locker,
		Notifier:      notifier,
		Counter:       rt.Counter,
		AlertThrottle: cfg.Notify.AlertThrottle,
		DefaultPrice:  cfg.Stripe.DefaultPrice,
		Receipt: billing.ReceiptOptions{
			Production:                cfg.Receipt.Production,
			NotificationSecret:        secret,
			RequireNotificationSecret: cfg.Receipt.NotifyWithSecret,
		},
	})

	rt.Queue.Register(jobqueue.JobTypeRefreshSubscription, jobqueue.RefreshHandler(rt.Billing))
	rt.Queue.Register(jobqueue.JobTypeSendNotification, jobqueue.NotificationHandler(dispatcher))

	rt.Manager = jobqueue.NewManager(rt.Queue, rt.Billing, rt.Counter, jobqueue.ManagerOptions{
		SweepSpec:      cfg.Jobs.SweepSpec,
		SweepBatch:     cfg.Jobs.SweepBatch,
		SweepLookahead: cfg.Jobs.SweepLookahead,
		SweepLookback:  cfg.Jobs.SweepLookback,
		FlushSpec:      cfg.Jobs.CounterFlush,
	})
	return rt, nil
}

// Close stops background work, flushes counters and closes connections.
func (rt *Runtime) Close() {
	if rt.Manager != nil && rt.Manager.IsRunning() {
		rt.Manager.Stop()
	} else if rt.Counter != nil {
		if err := rt.Counter.Flush(context.Background()); err != nil {
			log.Warnf("[Bootstrap] Final counter flush failed: %v", err)
		}
	}
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil {
			log.Warnf("[Bootstrap] Closing redis failed: %v", err)
		}
	}
	if rt.DB != nil {
		if sqlDB, err := rt.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
