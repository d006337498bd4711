package main

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"vpnshop/internal/billing"
	"vpnshop/internal/clock"
	"vpnshop/internal/config"
	"vpnshop/internal/database"
	"vpnshop/internal/lock"
	"vpnshop/internal/models"
	"vpnshop/internal/notify"
	"vpnshop/internal/outline"
	"vpnshop/internal/payment"
	"vpnshop/internal/remnawave"
	"vpnshop/internal/repository"
	"vpnshop/internal/traffic"
	"vpnshop/internal/vpn"
	"vpnshop/internal/worker"
)

// app holds every wired component. Commands build it once and use what they need.
type app struct {
	cfg *config.Config
	log *zap.Logger
	db  *gorm.DB
	rdb *redis.Client

	subs     *repository.SubscriptionRepository
	payments *repository.PaymentRepository

	reconciler *billing.Reconciler
	gateway    *payment.Client
	enforcer   *worker.Enforcer
	expiry     *worker.ExpiryChecker
	repairer   *worker.Repairer
	retrier    *worker.Retrier
	locker     *lock.RedisLocker
}

func newApp(cfg *config.Config, log *zap.Logger) (*app, error) {
	db, err := database.ConnectPostgres(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	rdb, err := database.ConnectRedis(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	bot, err := telego.NewBot(cfg.BotToken)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	clk := clock.SystemClock{}
	subs := repository.NewSubscriptionRepository(db)
	payments := repository.NewPaymentRepository(db)
	tariffs := repository.NewTariffRepository(db)
	users := repository.NewUserRepository(db)

	registry := vpn.NewRegistry(map[vpn.Kind]vpn.Builder{
		vpn.KindV2Ray: func(s *models.Server) vpn.Provisioner {
			return remnawave.NewClient(s.APIURL, s.APIKey, s.SquadID)
		},
		// Outline servers keep the management certificate fingerprint in APIKey.
		vpn.KindOutline: func(s *models.Server) vpn.Provisioner {
			return outline.NewClient(s.APIURL, s.APIKey)
		},
	})
	keys := vpn.NewKeyManager(repository.NewKeyRepository(db), repository.NewServerRepository(db),
		registry, cfg.Billing.ProvisionTimeout, log)
	notifier := notify.NewTelegramSender(bot, users, log)

	reconciler := billing.NewReconciler(billing.Deps{
		Subscriptions: subs,
		Payments:      payments,
		Tariffs:       tariffs,
		Users:         users,
		Classifier:    billing.NewClassifier(subs, payments, tariffs, cfg.Billing),
		Keys:          keys,
		Notifier:      notifier,
		Clock:         clk,
	}, cfg.Billing, log)

	return &app{
		cfg:        cfg,
		log:        log,
		db:         db,
		rdb:        rdb,
		subs:       subs,
		payments:   payments,
		reconciler: reconciler,
		gateway:    payment.NewClient(cfg.YookassaShopID, cfg.YookassaKey),
		enforcer: worker.NewEnforcer(subs, tariffs, keys, traffic.NewAggregator(db), notifier, clk,
			cfg.Jobs.TrafficGrace, log),
		expiry:   worker.NewExpiryChecker(subs, keys, notifier, clk, cfg.Billing.GracePeriod, log),
		repairer: worker.NewRepairer(payments, subs, keys, clk, log),
		retrier:  worker.NewRetrier(payments, reconciler, clk, cfg.Billing.Protocol, cfg.Jobs.RetryMinAge, log),
		locker:   lock.NewRedisLocker(rdb, "vpnshop:"),
	}, nil
}

func (a *app) jobs() []worker.Job {
	return []worker.Job{
		{Name: "enforce", Interval: a.cfg.Jobs.EnforceInterval, Run: func(ctx context.Context) error {
			_, err := a.enforcer.Run(ctx)
			return err
		}},
		{Name: "expire", Interval: a.cfg.Jobs.ExpiryInterval, Run: func(ctx context.Context) error {
			_, err := a.expiry.Run(ctx)
			return err
		}},
		{Name: "repair", Interval: a.cfg.Jobs.RepairInterval, Run: func(ctx context.Context) error {
			_, err := a.repairer.Run(ctx)
			return err
		}},
		{Name: "retry", Interval: a.cfg.Jobs.RetryInterval, Run: func(ctx context.Context) error {
			_, err := a.retrier.Run(ctx)
			return err
		}},
	}
}

func (a *app) Close() {
	if err := a.rdb.Close(); err != nil {
		a.log.Warn("closing redis", zap.Error(err))
	}
	if sqlDB, err := a.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			a.log.Warn("closing database", zap.Error(err))
		}
	}
}
