package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vpnshop/internal/clock"
	"vpnshop/internal/models"
	"vpnshop/internal/repository"
)

const (
	reminderWindow = 24 * time.Hour

	reminderText = "⚠️ Ваша подписка истекает через сутки! Пожалуйста, продлите её, чтобы не потерять доступ."
	expiredText  = "❌ Ваша подписка истекла. Доступ к VPN заблокирован. Продлите подписку в меню 'Купить VPN'."
)

// ExpiryChecker sends renewal reminders a day before expiry and shuts down
// subscriptions once the grace period after expiry has run out.
type ExpiryChecker struct {
	subs     *repository.SubscriptionRepository
	keys     KeyManager
	notifier Notifier
	clock    clock.Clock
	grace    time.Duration
	log      *zap.Logger
}

func NewExpiryChecker(subs *repository.SubscriptionRepository, keys KeyManager, notifier Notifier,
	clk clock.Clock, grace time.Duration, log *zap.Logger) *ExpiryChecker {
	return &ExpiryChecker{
		subs:     subs,
		keys:     keys,
		notifier: notifier,
		clock:    clk,
		grace:    grace,
		log:      log.Named("worker.expiry"),
	}
}

type ExpiryStats struct {
	Reminded int
	Expired  int
	Failed   int
}

func (c *ExpiryChecker) Run(ctx context.Context) (ExpiryStats, error) {
	now := c.clock.Now()
	var stats ExpiryStats

	c.log.Info("running subscription check cycle")

	expiring, err := c.subs.ListExpiringBetween(ctx, now, now.Add(reminderWindow))
	if err != nil {
		return stats, err
	}
	for i := range expiring {
		sub := &expiring[i]
		sent, err := c.remind(ctx, sub)
		if err != nil {
			stats.Failed++
			c.log.Error("renewal reminder failed", zap.Uint("subscription_id", sub.ID), zap.Error(err))
			continue
		}
		if sent {
			stats.Reminded++
		}
	}

	expired, err := c.subs.ListExpired(ctx, now.Add(-c.grace))
	if err != nil {
		return stats, err
	}
	for i := range expired {
		sub := &expired[i]
		if err := c.expire(ctx, sub); err != nil {
			stats.Failed++
			c.log.Error("expiring subscription failed", zap.Uint("subscription_id", sub.ID), zap.Error(err))
			continue
		}
		stats.Expired++
	}

	c.log.Info("subscription check cycle finished",
		zap.Int("reminded", stats.Reminded),
		zap.Int("expired", stats.Expired),
		zap.Int("failed", stats.Failed))
	return stats, nil
}

func (c *ExpiryChecker) remind(ctx context.Context, sub *models.Subscription) (bool, error) {
	claimed, err := c.subs.ClaimRenewalReminder(ctx, sub.ID)
	if err != nil || !claimed {
		return false, err
	}
	if c.notifier.Send(ctx, sub.UserID, reminderText) {
		return true, nil
	}
	c.log.Warn("renewal reminder not delivered", zap.Uint("subscription_id", sub.ID))
	return false, c.subs.ReleaseRenewalReminder(ctx, sub.ID)
}

func (c *ExpiryChecker) expire(ctx context.Context, sub *models.Subscription) error {
	log := c.log.With(zap.Uint("subscription_id", sub.ID), zap.Uint("user_id", sub.UserID))
	log.Info("blocking expired subscription", zap.Time("expires_at", sub.ExpiresAtTime()))

	if err := c.subs.Deactivate(ctx, sub.ID); err != nil {
		return err
	}
	failed, err := c.keys.DeleteAll(ctx, sub.ID)
	switch {
	case err != nil:
		log.Warn("listing keys for deletion failed", zap.Error(err))
	case failed > 0:
		log.Warn("some keys were not deleted, left for the repair sweep", zap.Int("failed", failed))
	}

	claimed, err := c.subs.ClaimNotification(ctx, sub.ID, models.NotifiedExpired)
	if err != nil || !claimed {
		return err
	}
	if !c.notifier.Send(ctx, sub.UserID, expiredText) {
		log.Warn("expiration notice not delivered")
	}
	return nil
}
