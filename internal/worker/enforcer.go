package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vpnshop/internal/clock"
	"vpnshop/internal/metrics"
	"vpnshop/internal/models"
	"vpnshop/internal/repository"
)

const bytesPerMB = 1024 * 1024

// Enforcer walks active subscriptions and applies the traffic quota:
// under limit, over limit (warned, grace running) and disabled.
type Enforcer struct {
	subs     *repository.SubscriptionRepository
	tariffs  *repository.TariffRepository
	keys     KeyManager
	traffic  Aggregator
	notifier Notifier
	clock    clock.Clock
	grace    time.Duration
	log      *zap.Logger
}

func NewEnforcer(subs *repository.SubscriptionRepository, tariffs *repository.TariffRepository, keys KeyManager,
	traffic Aggregator, notifier Notifier, clk clock.Clock, grace time.Duration, log *zap.Logger) *Enforcer {
	return &Enforcer{
		subs:     subs,
		tariffs:  tariffs,
		keys:     keys,
		traffic:  traffic,
		notifier: notifier,
		clock:    clk,
		grace:    grace,
		log:      log.Named("worker.enforcer"),
	}
}

type EnforceStats struct {
	Checked  int
	Warned   int
	Disabled int
	Cleared  int
	Failed   int
}

// Run performs one pass. Every decision is derived from stored state, so a pass
// interrupted halfway is simply completed by the next one.
func (e *Enforcer) Run(ctx context.Context) (EnforceStats, error) {
	now := e.clock.Now()
	var stats EnforceStats

	subs, err := e.subs.ListActive(ctx, time.Time{})
	if err != nil {
		return stats, err
	}

	tariffs := make(map[uint]*models.Tariff)
	for i := range subs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		sub := &subs[i]
		stats.Checked++
		if err := e.check(ctx, sub, tariffs, now, &stats); err != nil {
			stats.Failed++
			e.log.Error("traffic check failed", zap.Uint("subscription_id", sub.ID), zap.Error(err))
		}
	}

	e.log.Info("traffic enforcement pass finished",
		zap.Int("checked", stats.Checked),
		zap.Int("warned", stats.Warned),
		zap.Int("disabled", stats.Disabled),
		zap.Int("cleared", stats.Cleared),
		zap.Int("failed", stats.Failed))
	return stats, nil
}

func (e *Enforcer) check(ctx context.Context, sub *models.Subscription, tariffs map[uint]*models.Tariff, now time.Time, stats *EnforceStats) error {
	log := e.log.With(zap.Uint("subscription_id", sub.ID), zap.Uint("user_id", sub.UserID))

	limitMB, err := e.limit(ctx, sub, tariffs)
	if err != nil {
		return err
	}
	if sub.User.IsVIP || limitMB == 0 {
		if sub.TrafficBreachAt != nil {
			stats.Cleared++
			return e.clear(ctx, sub)
		}
		return nil
	}

	if err := e.keys.SyncUsage(ctx, sub.ID); err != nil {
		log.Warn("usage sync failed", zap.Error(err))
	}
	usage, err := e.traffic.Aggregate(ctx, sub.ID, now)
	if err != nil {
		return err
	}

	if usage <= limitMB*bytesPerMB {
		if sub.TrafficBreachAt != nil {
			log.Info("usage back under quota", zap.Int64("usage_bytes", usage))
			stats.Cleared++
			return e.clear(ctx, sub)
		}
		return nil
	}

	if sub.TrafficBreachAt == nil {
		marked, err := e.subs.MarkTrafficBreach(ctx, sub.ID, now)
		if err != nil || !marked {
			return err
		}
		metrics.TrafficTransitions.WithLabelValues("over_limit").Inc()
		log.Info("traffic quota exceeded", zap.Int64("usage_bytes", usage), zap.Int64("limit_mb", limitMB))
		stats.Warned++
		e.warn(ctx, sub, limitMB, e.grace)
		return nil
	}

	deadline := sub.TrafficBreachAt.Add(e.grace)
	if now.Before(deadline) {
		// Warning bit lost to a failed send on an earlier pass.
		if !sub.HasNotified(models.NotifiedTrafficWarning) {
			claimed, err := e.subs.ClaimNotification(ctx, sub.ID, models.NotifiedTrafficWarning)
			if err != nil || !claimed {
				return err
			}
			stats.Warned++
			e.warn(ctx, sub, limitMB, deadline.Sub(now))
		}
		return nil
	}

	return e.disable(ctx, sub, stats, log)
}

func (e *Enforcer) limit(ctx context.Context, sub *models.Subscription, tariffs map[uint]*models.Tariff) (int64, error) {
	if sub.TrafficLimitMB != nil {
		return *sub.TrafficLimitMB, nil
	}
	t, ok := tariffs[sub.TariffID]
	if !ok {
		var err error
		t, err = e.tariffs.GetByID(ctx, sub.TariffID)
		if err != nil {
			return 0, err
		}
		tariffs[sub.TariffID] = t
	}
	return sub.EffectiveTrafficLimitMB(t), nil
}

func (e *Enforcer) clear(ctx context.Context, sub *models.Subscription) error {
	if err := e.subs.ClearTrafficBreach(ctx, sub.ID); err != nil {
		return err
	}
	metrics.TrafficTransitions.WithLabelValues("cleared").Inc()
	return nil
}

// warn sends the over-quota notice. The warning bit is already held by the
// caller and is given back if delivery fails so the next pass retries.
func (e *Enforcer) warn(ctx context.Context, sub *models.Subscription, limitMB int64, left time.Duration) {
	text := fmt.Sprintf("⚠️ Вы израсходовали лимит трафика (%d МБ).\n\nДоступ будет отключён через %s. Продлите подписку или смените тариф, чтобы сохранить доступ.",
		limitMB, formatLeft(left))
	if e.notifier.Send(ctx, sub.UserID, text) {
		return
	}
	if err := e.subs.ReleaseNotification(ctx, sub.ID, models.NotifiedTrafficWarning); err != nil {
		e.log.Warn("release warning bit failed", zap.Uint("subscription_id", sub.ID), zap.Error(err))
	}
}

func (e *Enforcer) disable(ctx context.Context, sub *models.Subscription, stats *EnforceStats, log *zap.Logger) error {
	claimed, err := e.subs.ClaimNotification(ctx, sub.ID, models.NotifiedTrafficDisabled)
	if err != nil || !claimed {
		return err
	}

	failed, err := e.keys.DeleteAll(ctx, sub.ID)
	if err != nil {
		log.Warn("listing keys for deletion failed", zap.Error(err))
	} else if failed > 0 {
		log.Warn("some keys were not deleted, left for the repair sweep", zap.Int("failed", failed))
	}

	if err := e.subs.Deactivate(ctx, sub.ID); err != nil {
		if rerr := e.subs.ReleaseNotification(ctx, sub.ID, models.NotifiedTrafficDisabled); rerr != nil {
			log.Warn("release disable bit failed", zap.Error(rerr))
		}
		return err
	}
	metrics.TrafficTransitions.WithLabelValues("disabled").Inc()
	stats.Disabled++
	log.Info("subscription disabled for traffic overuse")

	if !e.notifier.Send(ctx, sub.UserID, "❌ Доступ к VPN отключён: лимит трафика исчерпан. Оформите новую подписку в меню «Купить VPN».") {
		log.Warn("disable notice not delivered")
	}
	return nil
}

func formatLeft(d time.Duration) string {
	hours := int(d.Round(time.Hour) / time.Hour)
	if hours < 1 {
		return "менее часа"
	}
	return fmt.Sprintf("%d ч.", hours)
}
