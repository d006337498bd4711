package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vpnshop/internal/clock"
	"vpnshop/internal/metrics"
	"vpnshop/internal/models"
	"vpnshop/internal/repository"
)

const (
	repairBatch = 200
	sweepBatch  = 200
)

// Repairer links completed payments that lost their subscription link and
// sweeps keys left behind on deactivated subscriptions. It never extends or
// creates a subscription.
type Repairer struct {
	payments *repository.PaymentRepository
	subs     *repository.SubscriptionRepository
	keys     KeyManager
	clock    clock.Clock
	batch    int
	log      *zap.Logger
}

func NewRepairer(payments *repository.PaymentRepository, subs *repository.SubscriptionRepository, keys KeyManager, clk clock.Clock, log *zap.Logger) *Repairer {
	return &Repairer{
		payments: payments,
		subs:     subs,
		keys:     keys,
		clock:    clk,
		batch:    repairBatch,
		log:      log.Named("worker.repair"),
	}
}

type RepairStats struct {
	Scanned     int
	Linked      int
	Unmatched   int
	KeysDeleted int
	KeysFailed  int
}

func (r *Repairer) Run(ctx context.Context) (RepairStats, error) {
	var stats RepairStats

	payments, err := r.payments.ListCompletedUnlinked(ctx, r.batch)
	if err != nil {
		return stats, err
	}
	for i := range payments {
		p := &payments[i]
		stats.Scanned++
		linked, err := r.repair(ctx, p)
		switch {
		case err != nil:
			r.log.Error("repair failed", zap.String("payment_id", p.ID), zap.Error(err))
		case linked:
			stats.Linked++
			continue
		default:
			stats.Unmatched++
		}
		// Rows left unlinked go to the back of the next pass.
		if err := r.payments.MarkChecked(ctx, p.ID, r.clock.Now()); err != nil {
			r.log.Warn("mark payment checked failed", zap.String("payment_id", p.ID), zap.Error(err))
		}
	}

	deleted, failed, err := r.keys.SweepInactive(ctx, sweepBatch)
	stats.KeysDeleted, stats.KeysFailed = deleted, failed
	if err != nil {
		r.log.Error("key sweep failed", zap.Error(err))
	}

	r.log.Info("repair pass finished",
		zap.Int("scanned", stats.Scanned),
		zap.Int("linked", stats.Linked),
		zap.Int("unmatched", stats.Unmatched),
		zap.Int("keys_deleted", stats.KeysDeleted),
		zap.Int("keys_failed", stats.KeysFailed))
	return stats, nil
}

func (r *Repairer) repair(ctx context.Context, p *models.Payment) (bool, error) {
	subs, err := r.subs.ListByUser(ctx, p.UserID)
	if err != nil {
		return false, err
	}
	sub := nearestSubscription(subs, p)
	if sub == nil {
		r.log.Warn("no subscription to link", zap.String("payment_id", p.ID), zap.Uint("user_id", p.UserID))
		return false, nil
	}
	linked, err := r.payments.LinkSubscription(ctx, p.ID, sub.ID, models.OutcomeRepaired)
	if err != nil || !linked {
		return false, err
	}
	metrics.RepairLinked.Inc()
	r.log.Info("payment linked",
		zap.String("payment_id", p.ID),
		zap.Uint("subscription_id", sub.ID),
		zap.Uint("user_id", p.UserID))
	return true, nil
}

// nearestSubscription picks the subscription the payment most likely produced
// or extended: the latest one created before the payment was completed, or
// failing that the one created closest to it.
func nearestSubscription(subs []models.Subscription, p *models.Payment) *models.Subscription {
	var before, closest *models.Subscription
	var bestGap time.Duration
	for i := range subs {
		s := &subs[i]
		if !s.CreatedAt.After(p.UpdatedAt) {
			if before == nil || s.CreatedAt.After(before.CreatedAt) {
				before = s
			}
			continue
		}
		gap := s.CreatedAt.Sub(p.UpdatedAt)
		if closest == nil || gap < bestGap {
			closest, bestGap = s, gap
		}
	}
	if before != nil {
		return before
	}
	return closest
}

// Retrier re-drives payments stuck in paid, e.g. after a provisioning outage
// or a lost webhook retry.
type Retrier struct {
	payments   *repository.PaymentRepository
	reconciler Reconciler
	clock      clock.Clock
	protocol   string
	minAge     time.Duration
	batch      int
	log        *zap.Logger
}

// NewRetrier re-drives only payments for protocol, the one the reconciler
// accepts.
func NewRetrier(payments *repository.PaymentRepository, reconciler Reconciler, clk clock.Clock, protocol string, minAge time.Duration, log *zap.Logger) *Retrier {
	return &Retrier{
		payments:   payments,
		reconciler: reconciler,
		clock:      clk,
		protocol:   protocol,
		minAge:     minAge,
		batch:      repairBatch,
		log:        log.Named("worker.retry"),
	}
}

type RetryStats struct {
	Attempted int
	Completed int
	Rejected  int
	Failed    int
}

func (r *Retrier) Run(ctx context.Context) (RetryStats, error) {
	var stats RetryStats
	stale, err := r.payments.ListStalePaid(ctx, r.protocol, r.clock.Now().Add(-r.minAge), r.batch)
	if err != nil {
		return stats, err
	}
	for _, p := range stale {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Attempted++
		res, err := r.reconciler.Reconcile(ctx, p.ID)
		switch {
		case err != nil:
			stats.Failed++
			r.log.Warn("retry failed", zap.String("payment_id", p.ID), zap.Error(err))
		case res.OK:
			stats.Completed++
		default:
			stats.Rejected++
			r.log.Warn("retry rejected", zap.String("payment_id", p.ID), zap.String("reason", res.Reason))
		}
		if err := r.payments.MarkChecked(ctx, p.ID, r.clock.Now()); err != nil {
			r.log.Warn("mark payment checked failed", zap.String("payment_id", p.ID), zap.Error(err))
		}
	}
	if stats.Attempted > 0 {
		r.log.Info("retry pass finished",
			zap.Int("attempted", stats.Attempted),
			zap.Int("completed", stats.Completed),
			zap.Int("rejected", stats.Rejected),
			zap.Int("failed", stats.Failed))
	}
	return stats, nil
}
