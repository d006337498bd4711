// Package worker holds the periodic jobs: traffic enforcement, expiry
// handling, payment repair and retry, and the scheduler that runs them.
package worker

import (
	"context"
	"time"

	"vpnshop/internal/billing"
)

type KeyManager interface {
	SyncUsage(ctx context.Context, subscriptionID uint) error
	DeleteAll(ctx context.Context, subscriptionID uint) (int, error)
	SweepInactive(ctx context.Context, limit int) (deleted, failed int, err error)
}

type Aggregator interface {
	Aggregate(ctx context.Context, subscriptionID uint, now time.Time) (int64, error)
}

type Notifier = billing.Notifier

type Reconciler interface {
	Reconcile(ctx context.Context, paymentID string) (billing.Result, error)
}

