// Package traffic accumulates per-key byte counters into subscription usage.
package traffic

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vpnshop/internal/models"
)

type Aggregator struct {
	db *gorm.DB
}

func NewAggregator(db *gorm.DB) *Aggregator {
	return &Aggregator{db: db}
}

// Aggregate folds the growth of the subscription's key counters since the last
// pass into its cached usage and returns the new usage in bytes. Keys are only
// read. A shrinking sum (a deleted key or a reset server counter) adds nothing.
func (a *Aggregator) Aggregate(ctx context.Context, subscriptionID uint, now time.Time) (int64, error) {
	var usage int64
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var total int64
		if err := tx.Model(&models.Key{}).
			Where("subscription_id = ?", subscriptionID).
			Select("COALESCE(SUM(traffic_usage_bytes), 0)").
			Scan(&total).Error; err != nil {
			return err
		}

		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.TrafficSnapshot{SubscriptionID: subscriptionID, UpdatedAt: now}).Error; err != nil {
			return err
		}

		var snap models.TrafficSnapshot
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("subscription_id = ?", subscriptionID).
			Take(&snap).Error; err != nil {
			return err
		}

		delta := max(total-snap.LastTotalBytes, 0)
		if delta > 0 {
			res := tx.Model(&models.Subscription{}).
				Where("id = ?", subscriptionID).
				Update("traffic_usage_bytes", gorm.Expr("traffic_usage_bytes + ?", delta))
			if res.Error != nil {
				return res.Error
			}
		}

		if err := tx.Model(&models.TrafficSnapshot{}).
			Where("subscription_id = ?", subscriptionID).
			Updates(map[string]any{"last_total_bytes": total, "updated_at": now}).Error; err != nil {
			return err
		}

		return tx.Model(&models.Subscription{}).
			Where("id = ?", subscriptionID).
			Select("traffic_usage_bytes").
			Scan(&usage).Error
	})
	if err != nil {
		return 0, fmt.Errorf("aggregate traffic of subscription %d: %w", subscriptionID, err)
	}
	return usage, nil
}
