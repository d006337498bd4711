package models

import (
	"time"
)

// TrafficSnapshot holds the last per-key byte sum seen for a subscription.
type TrafficSnapshot struct {
	SubscriptionID uint  `gorm:"primaryKey;autoIncrement:false"`
	LastTotalBytes int64 `gorm:"not null;default:0"`
	UpdatedAt      time.Time
}
