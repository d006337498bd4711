package models

import (
	"time"
)

type Key struct {
	ID                uint   `gorm:"primaryKey"`
	SubscriptionID    uint   `gorm:"not null;uniqueIndex:idx_keys_subscription_server,priority:1"`
	ServerID          uint   `gorm:"not null;uniqueIndex:idx_keys_subscription_server,priority:2"`
	Kind              string `gorm:"size:16;not null"`
	Handle            string `gorm:"size:255;not null"`
	AccessURL         string `gorm:"size:1024"`
	TrafficUsageBytes int64  `gorm:"not null;default:0"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
