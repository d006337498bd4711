package models

import (
	"time"
)

// VIPExpiry is the expiry written for VIP subscriptions.
var VIPExpiry = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// Bits of Subscription.NotificationsSent.
const (
	NotifiedTrafficWarning  = 1 << 0
	NotifiedTrafficDisabled = 1 << 1
	NotifiedExpired         = 1 << 2
)

type Subscription struct {
	ID     uint   `gorm:"primaryKey"`
	UserID uint   `gorm:"not null;index:idx_subscriptions_user_active,priority:1"`
	User   User   `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	Token  string `gorm:"size:64;uniqueIndex;not null"`

	TariffID uint `gorm:"not null"`
	IsActive bool `gorm:"not null;default:true;index:idx_subscriptions_user_active,priority:2"`
	// ExpiresAt is unix seconds so the store can extend it with plain integer arithmetic.
	ExpiresAt int64 `gorm:"not null;index"`

	// TrafficLimitMB overrides the tariff quota when set; 0 means unlimited.
	TrafficLimitMB    *int64
	TrafficUsageBytes int64 `gorm:"not null;default:0"`
	TrafficBreachAt   *time.Time
	NotificationsSent int  `gorm:"not null;default:0"`
	RenewalNotified   bool `gorm:"not null;default:false"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s *Subscription) ExpiresAtTime() time.Time {
	return time.Unix(s.ExpiresAt, 0).UTC()
}

func (s *Subscription) HasNotified(bit int) bool {
	return s.NotificationsSent&bit != 0
}

// EffectiveTrafficLimitMB resolves the quota against the tariff. 0 means unlimited.
func (s *Subscription) EffectiveTrafficLimitMB(t *Tariff) int64 {
	if s.TrafficLimitMB != nil {
		return *s.TrafficLimitMB
	}
	if t == nil {
		return 0
	}
	return t.TrafficLimitMB
}
