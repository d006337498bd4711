package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Tariff struct {
	ID          uint            `gorm:"primaryKey"`
	Name        string          `gorm:"size:128;not null"`
	DurationSec int64           `gorm:"not null"`
	PriceRub    decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	// TrafficLimitMB of 0 means unlimited.
	TrafficLimitMB int64 `gorm:"not null;default:0"`
	IsFree         bool  `gorm:"not null;default:false"`
	CreatedAt      time.Time
}

func (t *Tariff) Duration() time.Duration {
	return time.Duration(t.DurationSec) * time.Second
}
