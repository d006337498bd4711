package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPaid      PaymentStatus = "paid"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

const (
	MetadataKeyType     = "key_type"
	KeyTypeSubscription = "subscription"
)

// PaymentOutcome is what the payment did to its subscription. It is written in
// the same statement as the subscription link.
type PaymentOutcome string

const (
	OutcomeCreated   PaymentOutcome = "created"
	OutcomeRenewed   PaymentOutcome = "renewed"
	OutcomeDuplicate PaymentOutcome = "duplicate"
	OutcomeRepaired  PaymentOutcome = "repaired"
)

type Payment struct {
	// ID is the gateway-issued payment identifier.
	ID             string          `gorm:"primaryKey;size:64"`
	UserID         uint            `gorm:"not null;index:idx_payments_user_tariff,priority:1"`
	User           User            `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	TariffID       uint            `gorm:"not null;index:idx_payments_user_tariff,priority:2"`
	Amount         decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Protocol       string          `gorm:"size:32;not null"`
	Status         PaymentStatus   `gorm:"size:16;not null;default:'pending';index"`
	SubscriptionID *uint           `gorm:"index"`
	Outcome        PaymentOutcome  `gorm:"size:16"`
	Metadata       datatypes.JSONMap

	// NotifyClaimedAt is set while one worker is delivering the user notice.
	NotifyClaimedAt *time.Time
	NotifiedAt      *time.Time
	// CheckedAt is when a background job last picked the row up. Jobs serve
	// the least recently checked rows first.
	CheckedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (p *Payment) IsSubscriptionPayment() bool {
	if p.Metadata == nil {
		return false
	}
	v, ok := p.Metadata[MetadataKeyType].(string)
	return ok && v == KeyTypeSubscription
}
