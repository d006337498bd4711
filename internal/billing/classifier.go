package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vpnshop/internal/config"
	"vpnshop/internal/models"
	"vpnshop/internal/repository"
)

// DecisionKind says what a payment does to the user's subscription.
type DecisionKind int

const (
	NewPurchase DecisionKind = iota
	Renewal
	// DuplicatePurchase is a payment for a subscription that was created for an
	// equivalent purchase moments ago. It must not extend the subscription again.
	DuplicatePurchase
)

func (k DecisionKind) String() string {
	switch k {
	case NewPurchase:
		return "new_purchase"
	case Renewal:
		return "renewal"
	case DuplicatePurchase:
		return "duplicate_purchase"
	}
	return fmt.Sprintf("DecisionKind(%d)", int(k))
}

type Decision struct {
	Kind DecisionKind
	// Subscription is the user's active subscription; nil for NewPurchase.
	Subscription *models.Subscription
}

func (d Decision) IsNewPurchase() bool { return d.Kind == NewPurchase }

type classifierSubscriptions interface {
	FindActiveByUser(ctx context.Context, userID uint, activeAfter time.Time) (*models.Subscription, error)
}

type classifierPayments interface {
	CountCompletedSince(ctx context.Context, userID, tariffID uint, since time.Time, excludeID string) (int64, error)
}

type classifierTariffs interface {
	GetByID(ctx context.Context, id uint) (*models.Tariff, error)
}

// Classifier decides between a new purchase, a renewal and a reprocessed purchase.
type Classifier struct {
	subs     classifierSubscriptions
	payments classifierPayments
	tariffs  classifierTariffs
	cfg      config.BillingConfig
}

func NewClassifier(subs classifierSubscriptions, payments classifierPayments, tariffs classifierTariffs, cfg config.BillingConfig) *Classifier {
	return &Classifier{subs: subs, payments: payments, tariffs: tariffs, cfg: cfg}
}

// Classify uses now for every time comparison so one pass sees a consistent clock.
func (c *Classifier) Classify(ctx context.Context, p *models.Payment, t *models.Tariff, now time.Time) (Decision, error) {
	sub, err := c.subs.FindActiveByUser(ctx, p.UserID, now.Add(-c.cfg.GracePeriod))
	if errors.Is(err, repository.ErrNotFound) {
		return Decision{Kind: NewPurchase}, nil
	}
	if err != nil {
		return Decision{}, err
	}

	current, err := c.tariffs.GetByID(ctx, sub.TariffID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return Decision{}, err
	}
	// Paying for anything while on the free tier is always an upgrade.
	if current != nil && current.IsFree {
		return Decision{Kind: Renewal, Subscription: sub}, nil
	}

	duplicate, err := c.looksLikeSamePurchase(ctx, p, t, sub, now)
	if err != nil {
		return Decision{}, err
	}
	if duplicate {
		return Decision{Kind: DuplicatePurchase, Subscription: sub}, nil
	}
	return Decision{Kind: Renewal, Subscription: sub}, nil
}

// looksLikeSamePurchase detects a subscription that was created moments ago and
// still carries exactly one tariff period, with no other completed payment for
// the tariff since it was created.
func (c *Classifier) looksLikeSamePurchase(ctx context.Context, p *models.Payment, t *models.Tariff, sub *models.Subscription, now time.Time) (bool, error) {
	age := now.Sub(sub.CreatedAt)
	if age >= c.cfg.RecentPurchaseWindow {
		return false, nil
	}

	expected := sub.CreatedAt.Add(t.Duration()).Unix()
	drift := sub.ExpiresAt - expected
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(c.cfg.ExpiryTolerance/time.Second) {
		return false, nil
	}

	n, err := c.payments.CountCompletedSince(ctx, p.UserID, p.TariffID, sub.CreatedAt, p.ID)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}
