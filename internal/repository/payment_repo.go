package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"vpnshop/internal/models"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, p *models.Payment) error {
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("create payment %s: %w", p.ID, err)
	}
	return nil
}

func (r *PaymentRepository) Get(ctx context.Context, id string) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&p).Error; err != nil {
		return nil, fmt.Errorf("get payment %s: %w", id, notFound(err))
	}
	return &p, nil
}

// MarkPaid moves a pending payment to paid. It returns false when the payment
// was not pending anymore.
func (r *PaymentRepository) MarkPaid(ctx context.Context, id string) (bool, error) {
	return r.transition(ctx, id, models.PaymentPaid, models.PaymentPending)
}

// MarkFailed records a cancelled payment. Completed payments are never failed.
func (r *PaymentRepository) MarkFailed(ctx context.Context, id string) (bool, error) {
	return r.transition(ctx, id, models.PaymentFailed, models.PaymentPending, models.PaymentPaid)
}

// CompleteIfPaid is the final paid -> completed compare-and-set. Only one caller
// across all workers observes true for a given payment.
func (r *PaymentRepository) CompleteIfPaid(ctx context.Context, id string) (bool, error) {
	return r.transition(ctx, id, models.PaymentCompleted, models.PaymentPaid)
}

func (r *PaymentRepository) transition(ctx context.Context, id string, to models.PaymentStatus, from ...models.PaymentStatus) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return false, fmt.Errorf("set payment %s status %s: %w", id, to, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// LinkSubscription attaches the payment to a subscription unless it is already
// attached, recording the outcome with it. It returns false when another caller
// linked it first.
func (r *PaymentRepository) LinkSubscription(ctx context.Context, id string, subscriptionID uint, outcome models.PaymentOutcome) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND subscription_id IS NULL", id).
		Updates(map[string]any{"subscription_id": subscriptionID, "outcome": outcome})
	if res.Error != nil {
		return false, fmt.Errorf("link payment %s to subscription %d: %w", id, subscriptionID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ClaimNotification takes the right to notify the user about this payment. A
// claim older than lease is considered abandoned and can be taken over.
func (r *PaymentRepository) ClaimNotification(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND notified_at IS NULL AND (notify_claimed_at IS NULL OR notify_claimed_at < ?)",
			id, now.Add(-lease)).
		Update("notify_claimed_at", now)
	if res.Error != nil {
		return false, fmt.Errorf("claim notification of payment %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *PaymentRepository) ReleaseNotification(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND notified_at IS NULL", id).
		Update("notify_claimed_at", nil).Error
	if err != nil {
		return fmt.Errorf("release notification of payment %s: %w", id, err)
	}
	return nil
}

func (r *PaymentRepository) MarkNotified(ctx context.Context, id string, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND notified_at IS NULL", id).
		Updates(map[string]any{"notified_at": at, "notify_claimed_at": nil}).Error
	if err != nil {
		return fmt.Errorf("mark payment %s notified: %w", id, err)
	}
	return nil
}

// CountCompletedSince counts the user's completed payments for a tariff created
// at or after since, ignoring excludeID.
func (r *PaymentRepository) CountCompletedSince(ctx context.Context, userID, tariffID uint, since time.Time, excludeID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("user_id = ? AND tariff_id = ? AND status = ? AND created_at >= ? AND id <> ?",
			userID, tariffID, models.PaymentCompleted, since, excludeID).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count completed payments of user %d: %w", userID, err)
	}
	return n, nil
}

// leastRecentlyChecked orders never-checked rows first, then the rows a job
// looked at longest ago, so rows a job cannot settle do not starve the rest.
const leastRecentlyChecked = "checked_at IS NOT NULL, checked_at, created_at"

// ListCompletedUnlinked returns completed subscription payments that never got
// their subscription link recorded.
func (r *PaymentRepository) ListCompletedUnlinked(ctx context.Context, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := r.db.WithContext(ctx).
		Where("status = ? AND subscription_id IS NULL", models.PaymentCompleted).
		Where(datatypes.JSONQuery("metadata").Equals(models.KeyTypeSubscription, models.MetadataKeyType)).
		Order(leastRecentlyChecked).
		Limit(limit).
		Find(&payments).Error
	if err != nil {
		return nil, fmt.Errorf("list unlinked payments: %w", err)
	}
	return payments, nil
}

// ListStalePaid returns subscription payments for protocol stuck in paid since
// before, for re-driving reconciliation that was interrupted.
func (r *PaymentRepository) ListStalePaid(ctx context.Context, protocol string, before time.Time, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := r.db.WithContext(ctx).
		Where("status = ? AND protocol = ? AND updated_at < ?", models.PaymentPaid, protocol, before).
		Where(datatypes.JSONQuery("metadata").Equals(models.KeyTypeSubscription, models.MetadataKeyType)).
		Order(leastRecentlyChecked).
		Limit(limit).
		Find(&payments).Error
	if err != nil {
		return nil, fmt.Errorf("list stale paid payments: %w", err)
	}
	return payments, nil
}

// MarkChecked stamps the row as handled by a background job. It leaves
// updated_at alone so staleness is still measured from the last real change.
func (r *PaymentRepository) MarkChecked(ctx context.Context, id string, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ?", id).
		UpdateColumn("checked_at", at).Error
	if err != nil {
		return fmt.Errorf("mark payment %s checked: %w", id, err)
	}
	return nil
}
