package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vpnshop/internal/models"
)

type SubscriptionRepository struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// ErrPaymentLinked means the payment already points at a subscription.
var ErrPaymentLinked = errors.New("payment already linked")

// NewSubscription describes a subscription to create for a first qualifying payment.
type NewSubscription struct {
	UserID uint
	// PaymentID, when set, is linked to the new row in the same transaction.
	PaymentID string
	Tariff    *models.Tariff
	Now       time.Time
	// ActiveAfter is now minus the grace period: rows expiring at or before it no longer count as active.
	ActiveAfter time.Time
	VIP         bool
}

// Extension describes a renewal applied on behalf of one payment.
type Extension struct {
	PaymentID string
	Tariff    *models.Tariff
	MaxExpiry time.Time
	VIP       bool
}

func (r *SubscriptionRepository) GetByID(ctx context.Context, id uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).First(&sub, id).Error; err != nil {
		return nil, fmt.Errorf("get subscription %d: %w", id, notFound(err))
	}
	return &sub, nil
}

// FindActiveByUser returns the user's active subscription or ErrNotFound.
func (r *SubscriptionRepository) FindActiveByUser(ctx context.Context, userID uint, activeAfter time.Time) (*models.Subscription, error) {
	return findActive(r.db.WithContext(ctx), userID, activeAfter)
}

func findActive(tx *gorm.DB, userID uint, activeAfter time.Time) (*models.Subscription, error) {
	var sub models.Subscription
	err := tx.
		Where("user_id = ? AND is_active = ? AND expires_at > ?", userID, true, activeAfter.Unix()).
		Order("expires_at DESC").
		Take(&sub).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

// ListActive returns active subscriptions with their users, oldest first.
func (r *SubscriptionRepository) ListActive(ctx context.Context, activeAfter time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Preload("User").
		Where("is_active = ? AND expires_at > ?", true, activeAfter.Unix()).
		Order("id").
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	return subs, nil
}

// ListExpired returns subscriptions still flagged active whose expiry is at or before the threshold.
func (r *SubscriptionRepository) ListExpired(ctx context.Context, threshold time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND expires_at <= ?", true, threshold.Unix()).
		Order("id").
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("list expired subscriptions: %w", err)
	}
	return subs, nil
}

// ListExpiringBetween returns active subscriptions expiring within [from, to) with no reminder sent yet.
func (r *SubscriptionRepository) ListExpiringBetween(ctx context.Context, from, to time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND renewal_notified = ? AND expires_at >= ? AND expires_at < ?",
			true, false, from.Unix(), to.Unix()).
		Order("id").
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("list expiring subscriptions: %w", err)
	}
	return subs, nil
}

func (r *SubscriptionRepository) ListByUser(ctx context.Context, userID uint) ([]models.Subscription, error) {
	var subs []models.Subscription
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at").Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("list subscriptions of user %d: %w", userID, err)
	}
	return subs, nil
}

// CreateIfAbsent inserts a subscription unless the user already has an active one.
// The check is repeated under a per-user write lock right before the insert, so
// concurrent callers for the same user end up with exactly one row.
func (r *SubscriptionRepository) CreateIfAbsent(ctx context.Context, in NewSubscription) (*models.Subscription, bool, error) {
	var (
		sub     *models.Subscription
		created bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockUser(tx, in.UserID); err != nil {
			return err
		}

		existing, err := findActive(tx, in.UserID, in.ActiveAfter)
		if err == nil {
			sub = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		// Rows still flagged active but past the grace window are superseded.
		if err := tx.Model(&models.Subscription{}).
			Where("user_id = ? AND is_active = ?", in.UserID, true).
			Update("is_active", false).Error; err != nil {
			return err
		}

		limit := in.Tariff.TrafficLimitMB
		expiresAt := in.Now.Add(in.Tariff.Duration()).Unix()
		if in.VIP {
			limit = 0
			expiresAt = models.VIPExpiry.Unix()
		}

		row := models.Subscription{
			UserID:         in.UserID,
			Token:          uuid.NewString(),
			TariffID:       in.Tariff.ID,
			IsActive:       true,
			ExpiresAt:      expiresAt,
			TrafficLimitMB: &limit,
			CreatedAt:      in.Now,
			UpdatedAt:      in.Now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if in.PaymentID != "" {
			if err := claimPayment(tx, in.PaymentID, row.ID, models.OutcomeCreated); err != nil {
				return err
			}
		}
		sub = &row
		created = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("create subscription for user %d: %w", in.UserID, err)
	}
	return sub, created, nil
}

// claimPayment links a paid, unlinked payment to the subscription and records
// the outcome.
func claimPayment(tx *gorm.DB, paymentID string, subscriptionID uint, outcome models.PaymentOutcome) error {
	res := tx.Model(&models.Payment{}).
		Where("id = ? AND subscription_id IS NULL AND status = ?", paymentID, models.PaymentPaid).
		Updates(map[string]any{"subscription_id": subscriptionID, "outcome": outcome})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrPaymentLinked
	}
	return nil
}

// lockUser serializes subscription creation per user. SQLite relies on the
// connection opening write transactions with BEGIN IMMEDIATE instead.
func lockUser(tx *gorm.DB, userID uint) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec("SELECT pg_advisory_xact_lock(?, ?)", advisoryNamespace, int64(userID)).Error
}

const advisoryNamespace = 7301

// ExtendByDuration adds durationSec to the stored expiry in a single statement so
// concurrent extensions commute. The result never exceeds maxExpiry, and an expiry
// already beyond maxExpiry is left untouched.
func (r *SubscriptionRepository) ExtendByDuration(ctx context.Context, id uint, durationSec int64, newTariffID uint, maxExpiry time.Time) (time.Time, error) {
	var expiresAt int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		expiresAt, err = extend(tx, id, durationSec, newTariffID, maxExpiry)
		return err
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("extend subscription %d: %w", id, err)
	}
	return time.Unix(expiresAt, 0).UTC(), nil
}

func extend(tx *gorm.DB, id uint, durationSec int64, newTariffID uint, maxExpiry time.Time) (int64, error) {
	ceiling := maxExpiry.Unix()
	updates := map[string]any{
		"expires_at": gorm.Expr(
			"CASE WHEN expires_at >= ? THEN expires_at WHEN expires_at + ? > ? THEN ? ELSE expires_at + ? END",
			ceiling, durationSec, ceiling, ceiling, durationSec),
		"renewal_notified": false,
	}
	if newTariffID != 0 {
		updates["tariff_id"] = newTariffID
	}
	res := tx.Model(&models.Subscription{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ErrNotFound
	}

	var expiresAt int64
	if err := tx.Model(&models.Subscription{}).Where("id = ?", id).Select("expires_at").Scan(&expiresAt).Error; err != nil {
		return 0, err
	}
	return expiresAt, nil
}

// ExtendForPayment claims the payment's subscription link and applies the renewal
// in one transaction. It returns ErrPaymentLinked, changing nothing, when the
// payment was already linked.
func (r *SubscriptionRepository) ExtendForPayment(ctx context.Context, id uint, ext Extension) (*models.Subscription, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := claimPayment(tx, ext.PaymentID, id, models.OutcomeRenewed); err != nil {
			return err
		}

		sub, err := lockSubscription(tx, id)
		if err != nil {
			return err
		}

		if ext.VIP {
			if err := applyVIP(tx, id, ext.Tariff.ID); err != nil {
				return err
			}
		} else {
			if _, err := extend(tx, id, ext.Tariff.DurationSec, ext.Tariff.ID, ext.MaxExpiry); err != nil {
				return err
			}
			if _, err := applyQuota(tx, sub, ext.Tariff.TrafficLimitMB); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("extend subscription %d for payment %s: %w", id, ext.PaymentID, err)
	}
	return r.GetByID(ctx, id)
}

func lockSubscription(tx *gorm.DB, id uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&sub, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

// UpdateTrafficQuota moves the subscription onto a tariff quota without shrinking
// a larger current quota (promotional or referral bonuses survive renewals).
func (r *SubscriptionRepository) UpdateTrafficQuota(ctx context.Context, id uint, tariffQuotaMB int64) (int64, error) {
	var effective int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := lockSubscription(tx, id)
		if err != nil {
			return err
		}
		effective, err = applyQuota(tx, sub, tariffQuotaMB)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("update traffic quota of subscription %d: %w", id, err)
	}
	return effective, nil
}

func applyQuota(tx *gorm.DB, sub *models.Subscription, tariffQuotaMB int64) (int64, error) {
	var current int64
	if sub.TrafficLimitMB != nil {
		current = *sub.TrafficLimitMB
	} else {
		if err := tx.Model(&models.Tariff{}).Where("id = ?", sub.TariffID).
			Select("traffic_limit_mb").Scan(&current).Error; err != nil {
			return 0, err
		}
	}

	next := RetainedQuotaMB(current, tariffQuotaMB)
	if sub.TrafficLimitMB != nil && *sub.TrafficLimitMB == next {
		return next, nil
	}
	if err := tx.Model(&models.Subscription{}).Where("id = ?", sub.ID).
		Update("traffic_limit_mb", next).Error; err != nil {
		return 0, err
	}
	return next, nil
}

// RetainedQuotaMB is the quota a subscription keeps when moved to a tariff quota
// of tariffMB. Zero means unlimited and outranks any finite quota.
func RetainedQuotaMB(currentMB, tariffMB int64) int64 {
	if currentMB == 0 || tariffMB == 0 {
		return 0
	}
	return max(currentMB, tariffMB)
}

// applyVIP pins the subscription to unlimited traffic and the VIP expiry.
func applyVIP(tx *gorm.DB, id uint, tariffID uint) error {
	updates := map[string]any{
		"expires_at":        models.VIPExpiry.Unix(),
		"traffic_limit_mb":  0,
		"traffic_breach_at": nil,
	}
	if tariffID != 0 {
		updates["tariff_id"] = tariffID
	}
	res := tx.Model(&models.Subscription{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Deactivate clears the active flag. Calling it again is a no-op.
func (r *SubscriptionRepository) Deactivate(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Model(&models.Subscription{}).Where("id = ?", id).Update("is_active", false)
	if res.Error != nil {
		return fmt.Errorf("deactivate subscription %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("deactivate subscription %d: %w", id, ErrNotFound)
	}
	return nil
}

// ClaimRenewalReminder flips renewal_notified from false to true. Only the caller
// that gets true may send the reminder.
func (r *SubscriptionRepository) ClaimRenewalReminder(ctx context.Context, id uint) (bool, error) {
	return r.flipFlag(ctx, id, "renewal_notified", false, true)
}

func (r *SubscriptionRepository) ReleaseRenewalReminder(ctx context.Context, id uint) error {
	_, err := r.flipFlag(ctx, id, "renewal_notified", true, false)
	return err
}

func (r *SubscriptionRepository) flipFlag(ctx context.Context, id uint, column string, from, to bool) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ? AND "+column+" = ?", id, from).
		Update(column, to)
	if res.Error != nil {
		return false, fmt.Errorf("set %s on subscription %d: %w", column, id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ClaimNotification sets one bit of notifications_sent; true means this caller set it.
func (r *SubscriptionRepository) ClaimNotification(ctx context.Context, id uint, bit int) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ? AND (notifications_sent & ?) = 0", id, bit).
		Update("notifications_sent", gorm.Expr("notifications_sent | ?", bit))
	if res.Error != nil {
		return false, fmt.Errorf("claim notification %d on subscription %d: %w", bit, id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *SubscriptionRepository) ReleaseNotification(ctx context.Context, id uint, bit int) error {
	res := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ? AND (notifications_sent & ?) <> 0", id, bit).
		Update("notifications_sent", gorm.Expr("notifications_sent - ?", bit))
	if res.Error != nil {
		return fmt.Errorf("release notification %d on subscription %d: %w", bit, id, res.Error)
	}
	return nil
}

// MarkTrafficBreach records the first breach time and claims the warning bit in
// one statement. It returns false when a breach is already recorded.
func (r *SubscriptionRepository) MarkTrafficBreach(ctx context.Context, id uint, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ? AND traffic_breach_at IS NULL", id).
		Updates(map[string]any{
			"traffic_breach_at":  at,
			"notifications_sent": gorm.Expr("notifications_sent | ?", models.NotifiedTrafficWarning),
		})
	if res.Error != nil {
		return false, fmt.Errorf("mark traffic breach on subscription %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ClearTrafficBreach ends a breach episode once usage is back under quota.
func (r *SubscriptionRepository) ClearTrafficBreach(ctx context.Context, id uint) error {
	mask := models.NotifiedTrafficWarning | models.NotifiedTrafficDisabled
	err := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ? AND traffic_breach_at IS NOT NULL", id).
		Updates(map[string]any{
			"traffic_breach_at": nil,
			"notifications_sent": gorm.Expr(
				"notifications_sent - (notifications_sent & ?)", mask),
		}).Error
	if err != nil {
		return fmt.Errorf("clear traffic breach on subscription %d: %w", id, err)
	}
	return nil
}
