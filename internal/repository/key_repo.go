package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"vpnshop/internal/models"
)

// ErrKeyExists is returned when a subscription already has a key on the server.
var ErrKeyExists = errors.New("key already exists")

type KeyRepository struct {
	db *gorm.DB
}

func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

func (r *KeyRepository) Create(ctx context.Context, k *models.Key) error {
	if err := r.db.WithContext(ctx).Create(k).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrKeyExists
		}
		return fmt.Errorf("create key for subscription %d on server %d: %w", k.SubscriptionID, k.ServerID, err)
	}
	return nil
}

func (r *KeyRepository) ListBySubscription(ctx context.Context, subscriptionID uint) ([]models.Key, error) {
	var keys []models.Key
	if err := r.db.WithContext(ctx).Where("subscription_id = ?", subscriptionID).Order("id").Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("list keys of subscription %d: %w", subscriptionID, err)
	}
	return keys, nil
}

func (r *KeyRepository) Delete(ctx context.Context, id uint) error {
	if err := r.db.WithContext(ctx).Delete(&models.Key{}, id).Error; err != nil {
		return fmt.Errorf("delete key %d: %w", id, err)
	}
	return nil
}

// UpdateUsage stores the cumulative byte counter reported by the server.
func (r *KeyRepository) UpdateUsage(ctx context.Context, id uint, bytes int64) error {
	err := r.db.WithContext(ctx).Model(&models.Key{}).Where("id = ?", id).
		Update("traffic_usage_bytes", bytes).Error
	if err != nil {
		return fmt.Errorf("update usage of key %d: %w", id, err)
	}
	return nil
}

// ListOfInactiveSubscriptions returns keys that still belong to deactivated subscriptions.
func (r *KeyRepository) ListOfInactiveSubscriptions(ctx context.Context, limit int) ([]models.Key, error) {
	var keys []models.Key
	err := r.db.WithContext(ctx).
		Joins("JOIN subscriptions ON subscriptions.id = keys.subscription_id").
		Where("subscriptions.is_active = ?", false).
		Order("keys.id").
		Limit(limit).
		Find(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("list keys of inactive subscriptions: %w", err)
	}
	return keys, nil
}
