package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"vpnshop/internal/models"
)

type ServerRepository struct {
	db *gorm.DB
}

func NewServerRepository(db *gorm.DB) *ServerRepository {
	return &ServerRepository{db: db}
}

func (r *ServerRepository) GetByID(ctx context.Context, id uint) (*models.Server, error) {
	var s models.Server
	if err := r.db.WithContext(ctx).First(&s, id).Error; err != nil {
		return nil, fmt.Errorf("get server %d: %w", id, notFound(err))
	}
	return &s, nil
}

// ListActiveByKind returns active servers speaking the given protocol.
func (r *ServerRepository) ListActiveByKind(ctx context.Context, kind string) ([]models.Server, error) {
	var servers []models.Server
	err := r.db.WithContext(ctx).
		Where("kind = ? AND is_active = ?", kind, true).
		Order("id").
		Find(&servers).Error
	if err != nil {
		return nil, fmt.Errorf("list %s servers: %w", kind, err)
	}
	return servers, nil
}
