package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"vpnshop/internal/models"
)

type TariffRepository struct {
	db *gorm.DB
}

func NewTariffRepository(db *gorm.DB) *TariffRepository {
	return &TariffRepository{db: db}
}

func (r *TariffRepository) GetByID(ctx context.Context, id uint) (*models.Tariff, error) {
	var t models.Tariff
	if err := r.db.WithContext(ctx).First(&t, id).Error; err != nil {
		return nil, fmt.Errorf("get tariff %d: %w", id, notFound(err))
	}
	return &t, nil
}
