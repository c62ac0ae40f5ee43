package repository

import (
	"context"

	"fulfillment-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CatalogRepository reads product stock and price.
type CatalogRepository interface {
	FindByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Product, error)
}

// CartRepository reads the persisted cart of a user.
type CartRepository interface {
	FindByUserID(ctx context.Context, userID uuid.UUID) ([]models.CartItem, error)
}

type gormCatalogRepo struct {
	db *gorm.DB
}

func NewGormCatalogRepo(db *gorm.DB) CatalogRepository {
	return &gormCatalogRepo{db: db}
}

func (r *gormCatalogRepo) FindByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var products []models.Product
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}

type gormCartRepo struct {
	db *gorm.DB
}

func NewGormCartRepo(db *gorm.DB) CartRepository {
	return &gormCartRepo{db: db}
}

func (r *gormCartRepo) FindByUserID(ctx context.Context, userID uuid.UUID) ([]models.CartItem, error) {
	var items []models.CartItem
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
