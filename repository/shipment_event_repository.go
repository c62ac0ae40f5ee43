package repository

import (
	"context"

	"fulfillment-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ShipmentEventRepository appends to and reads the shipment history log.
type ShipmentEventRepository interface {
	Create(ctx context.Context, event *models.ShipmentEvent) error
	FindByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.ShipmentEvent, error)
}

type gormShipmentEventRepo struct {
	db *gorm.DB
}

func NewGormShipmentEventRepo(db *gorm.DB) ShipmentEventRepository {
	return &gormShipmentEventRepo{db: db}
}

func (r *gormShipmentEventRepo) Create(ctx context.Context, event *models.ShipmentEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *gormShipmentEventRepo) FindByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.ShipmentEvent, error) {
	var events []models.ShipmentEvent
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
