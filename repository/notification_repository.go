package repository

import (
	"context"

	"fulfillment-service/models"

	"gorm.io/gorm"
)

type NotificationRepository interface {
	Create(ctx context.Context, n *models.Notification) error
}

type gormNotificationRepo struct {
	db *gorm.DB
}

func NewGormNotificationRepo(db *gorm.DB) NotificationRepository {
	return &gormNotificationRepo{db: db}
}

func (r *gormNotificationRepo) Create(ctx context.Context, n *models.Notification) error {
	return r.db.WithContext(ctx).Create(n).Error
}

type AuditRepository interface {
	Create(ctx context.Context, entry *models.AuditLog) error
}

type gormAuditRepo struct {
	db *gorm.DB
}

func NewGormAuditRepo(db *gorm.DB) AuditRepository {
	return &gormAuditRepo{db: db}
}

func (r *gormAuditRepo) Create(ctx context.Context, entry *models.AuditLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}
