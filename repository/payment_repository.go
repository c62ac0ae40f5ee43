package repository

import (
	"context"
	"time"

	"fulfillment-service/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type PaymentRepository interface {
	Create(ctx context.Context, payment *models.Payment) error
	FindByOrderID(ctx context.Context, orderID uuid.UUID) (*models.Payment, error)
	FindByIntentID(ctx context.Context, intentID string) (*models.Payment, error)
	// Complete marks the payment COMPLETED and confirms its order in one
	// transaction. transitioned is false when the payment was already
	// completed or refunded, in which case nothing is written.
	Complete(ctx context.Context, intentID string, payload *string) (payment *models.Payment, transitioned bool, err error)
	// MarkFailed records a failure only while the payment is still PENDING.
	MarkFailed(ctx context.Context, intentID, reason string, payload *string) (bool, error)
	// ApplyRefund records a refund on a COMPLETED payment and moves the order
	// to REFUNDED.
	ApplyRefund(ctx context.Context, paymentID, orderID uuid.UUID, status models.PaymentStatus, refunded decimal.Decimal) error
}

type gormPaymentRepo struct {
	db *gorm.DB
}

func NewGormPaymentRepo(db *gorm.DB) PaymentRepository {
	return &gormPaymentRepo{db: db}
}

func (r *gormPaymentRepo) Create(ctx context.Context, payment *models.Payment) error {
	err := r.db.WithContext(ctx).Create(payment).Error
	if _, dup := uniqueViolation(err); dup {
		return ErrPaymentExists
	}
	return err
}

func (r *gormPaymentRepo) FindByOrderID(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&payment).Error; err != nil {
		return nil, notFound(err)
	}
	return &payment, nil
}

func (r *gormPaymentRepo) FindByIntentID(ctx context.Context, intentID string) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.WithContext(ctx).Where("payment_intent_id = ?", intentID).First(&payment).Error; err != nil {
		return nil, notFound(err)
	}
	return &payment, nil
}

func (r *gormPaymentRepo) Complete(ctx context.Context, intentID string, payload *string) (*models.Payment, bool, error) {
	var payment models.Payment
	transitioned := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("payment_intent_id = ?", intentID).First(&payment).Error; err != nil {
			return notFound(err)
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{
			"status":       models.PaymentStatusCompleted,
			"succeeded_at": now,
		}
		if payload != nil {
			updates["provider_payload"] = *payload
		}
		res := tx.Model(&models.Payment{}).
			Where("payment_intent_id = ? AND status IN ?", intentID,
				[]models.PaymentStatus{models.PaymentStatusPending, models.PaymentStatusFailed}).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		transitioned = true
		payment.Status = models.PaymentStatusCompleted
		payment.SucceededAt = &now

		if err := tx.Model(&models.Order{}).Where("id = ?", payment.OrderID).
			Updates(map[string]interface{}{
				"payment_status": models.PaymentStatusCompleted,
				"payment_id":     intentID,
			}).Error; err != nil {
			return err
		}
		return tx.Model(&models.Order{}).
			Where("id = ? AND status IN ?", payment.OrderID, models.TransitionSources(models.OrderStatusConfirmed)).
			Update("status", models.OrderStatusConfirmed).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &payment, transitioned, nil
}

func (r *gormPaymentRepo) MarkFailed(ctx context.Context, intentID, reason string, payload *string) (bool, error) {
	updates := map[string]interface{}{
		"status":         models.PaymentStatusFailed,
		"failure_reason": reason,
		"failed_at":      time.Now().UTC(),
	}
	if payload != nil {
		updates["provider_payload"] = *payload
	}

	var transitioned bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var payment models.Payment
		if err := tx.Where("payment_intent_id = ?", intentID).First(&payment).Error; err != nil {
			return notFound(err)
		}
		res := tx.Model(&models.Payment{}).
			Where("payment_intent_id = ? AND status = ?", intentID, models.PaymentStatusPending).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		transitioned = true
		return tx.Model(&models.Order{}).
			Where("id = ? AND payment_status = ?", payment.OrderID, models.PaymentStatusPending).
			Update("payment_status", models.PaymentStatusFailed).Error
	})
	return transitioned, err
}

func (r *gormPaymentRepo) ApplyRefund(ctx context.Context, paymentID, orderID uuid.UUID, status models.PaymentStatus, refunded decimal.Decimal) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Payment{}).
			Where("id = ? AND status = ?", paymentID, models.PaymentStatusCompleted).
			Updates(map[string]interface{}{
				"status":          status,
				"refunded_amount": refunded,
				"refunded_at":     time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrPaymentNotRefundable
		}
		return tx.Model(&models.Order{}).Where("id = ?", orderID).
			Updates(map[string]interface{}{
				"status":         models.OrderStatusRefunded,
				"payment_status": status,
			}).Error
	})
}
