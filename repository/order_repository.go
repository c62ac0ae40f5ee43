package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"

	"fulfillment-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ShipmentKey selects the orders a shipment update applies to.
type ShipmentKey struct {
	Column string
	Value  interface{}
}

func ByOrderID(id uuid.UUID) ShipmentKey          { return ShipmentKey{Column: "id", Value: id} }
func ByShipmentID(id string) ShipmentKey          { return ShipmentKey{Column: "shipment_id", Value: id} }
func ByTrackingNumber(number string) ShipmentKey { return ShipmentKey{Column: "tracking_number", Value: number} }

// OrderRepository defines data-access operations for orders.
type OrderRepository interface {
	// PlaceOrder inserts the order and its items, decrements stock and clears
	// the user's cart in one transaction.
	PlaceOrder(ctx context.Context, order *models.Order, clearCartFor *uuid.UUID) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	FindByUserID(ctx context.Context, userID uuid.UUID, page, limit int) ([]models.Order, int64, error)
	FindAll(ctx context.Context, status models.OrderStatus, page, limit int) ([]models.Order, int64, error)
	FindByTrackingNumber(ctx context.Context, trackingNumber string) ([]models.Order, error)
	FindByShipmentAndTracking(ctx context.Context, shipmentID, trackingNumber string) (*models.Order, error)
	FindByShipmentReference(ctx context.Context, objectID, rateID string, orderID *uuid.UUID) (*models.Order, error)
	// TransitionStatus moves the order to status only from one of its allowed
	// source statuses. It reports whether a row changed.
	TransitionStatus(ctx context.Context, id uuid.UUID, status models.OrderStatus) (bool, error)
	SetStatus(ctx context.Context, id uuid.UUID, status models.OrderStatus) error
	// ApplyShipment writes purchased label fields and advances the order to
	// PROCESSING when it is CONFIRMED or PROCESSING, in a single statement.
	ApplyShipment(ctx context.Context, id uuid.UUID, fields map[string]interface{}) error
	// FillShipmentFields sets each fill column only where it is still NULL and
	// applies sets as given. It reports how many orders matched.
	FillShipmentFields(ctx context.Context, key ShipmentKey, fills, sets map[string]interface{}) (int64, error)
	UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]interface{}) error
	// SetShipmentStatus writes status and fields unless the stored shipment
	// status already equals status or is final. force skips that condition.
	// It reports whether a row changed.
	SetShipmentStatus(ctx context.Context, id uuid.UUID, status models.ShipmentStatus, fields map[string]interface{}, force bool) (bool, error)
}

// GormOrderRepository implements OrderRepository using GORM.
type GormOrderRepository struct {
	db *gorm.DB
}

func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

func (r *GormOrderRepository) PlaceOrder(ctx context.Context, order *models.Order, clearCartFor *uuid.UUID) error {
	for _, item := range order.Items {
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: %d of %s", ErrInvalidQuantity, item.Quantity, item.ProductID)
		}
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(order).Error; err != nil {
			return err
		}

		// Lock products in a stable order so concurrent checkouts cannot deadlock.
		items := make([]*models.OrderItem, len(order.Items))
		for i := range order.Items {
			order.Items[i].OrderID = order.ID
			items[i] = &order.Items[i]
		}
		slices.SortFunc(items, func(a, b *models.OrderItem) int {
			return bytes.Compare(a.ProductID[:], b.ProductID[:])
		})

		for _, item := range items {
			res := tx.Model(&models.Product{}).
				Where("id = ? AND is_active = ? AND stock >= ? AND ? > 0", item.ProductID, true, item.Quantity, item.Quantity).
				Updates(map[string]interface{}{
					"stock": gorm.Expr("stock - ?", item.Quantity),
					"sales": gorm.Expr("sales + ?", item.Quantity),
				})
			if res.Error != nil {
				return fmt.Errorf("decrement stock for %s: %w", item.ProductID, res.Error)
			}
			if res.RowsAffected == 0 {
				return stockError(tx, item)
			}
		}

		if len(order.Items) > 0 {
			if err := tx.Create(&order.Items).Error; err != nil {
				return err
			}
		}

		if clearCartFor != nil {
			if err := tx.Where("user_id = ?", *clearCartFor).Delete(&models.CartItem{}).Error; err != nil {
				return fmt.Errorf("clear cart: %w", err)
			}
		}
		return nil
	})

	if constraint, dup := uniqueViolation(err); dup {
		switch {
		case constraintMentions(constraint, "idempotency_key"):
			return ErrDuplicateIdempotencyKey
		case constraint == "" || constraintMentions(constraint, "order_number"):
			return ErrDuplicateOrderNumber
		}
	}
	return err
}

// stockError re-reads the product inside the failed transaction to describe
// why the conditional decrement matched nothing.
func stockError(tx *gorm.DB, item *models.OrderItem) error {
	var p models.Product
	err := tx.Select("id", "name", "stock", "is_active").First(&p, "id = ?", item.ProductID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &StockError{ProductID: item.ProductID, ProductName: item.ProductName, Requested: item.Quantity, Inactive: true}
	}
	if err != nil {
		return err
	}
	return &StockError{
		ProductID:   p.ID,
		ProductName: p.Name,
		Available:   p.Stock,
		Requested:   item.Quantity,
		Inactive:    !p.IsActive,
	}
}

func (r *GormOrderRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var o models.Order
	if err := r.db.WithContext(ctx).Preload("Items").First(&o, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (r *GormOrderRepository) FindByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var o models.Order
	if err := r.db.WithContext(ctx).Preload("Items").Where("idempotency_key = ?", key).First(&o).Error; err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (r *GormOrderRepository) FindByUserID(ctx context.Context, userID uuid.UUID, page, limit int) ([]models.Order, int64, error) {
	return r.paginate(r.db.WithContext(ctx).Model(&models.Order{}).Where("user_id = ?", userID), page, limit)
}

func (r *GormOrderRepository) FindAll(ctx context.Context, status models.OrderStatus, page, limit int) ([]models.Order, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Order{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	return r.paginate(query, page, limit)
}

func (r *GormOrderRepository) paginate(query *gorm.DB, page, limit int) ([]models.Order, int64, error) {
	query = query.Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var orders []models.Order
	offset := (page - 1) * limit
	if err := query.
		Preload("Items").
		Order("created_at DESC").
		Offset(offset).Limit(limit).
		Find(&orders).Error; err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

func (r *GormOrderRepository) FindByTrackingNumber(ctx context.Context, trackingNumber string) ([]models.Order, error) {
	var orders []models.Order
	if err := r.db.WithContext(ctx).
		Where("tracking_number = ?", trackingNumber).
		Order("created_at DESC").
		Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *GormOrderRepository) FindByShipmentAndTracking(ctx context.Context, shipmentID, trackingNumber string) (*models.Order, error) {
	var o models.Order
	if err := r.db.WithContext(ctx).
		Where("shipment_id = ? AND tracking_number = ?", shipmentID, trackingNumber).
		Take(&o).Error; err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

// FindByShipmentReference matches an order whose shipment id is the event's
// object id or rate id, whose stored rate is the event's rate, or whose id was
// carried in the transaction metadata. Exact object id matches win.
func (r *GormOrderRepository) FindByShipmentReference(ctx context.Context, objectID, rateID string, orderID *uuid.UUID) (*models.Order, error) {
	query := r.db.WithContext(ctx).Where("shipment_id = ?", objectID)
	if rateID != "" {
		query = query.Or("shipment_id = ?", rateID).Or("shipping_rate_id = ?", rateID)
	}
	if orderID != nil {
		query = query.Or("id = ?", *orderID)
	}

	var o models.Order
	err := query.
		Order(clause.OrderBy{Expression: clause.Expr{SQL: "CASE WHEN shipment_id = ? THEN 0 ELSE 1 END", Vars: []interface{}{objectID}}}).
		Take(&o).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (r *GormOrderRepository) TransitionStatus(ctx context.Context, id uuid.UUID, status models.OrderStatus) (bool, error) {
	from := models.TransitionSources(status)
	if len(from) == 0 {
		return false, fmt.Errorf("no automatic transition into %s", status)
	}
	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", status)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *GormOrderRepository) SetStatus(ctx context.Context, id uuid.UUID, status models.OrderStatus) error {
	res := r.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormOrderRepository) ApplyShipment(ctx context.Context, id uuid.UUID, fields map[string]interface{}) error {
	updates := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		updates[k] = v
	}
	updates["status"] = AdvanceToProcessing()

	res := r.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormOrderRepository) FillShipmentFields(ctx context.Context, key ShipmentKey, fills, sets map[string]interface{}) (int64, error) {
	switch key.Column {
	case "id", "shipment_id", "tracking_number":
	default:
		return 0, fmt.Errorf("unsupported shipment key %q", key.Column)
	}

	updates := make(map[string]interface{}, len(fills)+len(sets))
	for col, v := range fills {
		updates[col] = KeepExisting(col, v)
	}
	for col, v := range sets {
		updates[col] = v
	}
	if len(updates) == 0 {
		return 0, nil
	}

	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where(clause.Eq{Column: clause.Column{Name: key.Column}, Value: key.Value}).
		Updates(updates)
	return res.RowsAffected, res.Error
}

func (r *GormOrderRepository) UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormOrderRepository) SetShipmentStatus(ctx context.Context, id uuid.UUID, status models.ShipmentStatus, fields map[string]interface{}, force bool) (bool, error) {
	updates := map[string]interface{}{"shipment_status": status}
	for k, v := range fields {
		updates[k] = v
	}

	q := r.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", id)
	if !force {
		q = q.Where("shipment_status IS NULL OR (shipment_status <> ? AND shipment_status NOT IN ?)",
			status, []models.ShipmentStatus{models.ShipmentStatusDelivered, models.ShipmentStatusReturned})
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 && force {
		return false, ErrNotFound
	}
	return res.RowsAffected > 0, nil
}

// AdvanceToProcessing is a status assignment that keeps the status
// monotonic: only CONFIRMED or PROCESSING orders move to PROCESSING.
func AdvanceToProcessing() clause.Expr {
	return gorm.Expr("CASE WHEN status IN ? THEN ? ELSE status END",
		models.TransitionSources(models.OrderStatusProcessing), models.OrderStatusProcessing)
}

// KeepExisting assigns v to col only while col is NULL.
func KeepExisting(col string, v interface{}) clause.Expr {
	return gorm.Expr("COALESCE("+col+", ?)", v)
}

// AdoptShipmentID replaces a missing shipment id, or one that was only the
// placeholder rate id, with the provider's transaction id.
func AdoptShipmentID(objectID, rateID string) clause.Expr {
	return gorm.Expr("CASE WHEN shipment_id IS NULL OR shipment_id = ? THEN ? ELSE shipment_id END", rateID, objectID)
}
