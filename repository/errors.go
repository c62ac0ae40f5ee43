package repository

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	ErrNotFound                = errors.New("record not found")
	ErrDuplicateOrderNumber    = errors.New("order number already exists")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
	ErrPaymentExists           = errors.New("payment already exists for order")
	ErrPaymentNotRefundable    = errors.New("payment is not in a refundable state")
	ErrInvalidQuantity         = errors.New("order item quantity must be positive")
)

// StockError reports a product that failed the in-transaction stock check.
type StockError struct {
	ProductID   uuid.UUID
	ProductName string
	Available   int
	Requested   int
	Inactive    bool
}

func (e *StockError) Error() string {
	name := e.ProductName
	if name == "" {
		name = e.ProductID.String()
	}
	if e.Inactive {
		return fmt.Sprintf("product %s is not available", name)
	}
	return fmt.Sprintf("insufficient stock for %s: requested %d, only %d available", name, e.Requested, e.Available)
}

const pgUniqueViolation = "23505"

// uniqueViolation returns the violated constraint name for a unique key error.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return pgErr.ConstraintName, true
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return "", true
	}
	return "", false
}

func constraintMentions(constraint, column string) bool {
	return strings.Contains(constraint, column)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
