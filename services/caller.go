package services

import (
	"github.com/google/uuid"

	"fulfillment-service/models"
)

// Caller identifies who is invoking an operation. A nil UserID is a guest.
type Caller struct {
	UserID  *uuid.UUID
	IsAdmin bool
}

// CanAccess reports whether the caller may read or act on order. Guest
// orders are reachable by id only from guest sessions; a signed-in account
// never sees another checkout's guest order.
func (c Caller) CanAccess(order *models.Order) bool {
	if c.IsAdmin {
		return true
	}
	if order.UserID == nil {
		return c.UserID == nil
	}
	return c.UserID != nil && *c.UserID == *order.UserID
}

// Actor is the audit label of the caller.
func (c Caller) Actor() string {
	if c.UserID == nil {
		return "guest"
	}
	return c.UserID.String()
}
