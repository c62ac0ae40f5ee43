package repository_test

import (
	"context"
	"regexp"
	"testing"

	"fulfillment-service/models"
	"fulfillment-service/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paymentRows(id, orderID uuid.UUID, intentID string, status models.PaymentStatus) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "order_id", "payment_intent_id", "amount", "refunded_amount", "currency", "status"}).
		AddRow(id, orderID, intentID, "25.91", "0", "usd", status)
}

func TestPaymentCreate_DuplicateMapsToExists(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewGormPaymentRepo(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "payments"`)).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_payments_order_id"})
	mock.ExpectRollback()

	err := repo.Create(context.Background(), &models.Payment{
		OrderID:         uuid.New(),
		PaymentIntentID: "pi_1",
		Amount:          decimal.RequireFromString("25.91"),
		Currency:        "usd",
		Status:          models.PaymentStatusPending,
	})
	assert.ErrorIs(t, err, repository.ErrPaymentExists)
}

func TestPaymentComplete_ConfirmsOrder(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewGormPaymentRepo(gormDB)

	paymentID, orderID := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "payments"`)).
		WillReturnRows(paymentRows(paymentID, orderID, "pi_1", models.PaymentStatusPending))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "payments"`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "orders" SET "payment_id"=$1,"payment_status"=$2`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "orders" SET "status"=$1`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	payment, transitioned, err := repo.Complete(context.Background(), "pi_1", nil)
	require.NoError(t, err)
	assert.True(t, transitioned)
	assert.Equal(t, models.PaymentStatusCompleted, payment.Status)
	assert.Equal(t, orderID, payment.OrderID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentComplete_AlreadyCompletedIsNoop(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewGormPaymentRepo(gormDB)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "payments"`)).
		WillReturnRows(paymentRows(uuid.New(), uuid.New(), "pi_1", models.PaymentStatusCompleted))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "payments"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	_, transitioned, err := repo.Complete(context.Background(), "pi_1", nil)
	require.NoError(t, err)
	assert.False(t, transitioned)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentComplete_UnknownIntent(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewGormPaymentRepo(gormDB)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "payments"`)).
		WillReturnRows(sqlmock.NewRows([]string{}))
	mock.ExpectRollback()

	_, _, err := repo.Complete(context.Background(), "pi_missing", nil)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestPaymentMarkFailed_SkipsCompletedPayment(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewGormPaymentRepo(gormDB)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "payments"`)).
		WillReturnRows(paymentRows(uuid.New(), uuid.New(), "pi_1", models.PaymentStatusCompleted))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "payments"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	changed, err := repo.MarkFailed(context.Background(), "pi_1", "card declined", nil)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestPaymentApplyRefund_NotRefundable(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewGormPaymentRepo(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "payments"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.ApplyRefund(context.Background(), uuid.New(), uuid.New(),
		models.PaymentStatusRefunded, decimal.RequireFromString("25.91"))
	assert.ErrorIs(t, err, repository.ErrPaymentNotRefundable)
}

func TestPaymentApplyRefund_MovesOrderToRefunded(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewGormPaymentRepo(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "payments"`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "orders"`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.ApplyRefund(context.Background(), uuid.New(), uuid.New(),
		models.PaymentStatusPartiallyRefunded, decimal.RequireFromString("5.00"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCatalogFindByIDs_EmptySkipsQuery(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewGormCatalogRepo(gormDB)

	products, err := repo.FindByIDs(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, products)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestShipmentEventCreate(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewGormShipmentEventRepo(gormDB)

	orderID := uuid.New()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "shipment_events"`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.Create(context.Background(), &models.ShipmentEvent{
		OrderID: &orderID,
		Source:  models.ShipmentSourceWebhook,
		Event:   models.ShippingEventTrackUpdated,
		Status:  string(models.ShipmentStatusInTransit),
	})
	assert.NoError(t, err)
}
