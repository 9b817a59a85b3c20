package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/apperrors"
	"storefront/models"
)

func newMockStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewMySQLStore(db), mock
}

var courierCols = []string{"id", "name", "phone", "active", "active_orders", "created_at", "updated_at"}

func TestMySQLRedeemPromoCodeIsConditional(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE promo_codes SET used_count = used_count \+ 1 WHERE id = \? AND active = 1 AND \(max_uses IS NULL OR used_count < max_uses\)`).
		WithArgs(int64(3), at, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE promo_codes SET used_count = used_count \+ 1`).
		WithArgs(int64(3), at, at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	var first, second bool
	err := store.WithTx(context.Background(), func(tx Tx) (err error) {
		if first, err = tx.RedeemPromoCode(context.Background(), 3, at); err != nil {
			return err
		}
		second, err = tx.RedeemPromoCode(context.Background(), 3, at)
		return err
	})
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLAcquireAndReleaseCourier(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE couriers SET active_orders = active_orders \+ 1 WHERE id = \? AND active = 1 AND active_orders < \?`).
		WithArgs(int64(5), 1).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE couriers SET active_orders = active_orders - 1 WHERE id = \? AND active_orders > 0`).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithTx(context.Background(), func(tx Tx) error {
		ok, err := tx.AcquireCourier(context.Background(), 5, 1)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = tx.ReleaseCourier(context.Background(), 5)
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLTransitionOrderGuardsStatus(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	courier := int64(9)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE orders SET status = \?, courier_id = \?, last_courier_id = \?, updated_at = \? WHERE id = \? AND status = \?`).
		WithArgs(models.StatusDelivered, nil, courier, at, int64(1), models.StatusInDelivery).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := store.WithTx(context.Background(), func(tx Tx) error {
		ok, err := tx.TransitionOrder(context.Background(), models.OrderTransition{
			OrderID:       1,
			From:          models.StatusInDelivery,
			To:            models.StatusDelivered,
			LastCourierID: &courier,
			At:            at,
		})
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLRollbackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE couriers SET active_orders`).
		WillReturnError(&mysql.MySQLError{Number: errDeadlock, Message: "Deadlock found"})
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(tx Tx) error {
		_, err := tx.AcquireCourier(context.Background(), 1, 1)
		return err
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLDuplicatePromoCode(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO promo_codes`).
		WillReturnError(&mysql.MySQLError{Number: errDuplicateEntry, Message: "Duplicate entry 'SAVE10'"})
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(tx Tx) error {
		return tx.CreatePromoCode(context.Background(), &models.PromoCode{Code: "SAVE10", Kind: models.KindFixed, Active: true})
	})
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))
	assert.Contains(t, err.Error(), "SAVE10")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLGetCourierNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, name, phone, active, active_orders, created_at, updated_at FROM couriers WHERE id = \?`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(courierCols))
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(tx Tx) error {
		_, err := tx.GetCourier(context.Background(), 42)
		return err
	})
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLDeactivateBusyCourier(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM couriers WHERE id = \?`).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows(courierCols).AddRow(2, "Dana", "", true, 1, now, now))
	mock.ExpectExec(`UPDATE couriers SET active = 0 WHERE id = \? AND active_orders = 0`).
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := store.WithTx(context.Background(), func(tx Tx) error {
		ok, err := tx.SetCourierActive(context.Background(), 2, false)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTranslate(t *testing.T) {
	assert.NoError(t, translate("op", nil))

	err := translate("op", &mysql.MySQLError{Number: errLockWait})
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))

	err = translate("op", &mysql.MySQLError{Number: errOutOfRange})
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))

	plain := errors.New("connection reset")
	err = translate("op", plain)
	assert.ErrorIs(t, err, plain)
	assert.Equal(t, apperrors.KindInternal, apperrors.KindOf(err))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}
