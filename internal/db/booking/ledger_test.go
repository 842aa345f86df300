package bookingdb

import (
	"context"
	"errors"
	"testing"

	"tripbook/internal/booking"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestPaymentLedger_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS payment_attempts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	if _, err := NewPaymentLedgerWithSchema(context.Background(), db); err != nil {
		t.Fatalf("WithSchema: %v", err)
	}
}

func TestPaymentLedger_RegisterNewKey(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO payment_attempts").
		WithArgs("saga-1:capture:1", "saga-1", int64(100000), "USD", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	ledger := NewPaymentLedger(db)
	if err := ledger.Register(context.Background(), "saga-1", "saga-1:capture:1", 100000, "USD"); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestPaymentLedger_RegisterReplaySameAmount(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO payment_attempts").
		WithArgs("saga-1:capture:1", "saga-1", int64(100000), "USD", "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT saga_id, amount, currency").
		WithArgs("saga-1:capture:1").
		WillReturnRows(sqlmock.NewRows([]string{"saga_id", "amount", "currency"}).AddRow("saga-1", int64(100000), "USD"))
	mock.ExpectClose()

	ledger := NewPaymentLedger(db)
	if err := ledger.Register(context.Background(), "saga-1", "saga-1:capture:1", 100000, "USD"); err != nil {
		t.Fatalf("replay must succeed: %v", err)
	}
}

func TestPaymentLedger_RegisterConflict(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO payment_attempts").
		WithArgs("saga-1:capture:1", "saga-1", int64(120000), "USD", "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT saga_id, amount, currency").
		WithArgs("saga-1:capture:1").
		WillReturnRows(sqlmock.NewRows([]string{"saga_id", "amount", "currency"}).AddRow("saga-1", int64(100000), "USD"))
	mock.ExpectClose()

	ledger := NewPaymentLedger(db)
	err := ledger.Register(context.Background(), "saga-1", "saga-1:capture:1", 120000, "USD")
	if !errors.Is(err, booking.ErrIdempotencyConflict) {
		t.Fatalf("expected idempotency conflict, got %v", err)
	}
}

func TestPaymentLedger_RegisterRowsAffectedError(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO payment_attempts").
		WithArgs("k", "saga-1", int64(1), "USD", "pending").
		WillReturnResult(sqlmock.NewErrorResult(errors.New("rows affected boom")))
	mock.ExpectClose()

	ledger := NewPaymentLedger(db)
	if err := ledger.Register(context.Background(), "saga-1", "k", 1, "USD"); err == nil {
		t.Fatalf("expected rows affected error")
	}
}

func TestPaymentLedger_Settle(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE payment_attempts").
		WithArgs("saga-1:capture:1", "succeeded", "pay_0001").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE payment_attempts").
		WithArgs("unknown", "failed", "").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	ledger := NewPaymentLedger(db)
	if err := ledger.Settle(context.Background(), "saga-1:capture:1", booking.OutcomeSucceeded, "pay_0001"); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if err := ledger.Settle(context.Background(), "unknown", booking.OutcomeFailed, ""); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected not registered, got %v", err)
	}
}
