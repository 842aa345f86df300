package bookingdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tripbook/internal/booking"
)

// PaymentLedger records every idempotency key before money moves, so a key
// can never be reused for a different amount.
type PaymentLedger struct {
	db *sql.DB
}

// NewPaymentLedger constructs a ledger backed by Postgres.
func NewPaymentLedger(db *sql.DB) *PaymentLedger {
	return &PaymentLedger{db: db}
}

// NewPaymentLedgerWithSchema initializes the schema then returns the ledger.
func NewPaymentLedgerWithSchema(ctx context.Context, db *sql.DB) (*PaymentLedger, error) {
	ledger := NewPaymentLedger(db)
	if err := ledger.InitSchema(ctx); err != nil {
		return nil, err
	}
	return ledger, nil
}

// InitSchema creates the payment_attempts table if it does not exist.
func (l *PaymentLedger) InitSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payment_attempts (
			idempotency_key TEXT PRIMARY KEY,
			saga_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			outcome TEXT NOT NULL,
			gateway_reference TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			settled_at TIMESTAMPTZ
		)
	`)
	return err
}

// ErrNotRegistered signals a settle for a key that was never registered.
var ErrNotRegistered = errors.New("payment key not registered")

func (l *PaymentLedger) Register(ctx context.Context, sagaID, key string, amount int64, currency string) error {
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO payment_attempts (idempotency_key, saga_id, amount, currency, outcome)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		key, sagaID, amount, currency, string(booking.OutcomePending),
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var existingSaga, existingCurrency string
	var existingAmount int64
	row := l.db.QueryRowContext(ctx, `
		SELECT saga_id, amount, currency
		FROM payment_attempts
		WHERE idempotency_key = $1`,
		key,
	)
	if err := row.Scan(&existingSaga, &existingAmount, &existingCurrency); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("payment key %s not found after insert", key)
		}
		return err
	}
	if existingSaga != sagaID || existingAmount != amount || existingCurrency != currency {
		return fmt.Errorf("%w: %s registered for %s %s", booking.ErrIdempotencyConflict, key, booking.FormatAmount(existingAmount), existingCurrency)
	}
	return nil
}

func (l *PaymentLedger) Settle(ctx context.Context, key string, outcome booking.PaymentOutcome, gatewayRef string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE payment_attempts
		SET outcome = $2, gateway_reference = NULLIF($3, ''), settled_at = NOW()
		WHERE idempotency_key = $1`,
		key, string(outcome), gatewayRef,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotRegistered, key)
	}
	return nil
}
