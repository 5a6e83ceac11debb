package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/seedream-bot/internal/models"
)

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	const query = `
INSERT INTO payments (user_id, provider, ext_payment_id, currency, rub_amount, credits, status, confirmation_url, raw_payload)
VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, NULLIF(?, ''), ?)`
	res, err := r.db.ExecContext(ctx, query, payment.UserID, payment.Provider, payment.ExtPaymentID, payment.Currency, payment.RubAmount, payment.Credits, payment.Status, payment.ConfirmationURL, payment.RawPayload)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	payment.ID = id
	return nil
}

func (r *PaymentRepository) SetExternalID(ctx context.Context, paymentID int64, extID, confirmationURL string) error {
	const query = `UPDATE payments SET ext_payment_id = ?, confirmation_url = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, extID, confirmationURL, paymentID); err != nil {
		return fmt.Errorf("set payment external id: %w", err)
	}
	return nil
}

func (r *PaymentRepository) UpdateStatus(ctx context.Context, paymentID int64, status, payload string) error {
	const query = `UPDATE payments SET status = ?, raw_payload = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, status, payload, paymentID); err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	return nil
}

func (r *PaymentRepository) FindByExternalID(ctx context.Context, provider, extID string) (*models.Payment, error) {
	const query = `
SELECT id, user_id, provider, COALESCE(ext_payment_id, ''), currency, rub_amount, credits, status, COALESCE(confirmation_url, ''), COALESCE(raw_payload, ''), created_at, COALESCE(updated_at, created_at)
FROM payments WHERE provider = ? AND ext_payment_id = ? LIMIT 1`
	row := r.db.QueryRowContext(ctx, query, provider, extID)
	var p models.Payment
	if err := row.Scan(&p.ID, &p.UserID, &p.Provider, &p.ExtPaymentID, &p.Currency, &p.RubAmount, &p.Credits, &p.Status, &p.ConfirmationURL, &p.RawPayload, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	return &p, nil
}
