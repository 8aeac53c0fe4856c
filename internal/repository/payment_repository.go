// internal/repository/payment_repository.go
package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/models"
)

const paymentColumns = `id, loan_id, schedule_id, user_id, amount, method, status,
		gateway_reference, gateway_ref_id, failure_reason, gateway_payload,
		created_at, updated_at, completed_at`

func (q *queries) CreatePayment(ctx context.Context, payment *models.PaymentAttempt) error {
	query := `
		INSERT INTO payment_attempts (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := q.db.ExecContext(ctx, query,
		payment.ID,
		payment.LoanID,
		nullUUID(payment.ScheduleID),
		payment.UserID,
		payment.Amount,
		payment.Method,
		payment.Status,
		nullString(payment.GatewayReference),
		nullString(payment.GatewayRefID),
		nullString(payment.FailureReason),
		nullJSON(payment.GatewayPayload),
		payment.CreatedAt,
		payment.UpdatedAt,
		nullTime(payment.CompletedAt),
	)
	return mapError(err, "failed to create payment")
}

func (q *queries) GetPayment(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.PaymentAttempt, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_attempts WHERE id = $1` + lockClause(forUpdate)
	return scanPayment(q.db.QueryRowContext(ctx, query, id))
}

func (q *queries) GetPaymentByReference(ctx context.Context, reference string) (*models.PaymentAttempt, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_attempts WHERE gateway_reference = $1`
	return scanPayment(q.db.QueryRowContext(ctx, query, reference))
}

func (q *queries) UpdatePayment(ctx context.Context, payment *models.PaymentAttempt) error {
	query := `
		UPDATE payment_attempts
		SET status = $1, gateway_reference = $2, gateway_ref_id = $3, failure_reason = $4,
		    gateway_payload = $5, updated_at = $6, completed_at = $7
		WHERE id = $8
	`
	res, err := q.db.ExecContext(ctx, query,
		payment.Status,
		nullString(payment.GatewayReference),
		nullString(payment.GatewayRefID),
		nullString(payment.FailureReason),
		nullJSON(payment.GatewayPayload),
		payment.UpdatedAt,
		nullTime(payment.CompletedAt),
		payment.ID,
	)
	if err != nil {
		return mapError(err, "failed to update payment")
	}
	return expectOneRow(res, "failed to update payment")
}

func scanPayment(row *sql.Row) (*models.PaymentAttempt, error) {
	payment := &models.PaymentAttempt{}
	var (
		scheduleID                uuid.NullUUID
		reference, refID, failure sql.NullString
		payload                   []byte
		completedAt               sql.NullTime
	)
	err := row.Scan(
		&payment.ID,
		&payment.LoanID,
		&scheduleID,
		&payment.UserID,
		&payment.Amount,
		&payment.Method,
		&payment.Status,
		&reference,
		&refID,
		&failure,
		&payload,
		&payment.CreatedAt,
		&payment.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, mapError(err, "failed to get payment")
	}

	payment.ScheduleID = uuidPtr(scheduleID)
	payment.GatewayReference = reference.String
	payment.GatewayRefID = refID.String
	payment.FailureReason = failure.String
	payment.GatewayPayload = payload
	payment.CompletedAt = timePtr(completedAt)
	return payment, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullJSON passes JSON as text; lib/pq would send a []byte as bytea.
func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
