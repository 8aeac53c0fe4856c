// internal/repository/loan_repository.go
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/models"
)

const loanColumns = `id, user_id, principal, term_months, interest_rate, monthly_payment,
		remaining_balance, status, created_at, updated_at`

const scheduleColumns = `id, loan_id, installment_number, amount_due, principal_portion,
		interest_portion, penalty_amount, paid_amount, due_date, paid_at, status, created_at, updated_at`

func (q *queries) CreateLoan(ctx context.Context, loan *models.Loan) error {
	query := `
		INSERT INTO loans (` + loanColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := q.db.ExecContext(ctx, query,
		loan.ID,
		loan.UserID,
		loan.Principal,
		loan.TermMonths,
		loan.InterestRate,
		loan.MonthlyPayment,
		loan.RemainingBalance,
		loan.Status,
		loan.CreatedAt,
		loan.UpdatedAt,
	)
	return mapError(err, "failed to create loan")
}

func (q *queries) GetLoan(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE id = $1` + lockClause(forUpdate)

	loan := &models.Loan{}
	err := q.db.QueryRowContext(ctx, query, id).Scan(
		&loan.ID,
		&loan.UserID,
		&loan.Principal,
		&loan.TermMonths,
		&loan.InterestRate,
		&loan.MonthlyPayment,
		&loan.RemainingBalance,
		&loan.Status,
		&loan.CreatedAt,
		&loan.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err, "failed to get loan")
	}
	return loan, nil
}

func (q *queries) UpdateLoan(ctx context.Context, loan *models.Loan) error {
	query := `
		UPDATE loans
		SET remaining_balance = $1, status = $2, updated_at = $3
		WHERE id = $4
	`
	res, err := q.db.ExecContext(ctx, query, loan.RemainingBalance, loan.Status, loan.UpdatedAt, loan.ID)
	if err != nil {
		return mapError(err, "failed to update loan")
	}
	return expectOneRow(res, "failed to update loan")
}

func (q *queries) CreateSchedule(ctx context.Context, s *models.InstallmentSchedule) error {
	query := `
		INSERT INTO installment_schedules (` + scheduleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := q.db.ExecContext(ctx, query,
		s.ID,
		s.LoanID,
		s.InstallmentNumber,
		s.AmountDue,
		s.PrincipalPortion,
		s.InterestPortion,
		s.PenaltyAmount,
		s.PaidAmount,
		s.DueDate,
		nullTime(s.PaidAt),
		s.Status,
		s.CreatedAt,
		s.UpdatedAt,
	)
	return mapError(err, "failed to create schedule")
}

func (q *queries) GetSchedule(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.InstallmentSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM installment_schedules WHERE id = $1` + lockClause(forUpdate)

	s := &models.InstallmentSchedule{}
	var paidAt sql.NullTime
	err := q.db.QueryRowContext(ctx, query, id).Scan(
		&s.ID,
		&s.LoanID,
		&s.InstallmentNumber,
		&s.AmountDue,
		&s.PrincipalPortion,
		&s.InterestPortion,
		&s.PenaltyAmount,
		&s.PaidAmount,
		&s.DueDate,
		&paidAt,
		&s.Status,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err, "failed to get schedule")
	}
	s.PaidAt = timePtr(paidAt)
	return s, nil
}

func (q *queries) UpdateSchedule(ctx context.Context, s *models.InstallmentSchedule) error {
	query := `
		UPDATE installment_schedules
		SET penalty_amount = $1, paid_amount = $2, paid_at = $3, status = $4, updated_at = $5
		WHERE id = $6
	`
	res, err := q.db.ExecContext(ctx, query,
		s.PenaltyAmount,
		s.PaidAmount,
		nullTime(s.PaidAt),
		s.Status,
		s.UpdatedAt,
		s.ID,
	)
	if err != nil {
		return mapError(err, "failed to update schedule")
	}
	return expectOneRow(res, "failed to update schedule")
}

func (q *queries) ListUnpaidScheduleIDsDueBefore(ctx context.Context, before time.Time) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM installment_schedules
		WHERE status <> 'paid' AND due_date < $1
		ORDER BY due_date, id
	`
	rows, err := q.db.QueryContext(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue schedules: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan schedule id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
