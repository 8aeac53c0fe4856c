// internal/models/loan.go
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LoanStatus string

const (
	LoanStatusPending    LoanStatus = "pending"
	LoanStatusApproved   LoanStatus = "approved"
	LoanStatusRejected   LoanStatus = "rejected"
	LoanStatusActive     LoanStatus = "active"
	LoanStatusDelinquent LoanStatus = "delinquent"
	LoanStatusPaid       LoanStatus = "paid"
)

// Loan is an approved credit line repaid through its installment schedule.
// Amounts are whole units of the deployment currency.
type Loan struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	UserID           uuid.UUID       `json:"user_id" db:"user_id"`
	Principal        int64           `json:"principal" db:"principal"`
	TermMonths       int             `json:"term_months" db:"term_months"`
	InterestRate     decimal.Decimal `json:"interest_rate" db:"interest_rate"`
	MonthlyPayment   int64           `json:"monthly_payment" db:"monthly_payment"`
	RemainingBalance int64           `json:"remaining_balance" db:"remaining_balance"`
	Status           LoanStatus      `json:"status" db:"status"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// AcceptsPayments reports whether installments of the loan can be paid.
func (l *Loan) AcceptsPayments() bool {
	return l.Status == LoanStatusActive || l.Status == LoanStatusDelinquent
}

// ApplyPayment decrements the remaining balance, floored at zero, and moves a
// repayable loan to paid once nothing is left. It returns true when the loan
// transitioned to paid.
func (l *Loan) ApplyPayment(amount int64, now time.Time) bool {
	l.RemainingBalance -= amount
	if l.RemainingBalance < 0 {
		l.RemainingBalance = 0
	}
	l.UpdatedAt = now

	if l.RemainingBalance == 0 && l.AcceptsPayments() {
		l.Status = LoanStatusPaid
		return true
	}
	return false
}
