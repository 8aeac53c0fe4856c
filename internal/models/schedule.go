// internal/models/schedule.go
package models

import (
	"time"

	"github.com/google/uuid"
)

type ScheduleStatus string

const (
	ScheduleStatusPending ScheduleStatus = "pending"
	ScheduleStatusPartial ScheduleStatus = "partial"
	ScheduleStatusPaid    ScheduleStatus = "paid"
	ScheduleStatusOverdue ScheduleStatus = "overdue"
)

// InstallmentSchedule is one periodic due amount of a loan.
// PenaltyAmount and PaidAmount never decrease.
type InstallmentSchedule struct {
	ID                uuid.UUID      `json:"id" db:"id"`
	LoanID            uuid.UUID      `json:"loan_id" db:"loan_id"`
	InstallmentNumber int            `json:"installment_number" db:"installment_number"`
	AmountDue         int64          `json:"amount_due" db:"amount_due"`
	PrincipalPortion  int64          `json:"principal_portion" db:"principal_portion"`
	InterestPortion   int64          `json:"interest_portion" db:"interest_portion"`
	PenaltyAmount     int64          `json:"penalty_amount" db:"penalty_amount"`
	PaidAmount        int64          `json:"paid_amount" db:"paid_amount"`
	DueDate           time.Time      `json:"due_date" db:"due_date"`
	PaidAt            *time.Time     `json:"paid_at,omitempty" db:"paid_at"`
	Status            ScheduleStatus `json:"status" db:"status"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at" db:"updated_at"`
}

// ScheduleStatusFor derives the status of an installment from what has been
// paid against what is due.
func ScheduleStatusFor(paidAmount, amountDue int64, dueDate, now time.Time) ScheduleStatus {
	switch {
	case paidAmount >= amountDue:
		return ScheduleStatusPaid
	case paidAmount > 0:
		return ScheduleStatusPartial
	case now.After(dueDate):
		return ScheduleStatusOverdue
	default:
		return ScheduleStatusPending
	}
}

// Outstanding is what is still owed on the installment, penalty included.
func (s *InstallmentSchedule) Outstanding() int64 {
	rest := s.AmountDue + s.PenaltyAmount - s.PaidAmount
	if rest < 0 {
		return 0
	}
	return rest
}

// ApplyPayment records a settled amount against the installment and returns
// the part of it that covered amount_due. Anything beyond that pays penalty.
func (s *InstallmentSchedule) ApplyPayment(amount int64, now time.Time) int64 {
	dueShare := s.AmountDue - s.PaidAmount
	if dueShare < 0 {
		dueShare = 0
	}
	if dueShare > amount {
		dueShare = amount
	}

	s.PaidAmount += amount
	s.Status = ScheduleStatusFor(s.PaidAmount, s.AmountDue, s.DueDate, now)
	paidAt := now
	s.PaidAt = &paidAt
	s.UpdatedAt = now
	return dueShare
}
