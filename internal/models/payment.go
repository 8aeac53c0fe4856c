// internal/models/payment.go
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

type PaymentMethod string

const (
	PaymentMethodGateway PaymentMethod = "gateway"
	PaymentMethodWallet  PaymentMethod = "wallet"
)

// PaymentAttempt is one initiation of an installment payment. GatewayReference
// is the gateway authority and the idempotency key for callbacks.
type PaymentAttempt struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	LoanID           uuid.UUID       `json:"loan_id" db:"loan_id"`
	ScheduleID       *uuid.UUID      `json:"schedule_id,omitempty" db:"schedule_id"`
	UserID           uuid.UUID       `json:"user_id" db:"user_id"`
	Amount           int64           `json:"amount" db:"amount"`
	Method           PaymentMethod   `json:"method" db:"method"`
	Status           PaymentStatus   `json:"status" db:"status"`
	GatewayReference string          `json:"gateway_reference,omitempty" db:"gateway_reference"`
	GatewayRefID     string          `json:"gateway_ref_id,omitempty" db:"gateway_ref_id"`
	FailureReason    string          `json:"failure_reason,omitempty" db:"failure_reason"`
	GatewayPayload   json.RawMessage `json:"-" db:"gateway_payload"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// IsTerminal reports whether the attempt can no longer change state.
func (p *PaymentAttempt) IsTerminal() bool {
	switch p.Status {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

// PaymentRequest is the body of an installment payment initiation.
// A nil Amount pays the installment's outstanding remainder.
type PaymentRequest struct {
	Amount *int64 `json:"amount" binding:"omitempty,gt=0"`
}

type InitiateResponse struct {
	PaymentID   uuid.UUID `json:"payment_id"`
	Authority   string    `json:"authority"`
	RedirectURL string    `json:"redirect_url"`
	Amount      int64     `json:"amount"`
	Display     string    `json:"amount_display"`
}

// PaymentView is what the status lookup returns.
type PaymentView struct {
	ID            uuid.UUID     `json:"id"`
	LoanID        uuid.UUID     `json:"loan_id"`
	ScheduleID    *uuid.UUID    `json:"schedule_id,omitempty"`
	Amount        int64         `json:"amount"`
	Display       string        `json:"amount_display"`
	Method        PaymentMethod `json:"method"`
	Status        PaymentStatus `json:"status"`
	RefID         string        `json:"ref_id,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}
