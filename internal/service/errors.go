// internal/service/errors.go
package service

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/gateway"
)

var (
	ErrGatewayUnavailable  = errors.New("payment gateway unavailable")
	ErrConcurrencyConflict = errors.New("settlement conflict")
	ErrInsufficientBalance = errors.New("insufficient wallet balance")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrLoanNotFound        = errors.New("loan not found")
	ErrScheduleNotFound    = errors.New("installment not found")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrForbidden           = errors.New("forbidden")
)

// ValidationError rejects input before any state is touched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// GatewayRejectedError is a well-formed refusal of a payment request.
type GatewayRejectedError struct {
	Code int
}

func (e *GatewayRejectedError) Error() string {
	return fmt.Sprintf("payment gateway rejected the request (code %d)", e.Code)
}

// UserMessage is safe to show the payer.
func (e *GatewayRejectedError) UserMessage() string {
	return gateway.TranslateCode(e.Code)
}

const InsufficientBalanceMessage = "Your wallet balance is not sufficient for this payment."

// Stored failure reasons. The raw gateway payload and the logs carry the
// detail; these stay short and machine readable.
const (
	reasonCancelled           = "cancelled_by_user"
	reasonGatewayUnavailable  = "gateway_unavailable"
	reasonInsufficientBalance = "insufficient_balance"
	reasonGatewayCodePrefix   = "gateway_code:"
	reasonSettlementPrefix    = "settlement_failed:"
)

func gatewayCodeReason(code int) string {
	return reasonGatewayCodePrefix + strconv.Itoa(code)
}

func settlementReason(err error) string {
	if errors.Is(err, ErrInsufficientBalance) {
		return reasonInsufficientBalance
	}
	return reasonSettlementPrefix + err.Error()
}

// FailureMessage translates a stored failure reason into text safe to show
// the payer. Anything unrecognised becomes the generic message.
func FailureMessage(reason string) string {
	switch {
	case reason == "":
		return ""
	case reason == reasonCancelled:
		return gateway.CancelledByUserMessage
	case reason == reasonInsufficientBalance:
		return InsufficientBalanceMessage
	case strings.HasPrefix(reason, reasonGatewayCodePrefix):
		code, err := strconv.Atoi(strings.TrimPrefix(reason, reasonGatewayCodePrefix))
		if err != nil {
			return gateway.GenericFailureMessage
		}
		return gateway.TranslateCode(code)
	default:
		return gateway.GenericFailureMessage
	}
}
