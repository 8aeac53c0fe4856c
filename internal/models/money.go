// internal/models/money.go
package models

import "strconv"

// FormatAmount renders an amount with thousands separators, e.g. 1,000,000.
func FormatAmount(amount int64) string {
	neg := amount < 0
	if neg {
		amount = -amount
	}
	digits := strconv.FormatInt(amount, 10)

	out := make([]byte, 0, len(digits)+len(digits)/3+1)
	if neg {
		out = append(out, '-')
	}
	lead := len(digits) % 3
	if lead == 0 {
		lead = 3
	}
	out = append(out, digits[:lead]...)
	for i := lead; i < len(digits); i += 3 {
		out = append(out, ',')
		out = append(out, digits[i:i+3]...)
	}
	return string(out)
}

// ViewPayment builds the external representation of an attempt.
func ViewPayment(p *PaymentAttempt, failureMessage string) PaymentView {
	return PaymentView{
		ID:            p.ID,
		LoanID:        p.LoanID,
		ScheduleID:    p.ScheduleID,
		Amount:        p.Amount,
		Display:       FormatAmount(p.Amount),
		Method:        p.Method,
		Status:        p.Status,
		RefID:         p.GatewayRefID,
		FailureReason: failureMessage,
		CreatedAt:     p.CreatedAt,
		CompletedAt:   p.CompletedAt,
	}
}
