package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/events"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/gateway"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/models"
)

func TestInitiate_DefaultsToOutstanding(t *testing.T) {
	env := newTestEnv(t)

	res := env.initiate(t, nil)

	if res.Payment.Amount != 1_000_000 {
		t.Errorf("Amount = %d, want 1000000", res.Payment.Amount)
	}
	if res.Payment.Status != models.PaymentStatusPending {
		t.Errorf("Status = %s, want pending", res.Payment.Status)
	}
	if res.RedirectURL != "https://gateway.test/StartPay/"+res.Authority {
		t.Errorf("RedirectURL = %q", res.RedirectURL)
	}

	stored := env.payment(t, res.Payment.ID)
	if stored.GatewayReference != res.Authority {
		t.Errorf("stored reference = %q, want %q", stored.GatewayReference, res.Authority)
	}

	req := env.gateway.requests[0]
	if req.AmountMinor != 10_000_000 {
		t.Errorf("AmountMinor = %d, want 10000000", req.AmountMinor)
	}
	if req.Metadata["payment_id"] != res.Payment.ID.String() {
		t.Errorf("metadata payment_id = %q", req.Metadata["payment_id"])
	}
	if req.Metadata["schedule_id"] != env.sched.ID.String() {
		t.Errorf("metadata schedule_id = %q", req.Metadata["schedule_id"])
	}
}

func TestInitiate_Validation(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, env *testEnv) (models.Actor, InitiateRequest)
		wantErr error
		field   string
	}{
		{
			name: "amount above outstanding",
			setup: func(t *testing.T, env *testEnv) (models.Actor, InitiateRequest) {
				return env.user, InitiateRequest{LoanID: env.loan.ID, ScheduleID: env.sched.ID, Amount: int64Ptr(1_000_001)}
			},
			field: "amount",
		},
		{
			name: "zero amount",
			setup: func(t *testing.T, env *testEnv) (models.Actor, InitiateRequest) {
				return env.user, InitiateRequest{LoanID: env.loan.ID, ScheduleID: env.sched.ID, Amount: int64Ptr(0)}
			},
			field: "amount",
		},
		{
			name: "unknown loan",
			setup: func(t *testing.T, env *testEnv) (models.Actor, InitiateRequest) {
				return env.user, InitiateRequest{LoanID: uuid.New(), ScheduleID: env.sched.ID}
			},
			wantErr: ErrLoanNotFound,
		},
		{
			name: "unknown installment",
			setup: func(t *testing.T, env *testEnv) (models.Actor, InitiateRequest) {
				return env.user, InitiateRequest{LoanID: env.loan.ID, ScheduleID: uuid.New()}
			},
			field: "schedule_id",
		},
		{
			name: "installment of another loan",
			setup: func(t *testing.T, env *testEnv) (models.Actor, InitiateRequest) {
				_, other := env.seedLoan(t, env.user.ID, 500_000, 500_000, testNow.AddDate(0, 1, 0))
				return env.user, InitiateRequest{LoanID: env.loan.ID, ScheduleID: other.ID}
			},
			field: "schedule_id",
		},
		{
			name: "another user's loan",
			setup: func(t *testing.T, env *testEnv) (models.Actor, InitiateRequest) {
				stranger := models.Actor{ID: uuid.New(), Role: models.RoleUser, Active: true}
				return stranger, InitiateRequest{LoanID: env.loan.ID, ScheduleID: env.sched.ID}
			},
			wantErr: ErrForbidden,
		},
		{
			name: "inactive user",
			setup: func(t *testing.T, env *testEnv) (models.Actor, InitiateRequest) {
				actor := env.user
				actor.Active = false
				return actor, InitiateRequest{LoanID: env.loan.ID, ScheduleID: env.sched.ID}
			},
			wantErr: ErrForbidden,
		},
		{
			name: "loan not yet active",
			setup: func(t *testing.T, env *testEnv) (models.Actor, InitiateRequest) {
				loan := env.loanState(t, env.loan.ID)
				loan.Status = models.LoanStatusApproved
				if err := env.store.UpdateLoan(context.Background(), loan); err != nil {
					t.Fatalf("UpdateLoan() error = %v", err)
				}
				return env.user, InitiateRequest{LoanID: env.loan.ID, ScheduleID: env.sched.ID}
			},
			field: "loan",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			actor, req := tt.setup(t, env)

			_, err := env.payments.Initiate(context.Background(), actor, req)
			if err == nil {
				t.Fatal("Initiate() error = nil")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Initiate() error = %v, want %v", err, tt.wantErr)
			}
			if tt.field != "" {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("Initiate() error = %v, want ValidationError", err)
				}
				if verr.Field != tt.field {
					t.Errorf("ValidationError.Field = %q, want %q", verr.Field, tt.field)
				}
			}
			if n := env.gateway.requestCount(); n != 0 {
				t.Errorf("gateway called %d times, want 0", n)
			}
		})
	}
}

func TestInitiate_GatewayErrors(t *testing.T) {
	tests := []struct {
		name       string
		requestErr error
		wantReason string
		check      func(t *testing.T, err error)
	}{
		{
			name:       "rejected",
			requestErr: &gateway.RejectedError{Code: -12, Message: "too many attempts"},
			wantReason: "gateway_code:-12",
			check: func(t *testing.T, err error) {
				var rejected *GatewayRejectedError
				if !errors.As(err, &rejected) {
					t.Fatalf("error = %v, want GatewayRejectedError", err)
				}
				if rejected.UserMessage() != gateway.TranslateCode(-12) {
					t.Errorf("UserMessage() = %q", rejected.UserMessage())
				}
			},
		},
		{
			name:       "unavailable",
			requestErr: fmt.Errorf("%w: context deadline exceeded", gateway.ErrUnavailable),
			wantReason: "gateway_unavailable",
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrGatewayUnavailable) {
					t.Errorf("error = %v, want ErrGatewayUnavailable", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.gateway.requestErr = tt.requestErr

			_, err := env.payments.Initiate(context.Background(), env.user, InitiateRequest{
				LoanID:     env.loan.ID,
				ScheduleID: env.sched.ID,
			})
			if err == nil {
				t.Fatal("Initiate() error = nil")
			}
			tt.check(t, err)

			id, perr := uuid.Parse(env.gateway.requests[0].Metadata["payment_id"])
			if perr != nil {
				t.Fatalf("metadata payment_id: %v", perr)
			}
			p := env.payment(t, id)
			if p.Status != models.PaymentStatusPending {
				t.Errorf("Status = %s, want pending", p.Status)
			}
			if p.FailureReason != tt.wantReason {
				t.Errorf("FailureReason = %q, want %q", p.FailureReason, tt.wantReason)
			}
		})
	}
}

func TestHandleCallback_FullPayment(t *testing.T) {
	env := newTestEnv(t)
	res := env.initiate(t, nil)

	cb, err := env.payments.HandleCallback(context.Background(), res.Authority, CallbackStatusOK)
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if !cb.Success || cb.Replayed {
		t.Fatalf("HandleCallback() = %+v, want fresh success", cb)
	}

	p := env.payment(t, res.Payment.ID)
	if p.Status != models.PaymentStatusCompleted {
		t.Errorf("payment status = %s, want completed", p.Status)
	}
	if p.GatewayRefID == "" || p.CompletedAt == nil {
		t.Errorf("payment ref_id = %q completed_at = %v", p.GatewayRefID, p.CompletedAt)
	}

	s := env.schedule(t, env.sched.ID)
	if s.Status != models.ScheduleStatusPaid || s.PaidAmount != 1_000_000 || s.PaidAt == nil {
		t.Errorf("schedule = %s paid %d paid_at %v", s.Status, s.PaidAmount, s.PaidAt)
	}

	l := env.loanState(t, env.loan.ID)
	if l.RemainingBalance != 2_000_000 || l.Status != models.LoanStatusActive {
		t.Errorf("loan remaining = %d status = %s, want 2000000 active", l.RemainingBalance, l.Status)
	}

	payer := env.userWallet(t, env.user.ID)
	rows := env.ledgerRows(t, payer.ID)
	if len(rows) != 2 {
		t.Fatalf("payer ledger rows = %d, want 2", len(rows))
	}
	if rows[1].Type != models.EntryTypeDebit || rows[1].Amount != 1_000_000 {
		t.Errorf("payer debit = %s %d", rows[1].Type, rows[1].Amount)
	}
	if rows[1].Metadata["payment_id"] != p.ID.String() || rows[1].Metadata["schedule_id"] != env.sched.ID.String() {
		t.Errorf("payer debit metadata = %v", rows[1].Metadata)
	}
	if payer.Balance != 0 {
		t.Errorf("payer balance = %d, want 0", payer.Balance)
	}

	if got := env.wallet(t, env.shared.ID).Balance; got != 1_000_000 {
		t.Errorf("shared balance = %d, want 1000000", got)
	}
	env.assertLedgerConsistent(t, payer.ID)
	env.assertLedgerConsistent(t, env.shared.ID)

	ev := env.notifier.next(t)
	if ev.Type != events.SettlementCompleted || ev.PaymentID != p.ID || ev.Amount != 1_000_000 {
		t.Errorf("event = %+v", ev)
	}

	if got := testutil.ToFloat64(env.metrics.Settlements.WithLabelValues("gateway", "completed")); got != 1 {
		t.Errorf("settlements completed = %v, want 1", got)
	}
}

func TestHandleCallback_PartialThenRemainder(t *testing.T) {
	env := newTestEnv(t)

	env.pay(t, env.user, env.loan.ID, env.sched.ID, int64Ptr(400_000))

	s := env.schedule(t, env.sched.ID)
	if s.Status != models.ScheduleStatusPartial || s.PaidAmount != 400_000 {
		t.Fatalf("schedule = %s paid %d, want partial 400000", s.Status, s.PaidAmount)
	}
	if got := env.loanState(t, env.loan.ID).RemainingBalance; got != 2_600_000 {
		t.Errorf("loan remaining = %d, want 2600000", got)
	}

	// Default amount is now the remainder.
	res := env.pay(t, env.user, env.loan.ID, env.sched.ID, nil)
	if res.Payment.Amount != 600_000 {
		t.Errorf("second payment amount = %d, want 600000", res.Payment.Amount)
	}
	s = env.schedule(t, env.sched.ID)
	if s.Status != models.ScheduleStatusPaid || s.PaidAmount != 1_000_000 {
		t.Errorf("schedule = %s paid %d, want paid 1000000", s.Status, s.PaidAmount)
	}
	if got := env.wallet(t, env.shared.ID).Balance; got != 1_000_000 {
		t.Errorf("shared balance = %d, want 1000000", got)
	}
}

func TestHandleCallback_LastInstallmentPaysLoan(t *testing.T) {
	env := newTestEnv(t)
	loan, sched := env.seedLoan(t, env.user.ID, 500_000, 500_000, testNow.AddDate(0, 0, 3))

	env.pay(t, env.user, loan.ID, sched.ID, nil)

	l := env.loanState(t, loan.ID)
	if l.Status != models.LoanStatusPaid || l.RemainingBalance != 0 {
		t.Errorf("loan = %s remaining %d, want paid 0", l.Status, l.RemainingBalance)
	}
	if ev := env.notifier.next(t); !ev.LoanPaid {
		t.Errorf("event LoanPaid = false")
	}
}

func TestHandleCallback_PenaltyLeavesLoanBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	loan, first := env.seedLoan(t, env.user.ID, 2_000_000, 1_000_000, testNow.AddDate(0, 0, -30))
	second := env.addSchedule(t, loan.ID, 2, 1_000_000, testNow.AddDate(0, 1, 0))

	// Penalty larger than a whole installment.
	s := env.schedule(t, first.ID)
	s.PenaltyAmount = 1_200_000
	s.Status = models.ScheduleStatusOverdue
	if err := env.store.UpdateSchedule(ctx, s); err != nil {
		t.Fatalf("UpdateSchedule() error = %v", err)
	}

	env.pay(t, env.user, loan.ID, first.ID, nil)

	if s := env.schedule(t, first.ID); s.PaidAmount != 2_200_000 || s.Status != models.ScheduleStatusPaid {
		t.Errorf("first installment = %s paid %d", s.Status, s.PaidAmount)
	}
	l := env.loanState(t, loan.ID)
	if l.RemainingBalance != 1_000_000 || l.Status != models.LoanStatusActive {
		t.Fatalf("loan = %s remaining %d, want active 1000000", l.Status, l.RemainingBalance)
	}
	if got := env.wallet(t, env.shared.ID).Balance; got != 2_200_000 {
		t.Errorf("shared balance = %d, want 2200000", got)
	}

	// The next installment is still payable and closes the loan.
	env.pay(t, env.user, loan.ID, second.ID, nil)
	if l := env.loanState(t, loan.ID); l.RemainingBalance != 0 || l.Status != models.LoanStatusPaid {
		t.Errorf("loan = %s remaining %d, want paid 0", l.Status, l.RemainingBalance)
	}
}

func TestHandleCallback_Cancelled(t *testing.T) {
	env := newTestEnv(t)
	res := env.initiate(t, nil)

	cb, err := env.payments.HandleCallback(context.Background(), res.Authority, CallbackStatusNOK)
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if cb.Success {
		t.Fatal("HandleCallback() success = true")
	}
	if cb.Message != gateway.CancelledByUserMessage {
		t.Errorf("Message = %q", cb.Message)
	}
	if env.gateway.verifyCalls != 0 {
		t.Errorf("verify called %d times, want 0", env.gateway.verifyCalls)
	}

	p := env.payment(t, res.Payment.ID)
	if p.Status != models.PaymentStatusFailed || p.FailureReason != "cancelled_by_user" {
		t.Errorf("payment = %s %q", p.Status, p.FailureReason)
	}
	if rows := env.ledgerRows(t, env.shared.ID); len(rows) != 0 {
		t.Errorf("shared ledger rows = %d, want 0", len(rows))
	}
	if s := env.schedule(t, env.sched.ID); s.PaidAmount != 0 || s.Status != models.ScheduleStatusPending {
		t.Errorf("schedule = %s paid %d", s.Status, s.PaidAmount)
	}

	ev := env.notifier.next(t)
	if ev.Type != events.SettlementFailed || ev.Reason != "cancelled_by_user" {
		t.Errorf("event = %+v", ev)
	}
}

func TestHandleCallback_VerificationFailures(t *testing.T) {
	tests := []struct {
		name        string
		result      *gateway.VerifyResult
		err         error
		wantReason  string
		wantMessage string
	}{
		{
			name:        "refused",
			result:      &gateway.VerifyResult{Status: gateway.VerifyStatusFailed, Code: -51, Message: "not paid"},
			wantReason:  "gateway_code:-51",
			wantMessage: gateway.TranslateCode(-51),
		},
		{
			name:        "unavailable",
			err:         fmt.Errorf("%w: connection refused", gateway.ErrUnavailable),
			wantReason:  "gateway_unavailable",
			wantMessage: gateway.GenericFailureMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			res := env.initiate(t, nil)
			env.gateway.verifyResult = tt.result
			env.gateway.verifyErr = tt.err

			cb, err := env.payments.HandleCallback(context.Background(), res.Authority, CallbackStatusOK)
			if err != nil {
				t.Fatalf("HandleCallback() error = %v", err)
			}
			if cb.Success {
				t.Fatal("HandleCallback() success = true")
			}
			if cb.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", cb.Message, tt.wantMessage)
			}

			p := env.payment(t, res.Payment.ID)
			if p.Status != models.PaymentStatusFailed || p.FailureReason != tt.wantReason {
				t.Errorf("payment = %s %q, want failed %q", p.Status, p.FailureReason, tt.wantReason)
			}

			// Failed is terminal: a later good verification changes nothing.
			env.gateway.verifyResult = nil
			env.gateway.verifyErr = nil
			again, err := env.payments.HandleCallback(context.Background(), res.Authority, CallbackStatusOK)
			if err != nil {
				t.Fatalf("second HandleCallback() error = %v", err)
			}
			if again.Success || !again.Replayed {
				t.Errorf("second HandleCallback() = %+v, want replayed failure", again)
			}
			if got := env.payment(t, res.Payment.ID).Status; got != models.PaymentStatusFailed {
				t.Errorf("status after replay = %s", got)
			}
			if rows := env.ledgerRows(t, env.shared.ID); len(rows) != 0 {
				t.Errorf("shared ledger rows = %d, want 0", len(rows))
			}
		})
	}
}

func TestHandleCallback_AlreadyVerifiedSettles(t *testing.T) {
	env := newTestEnv(t)
	res := env.initiate(t, nil)
	env.gateway.verifyResult = &gateway.VerifyResult{
		Status: gateway.VerifyStatusAlreadyVerified,
		Code:   gateway.CodeAlreadyVerified,
		RefID:  "998877",
	}

	cb, err := env.payments.HandleCallback(context.Background(), res.Authority, CallbackStatusOK)
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if !cb.Success {
		t.Fatalf("HandleCallback() success = false")
	}
	if p := env.payment(t, res.Payment.ID); p.GatewayRefID != "998877" {
		t.Errorf("ref_id = %q", p.GatewayRefID)
	}
	if got := env.wallet(t, env.shared.ID).Balance; got != 1_000_000 {
		t.Errorf("shared balance = %d", got)
	}
}

func TestHandleCallback_UnknownReference(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.payments.HandleCallback(context.Background(), "A000000000000000000000000000000000099", CallbackStatusOK)
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Errorf("HandleCallback() error = %v, want ErrPaymentNotFound", err)
	}
	if env.gateway.verifyCalls != 0 {
		t.Errorf("verify called for unknown reference")
	}
}

func TestHandleCallback_Replay(t *testing.T) {
	env := newTestEnv(t)
	res := env.initiate(t, nil)
	ctx := context.Background()

	if _, err := env.payments.HandleCallback(ctx, res.Authority, CallbackStatusOK); err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	// A late NOK for a completed payment must not undo it.
	for _, status := range []string{CallbackStatusOK, CallbackStatusNOK} {
		cb, err := env.payments.HandleCallback(ctx, res.Authority, status)
		if err != nil {
			t.Fatalf("replay %s error = %v", status, err)
		}
		if !cb.Success || !cb.Replayed {
			t.Errorf("replay %s = %+v, want replayed success", status, cb)
		}
	}

	if env.gateway.verifyCalls != 1 {
		t.Errorf("verify calls = %d, want 1", env.gateway.verifyCalls)
	}
	if rows := env.ledgerRows(t, env.shared.ID); len(rows) != 1 {
		t.Errorf("shared ledger rows = %d, want 1", len(rows))
	}
	if got := env.schedule(t, env.sched.ID).PaidAmount; got != 1_000_000 {
		t.Errorf("paid amount = %d, want 1000000", got)
	}
	if got := testutil.ToFloat64(env.metrics.Callbacks.WithLabelValues("replayed")); got != 2 {
		t.Errorf("replayed callbacks = %v, want 2", got)
	}
}

func TestHandleCallback_ConcurrentDeliveries(t *testing.T) {
	env := newTestEnv(t)
	res := env.initiate(t, int64Ptr(250_000))

	const deliveries = 8
	var wg sync.WaitGroup
	results := make([]*CallbackResult, deliveries)
	errs := make([]error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.payments.HandleCallback(context.Background(), res.Authority, CallbackStatusOK)
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("delivery %d error = %v", i, errs[i])
		}
		if !results[i].Success {
			t.Errorf("delivery %d success = false", i)
		}
		if !results[i].Replayed {
			fresh++
		}
	}
	if fresh != 1 {
		t.Errorf("fresh settlements = %d, want 1", fresh)
	}

	if rows := env.ledgerRows(t, env.shared.ID); len(rows) != 1 {
		t.Errorf("shared ledger rows = %d, want 1", len(rows))
	}
	if got := env.schedule(t, env.sched.ID).PaidAmount; got != 250_000 {
		t.Errorf("paid amount = %d, want 250000", got)
	}
	if got := env.loanState(t, env.loan.ID).RemainingBalance; got != 2_750_000 {
		t.Errorf("loan remaining = %d, want 2750000", got)
	}
}

func TestHandleCallback_SettlementRollbackIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	res := env.initiate(t, nil)
	ctx := context.Background()

	env.store.FailOn = map[string]error{"UpdateWalletBalance": errors.New("connection reset")}
	if _, err := env.payments.HandleCallback(ctx, res.Authority, CallbackStatusOK); err == nil {
		t.Fatal("HandleCallback() error = nil with failing store")
	}

	p := env.payment(t, res.Payment.ID)
	if p.Status != models.PaymentStatusPending {
		t.Errorf("status after rollback = %s, want pending", p.Status)
	}
	if !strings.HasPrefix(p.FailureReason, "settlement_failed:") {
		t.Errorf("FailureReason = %q", p.FailureReason)
	}
	if s := env.schedule(t, env.sched.ID); s.PaidAmount != 0 {
		t.Errorf("schedule paid = %d after rollback", s.PaidAmount)
	}
	if l := env.loanState(t, env.loan.ID); l.RemainingBalance != 3_000_000 {
		t.Errorf("loan remaining = %d after rollback", l.RemainingBalance)
	}
	if rows := env.ledgerRows(t, env.shared.ID); len(rows) != 0 {
		t.Errorf("shared rows = %d after rollback", len(rows))
	}
	if ev := env.notifier.next(t); ev.Type != events.SettlementFailed {
		t.Errorf("event type = %s, want failed", ev.Type)
	}

	env.store.FailOn = nil
	cb, err := env.payments.HandleCallback(ctx, res.Authority, CallbackStatusOK)
	if err != nil {
		t.Fatalf("redelivered HandleCallback() error = %v", err)
	}
	if !cb.Success || cb.Replayed {
		t.Errorf("redelivery = %+v, want fresh success", cb)
	}
	p = env.payment(t, res.Payment.ID)
	if p.Status != models.PaymentStatusCompleted || p.FailureReason != "" {
		t.Errorf("payment = %s %q, want completed", p.Status, p.FailureReason)
	}
	env.assertLedgerConsistent(t, env.shared.ID)
}

func TestPayFromWallet(t *testing.T) {
	env := newTestEnv(t)
	wallet := env.fund(t, env.user.ID, 1_500_000)

	p, err := env.payments.PayFromWallet(context.Background(), env.user, InitiateRequest{
		LoanID:     env.loan.ID,
		ScheduleID: env.sched.ID,
	})
	if err != nil {
		t.Fatalf("PayFromWallet() error = %v", err)
	}
	if p.Status != models.PaymentStatusCompleted || p.Method != models.PaymentMethodWallet {
		t.Errorf("payment = %s %s", p.Status, p.Method)
	}
	if env.gateway.requestCount() != 0 {
		t.Errorf("wallet payment called the gateway")
	}

	if got := env.wallet(t, wallet.ID).Balance; got != 500_000 {
		t.Errorf("payer balance = %d, want 500000", got)
	}
	if got := env.wallet(t, env.shared.ID).Balance; got != 1_000_000 {
		t.Errorf("shared balance = %d, want 1000000", got)
	}
	rows := env.ledgerRows(t, wallet.ID)
	if len(rows) != 2 || rows[1].Metadata["kind"] != "installment_payment" {
		t.Errorf("payer rows = %d", len(rows))
	}
	env.assertLedgerConsistent(t, wallet.ID)
	env.assertLedgerConsistent(t, env.shared.ID)
}

func TestPayFromWallet_InsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	wallet := env.fund(t, env.user.ID, 100_000)

	_, err := env.payments.PayFromWallet(context.Background(), env.user, InitiateRequest{
		LoanID:     env.loan.ID,
		ScheduleID: env.sched.ID,
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("PayFromWallet() error = %v, want ErrInsufficientBalance", err)
	}

	if got := env.wallet(t, wallet.ID).Balance; got != 100_000 {
		t.Errorf("payer balance = %d, want 100000", got)
	}
	if rows := env.ledgerRows(t, wallet.ID); len(rows) != 1 {
		t.Errorf("payer rows = %d, want only the deposit", len(rows))
	}
	if rows := env.ledgerRows(t, env.shared.ID); len(rows) != 0 {
		t.Errorf("shared rows = %d, want 0", len(rows))
	}
	if s := env.schedule(t, env.sched.ID); s.PaidAmount != 0 {
		t.Errorf("schedule paid = %d", s.PaidAmount)
	}

	ev := env.notifier.next(t)
	if ev.Type != events.SettlementFailed || ev.Reason != "insufficient_balance" {
		t.Fatalf("event = %+v", ev)
	}
	p := env.payment(t, ev.PaymentID)
	if p.Status != models.PaymentStatusFailed {
		t.Errorf("payment status = %s, want failed", p.Status)
	}
	if FailureMessage(p.FailureReason) != InsufficientBalanceMessage {
		t.Errorf("failure message = %q", FailureMessage(p.FailureReason))
	}
}

func TestGetPayment_Visibility(t *testing.T) {
	env := newTestEnv(t)
	res := env.initiate(t, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		actor   models.Actor
		wantErr error
	}{
		{name: "owner", actor: env.user},
		{name: "admin", actor: models.Actor{ID: uuid.New(), Role: models.RoleAdmin, Active: true}},
		{name: "stranger", actor: models.Actor{ID: uuid.New(), Role: models.RoleUser, Active: true}, wantErr: ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.payments.GetPayment(ctx, tt.actor, res.Payment.ID)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("GetPayment() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := env.payments.GetPayment(ctx, env.user, uuid.New()); !errors.Is(err, ErrPaymentNotFound) {
		t.Errorf("GetPayment(unknown) error = %v", err)
	}
}

// Random settlements across several borrowers must keep every wallet equal to
// its ledger sum and every installment status consistent with what was paid.
func TestSettlement_RandomisedInvariants(t *testing.T) {
	env := newTestEnv(t)
	rng := rand.New(rand.NewSource(42))

	type account struct {
		actor models.Actor
		loan  *models.Loan
		sched *models.InstallmentSchedule
		paid  int64
	}
	var accounts []*account
	for i := 0; i < 5; i++ {
		actor := models.Actor{ID: uuid.New(), Role: models.RoleUser, Active: true}
		due := int64(100_000 + rng.Intn(900_000))
		loan, sched := env.seedLoan(t, actor.ID, due*2, due, testNow.AddDate(0, 0, 5))
		accounts = append(accounts, &account{actor: actor, loan: loan, sched: sched})
	}

	var collected int64
	for i := 0; i < 40; i++ {
		acc := accounts[rng.Intn(len(accounts))]
		outstanding := acc.sched.AmountDue - acc.paid
		if outstanding == 0 {
			continue
		}
		amount := 1 + rng.Int63n(outstanding)
		if rng.Intn(4) == 0 {
			amount = outstanding
		}

		if rng.Intn(2) == 0 {
			env.pay(t, acc.actor, acc.loan.ID, acc.sched.ID, &amount)
		} else {
			env.fund(t, acc.actor.ID, amount)
			if _, err := env.payments.PayFromWallet(context.Background(), acc.actor, InitiateRequest{
				LoanID: acc.loan.ID, ScheduleID: acc.sched.ID, Amount: &amount,
			}); err != nil {
				t.Fatalf("PayFromWallet() error = %v", err)
			}
		}
		acc.paid += amount
		collected += amount

		s := env.schedule(t, acc.sched.ID)
		want := models.ScheduleStatusPartial
		if acc.paid >= s.AmountDue {
			want = models.ScheduleStatusPaid
		}
		if s.Status != want || s.PaidAmount != acc.paid {
			t.Fatalf("schedule %s = %s paid %d, want %s paid %d", s.ID, s.Status, s.PaidAmount, want, acc.paid)
		}
	}

	if got := env.wallet(t, env.shared.ID).Balance; got != collected {
		t.Errorf("shared balance = %d, want %d", got, collected)
	}
	env.assertLedgerConsistent(t, env.shared.ID)
	for _, acc := range accounts {
		if w, err := env.store.GetWalletByUser(context.Background(), acc.actor.ID); err == nil {
			env.assertLedgerConsistent(t, w.ID)
			if w.Balance != 0 {
				t.Errorf("payer %s balance = %d, want 0", acc.actor.ID, w.Balance)
			}
		}
		if l := env.loanState(t, acc.loan.ID); l.RemainingBalance != acc.loan.RemainingBalance-acc.paid {
			t.Errorf("loan %s remaining = %d, want %d", l.ID, l.RemainingBalance, acc.loan.RemainingBalance-acc.paid)
		}
	}
}
