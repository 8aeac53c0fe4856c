// internal/service/settlement.go
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/cache"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/events"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/metrics"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/models"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/repository"
)

// VerifyOutcome is what a successful verification hands to settlement.
// Wallet-funded payments settle with the zero value.
type VerifyOutcome struct {
	RefID           string
	Payload         json.RawMessage
	AlreadyVerified bool
}

type SettlementResult struct {
	Payment      *models.PaymentAttempt
	Schedule     *models.InstallmentSchedule
	Loan         *models.Loan
	Transactions []*models.WalletTransaction
	LoanPaid     bool
	// AlreadySettled is set when the payment was completed by an earlier
	// commit; nothing was written this time.
	AlreadySettled bool
}

// SettlementOrchestrator moves a verified payment into schedule, loan and
// wallet state in one transaction.
type SettlementOrchestrator struct {
	store    repository.Store
	ledger   *LedgerService
	cache    *cache.ViewCache
	notifier events.Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	inflight sync.WaitGroup
}

func NewSettlementOrchestrator(
	store repository.Store,
	ledger *LedgerService,
	viewCache *cache.ViewCache,
	notifier events.Notifier,
	m *metrics.Metrics,
	logger *zap.Logger,
) *SettlementOrchestrator {
	return &SettlementOrchestrator{
		store:    store,
		ledger:   ledger,
		cache:    viewCache,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Commit settles the payment. Rows are locked in a fixed order: payment,
// schedule, loan, then both wallets by ascending id. Any error rolls the
// whole unit back and leaves the payment pending.
//
// Gateway payments first credit the payer's wallet with the verified funds,
// so every settlement debits the payer and credits the shared wallet through
// the same ledger path.
func (o *SettlementOrchestrator) Commit(ctx context.Context, paymentID uuid.UUID, outcome VerifyOutcome) (*SettlementResult, error) {
	var (
		result  *SettlementResult
		touched []string
	)

	err := o.store.WithinTx(ctx, func(q repository.Queries) error {
		result = &SettlementResult{}
		touched = touched[:0]

		payment, err := q.GetPayment(ctx, paymentID, true)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrPaymentNotFound
			}
			return err
		}
		result.Payment = payment

		switch payment.Status {
		case models.PaymentStatusCompleted:
			result.AlreadySettled = true
			return nil
		case models.PaymentStatusPending:
		default:
			return fmt.Errorf("%w: payment %s is %s", ErrConcurrencyConflict, payment.ID, payment.Status)
		}

		now := o.now()
		meta := models.Metadata{
			"payment_id": payment.ID.String(),
			"loan_id":    payment.LoanID.String(),
			"method":     string(payment.Method),
		}

		// Penalty is owed on the installment only; the loan balance carries
		// amount_due.
		loanShare := payment.Amount
		if payment.ScheduleID != nil {
			schedule, err := q.GetSchedule(ctx, *payment.ScheduleID, true)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return ErrScheduleNotFound
				}
				return err
			}
			if excess := payment.Amount - schedule.Outstanding(); excess > 0 {
				if payment.Method == models.PaymentMethodWallet {
					return invalid("amount", "amount exceeds the outstanding installment balance")
				}
				// Funds already left the payer at the gateway; record them.
				o.logger.Warn("settling overpayment",
					zap.String("payment_id", payment.ID.String()),
					zap.String("schedule_id", schedule.ID.String()),
					zap.Int64("excess", excess))
			}
			loanShare = schedule.ApplyPayment(payment.Amount, now)
			if err := q.UpdateSchedule(ctx, schedule); err != nil {
				return err
			}
			result.Schedule = schedule
			meta["schedule_id"] = schedule.ID.String()
			touched = append(touched, cache.ScheduleKey(schedule.ID), cache.LoanSchedulesKey(schedule.LoanID))
		}

		loan, err := q.GetLoan(ctx, payment.LoanID, true)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrLoanNotFound
			}
			return err
		}
		result.LoanPaid = loan.ApplyPayment(loanShare, now)
		if err := q.UpdateLoan(ctx, loan); err != nil {
			return err
		}
		result.Loan = loan
		touched = append(touched, cache.LoanKey(loan.ID))

		payer, err := ensureUserWallet(ctx, q, payment.UserID, now)
		if err != nil {
			return err
		}
		shared, err := q.GetSharedWallet(ctx)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("shared wallet not seeded: %w", ErrWalletNotFound)
			}
			return err
		}
		if err := lockWallets(ctx, q, payer.ID, shared.ID); err != nil {
			return err
		}

		if payment.Method == models.PaymentMethodGateway {
			funding := copyMetadata(meta)
			funding["kind"] = "gateway_funding"
			if outcome.RefID != "" {
				funding["ref_id"] = outcome.RefID
			}
			txn, err := o.ledger.AppendAndRebalance(ctx, q, payer.ID, payment.Amount, funding)
			if err != nil {
				return err
			}
			result.Transactions = append(result.Transactions, txn)
		}

		debitMeta := copyMetadata(meta)
		debitMeta["kind"] = "installment_payment"
		debit, err := o.ledger.AppendAndRebalance(ctx, q, payer.ID, -payment.Amount, debitMeta)
		if err != nil {
			return err
		}
		creditMeta := copyMetadata(meta)
		creditMeta["kind"] = "installment_collection"
		credit, err := o.ledger.AppendAndRebalance(ctx, q, shared.ID, payment.Amount, creditMeta)
		if err != nil {
			return err
		}
		result.Transactions = append(result.Transactions, debit, credit)
		touched = append(touched, cache.WalletBalanceKey(payer.ID), cache.WalletBalanceKey(shared.ID))

		payment.Status = models.PaymentStatusCompleted
		payment.GatewayRefID = outcome.RefID
		if len(outcome.Payload) > 0 {
			payment.GatewayPayload = outcome.Payload
		}
		payment.FailureReason = ""
		payment.UpdatedAt = now
		completedAt := now
		payment.CompletedAt = &completedAt
		return q.UpdatePayment(ctx, payment)
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			err = fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
		}
		o.metrics.Settlements.WithLabelValues(methodLabel(result), "rolled_back").Inc()
		o.logger.Error("settlement rolled back",
			zap.String("payment_id", paymentID.String()),
			zap.Error(err))
		return nil, err
	}

	if result.AlreadySettled {
		o.metrics.Settlements.WithLabelValues(string(result.Payment.Method), "already_settled").Inc()
		return result, nil
	}

	if err := o.cache.Invalidate(ctx, touched...); err != nil {
		o.logger.Warn("failed to invalidate settlement views",
			zap.String("payment_id", paymentID.String()),
			zap.Strings("keys", touched),
			zap.Error(err))
	}

	p := result.Payment
	o.metrics.Settlements.WithLabelValues(string(p.Method), "completed").Inc()
	o.logger.Info("payment settled",
		zap.String("payment_id", p.ID.String()),
		zap.String("loan_id", p.LoanID.String()),
		zap.Int64("amount", p.Amount),
		zap.String("method", string(p.Method)),
		zap.Bool("loan_paid", result.LoanPaid),
		zap.Bool("already_verified", outcome.AlreadyVerified))

	o.publish(settlementEvent(events.SettlementCompleted, p, result.LoanPaid, ""))
	return result, nil
}

// NotifyFailed emits the failure signal for a payment.
func (o *SettlementOrchestrator) NotifyFailed(payment *models.PaymentAttempt, reason string) {
	o.publish(settlementEvent(events.SettlementFailed, payment, false, reason))
}

// Wait blocks until every settlement event already emitted has been handed
// to the notifier. Call it before closing the notifier.
func (o *SettlementOrchestrator) Wait() {
	o.inflight.Wait()
}

func (o *SettlementOrchestrator) publish(event events.SettlementEvent) {
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.notifier.Notify(ctx, event); err != nil {
			o.logger.Warn("failed to publish settlement event",
				zap.String("type", event.Type),
				zap.String("payment_id", event.PaymentID.String()),
				zap.Error(err))
		}
	}()
}

// lockWallets takes the wallet row locks in ascending id order.
func lockWallets(ctx context.Context, q repository.Queries, ids ...uuid.UUID) error {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	for i, id := range ids {
		if i > 0 && id == ids[i-1] {
			continue
		}
		if _, err := q.GetWallet(ctx, id, true); err != nil {
			return fmt.Errorf("failed to lock wallet %s: %w", id, err)
		}
	}
	return nil
}

func settlementEvent(kind string, p *models.PaymentAttempt, loanPaid bool, reason string) events.SettlementEvent {
	return events.SettlementEvent{
		Type:       kind,
		PaymentID:  p.ID,
		LoanID:     p.LoanID,
		ScheduleID: p.ScheduleID,
		UserID:     p.UserID,
		Amount:     p.Amount,
		Method:     string(p.Method),
		LoanPaid:   loanPaid,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}
}

func methodLabel(result *SettlementResult) string {
	if result == nil || result.Payment == nil {
		return "unknown"
	}
	return string(result.Payment.Method)
}

func copyMetadata(meta models.Metadata) models.Metadata {
	out := make(models.Metadata, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	return out
}
