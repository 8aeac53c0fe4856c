// internal/service/payment_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/gateway"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/metrics"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/models"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/repository"
)

// Callback status values sent by the gateway.
const (
	CallbackStatusOK  = "OK"
	CallbackStatusNOK = "NOK"
)

// Gateway is the part of *gateway.Client the payment flow needs.
type Gateway interface {
	RequestPayment(ctx context.Context, req gateway.PaymentRequest) (*gateway.PaymentResponse, error)
	VerifyPayment(ctx context.Context, authority string, amountMinor int64) (*gateway.VerifyResult, error)
}

type PaymentConfig struct {
	CallbackURL         string
	MinorUnitMultiplier int64
}

type InitiateRequest struct {
	LoanID     uuid.UUID
	ScheduleID uuid.UUID
	// Amount defaults to the installment's outstanding remainder.
	Amount *int64
}

type InitiateResult struct {
	Payment     *models.PaymentAttempt
	Authority   string
	RedirectURL string
}

// CallbackResult is the outcome of one callback delivery. Message is safe to
// show the payer.
type CallbackResult struct {
	Payment  *models.PaymentAttempt
	Success  bool
	Replayed bool
	Message  string
}

// PaymentService runs the payment attempt lifecycle:
// pending -> completed | failed, with terminal states sticky.
type PaymentService struct {
	store      repository.Store
	gateway    Gateway
	settlement *SettlementOrchestrator
	cfg        PaymentConfig
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

func NewPaymentService(
	store repository.Store,
	gw Gateway,
	settlement *SettlementOrchestrator,
	cfg PaymentConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *PaymentService {
	if cfg.MinorUnitMultiplier <= 0 {
		cfg.MinorUnitMultiplier = 1
	}
	return &PaymentService{
		store:      store,
		gateway:    gw,
		settlement: settlement,
		cfg:        cfg,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// Initiate opens a gateway payment for one installment and returns where to
// send the payer. Validation happens before any write or gateway call.
func (s *PaymentService) Initiate(ctx context.Context, actor models.Actor, req InitiateRequest) (*InitiateResult, error) {
	_, schedule, amount, err := s.prepare(ctx, actor, req)
	if err != nil {
		return nil, err
	}

	payment := s.newAttempt(actor, req.LoanID, schedule.ID, amount, models.PaymentMethodGateway)
	if err := s.store.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to save payment: %w", err)
	}

	start := time.Now()
	resp, err := s.gateway.RequestPayment(ctx, gateway.PaymentRequest{
		AmountMinor: gateway.MinorUnits(amount, s.cfg.MinorUnitMultiplier),
		Description: fmt.Sprintf("Installment %d of loan %s", schedule.InstallmentNumber, req.LoanID),
		CallbackURL: s.cfg.CallbackURL,
		Metadata: map[string]string{
			"payment_id":  payment.ID.String(),
			"loan_id":     req.LoanID.String(),
			"schedule_id": schedule.ID.String(),
		},
	})
	s.metrics.ObserveGateway("request", start, err)
	if err != nil {
		// The attempt stays pending; it will never receive a callback.
		s.logger.Error("gateway payment request failed",
			zap.String("payment_id", payment.ID.String()),
			zap.String("loan_id", req.LoanID.String()),
			zap.String("schedule_id", schedule.ID.String()),
			zap.Error(err))
		payment.FailureReason = requestFailureReason(err)
		payment.UpdatedAt = s.now()
		if uerr := s.store.UpdatePayment(ctx, payment); uerr != nil {
			s.logger.Warn("failed to record initiation failure",
				zap.String("payment_id", payment.ID.String()),
				zap.Error(uerr))
		}
		return nil, classifyGatewayError(err)
	}

	payment.GatewayReference = resp.Authority
	payment.UpdatedAt = s.now()
	if err := s.store.UpdatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to store gateway reference: %w", err)
	}

	s.logger.Info("payment initiated",
		zap.String("payment_id", payment.ID.String()),
		zap.String("loan_id", req.LoanID.String()),
		zap.String("gateway_reference", resp.Authority),
		zap.Int64("amount", amount))

	return &InitiateResult{
		Payment:     payment,
		Authority:   resp.Authority,
		RedirectURL: resp.RedirectURL,
	}, nil
}

// PayFromWallet settles an installment from the payer's wallet balance
// without a gateway round trip. The balance is checked under the wallet lock
// at settlement.
func (s *PaymentService) PayFromWallet(ctx context.Context, actor models.Actor, req InitiateRequest) (*models.PaymentAttempt, error) {
	_, schedule, amount, err := s.prepare(ctx, actor, req)
	if err != nil {
		return nil, err
	}

	payment := s.newAttempt(actor, req.LoanID, schedule.ID, amount, models.PaymentMethodWallet)
	if err := s.store.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to save payment: %w", err)
	}

	result, err := s.settlement.Commit(ctx, payment.ID, VerifyOutcome{})
	if err != nil {
		// No callback will re-drive a wallet payment.
		if failed, changed, ferr := s.markFailed(ctx, payment.ID, settlementReason(err)); ferr != nil {
			s.logger.Error("failed to mark wallet payment failed",
				zap.String("payment_id", payment.ID.String()),
				zap.Error(ferr))
		} else if changed {
			s.settlement.NotifyFailed(failed, failed.FailureReason)
		}
		return nil, err
	}
	return result.Payment, nil
}

// HandleCallback processes one gateway callback delivery. It is safe under
// replay: a completed payment short-circuits to success and a failed one to
// its original failure, with nothing mutated.
func (s *PaymentService) HandleCallback(ctx context.Context, reference, gatewayStatus string) (*CallbackResult, error) {
	payment, err := s.store.GetPaymentByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.metrics.Callbacks.WithLabelValues("unknown_reference").Inc()
			s.logger.Warn("callback for unknown reference", zap.String("gateway_reference", reference))
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}

	if payment.IsTerminal() {
		s.metrics.Callbacks.WithLabelValues("replayed").Inc()
		res := s.resultFor(payment)
		res.Replayed = true
		return res, nil
	}

	if gatewayStatus != CallbackStatusOK {
		s.metrics.Callbacks.WithLabelValues("cancelled").Inc()
		return s.fail(ctx, payment, reasonCancelled)
	}

	start := time.Now()
	verify, err := s.gateway.VerifyPayment(ctx, reference, gateway.MinorUnits(payment.Amount, s.cfg.MinorUnitMultiplier))
	s.metrics.ObserveGateway("verify", start, err)
	if err != nil {
		s.metrics.Callbacks.WithLabelValues("verify_unavailable").Inc()
		s.logger.Error("payment verification unavailable",
			zap.String("payment_id", payment.ID.String()),
			zap.String("gateway_reference", reference),
			zap.Error(err))
		return s.fail(ctx, payment, reasonGatewayUnavailable)
	}
	if !verify.Succeeded() {
		s.metrics.Callbacks.WithLabelValues("verify_failed").Inc()
		s.logger.Warn("payment verification failed",
			zap.String("payment_id", payment.ID.String()),
			zap.String("gateway_reference", reference),
			zap.Int("code", verify.Code),
			zap.String("message", verify.Message))
		return s.fail(ctx, payment, gatewayCodeReason(verify.Code))
	}

	settled, err := s.settlement.Commit(ctx, payment.ID, VerifyOutcome{
		RefID:           verify.RefID,
		Payload:         verify.Raw,
		AlreadyVerified: verify.Status == gateway.VerifyStatusAlreadyVerified,
	})
	if err != nil {
		s.metrics.Callbacks.WithLabelValues("settlement_failed").Inc()
		s.logger.Error("settlement failed after verification",
			zap.String("payment_id", payment.ID.String()),
			zap.String("loan_id", payment.LoanID.String()),
			zap.String("gateway_reference", reference),
			zap.String("ref_id", verify.RefID),
			zap.Error(err))
		s.noteSettlementFailure(ctx, payment.ID, err)
		s.settlement.NotifyFailed(payment, settlementReason(err))
		return nil, err
	}

	s.metrics.Callbacks.WithLabelValues("settled").Inc()
	return &CallbackResult{
		Payment:  settled.Payment,
		Success:  true,
		Replayed: settled.AlreadySettled,
	}, nil
}

// GetPayment returns an attempt the actor may see.
func (s *PaymentService) GetPayment(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.PaymentAttempt, error) {
	payment, err := s.store.GetPayment(ctx, id, false)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	if !actor.CanAct(payment.UserID) {
		return nil, ErrForbidden
	}
	return payment, nil
}

func (s *PaymentService) prepare(ctx context.Context, actor models.Actor, req InitiateRequest) (*models.Loan, *models.InstallmentSchedule, int64, error) {
	if !actor.Active {
		return nil, nil, 0, ErrForbidden
	}

	loan, err := s.store.GetLoan(ctx, req.LoanID, false)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, 0, ErrLoanNotFound
		}
		return nil, nil, 0, err
	}
	if !actor.CanAct(loan.UserID) {
		return nil, nil, 0, ErrForbidden
	}
	if !loan.AcceptsPayments() {
		return nil, nil, 0, invalid("loan", fmt.Sprintf("loan is %s and does not accept payments", loan.Status))
	}

	schedule, err := s.store.GetSchedule(ctx, req.ScheduleID, false)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, 0, invalid("schedule_id", "unknown installment")
		}
		return nil, nil, 0, err
	}
	if schedule.LoanID != loan.ID {
		return nil, nil, 0, invalid("schedule_id", "installment does not belong to this loan")
	}
	if schedule.Status == models.ScheduleStatusPaid {
		return nil, nil, 0, invalid("schedule_id", "installment is already paid")
	}

	amount, err := resolveAmount(schedule, req.Amount)
	if err != nil {
		return nil, nil, 0, err
	}
	return loan, schedule, amount, nil
}

// resolveAmount applies the payment amount policy: default to the outstanding
// remainder, reject anything non-positive or above it.
func resolveAmount(schedule *models.InstallmentSchedule, requested *int64) (int64, error) {
	outstanding := schedule.Outstanding()
	if requested == nil {
		if outstanding <= 0 {
			return 0, invalid("amount", "nothing is outstanding on this installment")
		}
		return outstanding, nil
	}
	if *requested <= 0 {
		return 0, invalid("amount", "amount must be positive")
	}
	if *requested > outstanding {
		return 0, invalid("amount", fmt.Sprintf("amount exceeds the outstanding %s", models.FormatAmount(outstanding)))
	}
	return *requested, nil
}

func (s *PaymentService) newAttempt(actor models.Actor, loanID, scheduleID uuid.UUID, amount int64, method models.PaymentMethod) *models.PaymentAttempt {
	now := s.now()
	sid := scheduleID
	return &models.PaymentAttempt{
		ID:         uuid.New(),
		LoanID:     loanID,
		ScheduleID: &sid,
		UserID:     actor.ID,
		Amount:     amount,
		Method:     method,
		Status:     models.PaymentStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// fail moves a pending payment to failed and reports the resulting state,
// which is the winner's if another delivery finished it first.
func (s *PaymentService) fail(ctx context.Context, payment *models.PaymentAttempt, reason string) (*CallbackResult, error) {
	current, changed, err := s.markFailed(ctx, payment.ID, reason)
	if err != nil {
		s.logger.Error("failed to mark payment failed",
			zap.String("payment_id", payment.ID.String()),
			zap.String("reason", reason),
			zap.Error(err))
		return nil, err
	}

	res := s.resultFor(current)
	if changed {
		s.settlement.NotifyFailed(current, reason)
	} else {
		res.Replayed = true
	}
	return res, nil
}

// markFailed reports whether this call made the transition.
func (s *PaymentService) markFailed(ctx context.Context, paymentID uuid.UUID, reason string) (*models.PaymentAttempt, bool, error) {
	var (
		current *models.PaymentAttempt
		changed bool
	)
	err := s.store.WithinTx(ctx, func(q repository.Queries) error {
		changed = false
		payment, err := q.GetPayment(ctx, paymentID, true)
		if err != nil {
			return err
		}
		current = payment
		if payment.Status != models.PaymentStatusPending {
			return nil
		}
		payment.Status = models.PaymentStatusFailed
		payment.FailureReason = reason
		payment.UpdatedAt = s.now()
		if err := q.UpdatePayment(ctx, payment); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if changed {
		s.logger.Info("payment failed",
			zap.String("payment_id", current.ID.String()),
			zap.String("loan_id", current.LoanID.String()),
			zap.String("reason", current.FailureReason))
	}
	return current, changed, nil
}

// noteSettlementFailure records why settlement rolled back while leaving the
// payment pending, so the next identical callback can re-drive it.
func (s *PaymentService) noteSettlementFailure(ctx context.Context, paymentID uuid.UUID, cause error) {
	err := s.store.WithinTx(ctx, func(q repository.Queries) error {
		payment, err := q.GetPayment(ctx, paymentID, true)
		if err != nil {
			return err
		}
		if payment.Status != models.PaymentStatusPending {
			return nil
		}
		payment.FailureReason = settlementReason(cause)
		payment.UpdatedAt = s.now()
		return q.UpdatePayment(ctx, payment)
	})
	if err != nil {
		s.logger.Warn("failed to record settlement failure",
			zap.String("payment_id", paymentID.String()),
			zap.Error(err))
	}
}

func (s *PaymentService) resultFor(payment *models.PaymentAttempt) *CallbackResult {
	res := &CallbackResult{Payment: payment}
	switch payment.Status {
	case models.PaymentStatusCompleted:
		res.Success = true
	default:
		res.Message = FailureMessage(payment.FailureReason)
		if res.Message == "" {
			res.Message = gateway.GenericFailureMessage
		}
	}
	return res
}

func requestFailureReason(err error) string {
	var rejected *gateway.RejectedError
	if errors.As(err, &rejected) {
		return gatewayCodeReason(rejected.Code)
	}
	return reasonGatewayUnavailable
}

func classifyGatewayError(err error) error {
	var rejected *gateway.RejectedError
	if errors.As(err, &rejected) {
		return &GatewayRejectedError{Code: rejected.Code}
	}
	return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
}
