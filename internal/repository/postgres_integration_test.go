//go:build integration
// +build integration

package repository_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/cache"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/events"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/gateway"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/metrics"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/models"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/repository"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/service"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/pkg/database"
)

func openStore(t *testing.T) *repository.PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := database.NewPostgresDB(dsn)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background(), models.Schema...); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return repository.NewPostgresStore(db.DB)
}

func seed(t *testing.T, store repository.Store, userID uuid.UUID, amountDue int64) (*models.Loan, *models.InstallmentSchedule) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	loan := &models.Loan{
		ID:               uuid.New(),
		UserID:           userID,
		Principal:        amountDue * 2,
		TermMonths:       2,
		InterestRate:     decimal.RequireFromString("0.18"),
		MonthlyPayment:   amountDue,
		RemainingBalance: amountDue * 2,
		Status:           models.LoanStatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.CreateLoan(ctx, loan); err != nil {
		t.Fatalf("CreateLoan() error = %v", err)
	}
	schedule := &models.InstallmentSchedule{
		ID:                uuid.New(),
		LoanID:            loan.ID,
		InstallmentNumber: 1,
		AmountDue:         amountDue,
		PrincipalPortion:  amountDue,
		DueDate:           now.AddDate(0, 0, -3),
		Status:            models.ScheduleStatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := store.CreateSchedule(ctx, schedule); err != nil {
		t.Fatalf("CreateSchedule() error = %v", err)
	}
	return loan, schedule
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	user := uuid.New()
	loan, schedule := seed(t, store, user, 700_000)

	got, err := store.GetLoan(ctx, loan.ID, false)
	if err != nil {
		t.Fatalf("GetLoan() error = %v", err)
	}
	if got.RemainingBalance != 1_400_000 || !got.InterestRate.Equal(loan.InterestRate) {
		t.Errorf("loan = %+v", got)
	}

	ids, err := store.ListUnpaidScheduleIDsDueBefore(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListUnpaidScheduleIDsDueBefore() error = %v", err)
	}
	found := false
	for _, id := range ids {
		found = found || id == schedule.ID
	}
	if !found {
		t.Errorf("overdue schedule %s not listed", schedule.ID)
	}

	sid := schedule.ID
	payment := &models.PaymentAttempt{
		ID:               uuid.New(),
		LoanID:           loan.ID,
		ScheduleID:       &sid,
		UserID:           user,
		Amount:           700_000,
		Method:           models.PaymentMethodGateway,
		Status:           models.PaymentStatusPending,
		GatewayReference: "IT" + uuid.NewString(),
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	if err := store.CreatePayment(ctx, payment); err != nil {
		t.Fatalf("CreatePayment() error = %v", err)
	}
	byRef, err := store.GetPaymentByReference(ctx, payment.GatewayReference)
	if err != nil || byRef.ID != payment.ID {
		t.Fatalf("GetPaymentByReference() = %v, %v", byRef, err)
	}

	dup := *payment
	dup.ID = uuid.New()
	if err := store.CreatePayment(ctx, &dup); !errors.Is(err, repository.ErrDuplicate) {
		t.Errorf("duplicate reference error = %v, want ErrDuplicate", err)
	}

	if _, err := store.GetPayment(ctx, uuid.New(), false); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("GetPayment(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_WithinTxRollsBack(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	loan, _ := seed(t, store, uuid.New(), 100_000)

	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(q repository.Queries) error {
		l, err := q.GetLoan(ctx, loan.ID, true)
		if err != nil {
			return err
		}
		l.RemainingBalance = 1
		if err := q.UpdateLoan(ctx, l); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithinTx() error = %v", err)
	}

	got, err := store.GetLoan(ctx, loan.ID, false)
	if err != nil {
		t.Fatalf("GetLoan() error = %v", err)
	}
	if got.RemainingBalance != 200_000 {
		t.Errorf("remaining = %d after rollback, want 200000", got.RemainingBalance)
	}
}

type okGateway struct {
	mu sync.Mutex
	n  int
}

func (g *okGateway) RequestPayment(context.Context, gateway.PaymentRequest) (*gateway.PaymentResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	authority := fmt.Sprintf("IT%d-%s", g.n, uuid.NewString())
	return &gateway.PaymentResponse{Authority: authority, RedirectURL: "https://pay.example/" + authority}, nil
}

func (g *okGateway) VerifyPayment(context.Context, string, int64) (*gateway.VerifyResult, error) {
	return &gateway.VerifyResult{Status: gateway.VerifyStatusVerified, Code: gateway.CodeSuccess, RefID: "1"}, nil
}

func newServices(t *testing.T, store repository.Store) (*service.LedgerService, *service.PaymentService) {
	t.Helper()
	logger := zap.NewNop()
	viewCache := cache.NewViewCache(nil, time.Minute, logger)
	t.Cleanup(viewCache.Close)
	m := metrics.NewMetrics(prometheus.NewRegistry())

	ledger := service.NewLedgerService(store, viewCache, m, logger)
	settlement := service.NewSettlementOrchestrator(store, ledger, viewCache, events.NewLogNotifier(logger), m, logger)
	t.Cleanup(settlement.Wait)
	payments := service.NewPaymentService(store, &okGateway{}, settlement, service.PaymentConfig{MinorUnitMultiplier: 10}, m, logger)
	return ledger, payments
}

// Concurrent callbacks for one authority must settle exactly once under real
// row locks.
func TestSettlement_ConcurrentCallbacksOnPostgres(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	ledger, payments := newServices(t, store)
	shared, err := ledger.EnsureSharedWallet(ctx)
	if err != nil {
		t.Fatalf("EnsureSharedWallet() error = %v", err)
	}
	sharedBefore := shared.Balance

	user := models.Actor{ID: uuid.New(), Role: models.RoleUser, Active: true}
	loan, schedule := seed(t, store, user.ID, 900_000)

	started, err := payments.Initiate(ctx, user, service.InitiateRequest{LoanID: loan.ID, ScheduleID: schedule.ID})
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	const deliveries = 6
	var wg sync.WaitGroup
	errs := make(chan error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := payments.HandleCallback(ctx, started.Authority, service.CallbackStatusOK)
			if err != nil {
				errs <- err
				return
			}
			if !res.Success {
				errs <- fmt.Errorf("callback failed: %s", res.Message)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("delivery error = %v", err)
	}

	got, err := store.GetSchedule(ctx, schedule.ID, false)
	if err != nil {
		t.Fatalf("GetSchedule() error = %v", err)
	}
	if got.PaidAmount != 900_000 || got.Status != models.ScheduleStatusPaid {
		t.Errorf("schedule = %s paid %d", got.Status, got.PaidAmount)
	}

	shared, err = store.GetWallet(ctx, shared.ID, false)
	if err != nil {
		t.Fatalf("GetWallet() error = %v", err)
	}
	if shared.Balance-sharedBefore != 900_000 {
		t.Errorf("shared wallet grew by %d, want 900000", shared.Balance-sharedBefore)
	}

	payer, err := store.GetWalletByUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetWalletByUser() error = %v", err)
	}
	txns, err := store.ListWalletTransactions(ctx, payer.ID)
	if err != nil {
		t.Fatalf("ListWalletTransactions() error = %v", err)
	}
	if len(txns) != 2 {
		t.Errorf("payer ledger rows = %d, want 2", len(txns))
	}
}

// Two wallet payments racing for a balance that covers only one of them: the
// balance is re-checked under the wallet lock, so exactly one settles.
func TestSettlement_ConcurrentWalletDebitsOnPostgres(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	ledger, payments := newServices(t, store)
	if _, err := ledger.EnsureSharedWallet(ctx); err != nil {
		t.Fatalf("EnsureSharedWallet() error = %v", err)
	}

	user := models.Actor{ID: uuid.New(), Role: models.RoleUser, Active: true}
	loan, first := seed(t, store, user.ID, 500_000)
	second := *first
	second.ID = uuid.New()
	second.InstallmentNumber = 2
	second.DueDate = first.DueDate.AddDate(0, 1, 0)
	if err := store.CreateSchedule(ctx, &second); err != nil {
		t.Fatalf("CreateSchedule() error = %v", err)
	}

	wallet, err := ledger.UserWallet(ctx, user.ID)
	if err != nil {
		t.Fatalf("UserWallet() error = %v", err)
	}
	err = store.WithinTx(ctx, func(q repository.Queries) error {
		_, err := ledger.AppendAndRebalance(ctx, q, wallet.ID, 500_000, models.Metadata{"kind": "deposit"})
		return err
	})
	if err != nil {
		t.Fatalf("deposit error = %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for _, scheduleID := range []uuid.UUID{first.ID, second.ID} {
		wg.Add(1)
		go func(scheduleID uuid.UUID) {
			defer wg.Done()
			_, err := payments.PayFromWallet(ctx, user, service.InitiateRequest{LoanID: loan.ID, ScheduleID: scheduleID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, service.ErrInsufficientBalance):
				rejected++
			default:
				t.Errorf("PayFromWallet() error = %v", err)
			}
		}(scheduleID)
	}
	wg.Wait()

	if succeeded != 1 || rejected != 1 {
		t.Fatalf("succeeded %d rejected %d, want 1 and 1", succeeded, rejected)
	}

	got, err := store.GetWallet(ctx, wallet.ID, false)
	if err != nil {
		t.Fatalf("GetWallet() error = %v", err)
	}
	txns, err := store.ListWalletTransactions(ctx, wallet.ID)
	if err != nil {
		t.Fatalf("ListWalletTransactions() error = %v", err)
	}
	var sum int64
	for _, txn := range txns {
		sum += txn.SignedAmount()
	}
	if got.Balance != 0 || sum != got.Balance {
		t.Errorf("balance = %d, ledger sum = %d, want both 0", got.Balance, sum)
	}
	if len(txns) != 2 {
		t.Errorf("ledger rows = %d, want deposit and one debit", len(txns))
	}
}
