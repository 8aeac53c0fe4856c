package service

import (
	"context"
	"fmt"
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
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/storetest"
)

var testNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

// fakeGateway hands out sequential authorities and verifies with whatever
// result it was scripted with.
type fakeGateway struct {
	mu           sync.Mutex
	requestErr   error
	verifyResult *gateway.VerifyResult
	verifyErr    error
	requests     []gateway.PaymentRequest
	verifyCalls  int
	issued       int
}

func (f *fakeGateway) RequestPayment(_ context.Context, req gateway.PaymentRequest) (*gateway.PaymentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	if f.requestErr != nil {
		return nil, f.requestErr
	}
	f.issued++
	authority := fmt.Sprintf("A%035d", f.issued)
	return &gateway.PaymentResponse{
		Authority:   authority,
		RedirectURL: "https://gateway.test/StartPay/" + authority,
	}, nil
}

func (f *fakeGateway) VerifyPayment(_ context.Context, authority string, _ int64) (*gateway.VerifyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.verifyCalls++
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	if f.verifyResult != nil {
		res := *f.verifyResult
		return &res, nil
	}
	return &gateway.VerifyResult{
		Status: gateway.VerifyStatusVerified,
		Code:   gateway.CodeSuccess,
		RefID:  "ref-" + authority[len(authority)-4:],
		Raw:    []byte(`{"data":{"code":100}}`),
	}, nil
}

func (f *fakeGateway) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// recordingNotifier keeps every published event.
type recordingNotifier struct {
	mu     sync.Mutex
	events []events.SettlementEvent
	ch     chan events.SettlementEvent
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{ch: make(chan events.SettlementEvent, 64)}
}

func (n *recordingNotifier) Notify(_ context.Context, event events.SettlementEvent) error {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
	n.ch <- event
	return nil
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) next(t *testing.T) events.SettlementEvent {
	t.Helper()
	select {
	case ev := <-n.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no settlement event published")
		return events.SettlementEvent{}
	}
}

type testEnv struct {
	store      *storetest.MemoryStore
	gateway    *fakeGateway
	notifier   *recordingNotifier
	cache      *cache.ViewCache
	metrics    *metrics.Metrics
	ledger     *LedgerService
	settlement *SettlementOrchestrator
	payments   *PaymentService
	penalties  *PenaltyEngine

	shared *models.Wallet
	user   models.Actor
	loan   *models.Loan
	sched  *models.InstallmentSchedule
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := zap.NewNop()
	env := &testEnv{
		store:    storetest.NewMemoryStore(),
		gateway:  &fakeGateway{},
		notifier: newRecordingNotifier(),
		cache:    cache.NewViewCache(nil, time.Minute, logger),
		metrics:  metrics.NewMetrics(prometheus.NewRegistry()),
	}
	t.Cleanup(env.cache.Close)

	clock := func() time.Time { return testNow }

	env.ledger = NewLedgerService(env.store, env.cache, env.metrics, logger)
	env.ledger.now = clock
	env.settlement = NewSettlementOrchestrator(env.store, env.ledger, env.cache, env.notifier, env.metrics, logger)
	env.settlement.now = clock
	env.payments = NewPaymentService(env.store, env.gateway, env.settlement, PaymentConfig{
		CallbackURL:         "https://loans.test/api/v1/payments/callback",
		MinorUnitMultiplier: 10,
	}, env.metrics, logger)
	env.payments.now = clock
	env.penalties = NewPenaltyEngine(env.store, env.cache, decimal.RequireFromString("0.001"), env.metrics, logger)
	env.penalties.now = clock

	shared, err := env.ledger.EnsureSharedWallet(context.Background())
	if err != nil {
		t.Fatalf("EnsureSharedWallet() error = %v", err)
	}
	env.shared = shared

	env.user = models.Actor{ID: uuid.New(), Role: models.RoleUser, Active: true}
	env.loan, env.sched = env.seedLoan(t, env.user.ID, 3_000_000, 1_000_000, testNow.AddDate(0, 0, 10))
	return env
}

// seedLoan creates an active loan with its first installment.
func (e *testEnv) seedLoan(t *testing.T, userID uuid.UUID, remaining, amountDue int64, dueDate time.Time) (*models.Loan, *models.InstallmentSchedule) {
	t.Helper()
	ctx := context.Background()

	loan := &models.Loan{
		ID:               uuid.New(),
		UserID:           userID,
		Principal:        remaining,
		TermMonths:       int((remaining + amountDue - 1) / amountDue),
		InterestRate:     decimal.RequireFromString("0.18"),
		MonthlyPayment:   amountDue,
		RemainingBalance: remaining,
		Status:           models.LoanStatusActive,
		CreatedAt:        testNow,
		UpdatedAt:        testNow,
	}
	if err := e.store.CreateLoan(ctx, loan); err != nil {
		t.Fatalf("CreateLoan() error = %v", err)
	}
	sched := e.addSchedule(t, loan.ID, 1, amountDue, dueDate)
	return loan, sched
}

func (e *testEnv) addSchedule(t *testing.T, loanID uuid.UUID, number int, amountDue int64, dueDate time.Time) *models.InstallmentSchedule {
	t.Helper()
	sched := &models.InstallmentSchedule{
		ID:                uuid.New(),
		LoanID:            loanID,
		InstallmentNumber: number,
		AmountDue:         amountDue,
		PrincipalPortion:  amountDue,
		DueDate:           dueDate,
		Status:            models.ScheduleStatusPending,
		CreatedAt:         testNow,
		UpdatedAt:         testNow,
	}
	if err := e.store.CreateSchedule(context.Background(), sched); err != nil {
		t.Fatalf("CreateSchedule() error = %v", err)
	}
	return sched
}

// fund credits a user's wallet through the ledger.
func (e *testEnv) fund(t *testing.T, userID uuid.UUID, amount int64) *models.Wallet {
	t.Helper()
	ctx := context.Background()

	wallet, err := e.ledger.UserWallet(ctx, userID)
	if err != nil {
		t.Fatalf("UserWallet() error = %v", err)
	}
	err = e.store.WithinTx(ctx, func(q repository.Queries) error {
		_, err := e.ledger.AppendAndRebalance(ctx, q, wallet.ID, amount, models.Metadata{"kind": "deposit"})
		return err
	})
	if err != nil {
		t.Fatalf("fund() error = %v", err)
	}
	return wallet
}

func (e *testEnv) initiate(t *testing.T, amount *int64) *InitiateResult {
	t.Helper()
	res, err := e.payments.Initiate(context.Background(), e.user, InitiateRequest{
		LoanID:     e.loan.ID,
		ScheduleID: e.sched.ID,
		Amount:     amount,
	})
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	return res
}

func (e *testEnv) payment(t *testing.T, id uuid.UUID) *models.PaymentAttempt {
	t.Helper()
	p, err := e.store.GetPayment(context.Background(), id, false)
	if err != nil {
		t.Fatalf("GetPayment() error = %v", err)
	}
	return p
}

func (e *testEnv) schedule(t *testing.T, id uuid.UUID) *models.InstallmentSchedule {
	t.Helper()
	s, err := e.store.GetSchedule(context.Background(), id, false)
	if err != nil {
		t.Fatalf("GetSchedule() error = %v", err)
	}
	return s
}

func (e *testEnv) loanState(t *testing.T, id uuid.UUID) *models.Loan {
	t.Helper()
	l, err := e.store.GetLoan(context.Background(), id, false)
	if err != nil {
		t.Fatalf("GetLoan() error = %v", err)
	}
	return l
}

func (e *testEnv) wallet(t *testing.T, id uuid.UUID) *models.Wallet {
	t.Helper()
	w, err := e.store.GetWallet(context.Background(), id, false)
	if err != nil {
		t.Fatalf("GetWallet() error = %v", err)
	}
	return w
}

func (e *testEnv) userWallet(t *testing.T, userID uuid.UUID) *models.Wallet {
	t.Helper()
	w, err := e.store.GetWalletByUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetWalletByUser() error = %v", err)
	}
	return w
}

func (e *testEnv) ledgerRows(t *testing.T, walletID uuid.UUID) []*models.WalletTransaction {
	t.Helper()
	txns, err := e.store.ListWalletTransactions(context.Background(), walletID)
	if err != nil {
		t.Fatalf("ListWalletTransactions() error = %v", err)
	}
	return txns
}

// assertLedgerConsistent checks balance == sum of signed ledger amounts and
// that every balance_after matches the running sum.
func (e *testEnv) assertLedgerConsistent(t *testing.T, walletID uuid.UUID) {
	t.Helper()
	var running int64
	for _, txn := range e.ledgerRows(t, walletID) {
		running += txn.SignedAmount()
		if txn.BalanceAfter != running {
			t.Errorf("wallet %s row %d balance_after = %d, running sum %d", walletID, txn.Sequence, txn.BalanceAfter, running)
		}
	}
	if got := e.wallet(t, walletID).Balance; got != running {
		t.Errorf("wallet %s balance = %d, ledger sum = %d", walletID, got, running)
	}
}

// pay runs a full gateway round trip for actor against one installment.
func (e *testEnv) pay(t *testing.T, actor models.Actor, loanID, scheduleID uuid.UUID, amount *int64) *CallbackResult {
	t.Helper()
	ctx := context.Background()

	started, err := e.payments.Initiate(ctx, actor, InitiateRequest{LoanID: loanID, ScheduleID: scheduleID, Amount: amount})
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	res, err := e.payments.HandleCallback(ctx, started.Authority, CallbackStatusOK)
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("HandleCallback() success = false, message %q", res.Message)
	}
	return res
}

func int64Ptr(v int64) *int64 { return &v }

// interleavingStore runs a hook once, right after the first plain (non-locking)
// ListWallets or GetWallet read returns, to land a commit between a reader's
// queries.
type interleavingStore struct {
	*storetest.MemoryStore
	afterListWallets func()
	afterGetWallet   func()
}

func (s *interleavingStore) ListWallets(ctx context.Context) ([]*models.Wallet, error) {
	wallets, err := s.MemoryStore.ListWallets(ctx)
	if hook := s.afterListWallets; hook != nil {
		s.afterListWallets = nil
		hook()
	}
	return wallets, err
}

func (s *interleavingStore) GetWallet(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.Wallet, error) {
	wallet, err := s.MemoryStore.GetWallet(ctx, id, forUpdate)
	if hook := s.afterGetWallet; hook != nil {
		s.afterGetWallet = nil
		hook()
	}
	return wallet, err
}
