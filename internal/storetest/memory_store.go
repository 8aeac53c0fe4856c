// internal/storetest/memory_store.go
package storetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/models"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/repository"
)

// MemoryStore is an in-process repository.Store for tests. Transactions are
// serialised by one mutex, which stands in for row locks, and a failed
// transaction restores a snapshot taken when it began.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData

	// FailOn makes the named operation return an error inside transactions.
	// A key of "Op:<id>" fails the operation for that row only.
	FailOn map[string]error
}

type memData struct {
	loans     map[uuid.UUID]models.Loan
	schedules map[uuid.UUID]models.InstallmentSchedule
	payments  map[uuid.UUID]models.PaymentAttempt
	wallets   map[uuid.UUID]models.Wallet
	txns      []models.WalletTransaction
	reports   []models.ReconciliationReport
	seq       int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: &memData{
			loans:     make(map[uuid.UUID]models.Loan),
			schedules: make(map[uuid.UUID]models.InstallmentSchedule),
			payments:  make(map[uuid.UUID]models.PaymentAttempt),
			wallets:   make(map[uuid.UUID]models.Wallet),
		},
	}
}

func (d *memData) clone() *memData {
	c := &memData{
		loans:     make(map[uuid.UUID]models.Loan, len(d.loans)),
		schedules: make(map[uuid.UUID]models.InstallmentSchedule, len(d.schedules)),
		payments:  make(map[uuid.UUID]models.PaymentAttempt, len(d.payments)),
		wallets:   make(map[uuid.UUID]models.Wallet, len(d.wallets)),
		txns:      append([]models.WalletTransaction(nil), d.txns...),
		reports:   append([]models.ReconciliationReport(nil), d.reports...),
		seq:       d.seq,
	}
	for k, v := range d.loans {
		c.loans[k] = v
	}
	for k, v := range d.schedules {
		c.schedules[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	for k, v := range d.wallets {
		c.wallets[k] = v
	}
	return c
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(q repository.Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := s.data.clone()
	if err := fn(&memQueries{d: s.data, failOn: s.FailOn}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// SetWalletBalance overwrites a wallet's cached balance without a ledger row,
// for tests that need a drifted wallet.
func (s *MemoryStore) SetWalletBalance(id uuid.UUID, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.data.wallets[id]
	w.Balance = balance
	s.data.wallets[id] = w
}

// Reports returns saved reconciliation reports.
func (s *MemoryStore) Reports() []models.ReconciliationReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ReconciliationReport(nil), s.data.reports...)
}

func (s *MemoryStore) direct() *memQueries {
	return &memQueries{d: s.data}
}

func (s *MemoryStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().CreateLoan(ctx, loan)
}

func (s *MemoryStore) GetLoan(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().GetLoan(ctx, id, forUpdate)
}

func (s *MemoryStore) UpdateLoan(ctx context.Context, loan *models.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().UpdateLoan(ctx, loan)
}

func (s *MemoryStore) CreateSchedule(ctx context.Context, schedule *models.InstallmentSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().CreateSchedule(ctx, schedule)
}

func (s *MemoryStore) GetSchedule(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.InstallmentSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().GetSchedule(ctx, id, forUpdate)
}

func (s *MemoryStore) UpdateSchedule(ctx context.Context, schedule *models.InstallmentSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().UpdateSchedule(ctx, schedule)
}

func (s *MemoryStore) ListUnpaidScheduleIDsDueBefore(ctx context.Context, before time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().ListUnpaidScheduleIDsDueBefore(ctx, before)
}

func (s *MemoryStore) CreatePayment(ctx context.Context, payment *models.PaymentAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().CreatePayment(ctx, payment)
}

func (s *MemoryStore) GetPayment(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.PaymentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().GetPayment(ctx, id, forUpdate)
}

func (s *MemoryStore) GetPaymentByReference(ctx context.Context, reference string) (*models.PaymentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().GetPaymentByReference(ctx, reference)
}

func (s *MemoryStore) UpdatePayment(ctx context.Context, payment *models.PaymentAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().UpdatePayment(ctx, payment)
}

func (s *MemoryStore) CreateWallet(ctx context.Context, wallet *models.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().CreateWallet(ctx, wallet)
}

func (s *MemoryStore) GetWallet(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().GetWallet(ctx, id, forUpdate)
}

func (s *MemoryStore) GetWalletByUser(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().GetWalletByUser(ctx, userID)
}

func (s *MemoryStore) GetSharedWallet(ctx context.Context) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().GetSharedWallet(ctx)
}

func (s *MemoryStore) ListWallets(ctx context.Context) ([]*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().ListWallets(ctx)
}

func (s *MemoryStore) UpdateWalletBalance(ctx context.Context, id uuid.UUID, balance int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().UpdateWalletBalance(ctx, id, balance, at)
}

func (s *MemoryStore) InsertWalletTransaction(ctx context.Context, txn *models.WalletTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().InsertWalletTransaction(ctx, txn)
}

func (s *MemoryStore) ListWalletTransactions(ctx context.Context, walletID uuid.UUID) ([]*models.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().ListWalletTransactions(ctx, walletID)
}

func (s *MemoryStore) SaveReconciliationReport(ctx context.Context, report *models.ReconciliationReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().SaveReconciliationReport(ctx, report)
}

// memQueries operates on the data under the caller's lock.
type memQueries struct {
	d      *memData
	failOn map[string]error
}

func (q *memQueries) fail(op string, id uuid.UUID) error {
	if err := q.failOn[op]; err != nil {
		return err
	}
	return q.failOn[op+":"+id.String()]
}

func notFound(what string) error {
	return fmt.Errorf("%s: %w", what, repository.ErrNotFound)
}

func duplicate(what string) error {
	return fmt.Errorf("%s: %w", what, repository.ErrDuplicate)
}

func (q *memQueries) CreateLoan(_ context.Context, loan *models.Loan) error {
	if _, ok := q.d.loans[loan.ID]; ok {
		return duplicate("failed to create loan")
	}
	q.d.loans[loan.ID] = *loan
	return nil
}

func (q *memQueries) GetLoan(_ context.Context, id uuid.UUID, _ bool) (*models.Loan, error) {
	loan, ok := q.d.loans[id]
	if !ok {
		return nil, notFound("failed to get loan")
	}
	return &loan, nil
}

func (q *memQueries) UpdateLoan(_ context.Context, loan *models.Loan) error {
	if err := q.fail("UpdateLoan", loan.ID); err != nil {
		return err
	}
	cur, ok := q.d.loans[loan.ID]
	if !ok {
		return notFound("failed to update loan")
	}
	if loan.RemainingBalance < 0 {
		return errors.New("failed to update loan: remaining_balance check violated")
	}
	cur.RemainingBalance = loan.RemainingBalance
	cur.Status = loan.Status
	cur.UpdatedAt = loan.UpdatedAt
	q.d.loans[loan.ID] = cur
	return nil
}

func (q *memQueries) CreateSchedule(_ context.Context, schedule *models.InstallmentSchedule) error {
	if _, ok := q.d.loans[schedule.LoanID]; !ok {
		return errors.New("failed to create schedule: loan does not exist")
	}
	if _, ok := q.d.schedules[schedule.ID]; ok {
		return duplicate("failed to create schedule")
	}
	for _, s := range q.d.schedules {
		if s.LoanID == schedule.LoanID && s.InstallmentNumber == schedule.InstallmentNumber {
			return duplicate("failed to create schedule")
		}
	}
	q.d.schedules[schedule.ID] = *schedule
	return nil
}

func (q *memQueries) GetSchedule(_ context.Context, id uuid.UUID, _ bool) (*models.InstallmentSchedule, error) {
	schedule, ok := q.d.schedules[id]
	if !ok {
		return nil, notFound("failed to get schedule")
	}
	return &schedule, nil
}

func (q *memQueries) UpdateSchedule(_ context.Context, schedule *models.InstallmentSchedule) error {
	if err := q.fail("UpdateSchedule", schedule.ID); err != nil {
		return err
	}
	cur, ok := q.d.schedules[schedule.ID]
	if !ok {
		return notFound("failed to update schedule")
	}
	cur.PenaltyAmount = schedule.PenaltyAmount
	cur.PaidAmount = schedule.PaidAmount
	cur.PaidAt = schedule.PaidAt
	cur.Status = schedule.Status
	cur.UpdatedAt = schedule.UpdatedAt
	q.d.schedules[schedule.ID] = cur
	return nil
}

func (q *memQueries) ListUnpaidScheduleIDsDueBefore(_ context.Context, before time.Time) ([]uuid.UUID, error) {
	var due []models.InstallmentSchedule
	for _, s := range q.d.schedules {
		if s.Status != models.ScheduleStatusPaid && s.DueDate.Before(before) {
			due = append(due, s)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].DueDate.Equal(due[j].DueDate) {
			return due[i].DueDate.Before(due[j].DueDate)
		}
		return bytes.Compare(due[i].ID[:], due[j].ID[:]) < 0
	})
	ids := make([]uuid.UUID, 0, len(due))
	for _, s := range due {
		ids = append(ids, s.ID)
	}
	return ids, nil
}

func (q *memQueries) CreatePayment(_ context.Context, payment *models.PaymentAttempt) error {
	if _, ok := q.d.payments[payment.ID]; ok {
		return duplicate("failed to create payment")
	}
	if payment.Amount <= 0 {
		return errors.New("failed to create payment: amount check violated")
	}
	if q.referenceTaken(payment.ID, payment.GatewayReference) {
		return duplicate("failed to create payment")
	}
	q.d.payments[payment.ID] = *payment
	return nil
}

func (q *memQueries) GetPayment(_ context.Context, id uuid.UUID, _ bool) (*models.PaymentAttempt, error) {
	payment, ok := q.d.payments[id]
	if !ok {
		return nil, notFound("failed to get payment")
	}
	return &payment, nil
}

func (q *memQueries) GetPaymentByReference(_ context.Context, reference string) (*models.PaymentAttempt, error) {
	if reference == "" {
		return nil, notFound("failed to get payment")
	}
	for _, p := range q.d.payments {
		if p.GatewayReference == reference {
			payment := p
			return &payment, nil
		}
	}
	return nil, notFound("failed to get payment")
}

func (q *memQueries) UpdatePayment(_ context.Context, payment *models.PaymentAttempt) error {
	if err := q.fail("UpdatePayment", payment.ID); err != nil {
		return err
	}
	cur, ok := q.d.payments[payment.ID]
	if !ok {
		return notFound("failed to update payment")
	}
	if q.referenceTaken(payment.ID, payment.GatewayReference) {
		return duplicate("failed to update payment")
	}
	cur.Status = payment.Status
	cur.GatewayReference = payment.GatewayReference
	cur.GatewayRefID = payment.GatewayRefID
	cur.FailureReason = payment.FailureReason
	cur.GatewayPayload = payment.GatewayPayload
	cur.UpdatedAt = payment.UpdatedAt
	cur.CompletedAt = payment.CompletedAt
	q.d.payments[payment.ID] = cur
	return nil
}

func (q *memQueries) referenceTaken(id uuid.UUID, reference string) bool {
	if reference == "" {
		return false
	}
	for _, p := range q.d.payments {
		if p.ID != id && p.GatewayReference == reference {
			return true
		}
	}
	return false
}

func (q *memQueries) CreateWallet(_ context.Context, wallet *models.Wallet) error {
	for _, w := range q.d.wallets {
		switch {
		case w.ID == wallet.ID:
			return duplicate("failed to create wallet")
		case wallet.IsShared && w.IsShared:
			return duplicate("failed to create wallet")
		case wallet.UserID != nil && w.UserID != nil && *w.UserID == *wallet.UserID:
			return duplicate("failed to create wallet")
		}
	}
	q.d.wallets[wallet.ID] = *wallet
	return nil
}

func (q *memQueries) GetWallet(_ context.Context, id uuid.UUID, _ bool) (*models.Wallet, error) {
	wallet, ok := q.d.wallets[id]
	if !ok {
		return nil, notFound("failed to get wallet")
	}
	return &wallet, nil
}

func (q *memQueries) GetWalletByUser(_ context.Context, userID uuid.UUID) (*models.Wallet, error) {
	for _, w := range q.d.wallets {
		if w.UserID != nil && *w.UserID == userID {
			wallet := w
			return &wallet, nil
		}
	}
	return nil, notFound("failed to get wallet")
}

func (q *memQueries) GetSharedWallet(_ context.Context) (*models.Wallet, error) {
	for _, w := range q.d.wallets {
		if w.IsShared {
			wallet := w
			return &wallet, nil
		}
	}
	return nil, notFound("failed to get wallet")
}

func (q *memQueries) ListWallets(_ context.Context) ([]*models.Wallet, error) {
	wallets := make([]*models.Wallet, 0, len(q.d.wallets))
	for _, w := range q.d.wallets {
		wallet := w
		wallets = append(wallets, &wallet)
	}
	sort.Slice(wallets, func(i, j int) bool {
		return bytes.Compare(wallets[i].ID[:], wallets[j].ID[:]) < 0
	})
	return wallets, nil
}

func (q *memQueries) UpdateWalletBalance(_ context.Context, id uuid.UUID, balance int64, at time.Time) error {
	if err := q.fail("UpdateWalletBalance", id); err != nil {
		return err
	}
	cur, ok := q.d.wallets[id]
	if !ok {
		return notFound("failed to update wallet balance")
	}
	if balance < 0 {
		return errors.New("failed to update wallet balance: balance check violated")
	}
	cur.Balance = balance
	cur.UpdatedAt = at
	q.d.wallets[id] = cur
	return nil
}

func (q *memQueries) InsertWalletTransaction(_ context.Context, txn *models.WalletTransaction) error {
	if err := q.fail("InsertWalletTransaction", txn.WalletID); err != nil {
		return err
	}
	if _, ok := q.d.wallets[txn.WalletID]; !ok {
		return errors.New("failed to insert wallet transaction: wallet does not exist")
	}
	if txn.Amount <= 0 {
		return errors.New("failed to insert wallet transaction: amount check violated")
	}
	q.d.seq++
	txn.Sequence = q.d.seq
	row := *txn
	row.Metadata = copyMeta(txn.Metadata)
	q.d.txns = append(q.d.txns, row)
	return nil
}

func (q *memQueries) ListWalletTransactions(_ context.Context, walletID uuid.UUID) ([]*models.WalletTransaction, error) {
	var txns []*models.WalletTransaction
	for _, t := range q.d.txns {
		if t.WalletID == walletID {
			txn := t
			txn.Metadata = copyMeta(t.Metadata)
			txns = append(txns, &txn)
		}
	}
	return txns, nil
}

func (q *memQueries) SaveReconciliationReport(_ context.Context, report *models.ReconciliationReport) error {
	row := *report
	row.Discrepancies = append([]string(nil), report.Discrepancies...)
	q.d.reports = append(q.d.reports, row)
	return nil
}

func copyMeta(meta models.Metadata) models.Metadata {
	if meta == nil {
		return nil
	}
	out := make(models.Metadata, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
