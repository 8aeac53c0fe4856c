// internal/service/ledger_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/cache"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/metrics"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/models"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/repository"
)

// LedgerService owns wallet balances and their append-only ledger.
type LedgerService struct {
	store   repository.Store
	cache   *cache.ViewCache
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewLedgerService(store repository.Store, viewCache *cache.ViewCache, m *metrics.Metrics, logger *zap.Logger) *LedgerService {
	return &LedgerService{
		store:   store,
		cache:   viewCache,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// AppendAndRebalance applies signed to the wallet under its row lock: one
// ledger row carrying the new balance, then the cached balance field. It runs
// on the caller's transaction and never commits on its own. A debit below zero
// is rejected with ErrInsufficientBalance and nothing is written.
func (s *LedgerService) AppendAndRebalance(ctx context.Context, q repository.Queries, walletID uuid.UUID, signed int64, meta models.Metadata) (*models.WalletTransaction, error) {
	if signed == 0 {
		return nil, invalid("amount", "ledger amount must be non-zero")
	}

	wallet, err := q.GetWallet(ctx, walletID, true)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("wallet %s: %w", walletID, ErrWalletNotFound)
		}
		return nil, err
	}

	newBalance := wallet.Balance + signed
	if newBalance < 0 {
		return nil, fmt.Errorf("wallet %s has %d, cannot debit %d: %w",
			walletID, wallet.Balance, -signed, ErrInsufficientBalance)
	}

	now := s.now()
	txn := &models.WalletTransaction{
		ID:           uuid.New(),
		WalletID:     walletID,
		Type:         models.EntryTypeCredit,
		Amount:       signed,
		BalanceAfter: newBalance,
		Metadata:     meta,
		CreatedAt:    now,
	}
	if signed < 0 {
		txn.Type = models.EntryTypeDebit
		txn.Amount = -signed
	}

	if err := q.InsertWalletTransaction(ctx, txn); err != nil {
		return nil, err
	}
	if err := q.UpdateWalletBalance(ctx, walletID, newBalance, now); err != nil {
		return nil, err
	}

	return txn, nil
}

// Balance returns the wallet's cached balance field, served from the view
// cache when possible.
func (s *LedgerService) Balance(ctx context.Context, walletID uuid.UUID) (int64, error) {
	key := cache.WalletBalanceKey(walletID)

	var balance int64
	if s.cache.Get(ctx, key, &balance) {
		s.metrics.BalanceCache.WithLabelValues("hit").Inc()
		return balance, nil
	}
	s.metrics.BalanceCache.WithLabelValues("miss").Inc()

	gen := s.cache.Generation(key)
	wallet, err := s.store.GetWallet(ctx, walletID, false)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, ErrWalletNotFound
		}
		return 0, err
	}

	s.cache.SetIfCurrent(ctx, key, wallet.Balance, gen)
	return wallet.Balance, nil
}

func (s *LedgerService) BalanceView(ctx context.Context, walletID uuid.UUID) (*models.BalanceView, error) {
	balance, err := s.Balance(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return &models.BalanceView{
		WalletID: walletID,
		Balance:  balance,
		Display:  models.FormatAmount(balance),
	}, nil
}

// Transactions lists the wallet's ledger in creation order.
func (s *LedgerService) Transactions(ctx context.Context, walletID uuid.UUID) ([]*models.WalletTransaction, error) {
	return s.store.ListWalletTransactions(ctx, walletID)
}

// UserWallet returns the user's wallet, creating it on first use.
func (s *LedgerService) UserWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	return ensureUserWallet(ctx, s.store, userID, s.now())
}

// SharedWallet returns the collection wallet.
func (s *LedgerService) SharedWallet(ctx context.Context) (*models.Wallet, error) {
	wallet, err := s.store.GetSharedWallet(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("shared wallet not seeded: %w", ErrWalletNotFound)
		}
		return nil, err
	}
	return wallet, nil
}

// EnsureSharedWallet seeds the singleton collection wallet if missing.
func (s *LedgerService) EnsureSharedWallet(ctx context.Context) (*models.Wallet, error) {
	wallet, err := s.store.GetSharedWallet(ctx)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	now := s.now()
	wallet = &models.Wallet{
		ID:        uuid.New(),
		IsShared:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateWallet(ctx, wallet); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return s.store.GetSharedWallet(ctx)
		}
		return nil, err
	}

	s.logger.Info("shared wallet seeded", zap.String("wallet_id", wallet.ID.String()))
	return wallet, nil
}

func ensureUserWallet(ctx context.Context, q repository.Queries, userID uuid.UUID, now time.Time) (*models.Wallet, error) {
	wallet, err := q.GetWalletByUser(ctx, userID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	owner := userID
	wallet = &models.Wallet{
		ID:        uuid.New(),
		UserID:    &owner,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.CreateWallet(ctx, wallet); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return q.GetWalletByUser(ctx, userID)
		}
		return nil, err
	}
	return wallet, nil
}
