// internal/models/wallet.go
package models

import (
	"time"

	"github.com/google/uuid"
)

type EntryType string

const (
	EntryTypeCredit EntryType = "credit"
	EntryTypeDebit  EntryType = "debit"
)

// Wallet belongs to one user, or is the single shared collection wallet
// (IsShared, no UserID). Balance caches the sum of its ledger.
type Wallet struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	UserID    *uuid.UUID `json:"user_id,omitempty" db:"user_id"`
	IsShared  bool       `json:"is_shared" db:"is_shared"`
	Balance   int64      `json:"balance" db:"balance"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// Metadata links a ledger row back to what caused it.
type Metadata map[string]string

// WalletTransaction is an immutable ledger row. Amount is always positive;
// Sequence orders rows of a wallet in creation order.
type WalletTransaction struct {
	ID           uuid.UUID `json:"id" db:"id"`
	WalletID     uuid.UUID `json:"wallet_id" db:"wallet_id"`
	Sequence     int64     `json:"sequence" db:"seq"`
	Type         EntryType `json:"type" db:"type"`
	Amount       int64     `json:"amount" db:"amount"`
	BalanceAfter int64     `json:"balance_after" db:"balance_after"`
	Metadata     Metadata  `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// SignedAmount is the effect of the row on the wallet balance.
func (t *WalletTransaction) SignedAmount() int64 {
	if t.Type == EntryTypeDebit {
		return -t.Amount
	}
	return t.Amount
}

type BalanceView struct {
	WalletID uuid.UUID `json:"wallet_id"`
	Balance  int64     `json:"balance"`
	Display  string    `json:"balance_display"`
}

// ReconciliationReport compares every wallet's cached balance with its ledger.
type ReconciliationReport struct {
	ID             string    `json:"id" db:"id"`
	WalletsChecked int       `json:"wallets_checked" db:"wallets_checked"`
	LedgerRows     int       `json:"ledger_rows" db:"ledger_rows"`
	TotalCredits   int64     `json:"total_credits" db:"total_credits"`
	TotalDebits    int64     `json:"total_debits" db:"total_debits"`
	IsBalanced     bool      `json:"is_balanced" db:"is_balanced"`
	Discrepancies  []string  `json:"discrepancies" db:"discrepancies"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
