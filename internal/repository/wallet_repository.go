// internal/repository/wallet_repository.go
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/models"
)

const walletColumns = `id, user_id, is_shared, balance, created_at, updated_at`

// CreateWallet inserts the wallet unless one already exists for the same
// user (or the shared slot), in which case it returns ErrDuplicate. The
// conflict is absorbed so a surrounding transaction stays usable.
func (q *queries) CreateWallet(ctx context.Context, wallet *models.Wallet) error {
	query := `
		INSERT INTO wallets (` + walletColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
	`
	res, err := q.db.ExecContext(ctx, query,
		wallet.ID,
		nullUUID(wallet.UserID),
		wallet.IsShared,
		wallet.Balance,
		wallet.CreatedAt,
		wallet.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "failed to create wallet")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("failed to create wallet: %w", ErrDuplicate)
	}
	return nil
}

func (q *queries) GetWallet(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE id = $1` + lockClause(forUpdate)
	return scanWallet(q.db.QueryRowContext(ctx, query, id))
}

func (q *queries) GetWalletByUser(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1`
	return scanWallet(q.db.QueryRowContext(ctx, query, userID))
}

func (q *queries) GetSharedWallet(ctx context.Context) (*models.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE is_shared`
	return scanWallet(q.db.QueryRowContext(ctx, query))
}

func (q *queries) ListWallets(ctx context.Context) ([]*models.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets ORDER BY created_at, id`
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallets: %w", err)
	}
	defer rows.Close()

	var wallets []*models.Wallet
	for rows.Next() {
		wallet := &models.Wallet{}
		var userID uuid.NullUUID
		if err := rows.Scan(
			&wallet.ID,
			&userID,
			&wallet.IsShared,
			&wallet.Balance,
			&wallet.CreatedAt,
			&wallet.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		wallet.UserID = uuidPtr(userID)
		wallets = append(wallets, wallet)
	}
	return wallets, rows.Err()
}

func (q *queries) UpdateWalletBalance(ctx context.Context, id uuid.UUID, balance int64, at time.Time) error {
	query := `
		UPDATE wallets
		SET balance = $1, updated_at = $2
		WHERE id = $3
	`
	res, err := q.db.ExecContext(ctx, query, balance, at, id)
	if err != nil {
		return mapError(err, "failed to update wallet balance")
	}
	return expectOneRow(res, "failed to update wallet balance")
}

func (q *queries) InsertWalletTransaction(ctx context.Context, txn *models.WalletTransaction) error {
	meta, err := json.Marshal(txn.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode ledger metadata: %w", err)
	}

	query := `
		INSERT INTO wallet_transactions (id, wallet_id, type, amount, balance_after, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq
	`
	err = q.db.QueryRowContext(ctx, query,
		txn.ID,
		txn.WalletID,
		txn.Type,
		txn.Amount,
		txn.BalanceAfter,
		string(meta),
		txn.CreatedAt,
	).Scan(&txn.Sequence)
	return mapError(err, "failed to insert wallet transaction")
}

func (q *queries) ListWalletTransactions(ctx context.Context, walletID uuid.UUID) ([]*models.WalletTransaction, error) {
	query := `
		SELECT id, wallet_id, seq, type, amount, balance_after, metadata, created_at
		FROM wallet_transactions
		WHERE wallet_id = $1
		ORDER BY seq ASC
	`
	rows, err := q.db.QueryContext(ctx, query, walletID)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallet transactions: %w", err)
	}
	defer rows.Close()

	var txns []*models.WalletTransaction
	for rows.Next() {
		txn := &models.WalletTransaction{}
		var meta []byte
		if err := rows.Scan(
			&txn.ID,
			&txn.WalletID,
			&txn.Sequence,
			&txn.Type,
			&txn.Amount,
			&txn.BalanceAfter,
			&meta,
			&txn.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan wallet transaction: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &txn.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode ledger metadata: %w", err)
			}
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

func (q *queries) SaveReconciliationReport(ctx context.Context, report *models.ReconciliationReport) error {
	query := `
		INSERT INTO reconciliation_reports
		(id, wallets_checked, ledger_rows, total_credits, total_debits, is_balanced, discrepancies, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := q.db.ExecContext(ctx, query,
		report.ID,
		report.WalletsChecked,
		report.LedgerRows,
		report.TotalCredits,
		report.TotalDebits,
		report.IsBalanced,
		pq.Array(report.Discrepancies),
		report.CreatedAt,
	)
	return mapError(err, "failed to save reconciliation report")
}

func scanWallet(row *sql.Row) (*models.Wallet, error) {
	wallet := &models.Wallet{}
	var userID uuid.NullUUID
	err := row.Scan(
		&wallet.ID,
		&userID,
		&wallet.IsShared,
		&wallet.Balance,
		&wallet.CreatedAt,
		&wallet.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err, "failed to get wallet")
	}
	wallet.UserID = uuidPtr(userID)
	return wallet, nil
}
