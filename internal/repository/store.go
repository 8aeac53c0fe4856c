// internal/repository/store.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// Queries is every read and write the settlement core issues. Reads taking
// forUpdate hold an exclusive row lock until the surrounding transaction ends.
type Queries interface {
	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.Loan, error)
	UpdateLoan(ctx context.Context, loan *models.Loan) error

	CreateSchedule(ctx context.Context, schedule *models.InstallmentSchedule) error
	GetSchedule(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.InstallmentSchedule, error)
	UpdateSchedule(ctx context.Context, schedule *models.InstallmentSchedule) error
	ListUnpaidScheduleIDsDueBefore(ctx context.Context, before time.Time) ([]uuid.UUID, error)

	CreatePayment(ctx context.Context, payment *models.PaymentAttempt) error
	GetPayment(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.PaymentAttempt, error)
	GetPaymentByReference(ctx context.Context, reference string) (*models.PaymentAttempt, error)
	UpdatePayment(ctx context.Context, payment *models.PaymentAttempt) error

	CreateWallet(ctx context.Context, wallet *models.Wallet) error
	GetWallet(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.Wallet, error)
	GetWalletByUser(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	GetSharedWallet(ctx context.Context) (*models.Wallet, error)
	ListWallets(ctx context.Context) ([]*models.Wallet, error)
	UpdateWalletBalance(ctx context.Context, id uuid.UUID, balance int64, at time.Time) error
	InsertWalletTransaction(ctx context.Context, txn *models.WalletTransaction) error
	ListWalletTransactions(ctx context.Context, walletID uuid.UUID) ([]*models.WalletTransaction, error)

	SaveReconciliationReport(ctx context.Context, report *models.ReconciliationReport) error
}

// Store runs Queries either directly or inside one atomic transaction.
type Store interface {
	Queries
	// WithinTx commits when fn returns nil and rolls back everything otherwise.
	WithinTx(ctx context.Context, fn func(q Queries) error) error
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type queries struct {
	db dbtx
}

// PostgresStore is the lib/pq backed Store.
type PostgresStore struct {
	*queries
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		queries: &queries{db: db},
		db:      db,
	}
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&queries{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func lockClause(forUpdate bool) string {
	if forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

// mapError translates driver errors into the package sentinels.
func mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func uuidPtr(id uuid.NullUUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	v := id.UUID
	return &v
}
