// internal/models/schema.go
package models

// Database schema, applied in order at startup.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS loans (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL,
    principal BIGINT NOT NULL,
    term_months INT NOT NULL,
    interest_rate NUMERIC(9, 4) NOT NULL,
    monthly_payment BIGINT NOT NULL,
    remaining_balance BIGINT NOT NULL CHECK (remaining_balance >= 0),
    status VARCHAR(20) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE TABLE IF NOT EXISTS installment_schedules (
    id UUID PRIMARY KEY,
    loan_id UUID NOT NULL REFERENCES loans(id) ON DELETE CASCADE,
    installment_number INT NOT NULL,
    amount_due BIGINT NOT NULL,
    principal_portion BIGINT NOT NULL,
    interest_portion BIGINT NOT NULL,
    penalty_amount BIGINT NOT NULL DEFAULT 0,
    paid_amount BIGINT NOT NULL DEFAULT 0,
    due_date TIMESTAMPTZ NOT NULL,
    paid_at TIMESTAMPTZ,
    status VARCHAR(20) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (loan_id, installment_number)
)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_due ON installment_schedules (due_date) WHERE status <> 'paid'`,
	`CREATE TABLE IF NOT EXISTS payment_attempts (
    id UUID PRIMARY KEY,
    loan_id UUID NOT NULL REFERENCES loans(id),
    schedule_id UUID REFERENCES installment_schedules(id),
    user_id UUID NOT NULL,
    amount BIGINT NOT NULL CHECK (amount > 0),
    method VARCHAR(20) NOT NULL,
    status VARCHAR(20) NOT NULL,
    gateway_reference VARCHAR(64) UNIQUE,
    gateway_ref_id VARCHAR(64),
    failure_reason TEXT,
    gateway_payload JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_attempts_loan ON payment_attempts (loan_id)`,
	`CREATE TABLE IF NOT EXISTS wallets (
    id UUID PRIMARY KEY,
    user_id UUID UNIQUE,
    is_shared BOOLEAN NOT NULL DEFAULT FALSE,
    balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK ((is_shared AND user_id IS NULL) OR (NOT is_shared AND user_id IS NOT NULL))
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_wallets_single_shared ON wallets (is_shared) WHERE is_shared`,
	`CREATE TABLE IF NOT EXISTS wallet_transactions (
    id UUID PRIMARY KEY,
    seq BIGSERIAL NOT NULL,
    wallet_id UUID NOT NULL REFERENCES wallets(id) ON DELETE CASCADE,
    type VARCHAR(10) NOT NULL,
    amount BIGINT NOT NULL CHECK (amount > 0),
    balance_after BIGINT NOT NULL,
    metadata JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE INDEX IF NOT EXISTS idx_wallet_transactions_wallet ON wallet_transactions (wallet_id, seq)`,
	`CREATE TABLE IF NOT EXISTS reconciliation_reports (
    id VARCHAR(36) PRIMARY KEY,
    wallets_checked INT NOT NULL,
    ledger_rows INT NOT NULL,
    total_credits BIGINT NOT NULL,
    total_debits BIGINT NOT NULL,
    is_balanced BOOLEAN NOT NULL,
    discrepancies TEXT[],
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
}
