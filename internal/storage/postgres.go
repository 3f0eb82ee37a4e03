package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

// UnitOfWork is one atomic settlement write set. Either Commit applies
// every mutation made through it or Rollback discards all of them.
type UnitOfWork interface {
	AccountForUpdate(ctx context.Context, accountNumber string) (*Account, error)
	OwnershipChain(ctx context.Context, branchID int64) (*OwnershipChain, error)
	ActiveFeeRules(ctx context.Context, bankID int64, tier Tier, category Category, amount decimal.Decimal) ([]FeeRule, error)
	SaveAccount(ctx context.Context, account *Account) error
	InsertTransaction(ctx context.Context, txn *Transaction) error
	InsertCharges(ctx context.Context, charges []Charge) error
	AddEarnings(ctx context.Context, tier Tier, bankID int64, amount decimal.Decimal) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type Postgres struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	logger      *slog.Logger
}

func NewPostgres(pool *pgxpool.Pool, lockTimeout time.Duration, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	if lockTimeout <= 0 {
		lockTimeout = 1500 * time.Millisecond
	}
	return &Postgres{pool: pool, lockTimeout: lockTimeout, logger: logger}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// EnsureSchema applies the embedded DDL. Statements are idempotent, so
// running it on every start is safe.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) Begin(ctx context.Context) (UnitOfWork, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin settlement tx: %w", err)
	}

	// Bound every row-lock wait inside this transaction so a contended
	// account surfaces as 55P03 instead of an unbounded block.
	stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", p.lockTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, stmt); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("set lock timeout: %w", err)
	}

	return &pgUnitOfWork{tx: tx}, nil
}

func (p *Postgres) TransactionByReference(ctx context.Context, reference string) (*Transaction, []Charge, error) {
	var txn Transaction
	err := p.pool.QueryRow(ctx, `
		SELECT id, reference, source_account, destination_account,
		       gross_amount, total_charges, net_amount,
		       category, status, description, created_at
		FROM transactions
		WHERE reference = $1`, reference,
	).Scan(&txn.ID, &txn.Reference, &txn.SourceAccountNumber, &txn.DestinationAccountNumber,
		&txn.GrossAmount, &txn.TotalCharges, &txn.NetAmount,
		&txn.Category, &txn.Status, &txn.Description, &txn.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load transaction %s: %w", reference, err)
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, transaction_id, bank_id, tier, fee_name, amount, created_at
		FROM transaction_charges
		WHERE transaction_id = $1
		ORDER BY created_at, id`, txn.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("load charges for %s: %w", reference, err)
	}
	defer rows.Close()

	var charges []Charge
	for rows.Next() {
		var c Charge
		if err := rows.Scan(&c.ID, &c.TransactionID, &c.BankID, &c.Tier, &c.FeeName, &c.Amount, &c.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("scan charge: %w", err)
		}
		charges = append(charges, c)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate charges: %w", err)
	}

	return &txn, charges, nil
}

type pgUnitOfWork struct {
	tx        pgx.Tx
	committed bool
}

func (u *pgUnitOfWork) AccountForUpdate(ctx context.Context, accountNumber string) (*Account, error) {
	var acc Account
	err := u.tx.QueryRow(ctx, `
		SELECT id, account_number, current_balance, available_balance, status, branch_id, updated_at
		FROM accounts
		WHERE account_number = $1
		FOR UPDATE`, accountNumber,
	).Scan(&acc.ID, &acc.AccountNumber, &acc.CurrentBalance, &acc.AvailableBalance,
		&acc.Status, &acc.BranchID, &acc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if isLockNotAvailable(err) {
		return nil, fmt.Errorf("account %s: %w", accountNumber, ErrLockNotAvailable)
	}
	if err != nil {
		return nil, fmt.Errorf("lock account %s: %w", accountNumber, err)
	}
	return &acc, nil
}

func (u *pgUnitOfWork) OwnershipChain(ctx context.Context, branchID int64) (*OwnershipChain, error) {
	var chain OwnershipChain
	err := u.tx.QueryRow(ctx, `
		SELECT b.id, b.name, b.regional_bank_id, b.total_earnings,
		       r.id, r.name, r.central_bank_id, r.total_earnings,
		       c.id, c.name, c.total_earnings
		FROM branches b
		JOIN regional_banks r ON r.id = b.regional_bank_id
		JOIN central_banks c ON c.id = r.central_bank_id
		WHERE b.id = $1`, branchID,
	).Scan(&chain.Branch.ID, &chain.Branch.Name, &chain.Branch.ParentID, &chain.Branch.TotalEarnings,
		&chain.Regional.ID, &chain.Regional.Name, &chain.Regional.ParentID, &chain.Regional.TotalEarnings,
		&chain.Central.ID, &chain.Central.Name, &chain.Central.TotalEarnings)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrHierarchyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ownership chain for branch %d: %w", branchID, err)
	}
	return &chain, nil
}

func (u *pgUnitOfWork) ActiveFeeRules(ctx context.Context, bankID int64, tier Tier, category Category, amount decimal.Decimal) ([]FeeRule, error) {
	rows, err := u.tx.Query(ctx, `
		SELECT id, fee_name, bank_id, tier, category, min_amount, max_amount, fee_amount, active
		FROM fee_rules
		WHERE active
		  AND bank_id = $1
		  AND tier = $2
		  AND category = $3
		  AND $4 BETWEEN min_amount AND max_amount
		ORDER BY id`, bankID, tier, category, amount)
	if err != nil {
		return nil, fmt.Errorf("query fee rules: %w", err)
	}
	defer rows.Close()

	var rules []FeeRule
	for rows.Next() {
		var r FeeRule
		if err := rows.Scan(&r.ID, &r.FeeName, &r.BankID, &r.Tier, &r.Category,
			&r.MinAmount, &r.MaxAmount, &r.FeeAmount, &r.Active); err != nil {
			return nil, fmt.Errorf("scan fee rule: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fee rules: %w", err)
	}
	return rules, nil
}

func (u *pgUnitOfWork) SaveAccount(ctx context.Context, account *Account) error {
	tag, err := u.tx.Exec(ctx, `
		UPDATE accounts
		SET current_balance = $2, available_balance = $3, updated_at = now()
		WHERE id = $1`,
		account.ID, account.CurrentBalance, account.AvailableBalance)
	if err != nil {
		return fmt.Errorf("save account %s: %w", account.AccountNumber, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (u *pgUnitOfWork) InsertTransaction(ctx context.Context, txn *Transaction) error {
	_, err := u.tx.Exec(ctx, `
		INSERT INTO transactions
			(id, reference, source_account, destination_account,
			 gross_amount, total_charges, net_amount, category, status, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		txn.ID, txn.Reference, txn.SourceAccountNumber, txn.DestinationAccountNumber,
		txn.GrossAmount, txn.TotalCharges, txn.NetAmount, txn.Category, txn.Status,
		txn.Description, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", txn.Reference, err)
	}
	return nil
}

func (u *pgUnitOfWork) InsertCharges(ctx context.Context, charges []Charge) error {
	if len(charges) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(charges))
	for _, c := range charges {
		id := c.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		rows = append(rows, []any{id, c.TransactionID, c.BankID, c.Tier, c.FeeName, c.Amount, c.CreatedAt})
	}
	_, err := u.tx.CopyFrom(ctx,
		pgx.Identifier{"transaction_charges"},
		[]string{"id", "transaction_id", "bank_id", "tier", "fee_name", "amount", "created_at"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("insert charges: %w", err)
	}
	return nil
}

func (u *pgUnitOfWork) AddEarnings(ctx context.Context, tier Tier, bankID int64, amount decimal.Decimal) error {
	var table string
	switch tier {
	case TierBranch:
		table = "branches"
	case TierRegional:
		table = "regional_banks"
	case TierCentral:
		table = "central_banks"
	default:
		return fmt.Errorf("unknown bank tier %q", tier)
	}

	stmt := fmt.Sprintf("UPDATE %s SET total_earnings = total_earnings + $1 WHERE id = $2", table)
	tag, err := u.tx.Exec(ctx, stmt, amount, bankID)
	if err != nil {
		return fmt.Errorf("add earnings to %s %d: %w", tier, bankID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("add earnings to %s %d: %w", tier, bankID, ErrHierarchyNotFound)
	}
	return nil
}

func (u *pgUnitOfWork) Commit(ctx context.Context) error {
	if err := u.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit settlement tx: %w", err)
	}
	u.committed = true
	return nil
}

func (u *pgUnitOfWork) Rollback(ctx context.Context) error {
	if u.committed {
		return nil
	}
	if err := u.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func isLockNotAvailable(err error) bool {
	var pgErr *pgconn.PgError
	// 55P03 lock_not_available is raised when lock_timeout expires.
	return errors.As(err, &pgErr) && pgErr.Code == "55P03"
}
