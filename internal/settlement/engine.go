package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/corebank/settlement/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store opens atomic settlement units of work.
type Store interface {
	Begin(ctx context.Context) (storage.UnitOfWork, error)
}

type TransferRequest struct {
	SourceAccount      string
	DestinationAccount string
	Amount             decimal.Decimal
	Category           storage.Category
	Description        string
}

type TransferResult struct {
	TransactionID uuid.UUID
	Reference     string
	GrossAmount   decimal.Decimal
	TotalCharges  decimal.Decimal
	NetAmount     decimal.Decimal
	Status        storage.TransactionStatus
	Charges       []storage.Charge
	CreatedAt     time.Time
}

// Engine runs one settlement end to end: validate, lock both accounts,
// assess fees, verify balance, then move money, record the transaction,
// and route fee earnings up the bank hierarchy in a single atomic unit
// of work.
type Engine struct {
	store    Store
	locks    *LockTable
	lockWait time.Duration
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
}

func NewEngine(store Store, locks *LockTable, lockWait time.Duration, logger *slog.Logger, metrics *Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if lockWait <= 0 {
		lockWait = 2 * time.Second
	}
	return &Engine{
		store:    store,
		locks:    locks,
		lockWait: lockWait,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Settle attempts one transfer. Transient lock contention is reported as
// ErrLockContention so the caller can retry; every other failure is
// terminal. Nothing is persisted unless the whole settlement commits.
func (e *Engine) Settle(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	start := e.now()
	result, err := e.settle(ctx, req)
	elapsed := e.now().Sub(start)

	switch {
	case err == nil:
		e.metrics.observeOutcome("completed", elapsed)
	case errors.Is(err, ErrLockContention):
		e.metrics.observeOutcome("lock_contention", elapsed)
	default:
		if code, ok := CodeOf(err); ok {
			e.metrics.observeOutcome(string(code), elapsed)
		} else {
			e.metrics.observeOutcome("error", elapsed)
		}
	}
	return result, err
}

func (e *Engine) settle(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.SourceAccount == req.DestinationAccount {
		return nil, rejectf(FailureSelfTransfer, "source and destination are the same account %s", req.SourceAccount)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("gross amount must be positive, got %s", req.Amount)
	}
	if !storage.ValidCategory(req.Category) {
		return nil, fmt.Errorf("unknown transfer category %q", req.Category)
	}

	lockStart := e.now()
	release, err := e.locks.AcquirePair(ctx, req.SourceAccount, req.DestinationAccount, e.lockWait)
	e.metrics.observeLockWait(e.now().Sub(lockStart))
	if err != nil {
		return nil, err
	}
	defer release()

	uow, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := uow.Rollback(ctx); rbErr != nil {
				e.logger.Error("settlement rollback failed", "error", rbErr)
			}
		}
	}()

	// Row locks are taken in the same lexicographic order as the
	// in-process locks so concurrent processes cannot deadlock either.
	first, second := req.SourceAccount, req.DestinationAccount
	if second < first {
		first, second = second, first
	}
	firstAcc, err := e.lockAccount(ctx, uow, first)
	if err != nil {
		return nil, err
	}
	secondAcc, err := e.lockAccount(ctx, uow, second)
	if err != nil {
		return nil, err
	}
	source, destination := firstAcc, secondAcc
	if source.AccountNumber != req.SourceAccount {
		source, destination = secondAcc, firstAcc
	}

	if source.Status != storage.AccountActive {
		return nil, rejectf(FailureAccountInactive, "source account %s is %s", source.AccountNumber, source.Status)
	}
	if destination.Status != storage.AccountActive {
		return nil, rejectf(FailureAccountInactive, "destination account %s is %s", destination.AccountNumber, destination.Status)
	}

	chain, err := uow.OwnershipChain(ctx, source.BranchID)
	if err != nil {
		return nil, fmt.Errorf("resolve ownership chain: %w", err)
	}

	now := e.now().UTC()
	charges, totalCharges, err := assessCharges(ctx, uow, chain, req.Category, req.Amount, now)
	if err != nil {
		return nil, err
	}
	e.metrics.addCharges(len(charges))

	net := req.Amount.Sub(totalCharges)
	if !net.IsPositive() {
		return nil, rejectf(FailureFeesExceedAmount,
			"charges %s leave no positive net of gross %s", totalCharges, req.Amount)
	}
	if source.AvailableBalance.LessThan(req.Amount) {
		return nil, rejectf(FailureInsufficientBalance,
			"account %s has %s available, needs %s", source.AccountNumber, source.AvailableBalance, req.Amount)
	}

	txn := &storage.Transaction{
		ID:                       uuid.New(),
		Reference:                newReference(now),
		SourceAccountNumber:      source.AccountNumber,
		DestinationAccountNumber: destination.AccountNumber,
		GrossAmount:              req.Amount,
		TotalCharges:             totalCharges,
		NetAmount:                net,
		Category:                 req.Category,
		Status:                   storage.TransactionCompleted,
		Description:              req.Description,
		CreatedAt:                now,
	}
	for i := range charges {
		charges[i].ID = uuid.New()
		charges[i].TransactionID = txn.ID
	}

	source.CurrentBalance = source.CurrentBalance.Sub(req.Amount)
	source.AvailableBalance = source.AvailableBalance.Sub(req.Amount)
	destination.CurrentBalance = destination.CurrentBalance.Add(net)
	destination.AvailableBalance = destination.AvailableBalance.Add(net)

	if err := uow.SaveAccount(ctx, source); err != nil {
		return nil, err
	}
	if err := uow.SaveAccount(ctx, destination); err != nil {
		return nil, err
	}
	if err := uow.InsertTransaction(ctx, txn); err != nil {
		return nil, err
	}
	if err := uow.InsertCharges(ctx, charges); err != nil {
		return nil, err
	}
	if err := e.routeEarnings(ctx, uow, chain, txn, charges); err != nil {
		return nil, err
	}

	if err := uow.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true

	e.logger.Info("settlement committed",
		"reference", txn.Reference,
		"source", txn.SourceAccountNumber,
		"destination", txn.DestinationAccountNumber,
		"gross", txn.GrossAmount.String(),
		"charges", txn.TotalCharges.String(),
		"net", txn.NetAmount.String(),
	)

	return &TransferResult{
		TransactionID: txn.ID,
		Reference:     txn.Reference,
		GrossAmount:   txn.GrossAmount,
		TotalCharges:  txn.TotalCharges,
		NetAmount:     txn.NetAmount,
		Status:        txn.Status,
		Charges:       charges,
		CreatedAt:     txn.CreatedAt,
	}, nil
}

func (e *Engine) lockAccount(ctx context.Context, uow storage.UnitOfWork, accountNumber string) (*storage.Account, error) {
	acc, err := uow.AccountForUpdate(ctx, accountNumber)
	if errors.Is(err, storage.ErrAccountNotFound) {
		return nil, rejectf(FailureAccountNotFound, "account %s does not exist", accountNumber)
	}
	if errors.Is(err, storage.ErrLockNotAvailable) {
		return nil, fmt.Errorf("row lock on %s: %w", accountNumber, ErrLockContention)
	}
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// routeEarnings credits each hierarchy node with the sum of its charge
// lines. A charge whose bank id does not match the resolved node is
// logged and skipped; it stays on the transaction record but earns
// nobody anything.
func (e *Engine) routeEarnings(ctx context.Context, uow storage.UnitOfWork, chain *storage.OwnershipChain, txn *storage.Transaction, charges []storage.Charge) error {
	totals := make(map[storage.Tier]decimal.Decimal, 3)
	for _, c := range charges {
		node, ok := chain.Node(c.Tier)
		if !ok {
			return rejectf(FailureUnknownBankTier, "charge %s names unknown bank tier %q", c.FeeName, c.Tier)
		}
		if node.ID != c.BankID {
			e.logger.Warn("charge bank id does not match ownership chain, skipping earnings",
				"reference", txn.Reference,
				"fee", c.FeeName,
				"tier", string(c.Tier),
				"charge_bank_id", c.BankID,
				"chain_bank_id", node.ID,
			)
			e.metrics.routeEarnings(string(c.Tier), "skipped")
			continue
		}
		totals[c.Tier] = totals[c.Tier].Add(c.Amount)
		e.metrics.routeEarnings(string(c.Tier), "credited")
	}

	for _, tier := range []storage.Tier{storage.TierBranch, storage.TierRegional, storage.TierCentral} {
		sum, ok := totals[tier]
		if !ok || sum.IsZero() {
			continue
		}
		node, _ := chain.Node(tier)
		if err := uow.AddEarnings(ctx, tier, node.ID, sum); err != nil {
			return err
		}
	}
	return nil
}

// newReference builds a settlement reference like TXN1756684800000-9F3A21BC.
func newReference(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("TXN%d-%s", now.UnixMilli(), suffix)
}
