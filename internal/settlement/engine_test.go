package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/corebank/settlement/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	testCentralID  = int64(1)
	testRegionalID = int64(10)
	testBranchID   = int64(100)
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// newTestWorld seeds one branch -> regional -> central chain, two active
// accounts with 1000 each, and one transfer fee rule per tier
// (2 + 3 + 5 = 10 in total charges).
func newTestWorld() (*storage.Memory, *Engine) {
	store := storage.NewMemory()
	store.PutCentralBank(storage.BankNode{ID: testCentralID, Name: "Central"})
	store.PutRegionalBank(storage.BankNode{ID: testRegionalID, Name: "Regional", ParentID: testCentralID})
	store.PutBranch(storage.BankNode{ID: testBranchID, Name: "Branch", ParentID: testRegionalID})

	for _, number := range []string{"ACC-A", "ACC-B"} {
		store.PutAccount(storage.Account{
			ID:               uuid.New(),
			AccountNumber:    number,
			CurrentBalance:   dec("1000"),
			AvailableBalance: dec("1000"),
			Status:           storage.AccountActive,
			BranchID:         testBranchID,
		})
	}

	store.PutFeeRule(storage.FeeRule{
		ID: 1, FeeName: "BRANCH_TRANSFER_FEE", BankID: testBranchID, Tier: storage.TierBranch,
		Category: storage.CategoryTransfer, MinAmount: dec("0"), MaxAmount: dec("1000000"),
		FeeAmount: dec("2"), Active: true,
	})
	store.PutFeeRule(storage.FeeRule{
		ID: 2, FeeName: "REGIONAL_TRANSFER_FEE", BankID: testRegionalID, Tier: storage.TierRegional,
		Category: storage.CategoryTransfer, MinAmount: dec("0"), MaxAmount: dec("1000000"),
		FeeAmount: dec("3"), Active: true,
	})
	store.PutFeeRule(storage.FeeRule{
		ID: 3, FeeName: "CENTRAL_TRANSFER_FEE", BankID: testCentralID, Tier: storage.TierCentral,
		Category: storage.CategoryTransfer, MinAmount: dec("0"), MaxAmount: dec("1000000"),
		FeeAmount: dec("5"), Active: true,
	})

	engine := NewEngine(store, NewLockTable(), 2*time.Second, quietLogger(), nil)
	return store, engine
}

func transferReq(source, destination, amount string) TransferRequest {
	return TransferRequest{
		SourceAccount:      source,
		DestinationAccount: destination,
		Amount:             dec(amount),
		Category:           storage.CategoryTransfer,
	}
}

func wantCode(t *testing.T, err error, code FailureCode) {
	t.Helper()
	got, ok := CodeOf(err)
	if !ok {
		t.Fatalf("expected failure code %s, got %v", code, err)
	}
	if got != code {
		t.Fatalf("expected failure code %s, got %s (%v)", code, got, err)
	}
}

func wantBalance(t *testing.T, store *storage.Memory, number, balance string) {
	t.Helper()
	acc, ok := store.Account(number)
	if !ok {
		t.Fatalf("account %s missing", number)
	}
	if !acc.CurrentBalance.Equal(dec(balance)) {
		t.Fatalf("account %s: expected balance %s, got %s", number, balance, acc.CurrentBalance)
	}
	if !acc.AvailableBalance.Equal(acc.CurrentBalance) {
		t.Fatalf("account %s: available %s diverged from current %s", number, acc.AvailableBalance, acc.CurrentBalance)
	}
}

func TestSettleHappyPath(t *testing.T) {
	store, engine := newTestWorld()

	result, err := engine.Settle(context.Background(), transferReq("ACC-A", "ACC-B", "100"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	if !result.GrossAmount.Equal(dec("100")) || !result.TotalCharges.Equal(dec("10")) || !result.NetAmount.Equal(dec("90")) {
		t.Fatalf("unexpected amounts: gross %s charges %s net %s",
			result.GrossAmount, result.TotalCharges, result.NetAmount)
	}
	if result.Status != storage.TransactionCompleted {
		t.Fatalf("expected COMPLETED, got %s", result.Status)
	}
	if !strings.HasPrefix(result.Reference, "TXN") {
		t.Fatalf("unexpected reference %q", result.Reference)
	}
	if len(result.Charges) != 3 {
		t.Fatalf("expected 3 charge lines, got %d", len(result.Charges))
	}

	wantBalance(t, store, "ACC-A", "900")
	wantBalance(t, store, "ACC-B", "1090")

	txn, charges, err := store.TransactionByReference(context.Background(), result.Reference)
	if err != nil {
		t.Fatalf("lookup by reference: %v", err)
	}
	if txn.SourceAccountNumber != "ACC-A" || txn.DestinationAccountNumber != "ACC-B" {
		t.Fatalf("unexpected accounts on record: %+v", txn)
	}
	if len(charges) != 3 {
		t.Fatalf("expected 3 persisted charges, got %d", len(charges))
	}

	for _, tc := range []struct {
		tier storage.Tier
		id   int64
		want string
	}{
		{storage.TierBranch, testBranchID, "2"},
		{storage.TierRegional, testRegionalID, "3"},
		{storage.TierCentral, testCentralID, "5"},
	} {
		node, ok := store.BankNode(tc.tier, tc.id)
		if !ok {
			t.Fatalf("%s %d missing", tc.tier, tc.id)
		}
		if !node.TotalEarnings.Equal(dec(tc.want)) {
			t.Fatalf("%s earnings: expected %s, got %s", tc.tier, tc.want, node.TotalEarnings)
		}
	}
}

func TestSettleSelfTransfer(t *testing.T) {
	store, engine := newTestWorld()

	_, err := engine.Settle(context.Background(), transferReq("ACC-A", "ACC-A", "100"))
	wantCode(t, err, FailureSelfTransfer)
	wantBalance(t, store, "ACC-A", "1000")
}

func TestSettleAccountNotFound(t *testing.T) {
	store, engine := newTestWorld()

	_, err := engine.Settle(context.Background(), transferReq("ACC-A", "ACC-MISSING", "100"))
	wantCode(t, err, FailureAccountNotFound)
	wantBalance(t, store, "ACC-A", "1000")
}

func TestSettleInactiveAccount(t *testing.T) {
	store, engine := newTestWorld()
	frozen, _ := store.Account("ACC-B")
	frozen.Status = storage.AccountFrozen
	store.PutAccount(frozen)

	_, err := engine.Settle(context.Background(), transferReq("ACC-A", "ACC-B", "100"))
	wantCode(t, err, FailureAccountInactive)
	wantBalance(t, store, "ACC-A", "1000")
	wantBalance(t, store, "ACC-B", "1000")
}

func TestSettleFeesExceedAmount(t *testing.T) {
	store, engine := newTestWorld()

	// Charges total 10; gross of 10 leaves zero net.
	_, err := engine.Settle(context.Background(), transferReq("ACC-A", "ACC-B", "10"))
	wantCode(t, err, FailureFeesExceedAmount)
	wantBalance(t, store, "ACC-A", "1000")
	wantBalance(t, store, "ACC-B", "1000")
}

func TestSettleInsufficientBalance(t *testing.T) {
	store, engine := newTestWorld()

	_, err := engine.Settle(context.Background(), transferReq("ACC-A", "ACC-B", "5000"))
	wantCode(t, err, FailureInsufficientBalance)
	wantBalance(t, store, "ACC-A", "1000")
	wantBalance(t, store, "ACC-B", "1000")
}

func TestSettleWithoutMatchingRulesChargesNothing(t *testing.T) {
	store, engine := newTestWorld()

	req := transferReq("ACC-A", "ACC-B", "100")
	req.Category = storage.CategoryBillPayment
	result, err := engine.Settle(context.Background(), req)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !result.TotalCharges.IsZero() || !result.NetAmount.Equal(dec("100")) {
		t.Fatalf("expected zero charges, got charges %s net %s", result.TotalCharges, result.NetAmount)
	}
	if len(result.Charges) != 0 {
		t.Fatalf("expected no charge lines, got %d", len(result.Charges))
	}
	wantBalance(t, store, "ACC-A", "900")
	wantBalance(t, store, "ACC-B", "1100")
}

func TestRouteEarningsSkipsMismatchedBank(t *testing.T) {
	store, engine := newTestWorld()
	ctx := context.Background()

	uow, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	chain, err := uow.OwnershipChain(ctx, testBranchID)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}

	txn := &storage.Transaction{ID: uuid.New(), Reference: "TXN-TEST"}
	charges := []storage.Charge{
		{BankID: 999, Tier: storage.TierBranch, FeeName: "STALE_RULE", Amount: dec("2")},
		{BankID: testRegionalID, Tier: storage.TierRegional, FeeName: "REGIONAL_TRANSFER_FEE", Amount: dec("3")},
	}
	if err := engine.routeEarnings(ctx, uow, chain, txn, charges); err != nil {
		t.Fatalf("route earnings: %v", err)
	}
	if err := uow.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	branch, _ := store.BankNode(storage.TierBranch, testBranchID)
	if !branch.TotalEarnings.IsZero() {
		t.Fatalf("mismatched charge must not credit branch, got %s", branch.TotalEarnings)
	}
	regional, _ := store.BankNode(storage.TierRegional, testRegionalID)
	if !regional.TotalEarnings.Equal(dec("3")) {
		t.Fatalf("expected regional earnings 3, got %s", regional.TotalEarnings)
	}
}

func TestRouteEarningsUnknownTier(t *testing.T) {
	store, engine := newTestWorld()
	ctx := context.Background()

	uow, _ := store.Begin(ctx)
	chain, err := uow.OwnershipChain(ctx, testBranchID)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}

	charges := []storage.Charge{{BankID: testBranchID, Tier: "GALACTIC", Amount: dec("2")}}
	err = engine.routeEarnings(ctx, uow, chain, &storage.Transaction{Reference: "TXN-TEST"}, charges)
	wantCode(t, err, FailureUnknownBankTier)
}

func TestSettleOpposingTransfersConcurrently(t *testing.T) {
	store, engine := newTestWorld()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	run := func(i int, from, to string) {
		defer wg.Done()
		_, errs[i] = engine.Settle(context.Background(), transferReq(from, to, "100"))
	}

	wg.Add(2)
	go run(0, "ACC-A", "ACC-B")
	go run(1, "ACC-B", "ACC-A")
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("transfer %d: %v", i, err)
		}
	}

	// Each side moved 100 gross and received 90 net.
	wantBalance(t, store, "ACC-A", "990")
	wantBalance(t, store, "ACC-B", "990")
}

func TestSettleConservesMoneyUnderLoad(t *testing.T) {
	store, engine := newTestWorld()

	accounts := make([]string, 10)
	accounts[0], accounts[1] = "ACC-A", "ACC-B"
	for i := 2; i < 10; i++ {
		accounts[i] = fmt.Sprintf("ACC-%02d", i)
	}
	initial := dec("100000")
	for _, number := range accounts {
		store.PutAccount(storage.Account{
			ID:               uuid.New(),
			AccountNumber:    number,
			CurrentBalance:   initial,
			AvailableBalance: initial,
			Status:           storage.AccountActive,
			BranchID:         testBranchID,
		})
	}
	total := initial.Mul(decimal.NewFromInt(10))

	const (
		workers   = 8
		transfers = 1000
	)
	var wg sync.WaitGroup
	errCh := make(chan error, transfers)

	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < transfers/workers; i++ {
				from := accounts[rng.Intn(len(accounts))]
				to := accounts[rng.Intn(len(accounts))]
				if from == to {
					continue
				}
				if _, err := engine.Settle(context.Background(), transferReq(from, to, "100")); err != nil {
					if code, ok := CodeOf(err); ok && code == FailureInsufficientBalance {
						continue
					}
					errCh <- err
					return
				}
			}
		}(int64(w))
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("settle under load: %v", err)
	}

	sum := decimal.Zero
	for _, number := range accounts {
		acc, ok := store.Account(number)
		if !ok {
			t.Fatalf("account %s missing", number)
		}
		sum = sum.Add(acc.CurrentBalance)
	}
	for _, n := range []struct {
		tier storage.Tier
		id   int64
	}{
		{storage.TierBranch, testBranchID},
		{storage.TierRegional, testRegionalID},
		{storage.TierCentral, testCentralID},
	} {
		node, _ := store.BankNode(n.tier, n.id)
		sum = sum.Add(node.TotalEarnings)
	}

	if !sum.Equal(total) {
		t.Fatalf("money not conserved: started with %s, ended with %s", total, sum)
	}
}

func TestSettleLockContentionIsTransient(t *testing.T) {
	_, engine := newTestWorld()
	engine.lockWait = 20 * time.Millisecond

	release, err := engine.locks.Acquire(context.Background(), "ACC-B", time.Second)
	if err != nil {
		t.Fatalf("pre-lock: %v", err)
	}
	defer release()

	_, err = engine.Settle(context.Background(), transferReq("ACC-A", "ACC-B", "100"))
	if !errors.Is(err, ErrLockContention) {
		t.Fatalf("expected transient ErrLockContention, got %v", err)
	}
	if _, ok := CodeOf(err); ok {
		t.Fatalf("transient contention must not carry a terminal failure code: %v", err)
	}
}
