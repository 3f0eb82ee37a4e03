package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	AccountActive AccountStatus = "ACTIVE"
	AccountFrozen AccountStatus = "FROZEN"
	AccountClosed AccountStatus = "CLOSED"
)

// Tier is a level in the three-level bank ownership tree.
type Tier string

const (
	TierBranch   Tier = "BRANCH"
	TierRegional Tier = "REGIONAL"
	TierCentral  Tier = "CENTRAL"
)

type Category string

const (
	CategoryTransfer         Category = "TRANSFER"
	CategoryWithdrawal       Category = "WITHDRAWAL"
	CategoryDeposit          Category = "DEPOSIT"
	CategoryLoanDisbursement Category = "LOAN_DISBURSEMENT"
	CategoryLoanRepayment    Category = "LOAN_REPAYMENT"
	CategoryBillPayment      Category = "BILL_PAYMENT"
)

func ValidCategory(c Category) bool {
	switch c {
	case CategoryTransfer, CategoryWithdrawal, CategoryDeposit,
		CategoryLoanDisbursement, CategoryLoanRepayment, CategoryBillPayment:
		return true
	}
	return false
}

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "PENDING"
	TransactionCompleted TransactionStatus = "COMPLETED"
)

type Account struct {
	ID               uuid.UUID
	AccountNumber    string
	CurrentBalance   decimal.Decimal
	AvailableBalance decimal.Decimal
	Status           AccountStatus
	BranchID         int64
	UpdatedAt        time.Time
}

// FeeRule is one row of the fee rule catalog. Rules are matched by owning
// bank, tier, transfer category, and an inclusive [MinAmount, MaxAmount]
// range over the gross amount.
type FeeRule struct {
	ID        int64
	FeeName   string
	BankID    int64
	Tier      Tier
	Category  Category
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
	FeeAmount decimal.Decimal
	Active    bool
}

func (r FeeRule) Matches(category Category, amount decimal.Decimal) bool {
	if !r.Active || r.Category != category {
		return false
	}
	return amount.GreaterThanOrEqual(r.MinAmount) && amount.LessThanOrEqual(r.MaxAmount)
}

// Charge is one assessed fee line-item, persisted as an audit record on
// the transaction it was charged against.
type Charge struct {
	ID            uuid.UUID
	TransactionID uuid.UUID
	BankID        int64
	Tier          Tier
	FeeName       string
	Amount        decimal.Decimal
	CreatedAt     time.Time
}

type Transaction struct {
	ID                       uuid.UUID
	Reference                string
	SourceAccountNumber      string
	DestinationAccountNumber string
	GrossAmount              decimal.Decimal
	TotalCharges             decimal.Decimal
	NetAmount                decimal.Decimal
	Category                 Category
	Status                   TransactionStatus
	Description              string
	CreatedAt                time.Time
}

// BankNode is one node of the bank hierarchy. ParentID is zero for
// central banks.
type BankNode struct {
	ID            int64
	Name          string
	ParentID      int64
	TotalEarnings decimal.Decimal
}

// OwnershipChain is the eagerly resolved branch -> regional -> central
// ownership of one account, fixed for the duration of a settlement.
type OwnershipChain struct {
	Branch   BankNode
	Regional BankNode
	Central  BankNode
}

func (c OwnershipChain) Node(tier Tier) (BankNode, bool) {
	switch tier {
	case TierBranch:
		return c.Branch, true
	case TierRegional:
		return c.Regional, true
	case TierCentral:
		return c.Central, true
	}
	return BankNode{}, false
}
