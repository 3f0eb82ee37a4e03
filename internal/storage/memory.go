package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Memory is an in-process store with the same transactional contract as
// Postgres. Unit-of-work writes are staged and only become visible on
// Commit. It backs tests and local development.
type Memory struct {
	mu           sync.RWMutex
	accounts     map[string]Account // keyed by account number
	branches     map[int64]BankNode
	regionals    map[int64]BankNode
	centrals     map[int64]BankNode
	rules        []FeeRule
	transactions map[string]Transaction // keyed by reference
	charges      map[string][]Charge    // keyed by reference
}

func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[string]Account),
		branches:     make(map[int64]BankNode),
		regionals:    make(map[int64]BankNode),
		centrals:     make(map[int64]BankNode),
		transactions: make(map[string]Transaction),
		charges:      make(map[string][]Charge),
	}
}

func (m *Memory) PutAccount(acc Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acc.AccountNumber] = acc
}

func (m *Memory) PutBranch(node BankNode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.branches[node.ID] = node
}

func (m *Memory) PutRegionalBank(node BankNode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regionals[node.ID] = node
}

func (m *Memory) PutCentralBank(node BankNode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.centrals[node.ID] = node
}

func (m *Memory) PutFeeRule(rule FeeRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule)
}

func (m *Memory) Account(accountNumber string) (Account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[accountNumber]
	return acc, ok
}

func (m *Memory) BankNode(tier Tier, id int64) (BankNode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch tier {
	case TierBranch:
		n, ok := m.branches[id]
		return n, ok
	case TierRegional:
		n, ok := m.regionals[id]
		return n, ok
	case TierCentral:
		n, ok := m.centrals[id]
		return n, ok
	}
	return BankNode{}, false
}

func (m *Memory) Begin(_ context.Context) (UnitOfWork, error) {
	return &memUnitOfWork{
		store:    m,
		accounts: make(map[string]Account),
		earnings: make(map[Tier]map[int64]decimal.Decimal),
	}, nil
}

func (m *Memory) TransactionByReference(_ context.Context, reference string) (*Transaction, []Charge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txn, ok := m.transactions[reference]
	if !ok {
		return nil, nil, ErrTransactionNotFound
	}
	charges := append([]Charge(nil), m.charges[reference]...)
	return &txn, charges, nil
}

type memUnitOfWork struct {
	store    *Memory
	accounts map[string]Account
	txns     []Transaction
	charges  []Charge
	earnings map[Tier]map[int64]decimal.Decimal
	done     bool
}

func (u *memUnitOfWork) AccountForUpdate(_ context.Context, accountNumber string) (*Account, error) {
	if staged, ok := u.accounts[accountNumber]; ok {
		acc := staged
		return &acc, nil
	}
	u.store.mu.RLock()
	acc, ok := u.store.accounts[accountNumber]
	u.store.mu.RUnlock()
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &acc, nil
}

func (u *memUnitOfWork) OwnershipChain(_ context.Context, branchID int64) (*OwnershipChain, error) {
	u.store.mu.RLock()
	defer u.store.mu.RUnlock()

	branch, ok := u.store.branches[branchID]
	if !ok {
		return nil, ErrHierarchyNotFound
	}
	regional, ok := u.store.regionals[branch.ParentID]
	if !ok {
		return nil, ErrHierarchyNotFound
	}
	central, ok := u.store.centrals[regional.ParentID]
	if !ok {
		return nil, ErrHierarchyNotFound
	}
	return &OwnershipChain{Branch: branch, Regional: regional, Central: central}, nil
}

func (u *memUnitOfWork) ActiveFeeRules(_ context.Context, bankID int64, tier Tier, category Category, amount decimal.Decimal) ([]FeeRule, error) {
	u.store.mu.RLock()
	defer u.store.mu.RUnlock()

	var matched []FeeRule
	for _, r := range u.store.rules {
		if r.BankID == bankID && r.Tier == tier && r.Matches(category, amount) {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

func (u *memUnitOfWork) SaveAccount(_ context.Context, account *Account) error {
	u.accounts[account.AccountNumber] = *account
	return nil
}

func (u *memUnitOfWork) InsertTransaction(_ context.Context, txn *Transaction) error {
	u.txns = append(u.txns, *txn)
	return nil
}

func (u *memUnitOfWork) InsertCharges(_ context.Context, charges []Charge) error {
	u.charges = append(u.charges, charges...)
	return nil
}

func (u *memUnitOfWork) AddEarnings(_ context.Context, tier Tier, bankID int64, amount decimal.Decimal) error {
	switch tier {
	case TierBranch, TierRegional, TierCentral:
	default:
		return fmt.Errorf("unknown bank tier %q", tier)
	}
	byID := u.earnings[tier]
	if byID == nil {
		byID = make(map[int64]decimal.Decimal)
		u.earnings[tier] = byID
	}
	byID[bankID] = byID[bankID].Add(amount)
	return nil
}

func (u *memUnitOfWork) Commit(_ context.Context) error {
	if u.done {
		return fmt.Errorf("unit of work already finished")
	}
	u.done = true

	u.store.mu.Lock()
	defer u.store.mu.Unlock()

	for number, acc := range u.accounts {
		u.store.accounts[number] = acc
	}
	refByID := make(map[string]string, len(u.txns))
	for _, txn := range u.txns {
		u.store.transactions[txn.Reference] = txn
		refByID[txn.ID.String()] = txn.Reference
	}
	for _, c := range u.charges {
		ref := refByID[c.TransactionID.String()]
		u.store.charges[ref] = append(u.store.charges[ref], c)
	}
	for tier, byID := range u.earnings {
		for id, delta := range byID {
			switch tier {
			case TierBranch:
				node := u.store.branches[id]
				node.TotalEarnings = node.TotalEarnings.Add(delta)
				u.store.branches[id] = node
			case TierRegional:
				node := u.store.regionals[id]
				node.TotalEarnings = node.TotalEarnings.Add(delta)
				u.store.regionals[id] = node
			case TierCentral:
				node := u.store.centrals[id]
				node.TotalEarnings = node.TotalEarnings.Add(delta)
				u.store.centrals[id] = node
			}
		}
	}
	return nil
}

func (u *memUnitOfWork) Rollback(_ context.Context) error {
	u.done = true
	return nil
}
