package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/corebank/settlement/internal/storage"
	"github.com/shopspring/decimal"
)

// assessCharges evaluates the fee rule catalog against the gross amount
// for every node of the ownership chain. Matching rules are additive:
// each one produces its own charge line attributed to the bank that owns
// the rule.
func assessCharges(ctx context.Context, uow storage.UnitOfWork, chain *storage.OwnershipChain, category storage.Category, amount decimal.Decimal, now time.Time) ([]storage.Charge, decimal.Decimal, error) {
	nodes := []struct {
		tier storage.Tier
		node storage.BankNode
	}{
		{storage.TierBranch, chain.Branch},
		{storage.TierRegional, chain.Regional},
		{storage.TierCentral, chain.Central},
	}

	var charges []storage.Charge
	total := decimal.Zero
	for _, n := range nodes {
		rules, err := uow.ActiveFeeRules(ctx, n.node.ID, n.tier, category, amount)
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("fee rules for %s %d: %w", n.tier, n.node.ID, err)
		}
		for _, rule := range rules {
			charges = append(charges, storage.Charge{
				BankID:    rule.BankID,
				Tier:      rule.Tier,
				FeeName:   rule.FeeName,
				Amount:    rule.FeeAmount,
				CreatedAt: now,
			})
			total = total.Add(rule.FeeAmount)
		}
	}
	return charges, total, nil
}
