package services

import (
	"fmt"
	"time"

	"crypto-invoice-system/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// expiredLockTolerance is the minimum matching band once the rate lock has
// expired and no live requote is available (the stale quote may have
// drifted from market price).
var expiredLockTolerance = decimal.NewFromFloat(0.005)

// PaymentMatcher picks the deposit that pays a given invoice. Deposit
// addresses are shared across invoices, so the only signal is the amount:
// a candidate matches when it falls inside the invoice's tolerance band and
// its (tx_hash, network) is not already linked to any invoice.
type PaymentMatcher struct {
	DB       *gorm.DB
	Resolver *RateLockResolver
}

func NewPaymentMatcher(db *gorm.DB, resolver *RateLockResolver) *PaymentMatcher {
	return &PaymentMatcher{DB: db, Resolver: resolver}
}

// FindMatch returns the first candidate deposit (in adapter return order —
// ties between equally valid candidates are resolved by that order, nothing
// re-ranks) whose amount lies within the tolerance band and which is not yet
// linked anywhere. Returns (nil, nil) when nothing qualifies. Candidates
// must already be filtered to the invoice's network. No writes happen here;
// the caller persists the match.
func (m *PaymentMatcher) FindMatch(inv *models.Invoice, candidates []Deposit, existing []models.PaymentTransaction) (*Deposit, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	expected, locked := m.Resolver.ExpectedAmount(inv, time.Now().UTC())
	if !expected.IsPositive() {
		return nil, fmt.Errorf("invoice %s has non-positive expected amount %s", inv.ID, expected)
	}

	tol := inv.TolerancePercent()
	if !locked && tol.LessThan(expiredLockTolerance) {
		tol = expiredLockTolerance
	}
	band := expected.Mul(tol)

	seen := make(map[string]bool, len(existing))
	for _, p := range existing {
		seen[p.TxHash+"|"+p.Network] = true
	}

	for i := range candidates {
		d := &candidates[i]
		if seen[d.TxHash+"|"+d.Network] {
			continue
		}

		// Global dedup: the tx may already be linked to a different invoice.
		linked, err := m.txAlreadyLinked(d.TxHash, d.Network)
		if err != nil {
			return nil, fmt.Errorf("dedup lookup for tx %s: %w", d.TxHash, err)
		}
		if linked {
			continue
		}

		if d.Amount.Sub(expected).Abs().LessThanOrEqual(band) {
			return d, nil
		}
	}
	return nil, nil
}

func (m *PaymentMatcher) txAlreadyLinked(txHash, network string) (bool, error) {
	var count int64
	err := m.DB.Model(&models.PaymentTransaction{}).
		Where("tx_hash = ? AND network = ?", txHash, network).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
