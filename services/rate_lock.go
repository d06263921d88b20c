// services/rate_lock.go
package services

import (
	"log"
	"time"

	"crypto-invoice-system/models"

	"github.com/shopspring/decimal"
)

// RequoteStrategy recomputes the expected crypto amount for an invoice whose
// rate lock has expired, typically from a live exchange rate feed.
type RequoteStrategy interface {
	Requote(inv *models.Invoice, now time.Time) (decimal.Decimal, error)
}

// RateLockResolver decides whether the originally quoted crypto amount is
// still authoritative for an invoice. Without a requote strategy the quoted
// amount is kept even after expiry and callers widen their matching
// tolerance instead (see PaymentMatcher).
type RateLockResolver struct {
	Requote RequoteStrategy // optional
}

func NewRateLockResolver(strategy RequoteStrategy) *RateLockResolver {
	return &RateLockResolver{Requote: strategy}
}

// ExpectedAmount returns the amount to match deposits against and whether
// the rate lock is still active. locked=false tells the caller the amount
// is a stale quote.
func (r *RateLockResolver) ExpectedAmount(inv *models.Invoice, now time.Time) (decimal.Decimal, bool) {
	if inv.RateLockExpiry == nil || !now.After(*inv.RateLockExpiry) {
		return inv.ExpectedAmount, true
	}

	if r.Requote != nil {
		amount, err := r.Requote.Requote(inv, now)
		if err == nil {
			return amount, false
		}
		log.Printf("[rate-lock] WARNING: requote failed for invoice %s, falling back to quoted amount: %v", inv.ID, err)
	}

	// Known gap: no live rate feed integrated yet, keep the stale quote.
	return inv.ExpectedAmount, false
}
