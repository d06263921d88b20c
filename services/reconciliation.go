// services/reconciliation.go
package services

import (
	"fmt"
	"log"
	"sync"
	"time"

	"crypto-invoice-system/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Currency-class tolerance bands: stablecoins settle tight, everything else
// gets a volatility buffer.
var (
	stablecoinTolerance = decimal.NewFromFloat(0.001) // 0.1%
	volatileTolerance   = decimal.NewFromFloat(0.005) // 0.5%

	stablecoins = map[string]bool{
		"USDT": true,
		"USDC": true,
		"DAI":  true,
		"BUSD": true,
	}
)

// ToleranceForCurrency returns the settlement tolerance for a currency class.
func ToleranceForCurrency(currency string) decimal.Decimal {
	if stablecoins[currency] {
		return stablecoinTolerance
	}
	return volatileTolerance
}

// SettlementDetail is the computed outcome of one reconciliation pass.
type SettlementDetail struct {
	InvoiceID        string          `json:"invoice_id"`
	Reference        string          `json:"reference"`
	Currency         string          `json:"currency"`
	ExpectedAmount   decimal.Decimal `json:"expected_amount"`
	TotalReceived    decimal.Decimal `json:"total_received"`
	Tolerance        decimal.Decimal `json:"tolerance"`
	PaymentCount     int             `json:"payment_count"`
	Shortfall        decimal.Decimal `json:"shortfall"`
	ShortfallPercent decimal.Decimal `json:"shortfall_percent"`
	Overpayment      decimal.Decimal `json:"overpayment"`
}

// ReconciliationService is the sole writer of Invoice.status for settlement
// outcomes. Every call recomputes the outcome from the full set of confirmed
// payments rather than incrementally, so repeated triggering is idempotent
// and a late stray deposit correctly reclassifies a PAID invoice as OVERPAID.
type ReconciliationService struct {
	DB        *gorm.DB
	Observers []PaymentObserver
	Receipts  *ReceiptService // optional

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewReconciliationService(db *gorm.DB, receipts *ReceiptService, observers ...PaymentObserver) *ReconciliationService {
	return &ReconciliationService{
		DB:        db,
		Observers: observers,
		Receipts:  receipts,
		locks:     make(map[string]*sync.Mutex),
	}
}

// lockFor serializes reconciliations per invoice. The poll loop and the
// manual-verification entry point may both trigger a reconcile for the same
// invoice; two concurrent recomputes must never interleave their writes.
func (s *ReconciliationService) lockFor(invoiceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[invoiceID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[invoiceID] = l
	}
	return l
}

// Reconcile recomputes the settlement outcome of an invoice from all of its
// CONFIRMED payments and persists the resulting status atomically. Invoked
// whenever a payment on the invoice reaches CONFIRMED.
func (s *ReconciliationService) Reconcile(invoiceID string) (models.InvoiceStatus, *SettlementDetail, error) {
	l := s.lockFor(invoiceID)
	l.Lock()
	defer l.Unlock()

	var inv models.Invoice
	if err := s.DB.First(&inv, "id = ?", invoiceID).Error; err != nil {
		return "", nil, fmt.Errorf("load invoice %s: %w", invoiceID, err)
	}

	var payments []models.PaymentTransaction
	if err := s.DB.Where("invoice_id = ? AND status = ?", invoiceID, models.PaymentStatusConfirmed).
		Order("confirmed_at ASC").Find(&payments).Error; err != nil {
		return "", nil, fmt.Errorf("load confirmed payments for invoice %s: %w", invoiceID, err)
	}

	if len(payments) == 0 {
		// Nothing confirmed yet — not an error, just nothing to settle.
		return inv.Status, nil, nil
	}

	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.AmountReceived)
	}

	tol := ToleranceForCurrency(inv.Currency)
	lower := inv.ExpectedAmount.Mul(decimal.NewFromInt(1).Sub(tol))
	upper := inv.ExpectedAmount.Mul(decimal.NewFromInt(1).Add(tol))

	detail := &SettlementDetail{
		InvoiceID:      inv.ID,
		Reference:      inv.Reference,
		Currency:       inv.Currency,
		ExpectedAmount: inv.ExpectedAmount,
		TotalReceived:  total,
		Tolerance:      tol,
		PaymentCount:   len(payments),
	}

	// Band is inclusive at the lower edge, exclusive at the upper: a payment
	// of exactly expected*(1+tol) is already an overpayment.
	var newStatus models.InvoiceStatus
	switch {
	case total.LessThan(lower):
		newStatus = models.InvoiceStatusPartial
		detail.Shortfall = inv.ExpectedAmount.Sub(total)
		detail.ShortfallPercent = detail.Shortfall.Div(inv.ExpectedAmount).Mul(decimal.NewFromInt(100))
		log.Printf("[reconcile] Invoice %s underpaid: received %s of %s %s (shortfall %s, %s%%)",
			inv.Reference, total, inv.ExpectedAmount, inv.Currency, detail.Shortfall, detail.ShortfallPercent.Round(2))
	case total.GreaterThanOrEqual(upper):
		newStatus = models.InvoiceStatusOverpaid
		detail.Overpayment = total.Sub(inv.ExpectedAmount)
		log.Printf("[reconcile] Invoice %s overpaid: received %s of %s %s (excess %s, refund queued)",
			inv.Reference, total, inv.ExpectedAmount, inv.Currency, detail.Overpayment)
	default:
		newStatus = models.InvoiceStatusPaid
		log.Printf("[reconcile] Invoice %s paid in full: %s %s across %d payment(s)",
			inv.Reference, total, inv.Currency, len(payments))
	}

	statusChanged := newStatus != inv.Status
	now := time.Now().UTC()

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{"status": newStatus}
		if (newStatus == models.InvoiceStatusPaid || newStatus == models.InvoiceStatusOverpaid) && inv.PaidAt == nil {
			updates["paid_at"] = now
		}
		if err := tx.Model(&models.Invoice{}).Where("id = ?", inv.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("persist status: %w", err)
		}

		if newStatus == models.InvoiceStatusOverpaid {
			// One queued refund per invoice; a re-run must not duplicate it.
			refund := models.RefundRequest{
				InvoiceID: inv.ID,
				Status:    models.RefundStatusQueued,
			}
			res := tx.Where("invoice_id = ? AND status = ?", inv.ID, models.RefundStatusQueued).
				Attrs(models.RefundRequest{
					ID:       uuid.NewString(),
					Amount:   detail.Overpayment,
					Currency: inv.Currency,
					Reason:   fmt.Sprintf("overpayment of %s %s on invoice %s", detail.Overpayment, inv.Currency, inv.Reference),
				}).
				FirstOrCreate(&refund)
			if res.Error != nil {
				return fmt.Errorf("queue refund: %w", res.Error)
			}
		}
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("reconcile invoice %s: %w", inv.ID, err)
	}

	inv.Status = newStatus
	if inv.PaidAt == nil && (newStatus == models.InvoiceStatusPaid || newStatus == models.InvoiceStatusOverpaid) {
		inv.PaidAt = &now
	}

	if statusChanged {
		s.afterSettlement(&inv, payments, detail, newStatus)
	}

	return newStatus, detail, nil
}

// afterSettlement runs the post-commit side effects: observer notification
// and (for final paid/overpaid outcomes) the settlement receipt. Failures
// here are logged and never unwind the committed transition.
func (s *ReconciliationService) afterSettlement(inv *models.Invoice, payments []models.PaymentTransaction, detail *SettlementDetail, status models.InvoiceStatus) {
	eventType := EventPaymentConfirmed
	switch status {
	case models.InvoiceStatusPartial:
		eventType = EventPartialPayment
	case models.InvoiceStatusOverpaid:
		eventType = EventOverpayment
	}

	notifyAll(s.Observers, PaymentEvent{
		Type:             eventType,
		InvoiceID:        inv.ID,
		InvoiceReference: inv.Reference,
		Status:           string(status),
		Currency:         inv.Currency,
		Network:          inv.Network,
		ExpectedAmount:   inv.ExpectedAmount,
		TotalReceived:    detail.TotalReceived,
		OccurredAt:       time.Now().UTC(),
	})

	if s.Receipts == nil {
		return
	}
	if status != models.InvoiceStatusPaid && status != models.InvoiceStatusOverpaid {
		return
	}

	url, err := s.Receipts.GenerateAndStore(inv, payments, detail)
	if err != nil {
		log.Printf("[reconcile] ⚠️ Receipt upload failed for invoice %s: %v", inv.Reference, err)
		return
	}
	if err := s.DB.Model(&models.Invoice{}).Where("id = ?", inv.ID).Update("receipt_url", url).Error; err != nil {
		log.Printf("[reconcile] ⚠️ Failed to store receipt URL for invoice %s: %v", inv.Reference, err)
	}
}
