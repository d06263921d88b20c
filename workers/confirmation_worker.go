package workers

import (
	"context"
	"fmt"
	"log"
	"time"

	"crypto-invoice-system/models"

	"gorm.io/gorm"
)

// RefreshConfirmations sweeps every DETECTED payment, re-queries the current
// confirmation count and promotes payments that crossed their network
// threshold to CONFIRMED, which triggers a reconcile for the owning invoice.
// Runs after each poll tick and can be invoked directly.
func (p *PaymentPoller) RefreshConfirmations(ctx context.Context) {
	var detected []models.PaymentTransaction
	if err := p.DB.Where("status = ?", models.PaymentStatusDetected).Find(&detected).Error; err != nil {
		log.Printf("[confirmations] ❌ Failed to load detected payments: %v", err)
		p.bumpError()
		return
	}

	for i := range detected {
		if err := p.refreshOne(ctx, &detected[i]); err != nil {
			log.Printf("[confirmations] ❌ Payment %s refresh failed: %v", detected[i].ID, err)
			p.bumpError()
		}
	}
}

func (p *PaymentPoller) refreshOne(ctx context.Context, payment *models.PaymentTransaction) error {
	confirmations, err := p.currentConfirmations(ctx, payment)
	if err != nil {
		return err
	}
	if confirmations <= payment.Confirmations {
		return nil
	}

	promote := confirmations >= payment.RequiredConfirmations
	now := time.Now().UTC()

	updates := map[string]interface{}{"confirmations": confirmations}
	if promote {
		updates["status"] = models.PaymentStatusConfirmed
		updates["confirmed_at"] = now
	}
	if err := p.DB.Model(&models.PaymentTransaction{}).Where("id = ?", payment.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("update confirmations: %w", err)
	}
	payment.Confirmations = confirmations

	if !promote {
		return nil
	}
	payment.Status = models.PaymentStatusConfirmed
	payment.ConfirmedAt = &now

	p.statsMu.Lock()
	p.stats.PaymentsConfirmed++
	p.statsMu.Unlock()

	log.Printf("[confirmations] ✅ Tx %s confirmed (%d/%d), reconciling invoice %s",
		payment.TxHash, confirmations, payment.RequiredConfirmations, payment.InvoiceID)

	if _, _, err := p.Reconciler.Reconcile(payment.InvoiceID); err != nil {
		return fmt.Errorf("reconcile after confirmation: %w", err)
	}
	return nil
}

// currentConfirmations asks the exchange first and falls back to the
// blockchain explorer when the exchange no longer reports the deposit.
func (p *PaymentPoller) currentConfirmations(ctx context.Context, payment *models.PaymentTransaction) (int, error) {
	var inv models.Invoice
	if err := p.DB.First(&inv, "id = ?", payment.InvoiceID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, fmt.Errorf("payment %s references missing invoice %s", payment.ID, payment.InvoiceID)
		}
		return 0, err
	}

	deposits, err := p.Exchange.GetDeposits(ctx, payment.Currency, payment.DetectedAt.Add(-time.Hour), payment.Network)
	if err == nil {
		for _, d := range deposits {
			if d.TxHash == payment.TxHash && d.Network == payment.Network {
				return d.Confirmations, nil
			}
		}
	} else {
		log.Printf("[confirmations] ⚠️ Exchange lookup failed for tx %s, trying explorer: %v", payment.TxHash, err)
	}

	details, verr := p.Explorer.VerifyTransaction(ctx, payment.TxHash, payment.Currency, payment.Network,
		payment.AmountReceived, inv.DepositAddress)
	if verr != nil {
		return 0, fmt.Errorf("explorer fallback: %w", verr)
	}
	if details == nil {
		// Neither source knows the tx yet; keep the current count and retry
		// next sweep.
		return payment.Confirmations, nil
	}
	return details.Confirmations, nil
}
