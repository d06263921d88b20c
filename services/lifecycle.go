// services/lifecycle.go
package services

import (
	"fmt"
	"log"
	"time"

	"crypto-invoice-system/models"

	"gorm.io/gorm"
)

// LifecycleService owns the time-driven invoice transitions: expiration
// (stops deposit polling) and the overdue flag (informational, polling
// continues).
type LifecycleService struct {
	DB *gorm.DB
}

func NewLifecycleService(db *gorm.DB) *LifecycleService {
	return &LifecycleService{DB: db}
}

// CheckExpiration transitions a SENT invoice to EXPIRED once its detection
// window has passed and reports whether a transition happened this call.
// Repeated calls after expiry are no-ops. The caller uses the result to
// skip the deposit check for this cycle.
func (s *LifecycleService) CheckExpiration(inv *models.Invoice, now time.Time) (bool, error) {
	if inv.Status != models.InvoiceStatusSent {
		return false, nil
	}
	if inv.IssueDate.IsZero() {
		return false, fmt.Errorf("invoice %s has no issue date", inv.ID)
	}
	if now.Before(inv.ExpiresAt()) {
		return false, nil
	}

	res := s.DB.Model(&models.Invoice{}).
		Where("id = ? AND status = ?", inv.ID, models.InvoiceStatusSent).
		Update("status", models.InvoiceStatusExpired)
	if res.Error != nil {
		return false, fmt.Errorf("failed to expire invoice %s: %w", inv.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		// Someone else already moved it — treat as no transition.
		return false, nil
	}

	inv.Status = models.InvoiceStatusExpired
	log.Printf("[lifecycle] Invoice %s (%s) expired after %dh with no matched payment", inv.ID, inv.Reference, inv.ExpirationHours)
	return true, nil
}

// CheckOverdue flags every not-fully-paid invoice whose due date has passed
// as OVERDUE. Runs on its own cadence, independent of the poll loop, and
// never blocks further payment processing — overdue invoices stay in the
// polling set.
func (s *LifecycleService) CheckOverdue(now time.Time) (int, error) {
	res := s.DB.Model(&models.Invoice{}).
		Where("status IN ? AND due_date IS NOT NULL AND due_date < ?",
			[]models.InvoiceStatus{models.InvoiceStatusSent, models.InvoiceStatusPartiallyPaid}, now).
		Update("status", models.InvoiceStatusOverdue)
	if res.Error != nil {
		return 0, fmt.Errorf("overdue sweep failed: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Printf("[lifecycle] Flagged %d invoice(s) as overdue", res.RowsAffected)
	}
	return int(res.RowsAffected), nil
}
