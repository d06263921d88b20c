// models/invoice.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// InvoiceStatus tracks the settlement state of an invoice
type InvoiceStatus string

const (
	InvoiceStatusSent          InvoiceStatus = "sent"
	InvoiceStatusPartiallyPaid InvoiceStatus = "partially_paid"
	InvoiceStatusPartial       InvoiceStatus = "partial" // terminal: underpaid after reconciliation
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusOverpaid      InvoiceStatus = "overpaid"
	InvoiceStatusExpired       InvoiceStatus = "expired"
	InvoiceStatusOverdue       InvoiceStatus = "overdue" // due date passed, still collectible
)

// DefaultPaymentTolerance is the matching band applied when an invoice
// carries no per-invoice override (0.1%).
var DefaultPaymentTolerance = decimal.NewFromFloat(0.001)

// Invoice is created by the external invoicing workflow and mutated here
// only through engine-driven status transitions. Deposit addresses are
// shared across invoices, so deposits are matched by amount, not address.
type Invoice struct {
	ID             string          `gorm:"primaryKey;type:uuid" json:"id"`
	Reference      string          `gorm:"type:varchar(64);not null;index" json:"reference"`
	Currency       string          `gorm:"type:varchar(16);not null" json:"currency"`
	Network        string          `gorm:"type:varchar(32);not null" json:"network"`
	ExpectedAmount decimal.Decimal `gorm:"type:decimal(30,18);not null" json:"expected_amount"`
	IssueDate      time.Time       `json:"issue_date"`
	ExpirationHours int            `gorm:"not null;default:24" json:"expiration_hours"`

	// RateLockExpiry bounds the window during which the quoted crypto amount
	// stays authoritative. Nil means the quote never expires.
	RateLockExpiry *time.Time `json:"rate_lock_expiry,omitempty"`

	// DueDate drives the OVERDUE flag, independent of ExpirationHours.
	DueDate *time.Time `json:"due_date,omitempty"`

	DepositAddress   string          `gorm:"type:varchar(128);not null;index" json:"deposit_address"`
	PaymentTolerance decimal.Decimal `gorm:"type:decimal(10,8);default:0" json:"payment_tolerance"`
	Status           InvoiceStatus   `gorm:"type:varchar(32);not null;default:'sent';index" json:"status"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
	ReceiptURL       string          `gorm:"type:text" json:"receipt_url,omitempty"`

	Payments []PaymentTransaction `json:"payments,omitempty" gorm:"foreignKey:InvoiceID"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// TolerancePercent returns the per-invoice matching tolerance, falling back
// to the 0.1% default when unset.
func (i *Invoice) TolerancePercent() decimal.Decimal {
	if i.PaymentTolerance.IsPositive() {
		return i.PaymentTolerance
	}
	return DefaultPaymentTolerance
}

// ExpiresAt returns the deposit-detection cutoff for the invoice.
func (i *Invoice) ExpiresAt() time.Time {
	return i.IssueDate.Add(time.Duration(i.ExpirationHours) * time.Hour)
}

// IsPending reports whether the invoice is still eligible for automatic
// deposit polling. OVERDUE invoices stay in the polling set — the flag is
// informational and does not stop payment processing.
func (i *Invoice) IsPending() bool {
	switch i.Status {
	case InvoiceStatusSent, InvoiceStatusPartiallyPaid, InvoiceStatusOverdue:
		return true
	}
	return false
}
