package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type RefundStatus string

const (
	RefundStatusQueued RefundStatus = "queued"
)

// RefundRequest is queued by the reconciliation engine when an invoice ends
// up overpaid. Refunds are never executed automatically; an operator picks
// the queue up elsewhere.
type RefundRequest struct {
	ID        string          `gorm:"primaryKey;type:uuid" json:"id"`
	InvoiceID string          `gorm:"type:uuid;not null;index" json:"invoice_id"`
	Amount    decimal.Decimal `gorm:"type:decimal(30,18);not null" json:"amount"`
	Currency  string          `gorm:"type:varchar(16);not null" json:"currency"`
	Reason    string          `gorm:"type:text" json:"reason"`
	Status    RefundStatus    `gorm:"type:varchar(16);not null;default:'queued'" json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}
