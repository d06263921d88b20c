// models/payment_transaction.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus tracks a single detected deposit through confirmation
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusDetected  PaymentStatus = "detected"
	PaymentStatusConfirmed PaymentStatus = "confirmed"
)

// PaymentTransaction links one on-chain deposit to one invoice. A given
// (tx_hash, network) pair exists at most once system-wide — enforced by the
// composite unique index and re-checked by the matcher before insert.
// Multiple rows may belong to one invoice (split and overpayment cases).
type PaymentTransaction struct {
	ID        string `gorm:"primaryKey;type:uuid" json:"id"`
	InvoiceID string `gorm:"type:uuid;not null;index" json:"invoice_id"`

	TxHash  string `gorm:"type:varchar(128);not null;uniqueIndex:idx_tx_hash_network" json:"tx_hash"`
	Network string `gorm:"type:varchar(32);not null;uniqueIndex:idx_tx_hash_network" json:"network"`

	AmountReceived decimal.Decimal `gorm:"type:decimal(30,18);not null" json:"amount_received"`
	Currency       string          `gorm:"type:varchar(16);not null" json:"currency"`

	Confirmations         int `gorm:"not null;default:0" json:"confirmations"`
	RequiredConfirmations int `gorm:"not null;default:1" json:"required_confirmations"`

	Status PaymentStatus `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`

	IsManualVerification bool    `gorm:"not null;default:false" json:"is_manual_verification"`
	VerifiedBy           *string `gorm:"type:varchar(128)" json:"verified_by,omitempty"`

	DetectedAt  time.Time  `json:"detected_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
