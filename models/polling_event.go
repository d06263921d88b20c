// models/polling_event.go
package models

import "time"

// PollOutcome is the result of one poll cycle for one invoice
type PollOutcome string

const (
	PollOutcomeNoPayment       PollOutcome = "no_payment"
	PollOutcomePaymentDetected PollOutcome = "payment_detected"
	PollOutcomePartialPayment  PollOutcome = "partial_payment"
	PollOutcomeOverpayment     PollOutcome = "overpayment"
	PollOutcomeExpired         PollOutcome = "expired"
	PollOutcomeError           PollOutcome = "error"
)

// PollingEvent is the append-only audit trail: one row per invoice per poll
// cycle. Never updated or deleted — it answers "why wasn't this invoice
// paid" questions after the fact.
type PollingEvent struct {
	ID        string      `gorm:"primaryKey;type:uuid" json:"id"`
	InvoiceID string      `gorm:"type:uuid;not null;index" json:"invoice_id"`
	Outcome   PollOutcome `gorm:"type:varchar(32);not null" json:"outcome"`
	Detail    string      `gorm:"type:text" json:"detail"`
	CreatedAt time.Time   `gorm:"index" json:"created_at"`
}
