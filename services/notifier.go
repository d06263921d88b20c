package services

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentEventType mirrors the notification collaborator's vocabulary
type PaymentEventType string

const (
	EventPaymentDetected  PaymentEventType = "payment_detected"
	EventPartialPayment   PaymentEventType = "partial_payment"
	EventOverpayment      PaymentEventType = "overpayment"
	EventPaymentConfirmed PaymentEventType = "payment_confirmed"
	EventInvoiceExpired   PaymentEventType = "invoice_expired"
)

// PaymentEvent is handed to observers after a successful state transition.
// Delivery is at-least-once and best-effort: observers may fail, and their
// failure never rolls the transition back.
type PaymentEvent struct {
	Type             PaymentEventType `json:"type"`
	InvoiceID        string           `json:"invoice_id"`
	InvoiceReference string           `json:"invoice_reference"`
	Status           string           `json:"status"`
	Currency         string           `json:"currency"`
	Network          string           `json:"network"`
	ExpectedAmount   decimal.Decimal  `json:"expected_amount"`
	TotalReceived    decimal.Decimal  `json:"total_received"`
	TxHash           string           `json:"tx_hash,omitempty"`
	OccurredAt       time.Time        `json:"occurred_at"`
}

// PaymentObserver receives settlement events synchronously after commit.
type PaymentObserver interface {
	OnPaymentEvent(event PaymentEvent)
}

// WebhookNotifier forwards payment events to the notification service as
// fire-and-forget JSON POSTs.
type WebhookNotifier struct {
	URL        string
	Token      string
	HTTPClient *http.Client
}

func NewWebhookNotifier(url, token string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:   url,
		Token: token,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (n *WebhookNotifier) OnPaymentEvent(event PaymentEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		log.Printf("[notifier] ❌ Failed to encode %s event for invoice %s: %v", event.Type, event.InvoiceID, err)
		return
	}

	req, err := http.NewRequest("POST", n.URL, bytes.NewBuffer(body))
	if err != nil {
		log.Printf("[notifier] ❌ Failed to build %s notification for invoice %s: %v", event.Type, event.InvoiceID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.Token)

	resp, err := n.HTTPClient.Do(req)
	if err != nil {
		log.Printf("[notifier] ❌ Failed to deliver %s notification for invoice %s: %v", event.Type, event.InvoiceID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Printf("[notifier] ❌ Notification service returned %d for %s / invoice %s", resp.StatusCode, event.Type, event.InvoiceID)
		return
	}
	log.Printf("[notifier] 📣 Delivered %s notification for invoice %s", event.Type, event.InvoiceID)
}

// notifyAll fans an event out to every observer, shielding the caller from
// observer panics as well as failures.
func notifyAll(observers []PaymentObserver, event PaymentEvent) {
	for _, obs := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[notifier] ❌ Observer panicked on %s event for invoice %s: %v", event.Type, event.InvoiceID, r)
				}
			}()
			obs.OnPaymentEvent(event)
		}()
	}
}

var _ PaymentObserver = (*WebhookNotifier)(nil)
