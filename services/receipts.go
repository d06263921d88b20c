// services/receipts.go
package services

import (
	"encoding/json"
	"fmt"
	"time"

	"crypto-invoice-system/models"

	"github.com/gosimple/slug"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ReceiptStore persists a rendered receipt and returns its public URL.
// utils.UploadJSONToR2 is the production implementation.
type ReceiptStore interface {
	UploadJSON(key string, body []byte) (string, error)
}

// ReceiptService renders settlement receipts for paid/overpaid invoices and
// pushes them to object storage.
type ReceiptService struct {
	Store ReceiptStore
}

func NewReceiptService(store ReceiptStore) *ReceiptService {
	return &ReceiptService{Store: store}
}

type receiptPayment struct {
	TxHash           string `json:"tx_hash"`
	Network          string `json:"network"`
	Amount           string `json:"amount"`
	Confirmations    int    `json:"confirmations"`
	ManuallyVerified bool   `json:"manually_verified"`
}

type settlementReceipt struct {
	InvoiceID      string           `json:"invoice_id"`
	Reference      string           `json:"reference"`
	Status         string           `json:"status"`
	Currency       string           `json:"currency"`
	Network        string           `json:"network"`
	ExpectedAmount string           `json:"expected_amount"`
	TotalReceived  string           `json:"total_received"`
	Overpayment    string           `json:"overpayment,omitempty"`
	Summary        string           `json:"summary"`
	Payments       []receiptPayment `json:"payments"`
	GeneratedAt    time.Time        `json:"generated_at"`
}

// GenerateAndStore renders the receipt JSON and uploads it under a
// reference-derived key. Amounts stay exact decimal strings; the summary
// line is formatted for the humans who read these.
func (r *ReceiptService) GenerateAndStore(inv *models.Invoice, payments []models.PaymentTransaction, detail *SettlementDetail) (string, error) {
	p := message.NewPrinter(language.English)

	receipt := settlementReceipt{
		InvoiceID:      inv.ID,
		Reference:      inv.Reference,
		Status:         string(inv.Status),
		Currency:       inv.Currency,
		Network:        inv.Network,
		ExpectedAmount: inv.ExpectedAmount.String(),
		TotalReceived:  detail.TotalReceived.String(),
		Summary: p.Sprintf("Invoice %s settled as %s: received %.8f of %.8f %s across %d payment(s)",
			inv.Reference, inv.Status, detail.TotalReceived.InexactFloat64(),
			inv.ExpectedAmount.InexactFloat64(), inv.Currency, len(payments)),
		GeneratedAt: time.Now().UTC(),
	}
	if detail.Overpayment.IsPositive() {
		receipt.Overpayment = detail.Overpayment.String()
	}
	for _, pay := range payments {
		receipt.Payments = append(receipt.Payments, receiptPayment{
			TxHash:           pay.TxHash,
			Network:          pay.Network,
			Amount:           pay.AmountReceived.String(),
			Confirmations:    pay.Confirmations,
			ManuallyVerified: pay.IsManualVerification,
		})
	}

	body, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode receipt: %w", err)
	}

	key := fmt.Sprintf("receipts/%s-%s.json", slug.Make(inv.Reference), inv.ID)
	url, err := r.Store.UploadJSON(key, body)
	if err != nil {
		return "", fmt.Errorf("upload receipt %s: %w", key, err)
	}
	return url, nil
}
