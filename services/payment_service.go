// services/payment_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"crypto-invoice-system/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// VerificationResult is the structured outcome of a manual verification.
// On failure nothing has been written (fail-closed).
type VerificationResult struct {
	Success       bool                  `json:"success"`
	Error         string                `json:"error,omitempty"`
	InvoiceStatus models.InvoiceStatus  `json:"invoice_status,omitempty"`
	Payment       *models.PaymentTransaction `json:"payment,omitempty"`
	Settlement    *SettlementDetail     `json:"settlement,omitempty"`
}

// PaymentService is the HTTP surface of the engine: manual verification,
// statistics and the read-only audit endpoints. Stats snapshots the poller
// counters; declared as a func so this package never imports the worker.
type PaymentService struct {
	DB         *gorm.DB
	Matcher    *PaymentMatcher
	Reconciler *ReconciliationService
	Exchange   DepositSource
	Explorer   TransactionVerifier
	Stats      func() interface{}
}

func NewPaymentService(db *gorm.DB, matcher *PaymentMatcher, reconciler *ReconciliationService,
	exchange DepositSource, explorer TransactionVerifier, stats func() interface{}) *PaymentService {
	return &PaymentService{
		DB:         db,
		Matcher:    matcher,
		Reconciler: reconciler,
		Exchange:   exchange,
		Explorer:   explorer,
		Stats:      stats,
	}
}

// ManualVerify handles POST /payments/verify. An operator supplies an
// invoice and a tx hash; the exchange is consulted first, the blockchain
// explorer as fallback. Address and amount checks both have to pass before
// anything is written.
func (s *PaymentService) ManualVerify(c *fiber.Ctx) error {
	var req struct {
		InvoiceID string `json:"invoice_id"`
		TxHash    string `json:"tx_hash"`
		Operator  string `json:"operator"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.InvoiceID == "" || req.TxHash == "" || req.Operator == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invoice_id, tx_hash and operator are required"})
	}

	result := s.ManualPaymentVerification(c.Context(), req.InvoiceID, req.TxHash, req.Operator)
	if !result.Success {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(result)
	}
	return c.JSON(result)
}

// ManualPaymentVerification bypasses the polling cadence and verifies a
// single transaction against an invoice. Fails closed: any validation error
// returns a structured failure with no side effects.
func (s *PaymentService) ManualPaymentVerification(ctx context.Context, invoiceID, txHash, operator string) VerificationResult {
	fail := func(format string, args ...interface{}) VerificationResult {
		msg := fmt.Sprintf(format, args...)
		log.Printf("[manual-verify] 🚫 Invoice %s / tx %s: %s", invoiceID, txHash, msg)
		return VerificationResult{Success: false, Error: msg}
	}

	var inv models.Invoice
	if err := s.DB.First(&inv, "id = ?", invoiceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fail("invoice not found")
		}
		return fail("failed to load invoice: %v", err)
	}

	var count int64
	if err := s.DB.Model(&models.PaymentTransaction{}).
		Where("tx_hash = ?", txHash).Count(&count).Error; err != nil {
		return fail("dedup check failed: %v", err)
	}
	if count > 0 {
		return fail("transaction %s is already linked to an invoice", txHash)
	}

	deposit, err := s.lookupTransaction(ctx, &inv, txHash)
	if err != nil {
		return fail("%v", err)
	}

	if deposit.Address != "" && deposit.Address != inv.DepositAddress {
		return fail("deposit address %s does not match invoice deposit address", deposit.Address)
	}

	// Amount check reuses the matcher's tolerance band and global dedup.
	var existing []models.PaymentTransaction
	if err := s.DB.Where("invoice_id = ?", inv.ID).Find(&existing).Error; err != nil {
		return fail("failed to load payment history: %v", err)
	}
	match, err := s.Matcher.FindMatch(&inv, []Deposit{*deposit}, existing)
	if err != nil {
		return fail("match check failed: %v", err)
	}
	if match == nil {
		expected, _ := s.Matcher.Resolver.ExpectedAmount(&inv, time.Now().UTC())
		return fail("amount %s %s outside tolerance of expected %s", deposit.Amount, deposit.Currency, expected)
	}

	now := time.Now().UTC()
	payment := models.PaymentTransaction{
		ID:                    uuid.NewString(),
		InvoiceID:             inv.ID,
		TxHash:                deposit.TxHash,
		Network:               deposit.Network,
		AmountReceived:        deposit.Amount,
		Currency:              deposit.Currency,
		Confirmations:         deposit.Confirmations,
		RequiredConfirmations: deposit.Confirmations, // operator vouches; confirmed as-is
		Status:                models.PaymentStatusConfirmed,
		IsManualVerification:  true,
		VerifiedBy:            &operator,
		DetectedAt:            now,
		ConfirmedAt:           &now,
	}
	if err := s.DB.Create(&payment).Error; err != nil {
		return fail("failed to record payment: %v", err)
	}

	status, detail, err := s.Reconciler.Reconcile(inv.ID)
	if err != nil {
		return fail("payment recorded but reconciliation failed: %v", err)
	}

	log.Printf("[manual-verify] ✅ Operator %s verified tx %s against invoice %s → %s", operator, txHash, inv.Reference, status)
	return VerificationResult{
		Success:       true,
		InvoiceStatus: status,
		Payment:       &payment,
		Settlement:    detail,
	}
}

// lookupTransaction finds the tx on the exchange first and falls back to the
// blockchain explorer.
func (s *PaymentService) lookupTransaction(ctx context.Context, inv *models.Invoice, txHash string) (*Deposit, error) {
	deposits, err := s.Exchange.GetDeposits(ctx, inv.Currency, inv.IssueDate, inv.Network)
	if err == nil {
		for i := range deposits {
			if deposits[i].TxHash == txHash {
				return &deposits[i], nil
			}
		}
	} else {
		log.Printf("[manual-verify] ⚠️ Exchange lookup failed for tx %s, trying explorer: %v", txHash, err)
	}

	expected, _ := s.Matcher.Resolver.ExpectedAmount(inv, time.Now().UTC())
	details, err := s.Explorer.VerifyTransaction(ctx, txHash, inv.Currency, inv.Network, expected, inv.DepositAddress)
	if err != nil {
		return nil, fmt.Errorf("explorer lookup failed: %w", err)
	}
	if details == nil {
		return nil, fmt.Errorf("transaction %s not found on exchange or chain", txHash)
	}
	return &Deposit{
		TxHash:        details.TxHash,
		Currency:      inv.Currency,
		Network:       inv.Network,
		Address:       details.ToAddress,
		Amount:        details.Amount,
		Confirmations: details.Confirmations,
		Timestamp:     details.Timestamp,
	}, nil
}

// GetStatistics handles GET /payments/statistics.
func (s *PaymentService) GetStatistics(c *fiber.Ctx) error {
	if s.Stats == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "poller not running"})
	}
	return c.JSON(s.Stats())
}

// ListPendingInvoices handles GET /invoices/pending.
func (s *PaymentService) ListPendingInvoices(c *fiber.Ctx) error {
	var invoices []models.Invoice
	err := s.DB.Where("status IN ?", []models.InvoiceStatus{
		models.InvoiceStatusSent,
		models.InvoiceStatusPartiallyPaid,
		models.InvoiceStatusOverdue,
	}).Order("issue_date ASC").Find(&invoices).Error
	if err != nil {
		log.Printf("DB Error listing pending invoices: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to list invoices"})
	}
	return c.JSON(fiber.Map{"invoices": invoices, "count": len(invoices)})
}

// GetInvoice handles GET /invoices/:id with its payments preloaded.
func (s *PaymentService) GetInvoice(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := uuid.Parse(id); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid invoice ID"})
	}

	var inv models.Invoice
	if err := s.DB.Preload("Payments").First(&inv, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Invoice not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(inv)
}

// ListInvoiceEvents handles GET /invoices/:id/events — the audit trail for
// "why wasn't this invoice paid" questions, newest first.
func (s *PaymentService) ListInvoiceEvents(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := uuid.Parse(id); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid invoice ID"})
	}

	var events []models.PollingEvent
	if err := s.DB.Where("invoice_id = ?", id).Order("created_at DESC").Limit(200).Find(&events).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(fiber.Map{"events": events, "count": len(events)})
}

// ListInvoicePayments handles GET /invoices/:id/payments.
func (s *PaymentService) ListInvoicePayments(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := uuid.Parse(id); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid invoice ID"})
	}

	var payments []models.PaymentTransaction
	if err := s.DB.Where("invoice_id = ?", id).Order("detected_at ASC").Find(&payments).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(fiber.Map{"payments": payments, "count": len(payments)})
}

// ListQueuedRefunds handles GET /refunds/queued.
func (s *PaymentService) ListQueuedRefunds(c *fiber.Ctx) error {
	var refunds []models.RefundRequest
	if err := s.DB.Where("status = ?", models.RefundStatusQueued).Order("created_at ASC").Find(&refunds).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(fiber.Map{"refunds": refunds, "count": len(refunds)})
}
