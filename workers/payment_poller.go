// workers/payment_poller.go
package workers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"crypto-invoice-system/models"
	"crypto-invoice-system/services"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PollerStats is the running counter set exposed via GetStatistics.
// Best-effort: read under the same mutex, no durability.
type PollerStats struct {
	TotalPolls        int64      `json:"total_polls"`
	PaymentsDetected  int64      `json:"payments_detected"`
	PaymentsConfirmed int64      `json:"payments_confirmed"`
	Errors            int64      `json:"errors"`
	LastPollTime      *time.Time `json:"last_poll_time,omitempty"`
}

// PaymentPoller is the polling orchestrator: one background loop that walks
// every pending invoice each cycle, checks expiration, matches deposits and
// triggers reconciliation. It keeps no durable state of its own — everything
// durable lives in Invoice / PaymentTransaction / PollingEvent rows.
type PaymentPoller struct {
	DB         *gorm.DB
	Matcher    *services.PaymentMatcher
	Lifecycle  *services.LifecycleService
	Reconciler *services.ReconciliationService
	Exchange   services.DepositSource
	Explorer   services.TransactionVerifier
	Observers  []services.PaymentObserver

	Interval time.Duration

	statsMu sync.Mutex
	stats   PollerStats

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPaymentPoller(db *gorm.DB, matcher *services.PaymentMatcher, lifecycle *services.LifecycleService,
	reconciler *services.ReconciliationService, exchange services.DepositSource, explorer services.TransactionVerifier,
	observers ...services.PaymentObserver) *PaymentPoller {
	return &PaymentPoller{
		DB:         db,
		Matcher:    matcher,
		Lifecycle:  lifecycle,
		Reconciler: reconciler,
		Exchange:   exchange,
		Explorer:   explorer,
		Observers:  observers,
		Interval:   30 * time.Second,
	}
}

// StartPolling launches the background loop. The in-flight tick always runs
// to completion; cancellation only prevents the next one from starting.
func (p *PaymentPoller) StartPolling(ctx context.Context, interval time.Duration) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel != nil {
		log.Println("[poller] Already running, ignoring StartPolling")
		return
	}
	if interval > 0 {
		p.Interval = interval
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.run(runCtx)
	log.Printf("[poller] ✅ Payment polling started (every %s)", p.Interval)
}

// StopPolling cancels the loop and waits for the in-flight tick to finish.
func (p *PaymentPoller) StopPolling() {
	p.runMu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Println("[poller] Payment polling stopped.")
}

func (p *PaymentPoller) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
			p.RefreshConfirmations(ctx)
		}
	}
}

// Tick runs one full poll cycle: every invoice still eligible for automatic
// polling gets an expiration check and, if still live, a deposit check.
// A single invoice failing never aborts the rest of the batch.
func (p *PaymentPoller) Tick(ctx context.Context) {
	var invoices []models.Invoice
	err := p.DB.Where("status IN ?", []models.InvoiceStatus{
		models.InvoiceStatusSent,
		models.InvoiceStatusPartiallyPaid,
		models.InvoiceStatusOverdue,
	}).Find(&invoices).Error
	if err != nil {
		log.Printf("[poller] ❌ Failed to load pending invoices: %v", err)
		p.bumpError()
		return
	}

	for i := range invoices {
		if err := p.pollInvoice(ctx, &invoices[i]); err != nil {
			log.Printf("[poller] ❌ Invoice %s poll failed: %v", invoices[i].ID, err)
			p.logEvent(invoices[i].ID, models.PollOutcomeError, err.Error())
			p.bumpError()
		}
	}

	now := time.Now().UTC()
	p.statsMu.Lock()
	p.stats.TotalPolls++
	p.stats.LastPollTime = &now
	p.statsMu.Unlock()
}

func (p *PaymentPoller) pollInvoice(ctx context.Context, inv *models.Invoice) error {
	now := time.Now().UTC()

	expired, err := p.Lifecycle.CheckExpiration(inv, now)
	if err != nil {
		return err
	}
	if expired {
		p.logEvent(inv.ID, models.PollOutcomeExpired,
			fmt.Sprintf("expired %s after %dh", inv.ExpiresAt().Format(time.RFC3339), inv.ExpirationHours))
		notifyExpired(p.Observers, inv)
		return nil
	}
	deposits, err := p.Exchange.GetDeposits(ctx, inv.Currency, inv.IssueDate, inv.Network)
	if err != nil {
		return fmt.Errorf("deposit fetch: %w", err)
	}

	var existing []models.PaymentTransaction
	if err := p.DB.Where("invoice_id = ?", inv.ID).Find(&existing).Error; err != nil {
		return fmt.Errorf("load payment history: %w", err)
	}

	match, err := p.Matcher.FindMatch(inv, deposits, existing)
	if err != nil {
		return fmt.Errorf("match: %w", err)
	}
	if match == nil {
		p.logEvent(inv.ID, models.PollOutcomeNoPayment,
			fmt.Sprintf("%d candidate deposit(s), none matched", len(deposits)))
		return nil
	}

	outcome, detail, err := p.applyMatch(ctx, inv, match)
	if err != nil {
		return err
	}
	p.logEvent(inv.ID, outcome, detail)
	return nil
}

// applyMatch turns a matched deposit into a PaymentTransaction and, when the
// deposit already carries enough confirmations, reconciles immediately.
func (p *PaymentPoller) applyMatch(ctx context.Context, inv *models.Invoice, match *services.Deposit) (models.PollOutcome, string, error) {
	required := p.requiredConfirmations(ctx, inv.Currency, inv.Network)
	confirmed := match.Confirmations >= required
	now := time.Now().UTC()

	payment := models.PaymentTransaction{
		ID:                    uuid.NewString(),
		InvoiceID:             inv.ID,
		TxHash:                match.TxHash,
		Network:               match.Network,
		AmountReceived:        match.Amount,
		Currency:              match.Currency,
		Confirmations:         match.Confirmations,
		RequiredConfirmations: required,
		Status:                models.PaymentStatusDetected,
		DetectedAt:            now,
	}
	if confirmed {
		payment.Status = models.PaymentStatusConfirmed
		payment.ConfirmedAt = &now
	}

	err := p.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&payment).Error; err != nil {
			return err
		}
		// A detected-but-unconfirmed payment moves the invoice out of SENT.
		if !confirmed && inv.Status == models.InvoiceStatusSent {
			if err := tx.Model(&models.Invoice{}).Where("id = ?", inv.ID).
				Update("status", models.InvoiceStatusPartiallyPaid).Error; err != nil {
				return err
			}
			inv.Status = models.InvoiceStatusPartiallyPaid
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost a dedup race with another writer; the tx is already linked.
			log.Printf("[poller] Tx %s/%s already recorded, skipping", match.TxHash, match.Network)
			return models.PollOutcomeNoPayment, "deposit already linked elsewhere", nil
		}
		return "", "", fmt.Errorf("persist payment: %w", err)
	}

	p.statsMu.Lock()
	p.stats.PaymentsDetected++
	p.statsMu.Unlock()

	log.Printf("[poller] 💰 Matched deposit %s (%s %s) to invoice %s [confirmations %d/%d]",
		match.TxHash, match.Amount, match.Currency, inv.Reference, match.Confirmations, required)

	if !confirmed {
		notifyAllEvent(p.Observers, services.EventPaymentDetected, inv, match.Amount, match.TxHash)
		return models.PollOutcomePaymentDetected,
			fmt.Sprintf("tx %s detected, awaiting confirmations (%d/%d)", match.TxHash, match.Confirmations, required), nil
	}

	p.statsMu.Lock()
	p.stats.PaymentsConfirmed++
	p.statsMu.Unlock()

	status, _, err := p.Reconciler.Reconcile(inv.ID)
	if err != nil {
		return "", "", fmt.Errorf("reconcile: %w", err)
	}

	switch status {
	case models.InvoiceStatusPartial:
		return models.PollOutcomePartialPayment, fmt.Sprintf("tx %s confirmed, invoice underpaid", match.TxHash), nil
	case models.InvoiceStatusOverpaid:
		return models.PollOutcomeOverpayment, fmt.Sprintf("tx %s confirmed, invoice overpaid", match.TxHash), nil
	default:
		return models.PollOutcomePaymentDetected, fmt.Sprintf("tx %s confirmed, invoice %s", match.TxHash, status), nil
	}
}

func (p *PaymentPoller) requiredConfirmations(ctx context.Context, currency, network string) int {
	n, err := p.Exchange.GetRequiredConfirmations(ctx, currency, network)
	if err != nil || n <= 0 {
		return services.RequiredConfirmationsFallback(network)
	}
	return n
}

// GetStatistics returns a snapshot of the running counters.
func (p *PaymentPoller) GetStatistics() PollerStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

func (p *PaymentPoller) bumpError() {
	p.statsMu.Lock()
	p.stats.Errors++
	p.statsMu.Unlock()
}

// logEvent appends one audit row. The audit trail must survive even when a
// cycle goes wrong, so failures here are only logged.
func (p *PaymentPoller) logEvent(invoiceID string, outcome models.PollOutcome, detail string) {
	event := models.PollingEvent{
		ID:        uuid.NewString(),
		InvoiceID: invoiceID,
		Outcome:   outcome,
		Detail:    detail,
	}
	if err := p.DB.Create(&event).Error; err != nil {
		log.Printf("[poller] ⚠️ Failed to append polling event for invoice %s: %v", invoiceID, err)
	}
}

func notifyExpired(observers []services.PaymentObserver, inv *models.Invoice) {
	notifyAllEvent(observers, services.EventInvoiceExpired, inv, decimal.Zero, "")
}

func notifyAllEvent(observers []services.PaymentObserver, t services.PaymentEventType, inv *models.Invoice, received decimal.Decimal, txHash string) {
	event := services.PaymentEvent{
		Type:             t,
		InvoiceID:        inv.ID,
		InvoiceReference: inv.Reference,
		Status:           string(inv.Status),
		Currency:         inv.Currency,
		Network:          inv.Network,
		ExpectedAmount:   inv.ExpectedAmount,
		TotalReceived:    received,
		TxHash:           txHash,
		OccurredAt:       time.Now().UTC(),
	}
	for _, obs := range observers {
		obs.OnPaymentEvent(event)
	}
}
