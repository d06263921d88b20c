package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"crypto-invoice-system/models"
	"crypto-invoice-system/services"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type stubExchange struct {
	deposits map[string][]services.Deposit // keyed by currency
	errs     map[string]error
	required int
	calls    int
}

func (s *stubExchange) GetDeposits(ctx context.Context, currency string, since time.Time, network string) ([]services.Deposit, error) {
	s.calls++
	if err := s.errs[currency]; err != nil {
		return nil, err
	}
	return s.deposits[currency], nil
}

func (s *stubExchange) GetRequiredConfirmations(ctx context.Context, currency, network string) (int, error) {
	if s.required <= 0 {
		return 0, errors.New("unknown network")
	}
	return s.required, nil
}

type stubVerifier struct {
	details *services.TxDetails
	err     error
}

func (s *stubVerifier) VerifyTransaction(ctx context.Context, txHash, currency, network string, expectedAmount decimal.Decimal, address string) (*services.TxDetails, error) {
	return s.details, s.err
}

func newPollerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Invoice{},
		&models.PaymentTransaction{},
		&models.PollingEvent{},
		&models.RefundRequest{},
	))
	return db
}

func newPoller(t *testing.T, db *gorm.DB, exchange services.DepositSource, explorer services.TransactionVerifier) *PaymentPoller {
	t.Helper()
	resolver := services.NewRateLockResolver(nil)
	matcher := services.NewPaymentMatcher(db, resolver)
	lifecycle := services.NewLifecycleService(db)
	reconciler := services.NewReconciliationService(db, nil)
	return NewPaymentPoller(db, matcher, lifecycle, reconciler, exchange, explorer)
}

func seedInvoice(t *testing.T, db *gorm.DB, currency, expected string) *models.Invoice {
	t.Helper()
	inv := &models.Invoice{
		ID:              uuid.NewString(),
		Reference:       "INV-" + uuid.NewString()[:8],
		Currency:        currency,
		Network:         "trc20",
		ExpectedAmount:  decimal.RequireFromString(expected),
		IssueDate:       time.Now().UTC().Add(-time.Hour),
		ExpirationHours: 24,
		DepositAddress:  "TShared9DepositAddr111111111111111",
		Status:          models.InvoiceStatusSent,
	}
	require.NoError(t, db.Create(inv).Error)
	return inv
}

func eventsFor(t *testing.T, db *gorm.DB, invoiceID string) []models.PollingEvent {
	t.Helper()
	var events []models.PollingEvent
	require.NoError(t, db.Where("invoice_id = ?", invoiceID).Order("created_at ASC").Find(&events).Error)
	return events
}

func TestTickMatchesConfirmedDepositAndSettles(t *testing.T) {
	db := newPollerTestDB(t)
	exchange := &stubExchange{
		deposits: map[string][]services.Deposit{"USDT": {{
			TxHash:        "tx-100",
			Currency:      "USDT",
			Network:       "trc20",
			Address:       "TShared9DepositAddr111111111111111",
			Amount:        decimal.RequireFromString("100.05"),
			Confirmations: 25,
		}}},
		required: 19,
	}
	poller := newPoller(t, db, exchange, &stubVerifier{})
	inv := seedInvoice(t, db, "USDT", "100.000")

	poller.Tick(context.Background())

	var reloaded models.Invoice
	require.NoError(t, db.First(&reloaded, "id = ?", inv.ID).Error)
	assert.Equal(t, models.InvoiceStatusPaid, reloaded.Status)

	var payments []models.PaymentTransaction
	require.NoError(t, db.Where("invoice_id = ?", inv.ID).Find(&payments).Error)
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentStatusConfirmed, payments[0].Status)
	assert.Equal(t, 19, payments[0].RequiredConfirmations)

	events := eventsFor(t, db, inv.ID)
	require.Len(t, events, 1)
	assert.Equal(t, models.PollOutcomePaymentDetected, events[0].Outcome)

	stats := poller.GetStatistics()
	assert.EqualValues(t, 1, stats.TotalPolls)
	assert.EqualValues(t, 1, stats.PaymentsDetected)
	assert.EqualValues(t, 1, stats.PaymentsConfirmed)
	assert.NotNil(t, stats.LastPollTime)
}

func TestTickDoesNotDoubleLinkDepositAcrossCycles(t *testing.T) {
	db := newPollerTestDB(t)
	exchange := &stubExchange{
		deposits: map[string][]services.Deposit{"USDT": {{
			TxHash:        "tx-dup",
			Currency:      "USDT",
			Network:       "trc20",
			Address:       "TShared9DepositAddr111111111111111",
			Amount:        decimal.RequireFromString("100"),
			Confirmations: 25,
		}}},
		required: 19,
	}
	poller := newPoller(t, db, exchange, &stubVerifier{})
	_ = seedInvoice(t, db, "USDT", "100")

	poller.Tick(context.Background())
	poller.Tick(context.Background())
	poller.Tick(context.Background())

	var count int64
	require.NoError(t, db.Model(&models.PaymentTransaction{}).Where("tx_hash = ?", "tx-dup").Count(&count).Error)
	assert.EqualValues(t, 1, count, "same (tx_hash, network) must never produce a second PaymentTransaction")

	// A second identical invoice must not steal the already-linked deposit.
	second := seedInvoice(t, db, "USDT", "100")
	poller.Tick(context.Background())

	require.NoError(t, db.Model(&models.PaymentTransaction{}).Where("tx_hash = ?", "tx-dup").Count(&count).Error)
	assert.EqualValues(t, 1, count)

	var reloaded models.Invoice
	require.NoError(t, db.First(&reloaded, "id = ?", second.ID).Error)
	assert.Equal(t, models.InvoiceStatusSent, reloaded.Status)
}

func TestTickExpiresInvoiceBeforeDepositCheck(t *testing.T) {
	db := newPollerTestDB(t)
	exchange := &stubExchange{required: 19}
	poller := newPoller(t, db, exchange, &stubVerifier{})

	inv := seedInvoice(t, db, "USDT", "100")
	inv.IssueDate = time.Now().UTC().Add(-25 * time.Hour)
	require.NoError(t, db.Save(inv).Error)

	poller.Tick(context.Background())

	var reloaded models.Invoice
	require.NoError(t, db.First(&reloaded, "id = ?", inv.ID).Error)
	assert.Equal(t, models.InvoiceStatusExpired, reloaded.Status)
	// Expiration short-circuits the cycle: no deposit fetch for this invoice.
	assert.Zero(t, exchange.calls)

	events := eventsFor(t, db, inv.ID)
	require.Len(t, events, 1)
	assert.Equal(t, models.PollOutcomeExpired, events[0].Outcome)

	// Expired is terminal: subsequent ticks skip the invoice entirely.
	poller.Tick(context.Background())
	assert.Zero(t, exchange.calls)
	assert.Len(t, eventsFor(t, db, inv.ID), 1)
}

func TestTickIsolatesPerInvoiceFailures(t *testing.T) {
	db := newPollerTestDB(t)
	exchange := &stubExchange{
		deposits: map[string][]services.Deposit{"USDT": {{
			TxHash:        "tx-ok",
			Currency:      "USDT",
			Network:       "trc20",
			Address:       "TShared9DepositAddr111111111111111",
			Amount:        decimal.RequireFromString("100"),
			Confirmations: 25,
		}}},
		errs:     map[string]error{"ETH": errors.New("exchange timeout")},
		required: 19,
	}
	poller := newPoller(t, db, exchange, &stubVerifier{})

	broken := seedInvoice(t, db, "ETH", "1.5")
	healthy := seedInvoice(t, db, "USDT", "100")

	poller.Tick(context.Background())

	// The failing invoice logged an error event and did not change state.
	events := eventsFor(t, db, broken.ID)
	require.Len(t, events, 1)
	assert.Equal(t, models.PollOutcomeError, events[0].Outcome)

	// The healthy invoice still settled in the same tick.
	var reloaded models.Invoice
	require.NoError(t, db.First(&reloaded, "id = ?", healthy.ID).Error)
	assert.Equal(t, models.InvoiceStatusPaid, reloaded.Status)

	stats := poller.GetStatistics()
	assert.EqualValues(t, 1, stats.Errors)
}

func TestTickRecordsNoPaymentOutcome(t *testing.T) {
	db := newPollerTestDB(t)
	exchange := &stubExchange{required: 19}
	poller := newPoller(t, db, exchange, &stubVerifier{})
	inv := seedInvoice(t, db, "USDT", "100")

	poller.Tick(context.Background())

	events := eventsFor(t, db, inv.ID)
	require.Len(t, events, 1)
	assert.Equal(t, models.PollOutcomeNoPayment, events[0].Outcome)
}

func TestTickDetectsUnconfirmedDepositAndMarksPartiallyPaid(t *testing.T) {
	db := newPollerTestDB(t)
	exchange := &stubExchange{
		deposits: map[string][]services.Deposit{"USDT": {{
			TxHash:        "tx-young",
			Currency:      "USDT",
			Network:       "trc20",
			Address:       "TShared9DepositAddr111111111111111",
			Amount:        decimal.RequireFromString("100"),
			Confirmations: 3,
		}}},
		required: 19,
	}
	poller := newPoller(t, db, exchange, &stubVerifier{})
	inv := seedInvoice(t, db, "USDT", "100")

	poller.Tick(context.Background())

	var reloaded models.Invoice
	require.NoError(t, db.First(&reloaded, "id = ?", inv.ID).Error)
	assert.Equal(t, models.InvoiceStatusPartiallyPaid, reloaded.Status)

	var payment models.PaymentTransaction
	require.NoError(t, db.First(&payment, "tx_hash = ?", "tx-young").Error)
	assert.Equal(t, models.PaymentStatusDetected, payment.Status)
	assert.Equal(t, 3, payment.Confirmations)
}

func TestRefreshConfirmationsPromotesAndReconciles(t *testing.T) {
	db := newPollerTestDB(t)
	exchange := &stubExchange{
		deposits: map[string][]services.Deposit{"USDT": {{
			TxHash:        "tx-young",
			Currency:      "USDT",
			Network:       "trc20",
			Address:       "TShared9DepositAddr111111111111111",
			Amount:        decimal.RequireFromString("100"),
			Confirmations: 3,
		}}},
		required: 19,
	}
	poller := newPoller(t, db, exchange, &stubVerifier{})
	inv := seedInvoice(t, db, "USDT", "100")

	poller.Tick(context.Background())

	// The chain moves on: same deposit now carries enough confirmations.
	exchange.deposits["USDT"][0].Confirmations = 20

	poller.RefreshConfirmations(context.Background())

	var payment models.PaymentTransaction
	require.NoError(t, db.First(&payment, "tx_hash = ?", "tx-young").Error)
	assert.Equal(t, models.PaymentStatusConfirmed, payment.Status)
	assert.Equal(t, 20, payment.Confirmations)
	require.NotNil(t, payment.ConfirmedAt)

	var reloaded models.Invoice
	require.NoError(t, db.First(&reloaded, "id = ?", inv.ID).Error)
	assert.Equal(t, models.InvoiceStatusPaid, reloaded.Status)

	stats := poller.GetStatistics()
	assert.EqualValues(t, 1, stats.PaymentsConfirmed)
}

func TestRefreshConfirmationsFallsBackToExplorer(t *testing.T) {
	db := newPollerTestDB(t)
	exchange := &stubExchange{
		deposits: map[string][]services.Deposit{"USDT": {{
			TxHash:        "tx-young",
			Currency:      "USDT",
			Network:       "trc20",
			Address:       "TShared9DepositAddr111111111111111",
			Amount:        decimal.RequireFromString("100"),
			Confirmations: 3,
		}}},
		required: 19,
	}
	explorer := &stubVerifier{details: &services.TxDetails{
		TxHash:        "tx-young",
		ToAddress:     "TShared9DepositAddr111111111111111",
		Amount:        decimal.RequireFromString("100"),
		Confirmations: 22,
	}}
	poller := newPoller(t, db, exchange, explorer)
	inv := seedInvoice(t, db, "USDT", "100")

	poller.Tick(context.Background())

	// Exchange stops reporting the deposit; the explorer carries the count.
	exchange.errs = map[string]error{"USDT": errors.New("exchange down")}

	poller.RefreshConfirmations(context.Background())

	var payment models.PaymentTransaction
	require.NoError(t, db.First(&payment, "tx_hash = ?", "tx-young").Error)
	assert.Equal(t, models.PaymentStatusConfirmed, payment.Status)
	assert.Equal(t, 22, payment.Confirmations)

	var reloaded models.Invoice
	require.NoError(t, db.First(&reloaded, "id = ?", inv.ID).Error)
	assert.Equal(t, models.InvoiceStatusPaid, reloaded.Status)
}

func TestStartAndStopPolling(t *testing.T) {
	db := newPollerTestDB(t)
	exchange := &stubExchange{required: 19}
	poller := newPoller(t, db, exchange, &stubVerifier{})
	seedInvoice(t, db, "USDT", "100")

	poller.StartPolling(context.Background(), 10*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	poller.StopPolling()

	stats := poller.GetStatistics()
	assert.Positive(t, stats.TotalPolls)

	// A second stop is a harmless no-op.
	poller.StopPolling()
}
