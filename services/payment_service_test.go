package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"crypto-invoice-system/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDepositSource struct {
	deposits      []Deposit
	depositsErr   error
	confirmations int
	confirmErr    error
	calls         int
}

func (f *fakeDepositSource) GetDeposits(ctx context.Context, currency string, since time.Time, network string) ([]Deposit, error) {
	f.calls++
	return f.deposits, f.depositsErr
}

func (f *fakeDepositSource) GetRequiredConfirmations(ctx context.Context, currency, network string) (int, error) {
	if f.confirmErr != nil {
		return 0, f.confirmErr
	}
	return f.confirmations, nil
}

type fakeVerifier struct {
	details *TxDetails
	err     error
}

func (f *fakeVerifier) VerifyTransaction(ctx context.Context, txHash, currency, network string, expectedAmount decimal.Decimal, address string) (*TxDetails, error) {
	return f.details, f.err
}

func newPaymentServiceForTest(t *testing.T, exchange DepositSource, explorer TransactionVerifier) (*PaymentService, *ReconciliationService) {
	t.Helper()
	db := newTestDB(t)
	resolver := NewRateLockResolver(nil)
	matcher := NewPaymentMatcher(db, resolver)
	reconciler := NewReconciliationService(db, nil)
	return NewPaymentService(db, matcher, reconciler, exchange, explorer, nil), reconciler
}

func TestManualVerificationViaExchange(t *testing.T) {
	exchange := &fakeDepositSource{deposits: []Deposit{{
		TxHash:        "tx-manual",
		Currency:      "USDT",
		Network:       "trc20",
		Address:       "TShared9DepositAddr111111111111111",
		Amount:        decimal.RequireFromString("100.02"),
		Confirmations: 25,
	}}}
	svc, _ := newPaymentServiceForTest(t, exchange, &fakeVerifier{})
	inv := newTestInvoice(t, svc.DB, "USDT", "100")

	result := svc.ManualPaymentVerification(context.Background(), inv.ID, "tx-manual", "ops@treasury")

	require.True(t, result.Success, "expected success, got error: %s", result.Error)
	assert.Equal(t, models.InvoiceStatusPaid, result.InvoiceStatus)
	require.NotNil(t, result.Payment)
	assert.True(t, result.Payment.IsManualVerification)
	require.NotNil(t, result.Payment.VerifiedBy)
	assert.Equal(t, "ops@treasury", *result.Payment.VerifiedBy)
	assert.Equal(t, models.PaymentStatusConfirmed, result.Payment.Status)
}

func TestManualVerificationFallsBackToExplorer(t *testing.T) {
	exchange := &fakeDepositSource{depositsErr: errors.New("exchange down")}
	explorer := &fakeVerifier{details: &TxDetails{
		TxHash:        "tx-chain",
		ToAddress:     "TShared9DepositAddr111111111111111",
		Amount:        decimal.RequireFromString("100"),
		Confirmations: 30,
	}}
	svc, _ := newPaymentServiceForTest(t, exchange, explorer)
	inv := newTestInvoice(t, svc.DB, "USDT", "100")

	result := svc.ManualPaymentVerification(context.Background(), inv.ID, "tx-chain", "ops")

	require.True(t, result.Success, "expected success, got error: %s", result.Error)
	assert.Equal(t, models.InvoiceStatusPaid, result.InvoiceStatus)
}

func TestManualVerificationFailsClosedOnAddressMismatch(t *testing.T) {
	explorer := &fakeVerifier{details: &TxDetails{
		TxHash:        "tx-wrong-addr",
		ToAddress:     "TSomeOtherAddress0000000000000000",
		Amount:        decimal.RequireFromString("100"),
		Confirmations: 30,
	}}
	svc, _ := newPaymentServiceForTest(t, &fakeDepositSource{}, explorer)
	inv := newTestInvoice(t, svc.DB, "USDT", "100")

	result := svc.ManualPaymentVerification(context.Background(), inv.ID, "tx-wrong-addr", "ops")

	require.False(t, result.Success)
	assert.Contains(t, result.Error, "address")
	assertNoPayments(t, svc, inv.ID)
}

func TestManualVerificationFailsClosedOnAmountOutsideTolerance(t *testing.T) {
	explorer := &fakeVerifier{details: &TxDetails{
		TxHash:        "tx-wrong-amount",
		ToAddress:     "TShared9DepositAddr111111111111111",
		Amount:        decimal.RequireFromString("73"),
		Confirmations: 30,
	}}
	svc, _ := newPaymentServiceForTest(t, &fakeDepositSource{}, explorer)
	inv := newTestInvoice(t, svc.DB, "USDT", "100")

	result := svc.ManualPaymentVerification(context.Background(), inv.ID, "tx-wrong-amount", "ops")

	require.False(t, result.Success)
	assert.Contains(t, result.Error, "tolerance")
	assertNoPayments(t, svc, inv.ID)
}

func TestManualVerificationRejectsUnknownTransaction(t *testing.T) {
	svc, _ := newPaymentServiceForTest(t, &fakeDepositSource{}, &fakeVerifier{})
	inv := newTestInvoice(t, svc.DB, "USDT", "100")

	result := svc.ManualPaymentVerification(context.Background(), inv.ID, "tx-ghost", "ops")

	require.False(t, result.Success)
	assert.Contains(t, result.Error, "not found")
	assertNoPayments(t, svc, inv.ID)
}

func TestManualVerificationRejectsAlreadyLinkedTransaction(t *testing.T) {
	svc, _ := newPaymentServiceForTest(t, &fakeDepositSource{}, &fakeVerifier{})

	other := newTestInvoice(t, svc.DB, "USDT", "100")
	confirmedPayment(t, svc.DB, other, "tx-linked", "100")

	inv := newTestInvoice(t, svc.DB, "USDT", "100")
	result := svc.ManualPaymentVerification(context.Background(), inv.ID, "tx-linked", "ops")

	require.False(t, result.Success)
	assert.Contains(t, result.Error, "already linked")
	assertNoPayments(t, svc, inv.ID)
}

func TestManualVerificationRejectsUnknownInvoice(t *testing.T) {
	svc, _ := newPaymentServiceForTest(t, &fakeDepositSource{}, &fakeVerifier{})

	result := svc.ManualPaymentVerification(context.Background(), "11111111-1111-1111-1111-111111111111", "tx-x", "ops")

	require.False(t, result.Success)
	assert.Contains(t, result.Error, "invoice not found")
}

func assertNoPayments(t *testing.T, svc *PaymentService, invoiceID string) {
	t.Helper()
	var count int64
	require.NoError(t, svc.DB.Model(&models.PaymentTransaction{}).Where("invoice_id = ?", invoiceID).Count(&count).Error)
	assert.Zero(t, count)
}
