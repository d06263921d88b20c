package services

import (
	"testing"
	"time"

	"crypto-invoice-system/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
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

func newTestInvoice(t *testing.T, db *gorm.DB, currency string, expected string) *models.Invoice {
	t.Helper()
	amount, err := decimal.NewFromString(expected)
	require.NoError(t, err)

	inv := &models.Invoice{
		ID:              uuid.NewString(),
		Reference:       "INV-" + uuid.NewString()[:8],
		Currency:        currency,
		Network:         "trc20",
		ExpectedAmount:  amount,
		IssueDate:       time.Now().UTC().Add(-time.Hour),
		ExpirationHours: 24,
		DepositAddress:  "TShared9DepositAddr111111111111111",
		Status:          models.InvoiceStatusSent,
	}
	require.NoError(t, db.Create(inv).Error)
	return inv
}

func confirmedPayment(t *testing.T, db *gorm.DB, inv *models.Invoice, txHash, amount string) *models.PaymentTransaction {
	t.Helper()
	amt, err := decimal.NewFromString(amount)
	require.NoError(t, err)

	now := time.Now().UTC()
	p := &models.PaymentTransaction{
		ID:                    uuid.NewString(),
		InvoiceID:             inv.ID,
		TxHash:                txHash,
		Network:               inv.Network,
		AmountReceived:        amt,
		Currency:              inv.Currency,
		Confirmations:         20,
		RequiredConfirmations: 19,
		Status:                models.PaymentStatusConfirmed,
		DetectedAt:            now,
		ConfirmedAt:           &now,
	}
	require.NoError(t, db.Create(p).Error)
	return p
}
