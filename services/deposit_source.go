package services

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Deposit is a normalized deposit record, regardless of which adapter
// (exchange API or blockchain explorer) produced it.
type Deposit struct {
	TxHash        string          `json:"tx_hash"`
	Currency      string          `json:"currency"`
	Network       string          `json:"network"`
	Address       string          `json:"address"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations int             `json:"confirmations"`
	Timestamp     time.Time       `json:"timestamp"`
}

// TxDetails is what the blockchain explorer reports for a single transaction.
type TxDetails struct {
	TxHash        string          `json:"tx_hash"`
	ToAddress     string          `json:"to_address"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations int             `json:"confirmations"`
	Timestamp     time.Time       `json:"timestamp"`
}

// DepositSource is the exchange deposit-history API as seen by the poller.
type DepositSource interface {
	GetDeposits(ctx context.Context, currency string, since time.Time, network string) ([]Deposit, error)
	GetRequiredConfirmations(ctx context.Context, currency, network string) (int, error)
}

// TransactionVerifier is the direct-blockchain fallback path. A nil TxDetails
// with a nil error means the transaction is unknown to the explorer.
type TransactionVerifier interface {
	VerifyTransaction(ctx context.Context, txHash, currency, network string, expectedAmount decimal.Decimal, address string) (*TxDetails, error)
}

// defaultConfirmations is used when the exchange API cannot tell us the
// confirmation threshold for a network, so a dead API never stalls
// confirmation promotion.
var defaultConfirmations = map[string]int{
	"btc":     2,
	"eth":     12,
	"erc20":   12,
	"trx":     19,
	"trc20":   19,
	"bsc":     15,
	"bep20":   15,
	"polygon": 64,
}

// RequiredConfirmationsFallback returns the static per-network threshold.
func RequiredConfirmationsFallback(network string) int {
	if n, ok := defaultConfirmations[strings.ToLower(network)]; ok {
		return n
	}
	return 6
}
