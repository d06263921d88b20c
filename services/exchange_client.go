// services/exchange_client.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeClient talks to the exchange deposit-history API. All invoices
// share the exchange deposit addresses, so this client only fetches raw
// deposit history — matching a deposit to an invoice happens upstream.
type ExchangeClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewExchangeClient(baseURL, apiKey string) *ExchangeClient {
	return &ExchangeClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type exchangeDeposit struct {
	TxID          string `json:"txId"`
	Coin          string `json:"coin"`
	Network       string `json:"network"`
	Address       string `json:"address"`
	Amount        string `json:"amount"`
	Confirmations string `json:"confirmTimes"` // "12/12" or plain "12"
	InsertTime    int64  `json:"insertTime"`   // unix millis
	Status        int    `json:"status"`       // 0=pending, 1=credited
}

// GetDeposits returns deposits for a coin/network since the given time, in
// the order the exchange reports them. Callers depend on that order being
// preserved: the matcher takes the first in-tolerance candidate.
func (c *ExchangeClient) GetDeposits(ctx context.Context, currency string, since time.Time, network string) ([]Deposit, error) {
	u, err := url.Parse(fmt.Sprintf("%s/api/v1/capital/deposit/history", c.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}

	q := u.Query()
	q.Set("coin", currency)
	q.Set("network", network)
	q.Set("startTime", strconv.FormatInt(since.UTC().UnixMilli(), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-API-KEY", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call exchange API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("exchange API returned status %d: %s", resp.StatusCode, string(body))
	}

	var raw []exchangeDeposit
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode exchange response: %w", err)
	}

	deposits := make([]Deposit, 0, len(raw))
	for _, d := range raw {
		amount, err := decimal.NewFromString(d.Amount)
		if err != nil {
			return nil, fmt.Errorf("malformed deposit amount %q for tx %s: %w", d.Amount, d.TxID, err)
		}
		deposits = append(deposits, Deposit{
			TxHash:        d.TxID,
			Currency:      d.Coin,
			Network:       d.Network,
			Address:       d.Address,
			Amount:        amount,
			Confirmations: parseConfirmTimes(d.Confirmations),
			Timestamp:     time.UnixMilli(d.InsertTime).UTC(),
		})
	}
	return deposits, nil
}

// GetRequiredConfirmations asks the exchange for the credit threshold of a
// coin/network pair.
func (c *ExchangeClient) GetRequiredConfirmations(ctx context.Context, currency, network string) (int, error) {
	u, err := url.Parse(fmt.Sprintf("%s/api/v1/capital/config/confirmations", c.BaseURL))
	if err != nil {
		return 0, fmt.Errorf("failed to parse base URL: %w", err)
	}

	q := u.Query()
	q.Set("coin", currency)
	q.Set("network", network)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-API-KEY", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to call exchange API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("exchange API returned status %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		MinConfirm int `json:"minConfirm"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode confirmations response: %w", err)
	}
	if out.MinConfirm <= 0 {
		return 0, fmt.Errorf("exchange reported invalid confirmation threshold %d for %s/%s", out.MinConfirm, currency, network)
	}
	return out.MinConfirm, nil
}

// parseConfirmTimes handles both "12/12" and plain "12" formats.
func parseConfirmTimes(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			s = s[:i]
			break
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
