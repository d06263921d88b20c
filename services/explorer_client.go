// services/explorer_client.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// ExplorerClient is the direct-blockchain fallback used when the exchange
// API has no record of a transaction (e.g. operator-supplied hashes during
// manual verification).
type ExplorerClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewExplorerClient(baseURL string) *ExplorerClient {
	return &ExplorerClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type explorerTx struct {
	Hash          string `json:"hash"`
	To            string `json:"to"`
	Value         string `json:"value"`
	Confirmations int    `json:"confirmations"`
	Timestamp     int64  `json:"timestamp"`
}

// VerifyTransaction looks a transaction up on-chain. Returns (nil, nil) when
// the explorer does not know the hash — absence is not an error here, the
// caller decides what an unknown tx means.
func (c *ExplorerClient) VerifyTransaction(ctx context.Context, txHash, currency, network string, expectedAmount decimal.Decimal, address string) (*TxDetails, error) {
	u, err := url.Parse(fmt.Sprintf("%s/api/v1/%s/tx/%s", c.BaseURL, url.PathEscape(network), url.PathEscape(txHash)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse explorer URL: %w", err)
	}

	q := u.Query()
	q.Set("currency", currency)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call explorer API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("explorer API returned status %d: %s", resp.StatusCode, string(body))
	}

	var raw explorerTx
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode explorer response: %w", err)
	}

	amount, err := decimal.NewFromString(raw.Value)
	if err != nil {
		return nil, fmt.Errorf("malformed tx value %q for %s: %w", raw.Value, txHash, err)
	}

	return &TxDetails{
		TxHash:        raw.Hash,
		ToAddress:     raw.To,
		Amount:        amount,
		Confirmations: raw.Confirmations,
		Timestamp:     time.Unix(raw.Timestamp, 0).UTC(),
	}, nil
}
