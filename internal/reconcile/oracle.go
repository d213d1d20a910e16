package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/P4v3r/void-ai/pkg/metrics"
	"go.uber.org/zap"
)

// priceIDs maps asset symbols to the price API's coin identifiers.
var priceIDs = map[string]string{
	"btc": "bitcoin",
	"xmr": "monero",
}

// PriceOracle fetches spot USD prices for the supported assets.
type PriceOracle struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewPriceOracle creates a price oracle client against a simple-price API.
func NewPriceOracle(baseURL string, timeout time.Duration, logger *zap.Logger) *PriceOracle {
	return &PriceOracle{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		logger: logger,
	}
}

// PriceUSD returns the current USD price for the asset symbol (btc, xmr).
func (o *PriceOracle) PriceUSD(ctx context.Context, asset string) (float64, error) {
	coinID, ok := priceIDs[asset]
	if !ok {
		return 0, fmt.Errorf("unsupported asset %q", asset)
	}

	q := url.Values{}
	q.Set("ids", coinID)
	q.Set("vs_currencies", "usd")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create price request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		metrics.OracleFailures.WithLabelValues("price").Inc()
		return 0, fmt.Errorf("price oracle unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.OracleFailures.WithLabelValues("price").Inc()
		return 0, fmt.Errorf("price oracle returned status %d", resp.StatusCode)
	}

	// {"bitcoin": {"usd": 60123.45}}
	var payload map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		metrics.OracleFailures.WithLabelValues("price").Inc()
		return 0, fmt.Errorf("failed to decode price response: %w", err)
	}

	price, ok := payload[coinID]["usd"]
	if !ok || price <= 0 {
		metrics.OracleFailures.WithLabelValues("price").Inc()
		return 0, fmt.Errorf("price oracle response missing usd price for %s", coinID)
	}
	return price, nil
}

// BalanceOracle fetches the confirmed balance of a receiving wallet from a
// block explorer or wallet RPC endpoint.
type BalanceOracle struct {
	asset      string
	url        string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewBalanceOracle creates a balance oracle for one asset's wallet endpoint.
func NewBalanceOracle(asset, endpoint string, timeout time.Duration, logger *zap.Logger) *BalanceOracle {
	return &BalanceOracle{
		asset: asset,
		url:   endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		logger: logger,
	}
}

// Asset returns the asset symbol this oracle reports on.
func (o *BalanceOracle) Asset() string { return o.asset }

// Balance returns the wallet's confirmed balance in whole coin units.
func (o *BalanceOracle) Balance(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create balance request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		metrics.OracleFailures.WithLabelValues("balance_" + o.asset).Inc()
		return 0, fmt.Errorf("balance oracle unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.OracleFailures.WithLabelValues("balance_" + o.asset).Inc()
		return 0, fmt.Errorf("balance oracle returned status %d", resp.StatusCode)
	}

	var payload struct {
		Balance float64 `json:"balance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		metrics.OracleFailures.WithLabelValues("balance_" + o.asset).Inc()
		return 0, fmt.Errorf("failed to decode balance response: %w", err)
	}
	if payload.Balance < 0 {
		metrics.OracleFailures.WithLabelValues("balance_" + o.asset).Inc()
		return 0, fmt.Errorf("balance oracle reported negative balance %f", payload.Balance)
	}
	return payload.Balance, nil
}
