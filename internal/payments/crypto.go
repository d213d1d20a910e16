package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/P4v3r/void-ai/internal/entitlement"
	"go.uber.org/zap"
)

// CryptoProcessor is the client for the BTC/XMR payment processor. The
// processor issues invoice ids and hosts the checkout page; settlement is
// reported back through the signed webhook.
type CryptoProcessor struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewCryptoProcessor creates a crypto payment processor client.
func NewCryptoProcessor(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *CryptoProcessor {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &CryptoProcessor{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		},
		logger: logger,
	}
}

func (p *CryptoProcessor) Name() string { return "crypto" }

type cryptoInvoiceRequest struct {
	Amount   string            `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type cryptoInvoiceResponse struct {
	ID           string `json:"id"`
	CheckoutLink string `json:"checkoutLink"`
}

// CreateInvoice creates a payment request with the processor and returns its
// invoice id and hosted checkout link.
func (p *CryptoProcessor) CreateInvoice(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	payload, err := json.Marshal(cryptoInvoiceRequest{
		Amount:   req.Amount,
		Currency: req.Currency,
		Metadata: map[string]string{"credits": fmt.Sprintf("%d", req.Credits)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invoice request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/invoices", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build invoice request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "token "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, entitlement.WrapError(entitlement.CodeUpstreamUnavailable, "payment processor unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, entitlement.NewError(entitlement.CodeUpstreamProtocolErr,
			fmt.Sprintf("payment processor returned status %d", resp.StatusCode))
	}

	var invoice cryptoInvoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&invoice); err != nil {
		return nil, entitlement.WrapError(entitlement.CodeUpstreamProtocolErr, "malformed processor response", err)
	}
	if invoice.ID == "" {
		return nil, entitlement.NewError(entitlement.CodeUpstreamProtocolErr, "processor response missing invoice id")
	}

	return &Checkout{InvoiceID: invoice.ID, CheckoutRef: invoice.CheckoutLink}, nil
}

// VerifySignature authenticates a webhook delivery: the header carries
// "sha256=<hex>" computed over the exact raw body with the shared secret.
// Comparison is constant time, and everything happens before any parsing.
func VerifySignature(body []byte, sigHeader, secret string) error {
	const prefix = "sha256="
	if !strings.HasPrefix(sigHeader, prefix) {
		return entitlement.NewError(entitlement.CodeSignatureInvalid, "missing or malformed signature header")
	}
	got, err := hex.DecodeString(strings.TrimPrefix(sigHeader, prefix))
	if err != nil {
		return entitlement.NewError(entitlement.CodeSignatureInvalid, "signature is not valid hex")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return entitlement.NewError(entitlement.CodeSignatureInvalid, "signature mismatch")
	}
	return nil
}
