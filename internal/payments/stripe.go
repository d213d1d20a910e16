package payments

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/P4v3r/void-ai/internal/entitlement"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"go.uber.org/zap"
)

// StripeProcessor settles card payments through Stripe. The invoice id is
// minted locally and carried in the payment intent metadata, so the webhook
// can route the confirmation back to our invoice row.
type StripeProcessor struct {
	logger *zap.Logger
}

// NewStripeProcessor configures the Stripe client with the account secret key.
func NewStripeProcessor(secretKey string, logger *zap.Logger) *StripeProcessor {
	stripe.Key = secretKey
	return &StripeProcessor{logger: logger}
}

func (p *StripeProcessor) Name() string { return "stripe" }

// CreateInvoice creates a Stripe payment intent for the requested amount and
// returns its client secret as the checkout reference.
func (p *StripeProcessor) CreateInvoice(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	amount, err := strconv.ParseFloat(req.Amount, 64)
	if err != nil || amount <= 0 {
		return nil, fmt.Errorf("invalid amount %q", req.Amount)
	}

	invoiceID := uuid.NewString()
	params := &stripe.PaymentIntentParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(int64(math.Round(amount * 100))),
		Currency: stripe.String(req.Currency),
		Metadata: map[string]string{
			"invoice_id": invoiceID,
			"credits":    strconv.FormatInt(req.Credits, 10),
		},
	}

	intent, err := paymentintent.New(params)
	if err != nil {
		return nil, entitlement.WrapError(entitlement.CodeUpstreamUnavailable, "stripe payment intent creation failed", err)
	}

	p.logger.Info("created stripe payment intent",
		zap.String("invoice_id", invoiceID),
		zap.String("payment_intent", intent.ID),
	)

	return &Checkout{InvoiceID: invoiceID, CheckoutRef: intent.ClientSecret}, nil
}
