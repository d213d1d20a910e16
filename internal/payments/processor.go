package payments

import "context"

// CheckoutRequest is what the caller supplies when buying credits.
type CheckoutRequest struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Credits  int64  `json:"credits"`
}

// Checkout references a payment request created with the external processor.
// CheckoutRef is whatever the caller needs to complete payment: a hosted
// checkout link for the crypto processor, a client secret for Stripe.
type Checkout struct {
	InvoiceID   string
	CheckoutRef string
}

// Processor creates payment requests with an external payment provider.
// Payment confirmation arrives separately, through the provider's webhook.
type Processor interface {
	Name() string
	CreateInvoice(ctx context.Context, req CheckoutRequest) (*Checkout, error)
}
