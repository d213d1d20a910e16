package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/P4v3r/void-ai/internal/entitlement"
	"github.com/P4v3r/void-ai/internal/ledger"
	"github.com/P4v3r/void-ai/pkg/events"
	"github.com/P4v3r/void-ai/pkg/metrics"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

// Service runs the invoice lifecycle: creation with the external processor,
// webhook-driven confirmation, and the one-time claim that converts a paid
// invoice into a bearer token.
type Service struct {
	store     InvoiceStore
	processor Processor
	logger    *zap.Logger
	bus       *events.Bus

	plans map[string]int64

	cryptoWebhookSecret string
	stripeWebhookSecret string
}

// NewService creates the payment and claim workflow service.
func NewService(store InvoiceStore, processor Processor, logger *zap.Logger, bus *events.Bus, plans map[string]int64, cryptoWebhookSecret, stripeWebhookSecret string) *Service {
	return &Service{
		store:               store,
		processor:           processor,
		logger:              logger,
		bus:                 bus,
		plans:               plans,
		cryptoWebhookSecret: cryptoWebhookSecret,
		stripeWebhookSecret: stripeWebhookSecret,
	}
}

// CreateInvoice creates a payment request with the processor and persists
// the pending invoice. The insert is insert-if-absent: a retried processor
// call that returns the same invoice id does not duplicate the row.
func (s *Service) CreateInvoice(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	if req.Credits <= 0 || !s.knownPlan(req.Credits) {
		return nil, entitlement.NewError(entitlement.CodeMalformedIdentity, "unknown credit plan")
	}

	checkout, err := s.processor.CreateInvoice(ctx, req)
	if err != nil {
		if entitlement.AsError(err) != nil {
			return nil, err
		}
		return nil, entitlement.WrapError(entitlement.CodeUpstreamUnavailable, "invoice creation failed", err)
	}

	if err := s.store.CreateInvoice(ctx, checkout.InvoiceID, req.Credits); err != nil {
		return nil, entitlement.WrapError(entitlement.CodeUpstreamUnavailable, "ledger store unavailable", err)
	}

	metrics.InvoicesCreated.WithLabelValues(s.processor.Name()).Inc()
	s.logger.Info("invoice created",
		zap.String("invoice_id", checkout.InvoiceID),
		zap.Int64("credits", req.Credits),
		zap.String("provider", s.processor.Name()),
	)
	if s.bus != nil {
		s.bus.Publish(ctx, events.NewEvent(events.EventInvoiceCreated, checkout.InvoiceID,
			map[string]interface{}{"credits": req.Credits, "provider": s.processor.Name()}))
	}
	return checkout, nil
}

func (s *Service) knownPlan(credits int64) bool {
	for _, c := range s.plans {
		if c == credits {
			return true
		}
	}
	return false
}

// ConfirmPayment transitions the invoice pending -> paid. Replays are
// no-ops; no credits are minted here, minting waits for the claim.
func (s *Service) ConfirmPayment(ctx context.Context, invoiceID, provider string) error {
	transitioned, err := s.store.MarkPaid(ctx, invoiceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.Warn("payment confirmation for unknown invoice",
				zap.String("invoice_id", invoiceID),
				zap.String("provider", provider),
			)
			return nil
		}
		return entitlement.WrapError(entitlement.CodeUpstreamUnavailable, "ledger store unavailable", err)
	}

	if !transitioned {
		s.logger.Info("payment confirmation replayed",
			zap.String("invoice_id", invoiceID),
			zap.String("provider", provider),
		)
		return nil
	}

	s.logger.Info("invoice paid",
		zap.String("invoice_id", invoiceID),
		zap.String("provider", provider),
	)
	if s.bus != nil {
		s.bus.Publish(ctx, events.NewEvent(events.EventPaymentConfirmed, invoiceID,
			map[string]interface{}{"provider": provider}))
	}
	return nil
}

// Claim converts a paid invoice into exactly one bearer token. The whole
// check-claim-mint-delete sequence runs inside a single store transaction;
// the claims primary key guarantees at most one token per invoice no matter
// how many claim attempts race.
func (s *Service) Claim(ctx context.Context, invoiceID string) (token string, credits int64, err error) {
	token, err = ledger.NewToken()
	if err != nil {
		return "", 0, err
	}

	credits, err = s.store.Claim(ctx, invoiceID, ledger.HashToken(token))
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return "", 0, entitlement.NewError(entitlement.CodeInvoiceNotFound, "invoice not found")
		case errors.Is(err, ErrNotPaid):
			return "", 0, entitlement.NewError(entitlement.CodePaymentNotConfirmed, "payment not confirmed")
		case errors.Is(err, ErrAlreadyClaimed):
			return "", 0, entitlement.NewError(entitlement.CodeAlreadyClaimed, "invoice already claimed")
		default:
			return "", 0, entitlement.WrapError(entitlement.CodeUpstreamUnavailable, "ledger store unavailable", err)
		}
	}

	metrics.TokensMinted.WithLabelValues("claim").Inc()
	s.logger.Info("invoice claimed", zap.String("invoice_id", invoiceID), zap.Int64("credits", credits))
	if s.bus != nil {
		s.bus.Publish(ctx, events.NewEvent(events.EventTokenMinted, invoiceID,
			map[string]interface{}{"credits": credits, "source": "claim"}))
	}
	return token, credits, nil
}

// writeWebhookError emits the standard error envelope so webhook rejections
// carry the same stable codes as the rest of the API.
func writeWebhookError(w http.ResponseWriter, status int, code entitlement.Code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    string(code),
			"message": message,
		},
	})
}

// cryptoWebhookEvent is the processor's settlement notification. Only the
// fields the workflow needs are decoded.
type cryptoWebhookEvent struct {
	Type      string `json:"type"`
	InvoiceID string `json:"invoiceId"`
}

// paidEventTypes are the processor event types that confirm settlement.
var paidEventTypes = map[string]bool{
	"invoice.paid":      true,
	"invoice.confirmed": true,
	"invoice.settled":   true,
}

// HandleCryptoWebhook ingests a signed settlement notification from the
// crypto processor. The signature is verified over the exact raw body before
// any parsing happens; anything unsigned is rejected outright.
func (s *Service) HandleCryptoWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeWebhookError(w, http.StatusBadRequest, entitlement.CodeMalformedIdentity, "failed to read request body")
		return
	}

	if err := VerifySignature(body, r.Header.Get("X-Payment-Sig"), s.cryptoWebhookSecret); err != nil {
		s.logger.Warn("webhook signature verification failed", zap.Error(err))
		metrics.WebhookEvents.WithLabelValues("crypto", "signature_invalid").Inc()
		writeWebhookError(w, http.StatusBadRequest, entitlement.CodeSignatureInvalid, "invalid signature")
		return
	}

	var event cryptoWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		metrics.WebhookEvents.WithLabelValues("crypto", "malformed").Inc()
		writeWebhookError(w, http.StatusBadRequest, entitlement.CodeMalformedIdentity, "malformed event")
		return
	}

	if !paidEventTypes[event.Type] {
		// Unknown event types are acknowledged so the processor can add new
		// ones without breaking deliveries.
		s.logger.Info("ignoring webhook event", zap.String("event_type", event.Type))
		metrics.WebhookEvents.WithLabelValues("crypto", "ignored").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}
	if event.InvoiceID == "" {
		metrics.WebhookEvents.WithLabelValues("crypto", "malformed").Inc()
		writeWebhookError(w, http.StatusBadRequest, entitlement.CodeMalformedIdentity, "event missing invoice id")
		return
	}

	if err := s.ConfirmPayment(ctx, event.InvoiceID, "crypto"); err != nil {
		s.logger.Error("webhook confirmation failed",
			zap.Error(err),
			zap.String("invoice_id", event.InvoiceID),
		)
		metrics.WebhookEvents.WithLabelValues("crypto", "error").Inc()
		writeWebhookError(w, http.StatusServiceUnavailable, entitlement.CodeUpstreamUnavailable, "event processing failed")
		return
	}

	metrics.WebhookEvents.WithLabelValues("crypto", "ok").Inc()
	w.WriteHeader(http.StatusOK)
}

// HandleStripeWebhook ingests Stripe events. Signature verification is
// Stripe's own scheme; the invoice id travels in the payment intent metadata.
func (s *Service) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeWebhookError(w, http.StatusBadRequest, entitlement.CodeMalformedIdentity, "failed to read request body")
		return
	}

	event, err := webhook.ConstructEvent(body, r.Header.Get("Stripe-Signature"), s.stripeWebhookSecret)
	if err != nil {
		s.logger.Warn("stripe webhook signature verification failed", zap.Error(err))
		metrics.WebhookEvents.WithLabelValues("stripe", "signature_invalid").Inc()
		writeWebhookError(w, http.StatusBadRequest, entitlement.CodeSignatureInvalid, "invalid signature")
		return
	}

	if event.Type != "payment_intent.succeeded" {
		s.logger.Info("ignoring stripe event", zap.String("event_type", string(event.Type)))
		metrics.WebhookEvents.WithLabelValues("stripe", "ignored").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		metrics.WebhookEvents.WithLabelValues("stripe", "malformed").Inc()
		writeWebhookError(w, http.StatusBadRequest, entitlement.CodeMalformedIdentity, "malformed payment intent")
		return
	}

	invoiceID := intent.Metadata["invoice_id"]
	if invoiceID == "" {
		s.logger.Warn("stripe payment intent missing invoice metadata",
			zap.String("payment_intent", intent.ID))
		metrics.WebhookEvents.WithLabelValues("stripe", "malformed").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := s.ConfirmPayment(ctx, invoiceID, "stripe"); err != nil {
		s.logger.Error("stripe webhook confirmation failed",
			zap.Error(err),
			zap.String("invoice_id", invoiceID),
		)
		metrics.WebhookEvents.WithLabelValues("stripe", "error").Inc()
		writeWebhookError(w, http.StatusServiceUnavailable, entitlement.CodeUpstreamUnavailable, "event processing failed")
		return
	}

	metrics.WebhookEvents.WithLabelValues("stripe", "ok").Inc()
	w.WriteHeader(http.StatusOK)
}

// PlanCredits returns the configured plan table (plan id -> credits).
func (s *Service) PlanCredits() map[string]int64 { return s.plans }
