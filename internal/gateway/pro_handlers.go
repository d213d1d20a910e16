package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/P4v3r/void-ai/internal/entitlement"
	"github.com/P4v3r/void-ai/internal/payments"
)

func (g *Gateway) handleProStatus(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(headerProToken)
	if token == "" {
		g.writeError(w, entitlement.NewError(entitlement.CodeInvalidCredential, "missing pro token"))
		return
	}

	status, err := g.ledger.Status(r.Context(), token)
	if err != nil {
		g.writeError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":       status.State,
		"creditsLeft": status.CreditsLeft,
	})
}

func (g *Gateway) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req payments.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	checkout, err := g.payments.CreateInvoice(r.Context(), req)
	if err != nil {
		g.writeError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{
		"invoiceId":   checkout.InvoiceID,
		"checkoutRef": checkout.CheckoutRef,
	})
}

func (g *Gateway) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InvoiceID string `json:"invoiceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.InvoiceID == "" {
		g.writeErrorMessage(w, http.StatusBadRequest, "invoiceId is required")
		return
	}

	token, credits, err := g.payments.Claim(r.Context(), req.InvoiceID)
	if err != nil {
		g.writeError(w, err)
		return
	}

	// The bearer token appears in this response and nowhere else.
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":   token,
		"credits": credits,
	})
}
