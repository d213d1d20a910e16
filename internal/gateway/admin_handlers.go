package gateway

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// handleReconcile runs one reconciliation sweep and returns the detections.
// Minted tokens come back in this response so the operator can deliver them;
// they are not retrievable afterwards.
func (g *Gateway) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if g.reconciler == nil {
		g.writeErrorMessage(w, http.StatusServiceUnavailable, "reconciliation not configured")
		return
	}

	detections, err := g.reconciler.Run(r.Context())
	if err != nil {
		g.logger.Error("manual reconciliation failed", zap.Error(err))
		g.writeErrorMessage(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"detections": detections,
	})
}

// handleMint mints a pro token directly, for support cases where a payment
// was verified out of band.
func (g *Gateway) handleMint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Credits int64 `json:"credits"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Credits <= 0 {
		g.writeErrorMessage(w, http.StatusBadRequest, "credits must be positive")
		return
	}

	token, err := g.ledger.Mint(r.Context(), req.Credits, "admin")
	if err != nil {
		g.writeError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":   token,
		"credits": req.Credits,
	})
}
