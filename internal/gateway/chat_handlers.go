package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/P4v3r/void-ai/internal/chat"
	"github.com/P4v3r/void-ai/internal/entitlement"
	"github.com/P4v3r/void-ai/internal/identity"
	"github.com/P4v3r/void-ai/internal/ledger"
	"github.com/P4v3r/void-ai/pkg/metrics"
	"go.uber.org/zap"
)

// chatPayload is the client's chat request. Message is the legacy
// single-prompt form; when Messages is empty it is promoted to a one-turn
// conversation.
type chatPayload struct {
	Messages []chat.Message `json:"messages"`
	Message  string         `json:"message,omitempty"`
}

func (p *chatPayload) conversation() ([]chat.Message, error) {
	if len(p.Messages) == 0 {
		if p.Message == "" {
			return nil, entitlement.NewError(entitlement.CodeMalformedIdentity, "messages are required")
		}
		return []chat.Message{{Role: "user", Content: p.Message}}, nil
	}
	for _, m := range p.Messages {
		if m.Content == "" {
			return nil, entitlement.NewError(entitlement.CodeMalformedIdentity, "message content is required")
		}
	}
	return p.Messages, nil
}

// meter admits or rejects one chat request: rate limit first, then the
// caller's tier budget. Admission is the billing point; a unit spent here is
// not refunded if the caller abandons the response. The remaining-budget
// headers are set before the handler starts streaming.
func (g *Gateway) meter(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	addr := r.RemoteAddr
	token := r.Header.Get(headerProToken)
	clientID := r.Header.Get(headerClientID)

	// Rate limit scopes are digests; the identity scope follows the
	// credential the request will be billed against.
	addrScope := g.hasher.HashAddr(addr)
	identityScope := ""
	switch {
	case token != "":
		identityScope = ledger.HashToken(token)[:16]
	case clientID != "":
		identityScope = g.hasher.Hash("cid", clientID)[:16]
	}

	res, err := g.limiter.Allow(ctx, addrScope, identityScope)
	if err != nil {
		// Counter store down: fail closed rather than run unmetered.
		metrics.RecordDenial("store_unavailable")
		return entitlement.WrapError(entitlement.CodeUpstreamUnavailable, "rate limiter unavailable", err)
	}

	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt, 10))

	if !res.Allowed {
		metrics.RecordDenial("rate_limited")
		return entitlement.RateLimitedError(res.RetryAfter)
	}

	if token != "" {
		left, err := g.ledger.Consume(ctx, token)
		if err != nil {
			if code, ok := entitlement.CodeOf(err); ok {
				if code == entitlement.CodeCreditsExhausted {
					w.Header().Set(headerProLeft, strconv.FormatInt(left, 10))
				}
				metrics.RecordDenial(string(code))
			}
			return err
		}
		w.Header().Set(headerProLeft, strconv.FormatInt(left, 10))
		metrics.RecordMetered("pro", "admitted")
		return nil
	}

	remaining, err := g.resolver.Consume(ctx, identity.Signals{
		ClientID:    clientID,
		Fingerprint: r.Header.Get(headerFingerprint),
		Addr:        addr,
	})
	if err != nil {
		if code, ok := entitlement.CodeOf(err); ok {
			if code == entitlement.CodeFreeQuotaExhausted {
				w.Header().Set(headerFreeLeft, "0")
			}
			metrics.RecordDenial(string(code))
		}
		return err
	}
	w.Header().Set(headerFreeLeft, strconv.FormatInt(remaining, 10))
	metrics.RecordMetered("free", "admitted")
	return nil
}

func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload chatPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		g.writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	messages, err := payload.conversation()
	if err != nil {
		g.writeError(w, err)
		return
	}

	if err := g.meter(w, r); err != nil {
		g.writeError(w, err)
		return
	}

	content, err := g.upstream.Chat(r.Context(), messages)
	if err != nil {
		g.logger.Error("chat upstream failed", zap.Error(err))
		g.writeError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": chat.Message{Role: "assistant", Content: content},
	})
}

func (g *Gateway) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var payload chatPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		g.writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	messages, err := payload.conversation()
	if err != nil {
		g.writeError(w, err)
		return
	}

	if err := g.meter(w, r); err != nil {
		g.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.writeErrorMessage(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// The status line waits for the first chunk so an unreachable upstream
	// still surfaces as a proper error response instead of an empty 200.
	started := false
	begin := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
	}

	// r.Context() is cancelled when the client disconnects, which tears
	// down the upstream request mid-stream. The admission unit stays spent.
	err = g.upstream.ChatStream(r.Context(), messages, func(content string) error {
		begin()
		line, err := json.Marshal(map[string]string{"content": content})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		if !started {
			g.writeError(w, err)
			return
		}
		// Headers are gone; the best we can do is log and cut the stream.
		g.logger.Warn("chat stream aborted", zap.Error(err))
		return
	}

	begin()
	fmt.Fprintln(w, `{"done":true}`)
	flusher.Flush()
}
