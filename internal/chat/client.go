package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/P4v3r/void-ai/internal/config"
	"github.com/P4v3r/void-ai/internal/entitlement"
	"go.uber.org/zap"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the upstream model server's chat payload.
type chatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream"`
	KeepAlive string    `json:"keep_alive,omitempty"`
}

// chatChunk is one line of the upstream's newline-delimited stream. The same
// shape carries the full response in non-streaming mode.
type chatChunk struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
}

// Client talks to the inference upstream (an Ollama-compatible server).
type Client struct {
	baseURL    string
	model      string
	keepAlive  string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates an upstream chat client.
func NewClient(cfg config.UpstreamConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL:   cfg.BaseURL,
		model:     cfg.Model,
		keepAlive: cfg.KeepAlive,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

func (c *Client) post(ctx context.Context, messages []Message, stream bool) (*http.Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:     c.model,
		Messages:  messages,
		Stream:    stream,
		KeepAlive: c.keepAlive,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, entitlement.WrapError(entitlement.CodeUpstreamUnavailable, "chat upstream unreachable", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, entitlement.NewError(entitlement.CodeUpstreamProtocolErr,
			fmt.Sprintf("chat upstream returned status %d", resp.StatusCode))
	}
	return resp, nil
}

// Chat sends the conversation and returns the complete assistant reply.
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	resp, err := c.post(ctx, messages, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var chunk chatChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return "", entitlement.WrapError(entitlement.CodeUpstreamProtocolErr, "malformed chat response", err)
	}
	return chunk.Message.Content, nil
}

// ChatStream sends the conversation and invokes onChunk for every content
// fragment as it arrives. Blank and malformed lines are skipped; the stream
// ends at the upstream's done marker. An onChunk error aborts the stream,
// which is how a disconnected client tears down the upstream request.
func (c *Client) ChatStream(ctx context.Context, messages []Message, onChunk func(content string) error) error {
	resp, err := c.post(ctx, messages, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk chatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			c.logger.Warn("skipping malformed stream line", zap.Error(err))
			continue
		}
		if chunk.Message.Content != "" {
			if err := onChunk(chunk.Message.Content); err != nil {
				return err
			}
		}
		if chunk.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return entitlement.WrapError(entitlement.CodeUpstreamProtocolErr, "chat stream interrupted", err)
	}
	// EOF before the done marker means the upstream cut the stream short.
	return entitlement.NewError(entitlement.CodeUpstreamProtocolErr, "chat stream ended without completion marker")
}
