package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/middleman/internal/retry"
)

// DefaultAPIURL is the hosted bot gateway. Self-hosted gateways speaking the
// same API are configured through CHAT_API_URL.
const DefaultAPIURL = "https://api.telegram.org"

const maxResponseBytes = 1 << 20

// Client calls the bot API over HTTP. Transient failures (network errors,
// 429s, 5xx) are retried with backoff; API-level rejections are not.
type Client struct {
	baseURL     string
	http        *http.Client
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// NewClient creates a bot API client. apiURL may be empty, selecting the
// hosted gateway.
func NewClient(apiURL, token string) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Client{
		baseURL:     strings.TrimRight(apiURL, "/") + "/bot" + token,
		http:        &http.Client{Timeout: 10 * time.Second},
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
		logger:      slog.Default(),
	}
}

// WithLogger replaces the default logger.
func (c *Client) WithLogger(l *slog.Logger) *Client {
	if l != nil {
		c.logger = l
	}
	return c
}

// WithRetry tunes the delivery retry policy.
func (c *Client) WithRetry(maxAttempts int, baseDelay time.Duration) *Client {
	if maxAttempts > 0 {
		c.maxAttempts = maxAttempts
	}
	if baseDelay > 0 {
		c.baseDelay = baseDelay
	}
	return c
}

// apiResponse is the bot API envelope wrapping every method result.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	Description string          `json:"description,omitempty"`
}

// SendMessage posts a Markdown message to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}, nil)
}

// GetChat fetches chat details. For an account id this fills the username
// and first-name fields used for mention labels.
func (c *Client) GetChat(ctx context.Context, chatID int64) (*Chat, error) {
	var out Chat
	if err := c.call(ctx, "getChat", map[string]any{"chat_id": chatID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: encoding request: %w", method, err)
	}

	return retry.Do(ctx, c.maxAttempts, c.baseDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(fmt.Errorf("%s: building request: %w", method, err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("%s: reading response: %w", method, err)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("%s: gateway status %d", method, resp.StatusCode)
		}

		var env apiResponse
		if err := json.Unmarshal(raw, &env); err != nil {
			return retry.Permanent(fmt.Errorf("%s: decoding response: %w", method, err))
		}
		if !env.OK {
			return retry.Permanent(fmt.Errorf("%s: api rejected: %s", method, env.Description))
		}
		if out != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, out); err != nil {
				return retry.Permanent(fmt.Errorf("%s: decoding result: %w", method, err))
			}
		}
		return nil
	})
}
