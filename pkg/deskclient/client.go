// Package deskclient is a typed HTTP client for the middleman desk API.
//
// Reads need no credentials. Mutating calls need an operator key:
//
//	c := deskclient.New("http://localhost:8080").
//		WithAPIKey(os.Getenv("MIDDLEMAN_OPERATOR_KEY"))
//	esc, err := c.Escrow(ctx, 42)
//
// Errors from the desk come back as *APIError carrying the HTTP status and
// the machine-readable code from the response envelope.
package deskclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Escrow mirrors one tracked trade as the desk serves it.
type Escrow struct {
	ID             int64           `json:"id"`
	ConversationID int64           `json:"conversationId"`
	InitiatorID    int64           `json:"initiatorId,omitempty"`
	BuyerHandle    string          `json:"buyerHandle"`
	BuyerID        int64           `json:"buyerId,omitempty"`
	SellerHandle   string          `json:"sellerHandle"`
	SellerID       int64           `json:"sellerId,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency,omitempty"`
	Status         string          `json:"status"`
	PayoutInfo     string          `json:"payoutInfo,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Actor identifies who performs an operation. Either field may be zero; the
// desk resolves what it can from what is given.
type Actor struct {
	AccountID int64  `json:"accountId,omitempty"`
	Handle    string `json:"handle,omitempty"`
}

// Target is a notification destination.
type Target struct {
	Kind           string `json:"kind"`
	ConversationID int64  `json:"conversationId,omitempty"`
	UserID         int64  `json:"userId,omitempty"`
}

// Notification is a delivery instruction returned with a transition. The desk
// does not deliver these for API-driven transitions; callers that bridge into
// a chat surface render and send them.
type Notification struct {
	Target   Target            `json:"target"`
	Template string            `json:"template"`
	Params   map[string]string `json:"params"`
}

// Result is the outcome of a transition: the updated record plus the
// notifications it produced.
type Result struct {
	Escrow        *Escrow        `json:"escrow"`
	Notifications []Notification `json:"notifications"`
}

// Page is one page of a cursor-paginated escrow listing.
type Page struct {
	Escrows    []*Escrow `json:"escrows"`
	Count      int       `json:"count"`
	NextCursor string    `json:"next_cursor"`
	HasMore    bool      `json:"has_more"`
}

// OpenRequest opens a new escrow between two parties in a conversation.
type OpenRequest struct {
	ConversationID int64           `json:"conversationId"`
	Initiator      Actor           `json:"initiator"`
	BuyerHandle    string          `json:"buyerHandle"`
	SellerHandle   string          `json:"sellerHandle"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency,omitempty"`
}

// APIError is a non-2xx response from the desk.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("desk API %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("desk API %d (%s)", e.Status, e.Code)
}

// Client talks to one desk instance.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// New creates a client for the desk at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// WithAPIKey sets the operator key sent on every request.
func (c *Client) WithAPIKey(key string) *Client {
	c.apiKey = key
	return c
}

// WithHTTPClient replaces the default HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	if h != nil {
		c.httpc = h
	}
	return c
}

// Escrow fetches one escrow by id.
func (c *Client) Escrow(ctx context.Context, id int64) (*Escrow, error) {
	var out struct {
		Escrow *Escrow `json:"escrow"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/escrows/"+strconv.FormatInt(id, 10), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Escrow, nil
}

// Escrows lists escrows newest first. Pass the previous page's NextCursor to
// continue; an empty cursor starts from the newest record.
func (c *Client) Escrows(ctx context.Context, cursor string, limit int) (*Page, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page Page
	if err := c.do(ctx, http.MethodGet, "/v1/escrows", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ConversationEscrows lists the escrows opened in one conversation.
func (c *Client) ConversationEscrows(ctx context.Context, conversationID int64, limit int) ([]*Escrow, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/conversations/" + strconv.FormatInt(conversationID, 10) + "/escrows"
	var out struct {
		Escrows []*Escrow `json:"escrows"`
	}
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	return out.Escrows, nil
}

// Volume returns completed volume totals by currency.
func (c *Client) Volume(ctx context.Context) (map[string]decimal.Decimal, error) {
	var out struct {
		Volume map[string]decimal.Decimal `json:"volume"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/stats/volume", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Volume, nil
}

// Open creates a new escrow.
func (c *Client) Open(ctx context.Context, req OpenRequest) (*Result, error) {
	var res Result
	if err := c.do(ctx, http.MethodPost, "/v1/escrows", nil, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ReportPayment records that the buyer sent the money.
func (c *Client) ReportPayment(ctx context.Context, id, conversationID int64, actor Actor) (*Result, error) {
	return c.transition(ctx, id, "payment", actionBody{ConversationID: conversationID, Actor: actor})
}

// ConfirmPayment records an admin's attestation that the money arrived.
func (c *Client) ConfirmPayment(ctx context.Context, id, conversationID int64, actor Actor) (*Result, error) {
	return c.transition(ctx, id, "confirm", actionBody{ConversationID: conversationID, Actor: actor})
}

// ConfirmReceipt records that the buyer got the goods.
func (c *Client) ConfirmReceipt(ctx context.Context, id, conversationID int64, actor Actor) (*Result, error) {
	return c.transition(ctx, id, "received", actionBody{ConversationID: conversationID, Actor: actor})
}

// SubmitPayout records the seller's payout destination.
func (c *Client) SubmitPayout(ctx context.Context, id, conversationID int64, actor Actor, info string) (*Result, error) {
	return c.transition(ctx, id, "payout", payoutBody{ConversationID: conversationID, Actor: actor, Info: info})
}

// MarkComplete records that an admin paid the seller and closes the trade.
func (c *Client) MarkComplete(ctx context.Context, id, conversationID int64, actor Actor) (*Result, error) {
	return c.transition(ctx, id, "complete", actionBody{ConversationID: conversationID, Actor: actor})
}

// Dispute freezes the escrow for arbitration.
func (c *Client) Dispute(ctx context.Context, id int64, actor Actor) (*Result, error) {
	return c.transition(ctx, id, "dispute", disputeBody{Actor: actor})
}

type actionBody struct {
	ConversationID int64 `json:"conversationId"`
	Actor          Actor `json:"actor"`
}

type payoutBody struct {
	ConversationID int64  `json:"conversationId"`
	Actor          Actor  `json:"actor"`
	Info           string `json:"info"`
}

type disputeBody struct {
	Actor Actor `json:"actor"`
}

func (c *Client) transition(ctx context.Context, id int64, action string, body any) (*Result, error) {
	path := "/v1/escrows/" + strconv.FormatInt(id, 10) + "/" + action
	var res Result
	if err := c.do(ctx, http.MethodPost, path, nil, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = "unexpected_response"
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
