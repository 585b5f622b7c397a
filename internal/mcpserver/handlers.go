// Package mcpserver exposes the desk's read surface as MCP tools so an LLM
// can answer "where does trade 42 stand" without screen-scraping the chat.
// All tools go through the public REST API; none of them mutate desk state.
package mcpserver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/shopspring/decimal"

	"github.com/mbd888/middleman/internal/money"
	"github.com/mbd888/middleman/pkg/deskclient"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *deskclient.Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *deskclient.Client) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckEscrow fetches one escrow and renders where the trade stands.
func (h *Handlers) HandleCheckEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetInt("escrow_id", 0)
	if id <= 0 {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	esc, err := h.client.Escrow(ctx, int64(id))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch escrow: %v", err)), nil
	}

	return mcp.NewToolResultText(formatEscrow(esc)), nil
}

// HandleListEscrows lists desk escrows, optionally scoped to one conversation.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conversationID := req.GetInt("conversation_id", 0)
	cursor := req.GetString("cursor", "")
	limit := req.GetInt("limit", 20)

	if conversationID != 0 {
		escrows, err := h.client.ConversationEscrows(ctx, int64(conversationID), limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
		}
		return mcp.NewToolResultText(formatEscrowList(escrows, "")), nil
	}

	page, err := h.client.Escrows(ctx, cursor, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}

	next := ""
	if page.HasMore {
		next = page.NextCursor
	}
	return mcp.NewToolResultText(formatEscrowList(page.Escrows, next)), nil
}

// HandleDeskVolume reports lifetime completed volume per currency.
func (h *Handlers) HandleDeskVolume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	volume, err := h.client.Volume(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch volume: %v", err)), nil
	}

	return mcp.NewToolResultText(formatVolume(volume)), nil
}

// HandleDeskGuide explains the desk. Static text, no API call.
func (h *Handlers) HandleDeskGuide(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(deskGuide), nil
}

// --- Formatting helpers ---

func formatEscrow(esc *deskclient.Escrow) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow #%d\n", esc.ID)
	fmt.Fprintf(&sb, "  Status: %s\n", esc.Status)
	fmt.Fprintf(&sb, "  Buyer:  @%s\n", esc.BuyerHandle)
	fmt.Fprintf(&sb, "  Seller: @%s\n", esc.SellerHandle)
	fmt.Fprintf(&sb, "  Amount: %s\n", money.Display(esc.Amount, esc.Currency))
	fmt.Fprintf(&sb, "  Conversation: %d\n", esc.ConversationID)
	if esc.PayoutInfo != "" {
		fmt.Fprintf(&sb, "  Payout into: %s\n", esc.PayoutInfo)
	}
	fmt.Fprintf(&sb, "  Opened: %s\n", esc.CreatedAt.Format(time.RFC3339))
	if hint := statusHint(esc.Status); hint != "" {
		fmt.Fprintf(&sb, "\nNext: %s\n", hint)
	}
	return sb.String()
}

// statusHint says what has to happen for the trade to move forward.
func statusHint(status string) string {
	switch status {
	case "INIT":
		return "waiting for the buyer to send funds and report payment"
	case "PAID":
		return "buyer says funds are sent; an admin confirms arrival next"
	case "CONFIRMED":
		return "funds confirmed; seller delivers, then the buyer confirms receipt"
	case "RECEIVED":
		return "buyer has the goods; seller submits payout details next"
	case "PAYMENT_PROVIDED":
		return "payout details on file; an admin pays the seller out and completes"
	case "COMPLETED":
		return "trade closed, nothing left to do"
	case "DISPUTE":
		return "frozen for arbitration; only an admin can resolve this"
	default:
		return ""
	}
}

func formatEscrowList(escrows []*deskclient.Escrow, nextCursor string) string {
	if len(escrows) == 0 {
		return "No escrows found."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrow(s):\n\n", len(escrows))
	for _, esc := range escrows {
		fmt.Fprintf(&sb, "#%d  %-16s @%s -> @%s  %s\n",
			esc.ID, esc.Status, esc.BuyerHandle, esc.SellerHandle,
			money.Display(esc.Amount, esc.Currency))
	}
	if nextCursor != "" {
		fmt.Fprintf(&sb, "\nMore results available. Pass cursor %q to continue.\n", nextCursor)
	}
	return sb.String()
}

func formatVolume(volume map[string]decimal.Decimal) string {
	if len(volume) == 0 {
		return "No completed trades yet."
	}

	currencies := make([]string, 0, len(volume))
	for cur := range volume {
		currencies = append(currencies, cur)
	}
	sort.Strings(currencies)

	var sb strings.Builder
	sb.WriteString("Completed desk volume:\n")
	for _, cur := range currencies {
		label := cur
		if label == "" {
			label = "(no currency)"
		}
		fmt.Fprintf(&sb, "  %s: %s\n", label, money.Format(volume[cur]))
	}
	return sb.String()
}

// deskGuide is the desk_guide tool's response, verbatim.
const deskGuide = `The middleman desk tracks escrowed trades between members of a group chat.
The desk itself holds no funds. Human admins receive the buyer's money, hold
it while the seller delivers, and pay the seller out, all off-platform. The
desk is the ledger and the referee's notebook, not the bank.

Lifecycle of a trade:

  INIT              escrow opened; buyer sends funds to the desk and reports payment
  PAID              buyer reported payment; an admin checks that the money arrived
  CONFIRMED         admin confirmed funds; seller delivers the goods or service
  RECEIVED          buyer confirmed receipt; seller submits payout details
  PAYMENT_PROVIDED  payout details on file; an admin pays the seller
  COMPLETED         admin paid out; trade closed

Either party can raise DISPUTE at any point before completion. A disputed
escrow is frozen until an admin arbitrates; no tool here can unfreeze it.
COMPLETED and DISPUTE are terminal. Every other status has exactly one
forward transition, in the order listed above.

Use check_escrow with an escrow's numeric ID to see where a trade stands and
what has to happen next. Use list_escrows to browse recent trades (operator
key required). Use desk_volume for lifetime completed totals per currency.`
