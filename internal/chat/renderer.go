package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/middleman/internal/escrow"
)

// AdminNamer resolves an admin's account id to a mention label. Lookups are
// best-effort; implementations return "" when they cannot resolve.
type AdminNamer interface {
	Label(ctx context.Context, accountID int64) string
}

// Renderer turns engine notification outcomes into chat Markdown. It owns
// every user-facing string so the router and webhook stay free of copy.
type Renderer struct {
	cfg    escrow.Config
	admins AdminNamer
}

// NewRenderer creates a renderer. namer may be nil, in which case admins are
// addressed with the generic "Admin" label.
func NewRenderer(cfg escrow.Config, namer AdminNamer) *Renderer {
	return &Renderer{cfg: cfg, admins: namer}
}

// Render produces the Markdown body for one notification. Unknown templates
// render as empty and are skipped by the caller.
func (r *Renderer) Render(ctx context.Context, n escrow.Notification) string {
	p := n.Params
	id := p[escrow.ParamEscrowID]
	buyer := mention(p[escrow.ParamBuyer])
	seller := mention(p[escrow.ParamSeller])
	amount := amountLabel(p)

	switch n.Template {
	case escrow.TemplateOpened:
		return r.renderOpened(p, id, buyer, seller, amount)

	case escrow.TemplatePaymentReported:
		return fmt.Sprintf("💸 *Escrow #%s*: %s reported sending %s.\n%s, verify the funds arrived, then run /confirm %s.",
			id, buyer, amount, r.adminMentions(ctx), id)

	case escrow.TemplatePaymentAck:
		return fmt.Sprintf("Noted. Your payment report for escrow #%s is with the desk; an admin will confirm once the funds arrive.", id)

	case escrow.TemplatePaymentConfirmed:
		return fmt.Sprintf("✅ *Escrow #%s*: the desk confirmed receiving %s.\n%s, deliver to %s now. %s, run /received %s once you have the goods.",
			id, amount, seller, buyer, buyer, id)

	case escrow.TemplateReceiptConfirmed:
		return fmt.Sprintf("📦 *Escrow #%s*: %s confirmed receipt.\n%s, send your payout details with /payment %s <details>.",
			id, buyer, seller, id)

	case escrow.TemplatePayoutSubmitted:
		return fmt.Sprintf("🏦 *Escrow #%s*: payout details from %s:\n`%s`\n%s, pay the seller and run /completed %s.",
			id, seller, p[escrow.ParamPayoutInfo], r.adminMentions(ctx), id)

	case escrow.TemplateCompleted:
		return fmt.Sprintf("🎉 *Escrow #%s completed.* %s settled between %s and %s.",
			id, amount, buyer, seller)

	case escrow.TemplateDisputed:
		text := fmt.Sprintf("⚠️ *Escrow #%s is under dispute.* All further actions are frozen.", id)
		if contact := p[escrow.ParamArbitrationContact]; contact != "" {
			text += fmt.Sprintf("\nContact %s to resolve.", contact)
		}
		return text

	case escrow.TemplateDisputeAlert:
		lead := fmt.Sprintf("⚠️ Dispute raised on escrow #%s", id)
		if by := p[escrow.ParamRaisedBy]; by != "" {
			lead += " by " + mention(by)
		}
		return fmt.Sprintf("%s.\nConversation %s, buyer %s, seller %s, %s.",
			lead, p[escrow.ParamConversationID], buyer, seller, amount)

	default:
		return ""
	}
}

func (r *Renderer) renderOpened(p map[string]string, id, buyer, seller, amount string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🤝 *Escrow #%s opened*\nBuyer: %s\nSeller: %s\nAmount: %s\n\n", id, buyer, seller, amount)

	dests := r.cfg.DestinationsFor(p[escrow.ParamCurrency])
	if len(dests) > 0 {
		fmt.Fprintf(&b, "%s, send the payment to the desk:\n", buyer)
		for _, d := range dests {
			fmt.Fprintf(&b, " • %s: `%s`\n", d.Method, d.Address)
		}
	} else {
		fmt.Fprintf(&b, "%s, settle %s with the desk by agreement.\n", buyer, amount)
	}

	if rc := p[escrow.ParamReceiptContact]; rc != "" {
		fmt.Fprintf(&b, "Send proof of payment to %s, then run /paid %s here.", rc, id)
	} else {
		fmt.Fprintf(&b, "Then run /paid %s here.", id)
	}
	return b.String()
}

// Summary renders the /status reply.
func (r *Renderer) Summary(esc *escrow.Escrow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Escrow #%d*\nStatus: %s\nBuyer: %s\nSeller: %s\nAmount: %s",
		esc.ID, esc.Status, mention(esc.BuyerHandle), mention(esc.SellerHandle),
		strings.TrimSpace(esc.Amount.String()+" "+esc.Currency))
	if esc.PayoutInfo != "" {
		fmt.Fprintf(&b, "\nPayout details: `%s`", esc.PayoutInfo)
	}
	fmt.Fprintf(&b, "\nOpened: %s UTC", esc.CreatedAt.UTC().Format("2006-01-02 15:04"))
	return b.String()
}

// VolumeReport renders the owner's /cap reply: totals per currency across
// every trade that reached PAID or further.
func (r *Renderer) VolumeReport(totals map[string]decimal.Decimal) string {
	if len(totals) == 0 {
		return "No desk volume yet."
	}
	currencies := make([]string, 0, len(totals))
	for c := range totals {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)

	var b strings.Builder
	b.WriteString("*Desk volume*")
	for _, c := range currencies {
		label := c
		if label == "" {
			label = "(unspecified)"
		}
		fmt.Fprintf(&b, "\n • %s %s", totals[c].String(), label)
	}
	return b.String()
}

// Guide renders the /start and /help reply.
func (r *Renderer) Guide(botName string) string {
	var b strings.Builder
	b.WriteString("*Middleman escrow desk*\n\n")
	b.WriteString("The desk holds the buyer's payment while a trade settles; admins verify both sides before anything is released.\n\n")
	b.WriteString("*Flow*\n")
	b.WriteString("1. /escrow @buyer @seller <amount> — open a trade (group chats only)\n")
	b.WriteString("2. /paid <id> — buyer: payment sent to the desk\n")
	b.WriteString("3. /confirm <id> — admin: funds arrived\n")
	b.WriteString("4. /received <id> — buyer: goods arrived\n")
	b.WriteString("5. /payment <id> <details> — seller: where to send the payout\n")
	b.WriteString("6. /completed <id> — admin: payout done, trade closed\n\n")
	b.WriteString("*Anytime*\n")
	b.WriteString("/status <id> — current state\n")
	b.WriteString("/dispute <id> — freeze the trade for arbitration\n")
	b.WriteString("/help — this guide\n\n")
	b.WriteString("Amounts: $100 for USD, 2500ETB for birr, or a bare number to settle by agreement.")
	if botName != "" {
		fmt.Fprintf(&b, "\nIn busy groups, address me directly: /escrow@%s.", botName)
	}
	return b.String()
}

// ErrorReply maps an engine rejection to a chat reply. Engine errors wrap a
// sentinel with a human-readable detail, so the detail can follow a short
// lead-in verbatim.
func (r *Renderer) ErrorReply(err error) string {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		return "Escrow not found. Check the id, and that you're in the chat it was opened in."
	case errors.Is(err, escrow.ErrForbidden):
		return "Not allowed: " + sentinelDetail(err, escrow.ErrForbidden) + "."
	case errors.Is(err, escrow.ErrInvalidState):
		return "Not now: " + sentinelDetail(err, escrow.ErrInvalidState) + "."
	case errors.Is(err, escrow.ErrInvalidInput):
		return "Can't do that: " + sentinelDetail(err, escrow.ErrInvalidInput) + "."
	default:
		return "The desk hit a storage error. Try again in a moment."
	}
}

// sentinelDetail strips the sentinel prefix from a wrapped engine error,
// leaving the human-readable part.
func sentinelDetail(err, sentinel error) string {
	msg := strings.TrimSuffix(err.Error(), ".")
	if rest, ok := strings.CutPrefix(msg, sentinel.Error()+": "); ok {
		return rest
	}
	return msg
}

func (r *Renderer) adminMentions(ctx context.Context) string {
	if len(r.cfg.AdminIDs) == 0 {
		return "Desk admins"
	}
	labels := make([]string, 0, len(r.cfg.AdminIDs))
	for _, id := range r.cfg.AdminIDs {
		labels = append(labels, r.adminLabel(ctx, id))
	}
	return strings.Join(labels, " ")
}

func (r *Renderer) adminLabel(ctx context.Context, accountID int64) string {
	if r.admins != nil {
		if label := r.admins.Label(ctx, accountID); label != "" {
			return label
		}
	}
	return "Admin"
}

func mention(handle string) string {
	if handle == "" {
		return "someone"
	}
	return "@" + handle
}

func amountLabel(p map[string]string) string {
	return strings.TrimSpace(p[escrow.ParamAmount] + " " + p[escrow.ParamCurrency])
}
