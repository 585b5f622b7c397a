package chat

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/middleman/internal/escrow"
	"github.com/mbd888/middleman/internal/logging"
	"github.com/mbd888/middleman/internal/money"
	"github.com/mbd888/middleman/internal/syncutil"
)

var chatCommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "middleman",
	Subsystem: "chat",
	Name:      "commands_total",
	Help:      "Chat commands handled by command and outcome.",
}, []string{"command", "outcome"})

func init() {
	prometheus.MustRegister(chatCommandsTotal)
}

const (
	usageEscrow    = "Usage: /escrow @buyer @seller <amount>\nExample: /escrow @alice @bob $100"
	usagePaid      = "Usage: /paid <escrow id>"
	usageConfirm   = "Usage: /confirm <escrow id>"
	usageReceived  = "Usage: /received <escrow id>"
	usagePayment   = "Usage: /payment <escrow id> <payout details>"
	usageCompleted = "Usage: /completed <escrow id>"
	usageStatus    = "Usage: /status <escrow id>"
	usageDispute   = "Usage: /dispute <escrow id>"
	replyGroupOnly = "Run this command in the trade's group chat."
)

// Sender delivers rendered replies. Satisfied by *Client, replaced with a
// recorder in tests.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

type transitionFunc func(ctx context.Context, id, conversationID int64, actor escrow.Identity) (*escrow.Result, error)

// Router dispatches parsed commands to the lifecycle engine and delivers the
// resulting notifications. Commands within one conversation are serialized so
// replies arrive in command order even when webhook deliveries race.
type Router struct {
	engine  *escrow.Service
	render  *Renderer
	sender  Sender
	botName string
	locks   syncutil.ShardedMutex
	logger  *slog.Logger
}

// NewRouter creates a command router. botName is the bot's own handle,
// used to claim addressed commands like /escrow@MiddlemanDeskBot.
func NewRouter(engine *escrow.Service, render *Renderer, sender Sender, botName string) *Router {
	return &Router{
		engine:  engine,
		render:  render,
		sender:  sender,
		botName: strings.TrimPrefix(botName, "@"),
		logger:  slog.Default(),
	}
}

// WithLogger replaces the default logger.
func (r *Router) WithLogger(l *slog.Logger) *Router {
	if l != nil {
		r.logger = l
	}
	return r
}

// HandleUpdate processes one webhook update. Non-command messages and
// messages from other bots are ignored.
func (r *Router) HandleUpdate(ctx context.Context, upd *Update) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil || msg.From.IsBot || msg.Text == "" {
		return
	}
	cmd, ok := ParseCommand(msg.Text, r.botName)
	if !ok {
		return
	}

	ctx = logging.WithLogger(ctx, r.logger)
	ctx = logging.WithConversation(ctx, msg.Chat.ID)

	unlock := r.locks.Lock(strconv.FormatInt(msg.Chat.ID, 10))
	defer unlock()
	r.dispatch(ctx, cmd, msg)
}

func (r *Router) dispatch(ctx context.Context, cmd *Command, msg *Message) {
	actor := escrow.Identity{AccountID: msg.From.ID, Handle: msg.From.Username}

	switch cmd.Name {
	case "start", "help":
		r.send(ctx, msg.Chat.ID, r.render.Guide(r.botName))
		r.count(cmd, "ok")
	case "escrow":
		r.handleOpen(ctx, cmd, msg, actor)
	case "paid":
		r.handleTransition(ctx, cmd, msg, actor, usagePaid, r.engine.ReportPayment)
	case "confirm":
		if !msg.Chat.IsGroup() {
			r.send(ctx, msg.Chat.ID, replyGroupOnly)
			r.count(cmd, "usage")
			return
		}
		r.handleTransition(ctx, cmd, msg, actor, usageConfirm, r.engine.ConfirmPayment)
	case "received":
		r.handleTransition(ctx, cmd, msg, actor, usageReceived, r.engine.ConfirmReceipt)
	case "payment":
		r.handlePayout(ctx, cmd, msg, actor)
	case "completed":
		r.handleTransition(ctx, cmd, msg, actor, usageCompleted, r.engine.MarkComplete)
	case "status":
		r.handleStatus(ctx, cmd, msg)
	case "dispute":
		r.handleDispute(ctx, cmd, msg, actor)
	case "cap":
		r.handleVolume(ctx, cmd, msg, actor)
	default:
		// Unknown commands are not counted: the label value would be
		// arbitrary user input.
	}
}

func (r *Router) handleOpen(ctx context.Context, cmd *Command, msg *Message, actor escrow.Identity) {
	if !msg.Chat.IsGroup() {
		r.send(ctx, msg.Chat.ID, replyGroupOnly)
		r.count(cmd, "usage")
		return
	}
	if len(cmd.Args) != 3 {
		r.send(ctx, msg.Chat.ID, usageEscrow)
		r.count(cmd, "usage")
		return
	}
	amount, currency, err := money.ParseToken(cmd.Args[2])
	if err != nil {
		r.send(ctx, msg.Chat.ID, usageEscrow)
		r.count(cmd, "usage")
		return
	}

	res, err := r.engine.Create(ctx, escrow.CreateRequest{
		ConversationID: msg.Chat.ID,
		Initiator:      actor,
		BuyerHandle:    cmd.Args[0],
		SellerHandle:   cmd.Args[1],
		Amount:         amount,
		Currency:       currency,
	})
	if err != nil {
		r.send(ctx, msg.Chat.ID, r.render.ErrorReply(err))
		r.count(cmd, "rejected")
		return
	}
	r.deliver(ctx, res.Notifications)
	r.count(cmd, "ok")
}

func (r *Router) handleTransition(ctx context.Context, cmd *Command, msg *Message, actor escrow.Identity, usage string, op transitionFunc) {
	id, ok := commandID(cmd)
	if !ok {
		r.send(ctx, msg.Chat.ID, usage)
		r.count(cmd, "usage")
		return
	}
	res, err := op(ctx, id, msg.Chat.ID, actor)
	if err != nil {
		r.send(ctx, msg.Chat.ID, r.render.ErrorReply(err))
		r.count(cmd, "rejected")
		return
	}
	r.deliver(ctx, res.Notifications)
	r.count(cmd, "ok")
}

func (r *Router) handlePayout(ctx context.Context, cmd *Command, msg *Message, actor escrow.Identity) {
	id, ok := commandID(cmd)
	info := cmd.Rest(1)
	if !ok || info == "" {
		r.send(ctx, msg.Chat.ID, usagePayment)
		r.count(cmd, "usage")
		return
	}
	res, err := r.engine.SubmitPayout(ctx, id, msg.Chat.ID, actor, info)
	if err != nil {
		r.send(ctx, msg.Chat.ID, r.render.ErrorReply(err))
		r.count(cmd, "rejected")
		return
	}
	r.deliver(ctx, res.Notifications)
	r.count(cmd, "ok")
}

func (r *Router) handleStatus(ctx context.Context, cmd *Command, msg *Message) {
	id, ok := commandID(cmd)
	if !ok {
		r.send(ctx, msg.Chat.ID, usageStatus)
		r.count(cmd, "usage")
		return
	}
	esc, err := r.engine.Summarize(ctx, id)
	if err != nil {
		r.send(ctx, msg.Chat.ID, r.render.ErrorReply(err))
		r.count(cmd, "rejected")
		return
	}
	r.send(ctx, msg.Chat.ID, r.render.Summary(esc))
	r.count(cmd, "ok")
}

func (r *Router) handleDispute(ctx context.Context, cmd *Command, msg *Message, actor escrow.Identity) {
	id, ok := commandID(cmd)
	if !ok {
		r.send(ctx, msg.Chat.ID, usageDispute)
		r.count(cmd, "usage")
		return
	}
	res, err := r.engine.Dispute(ctx, id, actor)
	if err != nil {
		r.send(ctx, msg.Chat.ID, r.render.ErrorReply(err))
		r.count(cmd, "rejected")
		return
	}
	r.deliver(ctx, res.Notifications)
	r.count(cmd, "ok")
}

// handleVolume is the owner's /cap. Anyone else is ignored without a reply;
// the command is not advertised.
func (r *Router) handleVolume(ctx context.Context, cmd *Command, msg *Message, actor escrow.Identity) {
	if !r.engine.Config().IsOwner(actor.AccountID) {
		r.count(cmd, "rejected")
		return
	}
	totals, err := r.engine.Volume(ctx)
	if err != nil {
		r.send(ctx, msg.Chat.ID, r.render.ErrorReply(err))
		r.count(cmd, "rejected")
		return
	}
	r.send(ctx, msg.Chat.ID, r.render.VolumeReport(totals))
	r.count(cmd, "ok")
}

// deliver renders each notification and sends it to every resolved chat.
func (r *Router) deliver(ctx context.Context, notes []escrow.Notification) {
	for _, n := range notes {
		text := r.render.Render(ctx, n)
		if text == "" {
			continue
		}
		for _, chatID := range r.targets(n.Target) {
			r.send(ctx, chatID, text)
		}
	}
}

func (r *Router) targets(t escrow.Target) []int64 {
	switch t.Kind {
	case escrow.TargetConversation:
		return []int64{t.ConversationID}
	case escrow.TargetUser:
		if t.UserID == 0 {
			return nil
		}
		return []int64{t.UserID}
	case escrow.TargetAdmins:
		return r.engine.Config().AdminIDs
	default:
		return nil
	}
}

func (r *Router) send(ctx context.Context, chatID int64, text string) {
	if text == "" {
		return
	}
	if err := r.sender.SendMessage(ctx, chatID, text); err != nil {
		logging.L(ctx).Warn("chat send failed", "chat", chatID, "error", err)
	}
}

func (r *Router) count(cmd *Command, outcome string) {
	chatCommandsTotal.WithLabelValues(cmd.Name, outcome).Inc()
}

// commandID parses the escrow id argument, tolerating a leading "#".
func commandID(cmd *Command) (int64, bool) {
	if len(cmd.Args) == 0 {
		return 0, false
	}
	raw := strings.TrimPrefix(cmd.Args[0], "#")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
