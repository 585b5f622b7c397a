package escrow

import (
	"strconv"
	"strings"
)

// TargetKind selects who a notification is addressed to.
type TargetKind string

const (
	TargetConversation TargetKind = "conversation" // the escrow's group chat
	TargetAdmins       TargetKind = "admins"       // every configured admin, directly
	TargetUser         TargetKind = "user"         // one specific account
)

// Target is a notification destination.
type Target struct {
	Kind           TargetKind `json:"kind"`
	ConversationID int64      `json:"conversationId,omitempty"`
	UserID         int64      `json:"userId,omitempty"`
}

// ConversationTarget addresses the escrow's group chat.
func ConversationTarget(id int64) Target {
	return Target{Kind: TargetConversation, ConversationID: id}
}

// AdminsTarget addresses every configured admin directly.
func AdminsTarget() Target {
	return Target{Kind: TargetAdmins}
}

// UserTarget addresses one account.
func UserTarget(id int64) Target {
	return Target{Kind: TargetUser, UserID: id}
}

// Template names a message the transport layer knows how to render.
type Template string

const (
	TemplateOpened           Template = "escrow.opened"
	TemplatePaymentReported  Template = "payment.reported"
	TemplatePaymentAck       Template = "payment.ack"
	TemplatePaymentConfirmed Template = "payment.confirmed"
	TemplateReceiptConfirmed Template = "receipt.confirmed"
	TemplatePayoutSubmitted  Template = "payout.submitted"
	TemplateCompleted        Template = "escrow.completed"
	TemplateDisputed         Template = "escrow.disputed"
	TemplateDisputeAlert     Template = "dispute.alert"
)

// Notification is a delivery instruction returned by the engine. The engine
// produces these as data; rendering markup, resolving admin mention labels,
// and the actual sends all belong to the transport layer.
type Notification struct {
	Target   Target            `json:"target"`
	Template Template          `json:"template"`
	Params   map[string]string `json:"params"`
}

// Param keys shared between the engine and renderers.
const (
	ParamEscrowID           = "escrow_id"
	ParamConversationID     = "conversation_id"
	ParamBuyer              = "buyer"
	ParamSeller             = "seller"
	ParamAmount             = "amount"
	ParamCurrency           = "currency"
	ParamStatus             = "status"
	ParamPayoutInfo         = "payout_info"
	ParamArbitrationContact = "arbitration_contact"
	ParamReceiptContact     = "receipt_contact"
	ParamRaisedBy           = "raised_by"
)

func baseParams(esc *Escrow) map[string]string {
	return map[string]string{
		ParamEscrowID:       strconv.FormatInt(esc.ID, 10),
		ParamConversationID: strconv.FormatInt(esc.ConversationID, 10),
		ParamBuyer:          esc.BuyerHandle,
		ParamSeller:         esc.SellerHandle,
		ParamAmount:         esc.Amount.String(),
		ParamCurrency:       esc.Currency,
		ParamStatus:         esc.Status.String(),
	}
}

func notifyOpened(esc *Escrow, cfg Config) Notification {
	p := baseParams(esc)
	if cfg.ReceiptContact != "" {
		p[ParamReceiptContact] = cfg.ReceiptContact
	}
	return Notification{
		Target:   ConversationTarget(esc.ConversationID),
		Template: TemplateOpened,
		Params:   p,
	}
}

func notifyPaymentReported(esc *Escrow) Notification {
	return Notification{
		Target:   ConversationTarget(esc.ConversationID),
		Template: TemplatePaymentReported,
		Params:   baseParams(esc),
	}
}

func notifyPaymentAck(esc *Escrow, actor Identity) Notification {
	return Notification{
		Target:   UserTarget(actor.AccountID),
		Template: TemplatePaymentAck,
		Params:   baseParams(esc),
	}
}

func notifyPaymentConfirmed(esc *Escrow) Notification {
	return Notification{
		Target:   ConversationTarget(esc.ConversationID),
		Template: TemplatePaymentConfirmed,
		Params:   baseParams(esc),
	}
}

func notifyReceiptConfirmed(esc *Escrow) Notification {
	return Notification{
		Target:   ConversationTarget(esc.ConversationID),
		Template: TemplateReceiptConfirmed,
		Params:   baseParams(esc),
	}
}

func notifyPayoutSubmitted(esc *Escrow) Notification {
	p := baseParams(esc)
	p[ParamPayoutInfo] = esc.PayoutInfo
	return Notification{
		Target:   ConversationTarget(esc.ConversationID),
		Template: TemplatePayoutSubmitted,
		Params:   p,
	}
}

func notifyCompleted(esc *Escrow) Notification {
	return Notification{
		Target:   ConversationTarget(esc.ConversationID),
		Template: TemplateCompleted,
		Params:   baseParams(esc),
	}
}

func notifyDisputed(esc *Escrow, cfg Config) Notification {
	p := baseParams(esc)
	if cfg.ArbitrationContact != "" {
		p[ParamArbitrationContact] = cfg.ArbitrationContact
	}
	return Notification{
		Target:   ConversationTarget(esc.ConversationID),
		Template: TemplateDisputed,
		Params:   p,
	}
}

func notifyDisputeAlert(esc *Escrow, actor Identity) Notification {
	p := baseParams(esc)
	if by := strings.TrimSpace(actor.Handle); by != "" {
		p[ParamRaisedBy] = by
	}
	return Notification{
		Target:   AdminsTarget(),
		Template: TemplateDisputeAlert,
		Params:   p,
	}
}
