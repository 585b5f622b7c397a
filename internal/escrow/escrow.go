// Package escrow implements the desk's trade lifecycle: the state machine, the
// role-gated transition engine, and the store contract that keeps concurrent
// transitions consistent.
//
// Flow:
//  1. A participant opens a trade between a buyer and a seller → INIT
//  2. Buyer reports the off-platform payment                   → PAID
//  3. An admin verifies the money arrived                      → CONFIRMED
//  4. Buyer confirms the goods arrived                         → RECEIVED
//  5. Seller submits payout details, exactly once              → PAYMENT_PROVIDED
//  6. An admin pays the seller and closes the trade            → COMPLETED
//
// Any trade can be escalated to DISPUTE at any point; COMPLETED and DISPUTE
// are terminal. The desk itself never moves money: admins settle off-platform
// and the engine only records attestations and fans out notifications.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/middleman/internal/traces"
)

var (
	ErrNotFound         = errors.New("escrow not found")
	ErrForbidden        = errors.New("not authorized for this escrow operation")
	ErrInvalidState     = errors.New("escrow is not in the required state")
	ErrInvalidInput     = errors.New("invalid input")
	ErrStoreUnavailable = errors.New("escrow store unavailable")
)

// Identity identifies an actor. AccountID is the durable authority for
// permission checks; Handle is the display name and may be all the desk knows
// about a party until they first act.
type Identity struct {
	AccountID int64  `json:"accountId"`
	Handle    string `json:"handle"`
}

// Escrow is one tracked trade, scoped to the conversation it was opened in.
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
	Status         Status          `json:"status"`
	PayoutInfo     string          `json:"payoutInfo,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Terminal reports whether the trade has reached a final state.
func (e *Escrow) Terminal() bool {
	return e.Status.Terminal()
}

// Store persists escrow records. CompareAndSetStatus is the serialization
// point for transitions: of N concurrent callers attempting the same
// expected→next swap, exactly one observes swapped=true.
type Store interface {
	// Create persists a new record and assigns the next monotonic ID.
	Create(ctx context.Context, esc *Escrow) error
	Get(ctx context.Context, id int64) (*Escrow, error)
	GetInConversation(ctx context.Context, id, conversationID int64) (*Escrow, error)
	CompareAndSetStatus(ctx context.Context, id int64, expected, next Status) (bool, error)
	// CompareAndSetPayout advances expected→next and records the payout info
	// in one atomic write, and only if no payout info was recorded before.
	CompareAndSetPayout(ctx context.Context, id int64, expected, next Status, payoutInfo string) (bool, error)
	// SetStatus is the unconditional write behind the dispute escape valve.
	SetStatus(ctx context.Context, id int64, next Status) error
	// RecordBuyerID / RecordSellerID fill in a party's durable account id the
	// first time it is observed. No-ops once set.
	RecordBuyerID(ctx context.Context, id, accountID int64) error
	RecordSellerID(ctx context.Context, id, accountID int64) error
	ListByConversation(ctx context.Context, conversationID int64, limit int) ([]*Escrow, error)
	// List returns records in descending id order, starting below afterID
	// (0 means newest first).
	List(ctx context.Context, afterID int64, limit int) ([]*Escrow, error)
	VolumeByCurrency(ctx context.Context, statuses []Status) (map[string]decimal.Decimal, error)
}

// Transaction is the audit record written when payment is first reported.
type Transaction struct {
	EscrowID       int64
	ConversationID int64
	BuyerHandle    string
	SellerHandle   string
	Amount         decimal.Decimal
	Currency       string
	RecordedAt     time.Time
}

// TransactionRecorder appends audit entries. The status commit is the
// authoritative fact; a failed append is logged and never surfaced to the
// caller of the transition that triggered it.
type TransactionRecorder interface {
	Record(ctx context.Context, tx Transaction) error
}

// Lifecycle event names broadcast to machine subscribers.
const (
	EventOpened           = "escrow.opened"
	EventPaymentReported  = "escrow.payment_reported"
	EventPaymentConfirmed = "escrow.payment_confirmed"
	EventReceiptConfirmed = "escrow.receipt_confirmed"
	EventPayoutSubmitted  = "escrow.payout_submitted"
	EventCompleted        = "escrow.completed"
	EventDisputed         = "escrow.disputed"
)

// EventEmitter broadcasts lifecycle events to machine subscribers such as the
// realtime hub and webhook dispatcher. Optional; emissions are fire-and-forget.
type EventEmitter interface {
	EscrowEvent(event string, esc *Escrow)
}

// Destination is one way to pay the desk for a given currency.
type Destination struct {
	Method  string `json:"method"`
	Address string `json:"address"`
}

// Config carries the desk identities and payment destinations. It is injected
// at construction; the engine keeps no global state.
type Config struct {
	AdminIDs           []int64
	OwnerID            int64
	ArbitrationContact string
	ReceiptContact     string
	Destinations       map[string][]Destination
}

// IsAdmin reports whether the account is in the configured admin set.
func (c Config) IsAdmin(accountID int64) bool {
	for _, id := range c.AdminIDs {
		if id == accountID {
			return true
		}
	}
	return false
}

// IsOwner reports whether the account is the desk owner.
func (c Config) IsOwner(accountID int64) bool {
	return c.OwnerID != 0 && accountID == c.OwnerID
}

// DestinationsFor returns the payment destinations for a currency, or nil
// when the trade settles by mutual agreement.
func (c Config) DestinationsFor(currency string) []Destination {
	return c.Destinations[strings.ToUpper(currency)]
}

// CreateRequest contains the parameters for opening an escrow.
type CreateRequest struct {
	ConversationID int64           `json:"conversationId" binding:"required"`
	Initiator      Identity        `json:"initiator"`
	BuyerHandle    string          `json:"buyerHandle" binding:"required"`
	SellerHandle   string          `json:"sellerHandle" binding:"required"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
}

// Result is a successful transition outcome: the updated record plus the
// notifications the transport layer must render and deliver.
type Result struct {
	Escrow        *Escrow
	Notifications []Notification
}

// Service is the lifecycle engine. It holds no in-process mutable state; all
// mutual exclusion lives behind the Store's conditional writes, so any number
// of goroutines may invoke it concurrently.
type Service struct {
	store    Store
	cfg      Config
	recorder TransactionRecorder
	events   EventEmitter
	logger   *slog.Logger
}

// NewService creates the lifecycle engine.
func NewService(store Store, cfg Config) *Service {
	return &Service{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
	}
}

// WithRecorder adds the transaction log collaborator.
func (s *Service) WithRecorder(r TransactionRecorder) *Service {
	s.recorder = r
	return s
}

// WithEvents adds a lifecycle event emitter.
func (s *Service) WithEvents(e EventEmitter) *Service {
	s.events = e
	return s
}

// WithLogger replaces the default logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.logger = l
	}
	return s
}

// Config returns the injected desk configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// Instructions returns the configured payment destinations for a currency.
func (s *Service) Instructions(currency string) []Destination {
	return s.cfg.DestinationsFor(currency)
}

// Create opens a new escrow in INIT.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.ConversationID(req.ConversationID), traces.Amount(req.Amount.String()), traces.Currency(req.Currency))
	defer span.End()

	buyer := strings.TrimPrefix(strings.TrimSpace(req.BuyerHandle), "@")
	seller := strings.TrimPrefix(strings.TrimSpace(req.SellerHandle), "@")

	if buyer == "" || seller == "" {
		return nil, fmt.Errorf("%w: buyer and seller handles are required", ErrInvalidInput)
	}
	if strings.EqualFold(buyer, seller) {
		return nil, fmt.Errorf("%w: buyer and seller cannot be the same party", ErrInvalidInput)
	}
	if req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidInput)
	}
	if req.ConversationID == 0 {
		return nil, fmt.Errorf("%w: conversation id is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	esc := &Escrow{
		ConversationID: req.ConversationID,
		InitiatorID:    req.Initiator.AccountID,
		BuyerHandle:    buyer,
		SellerHandle:   seller,
		Amount:         req.Amount,
		Currency:       strings.ToUpper(strings.TrimSpace(req.Currency)),
		Status:         StatusInit,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.Create(ctx, esc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist escrow")
		return nil, err
	}
	span.SetAttributes(traces.EscrowID(esc.ID))

	s.emit(EventOpened, esc)
	return &Result{
		Escrow:        esc,
		Notifications: []Notification{notifyOpened(esc, s.cfg)},
	}, nil
}

// ReportPayment records the buyer's attestation that payment was sent,
// advancing INIT → PAID and appending the one audit log entry.
func (s *Service) ReportPayment(ctx context.Context, id, conversationID int64, actor Identity) (*Result, error) {
	esc, err := s.store.GetInConversation(ctx, id, conversationID)
	if err != nil {
		return nil, err
	}

	if !s.isBuyer(esc, actor) && !s.cfg.IsAdmin(actor.AccountID) {
		return nil, fmt.Errorf("%w: only the designated buyer can report payment", ErrForbidden)
	}
	if esc.Status != StatusInit {
		return nil, fmt.Errorf("%w: escrow %d is %s, not awaiting payment", ErrInvalidState, esc.ID, esc.Status)
	}

	swapped, err := s.store.CompareAndSetStatus(ctx, esc.ID, StatusInit, StatusPaid)
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, fmt.Errorf("%w: escrow %d is no longer %s", ErrInvalidState, esc.ID, StatusInit)
	}

	now := time.Now().UTC()
	esc.Status = StatusPaid
	esc.UpdatedAt = now
	s.observeBuyer(ctx, esc, actor)

	// The swap winner is the only caller that reaches this append, which is
	// what keeps the log at exactly one entry per escrow. A failed append
	// after the committed swap is an audit gap, not a user-facing error.
	if s.recorder != nil {
		tx := Transaction{
			EscrowID:       esc.ID,
			ConversationID: esc.ConversationID,
			BuyerHandle:    esc.BuyerHandle,
			SellerHandle:   esc.SellerHandle,
			Amount:         esc.Amount,
			Currency:       esc.Currency,
			RecordedAt:     now,
		}
		if err := s.recorder.Record(ctx, tx); err != nil {
			s.logger.Warn("transaction log append failed after status commit",
				"escrow", esc.ID, "error", err)
		}
	}

	s.emit(EventPaymentReported, esc)
	return &Result{
		Escrow: esc,
		Notifications: []Notification{
			notifyPaymentReported(esc),
			notifyPaymentAck(esc, actor),
		},
	}, nil
}

// ConfirmPayment is the admin attestation that the money arrived at the desk,
// advancing PAID → CONFIRMED.
func (s *Service) ConfirmPayment(ctx context.Context, id, conversationID int64, actor Identity) (*Result, error) {
	esc, err := s.store.GetInConversation(ctx, id, conversationID)
	if err != nil {
		return nil, err
	}

	if !s.cfg.IsAdmin(actor.AccountID) {
		return nil, fmt.Errorf("%w: only admins can confirm payments", ErrForbidden)
	}
	if esc.Status != StatusPaid {
		return nil, fmt.Errorf("%w: escrow %d is %s, buyer must report payment first", ErrInvalidState, esc.ID, esc.Status)
	}

	swapped, err := s.store.CompareAndSetStatus(ctx, esc.ID, StatusPaid, StatusConfirmed)
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, fmt.Errorf("%w: escrow %d is no longer %s", ErrInvalidState, esc.ID, StatusPaid)
	}

	esc.Status = StatusConfirmed
	esc.UpdatedAt = time.Now().UTC()

	s.emit(EventPaymentConfirmed, esc)
	return &Result{
		Escrow:        esc,
		Notifications: []Notification{notifyPaymentConfirmed(esc)},
	}, nil
}

// ConfirmReceipt is the buyer's attestation that the goods arrived, advancing
// CONFIRMED → RECEIVED.
func (s *Service) ConfirmReceipt(ctx context.Context, id, conversationID int64, actor Identity) (*Result, error) {
	esc, err := s.store.GetInConversation(ctx, id, conversationID)
	if err != nil {
		return nil, err
	}

	if !s.isBuyer(esc, actor) && !s.cfg.IsAdmin(actor.AccountID) {
		return nil, fmt.Errorf("%w: only the designated buyer can confirm receipt", ErrForbidden)
	}
	if esc.Status != StatusConfirmed {
		return nil, fmt.Errorf("%w: escrow %d is %s, payment must be confirmed first", ErrInvalidState, esc.ID, esc.Status)
	}

	swapped, err := s.store.CompareAndSetStatus(ctx, esc.ID, StatusConfirmed, StatusReceived)
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, fmt.Errorf("%w: escrow %d is no longer %s", ErrInvalidState, esc.ID, StatusConfirmed)
	}

	esc.Status = StatusReceived
	esc.UpdatedAt = time.Now().UTC()
	s.observeBuyer(ctx, esc, actor)

	s.emit(EventReceiptConfirmed, esc)
	return &Result{
		Escrow:        esc,
		Notifications: []Notification{notifyReceiptConfirmed(esc)},
	}, nil
}

// SubmitPayout records the seller's payout destination, advancing
// RECEIVED → PAYMENT_PROVIDED. The info is written exactly once, atomically
// with the status advance.
func (s *Service) SubmitPayout(ctx context.Context, id, conversationID int64, actor Identity, info string) (*Result, error) {
	info = strings.TrimSpace(info)
	if info == "" {
		return nil, fmt.Errorf("%w: payout info cannot be empty", ErrInvalidInput)
	}

	esc, err := s.store.GetInConversation(ctx, id, conversationID)
	if err != nil {
		return nil, err
	}

	if !s.isSeller(esc, actor) {
		return nil, fmt.Errorf("%w: only the designated seller can submit payout info", ErrForbidden)
	}
	if esc.Status != StatusReceived {
		return nil, fmt.Errorf("%w: escrow %d is %s, buyer must confirm receipt first", ErrInvalidState, esc.ID, esc.Status)
	}

	swapped, err := s.store.CompareAndSetPayout(ctx, esc.ID, StatusReceived, StatusPaymentProvided, info)
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, fmt.Errorf("%w: escrow %d is no longer %s", ErrInvalidState, esc.ID, StatusReceived)
	}

	esc.Status = StatusPaymentProvided
	esc.PayoutInfo = info
	esc.UpdatedAt = time.Now().UTC()
	s.observeSeller(ctx, esc, actor)

	s.emit(EventPayoutSubmitted, esc)
	return &Result{
		Escrow:        esc,
		Notifications: []Notification{notifyPayoutSubmitted(esc)},
	}, nil
}

// MarkComplete is the admin attestation that the seller was paid out, closing
// the trade from PAYMENT_PROVIDED or RECEIVED.
func (s *Service) MarkComplete(ctx context.Context, id, conversationID int64, actor Identity) (*Result, error) {
	esc, err := s.store.GetInConversation(ctx, id, conversationID)
	if err != nil {
		return nil, err
	}

	if !s.cfg.IsAdmin(actor.AccountID) {
		return nil, fmt.Errorf("%w: only admins can complete escrows", ErrForbidden)
	}

	switch esc.Status {
	case StatusPaymentProvided, StatusReceived:
	default:
		return nil, fmt.Errorf("%w: escrow %d is %s, cannot be completed", ErrInvalidState, esc.ID, esc.Status)
	}

	swapped, err := s.store.CompareAndSetStatus(ctx, esc.ID, esc.Status, StatusCompleted)
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, fmt.Errorf("%w: escrow %d is no longer %s", ErrInvalidState, esc.ID, esc.Status)
	}

	esc.Status = StatusCompleted
	esc.UpdatedAt = time.Now().UTC()

	s.emit(EventCompleted, esc)
	return &Result{
		Escrow:        esc,
		Notifications: []Notification{notifyCompleted(esc)},
	}, nil
}

// Dispute freezes an escrow for arbitration. Deliberately permissive: any
// actor may raise it, the lookup is not conversation-scoped, and the write is
// unconditional so the valve works from any state.
func (s *Service) Dispute(ctx context.Context, id int64, actor Identity) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Dispute",
		traces.EscrowID(id), traces.Actor(actor.Handle))
	defer span.End()

	esc, err := s.store.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := s.store.SetStatus(ctx, esc.ID, StatusDispute); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to freeze escrow")
		return nil, err
	}

	esc.Status = StatusDispute
	esc.UpdatedAt = time.Now().UTC()

	s.emit(EventDisputed, esc)
	return &Result{
		Escrow: esc,
		Notifications: []Notification{
			notifyDisputed(esc, s.cfg),
			notifyDisputeAlert(esc, actor),
		},
	}, nil
}

// Summarize returns the current record. Read-only, unscoped, no authorization.
func (s *Service) Summarize(ctx context.Context, id int64) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByConversation returns the escrows opened in a conversation.
func (s *Service) ListByConversation(ctx context.Context, conversationID int64, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByConversation(ctx, conversationID, limit)
}

// List pages through all escrows, newest first.
func (s *Service) List(ctx context.Context, afterID int64, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.List(ctx, afterID, limit)
}

// Volume totals the amounts the desk has handled, per currency.
func (s *Service) Volume(ctx context.Context) (map[string]decimal.Decimal, error) {
	return s.store.VolumeByCurrency(ctx, VolumeStatuses())
}

// emit broadcasts a lifecycle event with a private copy of the record.
func (s *Service) emit(event string, esc *Escrow) {
	if s.events == nil {
		return
	}
	snapshot := *esc
	go s.events.EscrowEvent(event, &snapshot)
}

// isBuyer matches by handle until the buyer's durable id is recorded; from
// then on, only the id matches. Handles can be renamed or squatted, ids can't.
func (s *Service) isBuyer(esc *Escrow, actor Identity) bool {
	if esc.BuyerID != 0 {
		return actor.AccountID == esc.BuyerID
	}
	return actor.Handle != "" && strings.EqualFold(actor.Handle, esc.BuyerHandle)
}

func (s *Service) isSeller(esc *Escrow, actor Identity) bool {
	if esc.SellerID != 0 {
		return actor.AccountID == esc.SellerID
	}
	return actor.Handle != "" && strings.EqualFold(actor.Handle, esc.SellerHandle)
}

// observeBuyer records the buyer's durable id the first time the buyer acts.
// Best-effort: identity backfill never fails a transition.
func (s *Service) observeBuyer(ctx context.Context, esc *Escrow, actor Identity) {
	if esc.BuyerID != 0 || actor.AccountID == 0 || !strings.EqualFold(actor.Handle, esc.BuyerHandle) {
		return
	}
	if err := s.store.RecordBuyerID(ctx, esc.ID, actor.AccountID); err != nil {
		s.logger.Warn("recording buyer account id failed", "escrow", esc.ID, "error", err)
		return
	}
	esc.BuyerID = actor.AccountID
}

func (s *Service) observeSeller(ctx context.Context, esc *Escrow, actor Identity) {
	if esc.SellerID != 0 || actor.AccountID == 0 || !strings.EqualFold(actor.Handle, esc.SellerHandle) {
		return
	}
	if err := s.store.RecordSellerID(ctx, esc.ID, actor.AccountID); err != nil {
		s.logger.Warn("recording seller account id failed", "escrow", esc.ID, "error", err)
		return
	}
	esc.SellerID = actor.AccountID
}
