// Package txlog keeps the desk's append-only transaction log. One entry is
// written when a trade first reaches PAID; entries are never updated or
// deleted, and nothing in the lifecycle engine reads them back. The audit
// sweep and the admin surface are the consumers.
package txlog

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/middleman/internal/escrow"
	"github.com/mbd888/middleman/internal/metrics"
)

// ErrUnavailable wraps driver-level failures.
var ErrUnavailable = errors.New("transaction log unavailable")

// Entry is one immutable audit record.
type Entry struct {
	ID             int64           `json:"id"`
	EscrowID       int64           `json:"escrowId"`
	ConversationID int64           `json:"conversationId"`
	BuyerHandle    string          `json:"buyerHandle"`
	SellerHandle   string          `json:"sellerHandle"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency,omitempty"`
	RecordedAt     time.Time       `json:"recordedAt"`
}

// Store persists and queries log entries.
type Store interface {
	// Append writes one entry and assigns its id.
	Append(ctx context.Context, e *Entry) error
	// ListByEscrow returns an escrow's entries in append order.
	ListByEscrow(ctx context.Context, escrowID int64) ([]*Entry, error)
	// List returns entries in descending id order, starting below afterID
	// (0 means newest first).
	List(ctx context.Context, afterID int64, limit int) ([]*Entry, error)
	// EscrowCounts returns the number of entries per escrow id.
	EscrowCounts(ctx context.Context) (map[int64]int, error)
}

// Recorder adapts a Store to the lifecycle engine's TransactionRecorder.
type Recorder struct {
	store Store
}

// NewRecorder creates a recorder backed by the given store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Record appends the engine's transaction as a log entry.
func (r *Recorder) Record(ctx context.Context, tx escrow.Transaction) error {
	if err := r.store.Append(ctx, &Entry{
		EscrowID:       tx.EscrowID,
		ConversationID: tx.ConversationID,
		BuyerHandle:    tx.BuyerHandle,
		SellerHandle:   tx.SellerHandle,
		Amount:         tx.Amount,
		Currency:       tx.Currency,
		RecordedAt:     tx.RecordedAt,
	}); err != nil {
		return err
	}
	metrics.TransactionsRecordedTotal.Inc()
	return nil
}

var _ escrow.TransactionRecorder = (*Recorder)(nil)
