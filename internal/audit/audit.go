// Package audit reconciles the transaction log against escrow statuses.
//
// The invariant under watch: an escrow that ever reached PAID has exactly one
// log entry, and one that never did has none. The status commit wins races
// over the log append, so a crash between the two leaves a gap; the sweep
// finds such gaps and repairs them. DISPUTE rows may sit on either side
// depending on when the dispute struck, so both counts pass for them.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/middleman/internal/escrow"
	"github.com/mbd888/middleman/internal/txlog"
)

const (
	sweepPageSize  = 200
	sweepScanLimit = 10000
)

var (
	auditSweepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "middleman",
		Subsystem: "audit",
		Name:      "sweeps_total",
		Help:      "Audit sweeps by result.",
	}, []string{"result"})

	auditRepairedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "middleman",
		Subsystem: "audit",
		Name:      "repaired_entries_total",
		Help:      "Transaction log entries appended by audit repair.",
	})

	auditGaps = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "middleman",
		Subsystem: "audit",
		Name:      "invariant_gaps",
		Help:      "Log/status invariant gaps found by the last sweep, by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(auditSweepsTotal, auditRepairedTotal, auditGaps)
}

// EscrowSource pages through escrow records, newest first.
type EscrowSource interface {
	List(ctx context.Context, afterID int64, limit int) ([]*escrow.Escrow, error)
}

// LogStore is the slice of the transaction log the sweep needs.
type LogStore interface {
	Append(ctx context.Context, e *txlog.Entry) error
	EscrowCounts(ctx context.Context) (map[int64]int, error)
}

// Report is the outcome of one sweep.
type Report struct {
	Scanned    int     `json:"scanned"`
	Missing    []int64 `json:"missing,omitempty"`
	Repaired   int     `json:"repaired"`
	Duplicates []int64 `json:"duplicates,omitempty"`
	Unexpected []int64 `json:"unexpected,omitempty"`
}

// Healthy reports whether the sweep found no gaps at all.
func (r *Report) Healthy() bool {
	return len(r.Missing) == 0 && len(r.Duplicates) == 0 && len(r.Unexpected) == 0
}

// Sweeper periodically checks the invariant and repairs what it can. Missing
// entries are appended from the escrow record; duplicates are only flagged,
// since the log itself is append-only.
type Sweeper struct {
	escrows  EscrowSource
	log      LogStore
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewSweeper creates an audit sweeper. interval is typically minutes in
// production; a non-positive value selects 10 minutes.
func NewSweeper(escrows EscrowSource, log LogStore, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{
		escrows:  escrows,
		log:      log,
		interval: interval,
		logger:   slog.Default(),
		stop:     make(chan struct{}),
	}
}

// WithLogger replaces the default logger.
func (s *Sweeper) WithLogger(l *slog.Logger) *Sweeper {
	if l != nil {
		s.logger = l
	}
	return s
}

// Start runs the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.run(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) run(ctx context.Context) {
	report, err := s.Sweep(ctx)
	if err != nil {
		auditSweepsTotal.WithLabelValues("error").Inc()
		s.logger.Warn("audit sweep failed", "error", err)
		return
	}

	auditSweepsTotal.WithLabelValues("ok").Inc()
	auditGaps.WithLabelValues("missing").Set(float64(len(report.Missing)))
	auditGaps.WithLabelValues("duplicate").Set(float64(len(report.Duplicates)))
	auditGaps.WithLabelValues("unexpected").Set(float64(len(report.Unexpected)))

	if report.Healthy() {
		s.logger.Debug("audit sweep clean", "scanned", report.Scanned)
		return
	}
	s.logger.Warn("audit sweep found gaps",
		"scanned", report.Scanned,
		"missing", report.Missing,
		"repaired", report.Repaired,
		"duplicates", report.Duplicates,
		"unexpected", report.Unexpected)
}

// Sweep checks every escrow once and returns what it found. Exported so the
// admin surface can trigger a sweep on demand.
func (s *Sweeper) Sweep(ctx context.Context) (*Report, error) {
	counts, err := s.log.EscrowCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting log entries: %w", err)
	}

	report := &Report{}
	afterID := int64(0)
	for report.Scanned < sweepScanLimit {
		page, err := s.escrows.List(ctx, afterID, sweepPageSize)
		if err != nil {
			return nil, fmt.Errorf("listing escrows: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for _, esc := range page {
			report.Scanned++
			s.check(ctx, esc, counts[esc.ID], report)
		}

		afterID = page[len(page)-1].ID
		if len(page) < sweepPageSize {
			break
		}
	}
	return report, nil
}

func (s *Sweeper) check(ctx context.Context, esc *escrow.Escrow, entries int, report *Report) {
	switch {
	case entries > 1:
		report.Duplicates = append(report.Duplicates, esc.ID)

	case entries == 1 && esc.Status == escrow.StatusInit:
		// An entry exists but the escrow never left INIT. Should be
		// impossible with the commit-then-append order; flag, don't touch.
		report.Unexpected = append(report.Unexpected, esc.ID)

	case entries == 0 && requiresEntry(esc.Status):
		report.Missing = append(report.Missing, esc.ID)
		if err := s.repair(ctx, esc); err != nil {
			s.logger.Warn("audit repair failed", "escrow", esc.ID, "error", err)
			return
		}
		report.Repaired++
		auditRepairedTotal.Inc()
	}
}

// requiresEntry reports whether the current status proves the escrow reached
// PAID. DISPUTE proves nothing either way.
func requiresEntry(st escrow.Status) bool {
	switch st {
	case escrow.StatusPaid, escrow.StatusConfirmed, escrow.StatusReceived,
		escrow.StatusPaymentProvided, escrow.StatusCompleted:
		return true
	default:
		return false
	}
}

func (s *Sweeper) repair(ctx context.Context, esc *escrow.Escrow) error {
	return s.log.Append(ctx, &txlog.Entry{
		EscrowID:       esc.ID,
		ConversationID: esc.ConversationID,
		BuyerHandle:    esc.BuyerHandle,
		SellerHandle:   esc.SellerHandle,
		Amount:         esc.Amount,
		Currency:       esc.Currency,
		RecordedAt:     time.Now().UTC(),
	})
}
