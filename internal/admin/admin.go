// Package admin provides the operator oversight surface: settled-volume
// totals, desk-wide stats, transaction log browsing, on-demand audit sweeps,
// and realtime feed counters. Mounted behind operator auth.
package admin

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/mbd888/middleman/internal/audit"
	"github.com/mbd888/middleman/internal/escrow"
	"github.com/mbd888/middleman/internal/txlog"
)

// VolumeSource reports settled volume by currency.
type VolumeSource interface {
	Volume(ctx context.Context) (map[string]decimal.Decimal, error)
}

// StatsSource computes aggregate desk metrics.
type StatsSource interface {
	DeskStats(ctx context.Context) (*escrow.Stats, error)
}

// LogBrowser pages through the transaction log.
type LogBrowser interface {
	List(ctx context.Context, afterID int64, limit int) ([]*txlog.Entry, error)
	ListByEscrow(ctx context.Context, escrowID int64) ([]*txlog.Entry, error)
}

// AuditRunner runs one reconciliation sweep on demand.
type AuditRunner interface {
	Sweep(ctx context.Context) (*audit.Report, error)
}

// FeedStats reports websocket feed counters.
type FeedStats interface {
	Stats() map[string]interface{}
}
