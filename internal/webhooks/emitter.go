package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/middleman/internal/escrow"
	"github.com/mbd888/middleman/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "middleman",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "middleman",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter adapts a Dispatcher to the lifecycle engine's EventEmitter hook.
// All calls are fire-and-forget: errors are logged but never returned, and
// a nil Emitter is safe to call.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// EscrowEvent forwards a lifecycle event to all matching subscriptions.
func (e *Emitter) EscrowEvent(event string, esc *escrow.Escrow) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(event).Inc()
	evt := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      event,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"id":             esc.ID,
			"conversationId": esc.ConversationID,
			"buyer":          esc.BuyerHandle,
			"seller":         esc.SellerHandle,
			"amount":         esc.Amount.String(),
			"currency":       esc.Currency,
			"status":         esc.Status.String(),
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.Dispatch(ctx, evt); err != nil {
		webhookEmitErrors.WithLabelValues(event).Inc()
		e.logger.Warn("webhook emit failed", "event", event, "escrow", esc.ID, "error", err)
	}
}

var _ escrow.EventEmitter = (*Emitter)(nil)
