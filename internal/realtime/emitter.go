package realtime

import (
	"time"

	"github.com/mbd888/middleman/internal/escrow"
	"github.com/mbd888/middleman/internal/watcher"
)

// Emitter bridges engine events and watcher observations onto the hub.
type Emitter struct {
	hub *Hub
}

// NewEmitter creates an emitter that broadcasts through the given hub.
func NewEmitter(hub *Hub) *Emitter {
	return &Emitter{hub: hub}
}

// EscrowEvent pushes a lifecycle event to subscribers.
func (e *Emitter) EscrowEvent(event string, esc *escrow.Escrow) {
	e.hub.Broadcast(&Event{
		Type:      EventType(event),
		Timestamp: time.Now(),
		Data:      escrowPayload(esc),
	})
}

// TransferObserved pushes a chain observation to subscribers.
func (e *Emitter) TransferObserved(obs watcher.Observation) {
	e.hub.Broadcast(&Event{
		Type:      EventChainTransfer,
		Timestamp: time.Now(),
		Data:      obs,
	})
}

func escrowPayload(esc *escrow.Escrow) map[string]interface{} {
	return map[string]interface{}{
		"id":             esc.ID,
		"conversationId": esc.ConversationID,
		"buyer":          esc.BuyerHandle,
		"seller":         esc.SellerHandle,
		"amount":         esc.Amount.String(),
		"currency":       esc.Currency,
		"status":         esc.Status.String(),
	}
}

var (
	_ escrow.EventEmitter = (*Emitter)(nil)
	_ watcher.Sink        = (*Emitter)(nil)
)
