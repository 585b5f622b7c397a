// Package directory resolves account ids to mention labels through the chat
// API. Resolution is pure decoration for rendered messages: every path is
// best-effort and a failed lookup degrades to an empty label, never an error.
package directory

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/middleman/internal/chat"
	"github.com/mbd888/middleman/internal/circuitbreaker"
	"github.com/mbd888/middleman/internal/syncutil"
)

// breakerKey is the one circuit for the chat API as a dependency. Per-account
// keys would never accumulate enough failures to trip.
const breakerKey = "chat_api"

const defaultTTL = 10 * time.Minute

// ChatAPI is the getChat slice of the bot API client.
type ChatAPI interface {
	GetChat(ctx context.Context, chatID int64) (*chat.Chat, error)
}

type entry struct {
	label   string
	fetched time.Time
}

// Directory caches label lookups with a TTL. Concurrent lookups for the same
// account share one API call through a per-key in-flight lock, and a circuit
// breaker stops hammering the API while it is down.
type Directory struct {
	api     ChatAPI
	ttl     time.Duration
	mu      sync.RWMutex
	entries map[int64]entry
	flight  *syncutil.ContextShardedMutex
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// New creates a directory. A non-positive ttl selects the default.
func New(api ChatAPI, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Directory{
		api:     api,
		ttl:     ttl,
		entries: make(map[int64]entry),
		flight:  syncutil.NewContextShardedMutex(),
		breaker: circuitbreaker.New(3, 30*time.Second),
		logger:  slog.Default(),
	}
}

// WithLogger replaces the default logger.
func (d *Directory) WithLogger(l *slog.Logger) *Directory {
	if l != nil {
		d.logger = l
	}
	return d
}

// Label resolves an account id to a mention label like "@sam". Returns ""
// when the lookup fails or the account has no resolvable name; callers pick
// their own fallback text.
func (d *Directory) Label(ctx context.Context, accountID int64) string {
	if label, ok := d.cached(accountID); ok {
		return label
	}

	unlock, err := d.flight.LockContext(ctx, strconv.FormatInt(accountID, 10))
	if err != nil {
		return ""
	}
	defer unlock()

	// Another caller may have filled the entry while we waited.
	if label, ok := d.cached(accountID); ok {
		return label
	}
	if !d.breaker.Allow(breakerKey) {
		return ""
	}

	c, err := d.api.GetChat(ctx, accountID)
	if err != nil {
		d.breaker.RecordFailure(breakerKey)
		d.logger.Debug("label lookup failed", "account", accountID, "error", err)
		return ""
	}
	d.breaker.RecordSuccess(breakerKey)

	label := c.Label()
	d.store(accountID, label)
	return label
}

var _ chat.AdminNamer = (*Directory)(nil)

func (d *Directory) cached(accountID int64) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[accountID]
	if !ok || time.Since(e.fetched) >= d.ttl {
		return "", false
	}
	return e.label, true
}

func (d *Directory) store(accountID int64, label string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[accountID] = entry{label: label, fetched: time.Now()}
}
