package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/middleman/internal/escrow"
)

type sentMessage struct {
	ChatID int64
	Text   string
}

// sendRecorder captures outbound messages in place of the API client.
type sendRecorder struct {
	mu    sync.Mutex
	sends []sentMessage
}

func (s *sendRecorder) SendMessage(_ context.Context, chatID int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, sentMessage{ChatID: chatID, Text: text})
	return nil
}

func (s *sendRecorder) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = nil
}

func (s *sendRecorder) all() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sends...)
}

// toChat returns the texts sent to one chat id.
func (s *sendRecorder) toChat(chatID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var texts []string
	for _, m := range s.sends {
		if m.ChatID == chatID {
			texts = append(texts, m.Text)
		}
	}
	return texts
}

const groupID int64 = -100555

var (
	buyerAlice   = &User{ID: 101, Username: "alice", FirstName: "Alice"}
	sellerBob    = &User{ID: 202, Username: "bob", FirstName: "Bob"}
	deskAdmin    = &User{ID: 9001, Username: "desk_admin"}
	randomUser   = &User{ID: 666, Username: "mallory"}
	botColleague = &User{ID: 777, Username: "other_bot", IsBot: true}
)

func groupUpdate(from *User, text string) *Update {
	return &Update{UpdateID: 1, Message: &Message{
		MessageID: 10,
		From:      from,
		Chat:      &Chat{ID: groupID, Type: ChatTypeSupergroup, Title: "Desk Trades"},
		Text:      text,
	}}
}

func privateUpdate(from *User, text string) *Update {
	return &Update{UpdateID: 2, Message: &Message{
		MessageID: 11,
		From:      from,
		Chat:      &Chat{ID: from.ID, Type: ChatTypePrivate},
		Text:      text,
	}}
}

func testRouter(t *testing.T) (*Router, *sendRecorder, *escrow.Service) {
	t.Helper()
	cfg := deskConfig()
	engine := escrow.NewService(escrow.NewMemoryStore(), cfg)
	rec := &sendRecorder{}
	router := NewRouter(engine, NewRenderer(cfg, nil), rec, "MiddlemanDeskBot")
	return router, rec, engine
}

func TestRouter_OpenEscrow(t *testing.T) {
	router, rec, engine := testRouter(t)

	router.HandleUpdate(context.Background(), groupUpdate(buyerAlice, "/escrow @alice @bob $100"))

	sends := rec.all()
	require.Len(t, sends, 1)
	assert.Equal(t, groupID, sends[0].ChatID)
	assert.Contains(t, sends[0].Text, "*Escrow #1 opened*")
	assert.Contains(t, sends[0].Text, "USDT (Polygon)")
	assert.Contains(t, sends[0].Text, "/paid 1")

	esc, err := engine.Summarize(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusInit, esc.Status)
	assert.Equal(t, "USD", esc.Currency)
}

func TestRouter_OpenRequiresGroup(t *testing.T) {
	router, rec, engine := testRouter(t)

	router.HandleUpdate(context.Background(), privateUpdate(buyerAlice, "/escrow @alice @bob $100"))

	sends := rec.all()
	require.Len(t, sends, 1)
	assert.Equal(t, replyGroupOnly, sends[0].Text)

	_, err := engine.Summarize(context.Background(), 1)
	assert.True(t, errors.Is(err, escrow.ErrNotFound), "nothing was created")
}

func TestRouter_OpenUsage(t *testing.T) {
	router, rec, _ := testRouter(t)
	ctx := context.Background()

	for _, text := range []string{
		"/escrow",
		"/escrow @alice @bob",
		"/escrow @alice @bob junk",
		"/escrow @alice @bob $100 extra",
	} {
		rec.reset()
		router.HandleUpdate(ctx, groupUpdate(buyerAlice, text))
		sends := rec.all()
		require.Len(t, sends, 1, "text %q", text)
		assert.Contains(t, sends[0].Text, "Usage: /escrow", "text %q", text)
	}
}

func TestRouter_FullLifecycle(t *testing.T) {
	router, rec, engine := testRouter(t)
	ctx := context.Background()

	router.HandleUpdate(ctx, groupUpdate(randomUser, "/escrow @alice @bob 2500ETB"))
	require.Len(t, rec.all(), 1)

	// Buyer reports payment: one group message, one private ack.
	rec.reset()
	router.HandleUpdate(ctx, groupUpdate(buyerAlice, "/paid 1"))
	sends := rec.all()
	require.Len(t, sends, 2)
	assert.Equal(t, groupID, sends[0].ChatID)
	assert.Contains(t, sends[0].Text, "@alice reported sending 2500 ETB")
	assert.Equal(t, buyerAlice.ID, sends[1].ChatID)
	assert.Contains(t, sends[1].Text, "an admin will confirm")

	rec.reset()
	router.HandleUpdate(ctx, groupUpdate(deskAdmin, "/confirm 1"))
	sends = rec.all()
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0].Text, "desk confirmed receiving")

	rec.reset()
	router.HandleUpdate(ctx, groupUpdate(buyerAlice, "/received 1"))
	sends = rec.all()
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0].Text, "@alice confirmed receipt")

	rec.reset()
	router.HandleUpdate(ctx, groupUpdate(sellerBob, "/payment 1 telebirr 0911 22 33 44"))
	sends = rec.all()
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0].Text, "`telebirr 0911 22 33 44`")

	rec.reset()
	router.HandleUpdate(ctx, groupUpdate(deskAdmin, "/completed 1"))
	sends = rec.all()
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0].Text, "Escrow #1 completed")

	esc, err := engine.Summarize(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCompleted, esc.Status)
	assert.Equal(t, "telebirr 0911 22 33 44", esc.PayoutInfo)
}

func TestRouter_Status(t *testing.T) {
	router, rec, _ := testRouter(t)
	ctx := context.Background()

	router.HandleUpdate(ctx, groupUpdate(buyerAlice, "/escrow @alice @bob $100"))

	rec.reset()
	router.HandleUpdate(ctx, privateUpdate(randomUser, "/status 1"))
	sends := rec.all()
	require.Len(t, sends, 1)
	assert.Equal(t, randomUser.ID, sends[0].ChatID)
	assert.Contains(t, sends[0].Text, "Status: INIT")

	rec.reset()
	router.HandleUpdate(ctx, privateUpdate(randomUser, "/status 99"))
	sends = rec.all()
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0].Text, "Escrow not found")
}

func TestRouter_WrongActorRejected(t *testing.T) {
	router, rec, _ := testRouter(t)
	ctx := context.Background()

	router.HandleUpdate(ctx, groupUpdate(buyerAlice, "/escrow @alice @bob $100"))
	router.HandleUpdate(ctx, groupUpdate(buyerAlice, "/paid 1"))

	rec.reset()
	router.HandleUpdate(ctx, groupUpdate(buyerAlice, "/confirm 1"))
	sends := rec.all()
	require.Len(t, sends, 1)
	assert.Equal(t, "Not allowed: only admins can confirm payments.", sends[0].Text)
}

func TestRouter_OutOfOrderRejected(t *testing.T) {
	router, rec, _ := testRouter(t)
	ctx := context.Background()

	router.HandleUpdate(ctx, groupUpdate(buyerAlice, "/escrow @alice @bob $100"))

	rec.reset()
	router.HandleUpdate(ctx, groupUpdate(deskAdmin, "/completed 1"))
	sends := rec.all()
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0].Text, "Not now:")
	assert.Contains(t, sends[0].Text, "INIT")
}

func TestRouter_ConfirmRequiresGroup(t *testing.T) {
	router, rec, _ := testRouter(t)
	ctx := context.Background()

	router.HandleUpdate(ctx, groupUpdate(buyerAlice, "/escrow @alice @bob $100"))
	router.HandleUpdate(ctx, groupUpdate(buyerAlice, "/paid 1"))

	rec.reset()
	router.HandleUpdate(ctx, privateUpdate(deskAdmin, "/confirm 1"))
	sends := rec.all()
	require.Len(t, sends, 1)
	assert.Equal(t, replyGroupOnly, sends[0].Text)
}

func TestRouter_Dispute(t *testing.T) {
	router, rec, _ := testRouter(t)
	ctx := context.Background()

	router.HandleUpdate(ctx, groupUpdate(buyerAlice, "/escrow @alice @bob $100"))

	// Raised from a private chat: the replies go to the trade's group and
	// the admins, never the raiser's chat.
	rec.reset()
	router.HandleUpdate(ctx, privateUpdate(randomUser, "/dispute 1"))

	group := rec.toChat(groupID)
	require.Len(t, group, 1)
	assert.Contains(t, group[0], "under dispute")
	assert.Contains(t, group[0], "@desk_arbiter")

	for _, adminID := range []int64{9001, 9002} {
		alerts := rec.toChat(adminID)
		require.Len(t, alerts, 1, "admin %d", adminID)
		assert.Contains(t, alerts[0], "@mallory")
	}
	assert.Empty(t, rec.toChat(randomUser.ID))
	assert.Len(t, rec.all(), 3)
}

func TestRouter_CapOwnerOnly(t *testing.T) {
	router, rec, _ := testRouter(t)
	ctx := context.Background()

	router.HandleUpdate(ctx, groupUpdate(buyerAlice, "/escrow @alice @bob $100"))
	router.HandleUpdate(ctx, groupUpdate(buyerAlice, "/paid 1"))

	rec.reset()
	router.HandleUpdate(ctx, privateUpdate(randomUser, "/cap"))
	assert.Empty(t, rec.all(), "non-owner gets no reply at all")

	router.HandleUpdate(ctx, privateUpdate(deskAdmin, "/cap"))
	sends := rec.all()
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0].Text, "*Desk volume*")
	assert.Contains(t, sends[0].Text, "100 USD")
}

func TestRouter_PayoutUsage(t *testing.T) {
	router, rec, _ := testRouter(t)
	ctx := context.Background()

	router.HandleUpdate(ctx, groupUpdate(buyerAlice, "/escrow @alice @bob $100"))

	rec.reset()
	router.HandleUpdate(ctx, groupUpdate(sellerBob, "/payment 1"))
	sends := rec.all()
	require.Len(t, sends, 1)
	assert.Equal(t, usagePayment, sends[0].Text)
}

func TestRouter_HashPrefixedID(t *testing.T) {
	router, rec, engine := testRouter(t)
	ctx := context.Background()

	router.HandleUpdate(ctx, groupUpdate(buyerAlice, "/escrow @alice @bob $100"))
	rec.reset()
	router.HandleUpdate(ctx, groupUpdate(buyerAlice, "/paid #1"))

	esc, err := engine.Summarize(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusPaid, esc.Status)
}

func TestRouter_AddressedCommand(t *testing.T) {
	router, rec, engine := testRouter(t)
	ctx := context.Background()

	router.HandleUpdate(ctx, groupUpdate(buyerAlice, "/escrow@MiddlemanDeskBot @alice @bob $100"))
	esc, err := engine.Summarize(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusInit, esc.Status)

	// Addressed to some other bot: not ours, fully ignored.
	rec.reset()
	router.HandleUpdate(ctx, groupUpdate(buyerAlice, "/paid@OtherBot 1"))
	assert.Empty(t, rec.all())
}

func TestRouter_IgnoresNoise(t *testing.T) {
	router, rec, _ := testRouter(t)
	ctx := context.Background()

	router.HandleUpdate(ctx, &Update{UpdateID: 5})
	router.HandleUpdate(ctx, groupUpdate(buyerAlice, "what's the rate today?"))
	router.HandleUpdate(ctx, groupUpdate(botColleague, "/escrow @a @b $5"))
	router.HandleUpdate(ctx, groupUpdate(buyerAlice, "/frobnicate 1"))

	assert.Empty(t, rec.all())
}
