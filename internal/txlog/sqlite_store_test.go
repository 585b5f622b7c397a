package txlog

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/middleman/internal/testutil"
)

func sqliteLog(t *testing.T) *SQLiteStore {
	t.Helper()
	store := NewSQLiteStore(testutil.SQLiteTest(t))
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return store
}

func TestSQLiteStore_AppendRoundTrip(t *testing.T) {
	store := sqliteLog(t)
	ctx := context.Background()

	amount, _ := decimal.NewFromString("1234.56789999")
	now := time.Now().UTC().Truncate(time.Millisecond)
	e := &Entry{
		EscrowID:       42,
		ConversationID: 555,
		BuyerHandle:    "alice",
		SellerHandle:   "bob",
		Amount:         amount,
		Currency:       "ETB",
		RecordedAt:     now,
	}
	if err := store.Append(ctx, e); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if e.ID == 0 {
		t.Fatal("Expected Append to assign an id")
	}

	got, err := store.ListByEscrow(ctx, 42)
	if err != nil {
		t.Fatalf("ListByEscrow failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(got))
	}
	if !got[0].Amount.Equal(amount) {
		t.Errorf("Expected amount %s back exactly, got %s", amount, got[0].Amount)
	}
	if got[0].Currency != "ETB" {
		t.Errorf("Expected currency ETB, got %s", got[0].Currency)
	}
	if !got[0].RecordedAt.Equal(now) {
		t.Errorf("Expected recorded-at %v, got %v", now, got[0].RecordedAt)
	}
}

func TestSQLiteStore_ListAndCounts(t *testing.T) {
	store := sqliteLog(t)
	ctx := context.Background()

	for _, escrowID := range []int64{1, 1, 2, 3} {
		amount, _ := decimal.NewFromString("10")
		err := store.Append(ctx, &Entry{
			EscrowID:       escrowID,
			ConversationID: 555,
			BuyerHandle:    "alice",
			SellerHandle:   "bob",
			Amount:         amount,
			RecordedAt:     time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	page, err := store.List(ctx, 0, 3)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page) != 3 || page[0].ID != 4 {
		t.Fatalf("Expected 3 newest-first entries starting at id 4, got %d", len(page))
	}

	page, err = store.List(ctx, page[2].ID, 3)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page) != 1 || page[0].ID != 1 {
		t.Errorf("Expected final entry id 1, got %d entries", len(page))
	}

	counts, err := store.EscrowCounts(ctx)
	if err != nil {
		t.Fatalf("EscrowCounts failed: %v", err)
	}
	if counts[1] != 2 || counts[2] != 1 || counts[3] != 1 {
		t.Errorf("Expected counts {1:2, 2:1, 3:1}, got %v", counts)
	}
}
