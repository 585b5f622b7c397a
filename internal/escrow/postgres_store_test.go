//go:build integration

package escrow

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate escrows table: %v", err)
	}

	cleanup := func() {
		db.ExecContext(ctx, "DELETE FROM escrows")
		db.Close()
	}
	return store, cleanup
}

func TestPostgresEscrow_CreateAndGet(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	e := &Escrow{
		ConversationID: 42,
		InitiatorID:    7,
		BuyerHandle:    "alice",
		SellerHandle:   "bob",
		Amount:         amt(t, "10.50"),
		Currency:       "USD",
		Status:         StatusInit,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if e.ID == 0 {
		t.Fatal("Expected Create to assign an id")
	}

	got, err := store.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ConversationID != 42 || got.InitiatorID != 7 {
		t.Errorf("Expected conversation 42 / initiator 7, got %d / %d", got.ConversationID, got.InitiatorID)
	}
	if got.BuyerHandle != "alice" || got.SellerHandle != "bob" {
		t.Errorf("Expected handles alice/bob, got %s/%s", got.BuyerHandle, got.SellerHandle)
	}
	if got.BuyerID != 0 || got.SellerID != 0 {
		t.Errorf("Expected party ids unset, got %d/%d", got.BuyerID, got.SellerID)
	}
	if !got.Amount.Equal(e.Amount) {
		t.Errorf("Expected amount %s, got %s", e.Amount, got.Amount)
	}
	if got.Status != StatusInit {
		t.Errorf("Expected status INIT, got %s", got.Status)
	}
	if got.PayoutInfo != "" {
		t.Errorf("Expected empty payout info, got %q", got.PayoutInfo)
	}
}

func TestPostgresEscrow_GetNotFound(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	if _, err := store.Get(context.Background(), 999999); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPostgresEscrow_ConversationScoping(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	e := seedEscrow(t, store, 7, "10", "USD", StatusInit)

	if _, err := store.GetInConversation(ctx, e.ID, 7); err != nil {
		t.Fatalf("GetInConversation failed: %v", err)
	}
	if _, err := store.GetInConversation(ctx, e.ID, 8); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for wrong conversation, got %v", err)
	}
}

func TestPostgresEscrow_CompareAndSetStatus(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	e := seedEscrow(t, store, 1, "10", "USD", StatusInit)

	swapped, err := store.CompareAndSetStatus(ctx, e.ID, StatusInit, StatusPaid)
	if err != nil {
		t.Fatalf("CompareAndSetStatus failed: %v", err)
	}
	if !swapped {
		t.Fatal("Expected first swap to win")
	}

	swapped, err = store.CompareAndSetStatus(ctx, e.ID, StatusInit, StatusPaid)
	if err != nil {
		t.Fatalf("CompareAndSetStatus failed: %v", err)
	}
	if swapped {
		t.Error("Expected second swap from INIT to lose")
	}
}

func TestPostgresEscrow_PayoutWrittenOnce(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	e := seedEscrow(t, store, 1, "10", "USD", StatusReceived)

	swapped, err := store.CompareAndSetPayout(ctx, e.ID, StatusReceived, StatusPaymentProvided, "CBE 1000123456789")
	if err != nil {
		t.Fatalf("CompareAndSetPayout failed: %v", err)
	}
	if !swapped {
		t.Fatal("Expected first payout write to win")
	}

	if err := store.SetStatus(ctx, e.ID, StatusReceived); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	swapped, err = store.CompareAndSetPayout(ctx, e.ID, StatusReceived, StatusPaymentProvided, "other")
	if err != nil {
		t.Fatalf("CompareAndSetPayout failed: %v", err)
	}
	if swapped {
		t.Error("Expected second payout write to lose")
	}

	got, _ := store.Get(ctx, e.ID)
	if got.PayoutInfo != "CBE 1000123456789" {
		t.Errorf("Expected original payout info kept, got %q", got.PayoutInfo)
	}
}

func TestPostgresEscrow_RecordPartyIDsOnce(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	e := seedEscrow(t, store, 1, "10", "USD", StatusInit)

	if err := store.RecordBuyerID(ctx, e.ID, 101); err != nil {
		t.Fatalf("RecordBuyerID failed: %v", err)
	}
	if err := store.RecordBuyerID(ctx, e.ID, 666); err != nil {
		t.Fatalf("RecordBuyerID failed: %v", err)
	}

	got, _ := store.Get(ctx, e.ID)
	if got.BuyerID != 101 {
		t.Errorf("Expected buyer id 101, got %d", got.BuyerID)
	}
}

func TestPostgresEscrow_ListPaging(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	var ids []int64
	for i := 0; i < 5; i++ {
		e := seedEscrow(t, store, int64(i%2), "10", "USD", StatusInit)
		ids = append(ids, e.ID)
	}

	page, err := store.List(ctx, 0, 3)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page) != 3 || page[0].ID != ids[4] {
		t.Fatalf("Expected 3 newest-first records starting at %d, got %d", ids[4], len(page))
	}

	page, err = store.List(ctx, page[2].ID, 3)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page) != 2 {
		t.Errorf("Expected 2 records on last page, got %d", len(page))
	}
}

func TestPostgresEscrow_VolumeByCurrency(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	seedEscrow(t, store, 1, "100.25", "USD", StatusPaid)
	seedEscrow(t, store, 1, "49.75", "USD", StatusCompleted)
	seedEscrow(t, store, 1, "3000", "ETB", StatusConfirmed)
	seedEscrow(t, store, 1, "999", "USD", StatusInit)
	seedEscrow(t, store, 1, "500", "USD", StatusDispute)

	totals, err := store.VolumeByCurrency(ctx, VolumeStatuses())
	if err != nil {
		t.Fatalf("VolumeByCurrency failed: %v", err)
	}
	if got := totals["USD"]; !got.Equal(amt(t, "150")) {
		t.Errorf("Expected USD total 150, got %s", got)
	}
	if got := totals["ETB"]; !got.Equal(amt(t, "3000")) {
		t.Errorf("Expected ETB total 3000, got %s", got)
	}
}
