package auth

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestGenerateKey(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "Ops dashboard")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	// Check raw key format
	if !strings.HasPrefix(rawKey, "ok_") {
		t.Errorf("Expected raw key to start with ok_, got %s", rawKey[:10])
	}
	if len(rawKey) != 67 { // "ok_" + 64 hex chars
		t.Errorf("Expected raw key length 67, got %d", len(rawKey))
	}

	// Check key metadata
	if !strings.HasPrefix(key.ID, "key_") {
		t.Errorf("Expected key ID to start with key_, got %s", key.ID)
	}
	if key.Label != "Ops dashboard" {
		t.Errorf("Expected label 'Ops dashboard', got %s", key.Label)
	}
}

func TestValidateKey(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	// Generate a key
	rawKey, _, err := mgr.GenerateKey(ctx, "Primary")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	// Validate with correct key
	key, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Errorf("ValidateKey failed for valid key: %v", err)
	}
	if key.Label != "Primary" {
		t.Errorf("Expected label Primary, got %s", key.Label)
	}

	// Validate with Bearer prefix
	_, err = mgr.ValidateKey(ctx, "Bearer "+rawKey)
	if err != nil {
		t.Errorf("ValidateKey failed with Bearer prefix: %v", err)
	}

	// Validate with wrong key
	_, err = mgr.ValidateKey(ctx, "ok_wrongkey12345678901234567890123456789012345678901234567890")
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for wrong key, got: %v", err)
	}

	// Validate with empty key
	_, err = mgr.ValidateKey(ctx, "")
	if err != ErrNoAPIKey {
		t.Errorf("Expected ErrNoAPIKey for empty key, got: %v", err)
	}

	// Validate with malformed key
	_, err = mgr.ValidateKey(ctx, "not_a_valid_key")
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for malformed key, got: %v", err)
	}
}

func TestValidateKey_Expired(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, "Short lived")

	past := time.Now().Add(-time.Hour)
	key.ExpiresAt = &past
	store.Update(ctx, key)

	_, err := mgr.ValidateKey(ctx, rawKey)
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for expired key, got: %v", err)
	}
}

func TestBootstrap(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	raw := "ok_0123456789abcdef0123456789abcdef"

	key, err := mgr.Bootstrap(ctx, raw)
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if key.Label != "bootstrap" {
		t.Errorf("Expected label bootstrap, got %s", key.Label)
	}

	// Seeded key validates
	got, err := mgr.ValidateKey(ctx, raw)
	if err != nil {
		t.Fatalf("ValidateKey failed for bootstrapped key: %v", err)
	}
	if got.ID != key.ID {
		t.Errorf("Expected key ID %s, got %s", key.ID, got.ID)
	}

	// Idempotent: second call returns the same record
	again, err := mgr.Bootstrap(ctx, raw)
	if err != nil {
		t.Fatalf("Second Bootstrap failed: %v", err)
	}
	if again.ID != key.ID {
		t.Errorf("Expected same key ID on repeat bootstrap, got %s", again.ID)
	}

	keys, _ := mgr.ListKeys(ctx)
	if len(keys) != 1 {
		t.Errorf("Expected 1 key after repeat bootstrap, got %d", len(keys))
	}
}

func TestBootstrap_RejectsBadKeys(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	if _, err := mgr.Bootstrap(ctx, "sk_0123456789abcdef0123456789abcdef"); err == nil {
		t.Error("Expected error for wrong prefix")
	}
	if _, err := mgr.Bootstrap(ctx, "ok_tooshort"); err == nil {
		t.Error("Expected error for short key")
	}
}

func TestListKeys(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	mgr.GenerateKey(ctx, "Key 1")
	mgr.GenerateKey(ctx, "Key 2")
	mgr.GenerateKey(ctx, "Key 3")

	keys, err := mgr.ListKeys(ctx)
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 3 {
		t.Errorf("Expected 3 keys, got %d", len(keys))
	}
}

func TestRevokeKey(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, "To revoke")

	// Validate before revoke
	_, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Errorf("Key should be valid before revoke")
	}

	// Revoke
	err = mgr.RevokeKey(ctx, key.ID)
	if err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}

	// Validate after revoke - should fail
	_, err = mgr.ValidateKey(ctx, rawKey)
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey after revoke, got: %v", err)
	}
}

func TestRevokeKey_Unknown(t *testing.T) {
	mgr := NewManager(NewMemoryStore())

	err := mgr.RevokeKey(context.Background(), "key_doesnotexist")
	if err != ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound, got: %v", err)
	}
}

func TestKeyHashNotExposed(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, _, _ := mgr.GenerateKey(ctx, "Test")

	// Get key via ValidateKey
	key, _ := mgr.ValidateKey(ctx, rawKey)

	// Hash should not equal raw key
	if key.Hash == rawKey {
		t.Error("Hash should not equal raw key")
	}

	// Hash should be set
	if key.Hash == "" {
		t.Error("Hash should be set")
	}
}
