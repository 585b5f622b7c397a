package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/middleman/internal/chat"
)

type fakeAPI struct {
	mu    sync.Mutex
	calls int
	chats map[int64]*chat.Chat
	err   error
}

func (f *fakeAPI) GetChat(_ context.Context, chatID int64) (*chat.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.chats[chatID]
	if !ok {
		return nil, errors.New("chat not found")
	}
	return c, nil
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestDirectory_ResolvesAndCaches(t *testing.T) {
	api := &fakeAPI{chats: map[int64]*chat.Chat{
		9001: {ID: 9001, Type: chat.ChatTypePrivate, Username: "sam"},
	}}
	dir := New(api, time.Minute)
	ctx := context.Background()

	if got := dir.Label(ctx, 9001); got != "@sam" {
		t.Fatalf("Label = %q, want @sam", got)
	}
	if got := dir.Label(ctx, 9001); got != "@sam" {
		t.Fatalf("second Label = %q, want @sam", got)
	}
	if api.callCount() != 1 {
		t.Errorf("api calls = %d, want 1 (second lookup served from cache)", api.callCount())
	}
}

func TestDirectory_TTLExpiry(t *testing.T) {
	api := &fakeAPI{chats: map[int64]*chat.Chat{
		9001: {ID: 9001, FirstName: "Sam"},
	}}
	dir := New(api, 10*time.Millisecond)
	ctx := context.Background()

	if got := dir.Label(ctx, 9001); got != "Sam" {
		t.Fatalf("Label = %q, want Sam", got)
	}
	time.Sleep(25 * time.Millisecond)
	dir.Label(ctx, 9001)

	if api.callCount() != 2 {
		t.Errorf("api calls = %d, want 2 (entry expired)", api.callCount())
	}
}

func TestDirectory_FailureReturnsEmpty(t *testing.T) {
	api := &fakeAPI{err: errors.New("gateway down")}
	dir := New(api, time.Minute)

	if got := dir.Label(context.Background(), 9001); got != "" {
		t.Fatalf("Label = %q, want empty on failure", got)
	}
	if api.callCount() != 1 {
		t.Errorf("api calls = %d, want 1", api.callCount())
	}
}

func TestDirectory_BreakerStopsRepeatedFailures(t *testing.T) {
	api := &fakeAPI{err: errors.New("gateway down")}
	dir := New(api, time.Minute)
	ctx := context.Background()

	// Three consecutive failures trip the circuit.
	for i := 0; i < 3; i++ {
		dir.Label(ctx, 9001)
	}
	if api.callCount() != 3 {
		t.Fatalf("api calls = %d, want 3", api.callCount())
	}

	// Further lookups are short-circuited without touching the API.
	for i := 0; i < 5; i++ {
		if got := dir.Label(ctx, 9001); got != "" {
			t.Fatalf("Label = %q, want empty while open", got)
		}
	}
	if api.callCount() != 3 {
		t.Errorf("api calls = %d after breaker opened, want 3", api.callCount())
	}
}

func TestDirectory_CachesUnresolvableNames(t *testing.T) {
	// A chat with no username or first name resolves to "", and that result
	// is cached like any other.
	api := &fakeAPI{chats: map[int64]*chat.Chat{
		9001: {ID: 9001},
	}}
	dir := New(api, time.Minute)
	ctx := context.Background()

	if got := dir.Label(ctx, 9001); got != "" {
		t.Fatalf("Label = %q, want empty", got)
	}
	dir.Label(ctx, 9001)
	if api.callCount() != 1 {
		t.Errorf("api calls = %d, want 1 (empty result cached)", api.callCount())
	}
}

func TestDirectory_SharesInFlightLookup(t *testing.T) {
	api := &fakeAPI{chats: map[int64]*chat.Chat{
		9001: {ID: 9001, Username: "sam"},
	}}
	dir := New(api, time.Minute)

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = dir.Label(context.Background(), 9001)
		}(i)
	}
	wg.Wait()

	for i, got := range results {
		if got != "@sam" {
			t.Errorf("goroutine %d: Label = %q, want @sam", i, got)
		}
	}
	if api.callCount() != 1 {
		t.Errorf("api calls = %d, want 1 (in-flight lookups share one fetch)", api.callCount())
	}
}
