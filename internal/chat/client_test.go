package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_SendMessage(t *testing.T) {
	var gotPath string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "TESTTOKEN")
	err := client.SendMessage(context.Background(), -100555, "*Escrow #1 opened*")

	require.NoError(t, err)
	assert.Equal(t, "/botTESTTOKEN/sendMessage", gotPath)
	assert.Equal(t, float64(-100555), gotBody["chat_id"])
	assert.Equal(t, "*Escrow #1 opened*", gotBody["text"])
	assert.Equal(t, "Markdown", gotBody["parse_mode"])
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "TESTTOKEN").WithRetry(3, time.Millisecond)
	err := client.SendMessage(context.Background(), 1, "hi")

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "TESTTOKEN").WithRetry(3, time.Millisecond)
	require.NoError(t, client.SendMessage(context.Background(), 1, "hi"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_APIRejectionIsPermanent(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "TESTTOKEN").WithRetry(3, time.Millisecond)
	err := client.SendMessage(context.Background(), 404, "hi")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
	assert.Equal(t, int32(1), calls.Load(), "api rejections are not retried")
}

func TestClient_GetChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTESTTOKEN/getChat", r.URL.Path)
		w.Write([]byte(`{"ok":true,"result":{"id":9001,"type":"private","username":"sam","first_name":"Sam"}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "TESTTOKEN")
	chat, err := client.GetChat(context.Background(), 9001)

	require.NoError(t, err)
	assert.Equal(t, int64(9001), chat.ID)
	assert.Equal(t, "@sam", chat.Label())
}

func TestClient_DefaultBaseURL(t *testing.T) {
	client := NewClient("", "TOKEN")
	assert.Equal(t, DefaultAPIURL+"/botTOKEN", client.baseURL)
}
