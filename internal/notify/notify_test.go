package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegram_SendsMessage(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegram("token", "chat-42", nil)
	n.endpoint = srv.URL

	require.NoError(t, n.Notify(context.Background(), "<b>standings</b> fetch failed"))
	assert.Equal(t, "chat-42", got["chat_id"])
	assert.Equal(t, "<b>standings</b> fetch failed", got["text"])
	assert.Equal(t, "HTML", got["parse_mode"])
}

func TestTelegram_APIErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	n := NewTelegram("bad-token", "chat", nil)
	n.endpoint = srv.URL

	err := n.Notify(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestNop_AlwaysSucceeds(t *testing.T) {
	assert.NoError(t, Nop{}.Notify(context.Background(), "anything"))
}
