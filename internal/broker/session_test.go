package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchangeToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/session/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "key1", r.Form.Get("api_key"))
		assert.Equal(t, "req1", r.Form.Get("request_token"))

		sum := sha256.Sum256([]byte("key1" + "req1" + "sec1"))
		assert.Equal(t, hex.EncodeToString(sum[:]), r.Form.Get("checksum"))

		w.Write([]byte(`{"data":{"access_token":"tok-abc"}}`))
	}))
	defer srv.Close()

	token, err := NewSessionExchanger(srv.URL).ExchangeToken(context.Background(), "key1", "req1", "sec1")
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", token)
}

func TestExchangeTokenMissingAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	_, err := NewSessionExchanger(srv.URL).ExchangeToken(context.Background(), "k", "r", "s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing access token")
}

func TestExchangeTokenNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewSessionExchanger(srv.URL).ExchangeToken(context.Background(), "k", "r", "s")
	assert.Error(t, err)
}
