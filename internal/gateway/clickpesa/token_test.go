package clickpesa

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cargopay/internal/gateway"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tokenConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		ClientID:       "client-1",
		APIKey:         "key-1",
		ChecksumSecret: "secret-1",
		TokenLifetime:  time.Hour,
		Timeout:        5 * time.Second,
	}
}

func TestTokenProviderCachesToken(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "client-1", r.Header.Get("client-id"))
		assert.Equal(t, "key-1", r.Header.Get("api-key"))
		w.Write([]byte(`{"success":true,"token":"tok-1"}`))
	}))
	defer srv.Close()

	p := NewTokenProvider(tokenConfig(srv.URL), gateway.NewTokenCache(), discardLogger())

	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	tok, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, int64(1), calls.Load())
}

func TestTokenProviderExpiryWithSafetyMargin(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"success":true,"token":"tok-1"}`))
	}))
	defer srv.Close()

	now := time.Unix(1700000000, 0)
	cache := gateway.NewTokenCacheWithClock(func() time.Time { return now })
	p := NewTokenProvider(tokenConfig(srv.URL), cache, discardLogger())

	_, err := p.Token(context.Background())
	require.NoError(t, err)

	// Within lifetime minus margin: still cached.
	now = now.Add(49 * time.Minute)
	_, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())

	// Past the margin boundary: re-exchange.
	now = now.Add(2 * time.Minute)
	_, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestTokenProviderInvalidate(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"success":true,"token":"tok-1"}`))
	}))
	defer srv.Close()

	p := NewTokenProvider(tokenConfig(srv.URL), gateway.NewTokenCache(), discardLogger())

	_, err := p.Token(context.Background())
	require.NoError(t, err)

	p.Invalidate()

	_, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestTokenProviderRejections(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"http error", http.StatusUnauthorized, `{"message":"invalid credentials"}`},
		{"success false", http.StatusOK, `{"success":false,"message":"disabled"}`},
		{"missing token", http.StatusOK, `{"success":true}`},
		{"missing success flag", http.StatusOK, `{"token":"tok-1"}`},
		{"not json", http.StatusOK, `<html>gateway timeout</html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := NewTokenProvider(tokenConfig(srv.URL), gateway.NewTokenCache(), discardLogger())

			_, err := p.Token(context.Background())
			require.Error(t, err)
			assert.True(t, gateway.IsAuthError(err))

			var ae *gateway.AuthError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tt.body, ae.Body)
		})
	}
}

func TestTokenProviderStripsBearerPrefix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"token":"Bearer tok-1"}`))
	}))
	defer srv.Close()

	p := NewTokenProvider(tokenConfig(srv.URL), gateway.NewTokenCache(), discardLogger())

	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
}
