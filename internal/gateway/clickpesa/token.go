package clickpesa

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cargopay/internal/gateway"
)

// tokenSafetyMargin is subtracted from the provider's token lifetime so
// a cached token is never presented within ten minutes of expiry.
const tokenSafetyMargin = 10 * time.Minute

// TokenProvider exchanges the client-id/api-key pair for a short-lived
// bearer token and caches it for the provider lifetime minus a safety
// margin. Invalidate forces a fresh exchange on the next call; callers
// that hit a stale-token rejection invalidate and retry exactly once.
type TokenProvider struct {
	baseURL    string
	clientID   string
	apiKey     string
	lifetime   time.Duration
	httpClient *http.Client
	cache      *gateway.TokenCache
	logger     *slog.Logger
}

// NewTokenProvider creates a token provider backed by the shared cache.
func NewTokenProvider(cfg Config, cache *gateway.TokenCache, logger *slog.Logger) *TokenProvider {
	return &TokenProvider{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		clientID:   cfg.ClientID,
		apiKey:     cfg.APIKey,
		lifetime:   cfg.TokenLifetime,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cache:      cache,
		logger:     logger,
	}
}

type tokenResponse struct {
	Success *bool  `json:"success"`
	Token   string `json:"token"`
	Message string `json:"message"`
}

// Token returns a bearer token, serving from cache when possible.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	if tok, ok := p.cache.Get(Name); ok {
		return tok, nil
	}

	tok, err := p.exchange(ctx)
	if err != nil {
		return "", err
	}

	ttl := p.lifetime - tokenSafetyMargin
	if ttl <= 0 {
		ttl = p.lifetime
	}
	p.cache.Set(Name, tok, ttl)
	return tok, nil
}

// Invalidate drops the cached token so the next Token call re-exchanges.
func (p *TokenProvider) Invalidate() {
	p.cache.Invalidate(Name)
}

func (p *TokenProvider) exchange(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/third-parties/generate-token", nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("client-id", p.clientID)
	req.Header.Set("api-key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", &gateway.AuthError{Gateway: Name, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &gateway.AuthError{Gateway: Name, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.Warn("token exchange rejected", "gateway", Name, "status", resp.StatusCode)
		return "", &gateway.AuthError{Gateway: Name, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", &gateway.AuthError{Gateway: Name, Body: string(body), Err: err}
	}
	if tr.Success == nil || !*tr.Success || tr.Token == "" {
		return "", &gateway.AuthError{Gateway: Name, Body: string(body)}
	}

	// Some environments return the token already prefixed.
	return strings.TrimPrefix(tr.Token, "Bearer "), nil
}
