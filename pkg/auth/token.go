// Package auth caches platform access tokens.
//
// A TokenCache holds at most one token per platform and refreshes it on
// demand. The whole check-fetch-store sequence runs under the cache mutex, so
// concurrent callers at expiry produce exactly one network fetch.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/tinyland-inc/imbridge/pkg/logger"
)

// AccessToken is a cached token and the instant after which it must not be
// returned.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token may still be handed out at now.
func (t *AccessToken) Valid(now time.Time) bool {
	return t != nil && t.Value != "" && now.Before(t.ExpiresAt)
}

// FetchFunc retrieves a fresh token from the platform. ttl is the caching
// window after any safety buffer has been subtracted.
type FetchFunc func(ctx context.Context) (value string, ttl time.Duration, err error)

// AuthError is returned when a token endpoint answers with a non-success
// status code.
type AuthError struct {
	Platform string
	Code     int
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s gettoken failed: %s (%d)", e.Platform, e.Message, e.Code)
}

type TokenCache struct {
	platform string
	fetch    FetchFunc
	now      func() time.Time

	mu    sync.Mutex
	token *AccessToken
}

// Option configures a TokenCache.
type Option func(*TokenCache)

// WithClock overrides the time source. Tests use it to move past expiry.
func WithClock(now func() time.Time) Option {
	return func(c *TokenCache) { c.now = now }
}

func NewTokenCache(platform string, fetch FetchFunc, opts ...Option) *TokenCache {
	c := &TokenCache{
		platform: platform,
		fetch:    fetch,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the cached token, fetching a new one when it has expired.
// Fetch errors are returned as-is and leave the previous state untouched.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token.Valid(c.now()) {
		return c.token.Value, nil
	}

	value, ttl, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	if value == "" {
		return "", &AuthError{Platform: c.platform, Message: "no access_token in response"}
	}

	c.token = &AccessToken{Value: value, ExpiresAt: c.now().Add(ttl)}

	logger.DebugCF("auth", "Access token refreshed", map[string]any{
		"platform":   c.platform,
		"expires_at": c.token.ExpiresAt.Format(time.RFC3339),
	})

	return value, nil
}

// Cached returns a copy of the currently stored token without refreshing it.
func (c *TokenCache) Cached() (AccessToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil {
		return AccessToken{}, false
	}
	return *c.token, true
}

// Invalidate drops the cached token so the next Token call refetches.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = nil
}

// TokenSource adapts the cache to oauth2.TokenSource so it can drive an
// oauth2.Transport that sets "Authorization: Bearer <token>".
func (c *TokenCache) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &cacheTokenSource{ctx: ctx, cache: c}
}

type cacheTokenSource struct {
	ctx   context.Context
	cache *TokenCache
}

func (s *cacheTokenSource) Token() (*oauth2.Token, error) {
	value, err := s.cache.Token(s.ctx)
	if err != nil {
		return nil, err
	}
	tok := &oauth2.Token{AccessToken: value, TokenType: "Bearer"}
	if cached, ok := s.cache.Cached(); ok {
		tok.Expiry = cached.ExpiresAt
	}
	return tok, nil
}
