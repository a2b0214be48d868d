package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func countingFetch(calls *atomic.Int32, ttl time.Duration) FetchFunc {
	return func(context.Context) (string, time.Duration, error) {
		n := calls.Add(1)
		return "token-" + string(rune('0'+n)), ttl, nil
	}
}

func TestTokenCache_ReusesTokenInsideWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var calls atomic.Int32
	cache := NewTokenCache("dingtalk", countingFetch(&calls, time.Hour), WithClock(clock.Now))

	first, err := cache.Token(context.Background())
	require.NoError(t, err)

	clock.Advance(59 * time.Minute)
	for range 5 {
		tok, err := cache.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, first, tok)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestTokenCache_RefetchesAtExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var calls atomic.Int32
	cache := NewTokenCache("wecom", countingFetch(&calls, time.Hour), WithClock(clock.Now))

	first, err := cache.Token(context.Background())
	require.NoError(t, err)

	// now == expires_at is already expired
	clock.Advance(time.Hour)
	second, err := cache.Token(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenCache_ConcurrentCallersAtExpiryFetchOnce(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (string, time.Duration, error) {
		calls.Add(1)
		<-release
		return "fresh", time.Hour, nil
	}
	cache := NewTokenCache("dingtalk", fetch, WithClock(clock.Now))

	const workers = 32
	var wg sync.WaitGroup
	results := make([]string, workers)
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = cache.Token(context.Background())
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := range workers {
		require.NoError(t, errs[i])
		assert.Equal(t, "fresh", results[i])
	}
}

func TestTokenCache_FetchErrorIsNotCached(t *testing.T) {
	var calls atomic.Int32
	fetch := func(context.Context) (string, time.Duration, error) {
		if calls.Add(1) == 1 {
			return "", 0, &AuthError{Platform: "wecom", Code: 40013, Message: "invalid corpid"}
		}
		return "ok", time.Hour, nil
	}
	cache := NewTokenCache("wecom", fetch)

	_, err := cache.Token(context.Background())
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, 40013, authErr.Code)
	assert.Contains(t, err.Error(), "invalid corpid")

	tok, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", tok)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenCache_EmptyTokenIsAuthError(t *testing.T) {
	cache := NewTokenCache("dingtalk", func(context.Context) (string, time.Duration, error) {
		return "", time.Hour, nil
	})

	_, err := cache.Token(context.Background())
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
	_, ok := cache.Cached()
	assert.False(t, ok)
}

func TestTokenCache_Invalidate(t *testing.T) {
	var calls atomic.Int32
	cache := NewTokenCache("dingtalk", countingFetch(&calls, time.Hour))

	_, err := cache.Token(context.Background())
	require.NoError(t, err)
	cache.Invalidate()
	_, err = cache.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenSource_SetsBearerHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	cache := NewTokenCache("dingtalk", func(context.Context) (string, time.Duration, error) {
		return "abc123", time.Hour, nil
	})
	client := &http.Client{Transport: &oauth2.Transport{Source: cache.TokenSource(context.Background())}}

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer abc123", gotAuth)
}
