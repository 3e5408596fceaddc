package repliveapi

import (
	"context"
	"sync"
	"time"
)

// ExchangeFunc swaps the long-lived refresh token for a fresh access token and
// its absolute expiry. Client.RefreshAccessToken satisfies this.
type ExchangeFunc func(ctx context.Context, refreshToken string) (string, time.Time, error)

// TokenStore holds the current access token for authorized Replive calls.
// The refresh token is immutable and supplied at construction; the access
// token and expiry are replaced atomically on each successful refresh. It is
// the single owner of the credential: nothing else mutates it, and concurrent
// readers never observe a half-written token/expiry pair.
type TokenStore struct {
	refreshToken string
	exchange     ExchangeFunc

	mu          sync.RWMutex
	accessToken string
	expiresAt   time.Time
}

// NewTokenStore returns a store that has not yet performed an exchange.
// Get fails with ErrNotReady until the first successful Refresh.
func NewTokenStore(refreshToken string, exchange ExchangeFunc) *TokenStore {
	return &TokenStore{refreshToken: refreshToken, exchange: exchange}
}

// Get returns the current access token. It does not refresh; the monitor
// schedules refreshes proactively ahead of expiry.
func (ts *TokenStore) Get() (string, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if ts.accessToken == "" {
		return "", ErrNotReady
	}
	return ts.accessToken, nil
}

// Refresh performs the exchange and replaces the stored token on success.
// On failure the previous token (if any) stays in place until its own expiry;
// the caller decides whether repeated failures are fatal. Safe for concurrent
// use; the mutex is held across the exchange so overlapping refreshes cannot
// interleave their writes.
func (ts *TokenStore) Refresh(ctx context.Context) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	tok, exp, err := ts.exchange(ctx, ts.refreshToken)
	if err != nil {
		return err
	}
	ts.accessToken = tok
	ts.expiresAt = exp
	return nil
}

// TimeUntilExpiry returns the remaining lifetime of the current token, or
// zero when no exchange has succeeded yet (always due for refresh).
func (ts *TokenStore) TimeUntilExpiry() time.Duration {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if ts.accessToken == "" {
		return 0
	}
	d := time.Until(ts.expiresAt)
	if d < 0 {
		return 0
	}
	return d
}

// ExpiresAt returns the current token's expiry instant (zero before the first
// successful exchange). Used by the status endpoint.
func (ts *TokenStore) ExpiresAt() time.Time {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.expiresAt
}
