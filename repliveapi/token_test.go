package repliveapi

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestTokenStoreNotReady(t *testing.T) {
	ts := NewTokenStore("refresh", func(ctx context.Context, rt string) (string, time.Time, error) {
		return "tok", time.Now().Add(time.Hour), nil
	})
	if _, err := ts.Get(); !errors.Is(err, ErrNotReady) {
		t.Errorf("Get before refresh = %v, want ErrNotReady", err)
	}
	if d := ts.TimeUntilExpiry(); d != 0 {
		t.Errorf("TimeUntilExpiry before refresh = %v, want 0", d)
	}
}

func TestTokenStoreRefresh(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	ts := NewTokenStore("refresh", func(ctx context.Context, rt string) (string, time.Time, error) {
		if rt != "refresh" {
			t.Errorf("exchange called with %q, want refresh", rt)
		}
		return "tok1", exp, nil
	})
	if err := ts.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	tok, err := ts.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tok != "tok1" {
		t.Errorf("Get = %q, want tok1", tok)
	}
	if d := ts.TimeUntilExpiry(); d <= 50*time.Minute {
		t.Errorf("TimeUntilExpiry = %v, want ~1h", d)
	}
}

func TestTokenStoreRefreshFailureKeepsOldToken(t *testing.T) {
	calls := 0
	ts := NewTokenStore("refresh", func(ctx context.Context, rt string) (string, time.Time, error) {
		calls++
		if calls == 1 {
			return "tok1", time.Now().Add(time.Hour), nil
		}
		return "", time.Time{}, &APIError{Kind: KindTransient, Op: "refresh"}
	})
	if err := ts.Refresh(context.Background()); err != nil {
		t.Fatalf("first Refresh: %v", err)
	}
	if err := ts.Refresh(context.Background()); err == nil {
		t.Fatal("second Refresh should fail")
	}
	tok, err := ts.Get()
	if err != nil || tok != "tok1" {
		t.Errorf("Get after failed refresh = %q, %v; want tok1 intact", tok, err)
	}
}

// Refresh is idempotent on success: a second refresh before the first result
// expires never leaves the store in a state where Get fails.
func TestTokenStoreRefreshIdempotent(t *testing.T) {
	n := 0
	ts := NewTokenStore("refresh", func(ctx context.Context, rt string) (string, time.Time, error) {
		n++
		return "tok", time.Now().Add(time.Hour), nil
	})
	for i := 0; i < 2; i++ {
		if err := ts.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh %d: %v", i, err)
		}
		if _, err := ts.Get(); err != nil {
			t.Fatalf("Get after refresh %d: %v", i, err)
		}
	}
	if n != 2 {
		t.Errorf("exchange calls = %d, want 2", n)
	}
}

func TestTokenStoreConcurrentReaders(t *testing.T) {
	ts := NewTokenStore("refresh", func(ctx context.Context, rt string) (string, time.Time, error) {
		return "tok", time.Now().Add(time.Hour), nil
	})
	if err := ts.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if tok, err := ts.Get(); err != nil || tok == "" {
					t.Errorf("Get = %q, %v", tok, err)
					return
				}
				_ = ts.TimeUntilExpiry()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 20; j++ {
			_ = ts.Refresh(context.Background())
		}
	}()
	wg.Wait()
}
