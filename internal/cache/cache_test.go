package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/miradorstack/anomaly-hub/internal/config"
	"github.com/miradorstack/anomaly-hub/internal/utils"
)

func TestMemoryProviderExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewMemoryProvider()
	p.now = func() time.Time { return now }

	if err := p.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := p.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("expected hit, got %q %v", got, err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := p.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after expiry, got %v", err)
	}
}

func TestMemoryProviderCopiesValues(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()
	value := []byte("abc")
	_ = p.Set(ctx, "k", value, 0)
	value[0] = 'z'

	got, _ := p.Get(ctx, "k")
	if string(got) != "abc" {
		t.Fatalf("stored value mutated: %q", got)
	}
	_ = p.Del(ctx, "k")
	if _, err := p.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after delete")
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()
	type payload struct {
		Count int `json:"count"`
	}
	if err := SetJSON(ctx, p, "agg", payload{Count: 3}, time.Minute); err != nil {
		t.Fatalf("set json: %v", err)
	}
	var out payload
	if err := GetJSON(ctx, p, "agg", &out); err != nil {
		t.Fatalf("get json: %v", err)
	}
	if out.Count != 3 {
		t.Fatalf("unexpected payload %+v", out)
	}
	if err := GetJSON(ctx, NoopProvider{}, "agg", &out); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss from noop provider")
	}
}

func TestNewFallsBackWhenValkeyUnreachable(t *testing.T) {
	cfg := config.CacheConfig{Enabled: true, Memory: true, Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond}
	p := New(context.Background(), cfg, utils.DiscardLogger())
	if _, ok := p.(*MemoryProvider); !ok {
		t.Fatalf("expected memory provider fallback, got %T", p)
	}
	if _, ok := New(context.Background(), config.CacheConfig{}, nil).(NoopProvider); !ok {
		t.Fatalf("expected noop provider when disabled")
	}
}
