package advisorcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

type fakeClient struct {
	store map[string]string
	err   error
}

func newFakeClient() *fakeClient {
	return &fakeClient{store: make(map[string]string)}
}

func (f *fakeClient) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.store[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeClient) Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.store[key] = value.(string)
	return redis.NewStatusResult("OK", nil)
}

func TestSetThenGetRoundTrips(t *testing.T) {
	c := NewWithClient(newFakeClient(), time.Minute)

	c.Set(context.Background(), "hash1", 4096)
	got, ok := c.Get(context.Background(), "hash1")
	if !ok {
		t.Fatal("expected a cache hit after Set")
	}
	if got != 4096 {
		t.Fatalf("got = %d, want 4096", got)
	}
}

func TestGetMissReturnsFalse(t *testing.T) {
	c := NewWithClient(newFakeClient(), time.Minute)

	_, ok := c.Get(context.Background(), "unknown")
	if ok {
		t.Fatal("expected a cache miss for an unknown key")
	}
}

func TestGetDegradesToMissOnError(t *testing.T) {
	fc := newFakeClient()
	fc.err = errors.New("connection refused")
	c := NewWithClient(fc, time.Minute)

	_, ok := c.Get(context.Background(), "hash1")
	if ok {
		t.Fatal("expected a miss when the underlying client errors")
	}
}
