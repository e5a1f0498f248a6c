package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})

	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})
	return NewRedisStoreFromClient(client), server
}

func TestRedisStore_Record(t *testing.T) {
	store, server := newTestRedisStore(t)
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)

	tests := []struct {
		at        time.Duration
		wantCount int64
		wantReset time.Duration
	}{
		{0, 1, 5 * time.Second},
		{time.Second, 2, 5 * time.Second},
		{2 * time.Second, 3, 6 * time.Second},
		{5 * time.Second, 3, 7 * time.Second},
		{11 * time.Second, 1, 16 * time.Second},
	}
	for _, tt := range tests {
		hit, err := store.Record(ctx, "rl:c", t0.Add(tt.at), 5*time.Second, 2)
		if err != nil {
			t.Fatalf("Record(+%v) error = %v", tt.at, err)
		}
		if hit.Count != tt.wantCount {
			t.Errorf("Record(+%v) count = %d, want %d", tt.at, hit.Count, tt.wantCount)
		}
		if want := t0.Add(tt.wantReset); !hit.Reset.Equal(want) {
			t.Errorf("Record(+%v) reset = +%v, want +%v", tt.at, hit.Reset.Sub(t0), tt.wantReset)
		}
	}

	ttl := server.TTL("rl:c")
	if ttl <= 0 || ttl > 6*time.Second {
		t.Errorf("TTL = %v, want within (0, 6s]", ttl)
	}
}

func TestRedisStore_AcrossFixedWindowEdge(t *testing.T) {
	store, _ := newTestRedisStore(t)
	clock := &fakeClock{now: windowStart.Add(4900 * time.Millisecond)}
	l := newTestLimiter(t, store, clock)
	ctx := context.Background()

	allowed := 0
	for _, adv := range []time.Duration{0, 10 * time.Millisecond, 2690 * time.Millisecond, 10 * time.Millisecond} {
		clock.Advance(adv)
		d, err := l.Check(ctx, "203.0.113.7")
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if d.Success {
			allowed++
		}
	}
	if allowed != DefaultLimit {
		t.Errorf("allowed %d of 4 checks within 2.71s, want %d", allowed, DefaultLimit)
	}
}

func TestRedisStore_SlidingWindowBoundary(t *testing.T) {
	store, _ := newTestRedisStore(t)
	clock := &fakeClock{now: windowStart}
	l := newTestLimiter(t, store, clock)
	ctx := context.Background()

	want := []bool{true, true, false}
	for i, w := range want {
		d, err := l.Check(ctx, "203.0.113.7")
		if err != nil {
			t.Fatalf("Check() #%d error = %v", i+1, err)
		}
		if d.Success != w {
			t.Errorf("Check() #%d success = %v, want %v", i+1, d.Success, w)
		}
	}
}

func TestRedisStore_ConcurrentRecords(t *testing.T) {
	store, server := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	var maxSeen atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hit, err := store.Record(ctx, "rl:shared", now, time.Minute, 2)
			if err != nil {
				t.Errorf("Record() error = %v", err)
				return
			}
			for {
				m := maxSeen.Load()
				if hit.Count <= m || maxSeen.CompareAndSwap(m, hit.Count) {
					break
				}
			}
		}()
	}
	wg.Wait()

	members, err := server.ZMembers("rl:shared")
	if err != nil {
		t.Fatalf("miniredis ZMembers() error = %v", err)
	}
	if len(members) != 50 || maxSeen.Load() != 50 {
		t.Errorf("logged = %d (max seen %d), want 50", len(members), maxSeen.Load())
	}
}

func TestRedisStore_Ping(t *testing.T) {
	store, server := newTestRedisStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	server.Close()
	if err := store.Ping(context.Background()); err == nil {
		t.Error("Ping() expected error after server closed")
	}
}
