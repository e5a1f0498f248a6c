package ratelimit

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Hit is the state of a key's rolling window right after one event was recorded.
type Hit struct {
	// Count is the number of events in (now-window, now], this one included.
	Count int64
	// Reset is when the window next has room for an event under the limit.
	Reset time.Time
}

// Store keeps a log of event times per key. Record atomically drops events at or
// before now-window, adds one at now and reports the result.
type Store interface {
	Record(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Hit, error)
}

// Pinger is implemented by stores backed by a remote server. Used for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// InMemoryStore implements Store with a mutex-guarded map of sorted timestamps.
// Idle logs are dropped by Sweep.
type InMemoryStore struct {
	mu   sync.Mutex
	data map[string]*hitLog
	now  func() time.Time
}

type hitLog struct {
	stamps    []int64 // unix micros, ascending
	expiresAt time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		data: make(map[string]*hitLog),
		now:  time.Now,
	}
}

// Record implements Store.
func (s *InMemoryStore) Record(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Hit, error) {
	if err := ctx.Err(); err != nil {
		return Hit{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.data[key]
	if !ok {
		l = &hitLog{}
		s.data[key] = l
	}
	l.stamps = slideLog(l.stamps, now.Add(-window).UnixMicro(), now.UnixMicro())
	if last := time.UnixMicro(l.stamps[len(l.stamps)-1]).Add(window); last.After(l.expiresAt) {
		l.expiresAt = last
	}
	return hitFromLog(l.stamps, window, limit), nil
}

// Sweep removes logs whose newest event has left its window. Returns the number removed.
func (s *InMemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, l := range s.data {
		if !now.Before(l.expiresAt) {
			delete(s.data, k)
			n++
		}
	}
	return n
}

// StartJanitor sweeps idle logs every interval until ctx is done.
func (s *InMemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Sweep()
			}
		}
	}()
}

// slideLog drops stamps at or before cutoff and inserts at, keeping stamps sorted.
func slideLog(stamps []int64, cutoff, at int64) []int64 {
	i := sort.Search(len(stamps), func(i int) bool { return stamps[i] > cutoff })
	stamps = append(stamps[:0], stamps[i:]...)
	j, _ := slices.BinarySearch(stamps, at)
	return slices.Insert(stamps, j, at)
}

// hitFromLog reports a slid log. Once the log holds limit or more events, room for the
// next one opens when stamps[n-limit] leaves the window.
func hitFromLog(stamps []int64, window time.Duration, limit int) Hit {
	n := len(stamps)
	edge := 0
	if limit > 0 && n >= limit {
		edge = n - limit
	}
	return Hit{
		Count: int64(n),
		Reset: time.UnixMicro(stamps[edge]).Add(window),
	}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}
