package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// ErrContended is returned when a memcached log could not be updated within the
// compare-and-swap retry budget.
var ErrContended = errors.New("memcached: log update contended")

const (
	maxMemcacheKey = 250
	casRetries     = 16
)

// MemcachedStore implements Store on memcached. Each key holds its timestamp log as a
// comma-separated list updated with gets/cas, so concurrent checks never lose an event.
type MemcachedStore struct {
	client *memcache.Client
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211") and must resolve. timeout and
// maxIdleConns fall back to package defaults when zero.
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedStore, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	var ss memcache.ServerList
	if err := ss.SetServers(servers...); err != nil {
		return nil, fmt.Errorf("memcached servers %q: %w", addrs, err)
	}
	client := memcache.NewFromSelector(&ss)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedStore{client: client}, nil
}

// Record implements Store.
func (s *MemcachedStore) Record(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Hit, error) {
	k := memcacheKey(key)
	at := now.UnixMicro()
	cutoff := now.Add(-window).UnixMicro()
	exp := expirationSeconds(window + time.Second)

	for attempt := 0; attempt < casRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Hit{}, err
		}

		item, err := s.client.Get(k)
		if errors.Is(err, memcache.ErrCacheMiss) {
			stamps := []int64{at}
			err = s.client.Add(&memcache.Item{Key: k, Value: encodeStamps(stamps), Expiration: exp})
			if err == nil {
				return hitFromLog(stamps, window, limit), nil
			}
			if errors.Is(err, memcache.ErrNotStored) {
				continue
			}
			return Hit{}, fmt.Errorf("memcached add: %w", err)
		}
		if err != nil {
			return Hit{}, fmt.Errorf("memcached get: %w", err)
		}

		stamps, err := decodeStamps(item.Value)
		if err != nil {
			return Hit{}, err
		}
		stamps = slideLog(stamps, cutoff, at)
		item.Value = encodeStamps(stamps)
		item.Expiration = exp

		err = s.client.CompareAndSwap(item)
		if err == nil {
			return hitFromLog(stamps, window, limit), nil
		}
		if errors.Is(err, memcache.ErrCASConflict) || errors.Is(err, memcache.ErrNotStored) {
			continue
		}
		return Hit{}, fmt.Errorf("memcached cas: %w", err)
	}
	return Hit{}, ErrContended
}

// Ping implements Pinger.
func (s *MemcachedStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (s *MemcachedStore) Close() error {
	return s.client.Close()
}

func encodeStamps(stamps []int64) []byte {
	b := make([]byte, 0, len(stamps)*17)
	for i, st := range stamps {
		if i > 0 {
			b = append(b, ',')
		}
		b = strconv.AppendInt(b, st, 10)
	}
	return b
}

func decodeStamps(v []byte) ([]int64, error) {
	raw := strings.TrimSpace(string(v))
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts)+1)
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("memcached parse log: %w", err)
		}
		out = append(out, n)
	}
	return out, nil
}

// memcacheKey replaces characters memcached rejects (spaces, control chars). Keys
// longer than memcached allows keep a readable head and end with a sha256 of the
// whole key, so distinct keys stay distinct.
func memcacheKey(k string) string {
	clean := strings.Map(func(r rune) rune {
		if r <= ' ' || r == 0x7f {
			return '_'
		}
		return r
	}, k)
	if len(clean) <= maxMemcacheKey {
		return clean
	}
	sum := sha256.Sum256([]byte(k))
	digest := hex.EncodeToString(sum[:])
	return clean[:maxMemcacheKey-len(digest)-1] + ":" + digest
}

func expirationSeconds(ttl time.Duration) int32 {
	sec := int32(math.Ceil(ttl.Seconds()))
	const maxRelativeExp = 30 * 24 * 60 * 60
	if sec <= 0 || sec > maxRelativeExp {
		sec = 60
	}
	return sec
}
