package ratelimit

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TLS      bool
	Timeout  time.Duration
}

// RedisStore implements Store on Redis with one sorted set per key, scored by unix
// micros. Trim, add, count and expiry run in one MULTI/EXEC transaction.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials Redis and verifies it with a PING.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	ro := &redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		PoolTimeout:  timeout,
		MaxRetries:   1,
	}
	if opts.TLS {
		ro.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(ro)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client. The caller keeps ownership.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Record implements Store.
func (s *RedisStore) Record(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Hit, error) {
	at := now.UnixMicro()
	cutoff := now.Add(-window).UnixMicro()
	member := strconv.FormatInt(at, 10) + "-" + uuid.NewString()
	if limit < 1 {
		limit = 1
	}

	var card *redis.IntCmd
	var edge, oldest *redis.ZSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(at), Member: member})
		card = pipe.ZCard(ctx, key)
		edge = pipe.ZRangeWithScores(ctx, key, int64(-limit), int64(-limit))
		oldest = pipe.ZRangeWithScores(ctx, key, 0, 0)
		pipe.PExpire(ctx, key, window+time.Second)
		return nil
	})
	if err != nil {
		return Hit{}, fmt.Errorf("redis record: %w", err)
	}

	ref := edge.Val()
	if len(ref) == 0 {
		ref = oldest.Val()
	}
	resetFrom := at
	if len(ref) > 0 {
		resetFrom = int64(ref[0].Score)
	}
	return Hit{
		Count: card.Val(),
		Reset: time.UnixMicro(resetFrom).Add(window),
	}, nil
}

// Ping implements Pinger.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the connection pool. Call during shutdown.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
