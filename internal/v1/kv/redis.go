// Package kv wraps the shared Redis store used for presence records, the
// tier-2 cache, and rate limiting. All operations go through a circuit
// breaker so a failing Redis degrades the server instead of crashing it;
// a nil *Store means single-instance mode and every call becomes a no-op.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/logging"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// DefaultOpTimeout bounds a single KV round trip.
const DefaultOpTimeout = 5 * time.Second

// ErrNotFound reports a missing key on typed reads.
var ErrNotFound = redis.Nil

// Store handles all interaction with the Redis cluster.
type Store struct {
	client    *redis.Client
	cb        *gobreaker.CircuitBreaker
	opTimeout time.Duration
}

// Client returns the underlying Redis client (nil in single-instance mode).
func (s *Store) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewStore connects to Redis and verifies connectivity before returning.
func NewStore(addr, password string, opTimeout time.Duration) (*Store, error) {
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	logging.Info(context.Background(), "Connected to Redis", zap.String("addr", addr))
	return &Store{
		client:    rdb,
		cb:        gobreaker.NewCircuitBreaker(st),
		opTimeout: opTimeout,
	}, nil
}

// NewStoreFromClient wraps an existing client. Used by tests with miniredis.
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{
		client:    client,
		cb:        gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "redis"}),
		opTimeout: DefaultOpTimeout,
	}
}

// execute runs op through the circuit breaker with the store's timeout.
func (s *Store) execute(ctx context.Context, op func(ctx context.Context) (any, error)) (any, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	res, err := s.cb.Execute(func() (any, error) {
		return op(opCtx)
	})
	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
	}
	return res, err
}

// SetJSON marshals value and stores it under key with the given TTL
// (ttl <= 0 means no expiry).
func (s *Store) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.execute(ctx, func(ctx context.Context) (any, error) {
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal value for %s: %w", key, err)
		}
		return nil, s.client.Set(ctx, key, data, ttl).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			logging.Warn(ctx, "Redis circuit breaker open: dropping write", zap.String("key", key))
			return nil // Graceful degradation
		}
		logging.Error(ctx, "Redis SetJSON failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// GetJSON reads key into dest. Returns false when the key is absent or the
// breaker is open.
func (s *Store) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if s == nil || s.client == nil {
		return false, nil
	}

	res, err := s.execute(ctx, func(ctx context.Context) (any, error) {
		return s.client.Get(ctx, key).Bytes()
	})

	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		if err == gobreaker.ErrOpenState {
			logging.Warn(ctx, "Redis circuit breaker open: treating key as absent", zap.String("key", key))
			return false, nil
		}
		logging.Error(ctx, "Redis GetJSON failed", zap.String("key", key), zap.Error(err))
		return false, fmt.Errorf("kv get %s: %w", key, err)
	}

	if err := json.Unmarshal(res.([]byte), dest); err != nil {
		return false, fmt.Errorf("kv decode %s: %w", key, err)
	}
	return true, nil
}

// Delete removes keys. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if s == nil || s.client == nil || len(keys) == 0 {
		return nil
	}

	_, err := s.execute(ctx, func(ctx context.Context) (any, error) {
		return nil, s.client.Del(ctx, keys...).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			logging.Warn(ctx, "Redis circuit breaker open: skipping delete", zap.Strings("keys", keys))
			return nil
		}
		logging.Error(ctx, "Redis Delete failed", zap.Strings("keys", keys), zap.Error(err))
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// ScanKeys returns all keys matching pattern using incremental SCAN, never
// the blocking KEYS command.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.execute(ctx, func(ctx context.Context) (any, error) {
		var keys []string
		iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		return keys, iter.Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			logging.Warn(ctx, "Redis circuit breaker open: returning no keys", zap.String("pattern", pattern))
			return nil, nil
		}
		logging.Error(ctx, "Redis ScanKeys failed", zap.String("pattern", pattern), zap.Error(err))
		return nil, fmt.Errorf("kv scan %s: %w", pattern, err)
	}
	return res.([]string), nil
}

// SetAdd adds a member to a Redis set. Used for cache tag indexes.
func (s *Store) SetAdd(ctx context.Context, key string, members ...string) error {
	if s == nil || s.client == nil || len(members) == 0 {
		return nil
	}

	_, err := s.execute(ctx, func(ctx context.Context) (any, error) {
		args := make([]any, len(members))
		for i, m := range members {
			args[i] = m
		}
		return nil, s.client.SAdd(ctx, key, args...).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			logging.Warn(ctx, "Redis circuit breaker open: skipping SetAdd", zap.String("key", key))
			return nil
		}
		logging.Error(ctx, "Redis SetAdd failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("kv sadd %s: %w", key, err)
	}
	return nil
}

// SetRem removes a member from a Redis set.
func (s *Store) SetRem(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.execute(ctx, func(ctx context.Context) (any, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			logging.Warn(ctx, "Redis circuit breaker open: skipping SetRem", zap.String("key", key))
			return nil
		}
		logging.Error(ctx, "Redis SetRem failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("kv srem %s: %w", key, err)
	}
	return nil
}

// SetMembers retrieves all members of a Redis set.
func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.execute(ctx, func(ctx context.Context) (any, error) {
		return s.client.SMembers(ctx, key).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			logging.Warn(ctx, "Redis circuit breaker open: returning empty set", zap.String("key", key))
			return nil, nil
		}
		logging.Error(ctx, "Redis SetMembers failed", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("kv smembers %s: %w", key, err)
	}
	return res.([]string), nil
}

// Ping checks Redis connectivity. Used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.execute(ctx, func(ctx context.Context) (any, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close shuts down the Redis connection pool.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
