// Package redis provides a Redis-backed implementation of the kv.Store
// interface. Keys are laid out as "namespace:key" inside a single logical
// database, which keeps ListKeys a bounded SCAN over one prefix.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"costwatch-go/internal/config"
)

// Store implements kv.Store using Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new Redis-backed store and verifies connectivity.
func NewStore(cfg *config.RedisConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Store{client: client}, nil
}

func storeKey(namespace, key string) string {
	return namespace + ":" + key
}

// Get retrieves the value for a key. Returns nil, nil if the key is absent.
func (s *Store) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, storeKey(namespace, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get %s/%s: %w", namespace, key, err)
	}
	return data, nil
}

// Set stores or overwrites the value for a key. Entries carry no Redis-level
// expiry: lifetime is governed by the callers (cache envelopes expire by
// payload timestamp, retention cleanup deletes billing keys explicitly).
func (s *Store) Set(ctx context.Context, namespace, key string, value []byte) error {
	if err := s.client.Set(ctx, storeKey(namespace, key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	if err := s.client.Del(ctx, storeKey(namespace, key)).Err(); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// ListKeys returns every key in the namespace, sorted ascending.
func (s *Store) ListKeys(ctx context.Context, namespace string) ([]string, error) {
	prefix := namespace + ":"
	keys := make([]string, 0)

	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan namespace %s: %w", namespace, err)
	}

	sort.Strings(keys)
	return keys, nil
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
