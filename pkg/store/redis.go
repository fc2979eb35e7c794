package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mfactory-lab/multisig/pkg/address"
)

// maxRedisAttempts bounds optimistic retries when a watched key changes
// between read and commit.
const maxRedisAttempts = 16

// RedisStore implements Store on Redis with optimistic transactions:
// every key read inside Update is WATCHed, writes are buffered and
// applied in one MULTI/EXEC. A concurrent write to any watched key aborts
// EXEC and the whole callback is retried against fresh data.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store backed by Redis.
func NewRedisStore(addr, password string, db int, prefix string) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(rdb, prefix)
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "multisig"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(k address.Address) string {
	return fmt.Sprintf("%s:%s", s.prefix, k.String())
}

func getBytes(ctx context.Context, cmd interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}, key string) ([]byte, error) {
	b, err := cmd.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return b, nil
}

// View implements Store. Reads are not isolated from concurrent writers.
func (s *RedisStore) View(ctx context.Context, fn func(Reader) error) error {
	return fn(readerFunc(func(ctx context.Context, k address.Address) ([]byte, error) {
		return getBytes(ctx, s.client, s.key(k))
	}))
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, fn func(Tx) error) error {
	for attempt := 0; attempt < maxRedisAttempts; attempt++ {
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			o := newOverlay(func(ctx context.Context, k address.Address) ([]byte, error) {
				key := s.key(k)
				if err := rtx.Watch(ctx, key).Err(); err != nil {
					return nil, fmt.Errorf("redis watch: %w", err)
				}
				return getBytes(ctx, rtx, key)
			})
			if err := fn(o); err != nil {
				return err
			}
			if o.empty() {
				return nil
			}
			_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for k := range o.deleted {
					pipe.Del(ctx, s.key(k))
				}
				for k, v := range o.writes {
					pipe.Set(ctx, s.key(k), v, 0)
				}
				return nil
			})
			return err
		})
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
