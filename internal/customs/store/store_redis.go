package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	dErrors "customs/pkg/domain-errors"
)

// keyNamespace keeps customs keys apart from anything else living in the
// same Redis instance.
const keyNamespace = "customs:"

// RedisStore implements Store on top of go-redis. All calls inherit the
// client's short read/write timeouts; this service sits in the synchronous
// critical path of authentication flows and must never hang a caller.
type RedisStore struct {
	client redis.Cmdable
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, keyNamespace+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, dErrors.Wrap(err, dErrors.CodeUnavailable, "cache get failed")
	}
	return value, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, keyNamespace+key, value, ttl).Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "cache set failed")
	}
	return nil
}
