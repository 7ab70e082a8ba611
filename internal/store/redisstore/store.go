package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const contextPrefix = "dispatch:ctx:"

// Store mirrors the in-process context cache into Redis so that context
// survives restarts and is shared between dispatch nodes.
type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return NewWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func contextKey(key string) string {
	return contextPrefix + key
}

func (s *Store) SaveContext(ctx context.Context, key string, value map[string]any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, contextKey(key), b, ttl).Err()
}

// LoadContext returns the mirrored context for key; ok is false when the key
// is absent or expired.
func (s *Store) LoadContext(ctx context.Context, key string) (map[string]any, bool, error) {
	b, err := s.rdb.Get(ctx, contextKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, false, err
	}
	return out, true, nil
}
