package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisKey = "portfolio:sessions"

// RedisRepository keeps the snapshot as one JSON value under key.
type RedisRepository struct {
	client *redis.Client
	key    string
	owned  bool
}

func NewRedisRepository(addr, password string, db int, key string) *RedisRepository {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	r := NewRedisRepositoryWithClient(client, key)
	r.owned = true
	return r
}

func NewRedisRepositoryWithClient(client *redis.Client, key string) *RedisRepository {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisRepository{client: client, key: key}
}

func (r *RedisRepository) Save(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisRepository) Load(ctx context.Context) (Snapshot, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{Version: snapshotVersion}, nil
		}
		return Snapshot{}, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	return decodeSnapshot(data)
}

func (r *RedisRepository) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
