package directory

import (
	"context"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"github.com/pixperk/peerlock/pkg/types"
)

const DefaultRedisKey = "peerlock:directory"

// directory kept in a single Redis hash, field = name, value = address
type Redis struct {
	client *redis.Client
	key    string
}

func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key}
}

func (r *Redis) Register(ctx context.Context, name, addr string) error {
	if name == "" || addr == "" {
		return fmt.Errorf("register %q: name and address required", name)
	}
	if err := r.client.HSet(ctx, r.key, name, addr).Err(); err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	return nil
}

func (r *Redis) Lookup(ctx context.Context, name string) (string, error) {
	addr, err := r.client.HGet(ctx, r.key, name).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("lookup %q: %w", name, types.ErrPeerNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", name, err)
	}
	return addr, nil
}

func (r *Redis) List(ctx context.Context) (map[string]string, error) {
	all, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return all, nil
}

func (r *Redis) Remove(ctx context.Context, name string) error {
	if err := r.client.HDel(ctx, r.key, name).Err(); err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}
