package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces order-id keys.
const DefaultKeyPrefix = "ibrecon"

// raiseScript sets KEYS[1] to ARGV[1] only when that is higher than the
// stored value.
var raiseScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local incoming = tonumber(ARGV[1])
if incoming > current then
	redis.call("SET", KEYS[1], ARGV[1])
	return incoming
end
return current
`)

// RedisStore implements OrderIDStore on Redis so several processes sharing
// one account see the same high-water order id.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to url and verifies the connection.
func NewRedisStore(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisStoreFromClient(client, prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(clientID int) string {
	return fmt.Sprintf("%s:order_id:%d", s.prefix, clientID)
}

// LoadLastOrderID implements OrderIDStore.
func (s *RedisStore) LoadLastOrderID(ctx context.Context, clientID int) (int64, bool, error) {
	raw, err := s.client.Get(ctx, s.key(clientID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get last order id: %w", err)
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse last order id %q: %w", raw, err)
	}
	return id, true, nil
}

// SaveLastOrderID implements OrderIDStore.
func (s *RedisStore) SaveLastOrderID(ctx context.Context, clientID int, id int64) error {
	if err := raiseScript.Run(ctx, s.client, []string{s.key(clientID)}, id).Err(); err != nil {
		return fmt.Errorf("save last order id: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
