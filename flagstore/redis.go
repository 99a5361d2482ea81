package flagstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces flag keys when no prefix is configured.
const DefaultKeyPrefix = "modplane:flags:"

// RedisStore keeps one JSON value per module under <prefix><id>.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	ownsClient bool
}

// NewRedisStore wraps an existing client. Close does not close a client
// passed in here.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

func (s *RedisStore) Get(ctx context.Context, id string) (Flags, bool, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Flags{}, false, nil
	}
	if err != nil {
		return Flags{}, false, fmt.Errorf("get flags %s: %w", id, err)
	}
	var f Flags
	if err := json.Unmarshal(raw, &f); err != nil {
		return Flags{}, false, fmt.Errorf("decode flags %s: %w", id, err)
	}
	return f, true, nil
}

func (s *RedisStore) Put(ctx context.Context, id string, flags Flags) error {
	if id == "" {
		return ErrEmptyID
	}
	raw, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("encode flags %s: %w", id, err)
	}
	if err := s.client.Set(ctx, s.key(id), raw, 0).Err(); err != nil {
		return fmt.Errorf("put flags %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("delete flags %s: %w", id, err)
	}
	return nil
}

// List scans every key under the prefix.
func (s *RedisStore) List(ctx context.Context) (map[string]Flags, error) {
	out := make(map[string]Flags)
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), s.prefix)
		f, ok, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = f
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}
