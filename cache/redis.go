package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps each bucket in a Redis hash, field = key, value = record.
// The set of bucket names lives in its own set so Names needs no SCAN.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

var _ Storage = (*RedisStorage)(nil)

// RedisConfig for creating a Redis storage
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`         // Redis address (e.g., "localhost:6379")
	Password string `yaml:"password" env:"PASSWORD"` // Redis password (empty for no auth)
	DB       int    `yaml:"db" env:"DB"`             // Redis database number
	Prefix   string `yaml:"prefix" env:"PREFIX"`     // Key prefix (default: "offline-cache")
}

func NewRedisStorage(config RedisConfig) *RedisStorage {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	prefix := config.Prefix
	if prefix == "" {
		prefix = "offline-cache"
	}

	return &RedisStorage{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStorage) namesKey() string {
	return s.prefix + ":buckets"
}

func (s *RedisStorage) bucketKey(name string) string {
	return s.prefix + ":bucket:" + name
}

// Ping checks if Redis is reachable
func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}

func (s *RedisStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := s.client.SAdd(ctx, s.namesKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("error creating bucket %s: %w", name, err)
	}
	return &redisBucket{s: s, name: name, key: s.bucketKey(name)}, nil
}

func (s *RedisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.namesKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, s.namesKey(), name)
		pipe.Del(ctx, s.bucketKey(name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("error deleting bucket %s: %w", name, err)
	}
	return removed.Val() > 0, nil
}

type redisBucket struct {
	s    *RedisStorage
	name string
	key  string
}

func (b *redisBucket) Name() string {
	return b.name
}

// live fails writes to a bucket whose name was removed from the name set,
// so a concurrent delete is not undone by a late write.
func (b *redisBucket) live(ctx context.Context) error {
	ok, err := b.s.client.SIsMember(ctx, b.s.namesKey(), b.name).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrBucketDeleted, b.name)
	}
	return nil
}

func (b *redisBucket) Match(ctx context.Context, key Key) (*Entry, error) {
	data, err := b.s.client.HGet(ctx, b.key, string(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	_, e, err := unmarshalRecord(data)
	if err != nil {
		b.s.client.HDel(ctx, b.key, string(key))
		return nil, err
	}
	return e, nil
}

func (b *redisBucket) Put(ctx context.Context, key Key, e *Entry) error {
	return b.PutAll(ctx, map[Key]*Entry{key: e})
}

// PutAll is a single HSET, which Redis applies atomically.
func (b *redisBucket) PutAll(ctx context.Context, entries map[Key]*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := b.live(ctx); err != nil {
		return err
	}
	values := make([]interface{}, 0, 2*len(entries))
	for key, e := range entries {
		values = append(values, string(key), marshalRecord(key, e))
	}
	return b.s.client.HSet(ctx, b.key, values...).Err()
}

func (b *redisBucket) Keys(ctx context.Context) ([]Key, error) {
	fields, err := b.s.client.HKeys(ctx, b.key).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]Key, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, Key(f))
	}
	return sortedKeys(keys), nil
}

func (b *redisBucket) Delete(ctx context.Context, key Key) (bool, error) {
	n, err := b.s.client.HDel(ctx, b.key, string(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
