package registry

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tnewman/kafka-exchanger/pkg/inflight"
)

const defaultRedisPrefix = "exchanger:"

// Redis keeps the bucket ids of an owner in the set <prefix><owner>:buckets.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis wraps an existing client. An empty prefix becomes "exchanger:".
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// DialRedis connects to addr and checks the connection.
func DialRedis(ctx context.Context, addr, password string, db int, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedis(client, prefix), nil
}

func (r *Redis) For(owner string) inflight.BucketRegistry {
	return &redisOwner{client: r.client, key: r.prefix + owner + ":buckets"}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisOwner struct {
	client redis.UniversalClient
	key    string
}

func (o *redisOwner) AddNewBucket(ctx context.Context, bucketID int) error {
	if err := o.client.SAdd(ctx, o.key, bucketID).Err(); err != nil {
		return fmt.Errorf("failed to add bucket %d to %s: %w", bucketID, o.key, err)
	}
	return nil
}

func (o *redisOwner) CurrentBucketsCount(ctx context.Context) (int, error) {
	n, err := o.client.SCard(ctx, o.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count buckets of %s: %w", o.key, err)
	}
	return int(n), nil
}
