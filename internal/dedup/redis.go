// Package dedup запоминает уже обработанные доставки событий платёжной системы.
// Кэш только сокращает повторную обработку: корректность обеспечивают ограничения в БД.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL покрывает окно повторных доставок платёжной системы (до трёх суток).
const DefaultTTL = 72 * time.Hour

const keyPrefix = "payments:delivered:"

// RedisCache хранит идентификаторы обработанных событий в Redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache подключается к Redis по URL вида redis://host:port/db.
func NewRedisCache(ctx context.Context, url string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisCacheFromClient(client, ttl), nil
}

// NewRedisCacheFromClient создаёт кэш поверх готового клиента.
func NewRedisCacheFromClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{
		client: client,
		ttl:    ttl,
	}
}

// Seen сообщает, было ли событие уже успешно обработано.
func (c *RedisCache) Seen(ctx context.Context, eventID string) (bool, error) {
	err := c.client.Get(ctx, keyPrefix+eventID).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get delivery: %w", err)
	}
	return true, nil
}

// Mark запоминает событие как обработанное.
func (c *RedisCache) Mark(ctx context.Context, eventID string) error {
	if err := c.client.Set(ctx, keyPrefix+eventID, time.Now().UTC().Format(time.RFC3339), c.ttl).Err(); err != nil {
		return fmt.Errorf("set delivery: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
