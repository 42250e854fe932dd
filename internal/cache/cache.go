// Package cache stores assembled provider profiles in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Clark-Hu/motofix/internal/domain"
)

const keyPrefix = "motofix:profile:"

// Noop is a cache that never stores anything.
type Noop struct{}

func (Noop) Get(context.Context, string) (domain.ProviderProfile, bool, error) {
	return domain.ProviderProfile{}, false, nil
}

func (Noop) Set(context.Context, domain.ProviderProfile) error { return nil }

func (Noop) Invalidate(context.Context, string) error { return nil }

// Redis caches profiles as JSON documents with a fixed TTL.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// Dial parses a redis:// URL, connects and pings.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Key returns the cache key of a provider profile.
func Key(providerID string) string {
	return keyPrefix + providerID
}

// Get returns the cached profile, reporting false on a miss.
func (c *Redis) Get(ctx context.Context, providerID string) (domain.ProviderProfile, bool, error) {
	payload, err := c.client.Get(ctx, Key(providerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ProviderProfile{}, false, nil
	}
	if err != nil {
		return domain.ProviderProfile{}, false, fmt.Errorf("get profile from cache: %w", err)
	}
	var profile domain.ProviderProfile
	if err := json.Unmarshal(payload, &profile); err != nil {
		return domain.ProviderProfile{}, false, fmt.Errorf("decode cached profile: %w", err)
	}
	return profile, true, nil
}

// Set stores a profile under its provider id.
func (c *Redis) Set(ctx context.Context, profile domain.ProviderProfile) error {
	payload, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := c.client.Set(ctx, Key(profile.Provider.ID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("set profile in cache: %w", err)
	}
	return nil
}

// Invalidate drops the cached profile of a provider.
func (c *Redis) Invalidate(ctx context.Context, providerID string) error {
	if err := c.client.Del(ctx, Key(providerID)).Err(); err != nil {
		return fmt.Errorf("delete profile from cache: %w", err)
	}
	return nil
}
