package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventDeduplicator claims provider event ids so a redelivered webhook is
// processed once.
type EventDeduplicator interface {
	// Claim reports true when the caller is the first to see the event.
	Claim(ctx context.Context, source, eventID string) (bool, error)
	// Release forgets a claim so a failed event can be redelivered.
	Release(ctx context.Context, source, eventID string) error
}

type RedisEventDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisEventDeduplicator(client *redis.Client, ttl time.Duration) *RedisEventDeduplicator {
	return &RedisEventDeduplicator{client: client, ttl: ttl}
}

func dedupKey(source, eventID string) string {
	return "webhook:" + source + ":" + eventID
}

func (d *RedisEventDeduplicator) Claim(ctx context.Context, source, eventID string) (bool, error) {
	return d.client.SetNX(ctx, dedupKey(source, eventID), time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
}

func (d *RedisEventDeduplicator) Release(ctx context.Context, source, eventID string) error {
	return d.client.Del(ctx, dedupKey(source, eventID)).Err()
}

// NoopEventDeduplicator claims every event. Used when Redis is not configured;
// the database guards keep reprocessing harmless.
type NoopEventDeduplicator struct{}

func (NoopEventDeduplicator) Claim(context.Context, string, string) (bool, error) { return true, nil }
func (NoopEventDeduplicator) Release(context.Context, string, string) error        { return nil }
