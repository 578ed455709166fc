package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger is an EventLedger backed by Redis, for deployments with
// more than one webhook-handling instance. Keys expire after the
// configured TTL.
type RedisLedger struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisLedger returns a ledger using the given client. Entries
// expire after ttl.
func NewRedisLedger(client redis.UniversalClient, ttl time.Duration) *RedisLedger {
	return &RedisLedger{
		client: client,
		ttl:    ttl,
		prefix: "billing:event:",
	}
}

func (l *RedisLedger) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.prefix+eventID).Result()
	if err != nil {
		return false, errors.Join(ErrEventLedgerUnavailable, fmt.Errorf("exists: %w", err))
	}
	return n > 0, nil
}

func (l *RedisLedger) Mark(ctx context.Context, eventID string) error {
	if err := l.client.Set(ctx, l.prefix+eventID, 1, l.ttl).Err(); err != nil {
		return errors.Join(ErrEventLedgerUnavailable, fmt.Errorf("set: %w", err))
	}
	return nil
}
