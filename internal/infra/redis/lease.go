package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultLeaseTTL = 30 * time.Second

var renewLeaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseLeaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// BatchLease is a per-batch ownership lease. A batch is only executed by the
// instance holding its lease, and a processing batch without a live lease is
// treated as orphaned by the reconciler.
type BatchLease struct {
	client *goredis.Client
	holder string
	ttl    time.Duration
}

func NewBatchLease(client *goredis.Client, holder string, ttl time.Duration) (*BatchLease, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if holder == "" {
		return nil, fmt.Errorf("lease holder is required")
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return &BatchLease{client: client, holder: holder, ttl: ttl}, nil
}

func (l *BatchLease) TTL() time.Duration {
	return l.ttl
}

func (l *BatchLease) Acquire(ctx context.Context, batchID string) (bool, error) {
	ok, err := l.client.SetNX(ctx, leaseKey(batchID), l.holder, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease for batch %s: %w", batchID, err)
	}
	return ok, nil
}

// Renew extends the lease. It returns false when the lease expired or belongs
// to someone else.
func (l *BatchLease) Renew(ctx context.Context, batchID string) (bool, error) {
	n, err := renewLeaseScript.Run(ctx, l.client, []string{leaseKey(batchID)}, l.holder, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew lease for batch %s: %w", batchID, err)
	}
	return n == 1, nil
}

func (l *BatchLease) Release(ctx context.Context, batchID string) error {
	if err := releaseLeaseScript.Run(ctx, l.client, []string{leaseKey(batchID)}, l.holder).Err(); err != nil {
		return fmt.Errorf("failed to release lease for batch %s: %w", batchID, err)
	}
	return nil
}

// Held reports whether any instance currently holds the batch lease.
func (l *BatchLease) Held(ctx context.Context, batchID string) (bool, error) {
	err := l.client.Get(ctx, leaseKey(batchID)).Err()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read lease for batch %s: %w", batchID, err)
	}
	return true, nil
}

func leaseKey(batchID string) string {
	return "batch:lease:" + batchID
}
