package redisq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/training-job-queue/internal/queue"
)

// Only the holder whose token is stored may extend or drop the lease.
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Lease is an atomic, expiring claim on one queue:
//
//	<namespace>lease:<queue>   value = holder token, PX = ttl
type Lease struct {
	rdb   redis.UniversalClient
	key   string
	token string
	ttl   time.Duration
}

var _ queue.Lease = (*Lease)(nil)

func NewLease(rdb redis.UniversalClient, namespace, queueName string, ttl time.Duration) *Lease {
	return &Lease{
		rdb:   rdb,
		key:   namespace + "lease:" + queueName,
		token: uuid.New().String(),
		ttl:   ttl,
	}
}

func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	// Already ours from an earlier Acquire.
	holder, err := l.rdb.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read lease %s: %w", l.key, err)
	}
	if holder != l.token {
		return false, nil
	}
	return true, l.Renew(ctx)
}

func (l *Lease) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to renew lease %s: %w", l.key, err)
	}
	if n == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	return nil
}
