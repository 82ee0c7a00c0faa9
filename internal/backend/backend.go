// Package backend opens the object store named by a store URL and hands
// out the queue lease that fits it.
package backend

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/training-job-queue/internal/objstore"
	"github.com/ak3tsm7/training-job-queue/internal/queue"
	redisq "github.com/ak3tsm7/training-job-queue/internal/redis"
)

const DefaultNamespace = "trq:"

type Backend struct {
	Store     objstore.Store
	rdb       *redis.Client
	namespace string
}

// Open understands file:///abs/dir (or a bare path), redis://host:port/db
// and mem://. A redis URL may carry ?namespace= to prefix every key.
func Open(ctx context.Context, rawURL string) (*Backend, error) {
	if !strings.Contains(rawURL, "://") {
		return openFile(rawURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid store url %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "file":
		return openFile(u.Path)
	case "mem", "memory":
		return &Backend{Store: objstore.NewMemory()}, nil
	case "redis", "rediss":
		return openRedis(ctx, u)
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
}

func openFile(dir string) (*Backend, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store needs a directory")
	}
	fs, err := objstore.NewFileStore(dir)
	if err != nil {
		return nil, err
	}
	return &Backend{Store: fs}, nil
}

func openRedis(ctx context.Context, u *url.URL) (*Backend, error) {
	q := u.Query()
	namespace := DefaultNamespace
	if q.Has("namespace") {
		namespace = q.Get("namespace")
		q.Del("namespace")
		u.RawQuery = q.Encode()
	}

	opts, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return &Backend{
		Store:     redisq.NewBlobStore(rdb, namespace),
		rdb:       rdb,
		namespace: namespace,
	}, nil
}

// Lease returns an atomic Redis lease on Redis, and a blob lease stored
// next to the queue document otherwise.
func (b *Backend) Lease(queueName string, ttl time.Duration) queue.Lease {
	if b.rdb != nil {
		return redisq.NewLease(b.rdb, b.namespace, queueName, ttl)
	}
	return queue.NewBlobLease(b.Store, queueName, ttl)
}

func (b *Backend) Close() error {
	if b.rdb != nil {
		return b.rdb.Close()
	}
	return nil
}
