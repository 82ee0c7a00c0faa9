package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ak3tsm7/training-job-queue/internal/objstore"
)

var (
	ErrLeaseHeld = errors.New("queue is leased by another orchestrator")
	ErrLeaseLost = errors.New("queue lease lost")
)

// Lease is a short-lived claim that one orchestrator is advancing a queue.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

type leaseObject struct {
	Holder    string    `json:"holder"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BlobLease keeps the lease as an object next to the queue document. Plain
// object stores have no compare-and-set, so a write is read back to detect
// a concurrent winner; two holders can still overlap for one round trip.
type BlobLease struct {
	store  objstore.Store
	key    string
	token  string
	holder string
	ttl    time.Duration
	now    func() time.Time
}

func NewBlobLease(store objstore.Store, queueName string, ttl time.Duration) *BlobLease {
	host, _ := os.Hostname()
	return &BlobLease{
		store:  store,
		key:    "leases/" + queueName + ".json",
		token:  uuid.New().String(),
		holder: fmt.Sprintf("%s/%d", host, os.Getpid()),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (l *BlobLease) read(ctx context.Context) (*leaseObject, error) {
	data, err := l.store.Get(ctx, l.key)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var obj leaseObject
	if err := json.Unmarshal(data, &obj); err != nil {
		// An unreadable lease is treated as expired.
		return nil, nil
	}
	return &obj, nil
}

func (l *BlobLease) write(ctx context.Context) error {
	data, err := json.Marshal(leaseObject{
		Holder:    l.holder,
		Token:     l.token,
		ExpiresAt: l.now().UTC().Add(l.ttl),
	})
	if err != nil {
		return err
	}
	return l.store.Put(ctx, l.key, data)
}

func (l *BlobLease) Acquire(ctx context.Context) (bool, error) {
	cur, err := l.read(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read lease %s: %w", l.key, err)
	}
	if cur != nil && cur.Token != l.token && l.now().Before(cur.ExpiresAt) {
		return false, nil
	}
	if err := l.write(ctx); err != nil {
		return false, fmt.Errorf("failed to write lease %s: %w", l.key, err)
	}
	back, err := l.read(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to confirm lease %s: %w", l.key, err)
	}
	return back != nil && back.Token == l.token, nil
}

func (l *BlobLease) Renew(ctx context.Context) error {
	cur, err := l.read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read lease %s: %w", l.key, err)
	}
	if cur != nil && cur.Token != l.token && l.now().Before(cur.ExpiresAt) {
		return ErrLeaseLost
	}
	if err := l.write(ctx); err != nil {
		return fmt.Errorf("failed to renew lease %s: %w", l.key, err)
	}
	return nil
}

func (l *BlobLease) Release(ctx context.Context) error {
	cur, err := l.read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read lease %s: %w", l.key, err)
	}
	if cur == nil || cur.Token != l.token {
		return nil
	}
	if err := l.store.Delete(ctx, l.key); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	return nil
}
