// Package objstore is the blob storage contract the queue is persisted in,
// with a local directory backend and an in-memory backend.
package objstore

import (
	"context"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("object not found")

// Store gets, puts, lists and deletes whole blobs by key. Keys use forward
// slashes; List returns the keys that start with prefix, sorted.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// TransientStorageError marks a failure caused by the store being
// unreachable or overloaded. Callers may retry it.
type TransientStorageError struct {
	Op  string
	Key string
	Err error
}

func (e *TransientStorageError) Error() string {
	return fmt.Sprintf("transient storage error: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *TransientStorageError) Unwrap() error { return e.Err }

func Transient(op, key string, err error) error {
	return &TransientStorageError{Op: op, Key: key, Err: err}
}

func IsTransient(err error) bool {
	var t *TransientStorageError
	return errors.As(err, &t)
}
