package redisq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/training-job-queue/internal/objstore"
)

// BlobStore keeps queue documents, job configs and result artifacts as
// plain string keys:
//
//	<namespace>blob:<key>   value = raw bytes
type BlobStore struct {
	rdb       redis.UniversalClient
	namespace string
}

func NewBlobStore(rdb redis.UniversalClient, namespace string) *BlobStore {
	return &BlobStore{rdb: rdb, namespace: namespace}
}

func (s *BlobStore) redisKey(key string) string {
	return s.namespace + "blob:" + key
}

func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, objstore.ErrNotFound
	}
	if err != nil {
		return nil, classify("get", key, err)
	}
	return data, nil
}

func (s *BlobStore) Put(ctx context.Context, key string, data []byte) error {
	if err := s.rdb.Set(ctx, s.redisKey(key), data, 0).Err(); err != nil {
		return classify("put", key, err)
	}
	return nil
}

func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	match := escapeGlob(s.redisKey(prefix)) + "*"
	strip := s.redisKey("")

	keys := make([]string, 0)
	iter := s.rdb.Scan(ctx, 0, match, 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), strip))
	}
	if err := iter.Err(); err != nil {
		return nil, classify("list", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *BlobStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return classify("delete", key, err)
	}
	return nil
}

// classify treats every failure except a cancelled context as the server
// being unreachable or busy.
func classify(op, key string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s %q: %w", op, key, err)
	}
	return objstore.Transient(op, key, err)
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
