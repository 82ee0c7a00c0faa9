// Package queue persists queue documents and job config blobs in an
// object store. It owns no lifecycle rules: callers decide what changes.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ak3tsm7/training-job-queue/internal/metrics"
	"github.com/ak3tsm7/training-job-queue/internal/models"
	"github.com/ak3tsm7/training-job-queue/internal/objstore"
)

const (
	defaultMaxAttempts   = 3
	defaultRetryInterval = 500 * time.Millisecond
)

// DocumentKey is where the document of a queue lives in the store.
func DocumentKey(queueName string) string {
	return "queues/" + queueName + ".json"
}

type Repository struct {
	store         objstore.Store
	name          string
	logger        *slog.Logger
	maxAttempts   int
	retryInterval time.Duration
}

type Option func(*Repository)

func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.logger = l }
}

// WithRetry bounds transient-failure retries: attempts in total, the first
// wait being interval and doubling after that.
func WithRetry(attempts int, interval time.Duration) Option {
	return func(r *Repository) {
		r.maxAttempts = attempts
		r.retryInterval = interval
	}
}

func NewRepository(store objstore.Store, queueName string, opts ...Option) *Repository {
	r := &Repository{
		store:         store,
		name:          queueName,
		logger:        slog.Default(),
		maxAttempts:   defaultMaxAttempts,
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) QueueName() string { return r.name }

// Load returns an empty document when the queue was never written.
func (r *Repository) Load(ctx context.Context) (*models.QueueDocument, error) {
	var data []byte
	err := r.retry(ctx, "load", func() error {
		var err error
		data, err = r.store.Get(ctx, DocumentKey(r.name))
		return err
	})
	if errors.Is(err, objstore.ErrNotFound) {
		return models.NewQueueDocument(r.name), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue %s: %w", r.name, err)
	}

	var doc models.QueueDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode queue %s: %w", r.name, err)
	}
	if doc.QueueName == "" {
		doc.QueueName = r.name
	}
	return &doc, nil
}

// Save overwrites the whole document. A failed save leaves the stored
// document as it was.
func (r *Repository) Save(ctx context.Context, doc *models.QueueDocument) error {
	out := *doc
	out.QueueName = r.name
	out.LastModified = time.Now().UTC()

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode queue %s: %w", r.name, err)
	}
	err = r.retry(ctx, "save", func() error {
		return r.store.Put(ctx, DocumentKey(r.name), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save queue %s: %w", r.name, err)
	}
	doc.LastModified = out.LastModified
	return nil
}

// LoadConfig reads and validates the config blob of a job. A missing or
// malformed blob is a *models.ConfigValidationError.
func (r *Repository) LoadConfig(ctx context.Context, ref string) (*models.JobConfig, error) {
	var data []byte
	err := r.retry(ctx, "load config", func() error {
		var err error
		data, err = r.store.Get(ctx, ref)
		return err
	})
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, &models.ConfigValidationError{Reason: "config blob " + ref + " does not exist"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", ref, err)
	}

	var cfg models.JobConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &models.ConfigValidationError{Reason: "config blob " + ref + " is not valid JSON", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *Repository) SaveConfig(ctx context.Context, ref string, cfg *models.JobConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config %s: %w", ref, err)
	}
	err = r.retry(ctx, "save config", func() error {
		return r.store.Put(ctx, ref, data)
	})
	if err != nil {
		return fmt.Errorf("failed to save config %s: %w", ref, err)
	}
	return nil
}

// ConfigExists reports whether a blob is already present at ref.
func (r *Repository) ConfigExists(ctx context.Context, ref string) (bool, error) {
	err := r.retry(ctx, "stat config", func() error {
		_, err := r.store.Get(ctx, ref)
		return err
	})
	if errors.Is(err, objstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read config %s: %w", ref, err)
	}
	return true, nil
}

// PutArtifact uploads one file of a run below its result prefix.
func (r *Repository) PutArtifact(ctx context.Context, key string, data []byte) error {
	err := r.retry(ctx, "put artifact", func() error {
		return r.store.Put(ctx, key, data)
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// ListResults returns the artifact keys below a result prefix. It is not
// retried: verification polls it on its own schedule.
func (r *Repository) ListResults(ctx context.Context, resultPath string) ([]string, error) {
	keys, err := r.store.List(ctx, strings.TrimSuffix(resultPath, "/")+"/")
	if err != nil {
		return nil, fmt.Errorf("failed to list results %s: %w", resultPath, err)
	}
	return keys, nil
}

// DeleteArtifacts removes a job's config blob and everything under its
// result prefix.
func (r *Repository) DeleteArtifacts(ctx context.Context, rec *models.JobRecord) error {
	keys := make([]string, 0)
	if rec.ResultPath != "" {
		results, err := r.ListResults(ctx, rec.ResultPath)
		if err != nil {
			return err
		}
		keys = append(keys, results...)
	}
	if rec.ConfigRef != "" {
		keys = append(keys, rec.ConfigRef)
	}
	for _, key := range keys {
		err := r.retry(ctx, "delete", func() error {
			return r.store.Delete(ctx, key)
		})
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}
	return nil
}

// retry runs op until it succeeds, fails with a non-transient error, or
// the attempt budget is spent.
func (r *Repository) retry(ctx context.Context, what string, op func() error) error {
	attempts := r.maxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !objstore.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		metrics.StorageRetriesTotal.WithLabelValues(what).Inc()
		r.logger.Warn("transient storage failure, retrying",
			"queue", r.name, "op", what, "wait", wait, "error", err)
	})
}
