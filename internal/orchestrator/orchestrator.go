// Package orchestrator advances a training job queue: it launches pending
// jobs one at a time in submission order, watches the running one, and
// verifies its artifacts before marking it completed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ak3tsm7/training-job-queue/internal/launcher"
	"github.com/ak3tsm7/training-job-queue/internal/metrics"
	"github.com/ak3tsm7/training-job-queue/internal/models"
	"github.com/ak3tsm7/training-job-queue/internal/queue"
)

// Repository is the persistence the orchestrator needs; *queue.Repository
// implements it.
type Repository interface {
	QueueName() string
	Load(ctx context.Context) (*models.QueueDocument, error)
	Save(ctx context.Context, doc *models.QueueDocument) error
	LoadConfig(ctx context.Context, ref string) (*models.JobConfig, error)
	SaveConfig(ctx context.Context, ref string, cfg *models.JobConfig) error
	ListResults(ctx context.Context, resultPath string) ([]string, error)
	DeleteArtifacts(ctx context.Context, rec *models.JobRecord) error
}

type Config struct {
	// Loop keeps processing until no pending or running job is left.
	Loop bool
	// Wait polls a running job until it is terminal. Without it a pass
	// checks the status once and returns.
	Wait bool
	// DryRun reads and reports but never writes or launches.
	DryRun bool

	Cleanup         bool
	Retention       int
	DeleteArtifacts bool

	PollInterval   time.Duration
	MaxRuntime     time.Duration
	VerifyGrace    time.Duration
	VerifyInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Wait:           true,
		Retention:      10,
		PollInterval:   15 * time.Second,
		MaxRuntime:     6 * time.Hour,
		VerifyGrace:    60 * time.Second,
		VerifyInterval: 5 * time.Second,
	}
}

type Orchestrator struct {
	cfg      Config
	repo     Repository
	launcher launcher.Launcher
	lease    queue.Lease
	clock    Clock
	logger   *slog.Logger
}

type Option func(*Orchestrator)

func WithLease(l queue.Lease) Option {
	return func(o *Orchestrator) { o.lease = l }
}

func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func New(cfg Config, repo Repository, l launcher.Launcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		repo:     repo,
		launcher: l,
		clock:    realClock{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("queue", repo.QueueName())
	return o
}

// Run performs one invocation. Errors that concern a single job are
// recorded on that job; the returned error means the queue document could
// not be read or written, or ctx ended. It returns queue.ErrLeaseHeld when
// another orchestrator owns the queue.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.lease != nil && !o.cfg.DryRun {
		ok, err := o.lease.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("failed to acquire queue lease: %w", err)
		}
		if !ok {
			return queue.ErrLeaseHeld
		}
		defer func() {
			if err := o.lease.Release(context.WithoutCancel(ctx)); err != nil {
				o.logger.Warn("failed to release queue lease", "error", err)
			}
		}()
	}

	if o.cfg.Cleanup {
		if err := o.cleanup(ctx); err != nil {
			return err
		}
	}

	for {
		doc, err := o.repo.Load(ctx)
		if err != nil {
			return err
		}
		o.observe(doc)

		if !doc.HasActive() {
			o.logger.Info("queue has no pending or running jobs")
			return nil
		}

		stillRunning, err := o.step(ctx, doc)
		if err != nil {
			return err
		}
		if !o.cfg.Loop || o.cfg.DryRun {
			return nil
		}
		if stillRunning {
			if err := o.renewLease(ctx); err != nil {
				return err
			}
			if err := o.clock.Sleep(ctx, o.cfg.PollInterval); err != nil {
				return err
			}
		}
	}
}

// step advances the queue by one job. It reports whether a job was left
// running without a terminal status.
func (o *Orchestrator) step(ctx context.Context, doc *models.QueueDocument) (bool, error) {
	if rec := doc.Running(); rec != nil {
		return o.watch(ctx, rec.Clone())
	}
	if next := doc.NextPending(); next != nil {
		return o.start(ctx, next.Clone())
	}
	return false, nil
}

// update applies fn to the freshest copy of a record and rewrites the
// whole document. Records added by producers since the last read survive.
func (o *Orchestrator) update(ctx context.Context, jobID string, fn func(*models.QueueDocument, *models.JobRecord) error) (*models.JobRecord, error) {
	doc, err := o.repo.Load(ctx)
	if err != nil {
		return nil, err
	}
	rec := doc.Find(jobID)
	if rec == nil {
		return nil, fmt.Errorf("job %s: %w %s", jobID, errJobRemoved, o.repo.QueueName())
	}
	if err := fn(doc, rec); err != nil {
		return nil, err
	}
	if err := o.repo.Save(ctx, doc); err != nil {
		return nil, err
	}
	o.observe(doc)
	return rec.Clone(), nil
}

func (o *Orchestrator) renewLease(ctx context.Context) error {
	if o.lease == nil || o.cfg.DryRun {
		return nil
	}
	if err := o.lease.Renew(ctx); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			return err
		}
		// The lease is best effort; a failed renewal is retried next tick.
		o.logger.Warn("failed to renew queue lease", "error", err)
	}
	return nil
}

func (o *Orchestrator) observe(doc *models.QueueDocument) {
	for status, n := range doc.Counts() {
		metrics.QueueJobs.WithLabelValues(o.repo.QueueName(), string(status)).Set(float64(n))
	}
}
