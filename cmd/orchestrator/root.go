package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ak3tsm7/training-job-queue/internal/backend"
	"github.com/ak3tsm7/training-job-queue/internal/config"
	"github.com/ak3tsm7/training-job-queue/internal/logger"
	"github.com/ak3tsm7/training-job-queue/internal/queue"
)

// common holds the flags every subcommand shares.
type common struct {
	queue     string
	store     string
	logLevel  string
	logFormat string
	log       *slog.Logger
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	c := &common{}
	root := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Run a sequential queue of model training jobs on Kubernetes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.queue == "" {
				return fmt.Errorf("--queue must not be empty")
			}
			c.log = logger.New(logger.Config{
				Level:  logger.ParseLevel(c.logLevel),
				Format: c.logFormat,
				Output: cmd.ErrOrStderr(),
			})
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.queue, "queue", cfg.Queue, "queue name")
	pf.StringVar(&c.store, "store", cfg.Store, "object store URL (file:///dir, redis://host:port/db, mem://)")
	pf.StringVar(&c.logLevel, "log-level", cfg.LogLevel, "debug|info|warn|error")
	pf.StringVar(&c.logFormat, "log-format", cfg.LogFormat, "json|text")

	root.AddCommand(newRunCmd(c, cfg), newSubmitCmd(c), newStatusCmd(c))
	return root
}

// open returns the queue repository and the backend it lives on. The
// caller closes the backend.
func (c *common) open(ctx context.Context) (*queue.Repository, *backend.Backend, error) {
	b, err := backend.Open(ctx, c.store)
	if err != nil {
		return nil, nil, err
	}
	return queue.NewRepository(b.Store, c.queue, queue.WithLogger(c.log)), b, nil
}
