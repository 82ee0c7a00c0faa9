package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ak3tsm7/training-job-queue/internal/backend"
	"github.com/ak3tsm7/training-job-queue/internal/config"
	"github.com/ak3tsm7/training-job-queue/internal/launcher"
	"github.com/ak3tsm7/training-job-queue/internal/logger"
	"github.com/ak3tsm7/training-job-queue/internal/negotiate"
	"github.com/ak3tsm7/training-job-queue/internal/queue"
	"github.com/ak3tsm7/training-job-queue/internal/runner"
)

func main() {
	cfg, err := config.Load(os.Getenv(config.Prefix + "ENV_FILE"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRunnerCmd(cfg).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		if errors.Is(err, negotiate.ErrParallelismRejected) {
			os.Exit(runner.ExitParallelismRejected)
		}
		os.Exit(1)
	}
}

func newRunnerCmd(cfg *config.Config) *cobra.Command {
	var (
		configRef string
		storeURL  string
		modelCmd  string
		workDir   string
		queueName string
		logLevel  string
	)
	cmd := &cobra.Command{
		Use:           "runner",
		Short:         "Run one training job inside its execution and publish the results",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logger.New(logger.Config{
				Level:  logger.ParseLevel(logLevel),
				Format: cfg.LogFormat,
				Output: cmd.ErrOrStderr(),
			})

			command := strings.Fields(modelCmd)
			if len(command) == 0 {
				return fmt.Errorf("--model-cmd is required")
			}

			b, err := backend.Open(ctx, storeURL)
			if err != nil {
				return err
			}
			defer b.Close()

			repo := queue.NewRepository(b.Store, queueName, queue.WithLogger(log))
			n := negotiate.New(log, negotiate.DefaultSignals(launcher.CPULimitEnv)...)
			r := runner.New(repo, n, command, runner.WithWorkDir(workDir), runner.WithLogger(log))
			return r.Run(ctx, configRef)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&configRef, "config-ref", "", "key of the job config blob")
	fl.StringVar(&storeURL, "store", cfg.Store, "object store URL")
	fl.StringVar(&modelCmd, "model-cmd", cfg.ModelCmd, "training command; receives TRAINQ_WORKERS and TRAINQ_OUTPUT_DIR")
	fl.StringVar(&workDir, "work-dir", cfg.WorkDir, "scratch directory for model output")
	fl.StringVar(&queueName, "queue", cfg.Queue, "queue the job belongs to, for logging")
	fl.StringVar(&logLevel, "log-level", cfg.LogLevel, "debug|info|warn|error")
	_ = cmd.MarkFlagRequired("config-ref")
	return cmd
}
