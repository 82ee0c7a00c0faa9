package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/spf13/cobra"

	"github.com/ak3tsm7/training-job-queue/internal/config"
	"github.com/ak3tsm7/training-job-queue/internal/launcher"
	"github.com/ak3tsm7/training-job-queue/internal/metrics"
	"github.com/ak3tsm7/training-job-queue/internal/orchestrator"
	"github.com/ak3tsm7/training-job-queue/internal/queue"
)

type runFlags struct {
	project        string
	region         string
	kubeconfig     string
	image          string
	serviceAccount string
	metricsAddr    string
	pushgateway    string
	leaseTTL       time.Duration
}

func newRunCmd(c *common, cfg *config.Config) *cobra.Command {
	opts := orchestrator.DefaultConfig()
	opts.PollInterval = cfg.PollInterval
	opts.MaxRuntime = cfg.MaxRuntime
	opts.VerifyGrace = cfg.VerifyGrace
	opts.Retention = cfg.Retention
	opts.Loop = config.EnvBool("LOOP", false)
	opts.Cleanup = config.EnvBool("CLEANUP", false)

	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Advance the queue: launch, poll and verify jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Retention < 0 {
				return fmt.Errorf("--retention must not be negative")
			}
			if opts.PollInterval <= 0 {
				return fmt.Errorf("--poll-interval must be positive")
			}
			// The lease is renewed once per poll; verification runs on top of that.
			if !opts.DryRun && f.leaseTTL <= opts.PollInterval+opts.VerifyGrace {
				return fmt.Errorf("--lease-ttl (%s) must exceed --poll-interval plus --verify-grace (%s)",
					f.leaseTTL, opts.PollInterval+opts.VerifyGrace)
			}
			return runQueue(cmd.Context(), c, f, opts)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.project, "project", cfg.Project, "Kubernetes namespace the training jobs run in")
	fl.StringVar(&f.region, "region", cfg.Region, "kubeconfig context of the target cluster")
	fl.StringVar(&f.kubeconfig, "kubeconfig", cfg.Kubeconfig, "path to kubeconfig (in-cluster config when empty)")
	fl.StringVar(&f.image, "image", cfg.Image, "runner container image")
	fl.StringVar(&f.serviceAccount, "service-account", cfg.ServiceAccount, "service account of the runner pods")
	fl.StringVar(&f.metricsAddr, "metrics-addr", cfg.MetricsAddr, "address of the /metrics endpoint in loop mode; empty disables it")
	fl.StringVar(&f.pushgateway, "pushgateway", cfg.Pushgateway, "Pushgateway URL for metrics of a single pass")
	fl.DurationVar(&f.leaseTTL, "lease-ttl", cfg.LeaseTTL, "lifetime of the queue lease between renewals")

	fl.BoolVar(&opts.Loop, "loop", opts.Loop, "keep going until no pending or running job is left")
	fl.BoolVar(&opts.Wait, "wait", opts.Wait, "poll a running job until it finishes")
	fl.BoolVar(&opts.DryRun, "dry-run", false, "report what would happen without writing or launching")
	fl.BoolVar(&opts.Cleanup, "cleanup", opts.Cleanup, "prune old terminal records before processing")
	fl.IntVar(&opts.Retention, "retention", opts.Retention, "completed and failed records to keep, each")
	fl.BoolVar(&opts.DeleteArtifacts, "delete-artifacts", false, "also delete config and results of pruned records")
	fl.DurationVar(&opts.PollInterval, "poll-interval", opts.PollInterval, "time between status checks")
	fl.DurationVar(&opts.MaxRuntime, "max-runtime", opts.MaxRuntime, "wall-clock limit of one run")
	fl.DurationVar(&opts.VerifyGrace, "verify-grace", opts.VerifyGrace, "how long to wait for the completion marker")
	return cmd
}

func runQueue(ctx context.Context, c *common, f *runFlags, opts orchestrator.Config) error {
	log := c.log.With("queue", c.queue)

	repo, b, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	client, err := launcher.NewKubernetesClient(f.kubeconfig, f.region)
	if err != nil {
		return err
	}
	l := launcher.NewKubernetes(client, launcher.KubernetesConfig{
		Namespace:      f.project,
		Image:          f.image,
		ServiceAccount: f.serviceAccount,
		StoreURL:       c.store,
		Env:            map[string]string{config.Prefix + "QUEUE": c.queue},
	}, log)

	if opts.Loop && f.metricsAddr != "" {
		srv := serveMetrics(f.metricsAddr, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	o := orchestrator.New(opts, repo, l,
		orchestrator.WithLease(b.Lease(c.queue, f.leaseTTL)),
		orchestrator.WithLogger(c.log),
	)
	err = o.Run(ctx)

	if !opts.Loop && f.pushgateway != "" {
		pushMetrics(context.WithoutCancel(ctx), f.pushgateway, c.queue, log)
	}

	switch {
	case errors.Is(err, queue.ErrLeaseHeld):
		log.Info("another orchestrator holds the queue, nothing to do")
		return nil
	case err != nil && ctx.Err() != nil:
		log.Info("interrupted; the next invocation resumes from the queue document", "error", err)
		return nil
	}
	return err
}

func serveMetrics(addr string, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("metrics server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

func pushMetrics(ctx context.Context, url, queueName string, log *slog.Logger) {
	p := push.New(url, "trainq_orchestrator").Grouping("queue", queueName)
	for _, c := range metrics.Collectors() {
		p = p.Collector(c)
	}
	if err := p.PushContext(ctx); err != nil {
		log.Warn("failed to push metrics", "url", url, "error", err)
	}
}
