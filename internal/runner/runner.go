// Package runner is the process started inside a launched execution. It
// reads the job config, runs the model command under parallelism
// negotiation, uploads what the model wrote and finally the completion
// marker.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ak3tsm7/training-job-queue/internal/models"
	"github.com/ak3tsm7/training-job-queue/internal/negotiate"
)

// ExitParallelismRejected is the exit code by which the model command
// reports that it cannot run with the worker count it was given.
const ExitParallelismRejected = 3

// Repository is the part of *queue.Repository the runner needs.
type Repository interface {
	LoadConfig(ctx context.Context, ref string) (*models.JobConfig, error)
	PutArtifact(ctx context.Context, key string, data []byte) error
}

type Command struct {
	Path   string
	Args   []string
	Env    []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// ExecFunc runs c to completion. err is set only when the command could not
// be run; a non-zero exit is reported through code.
type ExecFunc func(ctx context.Context, c Command) (code int, err error)

type Runner struct {
	repo       Repository
	negotiator *negotiate.Negotiator
	command    []string
	workDir    string
	exec       ExecFunc
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Runner)

func WithExec(fn ExecFunc) Option {
	return func(r *Runner) { r.exec = fn }
}

func WithWorkDir(dir string) Option {
	return func(r *Runner) { r.workDir = dir }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

func New(repo Repository, n *negotiate.Negotiator, command []string, opts ...Option) *Runner {
	r := &Runner{
		repo:       repo,
		negotiator: n,
		command:    command,
		workDir:    os.TempDir(),
		exec:       osExec,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Marker is the body of the completion marker.
type Marker struct {
	JobID            string          `json:"job_id"`
	Goal             string          `json:"goal"`
	RequestedWorkers int             `json:"requested_workers"`
	Workers          int             `json:"workers"`
	Negotiation      negotiate.State `json:"negotiation"`
	Attempts         int             `json:"attempts"`
	Artifacts        []string        `json:"artifacts"`
	CompletedAt      time.Time       `json:"completed_at"`
}

// Run executes the job whose config lives at configRef. The marker is the
// last object written, and only after every artifact was uploaded.
func (r *Runner) Run(ctx context.Context, configRef string) error {
	if len(r.command) == 0 {
		return errors.New("no model command configured")
	}
	cfg, err := r.repo.LoadConfig(ctx, configRef)
	if err != nil {
		return err
	}
	if cfg.ResultPath == "" {
		return &models.ConfigValidationError{Field: "result_path", Reason: "is not set; the job was not launched by an orchestrator"}
	}
	log := r.logger.With("job_id", cfg.JobID)

	runDir, err := os.MkdirTemp(r.workDir, "trainq-"+cfg.JobID+"-")
	if err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(runDir)

	cfgFile := filepath.Join(runDir, "config.json")
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(cfgFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write local config: %w", err)
	}
	outDir := filepath.Join(runDir, "out")

	res, err := r.negotiator.Run(ctx, cfg.Workers, func(ctx context.Context, workers int) error {
		return r.runModel(ctx, cfg, cfgFile, outDir, workers)
	})
	if err != nil {
		return fmt.Errorf("training run of job %s failed after %d attempt(s): %w", cfg.JobID, len(res.Attempts), err)
	}

	keys, err := r.upload(ctx, outDir, cfg.ResultPath)
	if err != nil {
		return err
	}

	marker, err := json.MarshalIndent(Marker{
		JobID:            cfg.JobID,
		Goal:             cfg.Goal,
		RequestedWorkers: res.Requested,
		Workers:          res.Workers,
		Negotiation:      res.State,
		Attempts:         len(res.Attempts),
		Artifacts:        keys,
		CompletedAt:      r.now().UTC(),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := r.repo.PutArtifact(ctx, models.MarkerPath(cfg.ResultPath), marker); err != nil {
		return err
	}
	log.Info("training run finished", "result_path", cfg.ResultPath, "artifacts", len(keys), "workers", res.Workers)
	return nil
}

func (r *Runner) runModel(ctx context.Context, cfg *models.JobConfig, cfgFile, outDir string, workers int) error {
	// A rejected attempt may have left partial output behind.
	if err := os.RemoveAll(outDir); err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	env := append(os.Environ(),
		"TRAINQ_JOB_ID="+cfg.JobID,
		"TRAINQ_GOAL="+cfg.Goal,
		"TRAINQ_COUNTRY="+cfg.Country,
		"TRAINQ_REVISION="+cfg.Revision,
		"TRAINQ_WORKERS="+strconv.Itoa(workers),
		"TRAINQ_CONFIG_FILE="+cfgFile,
		"TRAINQ_OUTPUT_DIR="+outDir,
	)
	code, err := r.exec(ctx, Command{
		Path:   r.command[0],
		Args:   r.command[1:],
		Env:    env,
		Dir:    filepath.Dir(outDir),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	switch {
	case err != nil:
		return fmt.Errorf("failed to run %s: %w", r.command[0], err)
	case code == ExitParallelismRejected:
		return &negotiate.ParallelismRejectedError{Workers: workers, Err: fmt.Errorf("%s exited with code %d", r.command[0], code)}
	case code != 0:
		return fmt.Errorf("%s exited with code %d", r.command[0], code)
	}
	return nil
}

// upload copies every regular file under dir to prefix, keeping relative
// paths. A marker written by the model itself is skipped.
func (r *Runner) upload(ctx context.Context, dir, prefix string) ([]string, error) {
	keys := make([]string, 0)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == models.CompletionMarker {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(prefix, "/") + "/" + rel
		if err := r.repo.PutArtifact(ctx, key, data); err != nil {
			return err
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload artifacts to %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func osExec(ctx context.Context, c Command) (int, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}
