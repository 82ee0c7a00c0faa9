package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ak3tsm7/training-job-queue/internal/models"
)

func newSubmitCmd(c *common) *cobra.Command {
	cfg := &models.JobConfig{}
	params := map[string]string{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Write a job config and append a pending job to the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			now := time.Now().UTC()
			if cfg.JobID == "" {
				cfg.JobID = uuid.New().String()
			}
			if cfg.Timestamp == "" {
				cfg.Timestamp = now.Format("20060102T150405Z")
			}
			if len(params) > 0 {
				cfg.Parameters = make(map[string]any, len(params))
				for k, v := range params {
					cfg.Parameters[k] = v
				}
			}

			repo, b, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			rec, err := repo.Submit(ctx, cfg, now)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rec.JobID)
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&cfg.JobID, "job-id", "", "job ID (random UUID when empty)")
	fl.StringVar(&cfg.Country, "country", "", "country the model is trained for")
	fl.StringVar(&cfg.Revision, "revision", "default", "model revision")
	fl.StringVar(&cfg.Timestamp, "timestamp", "", "run timestamp used in blob paths (now when empty)")
	fl.StringVar(&cfg.Goal, "goal", "", "optimization goal, e.g. revenue")
	fl.IntVar(&cfg.Workers, "workers", 0, "requested parallel workers (0 takes what the node grants)")
	fl.StringToStringVar(&params, "param", nil, "extra model parameter key=value, repeatable")
	_ = cmd.MarkFlagRequired("country")
	_ = cmd.MarkFlagRequired("goal")
	return cmd
}
