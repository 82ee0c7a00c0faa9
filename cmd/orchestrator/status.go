package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ak3tsm7/training-job-queue/internal/models"
)

func newStatusCmd(c *common) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the jobs of the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, b, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			doc, err := repo.Load(ctx)
			if err != nil {
				return err
			}
			switch output {
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(doc)
			case "table":
				return printTable(cmd.OutOrStdout(), doc)
			default:
				return fmt.Errorf("unknown output format %q", output)
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "table|json")
	return cmd
}

func printTable(out io.Writer, doc *models.QueueDocument) error {
	counts := doc.Counts()
	fmt.Fprintf(out, "queue=%s pending=%d running=%d completed=%d failed=%d\n",
		doc.QueueName, counts[models.StatusPending], counts[models.StatusRunning],
		counts[models.StatusCompleted], counts[models.StatusFailed])

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tSTATUS\tSUBMITTED\tCOUNTRY\tREVISION\tATTEMPTS\tEXECUTION\tLAST ERROR")
	for _, j := range doc.Jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			j.JobID, j.Status, j.SubmittedAt.Format(time.RFC3339), j.Country, j.Revision,
			j.AttemptCount, dash(j.ExecutionRef), dash(j.LastError))
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
