package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/reframe/internal/store"
	"github.com/kiranshivaraju/reframe/pkg/models"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect stored jobs",
	}
	cmd.AddCommand(newJobsListCommand(ctx))
	cmd.AddCommand(newJobsShowCommand(ctx))
	return cmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var (
		status  string
		page    int
		limit   int
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" && !store.ValidStatus(status) {
				return fmt.Errorf("unknown status %q", status)
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			jobs, total, err := st.ListJobs(cmd.Context(), store.JobFilter{Status: status, Page: page, Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJobsJSON(out, jobs, total)
			}
			if len(jobs) == 0 {
				_, err := fmt.Fprintln(out, "No jobs found")
				return err
			}
			_, err = fmt.Fprintln(out, renderJobsTable(jobs, time.Now(), shouldColorize(out)))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "%d of %d jobs\n", len(jobs), total)
			return err
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, processing, completed, failed)")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&limit, "limit", store.DefaultLimit, "jobs per page")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON instead of a table")
	return cmd
}

func newJobsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Print one job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			job, err := st.GetJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summarize(job))
		},
	}
}

// jobSummary is the CLI view of a job.
type jobSummary struct {
	ID          uuid.UUID        `json:"job_id"`
	Status      string           `json:"status"`
	Progress    *models.Progress `json:"progress,omitempty"`
	Result      *models.Result   `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	InputPath   string           `json:"input_path"`
	CreatedFrom *uuid.UUID       `json:"created_from,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

func summarize(job *models.Job) jobSummary {
	s := jobSummary{
		ID:          job.ID,
		Status:      job.Status(),
		InputPath:   job.InputPath,
		CreatedFrom: job.CreatedFrom,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
	if p, ok := job.CurrentProgress(); ok {
		s.Progress = &p
	}
	if res, ok := job.CompletedResult(); ok {
		s.Result = &res
	}
	if reason, ok := job.FailureReason(); ok {
		s.Error = reason
	}
	return s
}

func writeJobsJSON(w io.Writer, jobs []*models.Job, total int) error {
	items := make([]jobSummary, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, summarize(job))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"jobs": items, "total": total})
}

func renderJobsTable(jobs []*models.Job, now time.Time, colorize bool) string {
	headers := []string{"ID", "Status", "Progress", "Output", "Created"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft}
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			job.ID.String(),
			statusText(job.Status(), colorize),
			progressText(job),
			outputText(job),
			humanize.RelTime(job.CreatedAt, now, "ago", "from now"),
		})
	}
	return renderTable(headers, rows, aligns, colorize)
}

func progressText(job *models.Job) string {
	switch job.Status() {
	case models.JobStatusCompleted:
		return "100%"
	case models.JobStatusProcessing:
		p, _ := job.CurrentProgress()
		return strconv.Itoa(p.Overall()) + "%"
	}
	return "-"
}

func outputText(job *models.Job) string {
	res, ok := job.CompletedResult()
	if !ok {
		if reason, failed := job.FailureReason(); failed {
			return truncate(reason, 40)
		}
		return "-"
	}
	info, err := os.Stat(res.OutputPath)
	if err != nil {
		return "missing"
	}
	return humanize.IBytes(uint64(info.Size()))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
