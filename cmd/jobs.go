package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/output"
)

var (
	jobsLimit        int
	jobsOffset       int
	jobsCancelReason string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage review jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobsListRun(cmd.Context())
	},
}

var jobsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List review jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobsListRun(cmd.Context())
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a review job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobsShowRun(cmd.Context(), args[0])
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running review job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobsCancelRun(cmd.Context(), args[0])
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Queue a new job for a failed or cancelled one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobsRetryRun(cmd.Context(), args[0])
	},
}

var jobsDispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Admit pending review jobs up to the concurrency limit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobsDispatchRun(cmd.Context())
	},
}

func init() {
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum jobs to show")
	jobsListCmd.Flags().IntVar(&jobsOffset, "offset", 0, "Jobs to skip")
	jobsCancelCmd.Flags().StringVar(&jobsCancelReason, "reason", "cancelled by operator", "Reason recorded on the job")

	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsCancelCmd, jobsRetryCmd, jobsDispatchCmd)
	rootCmd.AddCommand(jobsCmd)
}

// withApp wires the services for owner and runs fn. Sessions started on the
// local worker run to completion before it returns.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app, owner models.Owner) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	owner, err := currentOwner()
	if err != nil {
		return err
	}
	a, err := newApp(nil)
	if err != nil {
		return err
	}
	if err := fn(ctx, a, owner); err != nil {
		return err
	}
	if a.Local != nil && a.Local.Active() > 0 {
		ui.Info("Waiting for %d session(s) to finish...", a.Local.Active())
		a.Local.Wait()
	}
	return nil
}

func jobsListRun(ctx context.Context) error {
	return withApp(ctx, func(ctx context.Context, a *app, owner models.Owner) error {
		list, err := a.Jobs.ListJobs(ctx, owner, jobsLimit, jobsOffset)
		if err != nil {
			return err
		}
		ui.Info("%s: %d running of limit %d, %d total", output.Cyan(owner.String()),
			list.ActiveCount, list.ConcurrencyLimit, list.Total)
		if len(list.Jobs) == 0 {
			ui.Info("No review jobs")
			return nil
		}

		table := ui.Table([]string{"ID", "Repo", "Change", "Head", "Status", "Created"})
		for _, j := range list.Jobs {
			_ = table.Append([]string{
				shortID(j.ID),
				j.Repo,
				fmt.Sprintf("#%d", j.ChangeID),
				shortSHA(j.HeadSHA),
				output.StatusColor(string(j.Status)),
				j.CreatedAt.Local().Format("2006-01-02 15:04"),
			})
		}
		return table.Render()
	})
}

func jobsShowRun(ctx context.Context, id string) error {
	return withApp(ctx, func(ctx context.Context, a *app, owner models.Owner) error {
		if _, err := a.Jobs.GetJobStatus(ctx, owner, id); err != nil {
			return err
		}
		j, err := a.Store.GetReviewJob(ctx, id)
		if err != nil {
			return err
		}
		printJob(j)
		return nil
	})
}

func printJob(j *models.ReviewJob) {
	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(shortID(j.ID)), j.Title)
	fmt.Fprintf(ui.Out, "  Change:     %s #%d (%s)\n", j.Repo, j.ChangeID, j.Platform)
	fmt.Fprintf(ui.Out, "  Head:       %s\n", j.HeadSHA)
	if j.HeadRef != "" {
		fmt.Fprintf(ui.Out, "  Branch:     %s -> %s\n", j.HeadRef, j.BaseRef)
	}
	if j.Author != "" {
		fmt.Fprintf(ui.Out, "  Author:     %s\n", j.Author)
	}
	fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(string(j.Status)))
	if j.WorkerSessionID != "" {
		fmt.Fprintf(ui.Out, "  Session:    %s\n", j.WorkerSessionID)
	}
	if j.Result != "" {
		fmt.Fprintf(ui.Out, "  Result:     %s\n", j.Result)
	}
	if j.Error != "" {
		fmt.Fprintf(ui.Out, "  Error:      %s\n", output.Red(j.Error))
	}
	if j.CancelReason != "" {
		fmt.Fprintf(ui.Out, "  Cancelled:  %s\n", j.CancelReason)
	}
	fmt.Fprintf(ui.Out, "  Created:    %s\n", j.CreatedAt.Format(time.RFC3339))
	if j.StartedAt != nil {
		fmt.Fprintf(ui.Out, "  Started:    %s\n", j.StartedAt.Format(time.RFC3339))
	}
	if j.CompletedAt != nil {
		fmt.Fprintf(ui.Out, "  Completed:  %s\n", j.CompletedAt.Format(time.RFC3339))
	}
	if j.URL != "" {
		fmt.Fprintf(ui.Out, "  URL:        %s\n", j.URL)
	}
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", j.ID)
}

func jobsCancelRun(ctx context.Context, id string) error {
	return withApp(ctx, func(ctx context.Context, a *app, owner models.Owner) error {
		if dryRun {
			ui.DryRunMsg("Would cancel job %s: %s", id, jobsCancelReason)
			return nil
		}
		j, err := a.Jobs.Cancel(ctx, owner, id, jobsCancelReason)
		if err != nil {
			return err
		}
		ui.Success("Job %s is %s", output.Cyan(shortID(j.ID)), output.StatusColor(string(j.Status)))
		return nil
	})
}

func jobsRetryRun(ctx context.Context, id string) error {
	return withApp(ctx, func(ctx context.Context, a *app, owner models.Owner) error {
		if dryRun {
			ui.DryRunMsg("Would queue a retry of job %s", id)
			return nil
		}
		out, err := a.Jobs.Retry(ctx, owner, id)
		if err != nil {
			return err
		}
		ui.Success("Queued job %s (%s)", output.Cyan(shortID(out.Job.ID)), output.StatusColor(string(out.Job.Status)))
		return nil
	})
}

func jobsDispatchRun(ctx context.Context) error {
	return withApp(ctx, func(ctx context.Context, a *app, owner models.Owner) error {
		if dryRun {
			ui.DryRunMsg("Would dispatch pending review jobs for %s", owner)
			return nil
		}
		res, err := a.Jobs.Dispatch(ctx, owner)
		if err != nil {
			return err
		}
		ui.Success("Dispatched %d, %d still pending, %d running", res.Dispatched, res.StillPending, res.Active)
		return nil
	})
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
