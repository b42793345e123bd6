package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/output"
	"github.com/joescharf/reviewd/internal/platform"
	"github.com/joescharf/reviewd/internal/store"
)

var (
	findingsRepo     string
	findingsStatus   string
	findingsSeverity string
	findingsLimit    int
	findingsOffset   int
	findingsModel    string
	findingsAll      bool
	dismissReason    string
	dismissComment   string
)

var findingsCmd = &cobra.Command{
	Use:   "findings",
	Short: "Sync, analyse and dismiss vulnerability findings",
	RunE: func(cmd *cobra.Command, args []string) error {
		return findingsListRun(cmd.Context())
	},
}

var findingsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List findings",
	RunE: func(cmd *cobra.Command, args []string) error {
		return findingsListRun(cmd.Context())
	},
}

var findingsShowCmd = &cobra.Command{
	Use:   "show <finding-id>",
	Short: "Show a finding and its analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return findingsShowRun(cmd.Context(), args[0])
	},
}

var findingsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile findings with the platforms' advisories",
	RunE: func(cmd *cobra.Command, args []string) error {
		return findingsSyncRun(cmd.Context())
	},
}

var findingsAnalyzeCmd = &cobra.Command{
	Use:   "analyze [finding-id]",
	Short: "Start an analysis, or queue every unanalysed finding with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if findingsAll {
			return findingsQueueRun(cmd.Context())
		}
		if len(args) == 0 {
			return fmt.Errorf("finding id required (or pass --all)")
		}
		return findingsAnalyzeRun(cmd.Context(), args[0])
	},
}

var findingsDismissCmd = &cobra.Command{
	Use:   "dismiss <finding-id>",
	Short: "Dismiss a finding on its platform",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return findingsDismissRun(cmd.Context(), args[0])
	},
}

var findingsAutoDismissCmd = &cobra.Command{
	Use:   "auto-dismiss",
	Short: "Dismiss every analysed finding the auto-dismiss policy allows",
	RunE: func(cmd *cobra.Command, args []string) error {
		return findingsAutoDismissRun(cmd.Context())
	},
}

var findingsCleanupCmd = &cobra.Command{
	Use:   "cleanup-orphans",
	Short: "Delete findings of repositories no integration can reach",
	RunE: func(cmd *cobra.Command, args []string) error {
		return findingsCleanupRun(cmd.Context())
	},
}

func init() {
	findingsListCmd.Flags().StringVar(&findingsRepo, "repo", "", "Filter by repository")
	findingsListCmd.Flags().StringVar(&findingsStatus, "status", "", "Filter by status: open, fixed, ignored")
	findingsListCmd.Flags().StringVar(&findingsSeverity, "severity", "", "Filter by severity: low, medium, high, critical")
	findingsListCmd.Flags().IntVar(&findingsLimit, "limit", 50, "Maximum findings to show")
	findingsListCmd.Flags().IntVar(&findingsOffset, "offset", 0, "Findings to skip")

	findingsSyncCmd.Flags().StringVar(&findingsRepo, "repo", "", "Sync only this repository")

	findingsAnalyzeCmd.Flags().StringVar(&findingsModel, "model", "", "Triage model (default: configured)")
	findingsAnalyzeCmd.Flags().BoolVar(&findingsAll, "all", false, "Queue every open finding without an analysis")
	findingsAnalyzeCmd.Flags().StringVar(&findingsRepo, "repo", "", "With --all, only this repository")

	findingsDismissCmd.Flags().StringVar(&dismissReason, "reason", "tolerable_risk", "Dismissal reason")
	findingsDismissCmd.Flags().StringVar(&dismissComment, "comment", "", "Comment recorded upstream")

	findingsCmd.AddCommand(findingsListCmd, findingsShowCmd, findingsSyncCmd, findingsAnalyzeCmd,
		findingsDismissCmd, findingsAutoDismissCmd, findingsCleanupCmd)
	rootCmd.AddCommand(findingsCmd)
}

func findingsListRun(ctx context.Context) error {
	filter := store.FindingListFilter{
		Repo:   findingsRepo,
		Status: models.FindingStatus(findingsStatus),
		Limit:  findingsLimit,
		Offset: findingsOffset,
	}
	if findingsSeverity != "" {
		sev, err := models.ParseSeverity(findingsSeverity)
		if err != nil {
			return err
		}
		filter.Severity = sev
	}

	return withApp(ctx, func(ctx context.Context, a *app, owner models.Owner) error {
		list, err := a.Findings.ListFindings(ctx, owner, filter)
		if err != nil {
			return err
		}
		if len(list.Findings) == 0 {
			ui.Info("No findings")
			return nil
		}

		now := time.Now()
		table := ui.Table([]string{"ID", "Repo", "Package", "Severity", "Status", "SLA", "Analysis"})
		for _, f := range list.Findings {
			analysis := "-"
			if f.Analysis.Status != "" {
				analysis = output.StatusColor(string(f.Analysis.Status))
			}
			due := "-"
			if f.Status == models.FindingStatusOpen {
				due = output.DueColor(f.SLADueAt, now)
			}
			_ = table.Append([]string{
				shortID(f.ID),
				f.Repo,
				f.Package,
				output.SeverityColor(string(f.Severity)),
				output.StatusColor(string(f.Status)),
				due,
				analysis,
			})
		}
		if err := table.Render(); err != nil {
			return err
		}
		if list.Total > len(list.Findings) {
			ui.Info("Showing %d of %d", len(list.Findings), list.Total)
		}
		return nil
	})
}

func findingsShowRun(ctx context.Context, id string) error {
	return withApp(ctx, func(ctx context.Context, a *app, owner models.Owner) error {
		f, err := a.Findings.GetFinding(ctx, owner, id)
		if err != nil {
			return err
		}
		printFinding(f)
		return nil
	})
}

func printFinding(f *models.Finding) {
	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(shortID(f.ID)), f.Summary)
	fmt.Fprintf(ui.Out, "  Repo:       %s (%s)\n", f.Repo, f.Platform)
	fmt.Fprintf(ui.Out, "  Package:    %s %s\n", f.Package, f.Ecosystem)
	if f.AdvisoryID != "" {
		fmt.Fprintf(ui.Out, "  Advisory:   %s\n", f.AdvisoryID)
	}
	fmt.Fprintf(ui.Out, "  Severity:   %s\n", output.SeverityColor(string(f.Severity)))
	fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(string(f.Status)))
	if f.IgnoredReason != "" {
		fmt.Fprintf(ui.Out, "  Ignored:    %s\n", f.IgnoredReason)
	}
	if f.Status == models.FindingStatusOpen {
		fmt.Fprintf(ui.Out, "  SLA due:    %s\n", output.DueColor(f.SLADueAt, time.Now()))
	}
	fmt.Fprintf(ui.Out, "  Detected:   %s\n", f.FirstDetectedAt.Format(time.RFC3339))
	if f.FixedAt != nil {
		fmt.Fprintf(ui.Out, "  Fixed:      %s\n", f.FixedAt.Format(time.RFC3339))
	}
	if f.DismissError != "" {
		fmt.Fprintf(ui.Out, "  Dismiss:    %s\n", output.Red(f.DismissError))
	}

	an := f.Analysis
	if an.Status != "" {
		fmt.Fprintf(ui.Out, "  Analysis:   %s", output.StatusColor(string(an.Status)))
		if an.Model != "" {
			fmt.Fprintf(ui.Out, " (%s)", an.Model)
		}
		fmt.Fprintln(ui.Out)
		if an.Error != "" {
			fmt.Fprintf(ui.Out, "  Error:      %s\n", output.Red(an.Error))
		}
		if r := an.Result; r != nil {
			fmt.Fprintf(ui.Out, "  Triage:     %s, %s confidence\n", r.Triage.Decision, r.Triage.Confidence)
			if r.Triage.Reasoning != "" {
				fmt.Fprintf(ui.Out, "  Reasoning:  %s\n", r.Triage.Reasoning)
			}
			if r.Deep != nil {
				fmt.Fprintf(ui.Out, "  Deep:       exploitable=%t, %s confidence\n", r.Deep.Exploitable, r.Deep.Confidence)
				if r.Deep.Summary != "" {
					fmt.Fprintf(ui.Out, "  Summary:    %s\n", r.Deep.Summary)
				}
			}
		}
	}
	if f.URL != "" {
		fmt.Fprintf(ui.Out, "  URL:        %s\n", f.URL)
	}
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", f.ID)
}

func findingsSyncRun(ctx context.Context) error {
	return withApp(ctx, func(ctx context.Context, a *app, owner models.Owner) error {
		if dryRun {
			ui.DryRunMsg("Would sync findings for %s", owner)
			return nil
		}
		res, err := a.Findings.Sync(ctx, owner, findingsRepo)
		if err != nil {
			return explain(err)
		}
		for _, r := range res.Repos {
			if r.Error != "" {
				ui.Warning("%s: %s", r.Repo, r.Error)
				continue
			}
			ui.VerboseLog("%s: %d created, %d updated, %d fixed, %d reopened, %d skipped", r.Repo, r.Created, r.Updated, r.Fixed, r.Reopened, r.Skipped)
		}
		ui.Success("Synced %d repositories, %d errors", res.Synced, res.Errors)
		return nil
	})
}

func findingsAnalyzeRun(ctx context.Context, id string) error {
	return withApp(ctx, func(ctx context.Context, a *app, owner models.Owner) error {
		if dryRun {
			ui.DryRunMsg("Would start an analysis of %s", id)
			return nil
		}
		res, err := a.Findings.StartAnalysis(ctx, owner, id, findingsModel)
		if err != nil {
			return explain(err)
		}
		ui.Success("Analysis started for %s (session %s)", output.Cyan(shortID(res.FindingID)), res.WorkerSessionID)
		return nil
	})
}

func findingsQueueRun(ctx context.Context) error {
	return withApp(ctx, func(ctx context.Context, a *app, owner models.Owner) error {
		if dryRun {
			ui.DryRunMsg("Would queue analyses for every unanalysed finding of %s", owner)
			return nil
		}
		queued, res, err := a.Findings.QueueAnalyses(ctx, owner, findingsRepo)
		if err != nil {
			return explain(err)
		}
		ui.Success("Queued %d analyses: %d started, %d still pending", queued, res.Dispatched, res.StillPending)
		return nil
	})
}

func findingsDismissRun(ctx context.Context, id string) error {
	return withApp(ctx, func(ctx context.Context, a *app, owner models.Owner) error {
		if dryRun {
			ui.DryRunMsg("Would dismiss %s (%s)", id, dismissReason)
			return nil
		}
		if _, err := a.Findings.DismissFinding(ctx, owner, id, dismissReason, dismissComment); err != nil {
			return explain(err)
		}
		ui.Success("Dismissed %s", output.Cyan(shortID(id)))
		return nil
	})
}

func findingsAutoDismissRun(ctx context.Context) error {
	return withApp(ctx, func(ctx context.Context, a *app, owner models.Owner) error {
		if dryRun {
			ui.DryRunMsg("Would apply the auto-dismiss policy for %s", owner)
			return nil
		}
		res, err := a.Findings.DismissAllEligible(ctx, owner)
		if err != nil {
			return explain(err)
		}
		ui.Success("Dismissed %d, skipped %d, %d errors", res.Dismissed, res.Skipped, res.Errors)
		return nil
	})
}

func findingsCleanupRun(ctx context.Context) error {
	return withApp(ctx, func(ctx context.Context, a *app, owner models.Owner) error {
		if dryRun {
			ui.DryRunMsg("Would delete findings of unreachable repositories for %s", owner)
			return nil
		}
		res, err := a.Findings.CleanupOrphans(ctx, owner)
		if err != nil {
			return explain(err)
		}
		if len(res.Repos) == 0 {
			ui.Info("No orphaned repositories")
			return nil
		}
		ui.Success("Deleted %d findings from %s", res.Deleted, strings.Join(res.Repos, ", "))
		return nil
	})
}

// explain appends the re-authorization hint to permission errors.
func explain(err error) error {
	var perr *platform.PermissionError
	if errors.As(err, &perr) && perr.Hint != "" {
		return fmt.Errorf("%w\nhint: %s", err, perr.Hint)
	}
	return err
}
