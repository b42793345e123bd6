package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/output"
)

var agentSet struct {
	enabled     bool
	limit       int
	repos       []string
	model       string
	autoDismiss bool
	threshold   string
	slaCritical int
	slaHigh     int
	slaMedium   int
	slaLow      int
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Show or change per-owner agent configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentsShowRun(cmd.Context(), nil)
	},
}

var agentsShowCmd = &cobra.Command{
	Use:   "show [review|analysis]",
	Short: "Show agent configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentsShowRun(cmd.Context(), args)
	},
}

var agentsSetCmd = &cobra.Command{
	Use:   "set <review|analysis>",
	Short: "Change agent configuration",
	Long: `Change agent configuration. Only the flags given are changed.

  reviewd agents set review --limit 5
  reviewd agents set analysis --auto-dismiss --threshold high
  reviewd agents set analysis --repos acme/api,acme/web`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentsSetRun(cmd, args[0])
	},
}

func init() {
	f := agentsSetCmd.Flags()
	f.BoolVar(&agentSet.enabled, "enabled", true, "Enable the agent")
	f.IntVar(&agentSet.limit, "limit", models.DefaultConcurrencyLimit, "Concurrency limit")
	f.StringSliceVar(&agentSet.repos, "repos", nil, "Only act on these repositories (empty for all)")
	f.StringVar(&agentSet.model, "model", "", "Model override")
	f.BoolVar(&agentSet.autoDismiss, "auto-dismiss", false, "Dismiss findings the analysis clears")
	f.StringVar(&agentSet.threshold, "threshold", string(models.ConfidenceHigh), "Auto-dismiss confidence threshold: low, medium, high")
	f.IntVar(&agentSet.slaCritical, "sla-critical", models.DefaultSLADays.Critical, "SLA days for critical findings")
	f.IntVar(&agentSet.slaHigh, "sla-high", models.DefaultSLADays.High, "SLA days for high findings")
	f.IntVar(&agentSet.slaMedium, "sla-medium", models.DefaultSLADays.Medium, "SLA days for medium findings")
	f.IntVar(&agentSet.slaLow, "sla-low", models.DefaultSLADays.Low, "SLA days for low findings")

	agentsCmd.AddCommand(agentsShowCmd, agentsSetCmd)
	rootCmd.AddCommand(agentsCmd)
}

func parseAgentType(s string) (models.AgentType, error) {
	switch t := models.AgentType(strings.ToLower(s)); t {
	case models.AgentTypeReview, models.AgentTypeAnalysis:
		return t, nil
	}
	return "", fmt.Errorf("unknown agent %q (want review or analysis)", s)
}

func agentsShowRun(ctx context.Context, args []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	owner, err := currentOwner()
	if err != nil {
		return err
	}
	s, err := getStore()
	if err != nil {
		return err
	}

	agents := []models.AgentType{models.AgentTypeReview, models.AgentTypeAnalysis}
	if len(args) == 1 {
		t, err := parseAgentType(args[0])
		if err != nil {
			return err
		}
		agents = []models.AgentType{t}
	}
	for i, t := range agents {
		cfg, err := s.GetAgentConfig(ctx, owner, t)
		if err != nil {
			return err
		}
		if i > 0 {
			fmt.Fprintln(ui.Out)
		}
		printAgentConfig(cfg)
	}
	return nil
}

func printAgentConfig(cfg *models.OwnerAgentConfig) {
	state := output.Green("enabled")
	if !cfg.Enabled {
		state = output.Red("disabled")
	}
	fmt.Fprintf(ui.Out, "%s  %s  %s\n", output.Cyan(string(cfg.AgentType)), cfg.Owner, state)
	fmt.Fprintf(ui.Out, "  Limit:        %d\n", cfg.ConcurrencyLimit)
	if cfg.SelectionMode == models.RepoSelectionSelected {
		fmt.Fprintf(ui.Out, "  Repos:        %s\n", strings.Join(cfg.SelectedRepos, ", "))
	} else {
		fmt.Fprintf(ui.Out, "  Repos:        all\n")
	}
	if cfg.Model != "" {
		fmt.Fprintf(ui.Out, "  Model:        %s\n", cfg.Model)
	}
	if cfg.AgentType == models.AgentTypeAnalysis {
		fmt.Fprintf(ui.Out, "  SLA days:     critical %d, high %d, medium %d, low %d\n",
			cfg.SLA.Critical, cfg.SLA.High, cfg.SLA.Medium, cfg.SLA.Low)
		fmt.Fprintf(ui.Out, "  Auto-dismiss: %t (threshold %s)\n", cfg.AutoDismiss.Enabled, cfg.AutoDismiss.ConfidenceThreshold)
	}
}

func agentsSetRun(cmd *cobra.Command, agent string) error {
	owner, err := currentOwner()
	if err != nil {
		return err
	}
	t, err := parseAgentType(agent)
	if err != nil {
		return err
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	cfg, err := s.GetAgentConfig(ctx, owner, t)
	if err != nil {
		return err
	}
	if err := applyAgentFlags(cmd, cfg); err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would save %s config for %s", t, owner)
		printAgentConfig(cfg)
		return nil
	}
	if err := s.SaveAgentConfig(ctx, cfg); err != nil {
		return fmt.Errorf("save agent config: %w", err)
	}
	ui.Success("Saved %s config for %s", t, output.Cyan(owner.String()))
	printAgentConfig(cfg)
	return nil
}

// applyAgentFlags copies the flags the user set onto cfg.
func applyAgentFlags(cmd *cobra.Command, cfg *models.OwnerAgentConfig) error {
	changed := cmd.Flags().Changed
	if changed("enabled") {
		cfg.Enabled = agentSet.enabled
	}
	if changed("limit") {
		if agentSet.limit < 0 {
			return fmt.Errorf("limit must not be negative")
		}
		cfg.ConcurrencyLimit = agentSet.limit
	}
	if changed("repos") {
		cfg.SelectedRepos = agentSet.repos
		cfg.SelectionMode = models.RepoSelectionSelected
		if len(agentSet.repos) == 0 {
			cfg.SelectionMode = models.RepoSelectionAll
		}
	}
	if changed("model") {
		cfg.Model = agentSet.model
	}
	if changed("auto-dismiss") {
		cfg.AutoDismiss.Enabled = agentSet.autoDismiss
	}
	if changed("threshold") {
		c, err := models.ParseConfidence(agentSet.threshold)
		if err != nil {
			return err
		}
		cfg.AutoDismiss.ConfidenceThreshold = c
	}
	for name, dst := range map[string]*int{
		"sla-critical": &cfg.SLA.Critical,
		"sla-high":     &cfg.SLA.High,
		"sla-medium":   &cfg.SLA.Medium,
		"sla-low":      &cfg.SLA.Low,
	} {
		if !changed(name) {
			continue
		}
		v, _ := cmd.Flags().GetInt(name)
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
		*dst = v
	}
	return nil
}
