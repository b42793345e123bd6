package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/output"
)

var (
	integrationPlatform     string
	integrationInstallation string
	integrationAccount      string
	integrationDisabled     bool
)

var integrationsCmd = &cobra.Command{
	Use:   "integrations",
	Short: "Manage platform integrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return integrationsListRun(cmd.Context())
	},
}

var integrationsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Link the owner to a GitHub installation or GitLab group",
	RunE: func(cmd *cobra.Command, args []string) error {
		return integrationsAddRun(cmd.Context())
	},
}

var integrationsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List the owner's integrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return integrationsListRun(cmd.Context())
	},
}

func init() {
	integrationsAddCmd.Flags().StringVar(&integrationPlatform, "platform", "github", "Platform: github or gitlab")
	integrationsAddCmd.Flags().StringVar(&integrationInstallation, "installation", "", "GitHub App installation id (GitHub only)")
	integrationsAddCmd.Flags().StringVar(&integrationAccount, "account", "", "Account or group name on the platform")
	integrationsAddCmd.Flags().BoolVar(&integrationDisabled, "disabled", false, "Create the integration disabled")

	integrationsCmd.AddCommand(integrationsAddCmd, integrationsListCmd)
	rootCmd.AddCommand(integrationsCmd)
}

func integrationsAddRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	owner, err := currentOwner()
	if err != nil {
		return err
	}
	in := &models.Integration{
		Owner:          owner,
		Platform:       models.Platform(integrationPlatform),
		InstallationID: integrationInstallation,
		Account:        integrationAccount,
		Enabled:        !integrationDisabled,
	}
	if !in.Platform.Valid() {
		return fmt.Errorf("unknown platform %q (want github or gitlab)", integrationPlatform)
	}
	if in.Platform == models.PlatformGitHub && in.InstallationID == "" {
		return fmt.Errorf("--installation is required for github integrations")
	}

	if dryRun {
		ui.DryRunMsg("Would add %s integration for %s", in.Platform, owner)
		return nil
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	if err := s.CreateIntegration(ctx, in); err != nil {
		return err
	}
	ui.Success("Added %s integration %s", in.Platform, output.Cyan(in.ID))
	if in.Platform == models.PlatformGitLab {
		ui.Info("Webhook URL path: /webhooks/gitlab/%s", in.ID)
	}
	return nil
}

func integrationsListRun(ctx context.Context) error {
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
	list, err := s.ListIntegrations(ctx, owner)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ui.Info("No integrations for %s", owner)
		return nil
	}

	table := ui.Table([]string{"ID", "Platform", "Installation", "Account", "Enabled"})
	for _, in := range list {
		enabled := output.Green("yes")
		if !in.Enabled {
			enabled = output.Red("no")
		}
		_ = table.Append([]string{in.ID, string(in.Platform), in.InstallationID, in.Account, enabled})
	}
	return table.Render()
}
