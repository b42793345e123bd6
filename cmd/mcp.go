package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/reviewd/internal/mcp"
	"github.com/joescharf/reviewd/internal/models"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for Claude Code integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an assistant inspect review jobs and drive finding analysis.
Configure it with:

  {
    "mcpServers": {
      "reviewd": { "command": "reviewd", "args": ["mcp"] }
    }
  }

Available tools: reviewd_list_jobs, reviewd_job_status, reviewd_list_findings,
reviewd_start_analysis, reviewd_trigger_sync, reviewd_dismiss_finding`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// Stdout carries the protocol, so logs go to stderr.
	logger := newLogger(viper.GetString("log.format"), verbose, os.Stderr)

	var owner models.Owner
	if viper.GetString("owner") != "" {
		o, err := currentOwner()
		if err != nil {
			return err
		}
		owner = o
	}

	a, err := newApp(logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Store.Close() }()

	srv := mcp.NewServer(a.Jobs, a.Findings, owner, buildVersion)
	err = srv.ServeStdio(ctx)
	if a.Local != nil {
		a.Local.Wait()
	}
	return err
}
