package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/output"
	"github.com/joescharf/reviewd/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "reviewd",
	Short: "Review and vulnerability job orchestrator",
	Long: `reviewd turns pull request and merge request events into review jobs,
syncs dependency advisories into findings, and dispatches both to a worker
pool under per-owner concurrency limits.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/reviewd/config.yaml)")
	rootCmd.PersistentFlags().String("owner", "", `Owner to act on, as "org:<name>" or "user:<id>"`)
	_ = viper.BindPFlag("owner", rootCmd.PersistentFlags().Lookup("owner"))
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		configDir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("REVIEWD")
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()

	configDir, _ := configDirFunc()
	setDefaults(configDir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers the default for every config key.
func setDefaults(configDir string) {
	viper.SetDefault("state_dir", configDir)
	viper.SetDefault("db_path", filepath.Join(configDir, "reviewd.db"))
	viper.SetDefault("owner", "")
	viper.SetDefault("listen_addr", ":8080")
	viper.SetDefault("sweep_interval", "30s")
	viper.SetDefault("stuck_after", "2h")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("worker.mode", "local")
	viper.SetDefault("worker.remote_url", "")
	viper.SetDefault("worker.callback_url", "")
	viper.SetDefault("worker.callback_token", "")
	viper.SetDefault("worker.timeout", "30s")
	viper.SetDefault("worker.session_timeout", "10m")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	viper.SetDefault("anthropic.deep_model", "claude-sonnet-4-5-20250929")
	viper.SetDefault("github.token", "")
	viper.SetDefault("github.app_id", "")
	viper.SetDefault("github.private_key_path", "")
	viper.SetDefault("github.webhook_secret", "")
	viper.SetDefault("gitlab.token", "")
	viper.SetDefault("gitlab.host", "")
	viper.SetDefault("gitlab.webhook_secret", "")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// The store is opened lazily so config and version run without a db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// currentOwner resolves the owner from --owner or the config file.
func currentOwner() (models.Owner, error) {
	raw := viper.GetString("owner")
	if raw == "" {
		return models.Owner{}, fmt.Errorf(`no owner: pass --owner "org:<name>" or set owner in the config file`)
	}
	return models.ParseOwner(raw)
}
