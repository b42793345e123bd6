package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/joescharf/reviewd/internal/findings"
	"github.com/joescharf/reviewd/internal/jobs"
	"github.com/joescharf/reviewd/internal/llm"
	"github.com/joescharf/reviewd/internal/platform"
	"github.com/joescharf/reviewd/internal/store"
	"github.com/joescharf/reviewd/internal/worker"
)

var envKeyReplacer = strings.NewReplacer(".", "_")

// app holds the services shared by serve, mcp and the CLI commands.
type app struct {
	Store     store.Store
	Platforms *platform.Registry
	Worker    worker.Worker
	// Local is set when sessions run in this process.
	Local    *worker.Local
	Jobs     *jobs.Service
	Findings *findings.Service
	Logger   *slog.Logger
}

// newApp wires the store, platform registry, worker and services from the
// current configuration.
func newApp(logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := getStore()
	if err != nil {
		return nil, err
	}

	platforms, err := newPlatforms(s)
	if err != nil {
		return nil, err
	}

	a := &app{Store: s, Platforms: platforms, Logger: logger}
	switch mode := viper.GetString("worker.mode"); mode {
	case "", "local":
		a.Local = worker.NewLocal(newLLMClient(), platforms, logger.With("component", "worker"))
		a.Local.Timeout = viper.GetDuration("worker.session_timeout")
		a.Worker = a.Local
	case "remote":
		baseURL := viper.GetString("worker.remote_url")
		if baseURL == "" {
			return nil, fmt.Errorf("worker.mode is remote but worker.remote_url is not set")
		}
		a.Worker = worker.NewRemote(baseURL,
			viper.GetString("worker.callback_url"),
			viper.GetString("worker.callback_token"),
			viper.GetDuration("worker.timeout"),
		)
	default:
		return nil, fmt.Errorf("unknown worker.mode %q (want local or remote)", mode)
	}

	a.Jobs = jobs.NewService(s, a.Worker, platforms, logger.With("component", "jobs"))
	a.Findings = findings.NewService(s, platforms, a.Worker, logger.With("component", "findings"))

	if a.Local != nil {
		a.Local.OnReview = a.Jobs.CompleteSession
		a.Local.OnAnalysis = a.Findings.CompleteSession
	}
	return a, nil
}

// newPlatforms builds the registry with a GitHub App token source when an
// app is configured and static tokens otherwise.
func newPlatforms(s store.Store) (*platform.Registry, error) {
	r := &platform.Registry{
		Integrations: s,
		GitLabHost:   viper.GetString("gitlab.host"),
	}

	if appID := viper.GetString("github.app_id"); appID != "" {
		keyPath := viper.GetString("github.private_key_path")
		if keyPath == "" {
			return nil, fmt.Errorf("github.app_id is set but github.private_key_path is not")
		}
		src, err := platform.NewAppTokenSource(appID, keyPath, nil)
		if err != nil {
			return nil, err
		}
		r.GitHubTokens = src
	} else {
		r.GitHubTokens = platform.StaticTokenSource{Value: githubToken()}
	}
	r.GitLabTokens = platform.StaticTokenSource{Value: viper.GetString("gitlab.token")}
	return r, nil
}

func githubToken() string {
	if tok := viper.GetString("github.token"); tok != "" {
		return tok
	}
	return os.Getenv("GITHUB_TOKEN")
}

// newLLMClient creates an LLM client from viper config.
func newLLMClient() *llm.Client {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return llm.NewClient(apiKey, viper.GetString("anthropic.model"), viper.GetString("anthropic.deep_model"))
}

// newLogger builds the process logger from --log-format and --verbose.
func newLogger(format string, debug bool, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
