package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/reviewd/internal/api"
	"github.com/joescharf/reviewd/internal/daemon"
	"github.com/joescharf/reviewd/internal/dispatch"
)

// shutdownGrace bounds how long in-flight sessions may finish on shutdown.
const shutdownGrace = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook, callback and query API with the dispatcher",
	Long: `Run the HTTP API in the foreground. Webhooks create review jobs, worker
callbacks complete them, and a periodic sweep admits pending work and fails
jobs whose worker never reported back.

Use 'serve start' to run it in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Ask the background server to sweep now",
	Long: `Ask the background server to fail stuck jobs and admit pending work
without waiting for the next sweep_interval tick.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveSweepRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.AddCommand(serveStartCmd, serveStopCmd, serveSweepCmd, serveStatusCmd)
	rootCmd.AddCommand(serveCmd)

	serveCmd.PersistentFlags().String("addr", ":8080", "address to listen on")
	serveCmd.PersistentFlags().String("log-format", "text", "log format: text or json")
	_ = viper.BindPFlag("listen_addr", serveCmd.PersistentFlags().Lookup("addr"))
	_ = viper.BindPFlag("log.format", serveCmd.PersistentFlags().Lookup("log-format"))
}

func stateDir() string {
	if dir := viper.GetString("state_dir"); dir != "" {
		return dir
	}
	dir, _ := configDirFunc()
	return dir
}

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(stateDir(), "reviewd-serve.pid"))
}

func serveLogPath() string {
	return filepath.Join(stateDir(), "reviewd-serve.log")
}

func serveRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(viper.GetString("log.format"), verbose, os.Stderr)

	a, err := newApp(logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Store.Close() }()

	srv := api.NewServer(api.Config{
		Store:               a.Store,
		Jobs:                a.Jobs,
		Findings:            a.Findings,
		Logger:              logger.With("component", "api"),
		GitHubWebhookSecret: viper.GetString("github.webhook_secret"),
		GitLabWebhookSecret: viper.GetString("gitlab.webhook_secret"),
		CallbackToken:       viper.GetString("worker.callback_token"),
	})

	addr := viper.GetString("listen_addr")
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	pf := pidFile()
	if err := pf.Write(addr); err != nil {
		logger.Warn("write pid file", "path", pf.Path, "error", err)
	}
	defer func() { _ = pf.Remove() }()

	interval := viper.GetDuration("sweep_interval")
	if interval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %q", viper.GetString("sweep_interval"))
	}
	sweeper := dispatch.NewSweeper(interval, logger.With("component", "sweeper"),
		a.Jobs.Queue(), a.Findings.Queue())
	sweeper.StuckAfter = viper.GetDuration("stuck_after")

	var wg conc.WaitGroup
	wg.Go(func() { sweeper.Run(ctx) })

	if sig, ok := sweepSignal(); ok {
		sweepCh := make(chan os.Signal, 1)
		signal.Notify(sweepCh, sig)
		defer signal.Stop(sweepCh)
		wg.Go(func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-sweepCh:
					res := sweeper.SweepOnce(ctx)
					logger.Info("sweep on request", "dispatched", res.Dispatched, "pending", res.StillPending)
				}
			}
		})
	}

	errCh := make(chan error, 1)
	wg.Go(func() {
		logger.Info("listening", "addr", addr, "worker", viper.GetString("worker.mode"))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		stop()
	})

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if a.Local != nil {
		drainLocal(shutdownCtx, a)
	}
	wg.Wait()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve %s: %w", addr, err)
	default:
		return nil
	}
}

// drainLocal lets in-flight sessions finish until ctx expires, then cancels
// the rest. Cancelled sessions stay running and are failed by a later sweep.
func drainLocal(ctx context.Context, a *app) {
	done := make(chan struct{})
	go func() {
		a.Local.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.Logger.Warn("cancelling unfinished sessions", "count", a.Local.Active())
		a.Local.Shutdown()
	}
}

func serveStartRun() error {
	pf := pidFile()
	if info, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (pid %d, %s)", info.PID, info.Addr)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	if err := os.MkdirAll(stateDir(), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	logPath := serveLogPath()
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	args := []string{"serve", "--addr", viper.GetString("listen_addr"), "--log-format", viper.GetString("log.format")}
	if cfg := viper.ConfigFileUsed(); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if verbose {
		args = append(args, "--verbose")
	}

	if dryRun {
		ui.DryRunMsg("Would run %s %v (log %s)", exe, args, logPath)
		return nil
	}

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	// The child rewrites the file once it is listening.
	if err := pf.WriteInfo(daemon.Info{PID: child.Process.Pid, Addr: viper.GetString("listen_addr")}); err != nil {
		ui.Warning("Could not write PID file: %v", err)
	}
	_ = child.Process.Release()

	ui.Success("Server started (pid %d)", child.Process.Pid)
	ui.Info("Logs: %s", logPath)
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	info, running := pf.IsRunning()
	if !running {
		if info.PID != 0 {
			_ = pf.Remove()
		}
		return fmt.Errorf("server is not running")
	}

	if dryRun {
		ui.DryRunMsg("Would stop server (pid %d)", info.PID)
		return nil
	}

	if err := pf.Signal(stopSignal()); err != nil {
		return fmt.Errorf("signal server: %w", err)
	}
	deadline := time.Now().Add(shutdownGrace + 5*time.Second)
	for time.Now().Before(deadline) {
		if _, alive := pf.IsRunning(); !alive {
			_ = pf.Remove()
			ui.Success("Server stopped (pid %d)", info.PID)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	ui.Warning("Server did not exit, killing pid %d", info.PID)
	if err := pf.Signal(killSignal()); err != nil {
		return fmt.Errorf("kill server: %w", err)
	}
	_ = pf.Remove()
	return nil
}

func serveSweepRun() error {
	sig, ok := sweepSignal()
	if !ok {
		return fmt.Errorf("serve sweep is not supported on this platform")
	}
	pf := pidFile()
	info, running := pf.IsRunning()
	if !running {
		return fmt.Errorf("server is not running")
	}
	if dryRun {
		ui.DryRunMsg("Would request a sweep from pid %d", info.PID)
		return nil
	}
	if err := pf.Signal(sig); err != nil {
		return fmt.Errorf("signal server: %w", err)
	}
	ui.Success("Sweep requested (pid %d)", info.PID)
	return nil
}

func serveStatusRun() error {
	info, running := pidFile().IsRunning()
	if !running {
		ui.Info("Server is not running")
		return nil
	}
	ui.Success("Server running (pid %d) on %s", info.PID, info.Addr)
	ui.Info("Logs: %s", serveLogPath())
	return nil
}
