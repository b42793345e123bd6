//go:build !windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// setDaemonAttrs starts the background server in its own session so it
// outlives the terminal that ran 'serve start'.
func setDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// sweepSignal asks a running server for an immediate sweep.
func sweepSignal() (syscall.Signal, bool) { return syscall.SIGHUP, true }

// stopSignal lets the server drain sessions for shutdownGrace.
func stopSignal() syscall.Signal { return syscall.SIGTERM }

func killSignal() syscall.Signal { return syscall.SIGKILL }
