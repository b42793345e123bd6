//go:build windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

func setDaemonAttrs(_ *exec.Cmd) {}

func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// sweepSignal is unsupported: Windows has no signal another process can send
// short of killing the server.
func sweepSignal() (syscall.Signal, bool) { return 0, false }

// stopSignal kills the server outright, since only os.Kill reaches another
// process. Its running jobs are failed by the next server's stale sweep.
func stopSignal() syscall.Signal { return syscall.SIGKILL }

func killSignal() syscall.Signal { return syscall.SIGKILL }
