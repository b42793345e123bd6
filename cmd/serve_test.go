package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/reviewd/internal/daemon"
)

func TestPidFile_Path(t *testing.T) {
	dir := testEnv(t)

	pf := pidFile()
	expected := filepath.Join(dir, "reviewd-serve.pid")
	assert.Equal(t, expected, pf.Path)
}

func TestServeLogPath(t *testing.T) {
	dir := testEnv(t)

	logPath := serveLogPath()
	expected := filepath.Join(dir, "reviewd-serve.log")
	assert.Equal(t, expected, logPath)
}

func TestServeStatusRun_NotRunning(t *testing.T) {
	testEnv(t)

	// No PID file exists, so status should show "not running" without error.
	err := serveStatusRun()
	assert.NoError(t, err)
}

func TestServeStopRun_NotRunning(t *testing.T) {
	testEnv(t)

	// No PID file exists, so stop should return an error.
	err := serveStopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestServeStartRun_AlreadyRunning(t *testing.T) {
	dir := testEnv(t)

	// Write a PID file for the current process (which is alive).
	pf := daemon.NewPIDFile(filepath.Join(dir, "reviewd-serve.pid"))
	require.NoError(t, pf.Write(":8080"))
	t.Cleanup(func() { _ = os.Remove(pf.Path) })

	err := serveStartRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestServeStatusRun_Running(t *testing.T) {
	dir := testEnv(t)

	pf := daemon.NewPIDFile(filepath.Join(dir, "reviewd-serve.pid"))
	require.NoError(t, pf.Write("127.0.0.1:9090"))

	var out bytes.Buffer
	ui.Out = &out
	require.NoError(t, serveStatusRun())
	assert.Contains(t, out.String(), "127.0.0.1:9090")
}

func TestServeStopRun_StalePIDFile(t *testing.T) {
	dir := testEnv(t)

	pf := daemon.NewPIDFile(filepath.Join(dir, "reviewd-serve.pid"))
	require.NoError(t, pf.WriteInfo(daemon.Info{PID: 999999}))

	err := serveStopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
	_, statErr := os.Stat(pf.Path)
	assert.True(t, os.IsNotExist(statErr), "stale pid file should be removed")
}

func TestServeSweepRun(t *testing.T) {
	if _, ok := sweepSignal(); !ok {
		t.Skip("sweep signal not supported on this platform")
	}
	dir := testEnv(t)

	err := serveSweepRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")

	// Dry run against this process so the test never signals itself.
	pf := daemon.NewPIDFile(filepath.Join(dir, "reviewd-serve.pid"))
	require.NoError(t, pf.Write(":8080"))
	dryRun = true
	ui.DryRun = true
	t.Cleanup(func() { dryRun = false })

	var errOut bytes.Buffer
	ui.ErrOut = &errOut
	require.NoError(t, serveSweepRun())
	assert.Contains(t, errOut.String(), "Would request a sweep")
}
