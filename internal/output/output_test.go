package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUI() (*UI, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &UI{Out: out, ErrOut: errOut}, out, errOut
}

func TestInfo(t *testing.T) {
	u, out, _ := newTestUI()
	u.Info("hello %s", "world")
	assert.Contains(t, out.String(), "hello world")
}

func TestSuccess(t *testing.T) {
	u, out, _ := newTestUI()
	u.Success("done %d", 42)
	assert.Contains(t, out.String(), "done 42")
}

func TestWarning(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Warning("careful %s", "now")
	assert.Contains(t, errOut.String(), "careful now")
}

func TestError(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Error("failed %s", "badly")
	assert.Contains(t, errOut.String(), "failed badly")
}

func TestVerboseLog_Enabled(t *testing.T) {
	u, out, _ := newTestUI()
	u.Verbose = true
	u.VerboseLog("detail %d", 1)
	assert.Contains(t, out.String(), "detail 1")
}

func TestVerboseLog_Disabled(t *testing.T) {
	u, out, _ := newTestUI()
	u.Verbose = false
	u.VerboseLog("detail %d", 1)
	assert.Empty(t, out.String())
}

func TestDryRunMsg_Enabled(t *testing.T) {
	u, _, errOut := newTestUI()
	u.DryRun = true
	u.DryRunMsg("would create %s", "file")
	assert.Contains(t, errOut.String(), "[DRY-RUN]")
	assert.Contains(t, errOut.String(), "would create file")
}

func TestDryRunMsg_Disabled(t *testing.T) {
	u, _, errOut := newTestUI()
	u.DryRun = false
	u.DryRunMsg("would create %s", "file")
	assert.Empty(t, errOut.String())
}

func TestColorHelpers(t *testing.T) {
	// Color helpers should return non-empty strings
	assert.NotEmpty(t, Cyan("test"))
	assert.NotEmpty(t, Green("test"))
	assert.NotEmpty(t, Yellow("test"))
	assert.NotEmpty(t, Red("test"))
}

func TestStatusColor(t *testing.T) {
	for _, st := range []string{"pending", "running", "completed", "failed", "cancelled", "open", "fixed", "dismissed", "ignored"} {
		assert.Contains(t, StatusColor(st), st)
	}
	assert.Equal(t, "unknown", StatusColor("unknown"))
}

func TestSeverityColor(t *testing.T) {
	assert.Contains(t, SeverityColor("critical"), "critical")
	assert.Contains(t, SeverityColor("high"), "high")
	assert.Equal(t, "low", SeverityColor("low"))
}

func TestDueColor(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "-", DueColor(time.Time{}, now))
	assert.Contains(t, DueColor(now.Add(-24*time.Hour), now), "overdue")
	assert.Contains(t, DueColor(now.Add(72*time.Hour), now), "2026-03-04")
	assert.Equal(t, "2026-04-01", DueColor(now.AddDate(0, 1, 0), now))
}

func TestTable(t *testing.T) {
	u, out, _ := newTestUI()
	table := u.Table([]string{"Repo", "Status"})
	require.NotNil(t, table)

	require.NoError(t, table.Append([]string{"acme/api", "running"}))
	require.NoError(t, table.Append([]string{"acme/web", "pending"}))
	require.NoError(t, table.Render())

	result := out.String()
	assert.True(t, strings.Contains(result, "acme/api"), "table output should contain repo names")
	assert.True(t, strings.Contains(result, "acme/web"), "table output should contain repo names")
}
