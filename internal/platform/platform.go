// Package platform talks to GitHub and GitLab through the gh and glab CLIs.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/joescharf/reviewd/internal/models"
)

var (
	// ErrPermission is returned when the platform denies the required role or scope.
	ErrPermission = errors.New("permission denied by platform")
	// ErrTransient is returned for network errors and platform outages.
	ErrTransient = errors.New("transient platform error")
	// ErrNoToken is returned when no credential can be obtained for an integration.
	ErrNoToken = errors.New("no integration token available")
)

// ReauthorizeHint is shown to users when the platform denies access.
const ReauthorizeHint = "re-authorize the integration and grant the security events / vulnerability scopes"

// PermissionError carries a remediation hint for a denied call.
type PermissionError struct {
	Op   string
	Hint string
	Err  error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s: permission denied: %v", e.Op, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// Is matches ErrPermission.
func (e *PermissionError) Is(target error) bool { return target == ErrPermission }

// Client is the capability surface the core consumes for one integration.
type Client interface {
	FetchAdvisories(ctx context.Context, repo string) ([]models.Advisory, error)
	DismissAdvisory(ctx context.Context, repo, sourceID, reason, comment string) error
	PostReaction(ctx context.Context, repo string, changeID int, emoji string) error
	PostComment(ctx context.Context, repo string, changeID int, body string) error
	ChangeDiff(ctx context.Context, repo string, changeID int) (string, error)
	ListRepos(ctx context.Context) ([]string, error)
}

// Runner executes a CLI with extra environment and returns trimmed stdout.
type Runner func(ctx context.Context, env []string, name string, args ...string) (string, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, env []string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		op := name + " " + strings.Join(redact(args), " ")
		if ctx.Err() != nil {
			return "", fmt.Errorf("%s: %w: %v", op, ErrTransient, ctx.Err())
		}
		return "", classify(op, strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// classify maps CLI stderr to the error taxonomy.
func classify(op, stderr string, err error) error {
	msg := stderr
	if msg == "" {
		msg = err.Error()
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "http 401"), strings.Contains(lower, "http 403"),
		strings.Contains(lower, "resource not accessible"), strings.Contains(lower, "403 forbidden"),
		strings.Contains(lower, "401 unauthorized"), strings.Contains(lower, "insufficient_scope"):
		return &PermissionError{Op: op, Hint: ReauthorizeHint, Err: errors.New(msg)}
	case strings.Contains(lower, "http 5"), strings.Contains(lower, "timeout"),
		strings.Contains(lower, "connection refused"), strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "no such host"), strings.Contains(lower, "rate limit"):
		return fmt.Errorf("%s: %w: %s", op, ErrTransient, msg)
	}
	return fmt.Errorf("%s: %s", op, msg)
}

// redact hides field values that may carry secrets or long bodies.
func redact(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if k, _, ok := strings.Cut(a, "="); ok && i > 0 && (args[i-1] == "-f" || args[i-1] == "-F" || args[i-1] == "--raw-field") {
			out[i] = k + "=..."
			continue
		}
		if strings.HasPrefix(a, "Authorization:") {
			out[i] = "Authorization: ..."
			continue
		}
		out[i] = a
	}
	return out
}

// decodeStream decodes a sequence of JSON values, each either a T or a []T,
// as produced by paginated CLI output.
func decodeStream[T any](out string) ([]T, error) {
	var items []T
	dec := json.NewDecoder(strings.NewReader(out))
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == io.EOF {
			return items, nil
		} else if err != nil {
			return nil, err
		}
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			var page []T
			if err := json.Unmarshal(trimmed, &page); err != nil {
				return nil, err
			}
			items = append(items, page...)
			continue
		}
		var item T
		if err := json.Unmarshal(trimmed, &item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
}

// parseSeverity maps platform severities, folding unknown levels into low.
func parseSeverity(s string) models.Severity {
	sev, err := models.ParseSeverity(s)
	if err != nil {
		return models.SeverityLow
	}
	return sev
}
