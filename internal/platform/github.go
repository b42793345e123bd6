package platform

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joescharf/reviewd/internal/models"
)

// GitHubSource names findings imported from Dependabot.
const GitHubSource = "dependabot"

// dependabotDismissReasons are accepted by the alerts API.
var dependabotDismissReasons = map[string]bool{
	"fix_started":    true,
	"inaccurate":     true,
	"no_bandwidth":   true,
	"not_used":       true,
	"tolerable_risk": true,
}

// GitHubClient implements Client with the gh CLI using an installation token.
type GitHubClient struct {
	token string
	run   Runner
}

// NewGitHubClient returns a client authenticating with token.
func NewGitHubClient(token string, run Runner) *GitHubClient {
	if run == nil {
		run = ExecRunner
	}
	return &GitHubClient{token: token, run: run}
}

func (c *GitHubClient) gh(ctx context.Context, args ...string) (string, error) {
	return c.run(ctx, []string{"GH_TOKEN=" + c.token}, "gh", args...)
}

type dependabotAlert struct {
	Number     int       `json:"number"`
	State      string    `json:"state"`
	HTMLURL    string    `json:"html_url"`
	CreatedAt  time.Time `json:"created_at"`
	Dependency struct {
		Package struct {
			Ecosystem string `json:"ecosystem"`
			Name      string `json:"name"`
		} `json:"package"`
		ManifestPath string `json:"manifest_path"`
	} `json:"dependency"`
	SecurityAdvisory struct {
		GHSAID   string `json:"ghsa_id"`
		CVEID    string `json:"cve_id"`
		Summary  string `json:"summary"`
		Severity string `json:"severity"`
	} `json:"security_advisory"`
	SecurityVulnerability struct {
		Severity string `json:"severity"`
	} `json:"security_vulnerability"`
}

// FetchAdvisories lists every Dependabot alert for repo in any state.
func (c *GitHubClient) FetchAdvisories(ctx context.Context, repo string) ([]models.Advisory, error) {
	out, err := c.gh(ctx, "api", "--paginate",
		fmt.Sprintf("repos/%s/dependabot/alerts?per_page=100", repo),
		"--jq", ".[]",
	)
	if err != nil {
		return nil, err
	}
	alerts, err := decodeStream[dependabotAlert](out)
	if err != nil {
		return nil, fmt.Errorf("parse dependabot alerts: %w", err)
	}

	advisories := make([]models.Advisory, 0, len(alerts))
	for _, a := range alerts {
		sev := a.SecurityVulnerability.Severity
		if sev == "" {
			sev = a.SecurityAdvisory.Severity
		}
		id := a.SecurityAdvisory.CVEID
		if id == "" {
			id = a.SecurityAdvisory.GHSAID
		}
		advisories = append(advisories, models.Advisory{
			SourceID:     strconv.Itoa(a.Number),
			State:        dependabotState(a.State),
			Severity:     parseSeverity(sev),
			Package:      a.Dependency.Package.Name,
			Ecosystem:    a.Dependency.Package.Ecosystem,
			Summary:      a.SecurityAdvisory.Summary,
			AdvisoryID:   id,
			ManifestPath: a.Dependency.ManifestPath,
			URL:          a.HTMLURL,
			CreatedAt:    a.CreatedAt,
		})
	}
	return advisories, nil
}

func dependabotState(s string) models.AdvisoryState {
	switch s {
	case "fixed":
		return models.AdvisoryFixed
	case "dismissed", "auto_dismissed":
		return models.AdvisoryDismissed
	default:
		return models.AdvisoryOpen
	}
}

// DismissAdvisory dismisses a Dependabot alert. Unknown reasons are sent as tolerable_risk.
func (c *GitHubClient) DismissAdvisory(ctx context.Context, repo, sourceID, reason, comment string) error {
	if !dependabotDismissReasons[reason] {
		reason = "tolerable_risk"
	}
	args := []string{"api", "-X", "PATCH",
		fmt.Sprintf("repos/%s/dependabot/alerts/%s", repo, sourceID),
		"-f", "state=dismissed",
		"-f", "dismissed_reason=" + reason,
	}
	if comment != "" {
		if len(comment) > 280 {
			comment = comment[:280]
		}
		args = append(args, "-f", "dismissed_comment="+comment)
	}
	_, err := c.gh(ctx, args...)
	return err
}

func (c *GitHubClient) PostReaction(ctx context.Context, repo string, changeID int, emoji string) error {
	_, err := c.gh(ctx, "api", "-X", "POST",
		fmt.Sprintf("repos/%s/issues/%d/reactions", repo, changeID),
		"-f", "content="+emoji,
	)
	return err
}

func (c *GitHubClient) PostComment(ctx context.Context, repo string, changeID int, body string) error {
	_, err := c.gh(ctx, "api", "-X", "POST",
		fmt.Sprintf("repos/%s/issues/%d/comments", repo, changeID),
		"-f", "body="+body,
	)
	return err
}

func (c *GitHubClient) ChangeDiff(ctx context.Context, repo string, changeID int) (string, error) {
	return c.gh(ctx, "pr", "diff", strconv.Itoa(changeID), "--repo", repo)
}

// ListRepos lists repositories visible to the installation.
func (c *GitHubClient) ListRepos(ctx context.Context) ([]string, error) {
	out, err := c.gh(ctx, "api", "--paginate", "installation/repositories?per_page=100",
		"--jq", ".repositories[].full_name")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}
