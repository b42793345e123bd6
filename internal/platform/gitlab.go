package platform

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/joescharf/reviewd/internal/models"
)

// GitLabSource names findings imported from GitLab dependency scanning.
const GitLabSource = "gitlab_dependency_scanning"

// GitLabClient implements Client with the glab CLI.
type GitLabClient struct {
	token string
	host  string
	run   Runner
}

// NewGitLabClient returns a client for host (empty for gitlab.com).
func NewGitLabClient(token, host string, run Runner) *GitLabClient {
	if run == nil {
		run = ExecRunner
	}
	return &GitLabClient{token: token, host: host, run: run}
}

func (c *GitLabClient) glab(ctx context.Context, args ...string) (string, error) {
	env := []string{"GITLAB_TOKEN=" + c.token}
	if c.host != "" {
		env = append(env, "GITLAB_HOST="+c.host)
	}
	return c.run(ctx, env, "glab", args...)
}

func project(repo string) string {
	return url.PathEscape(repo)
}

type gitlabVulnerability struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	Severity  string    `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
	WebURL    string    `json:"web_url"`
	Location  struct {
		File       string `json:"file"`
		Dependency struct {
			Package struct {
				Name string `json:"name"`
			} `json:"package"`
		} `json:"dependency"`
	} `json:"location"`
	Identifiers []struct {
		ExternalType string `json:"external_type"`
		Name         string `json:"name"`
	} `json:"identifiers"`
}

// FetchAdvisories lists dependency-scanning vulnerabilities for repo.
func (c *GitLabClient) FetchAdvisories(ctx context.Context, repo string) ([]models.Advisory, error) {
	out, err := c.glab(ctx, "api", "--paginate",
		fmt.Sprintf("projects/%s/vulnerabilities?report_type=dependency_scanning&per_page=100", project(repo)))
	if err != nil {
		return nil, err
	}
	vulns, err := decodeStream[gitlabVulnerability](out)
	if err != nil {
		return nil, fmt.Errorf("parse vulnerabilities: %w", err)
	}

	advisories := make([]models.Advisory, 0, len(vulns))
	for _, v := range vulns {
		id := ""
		for _, ident := range v.Identifiers {
			if ident.ExternalType == "cve" || id == "" {
				id = ident.Name
			}
		}
		advisories = append(advisories, models.Advisory{
			SourceID:     strconv.FormatInt(v.ID, 10),
			State:        gitlabState(v.State),
			Severity:     parseSeverity(v.Severity),
			Package:      v.Location.Dependency.Package.Name,
			Summary:      v.Title,
			AdvisoryID:   id,
			ManifestPath: v.Location.File,
			URL:          v.WebURL,
			CreatedAt:    v.CreatedAt,
		})
	}
	return advisories, nil
}

func gitlabState(s string) models.AdvisoryState {
	switch s {
	case "resolved":
		return models.AdvisoryFixed
	case "dismissed":
		return models.AdvisoryDismissed
	default:
		return models.AdvisoryOpen
	}
}

// DismissAdvisory dismisses a vulnerability. GitLab takes the comment only.
func (c *GitLabClient) DismissAdvisory(ctx context.Context, _ string, sourceID, reason, comment string) error {
	args := []string{"api", "-X", "POST", fmt.Sprintf("vulnerabilities/%s/dismiss", sourceID)}
	if comment == "" {
		comment = reason
	}
	if comment != "" {
		args = append(args, "-f", "comment="+comment)
	}
	_, err := c.glab(ctx, args...)
	return err
}

func (c *GitLabClient) PostReaction(ctx context.Context, repo string, changeID int, emoji string) error {
	_, err := c.glab(ctx, "api", "-X", "POST",
		fmt.Sprintf("projects/%s/merge_requests/%d/award_emoji", project(repo), changeID),
		"-f", "name="+emoji,
	)
	return err
}

func (c *GitLabClient) PostComment(ctx context.Context, repo string, changeID int, body string) error {
	_, err := c.glab(ctx, "api", "-X", "POST",
		fmt.Sprintf("projects/%s/merge_requests/%d/notes", project(repo), changeID),
		"-f", "body="+body,
	)
	return err
}

func (c *GitLabClient) ChangeDiff(ctx context.Context, repo string, changeID int) (string, error) {
	return c.glab(ctx, "mr", "diff", strconv.Itoa(changeID), "--repo", repo)
}

type gitlabProject struct {
	PathWithNamespace string `json:"path_with_namespace"`
}

// ListRepos lists projects the token is a member of.
func (c *GitLabClient) ListRepos(ctx context.Context) ([]string, error) {
	out, err := c.glab(ctx, "api", "--paginate", "projects?membership=true&simple=true&per_page=100")
	if err != nil {
		return nil, err
	}
	projects, err := decodeStream[gitlabProject](out)
	if err != nil {
		return nil, fmt.Errorf("parse projects: %w", err)
	}
	repos := make([]string, 0, len(projects))
	for _, p := range projects {
		repos = append(repos, p.PathWithNamespace)
	}
	return repos, nil
}
