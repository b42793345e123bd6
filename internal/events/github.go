package events

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/joescharf/reviewd/internal/models"
)

// githubReviewActions are pull_request actions that warrant a review.
var githubReviewActions = map[string]bool{
	"opened":           true,
	"synchronize":      true,
	"reopened":         true,
	"ready_for_review": true,
}

type githubPullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		HTMLURL string `json:"html_url"`
		Draft   bool   `json:"draft"`
		User    struct {
			Login string `json:"login"`
		} `json:"user"`
		Head struct {
			SHA string `json:"sha"`
			Ref string `json:"ref"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

// ParseGitHubPullRequest decodes a GitHub pull_request webhook body.
func ParseGitHubPullRequest(body []byte) (*Change, error) {
	var ev githubPullRequestEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode pull_request: %w: %v", ErrMalformedPayload, err)
	}
	if ev.Installation.ID == 0 {
		return nil, fmt.Errorf("pull_request without installation: %w", ErrMalformedPayload)
	}

	number := ev.PullRequest.Number
	if number == 0 {
		number = ev.Number
	}

	return &Change{
		Platform:       models.PlatformGitHub,
		InstallationID: strconv.FormatInt(ev.Installation.ID, 10),
		Action:         ev.Action,
		Qualifies:      githubReviewActions[ev.Action],
		Draft:          ev.PullRequest.Draft,
		Repo:           ev.Repository.FullName,
		ChangeID:       number,
		HeadSHA:        ev.PullRequest.Head.SHA,
		BaseRef:        ev.PullRequest.Base.Ref,
		HeadRef:        ev.PullRequest.Head.Ref,
		Author:         ev.PullRequest.User.Login,
		Title:          ev.PullRequest.Title,
		URL:            ev.PullRequest.HTMLURL,
	}, nil
}
