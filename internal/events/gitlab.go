package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/joescharf/reviewd/internal/models"
)

type gitlabMergeRequestEvent struct {
	ObjectKind string `json:"object_kind"`
	User       struct {
		Username string `json:"username"`
	} `json:"user"`
	Project struct {
		ID                int64  `json:"id"`
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
	ObjectAttributes struct {
		IID            int    `json:"iid"`
		Title          string `json:"title"`
		URL            string `json:"url"`
		SourceBranch   string `json:"source_branch"`
		TargetBranch   string `json:"target_branch"`
		State          string `json:"state"`
		Action         string `json:"action"`
		Draft          bool   `json:"draft"`
		WorkInProgress bool   `json:"work_in_progress"`
		OldRev         string `json:"oldrev"`
		LastCommit     struct {
			ID string `json:"id"`
		} `json:"last_commit"`
	} `json:"object_attributes"`
}

// ParseGitLabMergeRequest decodes a GitLab "Merge Request Hook" body.
// An update only qualifies when it carries new commits.
func ParseGitLabMergeRequest(body []byte) (*Change, error) {
	var ev gitlabMergeRequestEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode merge_request: %w: %v", ErrMalformedPayload, err)
	}
	if ev.ObjectKind != "merge_request" {
		return nil, fmt.Errorf("unexpected object_kind %q: %w", ev.ObjectKind, ErrMalformedPayload)
	}

	attrs := ev.ObjectAttributes
	qualifies := false
	switch attrs.Action {
	case "open", "reopen":
		qualifies = true
	case "update":
		qualifies = attrs.OldRev != ""
	}

	return &Change{
		Platform:       models.PlatformGitLab,
		InstallationID: strconv.FormatInt(ev.Project.ID, 10),
		Action:         attrs.Action,
		Qualifies:      qualifies,
		Draft:          attrs.Draft || attrs.WorkInProgress || strings.HasPrefix(strings.ToLower(attrs.Title), "draft:"),
		Repo:           ev.Project.PathWithNamespace,
		ChangeID:       attrs.IID,
		HeadSHA:        attrs.LastCommit.ID,
		BaseRef:        attrs.TargetBranch,
		HeadRef:        attrs.SourceBranch,
		Author:         ev.User.Username,
		Title:          attrs.Title,
		URL:            attrs.URL,
	}, nil
}
