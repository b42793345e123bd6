// Package events turns inbound platform webhooks into canonical change events.
package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/joescharf/reviewd/internal/models"
)

var (
	// ErrMissingHeadRevision is returned for a qualifying event without a head commit.
	ErrMissingHeadRevision = errors.New("event has no head revision")
	// ErrMalformedPayload is returned when a payload cannot be decoded.
	ErrMalformedPayload = errors.New("malformed event payload")
)

// SkipReason explains why a well-formed event produced no job.
type SkipReason string

const (
	SkipNone                SkipReason = ""
	SkipIgnoredAction       SkipReason = "ignored_action"
	SkipDraft               SkipReason = "draft"
	SkipIntegrationDisabled SkipReason = "integration_disabled"
	SkipAgentDisabled       SkipReason = "agent_disabled"
	SkipRepoNotSelected     SkipReason = "repo_not_selected"
)

// Change is a platform event decoded but not yet checked against owner config.
type Change struct {
	Platform       models.Platform
	InstallationID string
	Action         string
	// Qualifies is set by the parser when the action can start a review.
	Qualifies bool
	Draft     bool
	Repo      string
	ChangeID  int
	HeadSHA   string
	BaseRef   string
	HeadRef   string
	Author    string
	Title     string
	URL       string
}

// ConfigSource provides owner agent configuration.
type ConfigSource interface {
	GetAgentConfig(ctx context.Context, owner models.Owner, agent models.AgentType) (*models.OwnerAgentConfig, error)
}

// Normalizer applies owner policy to decoded changes.
type Normalizer struct {
	Configs ConfigSource
}

// NewNormalizer creates a Normalizer reading config from cs.
func NewNormalizer(cs ConfigSource) *Normalizer {
	return &Normalizer{Configs: cs}
}

// Normalize returns the canonical event for c, or the reason it was skipped.
// Only lookups are performed.
func (n *Normalizer) Normalize(ctx context.Context, in *models.Integration, c *Change) (*models.ChangeEvent, SkipReason, error) {
	if c == nil || in == nil {
		return nil, SkipNone, ErrMalformedPayload
	}
	if !c.Qualifies {
		return nil, SkipIgnoredAction, nil
	}
	if c.Draft {
		return nil, SkipDraft, nil
	}
	if !in.Enabled {
		return nil, SkipIntegrationDisabled, nil
	}

	cfg, err := n.Configs.GetAgentConfig(ctx, in.Owner, models.AgentTypeReview)
	if err != nil {
		return nil, SkipNone, fmt.Errorf("load review config: %w", err)
	}
	if !cfg.Enabled {
		return nil, SkipAgentDisabled, nil
	}
	if !cfg.RepoSelected(c.Repo) {
		return nil, SkipRepoNotSelected, nil
	}

	if c.HeadSHA == "" {
		return nil, SkipNone, fmt.Errorf("%s#%d: %w", c.Repo, c.ChangeID, ErrMissingHeadRevision)
	}
	if c.Repo == "" || c.ChangeID <= 0 {
		return nil, SkipNone, fmt.Errorf("missing repository or change number: %w", ErrMalformedPayload)
	}

	return &models.ChangeEvent{
		Owner:         in.Owner,
		IntegrationID: in.ID,
		Platform:      c.Platform,
		Repo:          c.Repo,
		ChangeID:      c.ChangeID,
		HeadSHA:       c.HeadSHA,
		BaseRef:       c.BaseRef,
		HeadRef:       c.HeadRef,
		Author:        c.Author,
		Title:         c.Title,
		URL:           c.URL,
	}, SkipNone, nil
}
