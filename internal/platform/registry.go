package platform

import (
	"context"
	"fmt"

	"github.com/joescharf/reviewd/internal/models"
)

// IntegrationStore looks up integrations.
type IntegrationStore interface {
	GetIntegration(ctx context.Context, id string) (*models.Integration, error)
}

// Registry builds authenticated clients per integration.
type Registry struct {
	Integrations IntegrationStore
	GitHubTokens TokenSource
	GitLabTokens TokenSource
	GitLabHost   string
	Run          Runner
}

// ForIntegration returns a client authenticated for in.
func (r *Registry) ForIntegration(ctx context.Context, in *models.Integration) (Client, error) {
	switch in.Platform {
	case models.PlatformGitHub:
		if r.GitHubTokens == nil {
			return nil, fmt.Errorf("github: %w", ErrNoToken)
		}
		tok, err := r.GitHubTokens.Token(ctx, in)
		if err != nil {
			return nil, err
		}
		return NewGitHubClient(tok, r.Run), nil
	case models.PlatformGitLab:
		if r.GitLabTokens == nil {
			return nil, fmt.Errorf("gitlab: %w", ErrNoToken)
		}
		tok, err := r.GitLabTokens.Token(ctx, in)
		if err != nil {
			return nil, err
		}
		return NewGitLabClient(tok, r.GitLabHost, r.Run), nil
	}
	return nil, fmt.Errorf("unsupported platform %q", in.Platform)
}

// For returns a client for the integration with the given id.
func (r *Registry) For(ctx context.Context, integrationID string) (Client, error) {
	in, err := r.Integrations.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	return r.ForIntegration(ctx, in)
}

// PostReaction reacts on a change through its integration.
func (r *Registry) PostReaction(ctx context.Context, integrationID, repo string, changeID int, emoji string) error {
	c, err := r.For(ctx, integrationID)
	if err != nil {
		return err
	}
	return c.PostReaction(ctx, repo, changeID, emoji)
}
