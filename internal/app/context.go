package app

import (
	"context"
	"errors"
	"fmt"

	"agentline/internal/config"
	"agentline/internal/engine"
	"agentline/internal/repo"
)

// ResolveOrganizationAndConfig picks the active organization and loads the
// workspace config. It prefers the override, then the single organization
// userID belongs to. An overridden organization that does not exist yet is
// created with userID as owner.
func ResolveOrganizationAndConfig(ctx context.Context, workspace, orgOverride, userID string, eng engine.Engine) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	orgID, err := ResolveOrganization(ctx, orgOverride, userID, eng)
	if err != nil {
		return "", nil, err
	}
	return orgID, cfg, nil
}

func ResolveOrganization(ctx context.Context, orgOverride, userID string, eng engine.Engine) (string, error) {
	if orgOverride == "" {
		orgs, err := eng.Repo.ListOrganizations(ctx, userID)
		if err != nil {
			return "", err
		}
		switch len(orgs) {
		case 1:
			return orgs[0].ID, nil
		case 0:
			return "", fmt.Errorf("no organization for %s; run `al org create` or pass --org", userID)
		default:
			return "", fmt.Errorf("%s belongs to %d organizations; use --org", userID, len(orgs))
		}
	}
	if _, err := eng.Repo.GetOrganization(ctx, orgOverride); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", err
		}
		if _, err := eng.CreateOrganization(ctx, orgOverride, orgOverride, userID); err != nil {
			return "", fmt.Errorf("create organization: %w", err)
		}
	}
	return orgOverride, nil
}
