package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"agentline/internal/repo"
)

// Permissions checked by the surfaces.
const (
	PermRead    = "read"
	PermWrite   = "write"
	PermApprove = "approve"
	PermAdmin   = "admin"
)

var rolePermissions = map[string][]string{
	"owner":  {PermRead, PermWrite, PermApprove, PermAdmin},
	"admin":  {PermRead, PermWrite, PermApprove, PermAdmin},
	"member": {PermRead, PermWrite, PermApprove},
	"viewer": {PermRead},
}

// ForbiddenError indicates missing membership or permission.
type ForbiddenError struct {
	OrganizationID string
	Permission     string
}

func (e ForbiddenError) Error() string {
	if e.Permission == "" {
		return fmt.Sprintf("not a member of organization %s", e.OrganizationID)
	}
	return fmt.Sprintf("permission %s required in organization %s", e.Permission, e.OrganizationID)
}

// Service checks organization memberships.
type Service struct {
	Repo repo.Repo
}

// Authorize verifies that userID belongs to orgID with a role granting perm.
func (s Service) Authorize(ctx context.Context, orgID, userID, perm string) error {
	if orgID == "" || userID == "" {
		return ForbiddenError{OrganizationID: orgID}
	}
	m, err := s.Repo.GetMembership(ctx, orgID, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return ForbiddenError{OrganizationID: orgID}
	}
	if err != nil {
		return err
	}
	if !RoleAllows(m.Role, perm) {
		return ForbiddenError{OrganizationID: orgID, Permission: perm}
	}
	return nil
}

func RoleAllows(role, perm string) bool {
	return slices.Contains(rolePermissions[role], perm)
}

// Roles lists the known roles.
func Roles() []string {
	return []string{"owner", "admin", "member", "viewer"}
}
