package repo

import (
	"context"
	"database/sql"
	"errors"

	"agentline/internal/domain"
)

func (r Repo) EnsureOrg(ctx context.Context, tx *sql.Tx, orgID, name, now string) error {
	if name == "" {
		name = orgID
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO organizations(id, name, created_at) VALUES (?,?,?)`, orgID, name, now)
	return err
}

func (r Repo) GetOrganization(ctx context.Context, id string) (domain.Organization, error) {
	var org domain.Organization
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM organizations WHERE id=?`, id).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return org, ErrNotFound
	}
	return org, err
}

// ListOrganizations returns every organization, or only those userID belongs
// to when userID is set.
func (r Repo) ListOrganizations(ctx context.Context, userID string) ([]domain.Organization, error) {
	query := `SELECT o.id,o.name,o.created_at FROM organizations o`
	var args []any
	if userID != "" {
		query += ` JOIN memberships m ON m.organization_id=o.id WHERE m.user_id=?`
		args = append(args, userID)
	}
	query += ` ORDER BY o.created_at, o.id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Organization
	for rows.Next() {
		var org domain.Organization
		if err := rows.Scan(&org.ID, &org.Name, &org.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, org)
	}
	return res, rows.Err()
}

// GrantMembership adds userID to orgID, replacing any previous role.
func (r Repo) GrantMembership(ctx context.Context, tx *sql.Tx, orgID, userID, role string) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO memberships(organization_id, user_id, role) VALUES (?,?,?)
ON CONFLICT(organization_id, user_id) DO UPDATE SET role=excluded.role`, orgID, userID, role)
	return err
}

func (r Repo) GetMembership(ctx context.Context, orgID, userID string) (domain.Membership, error) {
	m := domain.Membership{OrganizationID: orgID, UserID: userID}
	err := r.DB.QueryRowContext(ctx, `SELECT role FROM memberships WHERE organization_id=? AND user_id=?`, orgID, userID).Scan(&m.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) ListMemberships(ctx context.Context, orgID string) ([]domain.Membership, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT organization_id,user_id,role FROM memberships WHERE organization_id=? ORDER BY user_id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Membership
	for rows.Next() {
		var m domain.Membership
		if err := rows.Scan(&m.OrganizationID, &m.UserID, &m.Role); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
