package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"agentline/internal/domain"
)

func (r Repo) InsertApp(ctx context.Context, tx *sql.Tx, app domain.App) error {
	status := app.ConnectionStatus
	if status == "" {
		status = domain.ConnectionPending
	}
	conn := r.conn(tx)
	_, err := conn.ExecContext(ctx, `INSERT INTO apps(id,organization_id,name,schema_json,connection_status,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		app.ID, app.OrganizationID, app.Name, nullable(string(app.Schema)), status, app.CreatedAt, app.UpdatedAt)
	if err != nil {
		return err
	}
	for _, f := range app.Files {
		if _, err := conn.ExecContext(ctx, `INSERT INTO app_files(app_id,path,content) VALUES (?,?,?)
ON CONFLICT(app_id,path) DO UPDATE SET content=excluded.content`, app.ID, f.Path, f.Content); err != nil {
			return err
		}
	}
	return nil
}

// GetApp returns an app with its files. Apps of other organizations are
// reported as not found.
func (r Repo) GetApp(ctx context.Context, orgID, id string) (domain.App, error) {
	var app domain.App
	var schema sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,organization_id,name,schema_json,connection_status,created_at,updated_at FROM apps WHERE organization_id=? AND id=?`, orgID, id).
		Scan(&app.ID, &app.OrganizationID, &app.Name, &schema, &app.ConnectionStatus, &app.CreatedAt, &app.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return app, ErrNotFound
	}
	if err != nil {
		return app, err
	}
	if schema.Valid && schema.String != "" {
		app.Schema = json.RawMessage(schema.String)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT path,content FROM app_files WHERE app_id=? ORDER BY path`, id)
	if err != nil {
		return app, err
	}
	defer rows.Close()
	for rows.Next() {
		var f domain.AppFile
		if err := rows.Scan(&f.Path, &f.Content); err != nil {
			return app, err
		}
		app.Files = append(app.Files, f)
	}
	return app, rows.Err()
}

// ListApps returns the apps of an organization without their files.
func (r Repo) ListApps(ctx context.Context, orgID string) ([]domain.App, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,organization_id,name,connection_status,created_at,updated_at FROM apps WHERE organization_id=? ORDER BY created_at DESC, id DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.App
	for rows.Next() {
		var app domain.App
		if err := rows.Scan(&app.ID, &app.OrganizationID, &app.Name, &app.ConnectionStatus, &app.CreatedAt, &app.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, app)
	}
	return res, rows.Err()
}

// InsertAppLinks associates records with an app. Relinking an already linked
// record keeps the first link.
func (r Repo) InsertAppLinks(ctx context.Context, tx *sql.Tx, links []domain.AppLink) error {
	conn := r.conn(tx)
	for _, l := range links {
		if _, err := conn.ExecContext(ctx, `INSERT INTO app_links(app_id,record_id,record_type,link_kind,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(app_id,record_id) DO NOTHING`, l.AppID, l.RecordID, l.RecordType, l.LinkKind, l.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListAppLinks(ctx context.Context, appID string) ([]domain.AppLink, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT app_id,record_id,record_type,link_kind,created_at FROM app_links WHERE app_id=? ORDER BY created_at, record_id`, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AppLink
	for rows.Next() {
		var l domain.AppLink
		if err := rows.Scan(&l.AppID, &l.RecordID, &l.RecordType, &l.LinkKind, &l.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) SetConnectionStatus(ctx context.Context, tx *sql.Tx, orgID, appID, status, now string) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE apps SET connection_status=?, updated_at=? WHERE organization_id=? AND id=?`, status, now, orgID, appID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
