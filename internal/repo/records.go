package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"agentline/internal/domain"
)

const recordColumns = `id,organization_id,type,COALESCE(subtype,''),name,COALESCE(description,''),status,custom_properties_json,COALESCE(natural_key,''),created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.Record, error) {
	var rec domain.Record
	var props string
	err := row.Scan(&rec.ID, &rec.OrganizationID, &rec.Type, &rec.Subtype, &rec.Name, &rec.Description,
		&rec.Status, &props, &rec.NaturalKey, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if props != "" {
		if err := json.Unmarshal([]byte(props), &rec.CustomProperties); err != nil {
			return rec, fmt.Errorf("record %s custom properties: %w", rec.ID, err)
		}
	}
	return rec, nil
}

// InsertRecord stores a record. A natural key already taken within the
// organization and type yields ErrDuplicate.
func (r Repo) InsertRecord(ctx context.Context, tx *sql.Tx, rec domain.Record) error {
	props := rec.CustomProperties
	if props == nil {
		props = map[string]any{}
	}
	data, err := json.Marshal(props)
	if err != nil {
		return &RecordError{Op: "insert", Type: rec.Type, Err: err}
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO records(id,organization_id,type,subtype,name,description,status,custom_properties_json,natural_key,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.OrganizationID, rec.Type, nullable(rec.Subtype), rec.Name, nullable(rec.Description), rec.Status,
		string(data), nullable(rec.NaturalKey), rec.CreatedAt, rec.UpdatedAt)
	if isUniqueViolation(err) {
		return &RecordError{Op: "insert", Type: rec.Type, Err: ErrDuplicate}
	}
	if err != nil {
		return &RecordError{Op: "insert", Type: rec.Type, Err: err}
	}
	return nil
}

// GetRecord returns a record owned by orgID.
func (r Repo) GetRecord(ctx context.Context, orgID, id string) (domain.Record, error) {
	return scanRecord(r.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE organization_id=? AND id=?`, orgID, id))
}

func (r Repo) FindRecordByNaturalKey(ctx context.Context, orgID, recordType, key string) (domain.Record, error) {
	return scanRecord(r.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE organization_id=? AND type=? AND natural_key=?`,
		orgID, recordType, key))
}

type RecordFilters struct {
	OrganizationID string
	Type           string
	Limit          int
}

// ListRecords returns records of one organization, newest update first.
func (r Repo) ListRecords(ctx context.Context, f RecordFilters) ([]domain.Record, error) {
	if f.OrganizationID == "" {
		return nil, errors.New("organization_id required")
	}
	clauses := []string{"organization_id=?"}
	args := []any{f.OrganizationID}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	query := `SELECT ` + recordColumns + ` FROM records ` + where(clauses) + ` ORDER BY updated_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// CountRecords reports record counts per type for an organization.
func (r Repo) CountRecords(ctx context.Context, orgID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT type, COUNT(*) FROM records WHERE organization_id=? GROUP BY type`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		res[typ] = n
	}
	return res, rows.Err()
}
