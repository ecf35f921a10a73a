package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"agentline/internal/domain"
)

const workItemColumns = `id,organization_id,user_id,COALESCE(conversation_id,''),type,name,status,preview_json,results_json,progress_json,created_at,updated_at,completed_at`

func scanWorkItem(row rowScanner) (domain.WorkItem, error) {
	var wi domain.WorkItem
	var preview string
	var results, progress, completedAt sql.NullString
	err := row.Scan(&wi.ID, &wi.OrganizationID, &wi.UserID, &wi.ConversationID, &wi.Type, &wi.Name, &wi.Status,
		&preview, &results, &progress, &wi.CreatedAt, &wi.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return wi, ErrNotFound
	}
	if err != nil {
		return wi, err
	}
	if err := json.Unmarshal([]byte(preview), &wi.PreviewData); err != nil {
		return wi, fmt.Errorf("work item %s preview: %w", wi.ID, err)
	}
	if results.Valid && results.String != "" {
		wi.Results = json.RawMessage(results.String)
	}
	if progress.Valid && progress.String != "" {
		var p domain.Progress
		if err := json.Unmarshal([]byte(progress.String), &p); err != nil {
			return wi, fmt.Errorf("work item %s progress: %w", wi.ID, err)
		}
		wi.Progress = &p
	}
	if completedAt.Valid {
		v := completedAt.String
		wi.CompletedAt = &v
	}
	return wi, nil
}

func (r Repo) InsertWorkItem(ctx context.Context, tx *sql.Tx, wi domain.WorkItem) error {
	preview := wi.PreviewData
	if preview == nil {
		preview = []json.RawMessage{}
	}
	previewJSON, err := json.Marshal(preview)
	if err != nil {
		return err
	}
	results, err := nullableJSON(wi.Results)
	if err != nil {
		return err
	}
	progress, err := nullableJSON(wi.Progress)
	if err != nil {
		return err
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO work_items(id,organization_id,user_id,conversation_id,type,name,status,preview_json,results_json,progress_json,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		wi.ID, wi.OrganizationID, wi.UserID, nullable(wi.ConversationID), wi.Type, wi.Name, wi.Status,
		string(previewJSON), results, progress, wi.CreatedAt, wi.UpdatedAt, nullableStringPtr(wi.CompletedAt))
	return err
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return r.GetWorkItemTx(ctx, nil, id)
}

func (r Repo) GetWorkItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	return scanWorkItem(r.conn(tx).QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
}

// UpdateWorkItem persists the mutable columns: status, results, progress and
// the timestamps.
func (r Repo) UpdateWorkItem(ctx context.Context, tx *sql.Tx, wi domain.WorkItem) error {
	results, err := nullableJSON(wi.Results)
	if err != nil {
		return err
	}
	progress, err := nullableJSON(wi.Progress)
	if err != nil {
		return err
	}
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE work_items SET status=?, results_json=?, progress_json=?, updated_at=?, completed_at=? WHERE id=?`,
		wi.Status, results, progress, wi.UpdatedAt, nullableStringPtr(wi.CompletedAt), wi.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type WorkItemFilters struct {
	OrganizationID string
	UserID         string
	ConversationID string
	Type           string
	Status         string
	Limit          int
}

func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	if f.OrganizationID == "" {
		return nil, errors.New("organization_id required")
	}
	clauses := []string{"organization_id=?"}
	args := []any{f.OrganizationID}
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.ConversationID != "" {
		clauses = append(clauses, "conversation_id=?")
		args = append(args, f.ConversationID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items ` + where(clauses) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		wi, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, wi)
	}
	return res, rows.Err()
}
