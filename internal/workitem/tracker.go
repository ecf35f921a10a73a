// Package workitem tracks preview-gated agent mutations from preview through
// approval to their terminal outcome.
package workitem

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"agentline/internal/domain"
	"agentline/internal/events"
	"agentline/internal/repo"
)

var ErrInvalidTransition = errors.New("invalid work item transition")

// ValidationError reports a malformed work item request.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "invalid work item: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

type Tracker struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Tracker {
	return Tracker{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (t Tracker) now() string {
	if t.Now != nil {
		return domain.Timestamp(t.Now())
	}
	return domain.Timestamp(time.Now())
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewWorkItem is the preview snapshot of a proposed mutation.
type NewWorkItem struct {
	OrganizationID string            `validate:"required"`
	UserID         string            `validate:"required"`
	ConversationID string
	Type           string            `validate:"required"`
	Name           string            `validate:"required"`
	PreviewData    []json.RawMessage `validate:"required,min=1"`
}

// Create stores a work item in preview status.
func (t Tracker) Create(ctx context.Context, in NewWorkItem) (domain.WorkItem, error) {
	if err := validate.Struct(in); err != nil {
		return domain.WorkItem{}, &ValidationError{Err: err}
	}
	now := t.now()
	wi := domain.WorkItem{
		ID:             uuid.NewString(),
		OrganizationID: in.OrganizationID,
		UserID:         in.UserID,
		ConversationID: in.ConversationID,
		Type:           in.Type,
		Name:           in.Name,
		Status:         domain.WorkItemPreview,
		PreviewData:    in.PreviewData,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return wi, err
	}
	defer tx.Rollback()
	if err := t.Repo.InsertWorkItem(ctx, tx, wi); err != nil {
		return wi, fmt.Errorf("insert work item: %w", err)
	}
	if err := t.Events.Append(ctx, tx, events.WorkItemCreated, wi.OrganizationID, "work_item", wi.ID, in.UserID, events.EventPayload{
		"type":            wi.Type,
		"name":            wi.Name,
		"conversation_id": wi.ConversationID,
	}); err != nil {
		return wi, err
	}
	if err := tx.Commit(); err != nil {
		return wi, err
	}
	return wi, nil
}

// Get returns a work item owned by orgID. Items of other organizations are
// reported as not found.
func (t Tracker) Get(ctx context.Context, orgID, id string) (domain.WorkItem, error) {
	wi, err := t.Repo.GetWorkItem(ctx, id)
	if err != nil {
		return wi, err
	}
	if wi.OrganizationID != orgID {
		return domain.WorkItem{}, repo.ErrNotFound
	}
	return wi, nil
}

func (t Tracker) List(ctx context.Context, f repo.WorkItemFilters) ([]domain.WorkItem, error) {
	return t.Repo.ListWorkItems(ctx, f)
}

// Approve moves a preview item to approved.
func (t Tracker) Approve(ctx context.Context, orgID, id, actorID string) (domain.WorkItem, error) {
	return t.Update(ctx, Update{ID: id, OrganizationID: orgID, ActorID: actorID, Status: domain.WorkItemApproved})
}

// Update carries a status change and optional results and progress. Nil
// Results or Progress leave the stored values untouched.
type Update struct {
	ID             string
	OrganizationID string
	ActorID        string
	Status         string
	Results        json.RawMessage
	Progress       *domain.Progress
}

// Update applies a transition. Repeating a terminal update keeps the first
// terminal status and completed_at and overwrites results only.
func (t Tracker) Update(ctx context.Context, u Update) (domain.WorkItem, error) {
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	wi, err := t.Repo.GetWorkItemTx(ctx, tx, u.ID)
	if err != nil {
		return wi, err
	}
	if wi.OrganizationID != u.OrganizationID {
		return domain.WorkItem{}, repo.ErrNotFound
	}
	from := wi.Status
	if err := ensureTransition(from, u.Status); err != nil {
		return wi, err
	}
	now := t.now()
	if !IsTerminal(from) {
		wi.Status = u.Status
		if IsTerminal(u.Status) {
			wi.CompletedAt = &now
		}
	}
	if u.Results != nil {
		wi.Results = u.Results
	}
	if u.Progress != nil {
		wi.Progress = u.Progress
	}
	wi.UpdatedAt = now
	if err := t.Repo.UpdateWorkItem(ctx, tx, wi); err != nil {
		return wi, fmt.Errorf("update work item: %w", err)
	}
	if err := t.Events.Append(ctx, tx, events.WorkItemUpdated, wi.OrganizationID, "work_item", wi.ID, u.ActorID, events.EventPayload{
		"from_status": from,
		"to_status":   wi.Status,
		"requested":   u.Status,
	}); err != nil {
		return wi, err
	}
	if err := tx.Commit(); err != nil {
		return wi, err
	}
	return wi, nil
}

func IsTerminal(status string) bool {
	return status == domain.WorkItemCompleted || status == domain.WorkItemFailed
}

func ensureTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.WorkItemPreview:
		switch newStatus {
		case domain.WorkItemPreview, domain.WorkItemApproved, domain.WorkItemCompleted, domain.WorkItemFailed:
			return nil
		}
	case domain.WorkItemApproved:
		switch newStatus {
		case domain.WorkItemApproved, domain.WorkItemCompleted, domain.WorkItemFailed:
			return nil
		}
	case domain.WorkItemCompleted, domain.WorkItemFailed:
		if IsTerminal(newStatus) {
			return nil
		}
	}
	return fmt.Errorf("%w %s -> %s", ErrInvalidTransition, oldStatus, newStatus)
}
