package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"agentline/internal/connect"
	"agentline/internal/domain"
	"agentline/internal/orchestrate"
	"agentline/internal/repo"
	"agentline/internal/workitem"
)

// CreateWorkItem records a preview snapshot for any preview-gated mutation.
func (e Engine) CreateWorkItem(ctx context.Context, in workitem.NewWorkItem) (domain.WorkItem, error) {
	return e.WorkItems().Create(ctx, in)
}

func (e Engine) UpdateWorkItem(ctx context.Context, orgID, actorID, id, status string, results json.RawMessage, progress *domain.Progress) (domain.WorkItem, error) {
	return e.WorkItems().Update(ctx, workitem.Update{
		ID:             id,
		OrganizationID: orgID,
		ActorID:        actorID,
		Status:         status,
		Results:        results,
		Progress:       progress,
	})
}

func (e Engine) ApproveWorkItem(ctx context.Context, orgID, actorID, id string) (domain.WorkItem, error) {
	return e.WorkItems().Approve(ctx, orgID, id, actorID)
}

func (e Engine) GetWorkItem(ctx context.Context, orgID, id string) (domain.WorkItem, error) {
	return e.WorkItems().Get(ctx, orgID, id)
}

func (e Engine) ListWorkItems(ctx context.Context, f repo.WorkItemFilters) ([]domain.WorkItem, error) {
	return e.WorkItems().List(ctx, f)
}

// Execution is the outcome of executing a work item. Exactly one of
// Experience and Connections is set, by work item type.
type Execution struct {
	WorkItem    *domain.WorkItem    `json:"work_item,omitempty"`
	Experience  *orchestrate.Result `json:"experience,omitempty"`
	Connections *connect.Result     `json:"connections,omitempty"`
}

// claimForExecution admits a work item into execution. Terminal items are
// rejected so a finished run is never replayed over its stored results. A
// preview item is approved by the executing user first; every execute
// surface requires approve permission, so executing is an approval.
func (e Engine) claimForExecution(ctx context.Context, wi domain.WorkItem, userID string) (domain.WorkItem, error) {
	switch wi.Status {
	case domain.WorkItemApproved:
		return wi, nil
	case domain.WorkItemPreview:
		return e.WorkItems().Approve(ctx, wi.OrganizationID, wi.ID, userID)
	default:
		return wi, fmt.Errorf("%w: work item %s is already %s", workitem.ErrInvalidTransition, wi.ID, wi.Status)
	}
}

// ExecuteWorkItem runs the snapshot stored on a work item with the executor
// of its type.
func (e Engine) ExecuteWorkItem(ctx context.Context, orgID, userID, id string) (Execution, error) {
	wi, err := e.WorkItems().Get(ctx, orgID, id)
	if err != nil {
		return Execution{}, err
	}
	switch wi.Type {
	case WorkItemExperience:
		res, err := e.ExecuteExperience(ctx, orgID, userID, id)
		if err != nil {
			return Execution{}, err
		}
		return Execution{WorkItem: res.WorkItem, Experience: &res.Result}, nil
	case WorkItemConnections:
		res, err := e.ExecuteConnectionsWorkItem(ctx, orgID, userID, id)
		if err != nil {
			return Execution{}, err
		}
		return Execution{WorkItem: res.WorkItem, Connections: &res.Result}, nil
	default:
		return Execution{}, fmt.Errorf("%w: no executor for %s work items", ErrWorkItemMismatch, wi.Type)
	}
}
