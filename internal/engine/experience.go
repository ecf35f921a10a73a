package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"agentline/internal/domain"
	"agentline/internal/draft"
	"agentline/internal/events"
	"agentline/internal/orchestrate"
	"agentline/internal/workitem"
)

type ExperienceRequest struct {
	OrganizationID string
	UserID         string
	ConversationID string
	Playbook       string
	Payload        draft.Payload
	IdempotencyKey string
	Options        orchestrate.Options
}

// ExperiencePreview is what a reviewer approves before execution.
type ExperiencePreview struct {
	WorkItem         domain.WorkItem         `json:"work_item"`
	Draft            draft.Experience        `json:"draft"`
	UnsupportedItems []draft.UnsupportedItem `json:"unsupported_items"`
	Plan             orchestrate.Result      `json:"plan"`
}

type ExperienceResult struct {
	WorkItem *domain.WorkItem `json:"work_item,omitempty"`
	orchestrate.Result
}

// experienceSnapshot is the preview data stored on the work item and
// replayed by ExecuteExperience.
type experienceSnapshot struct {
	Request orchestrate.Request `json:"request"`
	Plan    orchestrate.Result  `json:"plan"`
}

// prepareExperience derives and validates the draft and builds the runtime
// request for it.
func (e Engine) prepareExperience(req ExperienceRequest) (orchestrate.Request, error) {
	if req.OrganizationID == "" {
		return orchestrate.Request{}, errors.New("organization id required")
	}
	if req.UserID == "" {
		return orchestrate.Request{}, errors.New("user id required")
	}
	if req.Playbook == "" {
		req.Playbook = "event"
	}
	cfg := e.config()
	pb, ok := cfg.Playbook(req.Playbook)
	if !ok {
		return orchestrate.Request{}, fmt.Errorf("%w: unknown playbook %q", draft.ErrInvalidPayload, req.Playbook)
	}
	derived := draft.Derive(req.Payload, draft.Options{
		Playbook:  req.Playbook,
		Supported: pb.Supported,
		Defaults:  cfg.Drafts,
		Now:       e.now,
	})
	if err := derived.Draft.Validate(); err != nil {
		return orchestrate.Request{}, err
	}
	return orchestrate.Request{
		OrganizationID:   req.OrganizationID,
		UserID:           req.UserID,
		Playbook:         req.Playbook,
		Steps:            pb.Steps,
		Draft:            derived.Draft,
		IdempotencyKey:   req.IdempotencyKey,
		Options:          req.Options,
		UnsupportedItems: derived.UnsupportedItems,
	}, nil
}

// PreviewExperience derives the draft, plans the playbook without writing
// records and stores both on a new work item in preview status.
func (e Engine) PreviewExperience(ctx context.Context, req ExperienceRequest) (ExperiencePreview, error) {
	runReq, err := e.prepareExperience(req)
	if err != nil {
		return ExperiencePreview{}, err
	}
	plan, err := e.runtime().Plan(ctx, runReq)
	if err != nil {
		return ExperiencePreview{}, err
	}
	// pin the derived key so execution replays exactly what was planned
	runReq.IdempotencyKey = plan.IdempotencyKey
	data, err := json.Marshal(experienceSnapshot{Request: runReq, Plan: plan})
	if err != nil {
		return ExperiencePreview{}, err
	}
	wi, err := e.WorkItems().Create(ctx, workitem.NewWorkItem{
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Type:           WorkItemExperience,
		Name:           runReq.Draft.Name,
		PreviewData:    []json.RawMessage{data},
	})
	if err != nil {
		return ExperiencePreview{}, err
	}
	e.logger().Info("experience previewed", "organization_id", req.OrganizationID, "work_item_id", wi.ID,
		"would_create", plan.Summary.Created, "would_reuse", plan.Summary.Reused)
	return ExperiencePreview{
		WorkItem:         wi,
		Draft:            runReq.Draft,
		UnsupportedItems: runReq.UnsupportedItems,
		Plan:             plan,
	}, nil
}

// ExecuteExperience runs the draft stored on a preview work item. The
// payload is never re-derived.
func (e Engine) ExecuteExperience(ctx context.Context, orgID, userID, workItemID string) (ExperienceResult, error) {
	wi, err := e.WorkItems().Get(ctx, orgID, workItemID)
	if err != nil {
		return ExperienceResult{}, err
	}
	if wi.Type != WorkItemExperience || len(wi.PreviewData) == 0 {
		return ExperienceResult{}, fmt.Errorf("%w: %s is a %s work item", ErrWorkItemMismatch, wi.ID, wi.Type)
	}
	var snap experienceSnapshot
	if err := json.Unmarshal(wi.PreviewData[0], &snap); err != nil {
		return ExperienceResult{}, fmt.Errorf("decode work item %s preview: %w", wi.ID, err)
	}
	if snap.Request.OrganizationID != orgID {
		return ExperienceResult{}, fmt.Errorf("%w: %s belongs to another organization", ErrWorkItemMismatch, wi.ID)
	}
	if wi, err = e.claimForExecution(ctx, wi, userID); err != nil {
		return ExperienceResult{}, err
	}
	runReq := snap.Request
	runReq.UserID = userID
	res, err := e.runtime().Run(ctx, runReq)
	if err != nil {
		return ExperienceResult{}, err
	}
	results, err := json.Marshal(res)
	if err != nil {
		return ExperienceResult{}, err
	}
	status := domain.WorkItemCompleted
	if !res.Success {
		status = domain.WorkItemFailed
	}
	updated, err := e.WorkItems().Update(ctx, workitem.Update{
		ID:             wi.ID,
		OrganizationID: orgID,
		ActorID:        userID,
		Status:         status,
		Results:        results,
		Progress: &domain.Progress{
			Total:     len(res.StepLog),
			Completed: res.Summary.Created + res.Summary.Reused,
			Failed:    res.Summary.Failed,
		},
	})
	if err != nil {
		return ExperienceResult{Result: res}, err
	}
	e.recordExperience(ctx, orgID, userID, wi.ID, res)
	return ExperienceResult{WorkItem: &updated, Result: res}, nil
}

// CreateExperience derives and runs a playbook directly, without a preview
// gate.
func (e Engine) CreateExperience(ctx context.Context, req ExperienceRequest) (ExperienceResult, error) {
	runReq, err := e.prepareExperience(req)
	if err != nil {
		return ExperienceResult{}, err
	}
	res, err := e.runtime().Run(ctx, runReq)
	if err != nil {
		return ExperienceResult{}, err
	}
	e.recordExperience(ctx, req.OrganizationID, req.UserID, "", res)
	return ExperienceResult{Result: res}, nil
}

func (e Engine) recordExperience(ctx context.Context, orgID, userID, workItemID string, res orchestrate.Result) {
	err := e.events().Append(ctx, nil, events.ExperienceExecuted, orgID, "experience", res.IdempotencyKey, userID, events.EventPayload{
		"playbook":     res.Playbook,
		"name":         res.ExperienceName,
		"work_item_id": workItemID,
		"success":      res.Success,
		"summary":      res.Summary,
		"bundle":       res.ArtifactBundle,
	})
	if err != nil {
		e.logger().Warn("append experience event", "organization_id", orgID, "error", err)
	}
}
