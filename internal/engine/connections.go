package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"agentline/internal/connect"
	"agentline/internal/detect"
	"agentline/internal/domain"
	"agentline/internal/events"
	"agentline/internal/workitem"
)

type Detection struct {
	AppID      string                 `json:"app_id"`
	AppName    string                 `json:"app_name"`
	Sections   []detect.SectionResult `json:"sections"`
	TotalItems int                    `json:"total_items"`
	Summary    DetectionSummary       `json:"summary"`
}

type DetectionSummary struct {
	ByType         map[string]int `json:"by_type"`
	WithMatches    int            `json:"with_matches"`
	WithoutMatches int            `json:"without_matches"`
	Unresolved     int            `json:"unresolved"`
}

// Items flattens the detected items in section order.
func (d Detection) Items() []detect.Item {
	return detect.Catalog{Sections: d.Sections, TotalItems: d.TotalItems}.Items()
}

// DetectConnections scans an app of orgID and attaches ranked same-org
// matches to every detected item. Items whose lookup failed keep a nil match
// list and count as unresolved.
func (e Engine) DetectConnections(ctx context.Context, orgID, appID string) (Detection, error) {
	app, err := e.Repo.GetApp(ctx, orgID, appID)
	if err != nil {
		return Detection{}, err
	}
	schema, err := detect.ParseSchema(app.Schema)
	if err != nil {
		return Detection{}, err
	}
	files := make([]detect.File, 0, len(app.Files))
	for _, f := range app.Files {
		files = append(files, detect.File{Path: f.Path, Content: f.Content})
	}
	cat := detect.Detect(schema, files)
	matches, err := e.resolver().Resolve(ctx, orgID, cat.Items())
	if err != nil && matches == nil {
		return Detection{}, err
	}
	det := Detection{
		AppID:      app.ID,
		AppName:    app.Name,
		Sections:   cat.Sections,
		TotalItems: cat.TotalItems,
		Summary:    DetectionSummary{ByType: cat.CountByType()},
	}
	if det.Sections == nil {
		det.Sections = []detect.SectionResult{}
	}
	for si := range det.Sections {
		items := det.Sections[si].DetectedItems
		for ii := range items {
			found, ok := matches[items[ii].ID]
			switch {
			case !ok:
				det.Summary.Unresolved++
			case len(found) > 0:
				det.Summary.WithMatches++
			default:
				det.Summary.WithoutMatches++
			}
			items[ii].ExistingMatches = found
		}
	}
	return det, nil
}

type ConnectionsRequest struct {
	OrganizationID string
	UserID         string
	ConversationID string
	AppID          string
	Decisions      []connect.Decision
}

type ConnectionsPreview struct {
	WorkItem  domain.WorkItem    `json:"work_item"`
	Detection Detection          `json:"detection"`
	Decisions []connect.Decision `json:"decisions"`
	Actions   map[string]int     `json:"actions"`
}

type ConnectionsResult struct {
	WorkItem *domain.WorkItem `json:"work_item,omitempty"`
	connect.Result
}

type connectionsSnapshot struct {
	AppID     string             `json:"app_id"`
	Items     []detect.Item      `json:"items"`
	Decisions []connect.Decision `json:"decisions"`
}

// PreviewConnections validates a decision set against a fresh detection and
// stores both on a preview work item.
func (e Engine) PreviewConnections(ctx context.Context, req ConnectionsRequest) (ConnectionsPreview, error) {
	det, err := e.DetectConnections(ctx, req.OrganizationID, req.AppID)
	if err != nil {
		return ConnectionsPreview{}, err
	}
	items := det.Items()
	if err := connect.ValidateDecisions(items, req.Decisions); err != nil {
		return ConnectionsPreview{}, err
	}
	actions := map[string]int{connect.ActionCreate: 0, connect.ActionLink: 0, connect.ActionSkip: 0}
	decided := map[string]bool{}
	for _, d := range req.Decisions {
		actions[d.Action]++
		decided[d.ItemID] = true
	}
	for _, it := range items {
		if !decided[it.ID] {
			actions[connect.ActionSkip]++
		}
	}
	data, err := json.Marshal(connectionsSnapshot{AppID: det.AppID, Items: items, Decisions: req.Decisions})
	if err != nil {
		return ConnectionsPreview{}, err
	}
	wi, err := e.WorkItems().Create(ctx, workitem.NewWorkItem{
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Type:           WorkItemConnections,
		Name:           "Connect " + det.AppName,
		PreviewData:    []json.RawMessage{data},
	})
	if err != nil {
		return ConnectionsPreview{}, err
	}
	return ConnectionsPreview{WorkItem: wi, Detection: det, Decisions: req.Decisions, Actions: actions}, nil
}

// ExecuteConnections detects the app's items and applies decisions to them
// directly, without a preview gate.
func (e Engine) ExecuteConnections(ctx context.Context, req ConnectionsRequest) (ConnectionsResult, error) {
	det, err := e.DetectConnections(ctx, req.OrganizationID, req.AppID)
	if err != nil {
		return ConnectionsResult{}, err
	}
	res, err := e.applyConnections(ctx, req.OrganizationID, req.UserID, det.AppID, det.Items(), req.Decisions, "")
	if err != nil {
		return ConnectionsResult{}, err
	}
	return ConnectionsResult{Result: res}, nil
}

// ExecuteConnectionsWorkItem replays the items and decisions stored on a
// preview work item.
func (e Engine) ExecuteConnectionsWorkItem(ctx context.Context, orgID, userID, workItemID string) (ConnectionsResult, error) {
	wi, err := e.WorkItems().Get(ctx, orgID, workItemID)
	if err != nil {
		return ConnectionsResult{}, err
	}
	if wi.Type != WorkItemConnections || len(wi.PreviewData) == 0 {
		return ConnectionsResult{}, fmt.Errorf("%w: %s is a %s work item", ErrWorkItemMismatch, wi.ID, wi.Type)
	}
	var snap connectionsSnapshot
	if err := json.Unmarshal(wi.PreviewData[0], &snap); err != nil {
		return ConnectionsResult{}, fmt.Errorf("decode work item %s preview: %w", wi.ID, err)
	}
	if wi, err = e.claimForExecution(ctx, wi, userID); err != nil {
		return ConnectionsResult{}, err
	}
	res, err := e.applyConnections(ctx, orgID, userID, snap.AppID, snap.Items, snap.Decisions, wi.ID)
	if err != nil {
		if _, uerr := e.WorkItems().Update(ctx, workitem.Update{
			ID: wi.ID, OrganizationID: orgID, ActorID: userID, Status: domain.WorkItemFailed,
			Results: errorResults(err),
		}); uerr != nil {
			e.logger().Warn("mark work item failed", "work_item_id", wi.ID, "error", uerr)
		}
		return ConnectionsResult{}, err
	}
	results, err := json.Marshal(res)
	if err != nil {
		return ConnectionsResult{}, err
	}
	decided := len(res.Created) + len(res.Linked) + len(res.Errors)
	status := domain.WorkItemCompleted
	if len(res.Errors) > 0 && len(res.Errors) == decided {
		status = domain.WorkItemFailed
	}
	updated, err := e.WorkItems().Update(ctx, workitem.Update{
		ID:             wi.ID,
		OrganizationID: orgID,
		ActorID:        userID,
		Status:         status,
		Results:        results,
		Progress: &domain.Progress{
			Total:     decided,
			Completed: len(res.Created) + len(res.Linked),
			Failed:    len(res.Errors),
		},
	})
	if err != nil {
		return ConnectionsResult{Result: res}, err
	}
	return ConnectionsResult{WorkItem: &updated, Result: res}, nil
}

func (e Engine) applyConnections(ctx context.Context, orgID, userID, appID string, items []detect.Item, decisions []connect.Decision, workItemID string) (connect.Result, error) {
	res, err := e.executor().Execute(ctx, connect.Request{
		OrganizationID: orgID,
		UserID:         userID,
		AppID:          appID,
		Items:          items,
		Decisions:      decisions,
	})
	if err != nil {
		return res, err
	}
	if err := e.events().Append(ctx, nil, events.ConnectionsExecuted, orgID, "app", appID, userID, events.EventPayload{
		"work_item_id": workItemID,
		"created":      len(res.Created),
		"linked":       len(res.Linked),
		"skipped":      len(res.Skipped),
		"errors":       len(res.Errors),
	}); err != nil {
		e.logger().Warn("append connections event", "organization_id", orgID, "app_id", appID, "error", err)
	}
	return res, nil
}

func errorResults(err error) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return data
}
