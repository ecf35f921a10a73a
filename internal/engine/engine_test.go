package engine_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentline/internal/config"
	"agentline/internal/connect"
	"agentline/internal/db"
	"agentline/internal/domain"
	"agentline/internal/draft"
	"agentline/internal/engine"
	"agentline/internal/events"
	"agentline/internal/logging"
	"agentline/internal/migrate"
	"agentline/internal/orchestrate"
	"agentline/internal/repo"
	"agentline/internal/workitem"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC) }
	eng.Logger = logging.Discard()
	ctx := context.Background()
	_, err = eng.CreateOrganization(ctx, "org-a", "Org A", "alice")
	require.NoError(t, err)
	_, err = eng.CreateOrganization(ctx, "org-b", "Org B", "bob")
	require.NoError(t, err)
	return testEnv{Engine: eng, Ctx: ctx}
}

func launchParty() draft.Payload {
	return draft.Payload{Event: &draft.EventInput{Title: "Launch Party", StartDate: "2025-06-01T18:00:00Z"}}
}

func countRecords(t *testing.T, env testEnv, orgID string) int {
	t.Helper()
	recs, err := env.Engine.ListRecords(env.Ctx, repo.RecordFilters{OrganizationID: orgID})
	require.NoError(t, err)
	return len(recs)
}

func TestPreviewDoesNotWriteAndExecuteReplaysDraft(t *testing.T) {
	env := newTestEnv(t)
	preview, err := env.Engine.PreviewExperience(env.Ctx, engine.ExperienceRequest{
		OrganizationID: "org-a",
		UserID:         "alice",
		ConversationID: "conv-1",
		Payload:        launchParty(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemPreview, preview.WorkItem.Status)
	assert.Equal(t, "Launch Party", preview.WorkItem.Name)
	assert.Equal(t, 0, countRecords(t, env, "org-a"))
	require.Len(t, preview.Plan.StepLog, 4)
	for _, entry := range preview.Plan.StepLog {
		assert.Equal(t, orchestrate.StatusWouldCreate, entry.Status, entry.StepKey)
	}

	res, err := env.Engine.ExecuteExperience(env.Ctx, "org-a", "alice", preview.WorkItem.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, preview.Plan.IdempotencyKey, res.IdempotencyKey)
	assert.NotEmpty(t, res.ArtifactBundle.EventID)
	assert.Len(t, res.ArtifactBundle.ProductIDs, 1)
	assert.NotEmpty(t, res.ArtifactBundle.FormID)
	assert.NotEmpty(t, res.ArtifactBundle.CheckoutID)
	require.NotNil(t, res.WorkItem)
	assert.Equal(t, domain.WorkItemCompleted, res.WorkItem.Status)
	require.NotNil(t, res.WorkItem.CompletedAt)
	require.NotNil(t, res.WorkItem.Progress)
	assert.Equal(t, 4, res.WorkItem.Progress.Completed)
	assert.Equal(t, 4, countRecords(t, env, "org-a"))

	ticket, err := env.Engine.GetRecord(env.Ctx, "org-a", res.ArtifactBundle.ProductIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "Launch Party Ticket", ticket.Name)
	assert.EqualValues(t, 0, ticket.CustomProperties["price"])
	assert.Equal(t, res.ArtifactBundle.EventID, ticket.CustomProperties["event_id"])
}

func TestExecutedWorkItemCannotBeReplayed(t *testing.T) {
	env := newTestEnv(t)
	preview, err := env.Engine.PreviewExperience(env.Ctx, engine.ExperienceRequest{
		OrganizationID: "org-a",
		UserID:         "alice",
		Payload:        launchParty(),
		Options:        orchestrate.Options{DuplicateStrategy: orchestrate.FailOnDuplicate, FailFast: true},
	})
	require.NoError(t, err)
	id := preview.WorkItem.ID

	first, err := env.Engine.ExecuteExperience(env.Ctx, "org-a", "alice", id)
	require.NoError(t, err)
	require.True(t, first.Success)

	_, err = env.Engine.ExecuteExperience(env.Ctx, "org-a", "alice", id)
	require.ErrorIs(t, err, workitem.ErrInvalidTransition)
	_, err = env.Engine.ExecuteWorkItem(env.Ctx, "org-a", "alice", id)
	require.ErrorIs(t, err, workitem.ErrInvalidTransition)

	stored, err := env.Engine.GetWorkItem(env.Ctx, "org-a", id)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemCompleted, stored.Status)
	var results orchestrate.Result
	require.NoError(t, json.Unmarshal(stored.Results, &results))
	assert.True(t, results.Success)
	assert.Equal(t, 4, results.Summary.Created)
	assert.Equal(t, 4, countRecords(t, env, "org-a"))

	updates, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{
		OrganizationID: "org-a", Type: events.WorkItemUpdated, EntityID: id,
	})
	require.NoError(t, err)
	var approved bool
	for _, evt := range updates {
		if strings.Contains(evt.Payload, `"to_status":"approved"`) {
			approved = true
		}
	}
	assert.True(t, approved, "execution should pass through approved")
}

func TestApprovedWorkItemExecutes(t *testing.T) {
	env := newTestEnv(t)
	preview, err := env.Engine.PreviewExperience(env.Ctx, engine.ExperienceRequest{
		OrganizationID: "org-a", UserID: "alice", Payload: launchParty(),
	})
	require.NoError(t, err)
	_, err = env.Engine.ApproveWorkItem(env.Ctx, "org-a", "bob-approver", preview.WorkItem.ID)
	require.NoError(t, err)

	out, err := env.Engine.ExecuteWorkItem(env.Ctx, "org-a", "alice", preview.WorkItem.ID)
	require.NoError(t, err)
	require.NotNil(t, out.Experience)
	assert.True(t, out.Experience.Success)
	require.NotNil(t, out.WorkItem)
	assert.Equal(t, domain.WorkItemCompleted, out.WorkItem.Status)
}

func TestCreateExperienceIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	req := engine.ExperienceRequest{OrganizationID: "org-a", UserID: "alice", Payload: launchParty()}
	first, err := env.Engine.CreateExperience(env.Ctx, req)
	require.NoError(t, err)
	require.True(t, first.Success)
	assert.Equal(t, 4, first.Summary.Created)

	second, err := env.Engine.CreateExperience(env.Ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, first.ArtifactBundle, second.ArtifactBundle)
	assert.Equal(t, 4, second.Summary.Reused)
	for _, entry := range second.StepLog {
		assert.Equal(t, orchestrate.StatusReused, entry.Status, entry.StepKey)
	}
	assert.Equal(t, 4, countRecords(t, env, "org-a"))
}

func TestCreateExperienceFailOnDuplicateSkipsDependents(t *testing.T) {
	env := newTestEnv(t)
	req := engine.ExperienceRequest{OrganizationID: "org-a", UserID: "alice", Payload: launchParty()}
	_, err := env.Engine.CreateExperience(env.Ctx, req)
	require.NoError(t, err)

	req.Options = orchestrate.Options{DuplicateStrategy: orchestrate.FailOnDuplicate, FailFast: true}
	res, err := env.Engine.CreateExperience(env.Ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.Len(t, res.StepLog, 4)
	assert.Equal(t, orchestrate.StatusFailed, res.StepLog[0].Status)
	assert.Equal(t, orchestrate.ReasonDuplicate, res.StepLog[0].Reason)
	for _, entry := range res.StepLog[1:] {
		assert.Equal(t, orchestrate.StatusSkipped, entry.Status, entry.StepKey)
		assert.Contains(t, entry.Reason, "dependency")
	}
	assert.Equal(t, 4, countRecords(t, env, "org-a"))
}

func TestEngineLoggerReachesCollaborators(t *testing.T) {
	env := newTestEnv(t)
	var buf bytes.Buffer
	env.Engine.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	_, err := env.Engine.CreateExperience(env.Ctx, engine.ExperienceRequest{
		OrganizationID: "org-a", UserID: "alice", Payload: launchParty(),
	})
	require.NoError(t, err)
	app := createSite(t, env, "org-a")
	_, err = env.Engine.ExecuteConnections(env.Ctx, engine.ConnectionsRequest{
		OrganizationID: "org-a",
		UserID:         "alice",
		AppID:          app.ID,
		Decisions:      []connect.Decision{{ItemID: "hero:event:0", Action: connect.ActionSkip}},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "playbook run finished")
	assert.Contains(t, out, "module=orchestrate")
	assert.Contains(t, out, "connections executed")
	assert.Contains(t, out, "module=connect")
}

func TestCreateExperienceWithRepeatedTicketNames(t *testing.T) {
	env := newTestEnv(t)
	payload := launchParty()
	payload.TicketTypes = []draft.TicketTypeInput{{Name: "GA", Price: "10"}, {Name: "GA", Price: "20"}}

	res, err := env.Engine.CreateExperience(env.Ctx, engine.ExperienceRequest{
		OrganizationID: "org-a",
		UserID:         "alice",
		Payload:        payload,
		Options:        orchestrate.Options{DuplicateStrategy: orchestrate.FailOnDuplicate, FailFast: true},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, res.ArtifactBundle.ProductIDs, 2)
	assert.NotEqual(t, res.ArtifactBundle.ProductIDs[0], res.ArtifactBundle.ProductIDs[1])
	assert.Equal(t, 5, countRecords(t, env, "org-a"))
}

func TestExecuteExperienceRejectsForeignOrganization(t *testing.T) {
	env := newTestEnv(t)
	preview, err := env.Engine.PreviewExperience(env.Ctx, engine.ExperienceRequest{
		OrganizationID: "org-a", UserID: "alice", Payload: launchParty(),
	})
	require.NoError(t, err)

	_, err = env.Engine.ExecuteExperience(env.Ctx, "org-b", "bob", preview.WorkItem.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.Equal(t, 0, countRecords(t, env, "org-b"))
	assert.Equal(t, 0, countRecords(t, env, "org-a"))

	wi, err := env.Engine.GetWorkItem(env.Ctx, "org-a", preview.WorkItem.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemPreview, wi.Status)
}

func TestPreviewExperienceRejectsUnknownPlaybook(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.PreviewExperience(env.Ctx, engine.ExperienceRequest{
		OrganizationID: "org-a", UserID: "alice", Playbook: "webinar", Payload: launchParty(),
	})
	assert.ErrorIs(t, err, draft.ErrInvalidPayload)
}

const siteSchema = `{
  "name": "Summer Fest",
  "sections": [
    {"id": "hero", "type": "hero", "props": {"title": "Summer Fest", "date": "2025-07-01T17:00:00Z"}},
    {"id": "pricing", "type": "pricing", "props": {"tiers": [
      {"name": "General Admission", "price": 25},
      {"name": "VIP", "price": "99.50"}
    ]}},
    {"id": "flow", "type": "workflow", "props": {"title": "Send reminders"}}
  ]
}`

func createSite(t *testing.T, env testEnv, orgID string) domain.App {
	t.Helper()
	app, err := env.Engine.CreateApp(env.Ctx, engine.NewApp{
		OrganizationID: orgID,
		Name:           "Summer Fest site",
		Schema:         json.RawMessage(siteSchema),
	}, "alice")
	require.NoError(t, err)
	return app
}

func TestDetectConnectionsMatchesOnlyOwnOrganization(t *testing.T) {
	env := newTestEnv(t)
	now := domain.Timestamp(env.Engine.Now())
	for _, rec := range []domain.Record{
		{ID: "ev-a", OrganizationID: "org-a", Type: domain.RecordEvent, Name: "Summer Fest", Status: "draft", CreatedAt: now, UpdatedAt: now},
		{ID: "ev-b", OrganizationID: "org-b", Type: domain.RecordEvent, Name: "Summer Fest", Status: "draft", CreatedAt: now, UpdatedAt: now},
	} {
		_, err := env.Engine.CreateRecord(env.Ctx, rec, "tester")
		require.NoError(t, err)
	}
	app := createSite(t, env, "org-a")

	det, err := env.Engine.DetectConnections(env.Ctx, "org-a", app.ID)
	require.NoError(t, err)
	assert.Equal(t, "Summer Fest site", det.AppName)
	assert.Equal(t, 4, det.TotalItems)
	items := det.Items()
	require.Len(t, items, 4)
	assert.Equal(t, "hero:event:0", items[0].ID)
	require.Len(t, items[0].ExistingMatches, 1)
	assert.Equal(t, "ev-a", items[0].ExistingMatches[0].ID)
	assert.NotNil(t, items[1].ExistingMatches)
	assert.Empty(t, items[1].ExistingMatches)
	assert.Equal(t, 1, det.Summary.WithMatches)
	assert.Equal(t, 3, det.Summary.WithoutMatches)

	_, err = env.Engine.DetectConnections(env.Ctx, "org-b", app.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestExecuteConnectionsPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	app := createSite(t, env, "org-a")

	res, err := env.Engine.ExecuteConnections(env.Ctx, engine.ConnectionsRequest{
		OrganizationID: "org-a",
		UserID:         "alice",
		AppID:          app.ID,
		Decisions: []connect.Decision{
			{ItemID: "pricing:ticket:0", Action: connect.ActionCreate},
			{ItemID: "pricing:ticket:1", Action: connect.ActionCreate},
			{ItemID: "flow:workflow:0", Action: connect.ActionCreate},
		},
	})
	require.NoError(t, err)
	assert.Len(t, res.Created, 2)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "flow:workflow:0", res.Errors[0].ItemID)
	assert.Equal(t, connect.CodeNotAutoCreatable, res.Errors[0].Code)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "hero:event:0", res.Skipped[0].ItemID)
	assert.Equal(t, domain.ConnectionCompleted, res.ConnectionStatus)

	links, err := env.Engine.ListAppLinks(env.Ctx, "org-a", app.ID)
	require.NoError(t, err)
	assert.Len(t, links, 2)
	stored, err := env.Engine.GetApp(env.Ctx, "org-a", app.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionCompleted, stored.ConnectionStatus)

	vip, err := env.Engine.GetRecord(env.Ctx, "org-a", res.Created[1].RecordID)
	require.NoError(t, err)
	assert.Equal(t, "VIP", vip.Name)
	assert.EqualValues(t, 9950, vip.CustomProperties["price"])
}

func TestExecuteConnectionsRejectsMalformedBatch(t *testing.T) {
	env := newTestEnv(t)
	app := createSite(t, env, "org-a")

	_, err := env.Engine.ExecuteConnections(env.Ctx, engine.ConnectionsRequest{
		OrganizationID: "org-a",
		UserID:         "alice",
		AppID:          app.ID,
		Decisions: []connect.Decision{
			{ItemID: "pricing:ticket:0", Action: connect.ActionCreate},
			{ItemID: "hero:event:0", Action: connect.ActionLink},
		},
	})
	assert.ErrorIs(t, err, connect.ErrInvalidDecisions)
	assert.Equal(t, 0, countRecords(t, env, "org-a"))
	stored, err := env.Engine.GetApp(env.Ctx, "org-a", app.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionPending, stored.ConnectionStatus)
}

func TestConnectionsWorkItemReplaysStoredDecisions(t *testing.T) {
	env := newTestEnv(t)
	app := createSite(t, env, "org-a")

	preview, err := env.Engine.PreviewConnections(env.Ctx, engine.ConnectionsRequest{
		OrganizationID: "org-a",
		UserID:         "alice",
		AppID:          app.ID,
		Decisions: []connect.Decision{
			{ItemID: "hero:event:0", Action: connect.ActionCreate, Overrides: map[string]any{"name": "Summer Fest 2025"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, preview.Actions[connect.ActionCreate])
	assert.Equal(t, 3, preview.Actions[connect.ActionSkip])
	assert.Equal(t, 0, countRecords(t, env, "org-a"))

	_, err = env.Engine.ExecuteExperience(env.Ctx, "org-a", "alice", preview.WorkItem.ID)
	assert.ErrorIs(t, err, engine.ErrWorkItemMismatch)

	res, err := env.Engine.ExecuteConnectionsWorkItem(env.Ctx, "org-a", "alice", preview.WorkItem.ID)
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	assert.Equal(t, "Summer Fest 2025", res.Created[0].Name)
	require.NotNil(t, res.WorkItem)
	assert.Equal(t, domain.WorkItemCompleted, res.WorkItem.Status)

	_, err = env.Engine.ExecuteConnectionsWorkItem(env.Ctx, "org-a", "alice", preview.WorkItem.ID)
	assert.ErrorIs(t, err, workitem.ErrInvalidTransition)
	assert.Equal(t, 1, countRecords(t, env, "org-a"))
}

func TestWorkItemUpdateKeepsFirstCompletion(t *testing.T) {
	env := newTestEnv(t)
	preview, err := env.Engine.PreviewExperience(env.Ctx, engine.ExperienceRequest{
		OrganizationID: "org-a", UserID: "alice", Payload: launchParty(),
	})
	require.NoError(t, err)

	first, err := env.Engine.UpdateWorkItem(env.Ctx, "org-a", "alice", preview.WorkItem.ID, domain.WorkItemCompleted, json.RawMessage(`{"run":1}`), nil)
	require.NoError(t, err)
	require.NotNil(t, first.CompletedAt)

	later := env.Engine
	later.Now = func() time.Time { return time.Date(2025, 5, 2, 9, 0, 0, 0, time.UTC) }
	second, err := later.UpdateWorkItem(env.Ctx, "org-a", "alice", preview.WorkItem.ID, domain.WorkItemFailed, json.RawMessage(`{"run":2}`), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemCompleted, second.Status)
	assert.Equal(t, *first.CompletedAt, *second.CompletedAt)
	assert.JSONEq(t, `{"run":2}`, string(second.Results))
}
