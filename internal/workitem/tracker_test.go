package workitem

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentline/internal/db"
	"agentline/internal/domain"
	"agentline/internal/events"
	"agentline/internal/migrate"
	"agentline/internal/repo"
)

func newTracker(t *testing.T) Tracker {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	tr := New(conn)
	tr.Now = func() time.Time { return time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC) }
	for _, org := range []string{"org-a", "org-b"} {
		require.NoError(t, tr.Repo.EnsureOrg(context.Background(), nil, org, "", domain.Timestamp(tr.Now())))
	}
	return tr
}

func newItem(t *testing.T, tr Tracker) domain.WorkItem {
	t.Helper()
	wi, err := tr.Create(context.Background(), NewWorkItem{
		OrganizationID: "org-a",
		UserID:         "alice",
		ConversationID: "conv-1",
		Type:           "experience.create",
		Name:           "Gala",
		PreviewData:    []json.RawMessage{json.RawMessage(`{"plan":{}}`)},
	})
	require.NoError(t, err)
	return wi
}

func TestCreateStoresPreviewAndLogsEvent(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()
	wi := newItem(t, tr)

	assert.Equal(t, domain.WorkItemPreview, wi.Status)
	got, err := tr.Get(ctx, "org-a", wi.ID)
	require.NoError(t, err)
	assert.Equal(t, "conv-1", got.ConversationID)
	require.Len(t, got.PreviewData, 1)
	assert.JSONEq(t, `{"plan":{}}`, string(got.PreviewData[0]))

	evts, err := tr.Repo.LatestEvents(ctx, repo.EventFilters{OrganizationID: "org-a", Type: events.WorkItemCreated})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, wi.ID, evts[0].EntityID)
}

func TestCreateValidatesInput(t *testing.T) {
	tr := newTracker(t)
	_, err := tr.Create(context.Background(), NewWorkItem{OrganizationID: "org-a", UserID: "alice", Type: "x", Name: "n"})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, err.Error(), "PreviewData")
}

func TestGetHidesForeignItems(t *testing.T) {
	tr := newTracker(t)
	wi := newItem(t, tr)
	_, err := tr.Get(context.Background(), "org-b", wi.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = tr.Update(context.Background(), Update{ID: wi.ID, OrganizationID: "org-b", ActorID: "bob", Status: domain.WorkItemApproved})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestTransitions(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()
	wi := newItem(t, tr)

	approved, err := tr.Approve(ctx, "org-a", wi.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemApproved, approved.Status)

	_, err = tr.Update(ctx, Update{ID: wi.ID, OrganizationID: "org-a", ActorID: "alice", Status: domain.WorkItemPreview})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	done, err := tr.Update(ctx, Update{
		ID: wi.ID, OrganizationID: "org-a", ActorID: "alice", Status: domain.WorkItemCompleted,
		Results:  json.RawMessage(`{"ok":true}`),
		Progress: &domain.Progress{Total: 4, Completed: 4},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	firstCompletion := *done.CompletedAt

	tr.Now = func() time.Time { return time.Date(2025, 5, 2, 12, 0, 0, 0, time.UTC) }
	again, err := tr.Update(ctx, Update{
		ID: wi.ID, OrganizationID: "org-a", ActorID: "alice", Status: domain.WorkItemFailed,
		Results: json.RawMessage(`{"ok":false}`),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemCompleted, again.Status)
	assert.Equal(t, firstCompletion, *again.CompletedAt)
	assert.JSONEq(t, `{"ok":false}`, string(again.Results))
	require.NotNil(t, again.Progress)
	assert.Equal(t, 4, again.Progress.Completed)

	_, err = tr.Approve(ctx, "org-a", wi.ID, "alice")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(domain.WorkItemCompleted))
	assert.True(t, IsTerminal(domain.WorkItemFailed))
	assert.False(t, IsTerminal(domain.WorkItemApproved))
	assert.False(t, IsTerminal(domain.WorkItemPreview))
}
