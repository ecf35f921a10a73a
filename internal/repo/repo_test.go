package repo_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentline/internal/db"
	"agentline/internal/domain"
	"agentline/internal/events"
	"agentline/internal/migrate"
	"agentline/internal/repo"
)

const ts = "2025-05-01T12:00:00.000000Z"

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	for _, org := range []string{"org-a", "org-b"} {
		require.NoError(t, r.EnsureOrg(ctx, nil, org, "", ts))
	}
	return r
}

func record(id, org, typ, name, key, updated string) domain.Record {
	return domain.Record{
		ID: id, OrganizationID: org, Type: typ, Name: name, Status: "draft",
		NaturalKey: key, CreatedAt: ts, UpdatedAt: updated,
	}
}

func TestInsertRecordRejectsDuplicateNaturalKey(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	require.NoError(t, r.InsertRecord(ctx, nil, record("r1", "org-a", "event", "Gala", "org-a|event|gala", ts)))
	err := r.InsertRecord(ctx, nil, record("r2", "org-a", "event", "GALA", "org-a|event|gala", ts))
	require.ErrorIs(t, err, repo.ErrDuplicate)
	var rerr *repo.RecordError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "event", rerr.Type)

	// other organizations and records without keys are unaffected
	require.NoError(t, r.InsertRecord(ctx, nil, record("r3", "org-b", "event", "Gala", "org-a|event|gala", ts)))
	require.NoError(t, r.InsertRecord(ctx, nil, record("r4", "org-a", "contact", "Ada", "", ts)))
	require.NoError(t, r.InsertRecord(ctx, nil, record("r5", "org-a", "contact", "Ada", "", ts)))

	found, err := r.FindRecordByNaturalKey(ctx, "org-a", "event", "org-a|event|gala")
	require.NoError(t, err)
	assert.Equal(t, "r1", found.ID)
}

func TestGetRecordIsOrganizationScoped(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	rec := record("r1", "org-a", "product", "VIP", "", ts)
	rec.CustomProperties = map[string]any{"price_minor": float64(4950)}
	require.NoError(t, r.InsertRecord(ctx, nil, rec))

	got, err := r.GetRecord(ctx, "org-a", "r1")
	require.NoError(t, err)
	assert.Equal(t, float64(4950), got.CustomProperties["price_minor"])

	_, err = r.GetRecord(ctx, "org-b", "r1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestListRecordsNewestFirst(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertRecord(ctx, nil, record("old", "org-a", "event", "Old", "", "2025-01-01T00:00:00.000000Z")))
	require.NoError(t, r.InsertRecord(ctx, nil, record("new", "org-a", "event", "New", "", "2025-02-01T00:00:00.000000Z")))
	require.NoError(t, r.InsertRecord(ctx, nil, record("form", "org-a", "form", "Signup", "", "2025-03-01T00:00:00.000000Z")))
	require.NoError(t, r.InsertRecord(ctx, nil, record("foreign", "org-b", "event", "Foreign", "", "2025-04-01T00:00:00.000000Z")))

	events, err := r.ListRecords(ctx, repo.RecordFilters{OrganizationID: "org-a", Type: "event"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "new", events[0].ID)
	assert.Equal(t, "old", events[1].ID)

	all, err := r.ListRecords(ctx, repo.RecordFilters{OrganizationID: "org-a", Limit: 1})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "form", all[0].ID)

	_, err = r.ListRecords(ctx, repo.RecordFilters{})
	assert.Error(t, err)

	counts, err := r.CountRecords(ctx, "org-a")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"event": 2, "form": 1}, counts)
}

func TestMembershipsAndOrganizations(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.GrantMembership(ctx, nil, "org-a", "alice", "member"))
	require.NoError(t, r.GrantMembership(ctx, nil, "org-a", "alice", "admin"))
	require.NoError(t, r.GrantMembership(ctx, nil, "org-b", "bob", "owner"))

	m, err := r.GetMembership(ctx, "org-a", "alice")
	require.NoError(t, err)
	assert.Equal(t, "admin", m.Role)

	_, err = r.GetMembership(ctx, "org-b", "alice")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	orgs, err := r.ListOrganizations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, orgs, 1)
	assert.Equal(t, "org-a", orgs[0].ID)
	assert.Equal(t, "org-a", orgs[0].Name)

	all, err := r.ListOrganizations(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEventPaging(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB}
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Append(ctx, nil, events.RecordCreated, "org-a", "event", "r", "alice", nil))
	}
	require.NoError(t, w.Append(ctx, nil, events.RecordCreated, "org-b", "event", "r", "bob", nil))

	latest, err := r.LatestEvents(ctx, repo.EventFilters{OrganizationID: "org-a", Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Greater(t, latest[0].ID, latest[1].ID)

	older, err := r.LatestEvents(ctx, repo.EventFilters{OrganizationID: "org-a", Before: latest[1].ID})
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Less(t, older[0].ID, latest[1].ID)

	after, err := r.EventsAfter(ctx, 10, older[0].ID, "org-a")
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Less(t, after[0].ID, after[1].ID)

	maxID, err := r.LatestEventID(ctx, "")
	require.NoError(t, err)
	maxA, err := r.LatestEventID(ctx, "org-a")
	require.NoError(t, err)
	assert.Greater(t, maxID, maxA)
}
