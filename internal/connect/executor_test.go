package connect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentline/internal/detect"
	"agentline/internal/domain"
	"agentline/internal/logging"
	"agentline/internal/repo"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]domain.Record
	keys    map[string]string
	links   []domain.AppLink
	status  string
	linkErr error
}

func newFakeStore(existing ...domain.Record) *fakeStore {
	s := &fakeStore{records: map[string]domain.Record{}, keys: map[string]string{}}
	for _, r := range existing {
		s.records[r.ID] = r
		if r.NaturalKey != "" {
			s.keys[r.NaturalKey] = r.ID
		}
	}
	return s
}

func (s *fakeStore) CreateRecord(_ context.Context, rec domain.Record, _ string) (domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[rec.NaturalKey]; ok {
		return domain.Record{}, fmt.Errorf("insert: %w", repo.ErrDuplicate)
	}
	s.records[rec.ID] = rec
	s.keys[rec.NaturalKey] = rec.ID
	return rec, nil
}

func (s *fakeStore) GetRecord(_ context.Context, orgID, id string) (domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.OrganizationID != orgID {
		return domain.Record{}, repo.ErrNotFound
	}
	return rec, nil
}

func (s *fakeStore) LinkRecords(_ context.Context, _, _ string, links []domain.AppLink, _ string) error {
	if s.linkErr != nil {
		return s.linkErr
	}
	s.links = append(s.links, links...)
	return nil
}

func (s *fakeStore) SetConnectionStatus(_ context.Context, _, _, status, _ string) error {
	s.status = status
	return nil
}

func newExecutor(store Store) Executor {
	return Executor{
		Store:        store,
		Now:          func() time.Time { return time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC) },
		Logger:       logging.Discard(),
		PriceCeiling: 10000,
	}
}

func item(id, typ string, data map[string]any) detect.Item {
	return detect.Item{ID: id, Type: typ, PlaceholderData: data}
}

func TestExecuteMixedDecisions(t *testing.T) {
	store := newFakeStore(
		domain.Record{ID: "c1", OrganizationID: "org-a", Type: domain.RecordContact, Name: "Ada"},
		domain.Record{ID: "f1", OrganizationID: "org-a", Type: domain.RecordForm, Name: "Signup"},
		domain.Record{ID: "foreign", OrganizationID: "org-b", Type: domain.RecordContact, Name: "Eve"},
	)
	items := []detect.Item{
		item("hero:event:0", domain.RecordEvent, map[string]any{"name": "Gala", "startDate": "2030-01-01T18:00:00Z"}),
		item("pricing:ticket:0", "ticket", map[string]any{"name": "VIP", "price": "25"}),
		item("team:contact:0", domain.RecordContact, map[string]any{"name": "Ada"}),
		item("team:contact:1", domain.RecordContact, map[string]any{"name": "Bob"}),
		item("team:contact:2", domain.RecordContact, map[string]any{"name": "Eve"}),
		item("signup:form:0", domain.RecordForm, map[string]any{}),
		item("flow:workflow:0", domain.RecordWorkflow, map[string]any{"name": "Onboarding"}),
		item("cta:checkout:0", domain.RecordCheckout, map[string]any{"name": "Buy"}),
		item("footer:contact:0", domain.RecordContact, map[string]any{"name": "Support"}),
	}
	decisions := []Decision{
		{ItemID: "hero:event:0", Action: ActionCreate},
		{ItemID: "pricing:ticket:0", Action: ActionCreate, Overrides: map[string]any{"name": "VIP Pass"}},
		{ItemID: "team:contact:0", Action: ActionLink, LinkedRecordID: "c1"},
		{ItemID: "team:contact:1", Action: ActionLink, LinkedRecordID: "f1"},
		{ItemID: "team:contact:2", Action: ActionLink, LinkedRecordID: "foreign"},
		{ItemID: "signup:form:0", Action: ActionCreate},
		{ItemID: "flow:workflow:0", Action: ActionCreate},
		{ItemID: "cta:checkout:0", Action: ActionSkip},
	}

	res, err := newExecutor(store).Execute(context.Background(), Request{
		OrganizationID: "org-a", UserID: "alice", AppID: "app-1", Items: items, Decisions: decisions,
	})
	require.NoError(t, err)

	require.Len(t, res.Created, 2)
	assert.Equal(t, "hero:event:0", res.Created[0].ItemID)
	assert.Equal(t, "pricing:ticket:0", res.Created[1].ItemID)
	assert.Equal(t, domain.RecordProduct, res.Created[1].Type)
	assert.Equal(t, "VIP Pass", res.Created[1].Name)

	product := store.records[res.Created[1].RecordID]
	assert.Equal(t, int64(2500), product.CustomProperties["price"])
	assert.Equal(t, "USD", product.CustomProperties["currency"])
	assert.Equal(t, "app-1", product.CustomProperties["source_app_id"])
	event := store.records[res.Created[0].RecordID]
	assert.Equal(t, "2030-01-01T18:00:00Z", event.CustomProperties["start_date"])

	require.Len(t, res.Linked, 1)
	assert.Equal(t, LinkedItem{ItemID: "team:contact:0", RecordID: "c1", Type: domain.RecordContact}, res.Linked[0])

	require.Len(t, res.Skipped, 2)
	assert.Equal(t, "skipped by decision", res.Skipped[0].Reason)
	assert.Equal(t, "no decision", res.Skipped[1].Reason)

	codes := map[string]string{}
	for _, e := range res.Errors {
		codes[e.ItemID] = e.Code
	}
	assert.Equal(t, map[string]string{
		"team:contact:1":  CodeTypeMismatch,
		"team:contact:2":  CodeNotFound,
		"signup:form:0":   CodeInvalidItem,
		"flow:workflow:0": CodeNotAutoCreatable,
	}, codes)

	assert.Len(t, store.links, 3)
	assert.Equal(t, domain.ConnectionCompleted, store.status)
	assert.Equal(t, domain.ConnectionCompleted, res.ConnectionStatus)
}

func TestExecuteReportsDuplicates(t *testing.T) {
	store := newFakeStore()
	x := newExecutor(store)
	req := Request{
		OrganizationID: "org-a",
		AppID:          "app-1",
		Items:          []detect.Item{item("hero:event:0", domain.RecordEvent, map[string]any{"title": "Gala"})},
		Decisions:      []Decision{{ItemID: "hero:event:0", Action: ActionCreate}},
	}

	_, err := x.Execute(context.Background(), req)
	require.NoError(t, err)
	res, err := x.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Empty(t, res.Created)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, CodeDuplicate, res.Errors[0].Code)
	assert.Contains(t, res.Errors[0].Error, "link it instead")
}

func TestExecuteRejectsInvalidBatchBeforeWriting(t *testing.T) {
	store := newFakeStore()
	items := []detect.Item{
		item("a", domain.RecordEvent, map[string]any{"name": "Gala"}),
		item("b", domain.RecordContact, map[string]any{"name": "Ada"}),
	}

	_, err := newExecutor(store).Execute(context.Background(), Request{
		OrganizationID: "org-a",
		AppID:          "app-1",
		Items:          items,
		Decisions: []Decision{
			{ItemID: "a", Action: ActionCreate},
			{ItemID: "b", Action: ActionLink},
			{ItemID: "a", Action: ActionSkip},
			{ItemID: "zzz", Action: ActionCreate},
			{ItemID: "b", Action: "merge"},
		},
	})

	require.ErrorIs(t, err, ErrInvalidDecisions)
	var derr *DecisionError
	require.True(t, errors.As(err, &derr))
	assert.Len(t, derr.Details, 4)
	assert.Contains(t, err.Error(), "LinkedRecordID")
	assert.Contains(t, err.Error(), "unknown item zzz")
	assert.Contains(t, err.Error(), "item a decided twice")
	assert.Empty(t, store.records)
	assert.Empty(t, store.status)
}

func TestValidateDecisionsWithoutDetectedItems(t *testing.T) {
	decisions := []Decision{{ItemID: "ghost", Action: ActionCreate}}

	err := ValidateDecisions(nil, decisions)
	require.ErrorIs(t, err, ErrInvalidDecisions)
	assert.Contains(t, err.Error(), "unknown item ghost")

	store := newFakeStore()
	_, err = newExecutor(store).Execute(context.Background(), Request{
		OrganizationID: "org-a", AppID: "app-1", Decisions: decisions,
	})
	require.ErrorIs(t, err, ErrInvalidDecisions)
	assert.Empty(t, store.records)
	assert.Empty(t, store.status)

	assert.NoError(t, ValidateDecisions(nil, nil))
}

func TestExecuteSurfacesLinkFailure(t *testing.T) {
	store := newFakeStore()
	store.linkErr = errors.New("disk full")

	res, err := newExecutor(store).Execute(context.Background(), Request{
		OrganizationID: "org-a",
		AppID:          "app-1",
		Items:          []detect.Item{item("a", domain.RecordInvoice, map[string]any{"name": "INV-1", "amount": 12})},
		Decisions:      []Decision{{ItemID: "a", Action: ActionCreate}},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.Len(t, res.Created, 1)
	assert.Empty(t, store.status)
}

func TestExecuteRequiresAppAndOrganization(t *testing.T) {
	_, err := newExecutor(newFakeStore()).Execute(context.Background(), Request{OrganizationID: "org-a"})
	assert.Error(t, err)
}

func TestBuildContactFallsBackToEmail(t *testing.T) {
	rec, err := buildContact(map[string]any{"email": "ada@example.com"}, buildOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", rec.Name)

	_, err = buildContact(map[string]any{}, buildOptions{})
	assert.Error(t, err)
}

func TestBuildCheckoutDefaultsToFree(t *testing.T) {
	rec, err := buildCheckout(map[string]any{"name": "Buy", "paymentMode": "barter"}, buildOptions{})
	require.NoError(t, err)
	assert.Equal(t, "free", rec.CustomProperties["payment_mode"])
}
