package detect

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentline/internal/domain"
	"agentline/internal/logging"
	"agentline/internal/repo"
)

func mustSchema(t *testing.T, raw string) Schema {
	t.Helper()
	s, err := ParseSchema(json.RawMessage(raw))
	require.NoError(t, err)
	return s
}

func TestDetectSectionsNumbersItemsPerType(t *testing.T) {
	schema := mustSchema(t, `{"sections": [
		{"id": "hero", "type": "hero", "props": {"title": "Gala", "date": "2030-07-01T17:00:00Z"}},
		{"id": "pricing", "type": "pricing", "props": {"plans": [{"name": "Basic", "price": 10}, {"tier": "Pro", "price": "25"}]}},
		{"type": "signup", "props": {"title": "Register", "fields": ["name", "email"]}},
		{"id": "about", "type": "hero", "props": {"title": "No date here"}}
	]}`)

	cat := Detect(schema, nil)

	require.Len(t, cat.Sections, 4)
	assert.Equal(t, 4, cat.TotalItems)
	assert.Equal(t, "hero:event:0", cat.Sections[0].DetectedItems[0].ID)
	assert.Equal(t, "Gala", cat.Sections[0].DetectedItems[0].PlaceholderData["name"])

	pricing := cat.Sections[1].DetectedItems
	require.Len(t, pricing, 2)
	assert.Equal(t, "pricing:ticket:0", pricing[0].ID)
	assert.Equal(t, "pricing:ticket:1", pricing[1].ID)
	assert.Equal(t, "Pro", pricing[1].PlaceholderData["name"])

	assert.Equal(t, "section-2", cat.Sections[2].ID)
	assert.Equal(t, "section-2:form:0", cat.Sections[2].DetectedItems[0].ID)

	assert.NotNil(t, cat.Sections[3].DetectedItems)
	assert.Empty(t, cat.Sections[3].DetectedItems)
	assert.Equal(t, map[string]int{"event": 1, "ticket": 2, "form": 1}, cat.CountByType())
}

func TestDetectCTAOnlyWhenCheckout(t *testing.T) {
	schema := mustSchema(t, `{"sections": [
		{"id": "a", "type": "cta", "props": {"label": "Learn more"}},
		{"id": "b", "type": "cta", "props": {"label": "Buy now", "action": "checkout"}}
	]}`)

	cat := Detect(schema, nil)

	assert.Empty(t, cat.Sections[0].DetectedItems)
	require.Len(t, cat.Sections[1].DetectedItems, 1)
	assert.Equal(t, domain.RecordCheckout, cat.Sections[1].DetectedItems[0].Type)
	assert.Equal(t, "Buy now", cat.Sections[1].DetectedItems[0].PlaceholderData["name"])
}

func TestDetectFilesInPathOrder(t *testing.T) {
	files := []File{
		{Path: "b.html", Content: "<h1>{{event.title}}</h1> at {{ event.location }} {{event.title}}"},
		{Path: "a.html", Content: `<span data-entity="speaker" data-full-name="Ada Lovelace"></span>`},
		{Path: "c.html", Content: "<p>static</p>"},
	}

	cat := Detect(Schema{}, files)

	require.Len(t, cat.Sections, 2)
	assert.Equal(t, 2, cat.TotalItems)

	a := cat.Sections[0]
	assert.Equal(t, "file:a.html", a.ID)
	assert.Equal(t, "a.html", a.Source)
	require.Len(t, a.DetectedItems, 1)
	assert.Equal(t, "file:a.html:contact:0", a.DetectedItems[0].ID)
	assert.Equal(t, "Ada Lovelace", a.DetectedItems[0].PlaceholderData["fullName"])

	b := cat.Sections[1]
	require.Len(t, b.DetectedItems, 1)
	assert.Equal(t, "file:b.html:event:0", b.DetectedItems[0].ID)
	assert.Equal(t, "Event placeholder in b.html", b.DetectedItems[0].PlaceholderData["name"])
	assert.Equal(t, []string{"title", "location"}, b.DetectedItems[0].PlaceholderData["fields"])
}

func TestParseSchemaRejectsMalformedJSON(t *testing.T) {
	_, err := ParseSchema(json.RawMessage(`{"sections": [`))
	assert.Error(t, err)

	s, err := ParseSchema(nil)
	require.NoError(t, err)
	assert.Empty(t, s.Sections)
}

func TestScore(t *testing.T) {
	assert.Equal(t, 1.0, Score("Launch Party", " launch party "))
	assert.Equal(t, 0.8, Score("Launch Party 2030", "Launch Party"))
	assert.Equal(t, 0.5, Score("Summer Gala Night", "Winter Gala Night"))
	assert.Equal(t, 0.0, Score("", "anything"))
}

func TestRankOrdersByScoreThenRecency(t *testing.T) {
	candidates := []domain.Record{
		{ID: "old", Name: "Launch Party", UpdatedAt: "2025-01-01T00:00:00.000000Z"},
		{ID: "new", Name: "launch party", UpdatedAt: "2025-03-01T00:00:00.000000Z"},
		{ID: "partial", Name: "Launch Party Afterparty", UpdatedAt: "2025-04-01T00:00:00.000000Z"},
		{ID: "other", Name: "Quarterly Review", UpdatedAt: "2025-04-01T00:00:00.000000Z"},
	}

	ranked := Rank("Launch Party", candidates, 5, 0.3)
	ids := make([]string, 0, len(ranked))
	for _, r := range ranked {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"new", "old", "partial"}, ids)

	assert.Len(t, Rank("Launch Party", candidates, 1, 0.3), 1)
}

type fakeLister struct {
	mu      sync.Mutex
	records []domain.Record
	failFor string
	types   []string
}

func (f *fakeLister) ListRecords(_ context.Context, filter repo.RecordFilters) ([]domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, filter.Type)
	if filter.Type == f.failFor {
		return nil, errors.New("boom")
	}
	var out []domain.Record
	for _, r := range f.records {
		if r.OrganizationID == filter.OrganizationID && r.Type == filter.Type {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestResolverMatchesWithinOrganizationAndType(t *testing.T) {
	lister := &fakeLister{records: []domain.Record{
		{ID: "e1", OrganizationID: "org-a", Type: domain.RecordEvent, Name: "Gala"},
		{ID: "e2", OrganizationID: "org-b", Type: domain.RecordEvent, Name: "Gala"},
		{ID: "p1", OrganizationID: "org-a", Type: domain.RecordProduct, Name: "VIP"},
	}}
	r := Resolver{Records: lister, Logger: logging.Discard()}

	matches, err := r.Resolve(context.Background(), "org-a", []Item{
		{ID: "hero:event:0", Type: domain.RecordEvent, PlaceholderData: map[string]any{"name": "Gala"}},
		{ID: "pricing:ticket:0", Type: "ticket", PlaceholderData: map[string]any{"name": "VIP"}},
		{ID: "anon:event:0", Type: domain.RecordEvent, PlaceholderData: map[string]any{}},
	})
	require.NoError(t, err)

	require.Len(t, matches["hero:event:0"], 1)
	assert.Equal(t, "e1", matches["hero:event:0"][0].ID)
	require.Len(t, matches["pricing:ticket:0"], 1)
	assert.Equal(t, "p1", matches["pricing:ticket:0"][0].ID)
	assert.NotNil(t, matches["anon:event:0"])
	assert.Empty(t, matches["anon:event:0"])
	assert.NotContains(t, lister.types, "ticket")
}

func TestResolverReportsFailedLookups(t *testing.T) {
	lister := &fakeLister{failFor: domain.RecordForm}
	r := Resolver{Records: lister, Logger: logging.Discard()}

	matches, err := r.Resolve(context.Background(), "org-a", []Item{
		{ID: "f", Type: domain.RecordForm, PlaceholderData: map[string]any{"name": "Signup"}},
		{ID: "e", Type: domain.RecordEvent, PlaceholderData: map[string]any{"name": "Gala"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "item f")
	_, failed := matches["f"]
	assert.False(t, failed)
	_, searched := matches["e"]
	assert.True(t, searched)

	_, err = r.Resolve(context.Background(), "", nil)
	assert.Error(t, err)
}
