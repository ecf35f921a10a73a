package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"agentline/internal/config"
	"agentline/internal/db"
	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/logging"
	"agentline/internal/migrate"
)

type delivery struct {
	header http.Header
	body   map[string]any
}

func TestWebhookDispatcherDeliversMatchingEvents(t *testing.T) {
	var mu sync.Mutex
	var got []delivery
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(data, &body)
		mu.Lock()
		got = append(got, delivery{header: r.Header.Clone(), body: body})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	disabled := false
	cfg.Webhooks = []config.WebhookConfig{
		{URL: hook.URL, Organization: "org-a", Events: []string{"record.created"}, Secret: "s3cret"},
		{URL: hook.URL, Enabled: &disabled},
	}
	e := engine.New(conn, cfg)
	e.Logger = logging.Discard()
	ctx := context.Background()
	for _, org := range []string{"org-a", "org-b"} {
		if _, err := e.CreateOrganization(ctx, org, org, "alice"); err != nil {
			t.Fatalf("create %s: %v", org, err)
		}
	}

	d := newWebhookDispatcher(e)
	d.logger = logging.Discard()
	d.dispatchAll(ctx)
	if len(got) != 0 {
		t.Fatalf("expected no deliveries for events before startup, got %d", len(got))
	}

	ts := "2025-05-01T12:00:00.000000Z"
	if _, err := e.CreateRecord(ctx, domain.Record{ID: "r1", OrganizationID: "org-a", Type: "event", Name: "Gala", Status: "draft", CreatedAt: ts, UpdatedAt: ts}, "alice"); err != nil {
		t.Fatalf("create record: %v", err)
	}
	if err := e.GrantMembership(ctx, "org-a", "bob", "member", "alice"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := e.CreateRecord(ctx, domain.Record{ID: "r2", OrganizationID: "org-b", Type: "event", Name: "Gala", Status: "draft", CreatedAt: ts, UpdatedAt: ts}, "alice"); err != nil {
		t.Fatalf("create foreign record: %v", err)
	}

	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	h := got[0].header
	if h.Get("X-Agentline-Event") != "record.created" {
		t.Fatalf("unexpected event header %q", h.Get("X-Agentline-Event"))
	}
	if h.Get("X-Agentline-Secret") != "s3cret" || h.Get("X-Agentline-Organization") != "org-a" {
		t.Fatalf("unexpected headers %v", h)
	}
	if got[0].body["entity_id"] != "r1" {
		t.Fatalf("unexpected body %v", got[0].body)
	}
	payload, _ := got[0].body["payload"].(map[string]any)
	if payload["name"] != "Gala" {
		t.Fatalf("unexpected payload %v", got[0].body["payload"])
	}
}

func TestEventFilter(t *testing.T) {
	all := newEventFilter([]string{" ", ""})
	if !all.match("anything") {
		t.Fatalf("empty filter should match everything")
	}
	some := newEventFilter([]string{"record.created"})
	if !some.match("record.created") || some.match("workitem.created") {
		t.Fatalf("filter matched wrong events")
	}
}
