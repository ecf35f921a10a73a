package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Execer is satisfied by both *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Event types appended by the engine.
const (
	RecordCreated         = "record.created"
	WorkItemCreated       = "workitem.created"
	WorkItemUpdated       = "workitem.updated"
	ExperienceExecuted    = "experience.executed"
	ConnectionsExecuted   = "connections.executed"
	AppCreated            = "app.created"
	OrganizationCreated   = "organization.created"
	APIKeyCreated         = "apikey.created"
	MembershipGranted     = "membership.granted"
	ConnectionStatusMoved = "app.connection_status"
)

// Append writes one audit event. Pass a transaction to make the event part of
// the same commit as the change it describes; nil falls back to the pool.
func (w Writer) Append(ctx context.Context, exec Execer, evtType, orgID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if exec == nil {
		exec = w.DB
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = exec.ExecContext(ctx, `INSERT INTO events(ts,type,organization_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(orgID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
