package domain

import (
	"encoding/json"
	"time"
)

type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Record is a generically typed business object owned by one organization.
type Record struct {
	ID               string         `json:"id"`
	OrganizationID   string         `json:"organization_id"`
	Type             string         `json:"type"`
	Subtype          string         `json:"subtype,omitempty"`
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	Status           string         `json:"status"`
	CustomProperties map[string]any `json:"custom_properties,omitempty"`
	NaturalKey       string         `json:"natural_key,omitempty"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
	UpdatedAt        string         `json:"updated_at" format:"date-time"`
}

const (
	RecordEvent    = "event"
	RecordProduct  = "product"
	RecordForm     = "form"
	RecordCheckout = "checkout"
	RecordContact  = "contact"
	RecordInvoice  = "invoice"
	RecordWorkflow = "workflow"
)

type WorkItem struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	UserID         string            `json:"user_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Type           string            `json:"type"`
	Name           string            `json:"name"`
	Status         string            `json:"status" enum:"preview,approved,completed,failed"`
	PreviewData    []json.RawMessage `json:"preview_data"`
	Results        json.RawMessage   `json:"results,omitempty"`
	Progress       *Progress         `json:"progress,omitempty"`
	CreatedAt      string            `json:"created_at" format:"date-time"`
	UpdatedAt      string            `json:"updated_at" format:"date-time"`
	CompletedAt    *string           `json:"completed_at,omitempty" format:"date-time"`
}

const (
	WorkItemPreview   = "preview"
	WorkItemApproved  = "approved"
	WorkItemCompleted = "completed"
	WorkItemFailed    = "failed"
)

type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// App is a generated web artifact whose placeholders can be connected to records.
type App struct {
	ID               string          `json:"id"`
	OrganizationID   string          `json:"organization_id"`
	Name             string          `json:"name"`
	Schema           json.RawMessage `json:"schema,omitempty"`
	Files            []AppFile       `json:"files,omitempty"`
	ConnectionStatus string          `json:"connection_status" enum:"pending,completed"`
	CreatedAt        string          `json:"created_at" format:"date-time"`
	UpdatedAt        string          `json:"updated_at" format:"date-time"`
}

type AppFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type AppLink struct {
	AppID      string `json:"app_id"`
	RecordID   string `json:"record_id"`
	RecordType string `json:"record_type"`
	LinkKind   string `json:"link_kind" enum:"created,linked"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

const (
	ConnectionPending   = "pending"
	ConnectionCompleted = "completed"
)

type Event struct {
	ID             int64  `json:"id"`
	TS             string `json:"ts" format:"date-time"`
	Type           string `json:"type"`
	OrganizationID string `json:"organization_id,omitempty"`
	EntityKind     string `json:"entity_kind"`
	EntityID       string `json:"entity_id,omitempty"`
	ActorID        string `json:"actor_id"`
	Payload        string `json:"payload_json"`
}

type APIKey struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	UserID         string `json:"user_id"`
	Name           string `json:"name,omitempty"`
	KeyHash        string `json:"key_hash"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type Membership struct {
	OrganizationID string `json:"organization_id"`
	UserID         string `json:"user_id"`
	Role           string `json:"role"`
}

// TimeLayout is RFC 3339 with fixed-width microseconds so stored timestamps
// sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
