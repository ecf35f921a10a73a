package agentlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Agentline HTTP API client scoped to one organization.
type Client struct {
	BaseURL        string
	OrganizationID string
	APIKey         string
	BearerToken    string
	HTTPClient     *http.Client
	Timeout        time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://localhost:8080/v0.
func New(baseURL, organizationID string) *Client {
	return &Client{
		BaseURL:        baseURL,
		OrganizationID: organizationID,
		Timeout:        10 * time.Second,
	}
}

// WorkItem is the preview/approve/execute unit (partial).
type WorkItem struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	UserID         string            `json:"user_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Type           string            `json:"type"`
	Name           string            `json:"name"`
	Status         string            `json:"status"`
	PreviewData    []json.RawMessage `json:"preview_data"`
	Results        json.RawMessage   `json:"results,omitempty"`
	CreatedAt      string            `json:"created_at"`
	UpdatedAt      string            `json:"updated_at"`
}

// Record is a business object (partial).
type Record struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	Subtype          string         `json:"subtype,omitempty"`
	Name             string         `json:"name"`
	Status           string         `json:"status"`
	CustomProperties map[string]any `json:"custom_properties,omitempty"`
}

// StepLogEntry reports what one playbook step did or would do.
type StepLogEntry struct {
	StepKey      string `json:"step_key"`
	ArtifactType string `json:"artifact_type"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	RecordID     string `json:"record_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// RunResult is the outcome or plan of a playbook run.
type RunResult struct {
	Success        bool           `json:"success"`
	Playbook       string         `json:"playbook"`
	ExperienceName string         `json:"experience_name"`
	IdempotencyKey string         `json:"idempotency_key"`
	StepLog        []StepLogEntry `json:"step_log"`
	Summary        struct {
		Created int `json:"created"`
		Reused  int `json:"reused"`
		Skipped int `json:"skipped"`
		Failed  int `json:"failed"`
	} `json:"summary"`
}

// ExperiencePreview is returned by PreviewExperience.
type ExperiencePreview struct {
	WorkItem WorkItem        `json:"work_item"`
	Draft    json.RawMessage `json:"draft"`
	Plan     RunResult       `json:"plan"`
}

// ExperienceOptions tune a run.
type ExperienceOptions struct {
	DuplicateStrategy string `json:"duplicate_strategy,omitempty"`
	FailFast          bool   `json:"fail_fast,omitempty"`
}

// ExperienceInput is the request body of PreviewExperience.
type ExperienceInput struct {
	ConversationID string            `json:"conversation_id,omitempty"`
	Playbook       string            `json:"playbook,omitempty"`
	Payload        any               `json:"payload"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Options        ExperienceOptions `json:"options,omitempty"`
}

// Decision resolves one detected app item.
type Decision struct {
	ItemID         string         `json:"item_id"`
	Action         string         `json:"action"`
	LinkedRecordID string         `json:"linked_record_id,omitempty"`
	Overrides      map[string]any `json:"overrides,omitempty"`
}

// ConnectionsResult reports created, linked, skipped and failed items.
type ConnectionsResult struct {
	AppID            string          `json:"app_id"`
	Created          json.RawMessage `json:"created"`
	Linked           json.RawMessage `json:"linked"`
	Skipped          json.RawMessage `json:"skipped"`
	Errors           json.RawMessage `json:"errors"`
	ConnectionStatus string          `json:"connection_status"`
}

// Execution is returned by ExecuteWorkItem. Exactly one of Experience and
// Connections is set.
type Execution struct {
	WorkItem    *WorkItem          `json:"work_item,omitempty"`
	Experience  *RunResult         `json:"experience,omitempty"`
	Connections *ConnectionsResult `json:"connections,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PreviewExperience plans an experience and returns the preview work item.
func (c *Client) PreviewExperience(ctx context.Context, in ExperienceInput) (ExperiencePreview, error) {
	var resp ExperiencePreview
	err := c.do(ctx, http.MethodPost, c.orgPath("experiences/preview"), in, &resp)
	return resp, err
}

// ExecuteWorkItem runs what a preview work item recorded.
func (c *Client) ExecuteWorkItem(ctx context.Context, id string) (Execution, error) {
	var resp Execution
	endpoint := c.orgPath(fmt.Sprintf("work-items/%s/execute", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ApproveWorkItem moves a preview work item to approved.
func (c *Client) ApproveWorkItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	endpoint := c.orgPath(fmt.Sprintf("work-items/%s/approve", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// GetWorkItem fetches a work item by id.
func (c *Client) GetWorkItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, c.orgPath("work-items/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListWorkItems returns work items, optionally filtered by status.
func (c *Client) ListWorkItems(ctx context.Context, status string) ([]WorkItem, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	var resp struct {
		Items []WorkItem `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery(c.orgPath("work-items"), q), nil, &resp)
	return resp.Items, err
}

// PreviewConnections validates decisions for an app and returns the preview
// work item.
func (c *Client) PreviewConnections(ctx context.Context, appID string, decisions []Decision) (WorkItem, error) {
	var resp struct {
		WorkItem WorkItem `json:"work_item"`
	}
	endpoint := c.orgPath(fmt.Sprintf("apps/%s/connections/preview", url.PathEscape(appID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"decisions": decisions}, &resp)
	return resp.WorkItem, err
}

// ListRecords returns records of one type, or all types when recordType is
// empty.
func (c *Client) ListRecords(ctx context.Context, recordType string, limit int) ([]Record, error) {
	q := url.Values{}
	if recordType != "" {
		q.Set("type", recordType)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Record `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery(c.orgPath("records"), q), nil, &resp)
	return resp.Items, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(c.orgPath("events"), q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) orgPath(p string) string {
	return fmt.Sprintf("orgs/%s/%s", url.PathEscape(c.OrganizationID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}
