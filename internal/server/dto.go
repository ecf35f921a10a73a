package server

import (
	"encoding/json"

	"agentline/internal/connect"
	"agentline/internal/domain"
	"agentline/internal/orchestrate"
)

// Request payloads

type CreateOrganizationRequest struct {
	ID   string `json:"id" minLength:"1"`
	Name string `json:"name,omitempty"`
}

type GrantMembershipRequest struct {
	UserID string `json:"user_id" minLength:"1"`
	Role   string `json:"role" enum:"owner,admin,member,viewer"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// ExperienceRequest carries the conversational payload: free text, a partial
// object or fully structured fields.
type ExperienceRequest struct {
	ConversationID string              `json:"conversation_id,omitempty"`
	Playbook       string              `json:"playbook,omitempty" example:"event"`
	Payload        any                 `json:"payload"`
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
	Options        orchestrate.Options `json:"options,omitempty"`
}

type CreateAppRequest struct {
	Name   string           `json:"name" minLength:"1"`
	Schema map[string]any   `json:"schema,omitempty"`
	Files  []domain.AppFile `json:"files,omitempty"`
}

type ConnectionsRequest struct {
	ConversationID string             `json:"conversation_id,omitempty"`
	Decisions      []connect.Decision `json:"decisions"`
}

type UpdateWorkItemRequest struct {
	Status   string           `json:"status" enum:"preview,approved,completed,failed"`
	Results  any              `json:"results,omitempty"`
	Progress *domain.Progress `json:"progress,omitempty"`
}

type DevLoginRequest struct {
	UserID         string `json:"user_id" minLength:"1"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// Response payloads

type MeResponse struct {
	UserID         string                `json:"user_id"`
	OrganizationID string                `json:"organization_id,omitempty"`
	Source         string                `json:"source"`
	Organizations  []domain.Organization `json:"organizations"`
}

type APIKeyResponse struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	UserID         string `json:"user_id"`
	Name           string `json:"name,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type CreatedAPIKeyResponse struct {
	Key    string         `json:"key" doc:"Plaintext key; shown once"`
	APIKey APIKeyResponse `json:"api_key"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type EventResponse struct {
	ID             int64          `json:"id"`
	TS             string         `json:"ts" format:"date-time"`
	Type           string         `json:"type"`
	OrganizationID string         `json:"organization_id,omitempty"`
	EntityKind     string         `json:"entity_kind"`
	EntityID       string         `json:"entity_id,omitempty"`
	ActorID        string         `json:"actor_id"`
	Payload        map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type recordList struct {
	Items []domain.Record `json:"items"`
}

type workItemList struct {
	Items []domain.WorkItem `json:"items"`
}

type appList struct {
	Items []domain.App `json:"items"`
}

type appLinkList struct {
	Items []domain.AppLink `json:"items"`
}

type organizationList struct {
	Items []domain.Organization `json:"items"`
}

type membershipList struct {
	Items []domain.Membership `json:"items"`
}

type apiKeyList struct {
	Items []APIKeyResponse `json:"items"`
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:             k.ID,
		OrganizationID: k.OrganizationID,
		UserID:         k.UserID,
		Name:           k.Name,
		CreatedAt:      k.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:             e.ID,
		TS:             e.TS,
		Type:           e.Type,
		OrganizationID: e.OrganizationID,
		EntityKind:     e.EntityKind,
		EntityID:       e.EntityID,
		ActorID:        e.ActorID,
		Payload:        decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

// rawJSON re-encodes a decoded JSON value. Nil stays nil.
func rawJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
