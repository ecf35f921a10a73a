// Package mcpserver exposes the preview-gated operations as MCP tools so an
// agent can draft experiences and connect apps on behalf of one user.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"agentline/internal/connect"
	"agentline/internal/draft"
	"agentline/internal/engine"
	"agentline/internal/engine/auth"
	"agentline/internal/logging"
	"agentline/internal/orchestrate"
	"agentline/internal/repo"
)

const Version = "0.1.0"

// Server binds the tools to one acting user. OrganizationID is the default
// organization; tools accept an organization_id argument to pick another one
// the user belongs to.
type Server struct {
	mcpServer      *server.MCPServer
	engine         engine.Engine
	organizationID string
	userID         string
	logger         *slog.Logger
}

func New(e engine.Engine, organizationID, userID string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"agentline",
			Version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
			server.WithInstructions(instructions),
		),
		engine:         e,
		organizationID: organizationID,
		userID:         userID,
		logger:         logging.WithModule("mcp"),
	}
	s.registerTools()
	return s
}

const instructions = `Agentline turns conversations into business records.
Mutations are two-step: a preview tool returns a work item in preview status,
and an execute tool runs exactly what was previewed. Show the preview to the
user before executing.`

func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio blocks serving the tools over stdin and stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// NewSSEServer returns an SSE transport rooted at baseURL.
func (s *Server) NewSSEServer(baseURL string) *server.SSEServer {
	return server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))
}

func orgArg() mcp.ToolOption {
	return mcp.WithString("organization_id", mcp.Description("Organization to act in; defaults to the server's organization"))
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"preview_experience",
			mcp.WithDescription("Derive an event experience (event, tickets, form, checkout) from conversational input and plan it without writing records"),
			orgArg(),
			mcp.WithString("text", mcp.Description("Free-text description of the event")),
			mcp.WithObject("payload", mcp.Description("Structured playbook payload: event, products, ticketTypes, form, checkout, schema, files")),
			mcp.WithString("playbook", mcp.Description("Playbook name"), mcp.DefaultString("event")),
			mcp.WithString("conversation_id", mcp.Description("Conversation the preview belongs to")),
			mcp.WithString("idempotency_key", mcp.Description("Stable key for the run; derived from the experience name when empty")),
			mcp.WithString("duplicate_strategy", mcp.Description("What to do with existing records"), mcp.Enum(orchestrate.ReuseExisting, orchestrate.FailOnDuplicate)),
			mcp.WithBoolean("fail_fast", mcp.Description("Stop at the first failed step")),
		),
		s.handlePreviewExperience,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"execute_experience",
			mcp.WithDescription("Run the plan stored on an experience work item"),
			orgArg(),
			mcp.WithString("work_item_id", mcp.Required(), mcp.Description("Work item returned by preview_experience")),
		),
		s.handleExecuteExperience,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"create_app",
			mcp.WithDescription("Register a generated app so its placeholders can be connected"),
			orgArg(),
			mcp.WithString("name", mcp.Required(), mcp.Description("App name")),
			mcp.WithObject("schema", mcp.Description("Section schema of the app")),
			mcp.WithArray("files", mcp.Description("Source files as {path, content}"), mcp.Items(map[string]any{"type": "object"})),
		),
		s.handleCreateApp,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"detect_connections",
			mcp.WithDescription("Detect placeholder items of an app and rank existing records that could back them"),
			orgArg(),
			mcp.WithString("app_id", mcp.Required(), mcp.Description("App to scan")),
		),
		s.handleDetectConnections,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"preview_connections",
			mcp.WithDescription("Validate create/link/skip decisions for detected items and store them on a preview work item"),
			orgArg(),
			mcp.WithString("app_id", mcp.Required(), mcp.Description("App to connect")),
			mcp.WithArray("decisions", mcp.Required(),
				mcp.Description("One decision per item: {item_id, action: create|link|skip, linked_record_id, overrides}"),
				mcp.Items(map[string]any{"type": "object"})),
			mcp.WithString("conversation_id", mcp.Description("Conversation the preview belongs to")),
		),
		s.handlePreviewConnections,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"execute_connections",
			mcp.WithDescription("Apply the decisions stored on a connections work item"),
			orgArg(),
			mcp.WithString("work_item_id", mcp.Required(), mcp.Description("Work item returned by preview_connections")),
		),
		s.handleExecuteConnections,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_work_item",
			mcp.WithDescription("Fetch a work item with its preview data and results"),
			orgArg(),
			mcp.WithString("work_item_id", mcp.Required(), mcp.Description("Work item id")),
		),
		s.handleGetWorkItem,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_work_items",
			mcp.WithDescription("List work items, newest first"),
			orgArg(),
			mcp.WithString("status", mcp.Description("Filter by status"), mcp.Enum("preview", "approved", "completed", "failed")),
			mcp.WithString("type", mcp.Description("Filter by type"), mcp.Enum(engine.WorkItemExperience, engine.WorkItemConnections)),
			mcp.WithString("conversation_id", mcp.Description("Filter by conversation")),
			mcp.WithNumber("limit", mcp.Description("Maximum items"), mcp.DefaultNumber(20)),
		),
		s.handleListWorkItems,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_records",
			mcp.WithDescription("List business records of the organization"),
			orgArg(),
			mcp.WithString("type", mcp.Description("Record type, e.g. event or product")),
			mcp.WithNumber("limit", mcp.Description("Maximum records"), mcp.DefaultNumber(20)),
		),
		s.handleListRecords,
	)
}

// authorize resolves the organization argument and checks the acting user.
func (s *Server) authorize(ctx context.Context, request mcp.CallToolRequest, perm string) (string, error) {
	orgID := request.GetString("organization_id", s.organizationID)
	if orgID == "" {
		return "", errors.New("organization_id required")
	}
	if err := (auth.Service{Repo: s.engine.Repo}).Authorize(ctx, orgID, s.userID, perm); err != nil {
		return "", err
	}
	return orgID, nil
}

// decodeArg re-encodes a decoded JSON argument into out.
func decodeArg(args map[string]any, key string, out any) error {
	v, ok := args[key]
	if !ok || v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	return nil
}

func (s *Server) jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) failure(tool string, err error) (*mcp.CallToolResult, error) {
	s.logger.Debug("tool failed", "tool", tool, "error", err)
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", tool, err)), nil
}

func (s *Server) handlePreviewExperience(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := s.authorize(ctx, request, auth.PermWrite)
	if err != nil {
		return s.failure("preview_experience", err)
	}
	args := request.GetArguments()
	var payload draft.Payload
	if raw, ok := args["payload"]; ok && raw != nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return s.failure("preview_experience", err)
		}
		if payload, err = draft.Decode(data); err != nil {
			return s.failure("preview_experience", err)
		}
	}
	if text := request.GetString("text", ""); text != "" && payload.Text == "" {
		payload.Text = text
	}
	preview, err := s.engine.PreviewExperience(ctx, engine.ExperienceRequest{
		OrganizationID: orgID,
		UserID:         s.userID,
		ConversationID: request.GetString("conversation_id", ""),
		Playbook:       request.GetString("playbook", "event"),
		Payload:        payload,
		IdempotencyKey: request.GetString("idempotency_key", ""),
		Options: orchestrate.Options{
			DuplicateStrategy: request.GetString("duplicate_strategy", ""),
			FailFast:          request.GetBool("fail_fast", false),
		},
	})
	if err != nil {
		return s.failure("preview_experience", err)
	}
	return s.jsonResult(preview)
}

func (s *Server) handleExecuteExperience(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := s.authorize(ctx, request, auth.PermApprove)
	if err != nil {
		return s.failure("execute_experience", err)
	}
	id, err := request.RequireString("work_item_id")
	if err != nil {
		return s.failure("execute_experience", err)
	}
	res, err := s.engine.ExecuteExperience(ctx, orgID, s.userID, id)
	if err != nil {
		return s.failure("execute_experience", err)
	}
	return s.jsonResult(res)
}

func (s *Server) handleCreateApp(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := s.authorize(ctx, request, auth.PermWrite)
	if err != nil {
		return s.failure("create_app", err)
	}
	name, err := request.RequireString("name")
	if err != nil {
		return s.failure("create_app", err)
	}
	in := engine.NewApp{OrganizationID: orgID, Name: name}
	args := request.GetArguments()
	if err := decodeArg(args, "schema", &in.Schema); err != nil {
		return s.failure("create_app", err)
	}
	if err := decodeArg(args, "files", &in.Files); err != nil {
		return s.failure("create_app", err)
	}
	created, err := s.engine.CreateApp(ctx, in, s.userID)
	if err != nil {
		return s.failure("create_app", err)
	}
	return s.jsonResult(created)
}

func (s *Server) handleDetectConnections(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := s.authorize(ctx, request, auth.PermRead)
	if err != nil {
		return s.failure("detect_connections", err)
	}
	appID, err := request.RequireString("app_id")
	if err != nil {
		return s.failure("detect_connections", err)
	}
	det, err := s.engine.DetectConnections(ctx, orgID, appID)
	if err != nil {
		return s.failure("detect_connections", err)
	}
	return s.jsonResult(det)
}

func (s *Server) handlePreviewConnections(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := s.authorize(ctx, request, auth.PermWrite)
	if err != nil {
		return s.failure("preview_connections", err)
	}
	appID, err := request.RequireString("app_id")
	if err != nil {
		return s.failure("preview_connections", err)
	}
	var decisions []connect.Decision
	if err := decodeArg(request.GetArguments(), "decisions", &decisions); err != nil {
		return s.failure("preview_connections", err)
	}
	preview, err := s.engine.PreviewConnections(ctx, engine.ConnectionsRequest{
		OrganizationID: orgID,
		UserID:         s.userID,
		ConversationID: request.GetString("conversation_id", ""),
		AppID:          appID,
		Decisions:      decisions,
	})
	if err != nil {
		return s.failure("preview_connections", err)
	}
	return s.jsonResult(preview)
}

func (s *Server) handleExecuteConnections(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := s.authorize(ctx, request, auth.PermApprove)
	if err != nil {
		return s.failure("execute_connections", err)
	}
	id, err := request.RequireString("work_item_id")
	if err != nil {
		return s.failure("execute_connections", err)
	}
	res, err := s.engine.ExecuteConnectionsWorkItem(ctx, orgID, s.userID, id)
	if err != nil {
		return s.failure("execute_connections", err)
	}
	return s.jsonResult(res)
}

func (s *Server) handleGetWorkItem(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := s.authorize(ctx, request, auth.PermRead)
	if err != nil {
		return s.failure("get_work_item", err)
	}
	id, err := request.RequireString("work_item_id")
	if err != nil {
		return s.failure("get_work_item", err)
	}
	wi, err := s.engine.GetWorkItem(ctx, orgID, id)
	if err != nil {
		return s.failure("get_work_item", err)
	}
	return s.jsonResult(wi)
}

func (s *Server) handleListWorkItems(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := s.authorize(ctx, request, auth.PermRead)
	if err != nil {
		return s.failure("list_work_items", err)
	}
	items, err := s.engine.ListWorkItems(ctx, repo.WorkItemFilters{
		OrganizationID: orgID,
		Status:         request.GetString("status", ""),
		Type:           request.GetString("type", ""),
		ConversationID: request.GetString("conversation_id", ""),
		Limit:          request.GetInt("limit", 20),
	})
	if err != nil {
		return s.failure("list_work_items", err)
	}
	return s.jsonResult(items)
}

func (s *Server) handleListRecords(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := s.authorize(ctx, request, auth.PermRead)
	if err != nil {
		return s.failure("list_records", err)
	}
	recs, err := s.engine.ListRecords(ctx, repo.RecordFilters{
		OrganizationID: orgID,
		Type:           request.GetString("type", ""),
		Limit:          request.GetInt("limit", 20),
	})
	if err != nil {
		return s.failure("list_records", err)
	}
	return s.jsonResult(recs)
}
