package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentline/internal/config"
	"agentline/internal/db"
	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/logging"
	"agentline/internal/migrate"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, config.Default())
	eng.Logger = logging.Discard()
	ctx := context.Background()
	_, err = eng.CreateOrganization(ctx, "org-a", "Org A", "alice")
	require.NoError(t, err)
	_, err = eng.CreateOrganization(ctx, "org-b", "Org B", "bob")
	require.NoError(t, err)
	s := New(eng, "org-a", "alice")
	s.logger = logging.Discard()
	return s
}

func call(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text
}

func TestPreviewAndExecuteExperience(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	res, err := s.handlePreviewExperience(ctx, call("preview_experience", map[string]any{
		"conversation_id": "conv-1",
		"payload": map[string]any{
			"event": map[string]any{"title": "Launch Party", "startDate": "2030-06-01T18:00:00Z"},
		},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	var preview engine.ExperiencePreview
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &preview))
	assert.Equal(t, domain.WorkItemPreview, preview.WorkItem.Status)
	assert.Equal(t, "conv-1", preview.WorkItem.ConversationID)

	res, err = s.handleExecuteExperience(ctx, call("execute_experience", map[string]any{
		"work_item_id": preview.WorkItem.ID,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	var out engine.ExperienceResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.True(t, out.Success)
	require.NotNil(t, out.WorkItem)
	assert.Equal(t, domain.WorkItemCompleted, out.WorkItem.Status)
}

func TestToolsRejectForeignOrganization(t *testing.T) {
	s := newTestServer(t)
	res, err := s.handleListWorkItems(context.Background(), call("list_work_items", map[string]any{
		"organization_id": "org-b",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "org-b")
}

func TestExecuteConnectionsRejectsExperienceWorkItem(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	res, err := s.handlePreviewExperience(ctx, call("preview_experience", map[string]any{
		"text": "Autumn Gala",
		"payload": map[string]any{
			"event": map[string]any{"title": "Autumn Gala", "startDate": "2030-10-01T18:00:00Z"},
		},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	var preview engine.ExperiencePreview
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &preview))

	res, err = s.handleExecuteConnections(ctx, call("execute_connections", map[string]any{
		"work_item_id": preview.WorkItem.ID,
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "does not match")
}

func TestPreviewConnectionsReportsInvalidDecisions(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	res, err := s.handleCreateApp(ctx, call("create_app", map[string]any{
		"name": "Gala site",
		"schema": map[string]any{
			"sections": []any{
				map[string]any{"id": "hero", "type": "hero", "props": map[string]any{"title": "Gala", "date": "2030-07-01T17:00:00Z"}},
			},
		},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	var app domain.App
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &app))

	res, err = s.handleDetectConnections(ctx, call("detect_connections", map[string]any{"app_id": app.ID}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	var det engine.Detection
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &det))
	assert.Equal(t, 1, det.TotalItems)

	res, err = s.handlePreviewConnections(ctx, call("preview_connections", map[string]any{
		"app_id": app.ID,
		"decisions": []any{
			map[string]any{"item_id": "hero:event:0", "action": "link"},
		},
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "invalid decisions")
}
