package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/wacoder/internal/config"
	"github.com/nextlevelbuilder/wacoder/internal/mcp/mcptest"
	"github.com/nextlevelbuilder/wacoder/internal/tools"
)

func connectTest(t *testing.T, p *mcptest.Platform) *Client {
	t.Helper()
	c := New(config.MCPConfig{Name: "autocoder", Transport: "inprocess"},
		WithFactory(p.Client),
		WithHealthInterval(time.Hour),
	)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnect_DiscoversTools(t *testing.T) {
	c := connectTest(t, mcptest.NewPlatform())

	st := c.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, "autocoder", st.Name)
	assert.Contains(t, st.Tools, "execute_coding_task")
	assert.True(t, c.HasTool("health_check"))
	assert.False(t, c.HasTool("rm_rf"))
	assert.NoError(t, c.Ping(context.Background()))
}

func TestCallTool_StructuredContent(t *testing.T) {
	p := mcptest.NewPlatform()
	c := connectTest(t, p)
	ctx := context.Background()

	data, err := c.CallTool(ctx, "create_project", map[string]any{"name": "Demo"})
	require.NoError(t, err)

	var created struct {
		Success   bool   `json:"success"`
		ProjectID string `json:"project_id"`
	}
	require.NoError(t, json.Unmarshal(data, &created))
	assert.True(t, created.Success)
	assert.Equal(t, "proj-1", created.ProjectID)

	data, err = c.CallTool(ctx, "list_projects", nil)
	require.NoError(t, err)
	var list tools.ProjectList
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Projects, 1)
	assert.Equal(t, "Demo", list.Projects[0].Name)
}

func TestCallTool_IsErrorMapsToToolFailed(t *testing.T) {
	p := mcptest.NewPlatform()
	c := connectTest(t, p)
	ctx := context.Background()

	_, err := c.CallTool(ctx, "create_project", map[string]any{"name": "Demo"})
	require.NoError(t, err)
	_, err = c.CallTool(ctx, "create_project", map[string]any{"name": "Demo"})
	require.ErrorIs(t, err, tools.ErrToolFailed)
	assert.Contains(t, err.Error(), "already exists")
}

func TestCallTool_TextContent(t *testing.T) {
	srv := server.NewMCPServer("text", "1", server.WithToolCapabilities(false))
	srv.AddTool(mcpgo.NewTool("json_text"), func(context.Context, mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		return mcpgo.NewToolResultText(`{"status":"ok"}`), nil
	})
	srv.AddTool(mcpgo.NewTool("plain_text"), func(context.Context, mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		return mcpgo.NewToolResultText("all good"), nil
	})

	c := New(config.MCPConfig{Transport: "inprocess"},
		WithFactory(func() (*mcpclient.Client, error) { return mcpclient.NewInProcessClient(srv) }),
		WithHealthInterval(time.Hour),
	)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	data, err := c.CallTool(context.Background(), "json_text", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))

	data, err = c.CallTool(context.Background(), "plain_text", nil)
	require.NoError(t, err)
	assert.Equal(t, `"all good"`, string(data))
}

func TestDispatcherOverInProcessPlatform(t *testing.T) {
	p := mcptest.NewPlatform()
	c := connectTest(t, p)
	d := tools.NewDispatcher(c, tools.Options{
		CallTimeout:      time.Second,
		MaxAttempts:      2,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       time.Millisecond,
		BreakerThreshold: 3,
		BreakerCooldown:  time.Minute,
	})
	ctx := context.Background()

	res, err := d.Invoke(ctx, tools.Invocation{Tool: tools.ToolCreateProject, Params: map[string]any{"name": "Demo"}})
	require.NoError(t, err)
	var created tools.Project
	require.NoError(t, res.Decode(&created))
	assert.Equal(t, "proj-1", created.Key())

	res, err = d.Invoke(ctx, tools.Invocation{Tool: tools.ToolExecuteTask, Params: map[string]any{
		"project_id": "proj-1", "task_description": "add login",
	}})
	require.NoError(t, err)
	assert.True(t, res.InProgress)
	assert.NotEmpty(t, res.SessionID)

	res, err = d.Invoke(ctx, tools.Invocation{Tool: tools.ToolExecuteTask, Params: map[string]any{
		"task_description": "a todo app",
	}})
	require.NoError(t, err)
	var started tools.TaskStarted
	require.NoError(t, res.Decode(&started))
	assert.NotEmpty(t, started.ProjectID)
	assert.Equal(t, "Scratch", started.ProjectName)

	assert.NoError(t, d.Health(ctx))
	assert.Equal(t, 1, p.Calls("health_check"))
}

func TestCallTool_NotConnected(t *testing.T) {
	c := New(config.MCPConfig{Transport: "streamable-http", URL: "http://127.0.0.1:1/mcp"})
	_, err := c.CallTool(context.Background(), "list_projects", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Ping(context.Background()), ErrNotConnected)
}

func TestCreateClient_UnknownTransport(t *testing.T) {
	_, err := createClient("carrier-pigeon", "", nil, nil, "", nil)
	assert.Error(t, err)
	_, err = createClient("stdio", "", nil, nil, "", nil)
	assert.Error(t, err)
}

func TestBackoffFor(t *testing.T) {
	assert.Equal(t, 2*time.Second, backoffFor(1))
	assert.Equal(t, 4*time.Second, backoffFor(2))
	assert.Equal(t, 60*time.Second, backoffFor(10))
}
