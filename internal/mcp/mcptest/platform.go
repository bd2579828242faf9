// Package mcptest runs an in-process stand-in for the coding-agent platform.
package mcptest

import (
	"context"
	"fmt"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Platform keeps projects and tasks in memory and serves the platform tools.
type Platform struct {
	Server *server.MCPServer

	mu       sync.Mutex
	projects []map[string]any
	tasks    map[string]map[string]any
	files    map[string][]map[string]any
	calls    map[string]int
	nextID   int
}

// NewPlatform registers create_project, list_projects, execute_coding_task,
// get_session_details, get_session_files and health_check.
func NewPlatform() *Platform {
	p := &Platform{
		Server: server.NewMCPServer("autocoder-test", "0.0.1", server.WithToolCapabilities(false)),
		tasks:  make(map[string]map[string]any),
		files:  make(map[string][]map[string]any),
		calls:  make(map[string]int),
	}

	p.Server.AddTool(mcp.NewTool("create_project",
		mcp.WithDescription("Create a new coding project"),
		mcp.WithString("name", mcp.Required()),
		mcp.WithString("description"),
	), p.createProject)

	p.Server.AddTool(mcp.NewTool("list_projects",
		mcp.WithDescription("List all projects"),
	), p.listProjects)

	p.Server.AddTool(mcp.NewTool("execute_coding_task",
		mcp.WithDescription("Start a coding task"),
		mcp.WithString("project_id"),
		mcp.WithString("task_description", mcp.Required()),
	), p.executeTask)

	p.Server.AddTool(mcp.NewTool("get_session_details",
		mcp.WithDescription("Task status"),
		mcp.WithString("session_id", mcp.Required()),
	), p.sessionDetails)

	p.Server.AddTool(mcp.NewTool("get_session_files",
		mcp.WithDescription("Generated files"),
		mcp.WithString("session_id", mcp.Required()),
	), p.sessionFiles)

	p.Server.AddTool(mcp.NewTool("health_check",
		mcp.WithDescription("Liveness probe"),
	), func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p.count("health_check")
		return mcp.NewToolResultText(`{"status":"ok"}`), nil
	})

	return p
}

// Client returns an unstarted in-process client bound to the platform.
func (p *Platform) Client() (*mcpclient.Client, error) {
	return mcpclient.NewInProcessClient(p.Server)
}

// Calls reports how many times tool was invoked.
func (p *Platform) Calls(tool string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[tool]
}

// AddFile attaches a generated file to a task session.
func (p *Platform) AddFile(sessionID, name string, size int64, url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[sessionID] = append(p.files[sessionID], map[string]any{"name": name, "size": size, "url": url})
}

// SetTask overwrites fields of a task's status.
func (p *Platform) SetTask(sessionID string, fields map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[sessionID]
	if !ok {
		t = map[string]any{"session_id": sessionID}
		p.tasks[sessionID] = t
	}
	for k, v := range fields {
		t[k] = v
	}
}

func (p *Platform) count(tool string) {
	p.mu.Lock()
	p.calls[tool]++
	p.mu.Unlock()
}

func (p *Platform) createProject(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p.count("create_project")
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, proj := range p.projects {
		if proj["name"] == name {
			return mcp.NewToolResultError(fmt.Sprintf("project %q already exists", name)), nil
		}
	}
	p.nextID++
	id := fmt.Sprintf("proj-%d", p.nextID)
	p.projects = append(p.projects, map[string]any{
		"id":          id,
		"name":        name,
		"description": req.GetString("description", ""),
	})
	return mcp.NewToolResultStructured(map[string]any{"success": true, "project_id": id}, "created "+id), nil
}

func (p *Platform) listProjects(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p.count("list_projects")
	p.mu.Lock()
	defer p.mu.Unlock()
	list := make([]map[string]any, len(p.projects))
	copy(list, p.projects)
	return mcp.NewToolResultStructured(map[string]any{"projects": list}, fmt.Sprintf("%d projects", len(list))), nil
}

func (p *Platform) executeTask(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p.count("execute_coding_task")
	projectID := req.GetString("project_id", "")
	task := req.GetString("task_description", "")

	p.mu.Lock()
	defer p.mu.Unlock()
	var project map[string]any
	if projectID == "" {
		// Tasks without a project land in a fresh scratch project.
		p.nextID++
		project = map[string]any{"id": fmt.Sprintf("proj-%d", p.nextID), "name": "Scratch"}
		p.projects = append(p.projects, project)
	}
	for _, proj := range p.projects {
		if proj["id"] == projectID {
			project = proj
		}
	}
	if project == nil {
		return mcp.NewToolResultError("unknown project " + projectID), nil
	}
	p.nextID++
	sid := fmt.Sprintf("sess-%d", p.nextID)
	p.tasks[sid] = map[string]any{
		"session_id":       sid,
		"status":           "in_progress",
		"progress":         0,
		"project_name":     project["name"],
		"task_description": task,
		"recent_logs":      []string{"Task queued"},
	}
	return mcp.NewToolResultStructured(map[string]any{
		"success":      true,
		"session_id":   sid,
		"status":       "started",
		"project_id":   project["id"],
		"project_name": project["name"],
	}, "started "+sid), nil
}

func (p *Platform) sessionDetails(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p.count("get_session_details")
	sid := req.GetString("session_id", "")
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[sid]
	if !ok {
		return mcp.NewToolResultError("unknown session " + sid), nil
	}
	return mcp.NewToolResultStructured(t, "status"), nil
}

func (p *Platform) sessionFiles(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p.count("get_session_files")
	sid := req.GetString("session_id", "")
	p.mu.Lock()
	defer p.mu.Unlock()
	files := append([]map[string]any(nil), p.files[sid]...)
	return mcp.NewToolResultStructured(map[string]any{"files": files}, fmt.Sprintf("%d files", len(files))), nil
}
