// Package internalmcp hosts the internal management tools (mcp.* and
// schedule.*) the Orchestrator advertises to the upstream client alongside
// find and run, per spec.md §4.8. Grounded on the teacher's
// toolToServerTool/toolsToServerTools pattern in
// internal/broker/upstream/manager.go, generalized from prefixed-passthrough
// tools to the internal management surface.
package internalmcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/portel-dev/ncp/internal/config"
	"github.com/portel-dev/ncp/internal/domain"
	"github.com/portel-dev/ncp/internal/scheduler"
)

// ServerHost is the narrow capability the mcp.* tools need from the
// Orchestrator — injected at registration rather than a whole Orchestrator
// pointer, per SPEC_FULL.md §4.8.
type ServerHost interface {
	AddServer(profile string, def *config.ServerDefinition) error
	RemoveServer(profile, name string) error
	ListServers(profile string) ([]*config.ServerDefinition, error)
	SetServerEnabled(profile, name string, enabled bool) error
}

// ScheduleHost is the narrow capability the schedule.* tools need.
type ScheduleHost interface {
	CreateTask(task *scheduler.Task, timing *scheduler.TimingGroup) error
	RetrieveTasks(timingID string) []*scheduler.Task
	UpdateTask(taskID string, patch func(*scheduler.Task)) error
	DeleteTask(taskID string) error
	ValidateTask(task *scheduler.Task, timing *scheduler.TimingGroup) error
}

// MCPTools returns the server.ServerTool set for
// mcp.add/remove/list/enable/disable.
func MCPTools(host ServerHost) []server.ServerTool {
	return []server.ServerTool{
		mcpAddTool(host),
		mcpRemoveTool(host),
		mcpListTool(host),
		mcpEnableTool(host),
		mcpDisableTool(host),
	}
}

// MCPIndexRecords describes the mcp.* tools for Discovery Engine indexing,
// so they are found by find() like any downstream tool (spec.md §2).
func MCPIndexRecords() []domain.ToolRecord {
	return []domain.ToolRecord{
		{ServerName: "mcp", ToolName: "add", Description: "Add a downstream MCP server to a profile", Healthy: true},
		{ServerName: "mcp", ToolName: "remove", Description: "Remove a downstream MCP server from a profile", Healthy: true},
		{ServerName: "mcp", ToolName: "list", Description: "List downstream MCP servers in a profile", Healthy: true},
		{ServerName: "mcp", ToolName: "enable", Description: "Enable a downstream MCP server or internal host", Healthy: true},
		{ServerName: "mcp", ToolName: "disable", Description: "Disable a downstream MCP server or internal host", Healthy: true},
	}
}

// ScheduleIndexRecords describes the schedule.* tools for Discovery Engine
// indexing, so they are found by find() like any downstream tool.
func ScheduleIndexRecords() []domain.ToolRecord {
	return []domain.ToolRecord{
		{ServerName: "schedule", ToolName: "create", Description: "Create a scheduled task that invokes a tool on a cron schedule", Healthy: true},
		{ServerName: "schedule", ToolName: "retrieve", Description: "List scheduled tasks, optionally filtered by timing group", Healthy: true},
		{ServerName: "schedule", ToolName: "update", Description: "Update fields on a scheduled task", Healthy: true},
		{ServerName: "schedule", ToolName: "delete", Description: "Delete a scheduled task", Healthy: true},
		{ServerName: "schedule", ToolName: "validate", Description: "Validate a task/timing-group pair without persisting it", Healthy: true},
	}
}

// ScheduleTools returns the server.ServerTool set for
// schedule.create/retrieve/update/delete/validate.
func ScheduleTools(host ScheduleHost) []server.ServerTool {
	return []server.ServerTool{
		scheduleCreateTool(host),
		scheduleRetrieveTool(host),
		scheduleUpdateTool(host),
		scheduleDeleteTool(host),
		scheduleValidateTool(host),
	}
}

func errorResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(err)
	}
	return mcp.NewToolResultText(string(data))
}

func mcpAddTool(host ServerHost) server.ServerTool {
	tool := mcp.NewTool("mcp.add",
		mcp.WithDescription("Add a downstream MCP server to a profile"),
		mcp.WithString("profile", mcp.Required(), mcp.Description("profile name")),
		mcp.WithString("name", mcp.Required(), mcp.Description("server name")),
		mcp.WithString("transport", mcp.Required(), mcp.Description("stdio or http")),
		mcp.WithString("command", mcp.Description("command for stdio transport")),
		mcp.WithString("url", mcp.Description("URL for http transport")),
		mcp.WithString("auth", mcp.Description("none, bearer, basic, or oauth")),
	)
	return server.ServerTool{
		Tool: tool,
		Handler: func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			profile, err := req.RequireString("profile")
			if err != nil {
				return errorResult(err), nil
			}
			name, err := req.RequireString("name")
			if err != nil {
				return errorResult(err), nil
			}
			transport, err := req.RequireString("transport")
			if err != nil {
				return errorResult(err), nil
			}
			def := &config.ServerDefinition{
				Name:      name,
				Transport: config.Transport(transport),
				Command:   req.GetString("command", ""),
				URL:       req.GetString("url", ""),
				Auth:      config.AuthKind(req.GetString("auth", "")),
				Enabled:   true,
			}
			if err := host.AddServer(profile, def); err != nil {
				return errorResult(err), nil
			}
			return mcp.NewToolResultText(fmt.Sprintf("added %s to profile %s", name, profile)), nil
		},
	}
}

func mcpRemoveTool(host ServerHost) server.ServerTool {
	tool := mcp.NewTool("mcp.remove",
		mcp.WithDescription("Remove a downstream MCP server from a profile"),
		mcp.WithString("profile", mcp.Required(), mcp.Description("profile name")),
		mcp.WithString("name", mcp.Required(), mcp.Description("server name")),
	)
	return server.ServerTool{
		Tool: tool,
		Handler: func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			profile, err := req.RequireString("profile")
			if err != nil {
				return errorResult(err), nil
			}
			name, err := req.RequireString("name")
			if err != nil {
				return errorResult(err), nil
			}
			if err := host.RemoveServer(profile, name); err != nil {
				return errorResult(err), nil
			}
			return mcp.NewToolResultText(fmt.Sprintf("removed %s from profile %s", name, profile)), nil
		},
	}
}

func mcpListTool(host ServerHost) server.ServerTool {
	tool := mcp.NewTool("mcp.list",
		mcp.WithDescription("List downstream MCP servers in a profile"),
		mcp.WithString("profile", mcp.Required(), mcp.Description("profile name")),
	)
	return server.ServerTool{
		Tool: tool,
		Handler: func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			profile, err := req.RequireString("profile")
			if err != nil {
				return errorResult(err), nil
			}
			servers, err := host.ListServers(profile)
			if err != nil {
				return errorResult(err), nil
			}
			return jsonResult(servers), nil
		},
	}
}

func mcpEnableTool(host ServerHost) server.ServerTool {
	tool := mcp.NewTool("mcp.enable",
		mcp.WithDescription("Enable a downstream MCP server, or internal host (\"mcp\", \"schedule\"), making its tools findable again"),
		mcp.WithString("profile", mcp.Required(), mcp.Description("profile name")),
		mcp.WithString("name", mcp.Required(), mcp.Description("server or internal host name")),
	)
	return server.ServerTool{
		Tool: tool,
		Handler: func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			profile, err := req.RequireString("profile")
			if err != nil {
				return errorResult(err), nil
			}
			name, err := req.RequireString("name")
			if err != nil {
				return errorResult(err), nil
			}
			if err := host.SetServerEnabled(profile, name, true); err != nil {
				return errorResult(err), nil
			}
			return mcp.NewToolResultText(fmt.Sprintf("enabled %s", name)), nil
		},
	}
}

func mcpDisableTool(host ServerHost) server.ServerTool {
	tool := mcp.NewTool("mcp.disable",
		mcp.WithDescription("Disable a downstream MCP server, or internal host (\"mcp\", \"schedule\"), excluding its tools from find without rebuilding the index"),
		mcp.WithString("profile", mcp.Required(), mcp.Description("profile name")),
		mcp.WithString("name", mcp.Required(), mcp.Description("server or internal host name")),
	)
	return server.ServerTool{
		Tool: tool,
		Handler: func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			profile, err := req.RequireString("profile")
			if err != nil {
				return errorResult(err), nil
			}
			name, err := req.RequireString("name")
			if err != nil {
				return errorResult(err), nil
			}
			if err := host.SetServerEnabled(profile, name, false); err != nil {
				return errorResult(err), nil
			}
			return mcp.NewToolResultText(fmt.Sprintf("disabled %s", name)), nil
		},
	}
}
