package internalmcp

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/require"

	"github.com/portel-dev/ncp/internal/config"
	"github.com/portel-dev/ncp/internal/scheduler"
)

type fakeServerHost struct {
	added     []*config.ServerDefinition
	removed   []string
	servers   []*config.ServerDefinition
	enabled   map[string]bool
}

func (f *fakeServerHost) AddServer(profile string, def *config.ServerDefinition) error {
	f.added = append(f.added, def)
	return nil
}

func (f *fakeServerHost) RemoveServer(profile, name string) error {
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeServerHost) ListServers(profile string) ([]*config.ServerDefinition, error) {
	return f.servers, nil
}

func (f *fakeServerHost) SetServerEnabled(profile, name string, enabled bool) error {
	if f.enabled == nil {
		f.enabled = make(map[string]bool)
	}
	f.enabled[name] = enabled
	return nil
}

func findTool(t *testing.T, tools []server.ServerTool, name string) server.ServerTool {
	t.Helper()
	for _, tool := range tools {
		if tool.Tool.Name == name {
			return tool
		}
	}
	t.Fatalf("tool %s not found", name)
	return server.ServerTool{}
}

func callTool(t *testing.T, tools []server.ServerTool, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	tool := findTool(t, tools, name)
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := tool.Handler(context.Background(), req)
	require.NoError(t, err)
	return res
}

func TestMCPAddToolInvokesHost(t *testing.T) {
	host := &fakeServerHost{}
	tools := MCPTools(host)

	res := callTool(t, tools, "mcp.add", map[string]any{
		"profile": "dev", "name": "git", "transport": "stdio", "command": "git-mcp",
	})
	require.False(t, res.IsError)
	require.Len(t, host.added, 1)
	require.Equal(t, "git", host.added[0].Name)
}

func TestMCPRemoveToolInvokesHost(t *testing.T) {
	host := &fakeServerHost{}
	tools := MCPTools(host)

	callTool(t, tools, "mcp.remove", map[string]any{"profile": "dev", "name": "git"})
	require.Equal(t, []string{"git"}, host.removed)
}

func TestMCPListToolReturnsServers(t *testing.T) {
	host := &fakeServerHost{servers: []*config.ServerDefinition{{Name: "git"}}}
	tools := MCPTools(host)

	res := callTool(t, tools, "mcp.list", map[string]any{"profile": "dev"})
	require.False(t, res.IsError)
}

func TestMCPEnableDisableToolsInvokeHost(t *testing.T) {
	host := &fakeServerHost{}
	tools := MCPTools(host)

	res := callTool(t, tools, "mcp.disable", map[string]any{"profile": "dev", "name": "schedule"})
	require.False(t, res.IsError)
	require.False(t, host.enabled["schedule"])

	res = callTool(t, tools, "mcp.enable", map[string]any{"profile": "dev", "name": "schedule"})
	require.False(t, res.IsError)
	require.True(t, host.enabled["schedule"])
}

func TestMCPIndexRecordsCoverAllTools(t *testing.T) {
	records := MCPIndexRecords()
	require.Len(t, records, 5)
	for _, r := range records {
		require.Equal(t, "mcp", r.ServerName)
	}
}

func TestScheduleIndexRecordsCoverAllTools(t *testing.T) {
	records := ScheduleIndexRecords()
	require.Len(t, records, 5)
	for _, r := range records {
		require.Equal(t, "schedule", r.ServerName)
	}
}

type fakeScheduleHost struct {
	created []*scheduler.Task
}

func (f *fakeScheduleHost) CreateTask(task *scheduler.Task, timing *scheduler.TimingGroup) error {
	f.created = append(f.created, task)
	return nil
}

func (f *fakeScheduleHost) RetrieveTasks(timingID string) []*scheduler.Task {
	return f.created
}

func (f *fakeScheduleHost) UpdateTask(taskID string, patch func(*scheduler.Task)) error {
	return nil
}

func (f *fakeScheduleHost) DeleteTask(taskID string) error {
	return nil
}

func (f *fakeScheduleHost) ValidateTask(task *scheduler.Task, timing *scheduler.TimingGroup) error {
	return nil
}

func TestScheduleCreateToolInvokesHost(t *testing.T) {
	host := &fakeScheduleHost{}
	tools := ScheduleTools(host)

	res := callTool(t, tools, "schedule.create", map[string]any{
		"name": "daily-report", "tool": "report.generate", "cronExpression": "0 9 * * *",
	})
	require.False(t, res.IsError)
	require.Len(t, host.created, 1)
	require.Equal(t, "daily-report", host.created[0].Name)
}

func TestScheduleRetrieveToolReturnsTasks(t *testing.T) {
	host := &fakeScheduleHost{created: []*scheduler.Task{{Name: "t"}}}
	tools := ScheduleTools(host)

	res := callTool(t, tools, "schedule.retrieve", map[string]any{})
	require.False(t, res.IsError)
}
