package internalmcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/portel-dev/ncp/internal/scheduler"
)

func scheduleCreateTool(host ScheduleHost) server.ServerTool {
	tool := mcp.NewTool("schedule.create",
		mcp.WithDescription("Create a scheduled task that invokes a tool on a cron schedule"),
		mcp.WithString("name", mcp.Required(), mcp.Description("task name")),
		mcp.WithString("tool", mcp.Required(), mcp.Description("tool to invoke")),
		mcp.WithString("cronExpression", mcp.Required(), mcp.Description("cron expression, e.g. \"0 9 * * *\"")),
		mcp.WithString("timezone", mcp.Description("IANA timezone, defaults to UTC")),
		mcp.WithBoolean("fireOnce", mcp.Description("complete after a single execution")),
	)
	return server.ServerTool{
		Tool: tool,
		Handler: func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			name, err := req.RequireString("name")
			if err != nil {
				return errorResult(err), nil
			}
			tool, err := req.RequireString("tool")
			if err != nil {
				return errorResult(err), nil
			}
			cronExpr, err := req.RequireString("cronExpression")
			if err != nil {
				return errorResult(err), nil
			}

			task := &scheduler.Task{
				Name:     name,
				Tool:     tool,
				FireOnce: req.GetBool("fireOnce", false),
				Status:   scheduler.TaskActive,
			}
			tg := &scheduler.TimingGroup{
				CronExpression: cronExpr,
				Timezone:       req.GetString("timezone", "UTC"),
			}
			if err := host.CreateTask(task, tg); err != nil {
				return errorResult(err), nil
			}
			return jsonResult(task), nil
		},
	}
}

func scheduleRetrieveTool(host ScheduleHost) server.ServerTool {
	tool := mcp.NewTool("schedule.retrieve",
		mcp.WithDescription("List scheduled tasks, optionally filtered by timing group"),
		mcp.WithString("timingId", mcp.Description("timing group id filter")),
	)
	return server.ServerTool{
		Tool: tool,
		Handler: func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			tasks := host.RetrieveTasks(req.GetString("timingId", ""))
			return jsonResult(tasks), nil
		},
	}
}

func scheduleUpdateTool(host ScheduleHost) server.ServerTool {
	tool := mcp.NewTool("schedule.update",
		mcp.WithDescription("Update fields on a scheduled task"),
		mcp.WithString("taskId", mcp.Required(), mcp.Description("task id")),
		mcp.WithString("status", mcp.Description("active or paused")),
	)
	return server.ServerTool{
		Tool: tool,
		Handler: func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			taskID, err := req.RequireString("taskId")
			if err != nil {
				return errorResult(err), nil
			}
			status := req.GetString("status", "")
			if err := host.UpdateTask(taskID, func(t *scheduler.Task) {
				if status != "" {
					t.Status = scheduler.TaskStatus(status)
				}
			}); err != nil {
				return errorResult(err), nil
			}
			return mcp.NewToolResultText(fmt.Sprintf("updated task %s", taskID)), nil
		},
	}
}

func scheduleDeleteTool(host ScheduleHost) server.ServerTool {
	tool := mcp.NewTool("schedule.delete",
		mcp.WithDescription("Delete a scheduled task"),
		mcp.WithString("taskId", mcp.Required(), mcp.Description("task id")),
	)
	return server.ServerTool{
		Tool: tool,
		Handler: func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			taskID, err := req.RequireString("taskId")
			if err != nil {
				return errorResult(err), nil
			}
			if err := host.DeleteTask(taskID); err != nil {
				return errorResult(err), nil
			}
			return mcp.NewToolResultText(fmt.Sprintf("deleted task %s", taskID)), nil
		},
	}
}

func scheduleValidateTool(host ScheduleHost) server.ServerTool {
	tool := mcp.NewTool("schedule.validate",
		mcp.WithDescription("Validate a task/timing-group pair without persisting it"),
		mcp.WithString("tool", mcp.Required(), mcp.Description("tool to invoke")),
		mcp.WithString("cronExpression", mcp.Required(), mcp.Description("cron expression")),
		mcp.WithString("timezone", mcp.Description("IANA timezone")),
	)
	return server.ServerTool{
		Tool: tool,
		Handler: func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			toolName, err := req.RequireString("tool")
			if err != nil {
				return errorResult(err), nil
			}
			cronExpr, err := req.RequireString("cronExpression")
			if err != nil {
				return errorResult(err), nil
			}
			task := &scheduler.Task{Tool: toolName}
			tg := &scheduler.TimingGroup{CronExpression: cronExpr, Timezone: req.GetString("timezone", "UTC")}
			if err := host.ValidateTask(task, tg); err != nil {
				return errorResult(err), nil
			}
			return mcp.NewToolResultText("valid"), nil
		},
	}
}
