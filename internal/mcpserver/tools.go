package mcpserver

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	apperrors "github.com/sandboxmcp/sandbox-mcp/internal/common/errors"
)

// registerTools attaches every tool to the MCP server.
func registerTools(s *server.MCPServer, d *Dispatcher) {
	s.AddTool(mcp.NewTool("run_task",
		mcp.WithDescription("Start an asynchronous coding task in a sandboxed agent session. Returns immediately with the run id; poll get_result for the outcome."),
		mcp.WithString("task", mcp.Required(), mcp.Description("The task for the agent to perform")),
		mcp.WithString("sessionId", mcp.Description("Existing session to continue; omit to create a new one")),
		mcp.WithString("repository", mcp.Description("GitHub repository URL to clone (https://github.com/...)")),
		mcp.WithString("branch", mcp.Description("Branch to check out after cloning")),
		mcp.WithString("model", mcp.Description("Model id override; defaults to the session's configured model")),
		mcp.WithString("title", mcp.Description("Short human-readable title for the run")),
	), handleRunTask(d))

	s.AddTool(mcp.NewTool("get_result",
		mcp.WithDescription("Fetch the current state and result of a run."),
		mcp.WithString("runId", mcp.Required(), mcp.Description("The run id returned by run_task")),
	), handleGetResult(d))

	s.AddTool(mcp.NewTool("list_runs",
		mcp.WithDescription("List runs, newest first, optionally filtered by session or status."),
		mcp.WithString("sessionId", mcp.Description("Only runs belonging to this session")),
		mcp.WithString("status", mcp.Description("Only runs in this status: started, running, completed or failed")),
		mcp.WithNumber("limit", mcp.Description("Page size, 1-100, default 10")),
		mcp.WithNumber("before", mcp.Description("Only runs started strictly before this UNIX ms timestamp")),
	), handleListRuns(d))

	s.AddTool(mcp.NewTool("exec",
		mcp.WithDescription("Run a shell command directly in a session's sandbox."),
		mcp.WithString("sessionId", mcp.Required(), mcp.Description("The session whose sandbox runs the command")),
		mcp.WithString("command", mcp.Required(), mcp.Description("Shell command to execute")),
		mcp.WithString("workDir", mcp.Description("Working directory inside the sandbox")),
	), handleExec(d))

	s.AddTool(mcp.NewTool("expose_port",
		mcp.WithDescription("Resolve an address on which a port inside the sandbox is reachable."),
		mcp.WithString("sessionId", mcp.Required(), mcp.Description("The session whose sandbox exposes the port")),
		mcp.WithNumber("port", mcp.Required(), mcp.Description("Port inside the sandbox")),
	), handleExposePort(d))
}

func handleRunTask(d *Dispatcher) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskText, err := req.RequireString("task")
		if err != nil {
			return toolError(apperrors.Validation("task", "is required")), nil
		}
		out, err := d.RunTask(ctx, RunTaskInput{
			Task:       taskText,
			SessionID:  req.GetString("sessionId", ""),
			Repository: req.GetString("repository", ""),
			Branch:     req.GetString("branch", ""),
			Model:      req.GetString("model", ""),
			Title:      req.GetString("title", ""),
		})
		if err != nil {
			return toolError(err), nil
		}
		return toolResult(out), nil
	}
}

func handleGetResult(d *Dispatcher) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := req.RequireString("runId")
		if err != nil {
			return toolError(apperrors.Validation("runId", "is required")), nil
		}
		out, err := d.GetResult(ctx, runID)
		if err != nil {
			return toolError(err), nil
		}
		return toolResult(out), nil
	}
}

func handleListRuns(d *Dispatcher) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := d.ListRuns(ctx, ListRunsInput{
			SessionID: req.GetString("sessionId", ""),
			Status:    req.GetString("status", ""),
			Limit:     req.GetInt("limit", 0),
			Before:    int64(req.GetFloat("before", 0)),
		})
		if err != nil {
			return toolError(err), nil
		}
		return toolResult(out), nil
	}
}

func handleExec(d *Dispatcher) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("sessionId")
		if err != nil {
			return toolError(apperrors.Validation("sessionId", "is required")), nil
		}
		command, err := req.RequireString("command")
		if err != nil {
			return toolError(apperrors.Validation("command", "is required")), nil
		}
		out, err := d.Exec(ctx, ExecInput{
			SessionID: sessionID,
			Command:   command,
			WorkDir:   req.GetString("workDir", ""),
		})
		if err != nil {
			return toolError(err), nil
		}
		return toolResult(out), nil
	}
}

func handleExposePort(d *Dispatcher) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("sessionId")
		if err != nil {
			return toolError(apperrors.Validation("sessionId", "is required")), nil
		}
		port, err := req.RequireInt("port")
		if err != nil {
			return toolError(apperrors.Validation("port", "is required")), nil
		}
		out, err := d.ExposePort(ctx, ExposePortInput{SessionID: sessionID, Port: port})
		if err != nil {
			return toolError(err), nil
		}
		return toolResult(out), nil
	}
}

// toolResult serializes v as a single JSON text block.
func toolResult(v any) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(`{"code":"UNKNOWN_ERROR","message":"failed to encode result"}`)
	}
	return mcp.NewToolResultText(string(data))
}

// toolError maps an error onto the structured {code, message} shape the
// tool contract promises. Tool failures are results, never protocol
// errors.
func toolError(err error) *mcp.CallToolResult {
	code := apperrors.ErrCodeUnknown
	message := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		code = appErr.Code
		message = appErr.Message
	}
	data, _ := json.Marshal(map[string]string{"code": code, "message": message})
	return mcp.NewToolResultError(string(data))
}
