// Package tools exposes the board operations as MCP tools.
package tools

import (
	"context"

	"github.com/bytedance/sonic"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	log "github.com/sirupsen/logrus"

	"prism-board/board"
	"prism-board/domain"
)

// Board is the board service surface the tools call into.
type Board interface {
	CreateTask(ctx context.Context, f domain.TaskFields) (domain.Task, error)
	CreateTasks(ctx context.Context, items []domain.TaskFields) ([]domain.Task, error)
	MaxBatchSize() int
	UpdateTask(ctx context.Context, id string, f domain.TaskFields) (domain.Task, error)
	MoveTask(ctx context.Context, id, lane string, expectedVersion *int64) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) (bool, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	SearchTasks(ctx context.Context, query, lane string) ([]domain.Task, error)
	GetStats(ctx context.Context) (domain.Stats, error)
	GetBoard(ctx context.Context) (*domain.Board, error)
	GetContext(ctx context.Context) (string, error)
}

// Toolset binds the MCP tool definitions to a board.
type Toolset struct {
	board      Board
	production bool
	logger     *log.Logger
}

func New(b Board, production bool, logger *log.Logger) *Toolset {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Toolset{board: b, production: production, logger: logger}
}

// NewServer creates an MCP server with every board tool registered.
func NewServer(b Board, version string, production bool, logger *log.Logger) *server.MCPServer {
	s := server.NewMCPServer(
		"prism-board",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	s.AddTools(New(b, production, logger).Tools()...)
	return s
}

const instructions = `Prism Board is a lane-based task board with the lanes backlog, todo, in_progress, done and recovery.
Use get_context for a short summary before planning work, get_board for the full layout,
and move_task to progress a task between lanes. Every tool returns {"success", "data", "error"} JSON.`

func laneNames() []string {
	out := make([]string, 0, len(domain.Lanes()))
	for _, l := range domain.Lanes() {
		out = append(out, string(l))
	}
	return out
}

func priorityNames() []string {
	out := make([]string, 0, len(domain.Priorities()))
	for _, p := range domain.Priorities() {
		out = append(out, string(p))
	}
	return out
}

// taskFieldOptions are the schema properties shared by create and update.
func taskFieldOptions(titleRequired bool) []mcp.ToolOption {
	title := []mcp.PropertyOption{mcp.Description("Short task title")}
	if titleRequired {
		title = append(title, mcp.Required())
	}
	return []mcp.ToolOption{
		mcp.WithString("title", title...),
		mcp.WithString("description", mcp.Description("Longer free-form description")),
		mcp.WithString("lane", mcp.Description("Board lane"), mcp.Enum(laneNames()...)),
		mcp.WithString("priority", mcp.Description("Task priority"), mcp.Enum(priorityNames()...)),
		mcp.WithNumber("estimatedHours", mcp.Description("Estimate in hours, 0 to 1000")),
		mcp.WithArray("tags", mcp.Description("Labels for the task"), mcp.Items(map[string]any{"type": "string"})),
	}
}

// Tools returns every tool definition with its handler.
func (t *Toolset) Tools() []server.ServerTool {
	idArg := mcp.WithString("id", mcp.Required(), mcp.Description("Task ID"))
	versionArg := mcp.WithNumber("expectedVersion", mcp.Description("Fail unless the task is still at this version"))

	return []server.ServerTool{
		{
			Tool: mcp.NewTool("create_task", append([]mcp.ToolOption{
				mcp.WithDescription("Create a task. Lane defaults to backlog and priority to medium."),
			}, taskFieldOptions(true)...)...),
			Handler: t.createTask,
		},
		{
			Tool: mcp.NewTool("update_task", append([]mcp.ToolOption{
				mcp.WithDescription("Update the given fields of a task."),
				idArg,
				versionArg,
			}, taskFieldOptions(false)...)...),
			Handler: t.updateTask,
		},
		{
			Tool: mcp.NewTool("move_task",
				mcp.WithDescription("Move a task to another lane."),
				idArg,
				mcp.WithString("lane", mcp.Required(), mcp.Description("Target lane"), mcp.Enum(laneNames()...)),
				versionArg,
			),
			Handler: t.moveTask,
		},
		{
			Tool:    mcp.NewTool("delete_task", mcp.WithDescription("Delete a task. Deleting a missing task reports deleted=false."), idArg),
			Handler: t.deleteTask,
		},
		{
			Tool:    mcp.NewTool("get_task", mcp.WithDescription("Fetch one task."), idArg),
			Handler: t.getTask,
		},
		{
			Tool: mcp.NewTool("search_tasks",
				mcp.WithDescription("Case-insensitive text search over titles and descriptions."),
				mcp.WithString("query", mcp.Required(), mcp.Description("Text to look for")),
				mcp.WithString("lane", mcp.Description("Restrict results to one lane"), mcp.Enum(laneNames()...)),
			),
			Handler: t.searchTasks,
		},
		{
			Tool: mcp.NewTool("batch_create_tasks",
				mcp.WithDescription("Create up to 100 tasks at once. Nothing is created if any item is invalid."),
				mcp.WithArray("tasks", mcp.Required(), mcp.Description("Task objects with the create_task fields"),
					mcp.Items(map[string]any{"type": "object"})),
			),
			Handler: t.batchCreate,
		},
		{
			Tool:    mcp.NewTool("get_board", mcp.WithDescription("Return every task grouped by lane.")),
			Handler: t.getBoard,
		},
		{
			Tool:    mcp.NewTool("get_stats", mcp.WithDescription("Return task counts per lane and priority and the estimated hours.")),
			Handler: t.getStats,
		},
		{
			Tool:    mcp.NewTool("get_context", mcp.WithDescription("Return a short human-readable summary of the board.")),
			Handler: t.getContext,
		},
	}
}

// result renders the Result envelope as the tool's text content.
func (t *Toolset) result(tool string, data any, err error) (*mcp.CallToolResult, error) {
	res := board.OK(data)
	if err != nil {
		res = board.Fail(err, t.production)
		t.logger.WithError(err).WithField("tool", tool).Debug("tool call failed")
	}
	payload, merr := sonic.Marshal(res)
	if merr != nil {
		return nil, merr
	}
	out := mcp.NewToolResultText(string(payload))
	out.IsError = err != nil
	return out, nil
}

func stringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

func (t *Toolset) createTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f, err := domain.ParseTaskFields(req.GetArguments())
	if err != nil {
		return t.result("create_task", nil, err)
	}
	task, err := t.board.CreateTask(ctx, f)
	return t.result("create_task", task, err)
}

func (t *Toolset) updateTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	f, err := domain.ParseTaskFields(args)
	if err != nil {
		return t.result("update_task", nil, err)
	}
	task, err := t.board.UpdateTask(ctx, stringArg(args, "id"), f)
	return t.result("update_task", task, err)
}

func (t *Toolset) moveTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	var expected *int64
	if v, ok := args["expectedVersion"]; ok {
		f, err := domain.ParseTaskFields(map[string]any{"expectedVersion": v})
		if err != nil {
			return t.result("move_task", nil, err)
		}
		expected = f.ExpectedVersion
	}
	task, err := t.board.MoveTask(ctx, stringArg(args, "id"), stringArg(args, "lane"), expected)
	return t.result("move_task", task, err)
}

func (t *Toolset) deleteTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	deleted, err := t.board.DeleteTask(ctx, stringArg(req.GetArguments(), "id"))
	if err != nil {
		return t.result("delete_task", nil, err)
	}
	return t.result("delete_task", map[string]bool{"deleted": deleted}, nil)
}

func (t *Toolset) getTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := t.board.GetTask(ctx, stringArg(req.GetArguments(), "id"))
	return t.result("get_task", task, err)
}

func (t *Toolset) searchTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	tasks, err := t.board.SearchTasks(ctx, stringArg(args, "query"), stringArg(args, "lane"))
	if err != nil {
		return t.result("search_tasks", nil, err)
	}
	return t.result("search_tasks", map[string]any{"tasks": tasks, "count": len(tasks)}, nil)
}

func (t *Toolset) batchCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, ok := req.GetArguments()["tasks"].([]any)
	if !ok {
		return t.result("batch_create_tasks", nil, &domain.ValidationError{Field: "tasks", Message: "must be an array"})
	}
	items, err := domain.ParseTaskBatch(raw, t.board.MaxBatchSize())
	if err != nil {
		return t.result("batch_create_tasks", nil, err)
	}
	tasks, err := t.board.CreateTasks(ctx, items)
	if err != nil {
		return t.result("batch_create_tasks", nil, err)
	}
	return t.result("batch_create_tasks", map[string]any{"tasks": tasks, "count": len(tasks)}, nil)
}

func (t *Toolset) getBoard(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b, err := t.board.GetBoard(ctx)
	if err != nil {
		return t.result("get_board", nil, err)
	}
	return t.result("get_board", b, nil)
}

func (t *Toolset) getStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := t.board.GetStats(ctx)
	return t.result("get_stats", stats, err)
}

func (t *Toolset) getContext(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := t.board.GetContext(ctx)
	if err != nil {
		return t.result("get_context", nil, err)
	}
	return t.result("get_context", map[string]string{"context": text}, nil)
}
