package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/bidworks/bidflow/internal/engine"
	"github.com/bidworks/bidflow/internal/store"
	"github.com/bidworks/bidflow/pkg/schema"
)

// Engine is the controller surface the MCP tools drive.
type Engine interface {
	Start(ctx context.Context, req engine.StartRequest) (*store.Snapshot, error)
	Snapshot(ctx context.Context, executionID string) (*store.Snapshot, error)
	SubmitDecision(ctx context.Context, executionID string, decision schema.Decision) (*store.Snapshot, error)
	Cancel(ctx context.Context, executionID, reason string) (*store.Snapshot, error)
}

// BidflowServerDeps holds the dependencies for creating a BidflowServer.
type BidflowServerDeps struct {
	Engine Engine
	Store  store.Store
	Logger *slog.Logger
}

// BidflowServer wraps an MCP server with the bid pipeline tool handlers.
type BidflowServer struct {
	engine    Engine
	store     store.Store
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewBidflowServer creates a BidflowServer with all 5 tools registered.
func NewBidflowServer(deps BidflowServerDeps) *BidflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &BidflowServer{
		engine: deps.Engine,
		store:  deps.Store,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"bidflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Bidflow orchestrates the bid production pipeline. Use bid.start to launch an execution for a project, bid.status to inspect it, bid.decide to resolve gates and recover from failures, bid.events to read the event log, and bid.cancel to abandon an execution."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *BidflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *BidflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *BidflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: decideTool(), Handler: s.handleDecide},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: cancelTool(), Handler: s.handleCancel},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("bid.start",
		mcp.WithDescription("Start a bid pipeline execution for a project"),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project to produce the bid for")),
		mcp.WithString("initiator", mcp.Required(), mcp.Description("Who is starting the execution")),
		mcp.WithArray("stages", mcp.Description("Subset of pipeline stages to run, in order (default: all)")),
		mcp.WithObject("input", mcp.Description("Input document for the first stage")),
		mcp.WithObject("stage_configs", mcp.Description("Per-stage configuration: result_selector, deadline, params")),
	)
}

func decideTool() mcp.Tool {
	return mcp.NewTool("bid.decide",
		mcp.WithDescription("Resolve an execution's open gate or recover a failed stage"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Target execution")),
		mcp.WithString("kind", mcp.Required(),
			mcp.Enum("approve", "revise", "grant_permission", "deny_permission", "retry", "skip", "restart_workflow"),
			mcp.Description("Decision kind"),
		),
		mcp.WithString("gate_id", mcp.Description("Gate being answered; rejected if a different gate is open by then")),
		mcp.WithObject("payload", mcp.Description("Decision payload (revise requires target_stage, optional feedback)")),
		mcp.WithString("decided_by", mcp.Description("Who made the decision")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("bid.status",
		mcp.WithDescription("Get an execution's status, tasks, result document, and open gate"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution to inspect")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("bid.events",
		mcp.WithDescription("Read an execution's event log, optionally after a known offset"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution whose log to read")),
		mcp.WithNumber("since", mcp.Description("Return only events with offset greater than this (default: 0)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("bid.cancel",
		mcp.WithDescription("Cancel an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution to cancel")),
		mcp.WithString("reason", mcp.Description("Why the execution is being cancelled")),
	)
}
