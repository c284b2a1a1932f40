package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/ppigraph/internal/orchestrator"
	"github.com/kalambet/ppigraph/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Orchestrator *orchestrator.Orchestrator
	Version      string
}

// NewMCPServer creates an MCP server exposing the query operations as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"ppigraph",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("ppigraph: protein interaction knowledge graph. Query a protein to get its interactors, or start discovery for an unknown one."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("query_protein",
			mcp.WithDescription("Answer a protein query from stored knowledge, or start a discovery job when the protein is unknown."),
			mcp.WithString("protein", mcp.Description("Protein symbol, e.g. ATXN3"), mcp.Required()),
			mcp.WithNumber("interactor_rounds", mcp.Description("Interactor discovery rounds (3-10)")),
			mcp.WithNumber("function_rounds", mcp.Description("Function discovery rounds (3-10)")),
			mcp.WithBoolean("skip_validation", mcp.Description("Skip the validation and fact-checking steps")),
		),
		mcpQueryProtein(deps),
	)

	s.AddTool(
		mcp.NewTool("get_snapshot",
			mcp.WithDescription("Return the interaction snapshot for a protein: its interactors and the edges among them."),
			mcp.WithString("protein", mcp.Description("Protein symbol"), mcp.Required()),
		),
		mcpGetSnapshot(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Return the most recent discovery job for a protein."),
			mcp.WithString("protein", mcp.Description("Protein symbol"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_query",
			mcp.WithDescription("Cancel the active discovery job for a protein."),
			mcp.WithString("protein", mcp.Description("Protein symbol"), mcp.Required()),
		),
		mcpCancelQuery(deps),
	)

	s.AddTool(
		mcp.NewTool("interaction_stats",
			mcp.WithDescription("Return counts of stored proteins and interactions."),
		),
		mcpInteractionStats(deps),
	)

	return s
}

func mcpQueryProtein(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		protein, err := req.RequireString("protein")
		if err != nil {
			return mcpError("protein is required"), nil
		}
		res, err := deps.Orchestrator.Query(ctx, protein, storage.JobOptions{
			InteractorRounds: req.GetInt("interactor_rounds", 0),
			FunctionRounds:   req.GetInt("function_rounds", 0),
			SkipValidation:   req.GetBool("skip_validation", false),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpGetSnapshot(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		protein, err := req.RequireString("protein")
		if err != nil {
			return mcpError("protein is required"), nil
		}
		snap, _, err := deps.Orchestrator.Snapshot(ctx, protein)
		if err != nil {
			return mcpError(fmt.Sprintf("snapshot failed: %v", err)), nil
		}
		return mcpJSON(snap)
	}
}

func mcpJobStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		protein, err := req.RequireString("protein")
		if err != nil {
			return mcpError("protein is required"), nil
		}
		job, err := deps.Orchestrator.Status(ctx, protein)
		if err != nil {
			return mcpError(fmt.Sprintf("status failed: %v", err)), nil
		}
		return mcpJSON(job)
	}
}

func mcpCancelQuery(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		protein, err := req.RequireString("protein")
		if err != nil {
			return mcpError("protein is required"), nil
		}
		res, err := deps.Orchestrator.Cancel(ctx, protein)
		if err != nil {
			return mcpError(fmt.Sprintf("cancel failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpInteractionStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := deps.Orchestrator.Stats(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("stats failed: %v", err)), nil
		}
		return mcpJSON(stats)
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
