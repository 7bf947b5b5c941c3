package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tutorly/tutord/internal/retrieval"
	"github.com/tutorly/tutord/internal/storage"
)

// MCPRetriever abstracts textbook search for the MCP layer.
type MCPRetriever interface {
	Query(ctx context.Context, query, ownerID string) ([]retrieval.ScoredChunk, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Retriever MCPRetriever
}

// NewMCPServer creates an MCP server exposing textbook search to local
// clients over stdio.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"tutord",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("tutord — tutoring daemon with per-class textbook retrieval."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("query_textbook",
			mcp.WithDescription("Semantically search an ingested class textbook and return the most relevant passages with page numbers."),
			mcp.WithString("class_id", mcp.Description("The class whose textbook to search"), mcp.Required()),
			mcp.WithString("query", mcp.Description("What to look up"), mcp.Required()),
		),
		mcpQueryTextbook(deps),
	)

	s.AddTool(
		mcp.NewTool("list_classes",
			mcp.WithDescription("List a user's classes and their textbook status."),
			mcp.WithString("user_id", mcp.Description("The user whose classes to list"), mcp.Required()),
		),
		mcpListClasses(deps),
	)

	return s
}

func mcpQueryTextbook(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		classID, err := req.RequireString("class_id")
		if err != nil {
			return mcpError("class_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		chunks, err := deps.Retriever.Query(ctx, query, classID)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(chunks) == 0 {
			return mcpText("[]"), nil
		}

		type passage struct {
			Page  int     `json:"page"`
			Text  string  `json:"text"`
			Score float64 `json:"score"`
		}
		results := make([]passage, len(chunks))
		for i, c := range chunks {
			results[i] = passage{Page: c.Page, Text: c.Text, Score: c.Score}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListClasses(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		classes, err := deps.Store.ListClasses(userID)
		if err != nil {
			return mcpError(fmt.Sprintf("listing classes failed: %v", err)), nil
		}

		type classSummary struct {
			ID             string `json:"id"`
			Name           string `json:"name"`
			TextbookStatus string `json:"textbook_status"`
		}
		summaries := make([]classSummary, len(classes))
		for i, c := range classes {
			summaries[i] = classSummary{ID: c.ID, Name: c.Name, TextbookStatus: c.TextbookStatus}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal classes: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
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
