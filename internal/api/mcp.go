package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/finq/internal/router"
	"github.com/kalambet/finq/internal/store"
)

// MCPSearcher abstracts semantic search for the MCP layer.
type MCPSearcher interface {
	Retrieve(ctx context.Context, query, userID, accountID string, topK int) ([]store.Record, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Router   QueryRouter
	Searcher MCPSearcher
}

// NewMCPServer creates an MCP server exposing the question pipeline and raw
// semantic search as tools. Conversation history is kept per session_id,
// the same way the HTTP layer does it.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	sessions := newSessionStore()

	s := server.NewMCPServer(
		"finq",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("finq — natural-language questions over personal financial transactions."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask a natural-language question about the user's transactions and get a synthesized answer."),
			mcp.WithString("query", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("userid", mcp.Description("Tenant user identifier"), mcp.Required()),
			mcp.WithString("accountid", mcp.Description("Tenant account identifier"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Optional conversation session; follow-up questions in the same session share context")),
		),
		mcpAsk(deps, sessions),
	)

	s.AddTool(
		mcp.NewTool("search_transactions",
			mcp.WithDescription("Semantically search the user's transactions and return the most similar records."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("userid", mcp.Description("Tenant user identifier"), mcp.Required()),
			mcp.WithString("accountid", mcp.Description("Tenant account identifier"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchTransactions(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps, sessions *sessionStore) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		userID, err := req.RequireString("userid")
		if err != nil {
			return mcpError("userid is required"), nil
		}
		accountID, err := req.RequireString("accountid")
		if err != nil {
			return mcpError("accountid is required"), nil
		}
		sessionID := req.GetString("session_id", "")

		resp, err := deps.Router.Route(ctx, router.Query{
			Text:      query,
			UserID:    userID,
			AccountID: accountID,
		}, sessions.History(sessionID))
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		return mcpText(resp.Answer), nil
	}
}

func mcpSearchTransactions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		userID, err := req.RequireString("userid")
		if err != nil {
			return mcpError("userid is required"), nil
		}
		accountID, err := req.RequireString("accountid")
		if err != nil {
			return mcpError("accountid is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		records, err := deps.Searcher.Retrieve(ctx, query, userID, accountID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(records) == 0 {
			return mcpText("[]"), nil
		}

		type searchResult struct {
			SourceID string         `json:"source_id"`
			Payload  map[string]any `json:"payload"`
			Score    float64        `json:"score"`
		}

		results := make([]searchResult, len(records))
		for i, rec := range records {
			results[i] = searchResult{
				SourceID: rec.SourceID,
				Payload:  rec.Payload,
				Score:    rec.Score,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
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
