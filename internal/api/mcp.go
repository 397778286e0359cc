package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/framesight/framesight/internal/chat"
	"github.com/framesight/framesight/internal/search"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Searcher Searcher
	Chatter  Chatter
}

// NewMCPServer creates an MCP server exposing the read paths of the
// pipeline as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"framesight",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("framesight video analytics: semantic search over analyzed footage and question answering about processed tasks."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("video_search",
			mcp.WithDescription("Semantically search analyzed video segments for an owner and return matching descriptions with frame links."),
			mcp.WithString("owner_id", mcp.Description("Owner whose footage to search"), mcp.Required()),
			mcp.WithString("keyword", mcp.Description("What to look for"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpVideoSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("video_qa",
			mcp.WithDescription("Ask a question about a processed video task. Maintains per-session conversation history."),
			mcp.WithString("owner_id", mcp.Description("Owner of the task"), mcp.Required()),
			mcp.WithString("task_id", mcp.Description("Task to ask about"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Conversation session id"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The question"), mcp.Required()),
			mcp.WithString("model_id", mcp.Description("Model to answer with")),
		),
		mcpVideoQA(deps),
	)

	return s
}

func mcpVideoSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ownerID, err := req.RequireString("owner_id")
		if err != nil {
			return mcpError("owner_id is required"), nil
		}
		keyword, err := req.RequireString("keyword")
		if err != nil {
			return mcpError("keyword is required"), nil
		}
		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}

		results, err := deps.Searcher.Search(ctx, search.Request{
			OwnerID:      ownerID,
			Keyword:      keyword,
			DisplayCount: limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		body, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(body)), nil
	}
}

func mcpVideoQA(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ownerID, err := req.RequireString("owner_id")
		if err != nil {
			return mcpError("owner_id is required"), nil
		}
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		chatReq := chat.Request{
			OwnerID:   ownerID,
			SessionID: sessionID,
			TaskID:    taskID,
			Question:  question,
		}
		chatReq.Params.ModelID = req.GetString("model_id", "")

		resp, err := deps.Chatter.Ask(ctx, chatReq)
		if err != nil {
			return mcpError(fmt.Sprintf("qa failed: %v", err)), nil
		}
		return mcpText(resp.Answer), nil
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
