// Package mcp implements the Model Context Protocol server for Kaiwa.
//
// Operators and MCP-compatible assistants use these tools to inspect live
// conversations and probe the knowledge base the same way the dialogue
// engine does.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kaiwa-ai/kaiwa/internal/engine"
	"github.com/kaiwa-ai/kaiwa/internal/model"
	"github.com/kaiwa-ai/kaiwa/internal/search"
)

// Server wraps the MCP server with Kaiwa's conversation and knowledge
// surfaces.
type Server struct {
	mcpServer   *mcpserver.MCPServer
	checkpoints engine.CheckpointStore
	retriever   engine.KnowledgeRetriever
	tenantID    uuid.UUID // default tenant for knowledge search
}

// New creates and configures an MCP server with all tools registered.
func New(checkpoints engine.CheckpointStore, retriever engine.KnowledgeRetriever, tenantID uuid.UUID) *Server {
	s := &Server{
		checkpoints: checkpoints,
		retriever:   retriever,
		tenantID:    tenantID,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kaiwa",
		"0.1.0",
		mcpserver.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	// kaiwa_knowledge_search — probe the knowledge base.
	s.mcpServer.AddTool(
		mcplib.NewTool("kaiwa_knowledge_search",
			mcplib.WithDescription(`Search the sales knowledge base the same way the dialogue engine does.

Returns the ranked knowledge chunks (seeds plus adjacent context) the agent
would ground an answer on. Use this to understand why the agent answered the
way it did, or to verify coverage before uploading new material.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("Natural language question to search for"),
				mcplib.Required(),
			),
			mcplib.WithString("tenant_id",
				mcplib.Description("Tenant UUID; defaults to the server's configured tenant"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of seed chunks"),
				mcplib.Min(1),
				mcplib.Max(20),
				mcplib.DefaultNumber(3),
			),
		),
		s.handleKnowledgeSearch,
	)

	// kaiwa_conversation_state — inspect a live conversation.
	s.mcpServer.AddTool(
		mcplib.NewTool("kaiwa_conversation_state",
			mcplib.WithDescription(`Inspect the latest checkpoint of a conversation thread.

Returns the turn number, active and suspended goals, customer profile,
closing state, follow-up flags, and the most recent messages. Read-only;
inspection never mutates conversation state.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("thread_id",
				mcplib.Description("Conversation thread UUID"),
				mcplib.Required(),
			),
			mcplib.WithNumber("history_tail",
				mcplib.Description("Number of most recent messages to include"),
				mcplib.Min(0),
				mcplib.Max(50),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleConversationState,
	)
}

func (s *Server) handleKnowledgeSearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}

	tenantID := s.tenantID
	if raw := request.GetString("tenant_id", ""); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return errorResult("invalid tenant_id"), nil
		}
		tenantID = parsed
	}
	limit := request.GetInt("limit", 3)

	kctx, err := s.retriever.Retrieve(ctx, tenantID, query, limit, 0.75)
	if err != nil {
		if search.IsNoMatch(err) {
			return textResult(`{"chunks": []}`), nil
		}
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	data, _ := json.MarshalIndent(kctx.Chunks, "", "  ")
	return textResult(string(data)), nil
}

// conversationView is the operator-facing projection of a checkpoint.
type conversationView struct {
	ThreadID            uuid.UUID             `json:"thread_id"`
	Version             int64                 `json:"version"`
	TurnNumber          int                   `json:"turn_number"`
	Goals               model.GoalSlot        `json:"goals"`
	Profile             model.CustomerProfile `json:"profile"`
	Closing             model.Closing         `json:"closing"`
	FollowUpScheduled   bool                  `json:"follow_up_scheduled"`
	FollowUpAttempts    int                   `json:"follow_up_attempts"`
	LastProcessingError *string               `json:"last_processing_error,omitempty"`
	DisengagementReason *string               `json:"disengagement_reason,omitempty"`
	History             []model.Message       `json:"history"`
}

func (s *Server) handleConversationState(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	threadID, err := uuid.Parse(request.GetString("thread_id", ""))
	if err != nil {
		return errorResult("invalid thread_id"), nil
	}
	tail := request.GetInt("history_tail", 10)

	state, version, err := s.checkpoints.GetLatestCheckpoint(ctx, threadID)
	if err != nil {
		return errorResult(fmt.Sprintf("load conversation: %v", err)), nil
	}

	history := state.History
	if tail >= 0 && len(history) > tail {
		history = history[len(history)-tail:]
	}

	view := conversationView{
		ThreadID:            threadID,
		Version:             version,
		TurnNumber:          state.TurnNumber,
		Goals:               state.Goals,
		Profile:             state.Profile,
		Closing:             state.Closing,
		FollowUpScheduled:   state.FollowUpScheduled,
		FollowUpAttempts:    state.FollowUpAttempts,
		LastProcessingError: state.LastProcessingError,
		DisengagementReason: state.DisengagementReason,
		History:             history,
	}
	data, _ := json.MarshalIndent(view, "", "  ")
	return textResult(string(data)), nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
