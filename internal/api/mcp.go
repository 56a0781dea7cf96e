package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/carllm/internal/pipeline"
	"github.com/kalambet/carllm/internal/storage"
)

// MCPDeps holds dependencies for the MCP server. Every tool acts as UserID.
type MCPDeps struct {
	Store    *storage.Store
	Pipeline *pipeline.Service
	UserID   string
}

// NewMCPServer creates an MCP server exposing the diagnostic pipeline as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"carllm",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("carllm: multi-model car diagnostics. Send a symptom description, answer the intake questions, then diagnose."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Add a user message to a diagnostic chat. Starts a new chat for vehicle_id when chat_id is omitted."),
			mcp.WithString("chat_id", mcp.Description("Existing chat id")),
			mcp.WithString("vehicle_id", mcp.Description("Vehicle for a new chat")),
			mcp.WithString("content", mcp.Description("Message text"), mcp.Required()),
		),
		mcpSendMessage(deps),
	)

	stageArgs := []mcp.ToolOption{
		mcp.WithString("chat_id", mcp.Description("Chat id"), mcp.Required()),
		mcp.WithString("message_id", mcp.Description("The user message that triggered this step"), mcp.Required()),
	}
	s.AddTool(
		mcp.NewTool("intake_questions", append([]mcp.ToolOption{
			mcp.WithDescription("Generate follow-up questions for the initial problem description."),
		}, stageArgs...)...),
		mcpStage(deps, deps.Pipeline.QuestionPrompt),
	)
	s.AddTool(
		mcp.NewTool("diagnose", append([]mcp.ToolOption{
			mcp.WithDescription("Check intake sufficiency, then fan out to every engine and judge the candidates."),
		}, stageArgs...)...),
		mcpStage(deps, deps.Pipeline.Diagnose),
	)
	s.AddTool(
		mcp.NewTool("reply", append([]mcp.ToolOption{
			mcp.WithDescription("Answer the latest message using the whole chat as context."),
		}, stageArgs...)...),
		mcpStage(deps, deps.Pipeline.Reply),
	)

	s.AddTool(
		mcp.NewTool("vehicle_profile",
			mcp.WithDescription("Show a vehicle's known attributes and replaced parts."),
			mcp.WithString("vehicle_id", mcp.Description("Vehicle id"), mcp.Required()),
		),
		mcpVehicleProfile(deps),
	)

	return s
}

func mcpSendMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		chatID := req.GetString("chat_id", "")
		if chatID == "" {
			conv, err := deps.Pipeline.StartChat(ctx, deps.UserID, req.GetString("vehicle_id", ""))
			if err != nil {
				return mcpError(fmt.Sprintf("failed to start chat: %v", err)), nil
			}
			chatID = conv.ID
		}

		msg, err := deps.Pipeline.Send(ctx, deps.UserID, chatID, content)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to send: %v", err)), nil
		}
		return mcpJSON(map[string]string{"chat_id": chatID, "message_id": msg.ID})
	}
}

func mcpStage(deps MCPDeps, run stageFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		chatID, err := req.RequireString("chat_id")
		if err != nil {
			return mcpError("chat_id is required"), nil
		}
		messageID, err := req.RequireString("message_id")
		if err != nil {
			return mcpError("message_id is required"), nil
		}

		status, err := run(ctx, deps.UserID, chatID, messageID)
		if err != nil {
			return mcpError(fmt.Sprintf("%s: %v", pipeline.Kind(err), err)), nil
		}

		conv, err := deps.Pipeline.Chat(ctx, deps.UserID, chatID)
		if err != nil {
			return mcpError(fmt.Sprintf("reloading chat: %v", err)), nil
		}
		out := map[string]string{"status": string(status)}
		if conv.LatestMessageID != "" {
			msg, err := deps.Store.GetMessage(ctx, chatID, conv.LatestMessageID)
			if err == nil {
				out["message_id"] = msg.ID
				out["content"] = msg.Content
			}
		}
		return mcpJSON(out)
	}
}

func mcpVehicleProfile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("vehicle_id")
		if err != nil {
			return mcpError("vehicle_id is required"), nil
		}
		v, err := deps.Pipeline.Vehicle(ctx, deps.UserID, id)
		if err != nil {
			return mcpError(fmt.Sprintf("%s: %v", pipeline.Kind(err), err)), nil
		}
		return mcpJSON(newVehicleView(v))
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
