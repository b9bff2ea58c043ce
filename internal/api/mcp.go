package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/docchat/internal/chat"
	"github.com/kalambet/docchat/internal/documents"
	"github.com/kalambet/docchat/internal/gateway"
)

// RemoteLister abstracts the backend's document listing for the MCP layer.
type RemoteLister interface {
	ListDocuments(ctx context.Context, opts gateway.ListOptions) ([]gateway.DocumentInfo, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Chat     *chat.Model
	Docs     *documents.Selection
	Uploader *documents.Uploader
	Remote   RemoteLister // optional; if nil, list_documents rejects scope=remote
}

// NewMCPServer creates an MCP server with all docchat tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"docchat",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("docchat: chat with a document-grounded assistant and manage the documents it answers from."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a message on the active chat and return the assistant's reply."),
			mcp.WithString("message", mcp.Description("Message text"), mcp.Required()),
		),
		mcpSendMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("new_chat",
			mcp.WithDescription("Start a new chat and make it active."),
		),
		mcpNewChat(deps),
	)

	s.AddTool(
		mcp.NewTool("switch_chat",
			mcp.WithDescription("Make an existing chat active."),
			mcp.WithString("id", mcp.Description("Chat id"), mcp.Required()),
		),
		mcpSwitchChat(deps),
	)

	s.AddTool(
		mcp.NewTool("set_mode",
			mcp.WithDescription("Choose between document-grounded answers (rag) and plain chat (chat)."),
			mcp.WithString("mode", mcp.Description("rag or chat"), mcp.Required(), mcp.Enum(string(chat.ModeRAG), string(chat.ModeChat))),
		),
		mcpSetMode(deps),
	)

	s.AddTool(
		mcp.NewTool("upload_document",
			mcp.WithDescription("Upload a local .txt file to the backend and select it for answers."),
			mcp.WithString("path", mcp.Description("Path to a plain text file"), mcp.Required()),
			mcp.WithString("description", mcp.Description("Short description of the document"), mcp.Required()),
		),
		mcpUploadDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("toggle_document",
			mcp.WithDescription("Select or deselect an uploaded document for answers."),
			mcp.WithString("id", mcp.Description("Document id"), mcp.Required()),
		),
		mcpToggleDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List documents: the active selection, the upload history, or what the backend stores."),
			mcp.WithString("scope", mcp.Description("active (default), history or remote"), mcp.Enum("active", "history", "remote")),
		),
		mcpListDocuments(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"chat://active",
			"Active Chat",
			mcp.WithResourceDescription("The active chat with its transcript, as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceActiveChat(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"docs://active",
			"Active Documents",
			mcp.WithResourceDescription("Documents currently selected for answers, as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceActiveDocs(deps),
	)

	return s
}

func mcpSendMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		turn, err := deps.Chat.Send(ctx, message)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if turn.Err != nil {
			return mcpError(turn.Reply.Content), nil
		}
		return mcpText(turn.Reply.Content), nil
	}
}

func mcpNewChat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s := deps.Chat.CreateSession()
		return mcpJSON(map[string]string{"id": s.ID, "title": s.Title})
	}
}

func mcpSwitchChat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		if err := deps.Chat.SetActive(id); err != nil {
			return mcpError(err.Error()), nil
		}
		s, _ := deps.Chat.Active()
		return mcpText(fmt.Sprintf("Switched to %s", s.Title)), nil
	}
}

func mcpSetMode(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("mode")
		if err != nil {
			return mcpError("mode is required"), nil
		}
		mode, err := chat.ParseMode(raw)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if err := deps.Chat.SetMode(mode); err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(fmt.Sprintf("Mode set to %s", mode)), nil
	}
}

func mcpUploadDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcpError("path is required"), nil
		}
		description := req.GetString("description", "")

		in, err := documents.PrepareFile(path, description)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		doc, msg, err := deps.Uploader.Upload(ctx, in)
		if err != nil {
			var re *gateway.RequestError
			if errors.As(err, &re) {
				return mcpError(fmt.Sprintf("upload failed: %v", re)), nil
			}
			return mcpError(err.Error()), nil
		}
		text := fmt.Sprintf("Uploaded %s as %s", doc.Name, doc.ID)
		if msg != "" {
			text += ": " + msg
		}
		return mcpText(text), nil
	}
}

func mcpToggleDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		if !deps.Docs.Toggle(id) {
			return mcpError(fmt.Sprintf("document %s is not in the upload history", id)), nil
		}
		state := "deselected"
		if deps.Docs.IsSelected(id) {
			state = "selected"
		}
		return mcpText(fmt.Sprintf("Document %s %s", id, state)), nil
	}
}

func mcpListDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		switch scope := req.GetString("scope", "active"); scope {
		case "active":
			return mcpJSON(deps.Docs.Active())
		case "history":
			return mcpJSON(deps.Docs.History())
		case "remote":
			if deps.Remote == nil {
				return mcpError("remote listing not available"), nil
			}
			infos, err := deps.Remote.ListDocuments(ctx, gateway.ListOptions{End: 100})
			if err != nil {
				return mcpError(fmt.Sprintf("listing failed: %v", err)), nil
			}
			raw := make([]json.RawMessage, len(infos))
			for i, info := range infos {
				raw[i] = info.Raw
			}
			return mcpJSON(raw)
		default:
			return mcpError(fmt.Sprintf("unknown scope %q", scope)), nil
		}
	}
}

func mcpResourceActiveChat(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		s, ok := deps.Chat.Active()
		if !ok {
			return nil, chat.ErrNoActiveSession
		}
		view := struct {
			chat.Session
			Mode  chat.Mode `json:"mode"`
			State string    `json:"state"`
		}{s, deps.Chat.Mode(), deps.Chat.State(s.ID).String()}
		return jsonResource(req.Params.URI, view)
	}
}

func mcpResourceActiveDocs(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return jsonResource(req.Params.URI, deps.Docs.Active())
	}
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
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
