// Package mcp exposes script generation and version history as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"scriptforge/backend/internal/auth"
	"scriptforge/backend/internal/services"
	"scriptforge/backend/internal/workflow"
	"scriptforge/backend/pkg/models"
)

type Server struct {
	mcpServer *server.MCPServer
	workflows *workflow.Orchestrator
	versions  *services.VersionService
	reverts   *services.RevertService
}

func NewServer(workflows *workflow.Orchestrator, versions *services.VersionService, reverts *services.RevertService) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"scriptforge",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		workflows: workflows,
		versions:  versions,
		reverts:   reverts,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"generate_script",
			mcp.WithDescription("Start generating a script. Returns a session id to poll with workflow_progress."),
			mcp.WithString("topic", mcp.Required(), mcp.Description("What the script is about")),
			mcp.WithString("format", mcp.Description("Script format, e.g. short or long-form")),
			mcp.WithString("channel", mcp.Description("Channel name")),
			mcp.WithString("audience", mcp.Description("Target audience")),
			mcp.WithString("tone", mcp.Description("Tone of voice")),
			mcp.WithNumber("target_words", mcp.Description("Approximate length in words")),
			mcp.WithBoolean("research", mcp.Description("Run the research stage")),
			mcp.WithBoolean("validate", mcp.Description("Run the validation stage")),
			mcp.WithBoolean("enrich", mcp.Description("Run the enrichment stage")),
		),
		s.handleGenerateScript,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"workflow_progress",
			mcp.WithDescription("Get the latest progress of a generation run"),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id returned by generate_script")),
		),
		s.handleWorkflowProgress,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_versions",
			mcp.WithDescription("List the versions of a script, newest first"),
			mcp.WithString("script_id", mcp.Required(), mcp.Description("The script id")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of versions (default 20, max 100)")),
		),
		s.handleListVersions,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"save_version",
			mcp.WithDescription("Save new content as the current version of a script"),
			mcp.WithString("script_id", mcp.Required(), mcp.Description("The script id")),
			mcp.WithString("title", mcp.Required(), mcp.Description("Title of the version")),
			mcp.WithString("content", mcp.Required(), mcp.Description("Script body")),
			mcp.WithString("hook", mcp.Description("Opening hook")),
			mcp.WithString("description", mcp.Description("Description")),
			mcp.WithString("tags", mcp.Description("Comma separated tags")),
			mcp.WithString("change_summary", mcp.Description("What changed")),
			mcp.WithString("base_version_id", mcp.Description("Reject the save if the current version is no longer this one")),
		),
		s.handleSaveVersion,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"revert_script",
			mcp.WithDescription("Make an earlier version current again by appending a copy of it"),
			mcp.WithString("script_id", mcp.Required(), mcp.Description("The script id")),
			mcp.WithString("version_id", mcp.Required(), mcp.Description("The version to restore")),
		),
		s.handleRevertScript,
	)
}

func (s *Server) handleGenerateScript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	topic, err := request.RequireString("topic")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: topic"), nil
	}

	req := models.GenerationRequest{
		Topic:  topic,
		Format: request.GetString("format", ""),
		Channel: models.Channel{
			Name:     request.GetString("channel", ""),
			Audience: request.GetString("audience", ""),
			Tone:     request.GetString("tone", ""),
		},
		TargetWords: request.GetInt("target_words", 0),
		Options: models.GenerationOptions{
			Research: request.GetBool("research", false),
			Validate: request.GetBool("validate", false),
			Enrich:   request.GetBool("enrich", false),
		},
	}

	sessionID, err := s.workflows.Start(ctx, auth.UserIDFromContext(ctx), req)
	if err != nil {
		return toolError("Failed to start generation", err), nil
	}
	return jsonResult(map[string]string{"session_id": sessionID})
}

func (s *Server) handleWorkflowProgress(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: session_id"), nil
	}

	rec, err := s.workflows.Progress(ctx, sessionID, auth.UserIDFromContext(ctx))
	if err != nil {
		return toolError("Failed to read progress", err), nil
	}
	return jsonResult(rec)
}

func (s *Server) handleListVersions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scriptID, err := request.RequireString("script_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: script_id"), nil
	}

	versions, err := s.versions.GetVersions(ctx, scriptID, auth.UserIDFromContext(ctx), request.GetInt("limit", 0))
	if err != nil {
		return toolError("Failed to list versions", err), nil
	}
	return jsonResult(versions)
}

func (s *Server) handleSaveVersion(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scriptID, err := request.RequireString("script_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: script_id"), nil
	}

	input := services.VersionInput{
		Title:         request.GetString("title", ""),
		Content:       request.GetString("content", ""),
		Hook:          request.GetString("hook", ""),
		Description:   request.GetString("description", ""),
		Tags:          splitTags(request.GetString("tags", "")),
		ChangeSummary: request.GetString("change_summary", ""),
		BaseVersionID: request.GetString("base_version_id", ""),
	}
	version, err := s.versions.SaveAsVersion(ctx, scriptID, auth.UserIDFromContext(ctx), input)
	if err != nil {
		return toolError("Failed to save version", err), nil
	}
	return jsonResult(version)
}

func (s *Server) handleRevertScript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scriptID, err := request.RequireString("script_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: script_id"), nil
	}
	versionID, err := request.RequireString("version_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: version_id"), nil
	}

	script, version, err := s.reverts.RevertToVersion(ctx, scriptID, versionID, auth.UserIDFromContext(ctx))
	if err != nil {
		return toolError("Failed to revert", err), nil
	}
	return jsonResult(map[string]any{"script": script, "version": version})
}

func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s (%s): %s", prefix, services.KindOf(err), services.MessageOf(err)))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func splitTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// MountHTTPHandlers mounts the SSE transport under /mcp. requireAuth wraps
// every endpoint so tool calls run as the authenticated user.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer, requireAuth func(http.Handler) http.Handler) {
	sseServer := server.NewSSEServer(mcpServer,
		server.WithStaticBasePath("/mcp"),
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return auth.WithUserID(ctx, auth.UserIDFromContext(r.Context()))
		}),
	)
	if requireAuth == nil {
		requireAuth = func(h http.Handler) http.Handler { return h }
	}

	mux.Handle("/mcp/sse", requireAuth(sseServer.SSEHandler()))
	mux.Handle("/mcp/message", requireAuth(sseServer.MessageHandler()))
}
