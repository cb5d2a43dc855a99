// Package mcp exposes a read-only audit and validation surface over the
// Model Context Protocol.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/karflow/internal/kar"
	"github.com/rendis/karflow/internal/store"
	"github.com/rendis/karflow/pkg/schema"
)

// ArtifactCatalog lists the loaded knowledge artifacts. Satisfied by
// *kar.Repository.
type ArtifactCatalog interface {
	List() []kar.Info
}

// DocumentValidator validates a raw artifact document. Satisfied by
// *validation.ArtifactValidator.
type DocumentValidator interface {
	ValidateDocument(ctx context.Context, raw []byte) (*schema.KnowledgeArtifact, *schema.ValidationResult)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Store     store.Store
	Artifacts ArtifactCatalog
	Validator DocumentValidator
	Logger    *slog.Logger
}

// Server wraps an MCP server with the karflow audit tools.
type Server struct {
	store     store.Store
	artifacts ArtifactCatalog
	validator DocumentValidator
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		store:     deps.Store,
		artifacts: deps.Artifacts,
		validator: deps.Validator,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"karflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Karflow executes knowledge artifacts against patient records and stores versioned public-health messages. Use karflow.messages to search messages, karflow.runs and karflow.ledger to audit runs, karflow.scheduled to inspect deferred actions, karflow.artifacts to list loaded artifacts and karflow.validate to check an artifact definition."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: messagesTool(), Handler: s.handleMessages},
		{Tool: runsTool(), Handler: s.handleRuns},
		{Tool: ledgerTool(), Handler: s.handleLedger},
		{Tool: scheduledTool(), Handler: s.handleScheduled},
		{Tool: artifactsTool(), Handler: s.handleArtifacts},
		{Tool: validateTool(), Handler: s.handleValidate},
	}
}

// --- Tool definitions ---

func messagesTool() mcp.Tool {
	return mcp.NewTool("karflow.messages",
		mcp.WithDescription("Search stored public-health messages"),
		mcp.WithObject("filter", mcp.Description("Filter criteria (patient_id, encounter_id, notified_resource_id, x_correlation_id, x_request_id, submitted_data_id, submitted_message_id, kar_unique_id, run_id, submitted_version_number, since, limit, offset)")),
		mcp.WithBoolean("include_payload", mcp.Description("Include the submitted CDA and FHIR payloads (default false)")),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("karflow.runs",
		mcp.WithDescription("List artifact runs"),
		mcp.WithObject("filter", mcp.Description("Filter criteria (kar_id, patient_id, status, since, limit)")),
	)
}

func ledgerTool() mcp.Tool {
	return mcp.NewTool("karflow.ledger",
		mcp.WithDescription("Get a run and its archived action-status ledger"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithBoolean("latest_only", mcp.Description("Return only the latest status per action")),
	)
}

func scheduledTool() mcp.Tool {
	return mcp.NewTool("karflow.scheduled",
		mcp.WithDescription("List deferred actions waiting for their due time"),
		mcp.WithString("status", mcp.Enum("pending", "running", "done", "failed"), mcp.Description("Scheduled action status")),
		mcp.WithString("run_id", mcp.Description("Run that scheduled the action")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results")),
	)
}

func artifactsTool() mcp.Tool {
	return mcp.NewTool("karflow.artifacts",
		mcp.WithDescription("List loaded knowledge artifacts"),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("karflow.validate",
		mcp.WithDescription("Validate a knowledge artifact definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Knowledge artifact definition object")),
	)
}
