// Package mcp exposes the telemetry store to MCP clients over stdio so
// local AI assistants can query host metrics without touching the HTTP
// surface.
package mcp

import (
	"context"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server wraps the MCP server instance.
type Server struct {
	mcpServer *server.MCPServer
	reader    Reader
}

// NewServer creates an MCP server with the telemetry tools registered.
func NewServer(version string, reader Reader) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer("hostpulse", version, server.WithLogging()),
		reader:    reader,
	}
	s.registerTools()
	return s
}

// Start runs the server in stdio mode (blocking).
func (s *Server) Start(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.mcpServer)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func (s *Server) registerTools() {
	currentTool := mcp.NewTool("get_current_metrics",
		mcp.WithDescription("Return the most recent system snapshot: cpu, ram, gpu, disk, network, top processes and user context. Fast, read-only."),
	)
	s.mcpServer.AddTool(currentTool, s.handleCurrentMetrics)

	summaryTool := mcp.NewTool("get_summary",
		mcp.WithDescription("Return avg/min/max/p95 for every primary metric over a recent window."),
		mcp.WithNumber("window_hours",
			mcp.Description("Window length in hours (1-168)"),
			mcp.DefaultNumber(1),
		),
	)
	s.mcpServer.AddTool(summaryTool, s.handleSummary)

	anomaliesTool := mcp.NewTool("get_recent_anomalies",
		mcp.WithDescription("Return anomaly records (threshold crossings and spikes) detected in a recent window."),
		mcp.WithNumber("hours",
			mcp.Description("Lookback in hours (1-168)"),
			mcp.DefaultNumber(24),
		),
	)
	s.mcpServer.AddTool(anomaliesTool, s.handleRecentAnomalies)

	contextTool := mcp.NewTool("get_context_prompt",
		mcp.WithDescription("Serialize the latest snapshot, a 1h summary, and 24h anomalies into a plain-text context block for an LLM prompt."),
	)
	s.mcpServer.AddTool(contextTool, s.handleContextPrompt)
}
