// Package mcp exposes read-only settlement tools to agents over the Model
// Context Protocol.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"foundry-backend/core/settlement"
)

const (
	serverName    = "Foundry Settlement MCP Server"
	serverVersion = "1.0.0"
)

// MCPServer wraps the mcp-go server with the settlement tools.
type MCPServer struct {
	mcpServer *server.MCPServer
	orch      *settlement.Orchestrator
	logger    *slog.Logger
}

// NewMCPServer creates a new MCP server using the mcp-go library
func NewMCPServer(orch *settlement.Orchestrator, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MCPServer{
		mcpServer: server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(true)),
		orch:      orch,
		logger:    logger.With("component", "mcp"),
	}
	s.registerTools()
	return s
}

// GetMCPServer returns the underlying MCP server for transport setup
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

// HTTPHandler serves the tools over streamable HTTP.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// ServeStdio blocks serving the tools on stdin and stdout.
func (s *MCPServer) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *MCPServer) registerTools() {
	s.registerGetJobTool()
	s.registerListMachineJobsTool()
	s.registerGetMachineTool()
	s.registerNetworkMetricsTool()
	s.registerEstimateRewardTool()
}

func (s *MCPServer) registerGetJobTool() {
	tool := mcp.NewTool("get_job",
		mcp.WithDescription("Get a job record by hash, including its settlement and community flags"),
		mcp.WithString("job_hash", mcp.Required(), mcp.Description("Job hash to look up")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		hash, err := request.RequireString("job_hash")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		job, err := s.orch.GetJob(ctx, hash)
		if err != nil {
			return toolError("get job", err), nil
		}
		return jsonResult(job)
	})
}

func (s *MCPServer) registerListMachineJobsTool() {
	tool := mcp.NewTool("list_machine_jobs",
		mcp.WithDescription("List a machine's most recent jobs, newest first"),
		mcp.WithString("machine_id", mcp.Required(), mcp.Description("Machine id")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of jobs to return (default 50)")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("machine_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		jobs, err := s.orch.ListMachineJobs(ctx, id, request.GetInt("limit", 0))
		if err != nil {
			return toolError("list machine jobs", err), nil
		}
		return jsonResult(map[string]any{
			"machine_id": id,
			"jobs":       jobs,
			"count":      len(jobs),
		})
	})
}

func (s *MCPServer) registerGetMachineTool() {
	tool := mcp.NewTool("get_machine",
		mcp.WithDescription("Get a machine's identity, trust score and work totals"),
		mcp.WithString("machine_id", mcp.Required(), mcp.Description("Machine id")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("machine_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		m, err := s.orch.GetMachine(ctx, id)
		if err != nil {
			return toolError("get machine", err), nil
		}
		return jsonResult(m)
	})
}

func (s *MCPServer) registerNetworkMetricsTool() {
	tool := mcp.NewTool("network_metrics",
		mcp.WithDescription("Current activity ratio, time decay, treasury state and recent settlements"),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		m, err := s.orch.Metrics(ctx)
		if err != nil {
			return toolError("network metrics", err), nil
		}
		return jsonResult(m)
	})
}

func (s *MCPServer) registerEstimateRewardTool() {
	tool := mcp.NewTool("estimate_reward",
		mcp.WithDescription("Estimate the MINT reward for a job under current network conditions"),
		mcp.WithNumber("duration_seconds", mcp.Required(), mcp.Description("Job duration in seconds")),
		mcp.WithNumber("complexity", mcp.Description("Declared complexity, 0.5 to 2.0 (default 1.0)")),
		mcp.WithString("machine_id", mcp.Description("Use this machine's trust and warm-up instead of a fully warmed-up machine")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		duration := request.GetFloat("duration_seconds", -1)
		if duration < 0 {
			return mcp.NewToolResultError("duration_seconds must be a non-negative number"), nil
		}
		b, err := s.orch.EstimateReward(ctx, settlement.EstimateRequest{
			MachineID:       request.GetString("machine_id", ""),
			DurationSeconds: duration,
			Complexity:      request.GetFloat("complexity", 1.0),
		})
		if err != nil {
			return toolError("estimate reward", err), nil
		}
		return jsonResult(b)
	})
}

func toolError(op string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s failed (%s): %v", op, settlement.CodeOf(err), err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
