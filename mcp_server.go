package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer handles Model Context Protocol requests
type MCPServer struct {
	supervisor *PipelineSupervisor
	powerLog   *PowerLog // nil when power logging is disabled
	band       string
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// NewMCPServer creates a new MCP server instance
func NewMCPServer(supervisor *PipelineSupervisor, powerLog *PowerLog, cfg *Config) *MCPServer {
	m := &MCPServer{
		supervisor: supervisor,
		powerLog:   powerLog,
		band:       cfg.Feedback.Band.String(),
	}

	m.mcpServer = server.NewMCPServer(
		"weathermap",
		Version,
		server.WithToolCapabilities(true),
	)

	m.registerTools()

	m.httpServer = server.NewStreamableHTTPServer(m.mcpServer)

	return m
}

// registerTools registers all available MCP tools
func (m *MCPServer) registerTools() {
	m.mcpServer.AddTool(
		mcp.NewTool("get_pipelines",
			mcp.WithDescription("List the running feedback pipelines with their source, state, completed cycles and any error that terminated them."),
			mcp.WithString("format",
				mcp.Description("Output format: 'json' for structured data or 'text' for human-readable summary"),
				mcp.DefaultString("json"),
			),
		),
		m.handleGetPipelines,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("get_band_power",
			mcp.WithDescription("Get the most recent band power per channel in dB for a source, together with the calibrated display range. Values near the high bound mean strong activity in the band."),
			mcp.WithString("source",
				mcp.Description("Source name or pipeline ID, or empty for every source"),
			),
			mcp.WithString("format",
				mcp.Description("Output format: 'json' for structured data or 'text' for human-readable summary"),
				mcp.DefaultString("json"),
			),
		),
		m.handleGetBandPower,
	)

	if m.powerLog != nil {
		m.mcpServer.AddTool(
			mcp.NewTool("get_power_history",
				mcp.WithDescription("Get the logged band power of a source for one day. Returns one record per cycle."),
				mcp.WithString("source",
					mcp.Required(),
					mcp.Description("Source name"),
				),
				mcp.WithString("date",
					mcp.Description("Date in YYYY-MM-DD format (default: today, UTC)"),
				),
				mcp.WithNumber("limit",
					mcp.Description("Return only the last N records (default: 100, 0 = all)"),
					mcp.DefaultNumber(100),
				),
			),
			m.handleGetPowerHistory,
		)
	}
}

// HandleMCP handles MCP protocol requests over HTTP
func (m *MCPServer) HandleMCP(w http.ResponseWriter, r *http.Request) {
	m.httpServer.ServeHTTP(w, r)
}

// Tool handlers

func (m *MCPServer) handleGetPipelines(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := request.GetString("format", "json")

	statuses := m.supervisor.Statuses()
	if len(statuses) == 0 {
		return mcp.NewToolResultError("No pipelines are running"), nil
	}

	if format == "text" {
		var b strings.Builder
		fmt.Fprintf(&b, "Pipelines (band %s):\n\n", m.band)
		for _, s := range statuses {
			fmt.Fprintf(&b, "%s (%s):\n  State: %s\n  Cycles: %d\n  Started: %s\n",
				s.Source.Name, s.ID, s.State, s.Cycles, s.Started.Format(time.RFC3339))
			if s.Error != "" {
				fmt.Fprintf(&b, "  Error: %s\n", s.Error)
			}
			b.WriteString("\n")
		}
		return mcp.NewToolResultText(b.String()), nil
	}

	for i := range statuses {
		statuses[i].Latest = nil
	}
	return jsonResult(statuses)
}

func (m *MCPServer) handleGetBandPower(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source := request.GetString("source", "")
	format := request.GetString("format", "json")

	var snapshots []*PipelineSnapshot
	if source != "" {
		h := m.supervisor.Lookup(source)
		if h == nil {
			return mcp.NewToolResultError(fmt.Sprintf("Unknown source %s", source)), nil
		}
		if snap := h.Loop.Latest(); snap != nil {
			snapshots = append(snapshots, snap)
		}
	} else {
		for _, h := range m.supervisor.Handles() {
			if snap := h.Loop.Latest(); snap != nil {
				snapshots = append(snapshots, snap)
			}
		}
	}
	if len(snapshots) == 0 {
		return mcp.NewToolResultError("No band power available yet"), nil
	}

	if format == "text" {
		var b strings.Builder
		fmt.Fprintf(&b, "Band power %s:\n\n", m.band)
		for _, snap := range snapshots {
			fmt.Fprintf(&b, "%s (cycle %d, range %.1f to %.1f dB", snap.Source, snap.Cycle, snap.Bounds.Low, snap.Bounds.High)
			if !snap.WarmedUp {
				b.WriteString(", calibrating")
			}
			b.WriteString("):\n")
			for i, name := range snap.Channels {
				fmt.Fprintf(&b, "  %s: %.1f dB\n", name, snap.PowerDB[i])
			}
			if snap.Label != "" {
				fmt.Fprintf(&b, "  Trigger: %s\n", snap.Label)
			}
			b.WriteString("\n")
		}
		return mcp.NewToolResultText(b.String()), nil
	}

	return jsonResult(snapshots)
}

func (m *MCPServer) handleGetPowerHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source := request.GetString("source", "")
	date := request.GetString("date", time.Now().UTC().Format("2006-01-02"))
	limit := int(request.GetFloat("limit", 100))

	if source == "" {
		return mcp.NewToolResultError("source is required"), nil
	}

	records, err := m.powerLog.ReadPowerLog(source, date)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("No power log for %s on %s: %v", source, date, err)), nil
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return jsonResult(records)
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	jsonData, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to marshal data: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonData)), nil
}
