package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/baikal/hostpulse/internal/model"
	"github.com/baikal/hostpulse/internal/store"
)

// queryTimeout bounds every store read issued by a tool call.
const queryTimeout = 10 * time.Second

// Reader is the read-only store surface the tools need.
type Reader interface {
	Latest(ctx context.Context) (*model.Snapshot, error)
	Summary(ctx context.Context, from, to time.Time) (map[string]store.SummaryStats, error)
	Anomalies(ctx context.Context, from, to time.Time) ([]model.Anomaly, error)
	Stat(ctx context.Context) (*store.Stats, error)
}

func (s *Server) handleCurrentMetrics(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	snap, err := s.reader.Latest(ctx)
	if err != nil {
		return errResult(fmt.Sprintf("store query failed: %v", err)), nil
	}
	if snap == nil {
		return errResult("no snapshots collected yet"), nil
	}
	return jsonResult(snap)
}

func (s *Server) handleSummary(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	hours := hoursArg(getArgs(request), "window_hours", 1)
	to := time.Now().UTC()
	stats, err := s.reader.Summary(ctx, to.Add(-time.Duration(hours)*time.Hour), to)
	if err != nil {
		return errResult(fmt.Sprintf("store query failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"window_hours": hours,
		"metrics":      stats,
	})
}

func (s *Server) handleRecentAnomalies(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	hours := hoursArg(getArgs(request), "hours", 24)
	to := time.Now().UTC()
	anomalies, err := s.reader.Anomalies(ctx, to.Add(-time.Duration(hours)*time.Hour), to)
	if err != nil {
		return errResult(fmt.Sprintf("store query failed: %v", err)), nil
	}
	if anomalies == nil {
		// Always an array, never null, for easier consumption by AI agents.
		anomalies = []model.Anomaly{}
	}
	return jsonResult(anomalies)
}

func (s *Server) handleContextPrompt(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	snap, err := s.reader.Latest(ctx)
	if err != nil {
		return errResult(fmt.Sprintf("store query failed: %v", err)), nil
	}
	if snap == nil {
		return errResult("no snapshots collected yet"), nil
	}

	now := time.Now().UTC()
	summary, err := s.reader.Summary(ctx, now.Add(-time.Hour), now)
	if err != nil {
		return errResult(fmt.Sprintf("store query failed: %v", err)), nil
	}
	anomalies, err := s.reader.Anomalies(ctx, now.Add(-24*time.Hour), now)
	if err != nil {
		return errResult(fmt.Sprintf("store query failed: %v", err)), nil
	}

	return newTextResult(buildContextPrompt(snap, summary, anomalies)), nil
}

// buildContextPrompt serializes current state into a compact text block
// suitable for inclusion in an LLM prompt.
func buildContextPrompt(snap *model.Snapshot, summary map[string]store.SummaryStats, anomalies []model.Anomaly) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Host telemetry as of %s\n\n", snap.Timestamp.Format(time.RFC3339))

	b.WriteString("Current:\n")
	if snap.CPU != nil {
		fmt.Fprintf(&b, "- cpu: %.1f%% across %d cores", snap.CPU.UsagePercent, snap.CPU.LogicalCount)
		if snap.CPU.TemperatureCelsius != nil {
			fmt.Fprintf(&b, ", %.0f°C", *snap.CPU.TemperatureCelsius)
		}
		b.WriteString("\n")
	}
	if snap.RAM != nil {
		fmt.Fprintf(&b, "- ram: %.1f%% of %.0f GB\n", snap.RAM.UsagePercent, snap.RAM.TotalGB)
	}
	for _, g := range snap.GPU {
		fmt.Fprintf(&b, "- gpu %s: %.1f%%, %.1f/%.1f GB vram\n",
			g.Name, g.UsagePercent, g.MemoryUsedGB, g.MemoryTotalGB)
	}
	if snap.Network != nil {
		fmt.Fprintf(&b, "- network: down %.2f MB/s, up %.2f MB/s, %d connections\n",
			snap.Network.DownloadMBps, snap.Network.UploadMBps, snap.Network.ConnectionsActive)
	}
	if snap.Context != nil {
		fmt.Fprintf(&b, "- user: %s (%s, %s)\n",
			snap.Context.UserAction, snap.Context.TimeOfDay, snap.Context.DayOfWeek)
	}
	if len(snap.Processes) > 0 {
		top := snap.Processes[0]
		fmt.Fprintf(&b, "- busiest process: %s (%.1f%% cpu, %.0f MB)\n",
			top.Name, top.CPUPercent, top.MemoryMB)
	}

	if len(summary) > 0 {
		b.WriteString("\nLast hour:\n")
		for _, name := range model.PrimaryMetrics {
			st, ok := summary[name]
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "- %s: avg %.1f, p95 %.1f, max %.1f\n", name, st.Avg, st.P95, st.Max)
		}
	}

	b.WriteString("\nAnomalies (24h):\n")
	if len(anomalies) == 0 {
		b.WriteString("- none\n")
	}
	for _, a := range anomalies {
		fmt.Fprintf(&b, "- [%s] %s at %s: %.1f (expected %.1f)\n",
			a.Severity, a.MetricName, a.Timestamp.Format(time.RFC3339),
			a.CurrentValue, a.ExpectedValue)
	}
	return b.String()
}

// getArgs safely extracts the arguments map from a CallToolRequest.
func getArgs(request mcp.CallToolRequest) map[string]any {
	if request.Params.Arguments == nil {
		return map[string]any{}
	}
	args, ok := request.Params.Arguments.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return args
}

// hoursArg extracts a clamped window argument.
func hoursArg(args map[string]any, key string, def int) int {
	val, ok := args[key]
	if !ok || val == nil {
		return def
	}
	f, ok := val.(float64)
	if !ok {
		return def
	}
	hours := int(f)
	if hours < 1 {
		hours = 1
	}
	if hours > 168 {
		hours = 168
	}
	return hours
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errResult(fmt.Sprintf("json marshal failed: %v", err)), nil
	}
	return newTextResult(string(data)), nil
}

// newTextResult creates a successful MCP tool result with text content.
func newTextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
	}
}

// errResult creates a tool-level error result (IsError=true), not a
// transport-level JSON-RPC error.
func errResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: msg,
			},
		},
	}
}
