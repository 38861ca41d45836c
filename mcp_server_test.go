package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func callTool(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (string, bool) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args

	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", result.Content[0])
	return text.Text, result.IsError
}

func TestMCPGetPipelines(t *testing.T) {
	ps := startTestPipelines(t)
	m := NewMCPServer(ps, nil, DefaultConfig())

	text, isErr := callTool(t, m.handleGetPipelines, nil)
	require.False(t, isErr, text)
	var statuses []PipelineStatus
	require.NoError(t, json.Unmarshal([]byte(text), &statuses))
	require.Len(t, statuses, 2)
	assert.Nil(t, statuses[0].Latest)
	assert.Equal(t, "running", statuses[0].State)

	text, isErr = callTool(t, m.handleGetPipelines, map[string]any{"format": "text"})
	require.False(t, isErr)
	assert.Contains(t, text, "Pipelines (band 8-13 Hz)")
	assert.Contains(t, text, "amp-a")
	assert.Contains(t, text, "State: running")
}

func TestMCPGetPipelinesEmpty(t *testing.T) {
	ps := NewPipelineSupervisor(defaultSettings(), nil, nil, nil)
	m := NewMCPServer(ps, nil, DefaultConfig())

	text, isErr := callTool(t, m.handleGetPipelines, nil)
	assert.True(t, isErr)
	assert.Equal(t, "No pipelines are running", text)
}

func TestMCPGetBandPower(t *testing.T) {
	ps := startTestPipelines(t)
	m := NewMCPServer(ps, nil, DefaultConfig())

	text, isErr := callTool(t, m.handleGetBandPower, map[string]any{"source": "amp-b"})
	require.False(t, isErr, text)
	var snapshots []PipelineSnapshot
	require.NoError(t, json.Unmarshal([]byte(text), &snapshots))
	require.Len(t, snapshots, 1)
	assert.Equal(t, "amp-b", snapshots[0].Source)
	assert.Len(t, snapshots[0].PowerDB, 3)

	text, isErr = callTool(t, m.handleGetBandPower, nil)
	require.False(t, isErr)
	require.NoError(t, json.Unmarshal([]byte(text), &snapshots))
	assert.Len(t, snapshots, 2)

	text, isErr = callTool(t, m.handleGetBandPower, map[string]any{"format": "text", "source": "amp-a"})
	require.False(t, isErr)
	assert.Contains(t, text, "Band power 8-13 Hz")
	assert.Contains(t, text, "Fp1:")

	text, isErr = callTool(t, m.handleGetBandPower, map[string]any{"source": "nope"})
	assert.True(t, isErr)
	assert.Equal(t, "Unknown source nope", text)
}

func TestMCPGetPowerHistory(t *testing.T) {
	pl, err := NewPowerLog(t.TempDir())
	require.NoError(t, err)
	defer pl.Close()

	ts := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, pl.Write("amp", ts.Add(time.Duration(i)*time.Second), []float64{float64(i)}, Bounds{}, []string{"Cz"}, ""))
	}

	ps := NewPipelineSupervisor(defaultSettings(), nil, nil, nil)
	m := NewMCPServer(ps, pl, DefaultConfig())

	text, isErr := callTool(t, m.handleGetPowerHistory, map[string]any{"source": "amp", "date": "2026-02-03", "limit": float64(2)})
	require.False(t, isErr, text)
	var records []PowerRecord
	require.NoError(t, json.Unmarshal([]byte(text), &records))
	require.Len(t, records, 2)
	assert.Equal(t, 3.0, records[0].PowerDB["Cz"])
	assert.Equal(t, 4.0, records[1].PowerDB["Cz"])

	text, isErr = callTool(t, m.handleGetPowerHistory, map[string]any{"source": "amp", "date": "2026-02-03", "limit": float64(0)})
	require.False(t, isErr)
	require.NoError(t, json.Unmarshal([]byte(text), &records))
	assert.Len(t, records, 5)

	_, isErr = callTool(t, m.handleGetPowerHistory, map[string]any{"source": "amp", "date": "2026-02-04"})
	assert.True(t, isErr)

	text, isErr = callTool(t, m.handleGetPowerHistory, map[string]any{})
	assert.True(t, isErr)
	assert.Equal(t, "source is required", text)
}
